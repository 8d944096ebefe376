// Package audit turns scheduler bus events into durable audit records.
package audit

import (
	"context"
	"strings"
	"sync"

	"modbot/internal/eventbus"
	"modbot/internal/scheduler"
	"modbot/internal/storage"
	logx "modbot/pkg/logx"
)

// Recorder subscribes to the event bus and appends one audit entry per
// task lifecycle event (task.scheduled, task.fired, task.failed,
// task.cancelled).
type Recorder struct {
	bus   eventbus.Bus
	store storage.Store
	log   logx.Logger

	mu    sync.Mutex
	unsub func()
	done  chan struct{}
}

func NewRecorder(bus eventbus.Bus, store storage.Store, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{bus: bus, store: store, log: log}
}

func (r *Recorder) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return
	}
	ch, unsub := r.bus.Subscribe(128)
	r.unsub = unsub
	r.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				r.record(ctx, e)
			}
		}
	}(r.done)
}

func (r *Recorder) Stop() {
	r.mu.Lock()
	unsub := r.unsub
	done := r.done
	r.unsub = nil
	r.done = nil
	r.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if done != nil {
		<-done
	}
}

func (r *Recorder) record(ctx context.Context, e eventbus.Event) {
	if !strings.HasPrefix(e.Type, "task.") {
		return
	}
	te, ok := e.Data.(scheduler.TaskEvent)
	if !ok {
		return
	}
	entry := storage.AuditEntry{
		At:      e.Time,
		GuildID: te.GuildID,
		TaskID:  te.TaskID,
		Kind:    te.Kind,
		Event:   e.Type,
		Error:   te.Error,
		TookMS:  te.Took.Milliseconds(),
	}
	if err := r.store.AppendAudit(ctx, entry); err != nil {
		r.log.Warn("audit append failed",
			logx.String("event", e.Type), logx.String("guild", te.GuildID), logx.Err(err))
	}
}
