package audit

import (
	"context"
	"testing"
	"time"

	"modbot/internal/eventbus"
	"modbot/internal/scheduler"
	"modbot/internal/storage"
	logx "modbot/pkg/logx"
)

type auditReader interface {
	Audit() []storage.AuditEntry
}

func TestRecorderPersistsTaskEvents(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	bus := eventbus.New()
	r := NewRecorder(bus, st, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	bus.Publish(eventbus.Event{
		Type: "task.failed",
		Data: scheduler.TaskEvent{
			GuildID: "g1", TaskID: "t1", Kind: "moderation:unban",
			Took: 42 * time.Millisecond, Error: "user gone",
		},
	})
	// Non-task events are ignored.
	bus.Publish(eventbus.Event{Type: "config.reloaded", Data: "x"})
	bus.Publish(eventbus.Event{Type: "task.fired", Data: "not a TaskEvent"})

	reader, ok := st.(auditReader)
	if !ok {
		t.Fatalf("memory store does not expose audit entries")
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(reader.Audit()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	entries := reader.Audit()
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.Event != "task.failed" || e.GuildID != "g1" || e.TaskID != "t1" ||
		e.Kind != "moderation:unban" || e.Error != "user gone" || e.TookMS != 42 {
		t.Fatalf("unexpected entry: %+v", e)
	}
}

func TestRecorderStopIsIdempotent(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	r := NewRecorder(eventbus.New(), st, logx.Nop())
	r.Start(context.Background())
	r.Stop()
	r.Stop()
	r.Start(context.Background())
	r.Stop()
}
