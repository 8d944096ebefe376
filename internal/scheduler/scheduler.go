package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"modbot/internal/eventbus"
	"modbot/internal/storage"
	logx "modbot/pkg/logx"
)

const defaultTickInterval = 2 * time.Second

// Service owns the working set of pending tasks across all guilds and
// drives the single tick loop.
//
// Schedule, Cancel, Resume, and the tick body all serialize on one mutex,
// so the working set is never mutated by two ticks (or a tick and a caller)
// concurrently. Handlers run outside the lock, sequentially within a tick.
type Service struct {
	log   logx.Logger
	cfg   Config
	store storage.Store
	reg   *Registry
	bus   eventbus.Bus

	now func() time.Time

	mu     sync.Mutex
	guilds map[string]map[string]*Task
	// dirty marks guilds whose last save failed; retried each tick and on Stop.
	dirty  map[string]struct{}
	seq    uint64
	stopCh chan struct{}
	done   chan struct{}
}

func New(cfg Config, store storage.Store, reg *Registry, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	return &Service{
		log:    log,
		cfg:    cfg,
		store:  store,
		reg:    reg,
		bus:    bus,
		now:    time.Now,
		guilds: map[string]map[string]*Task{},
		dirty:  map[string]struct{}{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// SetEnabled records the configured enabled flag. It does not start or stop
// the tick loop; callers pair it with Start/Stop.
func (s *Service) SetEnabled(enabled bool) {
	s.mu.Lock()
	s.cfg.Enabled = enabled
	s.mu.Unlock()
}

// Registry returns the kind registry consumers register their handlers on.
func (s *Service) Registry() *Registry { return s.reg }

// Schedule creates a task, persists it durably, and adds it to the working
// set. The kind does not have to be registered yet; it only has to be
// registered by the time the task becomes due.
//
// A payload that cannot be serialized fails the call; the task is not
// created. A failed durable write also fails the call and leaves no trace
// of the task.
func (s *Service) Schedule(ctx context.Context, guildID string, plan Plan, kind string, payload any) (*Task, error) {
	if strings.TrimSpace(guildID) == "" {
		return nil, fmt.Errorf("schedule: guild id required")
	}
	if strings.TrimSpace(kind) == "" {
		return nil, fmt.Errorf("schedule: kind required")
	}
	if err := plan.validate(); err != nil {
		return nil, fmt.Errorf("schedule: %w", err)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("schedule: encode payload for kind %q: %w", kind, err)
	}

	s.mu.Lock()
	s.seq++
	t := &Task{
		svc:     s,
		id:      uuid.NewString(),
		guildID: guildID,
		kind:    kind,
		payload: raw,
		plan:    plan,
		seq:     s.seq,
		dueAt:   s.now().Add(plan.Delay),
	}
	tasks := s.guilds[guildID]
	if tasks == nil {
		tasks = map[string]*Task{}
		s.guilds[guildID] = tasks
	}
	tasks[t.id] = t
	_, wasDirty := s.dirty[guildID]
	if err := s.persistGuildLocked(ctx, guildID); err != nil {
		// Roll back: disk still holds the pre-call state, so memory must too.
		delete(tasks, t.id)
		if !wasDirty {
			delete(s.dirty, guildID)
		}
		s.mu.Unlock()
		return nil, fmt.Errorf("schedule: persist guild %s: %w", guildID, err)
	}
	s.mu.Unlock()

	s.log.Debug("task scheduled",
		logx.String("guild", guildID), logx.String("task", t.id), logx.String("kind", kind),
		logx.Time("due", t.dueAt), logx.Bool("repeating", plan.Repeating()))
	s.publish("task.scheduled", t, 0, nil)
	return t, nil
}

// Resume rehydrates a single persisted task into the working set, attaching
// it to the handler registered for its kind. The guild's document must have
// been loaded (ResumeGuild does this). Missing or corrupt records fail
// non-fatally; callers log and continue with the remaining tasks.
func (s *Service) Resume(ctx context.Context, guildID, id, kind string) (*Task, error) {
	recs, err := s.loadRecords(guildID)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if rec.ID == id {
			if kind != "" && rec.Kind != kind {
				s.log.Warn("resume kind mismatch; using persisted kind",
					logx.String("guild", guildID), logx.String("task", id),
					logx.String("want", kind), logx.String("have", rec.Kind))
			}
			return s.resumeRecord(guildID, rec)
		}
	}
	return nil, fmt.Errorf("resume guild %s task %s: %w", guildID, id, ErrNoSuchTask)
}

// ResumeGuild loads a guild's document from the store and rehydrates every
// persisted task. Individual corrupt records are skipped and logged; the
// rest of the guild still loads. Returns the number of tasks resumed.
func (s *Service) ResumeGuild(ctx context.Context, guildID string) (int, error) {
	if _, err := s.store.Load(ctx, guildID); err != nil {
		return 0, fmt.Errorf("resume guild %s: %w", guildID, err)
	}
	recs, err := s.loadRecords(guildID)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, rec := range recs {
		if _, err := s.resumeRecord(guildID, rec); err != nil {
			s.log.Warn("skipping unresumable task record",
				logx.String("guild", guildID), logx.String("task", rec.ID),
				logx.String("kind", rec.Kind), logx.Err(err))
			continue
		}
		n++
	}
	if n > 0 {
		s.log.Info("guild resumed", logx.String("guild", guildID), logx.Int("tasks", n))
	}
	return n, nil
}

// ResumeAll resumes every guild the store knows about. Guild-level failures
// are logged and skipped so one bad document never blocks startup.
func (s *Service) ResumeAll(ctx context.Context) (int, error) {
	guilds, err := s.store.Guilds(ctx)
	if err != nil {
		return 0, fmt.Errorf("resume: list guilds: %w", err)
	}
	total := 0
	for _, gid := range guilds {
		n, err := s.ResumeGuild(ctx, gid)
		if err != nil {
			s.log.Warn("guild resume failed; continuing", logx.String("guild", gid), logx.Err(err))
			continue
		}
		total += n
	}
	return total, nil
}

func (s *Service) loadRecords(guildID string) ([]taskRecord, error) {
	doc := s.store.Get(guildID)
	var recs []taskRecord
	if _, err := doc.Get(docKey, &recs); err != nil {
		return nil, fmt.Errorf("guild %s: corrupt scheduler records: %w", guildID, err)
	}
	return recs, nil
}

func (s *Service) resumeRecord(guildID string, rec taskRecord) (*Task, error) {
	if rec.ID == "" || rec.Kind == "" {
		return nil, fmt.Errorf("record missing id or kind")
	}
	plan, err := rec.plan()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := s.guilds[guildID]
	if tasks == nil {
		tasks = map[string]*Task{}
		s.guilds[guildID] = tasks
	}
	if existing, ok := tasks[rec.ID]; ok {
		// Already tracked; resume is idempotent.
		return existing, nil
	}

	s.seq++
	t := &Task{
		svc:     s,
		id:      rec.ID,
		guildID: guildID,
		kind:    rec.Kind,
		payload: rec.Payload,
		plan:    plan,
		seq:     s.seq,
		dueAt:   time.UnixMilli(rec.DueAt),
	}
	tasks[t.id] = t

	if _, ok := s.reg.Resolve(t.kind); !ok {
		// Held pending until a handler shows up; never dropped.
		s.log.Warn("resumed task has no registered handler yet",
			logx.String("guild", guildID), logx.String("task", t.id), logx.String("kind", t.kind))
	}
	return t, nil
}

// Cancel marks the task cancelled, removes it from the working set, and
// deletes its persisted record. Idempotent: cancelling a cancelled or
// already-fired task is a no-op.
func (s *Service) Cancel(ctx context.Context, t *Task) {
	if t == nil {
		return
	}
	s.mu.Lock()
	if t.cancelled {
		s.mu.Unlock()
		return
	}
	tasks := s.guilds[t.guildID]
	if _, ok := tasks[t.id]; !ok {
		// already fired (single-shot) or never tracked
		s.mu.Unlock()
		return
	}
	t.cancelled = true
	delete(tasks, t.id)
	if err := s.persistGuildLocked(ctx, t.guildID); err != nil {
		// Removal is effective in memory; the durable delete retries on the
		// next tick (guild is marked dirty) and on Stop.
		s.log.Warn("cancel persisted lazily",
			logx.String("guild", t.guildID), logx.String("task", t.id), logx.Err(err))
	}
	s.mu.Unlock()

	s.log.Debug("task cancelled", logx.String("guild", t.guildID), logx.String("task", t.id), logx.String("kind", t.kind))
	s.publish("task.cancelled", t, 0, nil)
}

// Start launches the tick loop. Calling Start while the loop is running is
// a guarded no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		s.log.Warn("scheduler already running; ignoring Start")
		return
	}
	stopCh := make(chan struct{})
	done := make(chan struct{})
	s.stopCh = stopCh
	s.done = done
	interval := s.cfg.TickInterval
	s.mu.Unlock()

	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in scheduler loop", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
	s.log.Info("scheduler started", logx.Duration("tick", interval))
}

// Stop halts the tick loop and flushes any mutations whose durable write
// previously failed. After Stop, no ticks occur until Start runs again.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	done := s.done
	s.done = nil
	s.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
	}

	s.mu.Lock()
	s.flushDirtyLocked(ctx)
	s.mu.Unlock()
	s.log.Info("scheduler stopped")
}

// tick fires every due task across all guilds, in deterministic order:
// guilds ascending, then due time, then creation order.
func (s *Service) tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	s.flushDirtyLocked(ctx)
	var due []*Task
	for _, tasks := range s.guilds {
		for _, t := range tasks {
			if !t.cancelled && !t.dueAt.After(now) {
				due = append(due, t)
			}
		}
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if a.guildID != b.guildID {
			return a.guildID < b.guildID
		}
		if !a.dueAt.Equal(b.dueAt) {
			return a.dueAt.Before(b.dueAt)
		}
		return a.seq < b.seq
	})
	s.mu.Unlock()

	for _, t := range due {
		s.fire(ctx, t, now)
	}
}

// fire runs one due task's handler and transitions the task per its plan.
// Handler errors and panics are absorbed: the task still counts as fired.
func (s *Service) fire(ctx context.Context, t *Task, now time.Time) {
	h, ok := s.reg.Resolve(t.kind)
	if !ok {
		// Held pending; retried next tick once registration completes.
		s.log.Warn("no handler registered for due task; holding",
			logx.String("guild", t.guildID), logx.String("task", t.id), logx.String("kind", t.kind))
		return
	}

	s.mu.Lock()
	if t.cancelled {
		// Cancelled by an earlier handler in this same tick.
		s.mu.Unlock()
		return
	}
	payload := t.payload
	s.mu.Unlock()

	start := time.Now()
	err := invoke(ctx, h, t, payload)
	took := time.Since(start)
	if err != nil {
		s.log.Warn("task handler failed",
			logx.String("guild", t.guildID), logx.String("task", t.id), logx.String("kind", t.kind),
			logx.Duration("took", took), logx.Err(err))
		s.publish("task.failed", t, took, err)
	} else {
		s.log.Debug("task fired",
			logx.String("guild", t.guildID), logx.String("task", t.id), logx.String("kind", t.kind),
			logx.Duration("took", took))
		s.publish("task.fired", t, took, nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t.cancelled {
		// Handler cancelled its own task; Cancel already persisted.
		return
	}
	if t.plan.Repeating() {
		// Rebase off the previous due time, not the wall clock, so late
		// ticks never accumulate drift. Whole periods missed across
		// downtime are skipped rather than fired as a burst.
		next := t.dueAt.Add(t.plan.Every)
		for !next.After(now) {
			next = next.Add(t.plan.Every)
		}
		t.dueAt = next
	} else {
		delete(s.guilds[t.guildID], t.id)
	}
	if err := s.persistGuildLocked(ctx, t.guildID); err != nil {
		s.log.Error("persist after firing failed; retrying next tick",
			logx.String("guild", t.guildID), logx.String("task", t.id), logx.Err(err))
	}
}

func invoke(ctx context.Context, h Handler, t *Task, payload json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h(ctx, t, payload)
}

// persistGuildLocked rewrites the guild's scheduler sub-document and saves
// the full document. Call with s.mu held. On failure the guild is marked
// dirty so the write retries on the next tick and on Stop.
func (s *Service) persistGuildLocked(ctx context.Context, guildID string) error {
	tasks := s.guilds[guildID]
	recs := make([]taskRecord, 0, len(tasks))
	for _, t := range tasks {
		recs = append(recs, taskRecord{
			ID:      t.id,
			Kind:    t.kind,
			Payload: t.payload,
			DueAt:   t.dueAt.UnixMilli(),
			Plan:    recordPlan(t.plan),
		})
	}
	// Persist in creation order so resume preserves tie-breaking.
	sort.Slice(recs, func(i, j int) bool { return tasks[recs[i].ID].seq < tasks[recs[j].ID].seq })

	doc := s.store.Get(guildID)
	if err := doc.Set(docKey, recs); err != nil {
		s.dirty[guildID] = struct{}{}
		return err
	}
	if err := s.store.Save(ctx, guildID); err != nil {
		s.dirty[guildID] = struct{}{}
		return err
	}
	delete(s.dirty, guildID)
	return nil
}

// flushDirtyLocked retries saves that failed earlier. Call with s.mu held.
func (s *Service) flushDirtyLocked(ctx context.Context) {
	for gid := range s.dirty {
		if err := s.persistGuildLocked(ctx, gid); err != nil {
			s.log.Warn("dirty guild flush failed", logx.String("guild", gid), logx.Err(err))
		}
	}
}

func (s *Service) publish(typ string, t *Task, took time.Duration, err error) {
	if s.bus == nil {
		return
	}
	ev := TaskEvent{GuildID: t.guildID, TaskID: t.id, Kind: t.kind, Took: took}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
