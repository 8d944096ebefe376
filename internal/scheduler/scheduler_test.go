package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"modbot/internal/eventbus"
	"modbot/internal/storage"
	logx "modbot/pkg/logx"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// failingStore wraps a real store and fails Save while fail is set.
type failingStore struct {
	storage.Store
	mu   sync.Mutex
	fail bool
}

func (f *failingStore) SetFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *failingStore) Save(ctx context.Context, guildID string) error {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return errors.New("simulated save failure")
	}
	return f.Store.Save(ctx, guildID)
}

type env struct {
	s     *Service
	store storage.Store
	reg   *Registry
	bus   eventbus.Bus
	ch    <-chan eventbus.Event
	clk   *fakeClock
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	return newEnvWithStore(t, st)
}

func newEnvWithStore(t *testing.T, st storage.Store) *env {
	t.Helper()
	reg := NewRegistry()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(256)
	t.Cleanup(unsub)

	clk := newFakeClock()
	s := New(Config{Enabled: true, TickInterval: time.Hour}, st, reg, bus, logx.Nop())
	s.now = clk.Now
	return &env{s: s, store: st, reg: reg, bus: bus, ch: ch, clk: clk}
}

func (e *env) drainEvents() []eventbus.Event {
	var out []eventbus.Event
	for {
		select {
		case ev := <-e.ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func (e *env) eventTypes() []string {
	var out []string
	for _, ev := range e.drainEvents() {
		out = append(out, ev.Type)
	}
	return out
}

func persistedRecords(t *testing.T, st storage.Store, guildID string) []taskRecord {
	t.Helper()
	doc, err := st.Load(context.Background(), guildID)
	if err != nil {
		t.Fatalf("load guild %s: %v", guildID, err)
	}
	var recs []taskRecord
	if _, err := doc.Get(docKey, &recs); err != nil {
		t.Fatalf("decode records for guild %s: %v", guildID, err)
	}
	return recs
}

func TestScheduleFiresOnceAtDueTime(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	var fired int
	var gotPayload string
	e.reg.Register("test:ping", func(_ context.Context, _ *Task, payload json.RawMessage) error {
		fired++
		return json.Unmarshal(payload, &gotPayload)
	})

	task, err := e.s.Schedule(ctx, "g1", Once(10*time.Second), "test:ping", "hello")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if got := task.RemainingTime(); got != 10*time.Second {
		t.Fatalf("remaining = %v, want 10s", got)
	}

	// Not due yet.
	e.clk.Advance(9 * time.Second)
	e.s.tick(ctx)
	if fired != 0 {
		t.Fatalf("fired before due time")
	}

	e.clk.Advance(time.Second)
	e.s.tick(ctx)
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
	if gotPayload != "hello" {
		t.Fatalf("payload = %q, want %q", gotPayload, "hello")
	}

	// Single-shot: gone from the working set and from persistence.
	e.s.tick(ctx)
	if fired != 1 {
		t.Fatalf("single-shot task fired again")
	}
	if recs := persistedRecords(t, e.store, "g1"); len(recs) != 0 {
		t.Fatalf("persisted records after firing = %d, want 0", len(recs))
	}

	types := e.eventTypes()
	want := []string{"task.scheduled", "task.fired"}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events = %v, want %v", types, want)
		}
	}
}

func TestScheduleValidation(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		guild   string
		kind    string
		plan    Plan
		payload any
	}{
		{"empty guild", "", "k", Once(time.Second), nil},
		{"empty kind", "g", "  ", Once(time.Second), nil},
		{"negative delay", "g", "k", Once(-time.Second), nil},
		{"negative distance", "g", "k", Plan{Delay: time.Second, Every: -time.Second}, nil},
		{"unserializable payload", "g", "k", Once(time.Second), func() {}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := e.s.Schedule(ctx, tc.guild, tc.plan, tc.kind, tc.payload); err == nil {
				t.Fatalf("schedule succeeded, want error")
			}
		})
	}

	// Nothing leaked into the working set.
	if snap := e.s.Snapshot(); snap.Pending != 0 {
		t.Fatalf("pending = %d after rejected schedules, want 0", snap.Pending)
	}
}

func TestSchedulePersistFailureLeavesNoTrace(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	fs := &failingStore{Store: st}
	e := newEnvWithStore(t, fs)
	ctx := context.Background()

	var fired int
	e.reg.Register("test:ping", func(context.Context, *Task, json.RawMessage) error {
		fired++
		return nil
	})

	fs.SetFail(true)
	if _, err := e.s.Schedule(ctx, "g1", Once(time.Second), "test:ping", nil); err == nil {
		t.Fatalf("schedule succeeded despite save failure")
	}
	fs.SetFail(false)

	if snap := e.s.Snapshot(); snap.Pending != 0 {
		t.Fatalf("pending = %d after failed schedule, want 0", snap.Pending)
	}
	e.clk.Advance(time.Minute)
	e.s.tick(ctx)
	if fired != 0 {
		t.Fatalf("rolled-back task fired")
	}
	if recs := persistedRecords(t, fs, "g1"); len(recs) != 0 {
		t.Fatalf("persisted records = %d, want 0", len(recs))
	}
}

func TestRepeatingRebasesOffPreviousDueTime(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	start := e.clk.Now()

	var fired int
	e.reg.Register("test:beat", func(context.Context, *Task, json.RawMessage) error {
		fired++
		return nil
	})

	task, err := e.s.Schedule(ctx, "g1", Repeat(time.Second, 5*time.Second), "test:beat", nil)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	// The tick runs 2s late; the next due time still advances from the
	// original due time, so the late firing does not shift the cadence.
	e.clk.Advance(3 * time.Second)
	e.s.tick(ctx)
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
	if want := start.Add(6 * time.Second); !task.Due().Equal(want) {
		t.Fatalf("next due = %v, want %v", task.Due(), want)
	}

	// On-time firing advances one more distance.
	e.clk.Advance(3 * time.Second) // now == start+6s
	e.s.tick(ctx)
	if fired != 2 {
		t.Fatalf("fired = %d, want 2", fired)
	}
	if want := start.Add(11 * time.Second); !task.Due().Equal(want) {
		t.Fatalf("next due = %v, want %v", task.Due(), want)
	}
}

func TestRepeatingSkipsWholeMissedPeriods(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	start := e.clk.Now()

	var fired int
	e.reg.Register("test:beat", func(context.Context, *Task, json.RawMessage) error {
		fired++
		return nil
	})

	task, err := e.s.Schedule(ctx, "g1", Repeat(time.Second, 2*time.Second), "test:beat", nil)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	// Miss several periods (due at 1s, 3s, 5s, 7s, 9s): exactly one firing,
	// then the next due time is the first cadence point in the future.
	e.clk.Advance(10 * time.Second)
	e.s.tick(ctx)
	if fired != 1 {
		t.Fatalf("fired = %d after downtime, want 1", fired)
	}
	if want := start.Add(11 * time.Second); !task.Due().Equal(want) {
		t.Fatalf("next due = %v, want %v", task.Due(), want)
	}

	e.s.tick(ctx)
	if fired != 1 {
		t.Fatalf("fired again without reaching next due time")
	}
}

func TestRestartResumesAndFiresExactlyOnce(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	ctx := context.Background()

	// First process: schedule and go down before the task is due.
	e1 := newEnvWithStore(t, st)
	e1.reg.Register("test:lift", func(context.Context, *Task, json.RawMessage) error { return nil })
	orig, err := e1.s.Schedule(ctx, "g1", Once(5*time.Second), "test:lift", map[string]string{"user": "u1"})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	// Second process: resume past the due time.
	e2 := newEnvWithStore(t, st)
	var fired int
	e2.reg.Register("test:lift", func(_ context.Context, task *Task, payload json.RawMessage) error {
		fired++
		if task.ID() != orig.ID() {
			t.Errorf("resumed task id = %s, want %s", task.ID(), orig.ID())
		}
		var p map[string]string
		if err := json.Unmarshal(payload, &p); err != nil || p["user"] != "u1" {
			t.Errorf("payload = %s, err = %v", payload, err)
		}
		return nil
	})
	n, err := e2.s.ResumeGuild(ctx, "g1")
	if err != nil {
		t.Fatalf("resume guild: %v", err)
	}
	if n != 1 {
		t.Fatalf("resumed = %d, want 1", n)
	}

	e2.clk.Advance(time.Hour)
	e2.s.tick(ctx)
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
	e2.s.tick(ctx)
	if fired != 1 {
		t.Fatalf("fired again after completion")
	}

	// Third process: nothing left to resume.
	e3 := newEnvWithStore(t, st)
	e3.reg.Register("test:lift", func(context.Context, *Task, json.RawMessage) error { return nil })
	n, err = e3.s.ResumeGuild(ctx, "g1")
	if err != nil {
		t.Fatalf("resume guild: %v", err)
	}
	if n != 0 {
		t.Fatalf("resumed = %d after completed firing, want 0", n)
	}
}

func TestResumeGuildIsIdempotent(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	ctx := context.Background()

	e1 := newEnvWithStore(t, st)
	if _, err := e1.s.Schedule(ctx, "g1", Once(time.Minute), "test:k", nil); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	e2 := newEnvWithStore(t, st)
	for i := 0; i < 3; i++ {
		if _, err := e2.s.ResumeGuild(ctx, "g1"); err != nil {
			t.Fatalf("resume %d: %v", i, err)
		}
	}
	if snap := e2.s.Snapshot(); snap.Pending != 1 {
		t.Fatalf("pending = %d after repeated resume, want 1", snap.Pending)
	}
}

func TestResumeSkipsCorruptRecords(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	ctx := context.Background()

	// Persist one good record and one with no kind.
	good := taskRecord{
		ID:    "t-good",
		Kind:  "test:k",
		DueAt: time.Now().Add(time.Minute).UnixMilli(),
		Plan:  planRecord{Type: planOnce, DelayMS: 1000},
	}
	bad := taskRecord{ID: "t-bad", DueAt: good.DueAt, Plan: planRecord{Type: "bogus"}}
	doc := st.Get("g1")
	if err := doc.Set(docKey, []taskRecord{bad, good}); err != nil {
		t.Fatalf("set records: %v", err)
	}
	if err := st.Save(ctx, "g1"); err != nil {
		t.Fatalf("save: %v", err)
	}

	e := newEnvWithStore(t, st)
	n, err := e.s.ResumeGuild(ctx, "g1")
	if err != nil {
		t.Fatalf("resume guild: %v", err)
	}
	if n != 1 {
		t.Fatalf("resumed = %d, want 1 (corrupt record skipped)", n)
	}
	if snap := e.s.Snapshot(); snap.Pending != 1 || snap.Guilds[0].Tasks[0].ID != "t-good" {
		t.Fatalf("unexpected working set: %+v", snap)
	}
}

func TestResumeSingleTask(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	ctx := context.Background()

	e1 := newEnvWithStore(t, st)
	orig, err := e1.s.Schedule(ctx, "g1", Once(time.Minute), "test:k", nil)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	e2 := newEnvWithStore(t, st)
	if _, err := e2.store.Load(ctx, "g1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	task, err := e2.s.Resume(ctx, "g1", orig.ID(), "test:k")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if task.ID() != orig.ID() || task.Kind() != "test:k" {
		t.Fatalf("resumed wrong task: %s/%s", task.ID(), task.Kind())
	}

	if _, err := e2.s.Resume(ctx, "g1", "nope", ""); !errors.Is(err, ErrNoSuchTask) {
		t.Fatalf("err = %v, want ErrNoSuchTask", err)
	}
}

func TestUnknownKindHeldUntilHandlerRegistered(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	if _, err := e.s.Schedule(ctx, "g1", Once(time.Second), "test:later", nil); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	// Due, but no handler: held in the working set and in persistence.
	e.clk.Advance(time.Minute)
	for i := 0; i < 3; i++ {
		e.s.tick(ctx)
	}
	if snap := e.s.Snapshot(); snap.Pending != 1 {
		t.Fatalf("pending = %d while held, want 1", snap.Pending)
	}
	if recs := persistedRecords(t, e.store, "g1"); len(recs) != 1 {
		t.Fatalf("persisted records while held = %d, want 1", len(recs))
	}

	var fired int
	e.reg.Register("test:later", func(context.Context, *Task, json.RawMessage) error {
		fired++
		return nil
	})
	e.s.tick(ctx)
	if fired != 1 {
		t.Fatalf("fired = %d after registration, want 1", fired)
	}
}

func TestHandlerFailureStillTransitions(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	var fired int
	e.reg.Register("test:boom", func(context.Context, *Task, json.RawMessage) error {
		fired++
		return fmt.Errorf("handler refused")
	})

	if _, err := e.s.Schedule(ctx, "g1", Once(time.Second), "test:boom", nil); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	e.clk.Advance(time.Minute)
	e.s.tick(ctx)
	e.s.tick(ctx)
	if fired != 1 {
		t.Fatalf("fired = %d, want 1 (failure is not retried)", fired)
	}
	if recs := persistedRecords(t, e.store, "g1"); len(recs) != 0 {
		t.Fatalf("failed single-shot still persisted: %d records", len(recs))
	}

	var sawFailed bool
	for _, ev := range e.drainEvents() {
		if ev.Type == "task.failed" {
			sawFailed = true
			te, ok := ev.Data.(TaskEvent)
			if !ok || te.Error == "" {
				t.Fatalf("task.failed event missing error: %+v", ev.Data)
			}
		}
	}
	if !sawFailed {
		t.Fatalf("no task.failed event published")
	}
}

func TestHandlerPanicIsAbsorbed(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	start := e.clk.Now()

	var fired int
	e.reg.Register("test:panic", func(context.Context, *Task, json.RawMessage) error {
		fired++
		panic("handler exploded")
	})

	task, err := e.s.Schedule(ctx, "g1", Repeat(time.Second, 10*time.Second), "test:panic", nil)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	e.clk.Advance(2 * time.Second)
	e.s.tick(ctx)
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
	// Repeating plan still advances after a panic.
	if want := start.Add(11 * time.Second); !task.Due().Equal(want) {
		t.Fatalf("next due = %v, want %v", task.Due(), want)
	}
}

func TestCancelRemovesTaskDurably(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	var fired int
	e.reg.Register("test:k", func(context.Context, *Task, json.RawMessage) error {
		fired++
		return nil
	})
	task, err := e.s.Schedule(ctx, "g1", Once(time.Second), "test:k", nil)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	task.Cancel(ctx)
	task.Cancel(ctx) // idempotent
	if !task.Cancelled() {
		t.Fatalf("task not marked cancelled")
	}
	if recs := persistedRecords(t, e.store, "g1"); len(recs) != 0 {
		t.Fatalf("cancelled task still persisted")
	}

	e.clk.Advance(time.Minute)
	e.s.tick(ctx)
	if fired != 0 {
		t.Fatalf("cancelled task fired")
	}
}

func TestCancelAfterFiringIsNoOp(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	e.reg.Register("test:k", func(context.Context, *Task, json.RawMessage) error { return nil })
	task, err := e.s.Schedule(ctx, "g1", Once(time.Second), "test:k", nil)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	e.clk.Advance(time.Minute)
	e.s.tick(ctx)

	task.Cancel(ctx) // fired already; must not corrupt anything
	if snap := e.s.Snapshot(); snap.Pending != 0 {
		t.Fatalf("pending = %d, want 0", snap.Pending)
	}
}

func TestHandlerCancellingOwnRepeatingTaskStopsIt(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	var fired int
	e.reg.Register("test:selfstop", func(c context.Context, task *Task, _ json.RawMessage) error {
		fired++
		if fired == 2 {
			task.Cancel(c)
		}
		return nil
	})

	if _, err := e.s.Schedule(ctx, "g1", Repeat(time.Second, time.Second), "test:selfstop", nil); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	for i := 0; i < 5; i++ {
		e.clk.Advance(time.Second)
		e.s.tick(ctx)
	}
	if fired != 2 {
		t.Fatalf("fired = %d, want 2 (cancelled from inside the handler)", fired)
	}
	if recs := persistedRecords(t, e.store, "g1"); len(recs) != 0 {
		t.Fatalf("self-cancelled task still persisted")
	}
}

func TestFireOrderIsDeterministic(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	var order []string
	e.reg.Register("test:k", func(_ context.Context, task *Task, _ json.RawMessage) error {
		order = append(order, task.Guild()+"/"+task.ID())
		return nil
	})

	// Same due time everywhere: guilds fire in ascending order, and within a
	// guild creation order breaks the tie.
	tb, _ := e.s.Schedule(ctx, "guild-b", Once(time.Second), "test:k", nil)
	ta1, _ := e.s.Schedule(ctx, "guild-a", Once(time.Second), "test:k", nil)
	ta2, _ := e.s.Schedule(ctx, "guild-a", Once(time.Second), "test:k", nil)

	e.clk.Advance(time.Minute)
	e.s.tick(ctx)

	want := []string{
		"guild-a/" + ta1.ID(),
		"guild-a/" + ta2.ID(),
		"guild-b/" + tb.ID(),
	}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestFailedSaveRetriesOnNextTickAndStop(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	fs := &failingStore{Store: st}
	e := newEnvWithStore(t, fs)
	ctx := context.Background()

	e.reg.Register("test:k", func(context.Context, *Task, json.RawMessage) error { return nil })
	if _, err := e.s.Schedule(ctx, "g1", Once(time.Second), "test:k", nil); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	// Firing succeeds but the post-fire save fails; the guild goes dirty.
	fs.SetFail(true)
	e.clk.Advance(time.Minute)
	e.s.tick(ctx)

	e.s.mu.Lock()
	dirty := len(e.s.dirty)
	e.s.mu.Unlock()
	if dirty != 1 {
		t.Fatalf("dirty guilds = %d, want 1", dirty)
	}
	// Disk still holds the stale record.
	if recs := persistedRecords(t, fs, "g1"); len(recs) != 1 {
		t.Fatalf("stale persisted records = %d, want 1", len(recs))
	}

	// Store heals; the next tick retries the write.
	fs.SetFail(false)
	e.s.tick(ctx)
	e.s.mu.Lock()
	dirty = len(e.s.dirty)
	e.s.mu.Unlock()
	if dirty != 0 {
		t.Fatalf("dirty guilds after retry = %d, want 0", dirty)
	}
	if recs := persistedRecords(t, fs, "g1"); len(recs) != 0 {
		t.Fatalf("persisted records after retry = %d, want 0", len(recs))
	}
}

func TestStopFlushesDirtyWrites(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	fs := &failingStore{Store: st}
	e := newEnvWithStore(t, fs)
	ctx := context.Background()

	e.reg.Register("test:k", func(context.Context, *Task, json.RawMessage) error { return nil })
	if _, err := e.s.Schedule(ctx, "g1", Once(time.Second), "test:k", nil); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	e.s.Start(ctx)
	fs.SetFail(true)
	e.clk.Advance(time.Minute)
	e.s.tick(ctx) // fire; save fails, guild dirty
	fs.SetFail(false)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	e.s.Stop(stopCtx)

	if recs := persistedRecords(t, fs, "g1"); len(recs) != 0 {
		t.Fatalf("persisted records after stop = %d, want 0 (dirty flush)", len(recs))
	}
}

func TestStartIsGuarded(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	e.s.Start(ctx)
	e.s.Start(ctx) // second start is a no-op
	if snap := e.s.Snapshot(); !snap.Running {
		t.Fatalf("scheduler not running after Start")
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	e.s.Stop(stopCtx)
	e.s.Stop(stopCtx) // second stop is a no-op
	if snap := e.s.Snapshot(); snap.Running {
		t.Fatalf("scheduler still running after Stop")
	}
}

func TestRemainingTimeClampsToZero(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	task, err := e.s.Schedule(ctx, "g1", Once(time.Second), "test:k", nil)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	e.clk.Advance(time.Minute)
	if got := task.RemainingTime(); got != 0 {
		t.Fatalf("remaining = %v for overdue task, want 0", got)
	}
}

func TestSnapshotOrdering(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	e.s.Schedule(ctx, "g-b", Once(2*time.Second), "test:k", nil)
	e.s.Schedule(ctx, "g-a", Once(3*time.Second), "test:k", nil)
	e.s.Schedule(ctx, "g-a", Once(time.Second), "test:k", nil)

	snap := e.s.Snapshot()
	if snap.Pending != 3 {
		t.Fatalf("pending = %d, want 3", snap.Pending)
	}
	if len(snap.Guilds) != 2 || snap.Guilds[0].GuildID != "g-a" || snap.Guilds[1].GuildID != "g-b" {
		t.Fatalf("guild order: %+v", snap.Guilds)
	}
	tasks := snap.Guilds[0].Tasks
	if len(tasks) != 2 || tasks[0].Due.After(tasks[1].Due) {
		t.Fatalf("tasks not sorted by due time: %+v", tasks)
	}
}

func TestPersistedRecordsSurviveForeignDocumentData(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	ctx := context.Background()

	// Another subsystem owns a different key in the same guild document.
	doc := st.Get("g1")
	if err := doc.Set("warnings", map[string]int{"u1": 3}); err != nil {
		t.Fatalf("set foreign key: %v", err)
	}
	if err := st.Save(ctx, "g1"); err != nil {
		t.Fatalf("save: %v", err)
	}

	e := newEnvWithStore(t, st)
	if _, err := e.s.Schedule(ctx, "g1", Once(time.Minute), "test:k", nil); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	got, err := st.Load(ctx, "g1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	var warnings map[string]int
	ok, err := got.Get("warnings", &warnings)
	if err != nil || !ok || warnings["u1"] != 3 {
		t.Fatalf("foreign data lost: ok=%v err=%v warnings=%v", ok, err, warnings)
	}
	var recs []taskRecord
	if _, err := got.Get(docKey, &recs); err != nil || len(recs) != 1 {
		t.Fatalf("scheduler records: err=%v len=%d", err, len(recs))
	}
}
