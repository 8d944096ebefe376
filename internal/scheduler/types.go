package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoSuchTask is returned by Resume when the persisted record is absent.
	ErrNoSuchTask = errors.New("no such task")
)

// Handler runs a due task. The payload is the opaque JSON stored at schedule
// time; the scheduler never interprets it.
type Handler func(ctx context.Context, t *Task, payload json.RawMessage) error

// Config controls the scheduler service.
type Config struct {
	Enabled bool
	// TickInterval bounds how late a due task can fire under normal
	// operation. Defaults to 2s.
	TickInterval time.Duration
}

// Plan describes when a task fires.
//
// Every == 0 is a single-shot plan: fire once, Delay after scheduling.
// Every > 0 is a repeating plan: first firing Delay after scheduling, then
// every Every, indefinitely, until cancelled.
type Plan struct {
	Delay time.Duration
	Every time.Duration
}

// Once plans a single firing after delay.
func Once(delay time.Duration) Plan { return Plan{Delay: delay} }

// Repeat plans a first firing after initialDelay, then one every distance.
func Repeat(initialDelay, distance time.Duration) Plan {
	return Plan{Delay: initialDelay, Every: distance}
}

func (p Plan) Repeating() bool { return p.Every > 0 }

func (p Plan) validate() error {
	if p.Delay < 0 {
		return fmt.Errorf("plan delay must be >= 0, got %s", p.Delay)
	}
	if p.Every < 0 {
		return fmt.Errorf("plan distance must be >= 0, got %s", p.Every)
	}
	return nil
}

// Task is the runtime view of one scheduled task. Mutable fields (due time,
// cancelled flag) are guarded by the owning service's lock.
type Task struct {
	svc *Service

	id      string
	guildID string
	kind    string
	payload json.RawMessage
	plan    Plan
	seq     uint64

	// guarded by svc.mu
	dueAt     time.Time
	cancelled bool
}

func (t *Task) ID() string               { return t.id }
func (t *Task) Guild() string            { return t.guildID }
func (t *Task) Kind() string             { return t.kind }
func (t *Task) Plan() Plan               { return t.plan }
func (t *Task) Payload() json.RawMessage { return t.payload }

// Due returns the next scheduled firing time.
func (t *Task) Due() time.Time {
	t.svc.mu.Lock()
	defer t.svc.mu.Unlock()
	return t.dueAt
}

func (t *Task) Cancelled() bool {
	t.svc.mu.Lock()
	defer t.svc.mu.Unlock()
	return t.cancelled
}

// RemainingTime reports how long until the next firing, clamped to zero.
// Purely advisory.
func (t *Task) RemainingTime() time.Duration {
	t.svc.mu.Lock()
	due := t.dueAt
	now := t.svc.now()
	t.svc.mu.Unlock()
	if d := due.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Cancel removes the task from the working set and from persistence.
// Idempotent; cancelling an already-fired task is a no-op.
func (t *Task) Cancel(ctx context.Context) { t.svc.Cancel(ctx, t) }

// ---- persisted shapes (the "scheduler" sub-document) ----

const docKey = "scheduler"

const (
	planOnce  = "once"
	planEvery = "every"
)

type planRecord struct {
	Type    string `json:"type"`
	DelayMS int64  `json:"delay_ms"`
	EveryMS int64  `json:"every_ms,omitempty"`
}

type taskRecord struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
	DueAt   int64           `json:"due_at"` // unix milliseconds
	Plan    planRecord      `json:"plan"`
}

func (r taskRecord) plan() (Plan, error) {
	switch r.Plan.Type {
	case planOnce:
		return Once(time.Duration(r.Plan.DelayMS) * time.Millisecond), nil
	case planEvery:
		if r.Plan.EveryMS <= 0 {
			return Plan{}, fmt.Errorf("repeating plan with distance %dms", r.Plan.EveryMS)
		}
		return Repeat(time.Duration(r.Plan.DelayMS)*time.Millisecond, time.Duration(r.Plan.EveryMS)*time.Millisecond), nil
	default:
		return Plan{}, fmt.Errorf("unknown plan type %q", r.Plan.Type)
	}
}

func recordPlan(p Plan) planRecord {
	if p.Repeating() {
		return planRecord{Type: planEvery, DelayMS: p.Delay.Milliseconds(), EveryMS: p.Every.Milliseconds()}
	}
	return planRecord{Type: planOnce, DelayMS: p.Delay.Milliseconds()}
}

// ---- event bus payloads ----

// TaskEvent is published on the event bus for task lifecycle transitions
// (types "task.scheduled", "task.fired", "task.failed", "task.cancelled").
type TaskEvent struct {
	GuildID string        `json:"guild_id"`
	TaskID  string        `json:"task_id"`
	Kind    string        `json:"kind"`
	Took    time.Duration `json:"took,omitempty"`
	Error   string        `json:"error,omitempty"`
}
