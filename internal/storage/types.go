package storage

import (
	"errors"
	"time"
)

var (
	ErrClosed   = errors.New("storage closed")
	ErrDisabled = errors.New("storage disabled")
)

// Config configures storage.
//
// Driver values:
//   - "file":   one JSON document per guild plus a JSONL audit log
//   - "sqlite": SQLite database file (requires the sqlite build tag)
//   - "memory": volatile, for tests and dry runs
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records a scheduler or moderation event.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At      time.Time `json:"at"`
	GuildID string    `json:"guild_id"`
	TaskID  string    `json:"task_id,omitempty"`
	Kind    string    `json:"kind,omitempty"`
	Event   string    `json:"event"`
	Error   string    `json:"error,omitempty"`
	TookMS  int64     `json:"took_ms,omitempty"`
}
