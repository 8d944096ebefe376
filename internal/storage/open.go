package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "modbot/pkg/logx"
)

// Store is the persistence API used by the scheduler and audit recorder.
//
// Load reads a guild's document from the backend and replaces the cached
// copy; Get returns the cached document (creating an empty one for unknown
// guilds); Save durably rewrites the cached document. Get/mutate/Save must
// run on the owning subsystem's execution context (see Document).
type Store interface {
	Load(ctx context.Context, guildID string) (*Document, error)
	Get(guildID string) *Document
	Save(ctx context.Context, guildID string) error

	// Guilds lists every guild with a persisted document, for restart resume.
	Guilds(ctx context.Context) ([]string, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// AuditPruner is implemented by backends that can drop old audit entries.
type AuditPruner interface {
	PruneAudit(ctx context.Context, before time.Time) (int, error)
}

// Flusher is implemented by backends with buffered writes.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return newMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
