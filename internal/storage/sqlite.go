//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	logx "modbot/pkg/logx"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS guild_docs (
  guild_id   TEXT PRIMARY KEY,
  doc        TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS audit (
  id       INTEGER PRIMARY KEY AUTOINCREMENT,
  at       TEXT NOT NULL,
  guild_id TEXT NOT NULL,
  task_id  TEXT,
  kind     TEXT,
  event    TEXT NOT NULL,
  err      TEXT,
  took_ms  INTEGER
);
CREATE INDEX IF NOT EXISTS idx_audit_at ON audit(at);
`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	mu   sync.Mutex
	docs map[string]*Document
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteStore{db: db, log: log, docs: map[string]*Document{}}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Load(ctx context.Context, guildID string) (*Document, error) {
	doc := NewDocument()
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM guild_docs WHERE guild_id = ?`, guildID).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// new guild
	case err != nil:
		return nil, err
	default:
		if err := json.Unmarshal([]byte(raw), doc); err != nil {
			return nil, fmt.Errorf("guild %s: corrupt document: %w", guildID, err)
		}
	}

	s.mu.Lock()
	s.docs[guildID] = doc
	s.mu.Unlock()
	return doc, nil
}

func (s *sqliteStore) Get(guildID string) *Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[guildID]
	if !ok {
		doc = NewDocument()
		s.docs[guildID] = doc
	}
	return doc
}

func (s *sqliteStore) Save(ctx context.Context, guildID string) error {
	s.mu.Lock()
	doc, ok := s.docs[guildID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("guild %s: no document loaded", guildID)
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO guild_docs(guild_id, doc, updated_at) VALUES(?,?,?)
		 ON CONFLICT(guild_id) DO UPDATE SET doc=excluded.doc, updated_at=excluded.updated_at`,
		guildID, string(b), time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) Guilds(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT guild_id FROM guild_docs ORDER BY guild_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, guild_id, task_id, kind, event, err, took_ms) VALUES(?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.GuildID, nullStr(e.TaskID), nullStr(e.Kind),
		e.Event, nullStr(e.Error), e.TookMS,
	)
	return err
}

func (s *sqliteStore) PruneAudit(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit WHERE at < ?`, before.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
