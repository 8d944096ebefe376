package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "modbot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Layout under the configured directory:
//   - guilds/<guildID>.json  (full guild document, atomic tmp+rename writes)
//   - audit.jsonl            (append-only JSON Lines)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	dir       string
	guildsDir string

	docs map[string]*Document

	auditPath string
	auditFile *os.File
	auditBuf  *bufio.Writer
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	guildsDir := filepath.Join(dir, "guilds")
	if err := os.MkdirAll(guildsDir, 0o755); err != nil {
		return nil, err
	}

	auditPath := filepath.Join(dir, "audit.jsonl")
	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:       log,
		dir:       dir,
		guildsDir: guildsDir,
		docs:      map[string]*Document{},
		auditPath: auditPath,
		auditFile: af,
		auditBuf:  bufio.NewWriter(af),
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	err1 := s.auditBuf.Flush()
	err2 := s.auditFile.Close()
	s.auditFile = nil
	s.auditBuf = nil
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) guildPath(guildID string) (string, error) {
	// Guild IDs are snowflakes, but never trust them as path components.
	if guildID == "" || guildID != filepath.Base(guildID) || strings.ContainsAny(guildID, `/\`) {
		return "", fmt.Errorf("invalid guild id %q", guildID)
	}
	return filepath.Join(s.guildsDir, guildID+".json"), nil
}

func (s *fileStore) Load(ctx context.Context, guildID string) (*Document, error) {
	path, err := s.guildPath(guildID)
	if err != nil {
		return nil, err
	}

	doc := NewDocument()
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// new guild, empty document
	case err != nil:
		return nil, err
	default:
		if err := json.Unmarshal(b, doc); err != nil {
			return nil, fmt.Errorf("guild %s: corrupt document: %w", guildID, err)
		}
	}

	s.mu.Lock()
	s.docs[guildID] = doc
	s.mu.Unlock()
	return doc, nil
}

func (s *fileStore) Get(guildID string) *Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[guildID]
	if !ok {
		doc = NewDocument()
		s.docs[guildID] = doc
	}
	return doc
}

func (s *fileStore) Save(ctx context.Context, guildID string) error {
	path, err := s.guildPath(guildID)
	if err != nil {
		return err
	}

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

	// Atomic replace so a crash mid-write never leaves a torn document.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *fileStore) Guilds(ctx context.Context) ([]string, error) {
	ents, err := os.ReadDir(s.guildsDir)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ents))
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		out = append(out, strings.TrimSuffix(name, ".json"))
	}
	return out, nil
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditBuf == nil {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return json.NewEncoder(s.auditBuf).Encode(e)
}

func (s *fileStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditBuf == nil {
		return ErrClosed
	}
	if err := s.auditBuf.Flush(); err != nil {
		return err
	}
	return s.auditFile.Sync()
}

// PruneAudit rewrites the audit log keeping only entries at or after the
// cutoff. Unparseable lines are dropped.
func (s *fileStore) PruneAudit(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return 0, ErrClosed
	}
	if err := s.auditBuf.Flush(); err != nil {
		return 0, err
	}

	in, err := os.Open(s.auditPath)
	if err != nil {
		return 0, err
	}

	tmp := s.auditPath + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		_ = in.Close()
		return 0, err
	}

	dropped := 0
	w := bufio.NewWriter(out)
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil || e.At.Before(before) {
			dropped++
			continue
		}
		w.Write(sc.Bytes())
		w.WriteByte('\n')
	}
	scanErr := sc.Err()
	_ = in.Close()
	if scanErr == nil {
		scanErr = w.Flush()
	}
	if cerr := out.Close(); scanErr == nil {
		scanErr = cerr
	}
	if scanErr != nil {
		_ = os.Remove(tmp)
		return 0, scanErr
	}

	// Swap the live handle to the rewritten file.
	if err := os.Rename(tmp, s.auditPath); err != nil {
		return 0, err
	}
	_ = s.auditFile.Close()
	af, err := os.OpenFile(s.auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.auditFile = nil
		s.auditBuf = nil
		return dropped, err
	}
	s.auditFile = af
	s.auditBuf = bufio.NewWriter(af)
	return dropped, nil
}
