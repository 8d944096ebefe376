package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// memStore keeps everything in memory. Save round-trips the document through
// JSON so serialization failures surface exactly like the durable drivers.
type memStore struct {
	mu     sync.Mutex
	docs   map[string]*Document
	saved  map[string][]byte
	audit  []AuditEntry
	closed bool
}

func newMemory() *memStore {
	return &memStore{
		docs:  map[string]*Document{},
		saved: map[string][]byte{},
	}
}

func (s *memStore) Load(ctx context.Context, guildID string) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	doc := NewDocument()
	if b, ok := s.saved[guildID]; ok {
		if err := json.Unmarshal(b, doc); err != nil {
			return nil, err
		}
	}
	s.docs[guildID] = doc
	return doc, nil
}

func (s *memStore) Get(guildID string) *Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[guildID]
	if !ok {
		doc = NewDocument()
		s.docs[guildID] = doc
	}
	return doc
}

func (s *memStore) Save(ctx context.Context, guildID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	doc, ok := s.docs[guildID]
	if !ok {
		doc = NewDocument()
		s.docs[guildID] = doc
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	s.saved[guildID] = b
	return nil
}

func (s *memStore) Guilds(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.saved))
	for g := range s.saved {
		out = append(out, g)
	}
	sort.Strings(out)
	return out, nil
}

func (s *memStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.audit = append(s.audit, e)
	return nil
}

func (s *memStore) PruneAudit(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.audit[:0]
	dropped := 0
	for _, e := range s.audit {
		if e.At.Before(before) {
			dropped++
			continue
		}
		kept = append(kept, e)
	}
	s.audit = kept
	return dropped, nil
}

// Audit returns a copy of the recorded entries (test helper).
func (s *memStore) Audit() []AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditEntry, len(s.audit))
	copy(out, s.audit)
	return out
}

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
