package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memEntry struct {
	entry        Entry
	seq          uint64
	claimedUntil time.Time
}

// MemoryStore is a Store kept in process memory. It is intended for tests
// and single-process setups that accept losing queued work on restart.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	seq     uint64
	now     func() time.Time
	closed  bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := buildOptions(opts)
	return &MemoryStore{entries: make(map[string]*memEntry), now: o.now}
}

// Insert implements Store.
func (s *MemoryStore) Insert(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	prepare(e, s.now())
	if _, exists := s.entries[e.ID]; exists {
		return fmt.Errorf("insert entry %s: duplicate id", e.ID)
	}
	s.seq++
	stored := *e
	stored.Payload = append([]byte(nil), e.Payload...)
	s.entries[e.ID] = &memEntry{entry: stored, seq: s.seq}
	return nil
}

// ClaimBatch implements Store.
func (s *MemoryStore) ClaimBatch(_ context.Context, max int, lease time.Duration) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if max <= 0 {
		return nil, nil
	}

	now := s.now()
	due := make([]*memEntry, 0, max)
	for _, m := range s.entries {
		if m.claimedUntil.After(now) || m.entry.InvokeAfter.After(now) {
			continue
		}
		due = append(due, m)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].seq < due[j].seq })
	if len(due) > max {
		due = due[:max]
	}

	token := uuid.NewString()
	out := make([]*Entry, 0, len(due))
	for _, m := range due {
		m.claimedUntil = now.Add(lease)
		m.entry.ClaimToken = token
		claimed := m.entry
		claimed.Payload = append([]byte(nil), m.entry.Payload...)
		out = append(out, &claimed)
	}
	return out, nil
}

// owned returns the stored entry if e still holds its lease. Callers hold mu.
func (s *MemoryStore) owned(e *Entry) (*memEntry, error) {
	if s.closed {
		return nil, ErrStoreClosed
	}
	m, ok := s.entries[e.ID]
	if !ok || m.entry.ClaimToken == "" || m.entry.ClaimToken != e.ClaimToken {
		return nil, fmt.Errorf("entry %s: %w", e.ID, ErrLeaseLost)
	}
	return m, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.owned(e); err != nil {
		return err
	}
	delete(s.entries, e.ID)
	return nil
}

// IncrementRetryAndRelease implements Store.
func (s *MemoryStore) IncrementRetryAndRelease(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.owned(e)
	if err != nil {
		return err
	}
	m.entry.RetriesLeft--
	m.entry.Attempts++
	m.entry.ClaimToken = ""
	m.claimedUntil = time.Time{}
	return nil
}

// MoveToDeadLetter implements Store.
func (s *MemoryStore) MoveToDeadLetter(_ context.Context, e *Entry, channel string, retries int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.owned(e)
	if err != nil {
		return err
	}
	m.entry.Channel = channel
	m.entry.Payload = append([]byte(nil), e.Payload...)
	m.entry.RetriesLeft = retries
	m.entry.Attempts = 0
	m.entry.ClaimToken = ""
	m.claimedUntil = time.Time{}
	return nil
}

// Count implements Store.
func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	return len(s.entries), nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
