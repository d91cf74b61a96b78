package exchange

import (
	"context"
	"errors"
	"sync"
)

// ErrBackendClosed is returned when using a closed backend.
var ErrBackendClosed = errors.New("exchange: backend closed")

// Kind tells which side of the exchange a record holds.
type Kind string

const (
	KindRequest Kind = "request"
	KindOutcome Kind = "outcome"
)

// Record is the stored half of an exchange.
type Record struct {
	Kind Kind
	Data []byte
}

// Backend persists exchange records. Callers serialize access per key,
// so implementations only need to be safe for concurrent use across keys.
type Backend interface {
	// Load returns the record stored under key.
	Load(ctx context.Context, key string) (Record, bool, error)

	// Save stores rec under key, replacing any existing record.
	Save(ctx context.Context, key string, rec Record) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// MemoryBackend keeps records in process memory.
type MemoryBackend struct {
	records sync.Map // string -> Record
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

// Load implements Backend.
func (b *MemoryBackend) Load(_ context.Context, key string) (Record, bool, error) {
	v, ok := b.records.Load(key)
	if !ok {
		return Record{}, false, nil
	}
	return v.(Record), true, nil
}

// Save implements Backend.
func (b *MemoryBackend) Save(_ context.Context, key string, rec Record) error {
	data := make([]byte, len(rec.Data))
	copy(data, rec.Data)
	b.records.Store(key, Record{Kind: rec.Kind, Data: data})
	return nil
}

// Delete implements Backend.
func (b *MemoryBackend) Delete(_ context.Context, key string) error {
	b.records.Delete(key)
	return nil
}

// Len returns the number of stored records.
func (b *MemoryBackend) Len() int {
	n := 0
	b.records.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
