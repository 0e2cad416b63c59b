package store

import (
	"context"
	"sync"

	"github.com/everywhere-relay/everywhere-relay/internal/track"
)

// MemoryStore is an in-process implementation of Store. It keeps the
// serialized snapshot rather than a live pointer so that every Load hands out
// an independent copy, as a remote backend would.
type MemoryStore struct {
	mu   sync.RWMutex
	data []byte

	// lock serializes invocations; it is a buffered channel so that Lock can
	// honour context cancellation.
	lock chan struct{}
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{lock: make(chan struct{}, 1)}
}

func (m *MemoryStore) Load(_ context.Context) (*track.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return decode(m.data)
}

func (m *MemoryStore) Save(ctx context.Context, s *track.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = data
	return nil
}

func (m *MemoryStore) Lock(ctx context.Context) (func(), error) {
	select {
	case m.lock <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-m.lock }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *MemoryStore) Close() error {
	return nil
}

// Raw returns the stored snapshot bytes.
func (m *MemoryStore) Raw() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]byte(nil), m.data...)
}

// SetRaw replaces the stored snapshot bytes verbatim.
func (m *MemoryStore) SetRaw(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = append([]byte(nil), data...)
}
