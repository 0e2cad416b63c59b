// Package store persists the ephemeral device-track state between
// invocations.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/everywhere-relay/everywhere-relay/internal/track"
)

// ErrCorruptState is returned by Load when a persisted snapshot exists but
// cannot be decoded. Callers treat it as an empty state.
var ErrCorruptState = errors.New("persisted state is corrupt")

// ErrLockHeld is returned by Lock when another holder keeps the lock past the
// caller's deadline.
var ErrLockHeld = errors.New("state lock is held")

// Store is the load/save boundary of one invocation's unit of work.
type Store interface {
	// Load returns the persisted state, or an empty state when nothing has
	// been saved yet.
	Load(ctx context.Context) (*track.State, error)
	// Save persists s, replacing the previous snapshot.
	Save(ctx context.Context, s *track.State) error
	// Lock serializes load-mutate-save across concurrent invocations. The
	// returned func releases the lock.
	Lock(ctx context.Context) (unlock func(), err error)
	// Close releases any resources held by the store.
	Close() error
}

// encode serializes a state for persistence.
func encode(s *track.State) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding state: %w", err)
	}
	return data, nil
}

// decode parses a persisted snapshot. An empty payload is a first use.
func decode(data []byte) (*track.State, error) {
	if len(data) == 0 {
		return track.NewState(), nil
	}
	st := track.NewState()
	if err := json.Unmarshal(data, st); err != nil {
		return track.NewState(), fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	return st, nil
}
