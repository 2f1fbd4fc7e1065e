// Package memory provides an in-process credential store.
package memory

import (
	"context"
	"sync"

	"github.com/sokoni/sokoni-client/internal/platform/credstore"
)

func init() {
	credstore.Register("memory", func(map[string]any) (credstore.Store, error) {
		return New(), nil
	})
}

// Store keeps credentials in a map. Nothing survives process exit.
type Store struct {
	mu     sync.RWMutex
	values map[string]string
	closed bool
}

// New creates an empty memory store.
func New() *Store {
	return &Store{values: make(map[string]string)}
}

// Get returns the value for key.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return "", credstore.ErrClosed
	}
	v, ok := s.values[key]
	if !ok {
		return "", credstore.ErrNotFound
	}
	return v, nil
}

// Set stores value under key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return credstore.ErrClosed
	}
	s.values[key] = value
	return nil
}

// Remove deletes key.
func (s *Store) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return credstore.ErrClosed
	}
	delete(s.values, key)
	return nil
}

// Close marks the store closed and drops all values.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.values = nil
	return nil
}

var _ credstore.Store = (*Store)(nil)
