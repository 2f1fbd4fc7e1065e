// Package credstore defines the credential store used by the API client and
// a registry of swappable backends.
package credstore

import (
	"context"
	"errors"
)

// Keys used by the client. The values match the keys the web client keeps in
// browser storage so exported state stays interchangeable.
const (
	KeyAccessToken  = "sokoni_access_token"
	KeyRefreshToken = "sokoni_refresh_token"
	KeyUser         = "sokoni_user"
)

var (
	ErrNotFound = errors.New("credential not found")
	ErrClosed   = errors.New("credential store closed")
)

// Store is a small synchronous key-value store for credentials.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error

	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error

	// Close releases resources.
	Close() error
}

// Lookup returns the value for key, mapping ErrNotFound to "".
func Lookup(ctx context.Context, s Store, key string) (string, error) {
	v, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return v, err
}

// RemoveAll removes every key, returning the first error after trying all.
func RemoveAll(ctx context.Context, s Store, keys ...string) error {
	var first error
	for _, k := range keys {
		if err := s.Remove(ctx, k); err != nil && first == nil {
			first = err
		}
	}
	return first
}
