// Package testutil provides a shared behavior suite for credential store drivers.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/sokoni/sokoni-client/internal/platform/credstore"
)

// RunStoreTests exercises the credstore.Store contract against s.
// The store is expected to be empty.
func RunStoreTests(t *testing.T, s credstore.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("GetMissing", func(t *testing.T) {
		if _, err := s.Get(ctx, credstore.KeyAccessToken); !errors.Is(err, credstore.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("SetGet", func(t *testing.T) {
		if err := s.Set(ctx, credstore.KeyAccessToken, "access-1"); err != nil {
			t.Fatalf("Set: %v", err)
		}
		got, err := s.Get(ctx, credstore.KeyAccessToken)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got != "access-1" {
			t.Errorf("Get = %q, want access-1", got)
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		if err := s.Set(ctx, credstore.KeyAccessToken, "access-2"); err != nil {
			t.Fatalf("Set: %v", err)
		}
		got, _ := s.Get(ctx, credstore.KeyAccessToken)
		if got != "access-2" {
			t.Errorf("Get after overwrite = %q, want access-2", got)
		}
	})

	t.Run("Remove", func(t *testing.T) {
		if err := s.Remove(ctx, credstore.KeyAccessToken); err != nil {
			t.Fatalf("Remove: %v", err)
		}
		if _, err := s.Get(ctx, credstore.KeyAccessToken); !errors.Is(err, credstore.ErrNotFound) {
			t.Errorf("expected ErrNotFound after Remove, got %v", err)
		}
		if err := s.Remove(ctx, credstore.KeyAccessToken); err != nil {
			t.Errorf("removing a missing key should succeed, got %v", err)
		}
	})

	t.Run("KeysAreIndependent", func(t *testing.T) {
		s.Set(ctx, credstore.KeyAccessToken, "a")
		s.Set(ctx, credstore.KeyRefreshToken, "r")
		s.Remove(ctx, credstore.KeyAccessToken)

		got, err := s.Get(ctx, credstore.KeyRefreshToken)
		if err != nil || got != "r" {
			t.Errorf("refresh token = %q, %v; want r", got, err)
		}
		s.Remove(ctx, credstore.KeyRefreshToken)
	})

	t.Run("Concurrent", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				key := fmt.Sprintf("k%d", i)
				if err := s.Set(ctx, key, key); err != nil {
					t.Errorf("Set %s: %v", key, err)
					return
				}
				if got, err := s.Get(ctx, key); err != nil || got != key {
					t.Errorf("Get %s = %q, %v", key, got, err)
				}
				s.Remove(ctx, key)
			}(i)
		}
		wg.Wait()
	})
}
