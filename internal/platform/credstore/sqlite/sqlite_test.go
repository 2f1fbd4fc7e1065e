package sqlite_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sokoni/sokoni-client/internal/platform/credstore"
	"github.com/sokoni/sokoni-client/internal/platform/credstore/sqlite"
	"github.com/sokoni/sokoni-client/internal/platform/credstore/testutil"
)

func TestSQLiteStore(t *testing.T) {
	s, err := sqlite.New(context.Background(), sqlite.Config{Path: filepath.Join(t.TempDir(), "creds.db")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	testutil.RunStoreTests(t, s)
}

func TestSQLiteStore_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "creds.db")

	s, err := credstore.New("sqlite", map[string]any{"path": path})
	if err != nil {
		t.Fatalf("New via registry: %v", err)
	}
	if err := s.Set(ctx, credstore.KeyAccessToken, "a1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, credstore.KeyAccessToken, "a2"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	s.Close()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("database file not created: %v", err)
	}

	reopened, err := sqlite.New(ctx, sqlite.Config{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get(ctx, credstore.KeyAccessToken)
	if err != nil || got != "a2" {
		t.Errorf("after restart Get = %q, %v; want a2", got, err)
	}
}

func TestSQLiteStore_Closed(t *testing.T) {
	s, err := sqlite.New(context.Background(), sqlite.Config{Path: filepath.Join(t.TempDir(), "creds.db")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Close()

	if _, err := s.Get(context.Background(), "k"); !errors.Is(err, credstore.ErrClosed) {
		t.Errorf("Get after Close = %v, want ErrClosed", err)
	}
}
