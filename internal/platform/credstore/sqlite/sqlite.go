// Package sqlite implements a SQLite-backed credential store using GORM.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/sokoni/sokoni-client/internal/platform/cfg"
	"github.com/sokoni/sokoni-client/internal/platform/credstore"
)

func init() {
	credstore.Register("sqlite", func(raw map[string]any) (credstore.Store, error) {
		var c Config
		if err := cfg.DecodeStrict(raw, &c); err != nil {
			return nil, fmt.Errorf("sqlite credential store config: %w", err)
		}
		return New(context.Background(), c)
	})
}

// Config configures the sqlite store.
type Config struct {
	// Path is the database file. Default: <user config dir>/sokoni/credentials.db
	Path string `mapstructure:"path"`
}

// ApplyDefaults fills in the default database path.
func (c *Config) ApplyDefaults() {
	if c.Path == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			dir = "."
		}
		c.Path = filepath.Join(dir, "sokoni", "credentials.db")
	}
}

// Credential is one stored key/value row.
type Credential struct {
	Name      string `gorm:"primaryKey"`
	Value     string
	UpdatedAt int64
}

// Store persists credentials in a single SQLite table.
type Store struct {
	mu     sync.RWMutex
	db     *gorm.DB
	closed bool
}

// New opens the database at c.Path and migrates the credentials table.
func New(ctx context.Context, c Config) (*Store, error) {
	c.ApplyDefaults()

	if err := os.MkdirAll(filepath.Dir(c.Path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(c.Path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.WithContext(ctx).AutoMigrate(&Credential{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	// SQLite allows one writer; serialize through a single connection.
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}

	return &Store{db: db}, nil
}

// Get returns the value for key.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", credstore.ErrClosed
	}

	var row Credential
	result := s.db.WithContext(ctx).First(&row, "name = ?", key)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return "", credstore.ErrNotFound
		}
		return "", result.Error
	}
	return row.Value, nil
}

// Set upserts value under key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return credstore.ErrClosed
	}

	row := Credential{Name: key, Value: value, UpdatedAt: time.Now().Unix()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error
}

// Remove deletes key.
func (s *Store) Remove(ctx context.Context, key string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return credstore.ErrClosed
	}
	return s.db.WithContext(ctx).Delete(&Credential{}, "name = ?", key).Error
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ credstore.Store = (*Store)(nil)
