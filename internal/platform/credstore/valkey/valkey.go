// Package valkey implements a credential store on Valkey (or Redis).
package valkey

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/valkey-io/valkey-go"

	"github.com/sokoni/sokoni-client/internal/platform/cfg"
	"github.com/sokoni/sokoni-client/internal/platform/credstore"
)

func init() {
	credstore.Register("valkey", func(raw map[string]any) (credstore.Store, error) {
		var c Config
		if err := cfg.DecodeStrict(raw, &c); err != nil {
			return nil, fmt.Errorf("valkey credential store config: %w", err)
		}
		return New(context.Background(), c)
	})
}

// Config holds Valkey connection configuration.
type Config struct {
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	// KeyPrefix namespaces credential keys, e.g. per device or profile.
	KeyPrefix string `mapstructure:"key_prefix"`

	DialTimeout time.Duration `mapstructure:"dial_timeout"`

	// ConnectAttempts bounds the startup PING retries.
	ConnectAttempts uint `mapstructure:"connect_attempts"`
}

// ApplyDefaults fills in connection defaults.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "sokoni:credentials:"
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ConnectAttempts == 0 {
		c.ConnectAttempts = 3
	}
}

// Store keeps credentials as plain string keys under a prefix.
type Store struct {
	client valkey.Client
	prefix string
}

// New connects to Valkey and verifies the connection with PING, retrying
// with exponential backoff up to ConnectAttempts times.
func New(ctx context.Context, c Config) (*Store, error) {
	c.ApplyDefaults()

	connect := func() (valkey.Client, error) {
		client, err := valkey.NewClient(valkey.ClientOption{
			InitAddress:  []string{c.Addr},
			Username:     c.Username,
			Password:     c.Password,
			SelectDB:     c.DB,
			DisableCache: true,
			Dialer:       net.Dialer{Timeout: c.DialTimeout},
		})
		if err != nil {
			return nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, c.DialTimeout)
		defer cancel()
		if err := client.Do(pingCtx, client.B().Ping().Build()).Error(); err != nil {
			client.Close()
			return nil, err
		}
		return client, nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 100 * time.Millisecond
	expo.MaxInterval = 2 * time.Second

	client, err := backoff.Retry(ctx, connect,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(c.ConnectAttempts),
	)
	if err != nil {
		return nil, fmt.Errorf("valkey %s unreachable: %w", c.Addr, err)
	}

	return &Store{client: client, prefix: c.KeyPrefix}, nil
}

func (s *Store) key(k string) string { return s.prefix + k }

// Get returns the value for key.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Do(ctx, s.client.B().Get().Key(s.key(key)).Build()).ToString()
	if valkey.IsValkeyNil(err) {
		return "", credstore.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

// Set stores value under key with no expiry.
func (s *Store) Set(ctx context.Context, key, value string) error {
	return s.client.Do(ctx, s.client.B().Set().Key(s.key(key)).Value(value).Build()).Error()
}

// Remove deletes key.
func (s *Store) Remove(ctx context.Context, key string) error {
	return s.client.Do(ctx, s.client.B().Del().Key(s.key(key)).Build()).Error()
}

// Close closes the client.
func (s *Store) Close() error {
	s.client.Close()
	return nil
}

var _ credstore.Store = (*Store)(nil)
