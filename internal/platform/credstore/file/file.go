// Package file implements a credential store backed by a single JSON file.
// Writes are atomic (temp file + fsync + rename). When a passphrase is
// configured the document is sealed with XChaCha20-Poly1305 using an
// argon2id-derived key.
package file

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/sokoni/sokoni-client/internal/platform/cfg"
	"github.com/sokoni/sokoni-client/internal/platform/credstore"
)

func init() {
	credstore.Register("file", func(raw map[string]any) (credstore.Store, error) {
		var c Config
		if err := cfg.DecodeStrict(raw, &c); err != nil {
			return nil, fmt.Errorf("file credential store config: %w", err)
		}
		return New(c)
	})
}

const formatVersion = 1

// argon2id parameters for passphrase key derivation.
const (
	kdfTime    = 1
	kdfMemory  = 64 * 1024
	kdfThreads = 4
	saltSize   = 16
)

var ErrDecrypt = errors.New("credential file could not be decrypted")

// Config configures the file store.
type Config struct {
	// Path is the credentials file. Default: <user config dir>/sokoni/credentials.json
	Path string `mapstructure:"path"`

	// Passphrase enables encryption at rest.
	Passphrase string `mapstructure:"passphrase"`

	// PassphraseEnv names an environment variable holding the passphrase.
	// Used only when Passphrase is empty.
	PassphraseEnv string `mapstructure:"passphrase_env"`
}

// ApplyDefaults fills in the default path and resolves PassphraseEnv.
func (c *Config) ApplyDefaults() {
	if c.Path == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			dir = "."
		}
		c.Path = filepath.Join(dir, "sokoni", "credentials.json")
	}
	if c.Passphrase == "" && c.PassphraseEnv != "" {
		c.Passphrase = os.Getenv(c.PassphraseEnv)
	}
}

// document is the plaintext on-disk shape.
type document struct {
	Version int               `json:"version"`
	Values  map[string]string `json:"values"`
}

// envelope is the on-disk shape when encryption is enabled.
type envelope struct {
	Version    int    `json:"version"`
	KDF        string `json:"kdf"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Store persists credentials to a file.
type Store struct {
	mu     sync.RWMutex
	path   string
	values map[string]string
	closed bool

	passphrase string
	salt       []byte
	key        []byte
}

// New opens (or prepares to create) the credentials file at c.Path.
func New(c Config) (*Store, error) {
	c.ApplyDefaults()

	s := &Store{
		path:       c.Path,
		values:     make(map[string]string),
		passphrase: c.Passphrase,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the file backing the store.
func (s *Store) Path() string { return s.path }

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read credentials file: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("failed to parse credentials file: %w", err)
	}

	if env.Ciphertext == nil {
		var doc document
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("failed to parse credentials file: %w", err)
		}
		if doc.Values != nil {
			s.values = doc.Values
		}
		return nil
	}

	if s.passphrase == "" {
		return fmt.Errorf("%w: file is encrypted but no passphrase is configured", ErrDecrypt)
	}
	s.salt = env.Salt
	aead, err := s.aead()
	if err != nil {
		return err
	}
	plain, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	var doc document
	if err := json.Unmarshal(plain, &doc); err != nil {
		return fmt.Errorf("failed to parse decrypted credentials: %w", err)
	}
	if doc.Values != nil {
		s.values = doc.Values
	}
	return nil
}

// aead derives the key for the current salt on first use.
func (s *Store) aead() (cipher.AEAD, error) {
	if s.key == nil {
		s.key = argon2.IDKey([]byte(s.passphrase), s.salt, kdfTime, kdfMemory, kdfThreads, chacha20poly1305.KeySize)
	}
	return chacha20poly1305.NewX(s.key)
}

// save writes the current values. Caller holds s.mu.
func (s *Store) save() error {
	plain, err := json.Marshal(document{Version: formatVersion, Values: s.values})
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}

	data := plain
	if s.passphrase != "" {
		if s.salt == nil {
			s.salt = make([]byte, saltSize)
			if _, err := rand.Read(s.salt); err != nil {
				return fmt.Errorf("failed to generate salt: %w", err)
			}
		}
		aead, err := s.aead()
		if err != nil {
			return err
		}
		nonce := make([]byte, aead.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return fmt.Errorf("failed to generate nonce: %w", err)
		}
		data, err = json.Marshal(envelope{
			Version:    formatVersion,
			KDF:        "argon2id",
			Salt:       s.salt,
			Nonce:      nonce,
			Ciphertext: aead.Seal(nil, nonce, plain, nil),
		})
		if err != nil {
			return fmt.Errorf("failed to marshal envelope: %w", err)
		}
	}

	return writeAtomic(s.path, data)
}

// writeAtomic writes data to a temp file, fsyncs, then renames over path.
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create credentials dir: %w", err)
	}

	tempPath := path + ".tmp"
	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
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

// Set stores value under key and persists the file.
func (s *Store) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return credstore.ErrClosed
	}
	prev, had := s.values[key]
	s.values[key] = value
	if err := s.save(); err != nil {
		if had {
			s.values[key] = prev
		} else {
			delete(s.values, key)
		}
		return err
	}
	return nil
}

// Remove deletes key and persists the file.
func (s *Store) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return credstore.ErrClosed
	}
	prev, had := s.values[key]
	if !had {
		return nil
	}
	delete(s.values, key)
	if err := s.save(); err != nil {
		s.values[key] = prev
		return err
	}
	return nil
}

// Close marks the store closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ credstore.Store = (*Store)(nil)
