package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/99designs/keyring"
	"golang.org/x/oauth2"
)

// FileTokenStore keeps the token as JSON in a file.
type FileTokenStore struct {
	path string
}

// NewFileTokenStore returns a store backed by path.
func NewFileTokenStore(path string) *FileTokenStore {
	return &FileTokenStore{path: path}
}

func (s *FileTokenStore) Load() (*oauth2.Token, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrTokenNotSet
		}
		return nil, fmt.Errorf("os.Open failed: %w", err)
	}
	defer func() { _ = f.Close() }()

	token := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(token); err != nil {
		return nil, fmt.Errorf("json.NewDecoder.Decode failed: %w", err)
	}

	return token, nil
}

// Save writes to a temporary file and renames it over the old token.
func (s *FileTokenStore) Save(token *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("os.MkdirAll failed: %w", err)
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("os.OpenFile failed: %w", err)
	}

	if err := json.NewEncoder(f).Encode(token); err != nil {
		_ = f.Close()
		return fmt.Errorf("json.NewEncoder.Encode failed: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("f.Close failed: %w", err)
	}

	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("os.Rename failed: %w", err)
	}

	return nil
}

func (s *FileTokenStore) Remove() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("os.Remove failed: %w", err)
	}
	return nil
}

// KeyringTokenStore keeps the token as JSON in a system keyring item.
type KeyringTokenStore struct {
	ring keyring.Keyring
	key  string
}

// NewKeyringTokenStore stores the token under key in ring.
func NewKeyringTokenStore(ring keyring.Keyring, key string) *KeyringTokenStore {
	return &KeyringTokenStore{ring: ring, key: key}
}

// OpenKeyring opens the platform keyring for service, falling back to an
// encrypted file keyring in fileDir.
func OpenKeyring(service, fileDir, filePassword string) (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: service,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(filePassword),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("keyring.Open failed: %w", err)
	}

	return ring, nil
}

func (s *KeyringTokenStore) Load() (*oauth2.Token, error) {
	item, err := s.ring.Get(s.key)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return nil, ErrTokenNotSet
		}
		return nil, fmt.Errorf("ring.Get(%q) failed: %w", s.key, err)
	}

	token := &oauth2.Token{}
	if err := json.Unmarshal(item.Data, token); err != nil {
		return nil, fmt.Errorf("json.Unmarshal failed: %w", err)
	}

	return token, nil
}

func (s *KeyringTokenStore) Save(token *oauth2.Token) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("json.Marshal failed: %w", err)
	}

	if err := s.ring.Set(keyring.Item{Key: s.key, Data: data}); err != nil {
		return fmt.Errorf("ring.Set(%q) failed: %w", s.key, err)
	}

	return nil
}

func (s *KeyringTokenStore) Remove() error {
	if err := s.ring.Remove(s.key); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("ring.Remove(%q) failed: %w", s.key, err)
	}
	return nil
}
