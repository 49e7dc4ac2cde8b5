package keystore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xelth-com/ecosyncgo/internal/config"
	"github.com/zalando/go-keyring"
)

// KeyringStore keeps the key in the OS keychain (Keychain, Secret Service, Credential Manager)
type KeyringStore struct {
	Service string
	Account string
}

func NewKeyringStore(service, account string) *KeyringStore {
	return &KeyringStore{Service: service, Account: account}
}

func (s *KeyringStore) Get() (string, error) {
	secret, err := keyring.Get(s.Service, s.Account)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrSecretNotFound
	}
	return secret, err
}

func (s *KeyringStore) Set(secret string) error {
	return keyring.Set(s.Service, s.Account, secret)
}

func (s *KeyringStore) Delete() error {
	err := keyring.Delete(s.Service, s.Account)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}

// FileStore keeps the key in an owner-only file, for hosts without a keychain
type FileStore struct {
	Path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

func (s *FileStore) Get() (string, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrSecretNotFound
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (s *FileStore) Set(secret string) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	// write then rename so a crash never leaves a truncated key behind
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, []byte(secret), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.Path)
}

func (s *FileStore) Delete() error {
	err := os.Remove(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// NewSecretStore selects the secret store named by the keystore config
func NewSecretStore(cfg config.KeystoreConfig) (SecretStore, error) {
	switch cfg.Backend {
	case "", "keyring":
		return NewKeyringStore(cfg.Service, cfg.Account), nil
	case "file":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("KEYSTORE_FILE is required for the file backend")
		}
		return NewFileStore(cfg.FilePath), nil
	}
	return nil, fmt.Errorf("unsupported keystore backend %q", cfg.Backend)
}
