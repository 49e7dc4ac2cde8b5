package keystore

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/xelth-com/ecosyncgo/internal/logger"
	"github.com/xelth-com/ecosyncgo/internal/security"
)

var (
	// ErrSecretNotFound is returned by a SecretStore holding no key yet
	ErrSecretNotFound = errors.New("secret not found")
	// ErrMalformedKey means a stored key exists but cannot be decoded
	ErrMalformedKey = errors.New("stored key is malformed")
)

// SecretStore persists the hex-encoded master key in a protected location
type SecretStore interface {
	Get() (string, error)
	Set(secret string) error
	Delete() error
}

// Provisioner hands out the master key shared by every local store
type Provisioner struct {
	store  SecretStore
	random io.Reader

	mu  sync.Mutex
	key []byte
}

// NewProvisioner creates a provisioner over the given secret store
func NewProvisioner(store SecretStore) *Provisioner {
	return &Provisioner{store: store, random: rand.Reader}
}

// GetOrCreateKey returns the persisted key, generating and persisting one on first use.
// The key is cached after the first successful call and never changes afterwards.
func (p *Provisioner) GetOrCreateKey() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.key != nil {
		return append([]byte(nil), p.key...), nil
	}

	encoded, err := p.store.Get()
	switch {
	case err == nil:
		key, err := hex.DecodeString(encoded)
		if err != nil || len(key) != security.KeyLength {
			return nil, fmt.Errorf("%w: expected %d hex-encoded bytes", ErrMalformedKey, security.KeyLength)
		}
		p.key = key
	case errors.Is(err, ErrSecretNotFound):
		key := make([]byte, security.KeyLength)
		if _, err := io.ReadFull(p.random, key); err != nil {
			return nil, fmt.Errorf("failed to generate store key: %w", err)
		}
		if err := p.store.Set(hex.EncodeToString(key)); err != nil {
			return nil, fmt.Errorf("failed to persist store key: %w", err)
		}
		logger.Component("keystore").WithField("fingerprint", Fingerprint(key)).Info("Generated new store key")
		p.key = key
	default:
		return nil, fmt.Errorf("failed to read store key: %w", err)
	}

	return append([]byte(nil), p.key...), nil
}

// Fingerprint returns a short, non-secret identifier for a key
func Fingerprint(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:8])
}
