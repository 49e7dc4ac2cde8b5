package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeyLength is the master key size (AES-256)
const KeyLength = 32

// Store names used for subkey derivation
const (
	StoreQueue    = "queue"
	StoreCache    = "cache"
	StoreMetadata = "cache_metadata"
)

var (
	// ErrDecrypt means the sealed value was written under another key or is corrupt
	ErrDecrypt = errors.New("store decryption failed")
	// ErrInvalidKey means the master key has the wrong length
	ErrInvalidKey = errors.New("invalid master key length")
)

// StoreCipher seals values for one local store.
// Each store uses its own subkey derived from the shared master key and
// authenticates the store name as additional data, so a value copied from one
// store into another does not open.
type StoreCipher struct {
	store string
	aead  cipher.AEAD
}

// DeriveKey derives the subkey for a store with HKDF-SHA256
func DeriveKey(master []byte, store string) ([]byte, error) {
	if len(master) != KeyLength {
		return nil, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidKey, KeyLength, len(master))
	}

	sub := make([]byte, KeyLength)
	r := hkdf.New(sha256.New, master, nil, []byte("ecosync/"+store))
	if _, err := io.ReadFull(r, sub); err != nil {
		return nil, fmt.Errorf("failed to derive %s key: %w", store, err)
	}
	return sub, nil
}

// NewStoreCipher creates the AES-256-GCM cipher for a store
func NewStoreCipher(master []byte, store string) (*StoreCipher, error) {
	key, err := DeriveKey(master, store)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &StoreCipher{store: store, aead: gcm}, nil
}

// Store returns the store name this cipher is bound to
func (c *StoreCipher) Store() string {
	return c.store
}

// Seal encrypts plaintext; the output is nonce || ciphertext || tag
func (c *StoreCipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, []byte(c.store)), nil
}

// Open decrypts a value produced by Seal
func (c *StoreCipher) Open(sealed []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(sealed) < ns+c.aead.Overhead() {
		return nil, fmt.Errorf("%w: value too short", ErrDecrypt)
	}

	plaintext, err := c.aead.Open(nil, sealed[:ns], sealed[ns:], []byte(c.store))
	if err != nil {
		return nil, fmt.Errorf("%w: %s store", ErrDecrypt, c.store)
	}
	return plaintext, nil
}

// SealJSON marshals v and seals it
func (c *StoreCipher) SealJSON(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return c.Seal(data)
}

// OpenJSON opens a sealed value and unmarshals it into out
func (c *StoreCipher) OpenJSON(sealed []byte, out interface{}) error {
	plaintext, err := c.Open(sealed)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plaintext, out); err != nil {
		return fmt.Errorf("failed to unmarshal decrypted data: %w", err)
	}
	return nil
}
