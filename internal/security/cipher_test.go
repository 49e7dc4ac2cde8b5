package security

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, KeyLength)
}

func TestStoreCipherRoundTrip(t *testing.T) {
	c, err := NewStoreCipher(testKey(1), StoreQueue)
	require.NoError(t, err)

	sealed, err := c.Seal([]byte("plastic bottles at the river bank"))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "plastic")

	plain, err := c.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "plastic bottles at the river bank", string(plain))
}

func TestStoreCipherNonceIsRandom(t *testing.T) {
	c, err := NewStoreCipher(testKey(1), StoreQueue)
	require.NoError(t, err)

	a, err := c.Seal([]byte("same"))
	require.NoError(t, err)
	b, err := c.Seal([]byte("same"))
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestStoreCipherWrongKey(t *testing.T) {
	c1, err := NewStoreCipher(testKey(1), StoreCache)
	require.NoError(t, err)
	c2, err := NewStoreCipher(testKey(2), StoreCache)
	require.NoError(t, err)

	sealed, err := c1.Seal([]byte("x"))
	require.NoError(t, err)

	_, err = c2.Open(sealed)
	assert.True(t, errors.Is(err, ErrDecrypt))
}

func TestStoreCipherIsBoundToStore(t *testing.T) {
	queue, err := NewStoreCipher(testKey(1), StoreQueue)
	require.NoError(t, err)
	cache, err := NewStoreCipher(testKey(1), StoreCache)
	require.NoError(t, err)

	sealed, err := queue.Seal([]byte("x"))
	require.NoError(t, err)

	_, err = cache.Open(sealed)
	assert.True(t, errors.Is(err, ErrDecrypt))
}

func TestStoreCipherShortInput(t *testing.T) {
	c, err := NewStoreCipher(testKey(1), StoreQueue)
	require.NoError(t, err)

	_, err = c.Open([]byte{1, 2, 3})
	assert.True(t, errors.Is(err, ErrDecrypt))
}

func TestDeriveKeyRejectsBadLength(t *testing.T) {
	_, err := DeriveKey([]byte("short"), StoreQueue)
	assert.True(t, errors.Is(err, ErrInvalidKey))
}

func TestDeriveKeyDiffersPerStore(t *testing.T) {
	a, err := DeriveKey(testKey(9), StoreQueue)
	require.NoError(t, err)
	b, err := DeriveKey(testKey(9), StoreCache)
	require.NoError(t, err)

	assert.Len(t, a, KeyLength)
	assert.NotEqual(t, a, b)
}

func TestSealJSON(t *testing.T) {
	c, err := NewStoreCipher(testKey(3), StoreMetadata)
	require.NoError(t, err)

	type meta struct {
		Count int `json:"count"`
	}
	sealed, err := c.SealJSON(meta{Count: 4})
	require.NoError(t, err)

	var out meta
	require.NoError(t, c.OpenJSON(sealed, &out))
	assert.Equal(t, 4, out.Count)
}
