package vault

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := New(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	return v
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := newTestVault(t)

	sealed, err := v.Encrypt("Mary Kamau")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "Mary")

	plain, err := v.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "Mary Kamau", plain)
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	v := newTestVault(t)
	a, _ := v.Encrypt("12345678")
	b, _ := v.Encrypt("12345678")
	assert.NotEqual(t, a, b)
}

func TestEmptyValuesPassThrough(t *testing.T) {
	v := newTestVault(t)
	s, err := v.Encrypt("")
	require.NoError(t, err)
	assert.Empty(t, s)
	p, err := v.Decrypt("")
	require.NoError(t, err)
	assert.Empty(t, p)
}

func TestDecryptRejectsTamperedInput(t *testing.T) {
	v := newTestVault(t)
	_, err := v.Decrypt("not-a-ciphertext")
	assert.ErrorIs(t, err, ErrMalformedCiphertext)

	other, err := New(bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)
	sealed, _ := other.Encrypt("secret")
	_, err = v.Decrypt(sealed)
	assert.ErrorIs(t, err, ErrMalformedCiphertext)
}

func TestHashIsDeterministicAndKeyed(t *testing.T) {
	v := newTestVault(t)
	assert.Equal(t, v.Hash("12345678"), v.Hash(" 12345678 "))
	assert.NotEqual(t, v.Hash("12345678"), v.Hash("12345679"))

	other, _ := New(bytes.Repeat([]byte{9}, 32))
	assert.NotEqual(t, v.Hash("12345678"), other.Hash("12345678"))
}

func TestNewRejectsShortKey(t *testing.T) {
	_, err := New([]byte("short"))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestGeneratedKeyIsUsable(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	_, err = NewFromBase64(key)
	assert.NoError(t, err)
}

func TestMaskIDNumber(t *testing.T) {
	assert.Equal(t, "123****8", MaskIDNumber("12345678", false))
	assert.Equal(t, "12345678", MaskIDNumber("12345678", true))
	assert.Equal(t, "1234", MaskIDNumber("1234", false))
	assert.Equal(t, "", MaskIDNumber("", false))
}
