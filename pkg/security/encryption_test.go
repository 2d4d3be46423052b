package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestAESEncryptorRoundTrip(t *testing.T) {
	enc, err := NewAESEncryptor(testKey)
	require.NoError(t, err)

	phone := "+4915112345678"
	sealed, err := enc.EncryptString(phone)
	require.NoError(t, err)
	assert.NotEqual(t, phone, sealed)

	opened, err := enc.DecryptString(sealed)
	require.NoError(t, err)
	assert.Equal(t, phone, opened)
}

func TestAESEncryptorEmptyPassthrough(t *testing.T) {
	enc, err := NewAESEncryptor(testKey)
	require.NoError(t, err)

	sealed, err := enc.EncryptString("")
	require.NoError(t, err)
	assert.Empty(t, sealed)
}

func TestAESEncryptorRejectsBadKey(t *testing.T) {
	_, err := NewAESEncryptor("deadbeef")
	assert.ErrorIs(t, err, ErrInvalidKeySize)

	_, err = NewAESEncryptor("not hex")
	assert.ErrorIs(t, err, ErrInvalidKeySize)
}

func TestAESEncryptorRejectsTamperedCiphertext(t *testing.T) {
	enc, err := NewAESEncryptor(testKey)
	require.NoError(t, err)

	sealed, err := enc.EncryptString("pacemaker, anticoagulants")
	require.NoError(t, err)

	_, err = enc.DecryptString("AAAA" + sealed[4:])
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestNoopEncryptor(t *testing.T) {
	enc := NewNoopEncryptor()
	sealed, err := enc.EncryptString("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", sealed)
}
