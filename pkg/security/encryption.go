package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
)

var (
	ErrInvalidKeySize = errors.New("invalid key size")
	ErrEncryption     = errors.New("encryption failed")
	ErrDecryption     = errors.New("decryption failed")
)

// Encryptor protects PHI fields (caretaker contact details, medical
// context) at rest. Strings in, base64 strings out, so encrypted values
// fit the same text columns as plaintext.
type Encryptor interface {
	EncryptString(plaintext string) (string, error)
	DecryptString(ciphertext string) (string, error)
}

// NewAESEncryptor creates an AES-GCM encryptor from a hex-encoded
// 128/192/256-bit key.
func NewAESEncryptor(hexKey string) (Encryptor, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, ErrInvalidKeySize
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrInvalidKeySize
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrEncryption
	}

	return &aesEncryptor{gcm: gcm}, nil
}

// NewNoopEncryptor passes values through unchanged. Used when no
// encryption key is configured.
func NewNoopEncryptor() Encryptor {
	return noopEncryptor{}
}

type aesEncryptor struct {
	gcm cipher.AEAD
}

func (a *aesEncryptor) EncryptString(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, a.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", ErrEncryption
	}

	sealed := a.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (a *aesEncryptor) DecryptString(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrDecryption
	}

	nonceSize := a.gcm.NonceSize()
	if len(data) < nonceSize {
		return "", ErrDecryption
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := a.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecryption
	}

	return string(plaintext), nil
}

type noopEncryptor struct{}

func (noopEncryptor) EncryptString(plaintext string) (string, error)  { return plaintext, nil }
func (noopEncryptor) DecryptString(ciphertext string) (string, error) { return ciphertext, nil }
