// Package secrets holds the token decryption primitive. Connection
// credentials are stored as AES-256-GCM ciphertext; this package only
// decrypts, key management lives outside the service.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrInvalidCiphertext is returned for tokens that cannot be decoded or
// authenticated.
var ErrInvalidCiphertext = errors.New("invalid ciphertext")

// AESDecryptor decrypts base64(nonce || ciphertext) tokens with
// AES-256-GCM.
type AESDecryptor struct {
	aead cipher.AEAD
}

// NewAESDecryptor builds a decryptor from a 32-byte key.
func NewAESDecryptor(key []byte) (*AESDecryptor, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AESDecryptor{aead: aead}, nil
}

// NewAESDecryptorFromBase64 builds a decryptor from a base64-encoded
// 32-byte key, the form it takes in the environment.
func NewAESDecryptorFromBase64(encoded string) (*AESDecryptor, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding encryption key: %w", err)
	}
	return NewAESDecryptor(key)
}

// Decrypt authenticates and decrypts one token.
func (d *AESDecryptor) Decrypt(token string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	ns := d.aead.NonceSize()
	if len(raw) < ns {
		return "", fmt.Errorf("%w: token shorter than nonce", ErrInvalidCiphertext)
	}
	plain, err := d.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	return string(plain), nil
}

// Encrypt is the inverse of Decrypt. The service itself never encrypts;
// this exists for tests and local seeding.
func (d *AESDecryptor) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, d.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := d.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Plaintext is a pass-through decryptor for local development, where
// connection tokens are stored unencrypted.
type Plaintext struct{}

// Decrypt returns the token unchanged.
func (Plaintext) Decrypt(token string) (string, error) { return token, nil }
