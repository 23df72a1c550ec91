package apikeys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keySize          = 32
	pbkdf2Iterations = 210000
	// the secret is per deployment, so a fixed salt only separates this use
	// from other derivations of the same secret
	boxSalt = "openchat/user-api-keys/v1"
)

var ErrDecryptionFailed = errors.New("decryption failed")

// Box seals user API keys with AES-256-GCM. Output is base64(nonce|ciphertext|tag).
type Box struct {
	aead cipher.AEAD
}

func NewBox(secret string) (*Box, error) {
	if secret == "" {
		return nil, errors.New("empty key secret")
	}
	key := pbkdf2.Key([]byte(secret), []byte(boxSalt), pbkdf2Iterations, keySize, sha256.New)
	defer clear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Box{aead: aead}, nil
}

func (b *Box) Seal(plaintext string) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (b *Box) Open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil || len(raw) < b.aead.NonceSize() {
		return "", ErrDecryptionFailed
	}
	n := b.aead.NonceSize()
	plain, err := b.aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}
