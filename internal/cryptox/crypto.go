// Package cryptox seals locally cached blobs so that a tampered or foreign
// cache file is rejected instead of trusted.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/purchasesync/internal/common"
	"golang.org/x/crypto/argon2"
)

// ErrOpen is returned when a sealed blob fails authentication.
var ErrOpen = errors.New("sealed value cannot be opened")

// Sealer turns plaintext cache values into opaque blobs and back.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// DeriveKey stretches secret into a 32-byte AES-256 key with argon2id.
func DeriveKey(secret []byte, salt []byte) []byte {
	return argon2.IDKey(secret, salt, 1, 64*1024, 4, 32)
}

// AESSealer is an AES-GCM Sealer. Sealed blobs are nonce || ciphertext.
// additional is bound into every seal, so a blob copied under a different
// context (e.g. another API key) fails to open.
type AESSealer struct {
	aead       cipher.AEAD
	additional []byte
}

// NewAESSealer derives the key from secret and salt once.
func NewAESSealer(secret, salt, additional []byte) (*AESSealer, error) {
	block, err := aes.NewCipher(DeriveKey(secret, salt))
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return &AESSealer{aead: aead, additional: append([]byte(nil), additional...)}, nil
}

func (s *AESSealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := common.GenerateRandByteArray(s.aead.NonceSize())
	return s.aead.Seal(nonce, nonce, plaintext, s.additional), nil
}

func (s *AESSealer) Open(sealed []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(sealed) < n+s.aead.Overhead() {
		return nil, ErrOpen
	}
	plaintext, err := s.aead.Open(nil, sealed[:n], sealed[n:], s.additional)
	if err != nil {
		return nil, ErrOpen
	}
	return plaintext, nil
}

// PlainSealer stores values as is. Used when no cache secret is configured.
type PlainSealer struct{}

func (PlainSealer) Seal(plaintext []byte) ([]byte, error) { return plaintext, nil }
func (PlainSealer) Open(sealed []byte) ([]byte, error)    { return sealed, nil }
