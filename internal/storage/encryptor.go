package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Sealer provides authenticated at-rest encryption for stored bytes.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(envelope []byte) ([]byte, error)
}

// keySalt is the fixed site salt for the key derivation. Changing it
// invalidates every encrypted object already on disk.
const keySalt = "filevault-at-rest-v1"

// AESGCMSealer derives a 256-bit key from the configured secret with
// argon2id and seals payloads with AES-GCM. The envelope layout is
// nonce || ciphertext.
type AESGCMSealer struct {
	aead cipher.AEAD
}

func NewAESGCMSealer(secret string) (*AESGCMSealer, error) {
	key := argon2.IDKey([]byte(secret), []byte(keySalt), 1, 64*1024, 4, 32)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &AESGCMSealer{aead: aead}, nil
}

func (s *AESGCMSealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *AESGCMSealer) Open(envelope []byte) ([]byte, error) {
	if len(envelope) < s.aead.NonceSize() {
		return nil, fmt.Errorf("envelope shorter than nonce")
	}
	nonce, ciphertext := envelope[:s.aead.NonceSize()], envelope[s.aead.NonceSize():]

	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("authenticated decrypt: %w", err)
	}
	return plaintext, nil
}
