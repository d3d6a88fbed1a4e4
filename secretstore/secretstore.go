// Package secretstore encrypts signing secrets at rest.
//
// Ciphertexts are AES-256-GCM sealed with a random 12-byte nonce and encoded
// as hex(nonce) ":" hex(ciphertext). The AES key is derived from the
// configured master key with HKDF-SHA256, so any master key of sufficient
// length can be used without a separate KDF configuration.
package secretstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// MinMasterKeyLength is the minimum accepted master key length in bytes.
const MinMasterKeyLength = 32

const (
	keySize   = 32
	nonceSize = 12
	hkdfInfo  = "paygate/secretstore/v1"
)

var (
	ErrInvalidMasterKey = errors.New("secretstore: master key must be at least 32 bytes")
	ErrDecrypt          = errors.New("secretstore: cannot decrypt secret")
)

// Store encrypts and decrypts secrets with a fixed master key.
type Store struct {
	aead cipher.AEAD
}

// New builds a Store from the master key. A short or empty key is a
// configuration error and should stop the process at startup.
func New(masterKey string) (*Store, error) {
	if len(masterKey) < MinMasterKeyLength {
		return nil, ErrInvalidMasterKey
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(masterKey), nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}

	return &Store{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh nonce.
func (s *Store) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := s.aead.Seal(nil, nonce, plaintext, nil)
	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(ciphertext), nil
}

// Decrypt opens a value produced by Encrypt.
func (s *Store) Decrypt(encoded string) ([]byte, error) {
	nonceHex, ctHex, ok := strings.Cut(encoded, ":")
	if !ok {
		return nil, ErrDecrypt
	}

	nonce, err := hex.DecodeString(nonceHex)
	if err != nil || len(nonce) != nonceSize {
		return nil, ErrDecrypt
	}
	ciphertext, err := hex.DecodeString(ctHex)
	if err != nil {
		return nil, ErrDecrypt
	}

	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
