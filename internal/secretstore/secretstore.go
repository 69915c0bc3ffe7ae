// Package secretstore implements the Secret Store: envelope encryption
// of server secrets and external-source OAuth artifacts under a single
// master key, with AAD binding each ciphertext to exactly one slot so it
// cannot be decrypted in any other context.
//
// Every Seal takes an explicit AAD so a ciphertext replayed against a
// different slot fails authentication instead of decrypting.
package secretstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"

	"github.com/mcpbox/mcpbox/internal/domainerr"
)

// KeySize is the required AES-256 master key length.
const KeySize = 32

// NonceSize is the GCM standard nonce size.
const NonceSize = 12

// Store encrypts and decrypts secret values under one master key. It holds
// no plaintext beyond the lifetime of a single Encrypt/Decrypt call: there
// is no in-memory secret cache.
type Store struct {
	key []byte
}

// New constructs a Store from a 32-byte master key, typically loaded from
// MCPBOX_ENCRYPTION_MASTER_KEY at process start.
func New(masterKey []byte) (*Store, error) {
	if len(masterKey) != KeySize {
		return nil, domainerr.New(domainerr.KindInternal, "encryption master key must be exactly %d bytes, got %d", KeySize, len(masterKey))
	}
	return &Store{key: masterKey}, nil
}

// Seal encrypts plaintext, binding it to aad. The returned ciphertext and
// iv are stored separately, matching the ServerSecret/OAuthState column
// layout (ciphertext, iv).
func (s *Store) Seal(plaintext, aad []byte) (ciphertext, iv []byte, err error) {
	gcm, err := s.gcm()
	if err != nil {
		return nil, nil, err
	}

	iv = make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, domainerr.Wrap(domainerr.KindInternal, err, "generate nonce")
	}

	ciphertext = gcm.Seal(nil, iv, plaintext, aad)
	return ciphertext, iv, nil
}

// Open decrypts ciphertext sealed with Seal, verifying it was bound to the
// same aad. A mismatched aad (wrong server or key name) fails authentication.
func (s *Store) Open(ciphertext, iv, aad []byte) ([]byte, error) {
	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}
	if len(iv) != NonceSize {
		return nil, domainerr.New(domainerr.KindInternal, "iv must be %d bytes, got %d", NonceSize, len(iv))
	}

	plaintext, err := gcm.Open(nil, iv, ciphertext, aad)
	if err != nil {
		return nil, domainerr.Wrap(domainerr.KindSecurityViolation, err, "secret authentication failed: wrong key, iv, or aad")
	}
	return plaintext, nil
}

func (s *Store) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, domainerr.Wrap(domainerr.KindInternal, err, "new cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, domainerr.Wrap(domainerr.KindInternal, err, "new gcm")
	}
	return gcm, nil
}
