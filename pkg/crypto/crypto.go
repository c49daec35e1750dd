// Package crypto provides the cryptographic primitives for lockbox.
//
// It implements AES-256-GCM authenticated encryption with Argon2id key
// derivation, plus the on-disk envelope format used by the vault store:
// a 12-byte random nonce followed by ciphertext with the GCM tag appended.
//
// All functions are pure apart from nonce and salt randomness; no key
// material is ever written to durable storage by this package.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters following OWASP recommendations.
const (
	// Argon2Memory is the memory cost in KiB (64MB).
	Argon2Memory = 64 * 1024

	// Argon2Time is the number of iterations.
	Argon2Time = 3

	// Argon2Threads is the degree of parallelism.
	Argon2Threads = 4

	// KeyLength is the length of session keys in bytes (256 bits).
	KeyLength = 32

	// NonceLength is the length of GCM nonces in bytes (96 bits).
	NonceLength = 12

	// TagLength is the length of the GCM authentication tag in bytes.
	TagLength = 16

	// SaltLength is the length of KDF salts in bytes.
	SaltLength = 16
)

// Sentinel errors returned by crypto functions.
var (
	// ErrInvalidKeyLength indicates the key is not 32 bytes.
	ErrInvalidKeyLength = errors.New("crypto: invalid key length, must be 32 bytes")

	// ErrInvalidEnvelope indicates the envelope is too short to contain a nonce.
	ErrInvalidEnvelope = errors.New("crypto: invalid envelope, shorter than nonce")

	// ErrAuthenticationFailed indicates GCM tag verification failed: the key
	// is wrong or the ciphertext was tampered with or corrupted.
	ErrAuthenticationFailed = errors.New("crypto: authentication failed")
)

// DeriveKey derives a 256-bit session key from a passphrase using Argon2id.
//
// The salt must be SaltLength bytes of cryptographically secure random data;
// it is not secret and is persisted by the credential store so that every
// execution context (coordinator and worker alike) derives the same key from
// the same passphrase.
func DeriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, Argon2Time, Argon2Memory, Argon2Threads, KeyLength)
}

// NewSalt returns SaltLength bytes of cryptographically secure random data.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: failed to generate salt: %w", err)
	}
	return salt, nil
}

// EncryptEnvelope encrypts plaintext with AES-256-GCM and returns the
// storage envelope: nonce || ciphertext || tag.
//
// A fresh random nonce is generated per call, so encrypting the same
// plaintext twice with the same key yields different envelopes.
func EncryptEnvelope(key, plaintext []byte) ([]byte, error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: failed to generate nonce: %w", err)
	}

	// Seal appends ciphertext+tag directly after the nonce.
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// DecryptEnvelope reverses EncryptEnvelope.
//
// Returns ErrInvalidEnvelope if the envelope cannot even contain a nonce,
// and ErrAuthenticationFailed if tag verification fails. Authentication
// failure is a normal error return, never a panic: a corrupted artifact or
// a wrong key must surface as a decryption failure.
func DecryptEnvelope(key, envelope []byte) ([]byte, error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}
	if len(envelope) < NonceLength {
		return nil, ErrInvalidEnvelope
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := envelope[:NonceLength]
	ciphertext := envelope[NonceLength:]
	if len(ciphertext) < gcm.Overhead() {
		return nil, ErrInvalidEnvelope
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create GCM: %w", err)
	}
	return gcm, nil
}

// SecureWipe overwrites a byte slice with zeros in a way that prevents
// compiler optimization from removing the operation. Used to destroy the
// session key and transient passphrase copies on lock.
func SecureWipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	// runtime.KeepAlive ensures the writes are not optimized away since b
	// is still "in use" after the loop.
	runtime.KeepAlive(b)
}
