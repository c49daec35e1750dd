// Package keymanager owns the lifecycle of the vault session key.
//
// The key exists only in volatile memory while the vault is unlocked. The
// raw passphrase is retained transiently alongside it because the background
// worker re-derives the key in its own execution context rather than having
// key bytes handed across the channel; both are wiped on Lock.
package keymanager

import (
	"errors"
	"sync"

	"github.com/quietbay/lockbox/pkg/crypto"
)

// ErrNotUnlocked indicates an operation requiring the session key was
// attempted while the vault is locked.
var ErrNotUnlocked = errors.New("keymanager: vault is not unlocked")

// Manager holds the active session key. The zero value is locked and ready
// to use.
type Manager struct {
	mu         sync.RWMutex
	key        []byte
	passphrase []byte
}

// New returns a locked Manager.
func New() *Manager {
	return &Manager{}
}

// DeriveAndActivate derives the 32-byte session key from the passphrase and
// the persisted KDF salt, and makes it the active key. Any previously active
// key is wiped first. Nothing is written to durable storage.
func (m *Manager) DeriveAndActivate(passphrase string, salt []byte) {
	key := crypto.DeriveKey([]byte(passphrase), salt)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.wipeLocked()
	m.key = key
	m.passphrase = []byte(passphrase)
}

// IsUnlocked reports whether a session key is currently active.
func (m *Manager) IsUnlocked() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.key != nil
}

// ActiveKeyMaterial returns a copy of the active session key, or
// ErrNotUnlocked when locked. Callers must not retain the copy beyond the
// operation it serves.
func (m *Manager) ActiveKeyMaterial() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.key == nil {
		return nil, ErrNotUnlocked
	}
	key := make([]byte, len(m.key))
	copy(key, m.key)
	return key, nil
}

// Passphrase returns the transiently held passphrase for worker-side key
// re-derivation, or ErrNotUnlocked when locked.
func (m *Manager) Passphrase() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.passphrase == nil {
		return "", ErrNotUnlocked
	}
	return string(m.passphrase), nil
}

// Lock discards the session key and passphrase immediately. Idempotent:
// locking an already locked manager is a no-op.
func (m *Manager) Lock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wipeLocked()
}

func (m *Manager) wipeLocked() {
	if m.key != nil {
		crypto.SecureWipe(m.key)
		m.key = nil
	}
	if m.passphrase != nil {
		crypto.SecureWipe(m.passphrase)
		m.passphrase = nil
	}
}
