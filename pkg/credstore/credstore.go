// Package credstore is the secure credential store: it persists a one-way
// verifier of the user passphrase (never the passphrase itself), an optional
// hint, the KDF salt for session-key derivation, and failed-attempt/lockout
// bookkeeping that must survive process restarts.
//
// Backing store is a single-connection SQLite database.
package credstore

import (
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/quietbay/lockbox/pkg/crypto"
)

// Constants
const (
	// DBFileName is the credential database file inside the vault directory.
	DBFileName = "credentials.db"

	FileMode = 0600
	DirMode  = 0700

	// Escalating lockout thresholds:
	// 5 failures -> 30s, 10 -> 5min, 20 -> 30min.
	LockoutThreshold1 = 5
	LockoutThreshold2 = 10
	LockoutThreshold3 = 20
	LockoutDuration1  = 30 * time.Second
	LockoutDuration2  = 5 * time.Minute
	LockoutDuration3  = 30 * time.Minute
)

// Errors
var (
	ErrNotInitialized     = errors.New("credstore: no passphrase has been set up")
	ErrAlreadyInitialized = errors.New("credstore: passphrase already set up")
	ErrLockedOut          = errors.New("credstore: too many failed attempts, lockout active")
)

// Store is the durable credential store. Safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the credential database under dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, DirMode); err != nil {
		return nil, fmt.Errorf("credstore: failed to create directory: %w", err)
	}

	path := filepath.Join(dir, DBFileName)
	db, err := sql.Open("sqlite", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("credstore: failed to open database: %w", err)
	}

	// Single-connection mode avoids "database is locked" errors; concurrent
	// access to the credential store is minimal by design.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, path: path}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	if err := os.Chmod(path, FileMode); err != nil {
		db.Close()
		return nil, fmt.Errorf("credstore: failed to set database permissions: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTables() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS auth (
		id            INTEGER PRIMARY KEY CHECK (id = 1),
		verifier      BLOB NOT NULL,
		verifier_salt BLOB NOT NULL,
		kdf_salt      BLOB NOT NULL,
		hint          TEXT NOT NULL DEFAULT '',
		created_at    INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS lock_state (
		id              INTEGER PRIMARY KEY CHECK (id = 1),
		failed_attempts INTEGER NOT NULL DEFAULT 0,
		last_attempt    INTEGER NOT NULL DEFAULT 0,
		lockout_until   INTEGER NOT NULL DEFAULT 0
	);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("credstore: failed to create tables: %w", err)
	}
	return nil
}

// IsFirstTimeUser reports whether no passphrase has been set up yet.
func (s *Store) IsFirstTimeUser() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM auth WHERE id = 1").Scan(&n); err != nil {
		return false, fmt.Errorf("credstore: failed to query auth row: %w", err)
	}
	return n == 0, nil
}

// Setup stores the verifier for a new passphrase together with an optional
// hint and a fresh KDF salt. The passphrase itself is never persisted.
func (s *Store) Setup(passphrase, hint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM auth WHERE id = 1").Scan(&n); err != nil {
		return fmt.Errorf("credstore: failed to query auth row: %w", err)
	}
	if n > 0 {
		return ErrAlreadyInitialized
	}

	verifierSalt, err := crypto.NewSalt()
	if err != nil {
		return err
	}
	kdfSalt, err := crypto.NewSalt()
	if err != nil {
		return err
	}

	verifier := crypto.DeriveKey([]byte(passphrase), verifierSalt)

	_, err = s.db.Exec(
		"INSERT INTO auth(id, verifier, verifier_salt, kdf_salt, hint, created_at) VALUES(1, ?, ?, ?, ?, ?)",
		verifier, verifierSalt, kdfSalt, hint, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("credstore: failed to store credentials: %w", err)
	}
	return s.resetSecurityStateLocked()
}

// VerifyAndUnlock checks the passphrase against the stored verifier.
//
// While a lockout window is active the verifier is never consulted: the call
// fast-fails with ErrLockedOut. A wrong passphrase increments the durable
// failure counter and, past a threshold, opens (or escalates) the lockout
// window, in which case ErrLockedOut is returned alongside ok=false.
func (s *Store) VerifyAndUnlock(passphrase string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadLockStateLocked()
	if err != nil {
		return false, err
	}
	now := time.Now()
	if state.LockoutUntil.After(now) {
		return false, fmt.Errorf("%w: %v remaining",
			ErrLockedOut, state.LockoutUntil.Sub(now).Round(time.Second))
	}

	var verifier, verifierSalt []byte
	err = s.db.QueryRow("SELECT verifier, verifier_salt FROM auth WHERE id = 1").
		Scan(&verifier, &verifierSalt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotInitialized
	}
	if err != nil {
		return false, fmt.Errorf("credstore: failed to read verifier: %w", err)
	}

	candidate := crypto.DeriveKey([]byte(passphrase), verifierSalt)
	defer crypto.SecureWipe(candidate)

	if subtle.ConstantTimeCompare(candidate, verifier) == 1 {
		if err := s.resetSecurityStateLocked(); err != nil {
			return true, err
		}
		return true, nil
	}

	lockout, err := s.recordFailedAttemptLocked(state)
	if err != nil {
		return false, err
	}
	if lockout > 0 {
		return false, fmt.Errorf("%w: lockout for %v", ErrLockedOut, lockout)
	}
	return false, nil
}

// Hint returns the user-supplied hint string, empty if none was set.
func (s *Store) Hint() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var hint string
	err := s.db.QueryRow("SELECT hint FROM auth WHERE id = 1").Scan(&hint)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotInitialized
	}
	if err != nil {
		return "", fmt.Errorf("credstore: failed to read hint: %w", err)
	}
	return hint, nil
}

// KDFSalt returns the persisted salt for session-key derivation.
func (s *Store) KDFSalt() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var salt []byte
	err := s.db.QueryRow("SELECT kdf_salt FROM auth WHERE id = 1").Scan(&salt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotInitialized
	}
	if err != nil {
		return nil, fmt.Errorf("credstore: failed to read KDF salt: %w", err)
	}
	return salt, nil
}

// FailedAttempts returns the durable failure counter.
func (s *Store) FailedAttempts() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadLockStateLocked()
	if err != nil {
		return 0, err
	}
	return state.FailedAttempts, nil
}

// RemainingLockout returns how long the active lockout window has left, or
// zero when none is active.
func (s *Store) RemainingLockout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadLockStateLocked()
	if err != nil {
		return 0
	}
	if remaining := time.Until(state.LockoutUntil); remaining > 0 {
		return remaining
	}
	return 0
}

// ResetSecurityState clears the failure counter and any lockout window.
// Called automatically after a successful verification.
func (s *Store) ResetSecurityState() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resetSecurityStateLocked()
}

type lockState struct {
	FailedAttempts int
	LastAttempt    time.Time
	LockoutUntil   time.Time
}

func (s *Store) loadLockStateLocked() (*lockState, error) {
	var attempts int
	var lastAttempt, lockoutUntil int64
	err := s.db.QueryRow(
		"SELECT failed_attempts, last_attempt, lockout_until FROM lock_state WHERE id = 1").
		Scan(&attempts, &lastAttempt, &lockoutUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return &lockState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("credstore: failed to read lock state: %w", err)
	}
	state := &lockState{FailedAttempts: attempts}
	if lastAttempt > 0 {
		state.LastAttempt = time.Unix(lastAttempt, 0)
	}
	if lockoutUntil > 0 {
		state.LockoutUntil = time.Unix(lockoutUntil, 0)
	}
	return state, nil
}

// recordFailedAttemptLocked bumps the counter and returns the lockout
// duration it triggered, zero if below every threshold.
func (s *Store) recordFailedAttemptLocked(state *lockState) (time.Duration, error) {
	state.FailedAttempts++
	state.LastAttempt = time.Now()

	var lockout time.Duration
	switch {
	case state.FailedAttempts >= LockoutThreshold3:
		lockout = LockoutDuration3
	case state.FailedAttempts >= LockoutThreshold2:
		lockout = LockoutDuration2
	case state.FailedAttempts >= LockoutThreshold1:
		lockout = LockoutDuration1
	}
	if lockout > 0 {
		state.LockoutUntil = time.Now().Add(lockout)
	}

	var lockoutUnix int64
	if !state.LockoutUntil.IsZero() {
		lockoutUnix = state.LockoutUntil.Unix()
	}
	_, err := s.db.Exec(`
		INSERT INTO lock_state(id, failed_attempts, last_attempt, lockout_until)
		VALUES(1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			failed_attempts = excluded.failed_attempts,
			last_attempt = excluded.last_attempt,
			lockout_until = excluded.lockout_until`,
		state.FailedAttempts, state.LastAttempt.Unix(), lockoutUnix)
	if err != nil {
		return lockout, fmt.Errorf("credstore: failed to record attempt: %w", err)
	}
	return lockout, nil
}

func (s *Store) resetSecurityStateLocked() error {
	_, err := s.db.Exec(`
		INSERT INTO lock_state(id, failed_attempts, last_attempt, lockout_until)
		VALUES(1, 0, 0, 0)
		ON CONFLICT(id) DO UPDATE SET
			failed_attempts = 0, last_attempt = 0, lockout_until = 0`)
	if err != nil {
		return fmt.Errorf("credstore: failed to reset security state: %w", err)
	}
	return nil
}
