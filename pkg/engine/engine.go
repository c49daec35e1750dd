// Package engine wires the vault components into one explicit context
// object: key manager, staging store, vault store, credential store,
// background worker, session flags and auto-lock policy. Hosts construct an
// Engine per vault; nothing in here is process-global, so tests can run
// several independent engines side by side.
package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quietbay/lockbox/pkg/audit"
	"github.com/quietbay/lockbox/pkg/credstore"
	"github.com/quietbay/lockbox/pkg/keymanager"
	"github.com/quietbay/lockbox/pkg/policy"
	"github.com/quietbay/lockbox/pkg/staging"
	"github.com/quietbay/lockbox/pkg/vault"
	"github.com/quietbay/lockbox/pkg/worker"
)

// Subdirectories of the vault root.
const (
	objectsDirName = "objects"
	auditDirName   = "audit"
)

// Errors
var (
	// ErrNotUnlocked mirrors the key manager's sentinel for convenience.
	ErrNotUnlocked = keymanager.ErrNotUnlocked

	ErrInvalidPassphrase = errors.New("engine: invalid passphrase")
	ErrBatchInFlight     = errors.New("engine: a seal batch is already in flight")
	ErrRevealInFlight    = errors.New("engine: a reveal for this path is already in flight")
)

// Options configures an Engine.
type Options struct {
	// VaultRoot holds the credential store, the encrypted objects and the
	// audit log.
	VaultRoot string
	// StagingDir is the durable holding area for files awaiting encryption.
	StagingDir string

	IdleTimeout  time.Duration // default policy.DefaultIdleTimeout
	LockDebounce time.Duration // default policy.DefaultDebounce
	SettleDelay  time.Duration // default policy.DefaultSettleDelay

	// OnLocked is invoked after every lock transition so the UI collaborator
	// can navigate to the entry screen. Optional.
	OnLocked func()

	Logger *zap.Logger
}

// Engine is the vault security engine.
type Engine struct {
	log      *zap.Logger
	keys     *keymanager.Manager
	creds    *credstore.Store
	staging  *staging.Store
	vault    *vault.Store
	flags    *policy.Flags
	autolock *policy.AutoLock
	worker   *worker.Worker
	audit    *audit.Logger
	onLocked func()

	cancel context.CancelFunc

	mu             sync.Mutex
	batchDone      chan struct{}
	pendingReveals map[string]chan worker.RevealResult
	residuals      []string
}

// New builds an Engine over the given directories. Call Start before
// submitting work and Close when done.
func New(opts Options) (*Engine, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	creds, err := credstore.Open(opts.VaultRoot)
	if err != nil {
		return nil, err
	}

	vaultStore, err := vault.New(filepath.Join(opts.VaultRoot, objectsDirName), log)
	if err != nil {
		creds.Close()
		return nil, err
	}

	flags := policy.NewFlags(opts.SettleDelay)

	stagingStore, err := staging.New(opts.StagingDir, flags, log)
	if err != nil {
		creds.Close()
		return nil, err
	}

	e := &Engine{
		log:            log,
		keys:           keymanager.New(),
		creds:          creds,
		staging:        stagingStore,
		vault:          vaultStore,
		flags:          flags,
		audit:          audit.NewLogger(filepath.Join(opts.VaultRoot, auditDirName)),
		onLocked:       opts.OnLocked,
		pendingReveals: make(map[string]chan worker.RevealResult),
	}
	e.autolock = policy.New(flags, opts.IdleTimeout, opts.LockDebounce, e.lockEffects)
	e.worker = worker.New(vaultStore, creds.KDFSalt, log)
	return e, nil
}

// Start launches the background worker and the event consumer, then awaits
// the worker handshake so callers can submit immediately after.
func (e *Engine) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.worker.Start(ctx)
	go e.consumeEvents(ctx)

	select {
	case <-e.worker.Ready():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close locks the vault if needed and releases resources. The lock goes
// through the auto-lock machine so its timers are stopped and the lock
// effects cannot run a second time on a later expiry.
func (e *Engine) Close() error {
	e.autolock.Stop()
	if e.cancel != nil {
		e.cancel()
	}
	return e.creds.Close()
}

// ----------------------------------------------------------------------------
// Authentication
// ----------------------------------------------------------------------------

// IsFirstTimeUser reports whether no passphrase has been set up yet.
func (e *Engine) IsFirstTimeUser() (bool, error) {
	return e.creds.IsFirstTimeUser()
}

// SetupPassphrase initializes the credential store and unlocks.
func (e *Engine) SetupPassphrase(passphrase, hint string) error {
	if err := e.creds.Setup(passphrase, hint); err != nil {
		return err
	}
	return e.Unlock(passphrase)
}

// Unlock verifies the passphrase against the credential store and, on
// success, activates the session key and the auto-lock policy. A wrong
// passphrase returns ErrInvalidPassphrase; during a lockout window the
// credential store fast-fails with credstore.ErrLockedOut.
func (e *Engine) Unlock(passphrase string) error {
	ok, err := e.creds.VerifyAndUnlock(passphrase)
	if err != nil {
		return err
	}
	if !ok {
		// No-op unless a session is already active (re-auth path); the audit
		// log cannot be written without a key.
		_ = e.audit.LogError(audit.OpUnlockFailed, "", "invalid passphrase")
		return ErrInvalidPassphrase
	}

	salt, err := e.creds.KDFSalt()
	if err != nil {
		return err
	}
	e.keys.DeriveAndActivate(passphrase, salt)

	key, err := e.keys.ActiveKeyMaterial()
	if err != nil {
		return err
	}
	if err := e.audit.SetHMACKey(key); err != nil {
		e.log.Warn("failed to initialize audit logger", zap.Error(err))
	} else {
		_ = e.audit.LogSuccess(audit.OpUnlock, "")
	}

	e.autolock.Activate()

	// Crash leftovers in the holding directory are safe to delete now.
	if purged, err := e.staging.PurgeOrphans(); err != nil {
		e.log.Warn("orphan purge failed", zap.Error(err))
	} else if purged > 0 {
		e.log.Info("purged staging orphans", zap.Int("count", purged))
	}
	return nil
}

// IsUnlocked reports whether the session key is active.
func (e *Engine) IsUnlocked() bool {
	return e.keys.IsUnlocked()
}

// ActiveSince returns when the current unlocked session began.
func (e *Engine) ActiveSince() time.Time {
	return e.autolock.ActiveSince()
}

// Hint returns the stored passphrase hint.
func (e *Engine) Hint() (string, error) {
	return e.creds.Hint()
}

// FailedAttempts returns the durable failed-unlock counter.
func (e *Engine) FailedAttempts() (int, error) {
	return e.creds.FailedAttempts()
}

// RemainingLockout returns the remaining lockout window, zero if none.
func (e *Engine) RemainingLockout() time.Duration {
	return e.creds.RemainingLockout()
}

// Lock requests an explicit lock transition. Refused with policy.ErrVetoed
// while a batch is processing or a system dialog is open.
func (e *Engine) Lock() error {
	return e.autolock.Lock()
}

// lockEffects runs exactly once per lock transition: the deep seal. Key and
// passphrase are wiped, residual staged files cleared, the UI notified.
func (e *Engine) lockEffects() {
	_ = e.audit.LogSuccess(audit.OpLock, "")
	e.audit.ClearHMACKey()
	e.keys.Lock()

	if err := e.staging.ClearAll(); err != nil {
		// Vetoed clear here is a flag race; leave the files for the orphan
		// purge on next unlock.
		e.log.Warn("staging clear skipped during lock", zap.Error(err))
	}

	if e.onLocked != nil {
		e.onLocked()
	}
	e.log.Info("vault locked")
}

// ----------------------------------------------------------------------------
// Lifecycle signals (forwarded by the host shell)
// ----------------------------------------------------------------------------

// Touch records real user input for the idle timer.
func (e *Engine) Touch() { e.autolock.Touch() }

// ObservePhase feeds a lifecycle transition to the auto-lock policy.
func (e *Engine) ObservePhase(p policy.Phase) { e.autolock.Observe(p) }

// Minimize handles an explicit window-minimize event.
func (e *Engine) Minimize() { e.autolock.Minimize() }

// BeginSystemDialog raises the external-modal veto while a native prompt or
// picker is open.
func (e *Engine) BeginSystemDialog() { e.flags.BeginSystemDialog() }

// EndSystemDialog lowers the external-modal veto (after the settle delay).
func (e *Engine) EndSystemDialog() { e.flags.EndSystemDialog() }

// ----------------------------------------------------------------------------
// Staging
// ----------------------------------------------------------------------------

// Stage copies candidates into the holding directory. Requires an unlocked
// vault.
func (e *Engine) Stage(paths []string) (int, error) {
	if !e.keys.IsUnlocked() {
		return 0, ErrNotUnlocked
	}
	n, err := e.staging.Stage(paths)
	if err == nil && n > 0 {
		_ = e.audit.LogSuccess(audit.OpItemStaged, strconv.Itoa(n)+" item(s)")
	}
	return n, err
}

// StagedItems reconciles against the holding directory and returns the
// current snapshot.
func (e *Engine) StagedItems() []staging.Item {
	e.staging.Reconcile()
	return e.staging.List()
}

// SetStripMetadata flags a staged item for metadata stripping.
func (e *Engine) SetStripMetadata(id string, strip bool) {
	e.staging.SetStripMetadata(id, strip)
}

// DiscardStaged removes one staged item and its holding-area copy.
func (e *Engine) DiscardStaged(id string) error {
	return e.staging.Remove(id)
}

// ClearStaging removes all staged items; vetoed while busy.
func (e *Engine) ClearStaging() error {
	if err := e.staging.ClearAll(); err != nil {
		return err
	}
	_ = e.audit.LogSuccess(audit.OpStagingClear, "")
	return nil
}

// ----------------------------------------------------------------------------
// Sealing
// ----------------------------------------------------------------------------

// CommitBatch submits every pending staged item to the background worker.
// The returned channel closes when the batch's terminal BatchEnd event has
// been processed. At most one batch runs at a time.
func (e *Engine) CommitBatch() (<-chan struct{}, error) {
	if !e.keys.IsUnlocked() {
		return nil, ErrNotUnlocked
	}

	passphrase, err := e.keys.Passphrase()
	if err != nil {
		return nil, err
	}

	e.staging.Reconcile()
	items := e.staging.Pending()

	e.mu.Lock()
	if e.batchDone != nil {
		e.mu.Unlock()
		return nil, ErrBatchInFlight
	}
	done := make(chan struct{})
	e.batchDone = done
	e.mu.Unlock()

	e.flags.BeginProcessing()

	if err := e.worker.Submit(worker.Seal{Items: items, Passphrase: passphrase}); err != nil {
		e.flags.EndProcessing()
		e.mu.Lock()
		e.batchDone = nil
		e.mu.Unlock()
		return nil, fmt.Errorf("engine: failed to submit batch: %w", err)
	}
	return done, nil
}

// ----------------------------------------------------------------------------
// Vault artifacts
// ----------------------------------------------------------------------------

// Artifacts lists sealed artifacts, newest first.
func (e *Engine) Artifacts() ([]vault.Artifact, error) {
	return e.vault.List()
}

// ArtifactPath maps a display name to its artifact path.
func (e *Engine) ArtifactPath(displayName string) string {
	return e.vault.ArtifactPath(displayName)
}

// Reveal asks the worker to decrypt an artifact off the primary context.
// The result arrives on the returned single-use channel. At most one reveal
// per path may be in flight; a concurrent duplicate is rejected with
// ErrRevealInFlight.
func (e *Engine) Reveal(path string) (<-chan worker.RevealResult, error) {
	if !e.keys.IsUnlocked() {
		return nil, ErrNotUnlocked
	}
	passphrase, err := e.keys.Passphrase()
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if _, exists := e.pendingReveals[path]; exists {
		e.mu.Unlock()
		return nil, ErrRevealInFlight
	}
	ch := make(chan worker.RevealResult, 1)
	e.pendingReveals[path] = ch
	e.mu.Unlock()

	if err := e.worker.Submit(worker.Reveal{Path: path, Passphrase: passphrase}); err != nil {
		e.mu.Lock()
		delete(e.pendingReveals, path)
		e.mu.Unlock()
		return nil, fmt.Errorf("engine: failed to submit reveal: %w", err)
	}
	return ch, nil
}

// DeleteArtifact securely deletes a sealed artifact.
func (e *Engine) DeleteArtifact(path string) error {
	if err := e.vault.SecureDelete(path); err != nil {
		return err
	}
	_ = e.audit.LogSuccess(audit.OpArtifactPurge, filepath.Base(path))
	return nil
}

// ResidualOriginals returns staged originals that survived a successful
// seal because their purge failed; hosts may offer a cleanup action.
func (e *Engine) ResidualOriginals() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.residuals...)
}

// AuditLog exposes the audit logger for listing and chain verification.
func (e *Engine) AuditLog() *audit.Logger {
	return e.audit
}

// ----------------------------------------------------------------------------
// Worker event consumption (single consumer, primary-context serialization)
// ----------------------------------------------------------------------------

func (e *Engine) consumeEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.worker.Events():
			e.handleEvent(ev)
		}
	}
}

func (e *Engine) handleEvent(ev worker.Event) {
	switch m := ev.(type) {
	case worker.BatchStart:
		// Veto was raised at submission; nothing to do.

	case worker.Encrypting:
		e.staging.MarkEncrypting(m.ID, m.Progress)

	case worker.Sealed:
		if m.ResidualOriginal != "" {
			e.mu.Lock()
			e.residuals = append(e.residuals, m.ResidualOriginal)
			e.mu.Unlock()
			e.log.Warn("residual plaintext original after seal",
				zap.String("path", m.ResidualOriginal))
		}
		if item, ok := e.staging.Get(m.ID); ok {
			_ = e.audit.LogSuccess(audit.OpItemSealed, item.DisplayName)
		}
		e.staging.MarkSealed(m.ID)

	case worker.ItemError:
		e.staging.MarkFailed(m.ID, m.Message)
		_ = e.audit.LogError(audit.OpItemSealed, m.ID, m.Message)

	case worker.BatchEnd:
		// Terminal signal: lift the processing veto (settle-delayed) and
		// release the batch slot.
		e.flags.EndProcessing()
		e.mu.Lock()
		done := e.batchDone
		e.batchDone = nil
		e.mu.Unlock()
		if done != nil {
			close(done)
		}

	case worker.RevealResult:
		if m.Outcome == worker.RevealOK {
			_ = e.audit.LogSuccess(audit.OpItemRevealed, filepath.Base(m.Path))
		}
		e.mu.Lock()
		ch := e.pendingReveals[m.Path]
		delete(e.pendingReveals, m.Path)
		e.mu.Unlock()
		if ch != nil {
			ch <- m
		}
	}
}
