package worker

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/quietbay/lockbox/pkg/crypto"
	"github.com/quietbay/lockbox/pkg/vault"
)

// ErrNotReady indicates work was submitted before the handshake completed.
var ErrNotReady = errors.New("worker: handshake not complete")

// SaltFunc supplies the persisted KDF salt so the worker can re-derive the
// session key from a passphrase in its own execution context.
type SaltFunc func() ([]byte, error)

// Worker runs seal batches and reveals on a dedicated goroutine.
//
// Protocol: on Start the worker goroutine sends its inbound command channel
// over a handshake channel; the coordinator's readiness future (Ready)
// completes once that address has been received. Submitting before readiness
// fails with ErrNotReady. Shutdown is abrupt via context cancellation; no
// drain is guaranteed or required, since everything the worker needs is
// re-derivable from the passphrase and the persisted staged files.
type Worker struct {
	store  *vault.Store
	saltFn SaltFunc
	log    *zap.Logger

	ctx       context.Context
	events    chan Event
	handshake chan chan Command
	ready     chan struct{}
	inbound   chan Command
}

// New returns an unstarted worker over the given vault store.
func New(store *vault.Store, saltFn SaltFunc, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		store:     store,
		saltFn:    saltFn,
		log:       log,
		events:    make(chan Event, 64),
		handshake: make(chan chan Command, 1),
		ready:     make(chan struct{}),
	}
}

// Start launches the worker goroutine and the coordinator-side handshake
// listener. The worker stops when ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	w.ctx = ctx
	go w.run(ctx)
	go func() {
		select {
		case inbound := <-w.handshake:
			w.inbound = inbound
			close(w.ready)
		case <-ctx.Done():
		}
	}()
}

// Ready returns the readiness future: closed once the worker has announced
// its inbound address. The coordinator must not submit work before then.
func (w *Worker) Ready() <-chan struct{} {
	return w.ready
}

// Events returns the outbound event channel. Single consumer per worker.
func (w *Worker) Events() <-chan Event {
	return w.events
}

// Submit sends a command to the worker. Fails with ErrNotReady before the
// handshake completes.
func (w *Worker) Submit(cmd Command) error {
	select {
	case <-w.ready:
	default:
		return ErrNotReady
	}

	select {
	case w.inbound <- cmd:
		return nil
	case <-w.ctx.Done():
		return w.ctx.Err()
	}
}

func (w *Worker) run(ctx context.Context) {
	inbound := make(chan Command, 16)

	// Handshake: announce the inbound address to the coordinator.
	select {
	case w.handshake <- inbound:
	case <-ctx.Done():
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-inbound:
			switch c := cmd.(type) {
			case Seal:
				w.runBatch(c)
			case Reveal:
				w.runReveal(c)
			}
		}
	}
}

// runBatch seals items in submission order. Per-item failures are captured
// as ItemError events without aborting siblings; BatchEnd always fires.
func (w *Worker) runBatch(c Seal) {
	w.emit(BatchStart{})
	defer w.emit(BatchEnd{})

	key, err := w.deriveKey(c.Passphrase)
	if err != nil {
		// Still one terminal event per item so progress accounting holds.
		for _, item := range c.Items {
			w.emit(ItemError{ID: item.ID, Message: err.Error()})
		}
		return
	}
	defer crypto.SecureWipe(key)

	for _, item := range c.Items {
		w.emit(Encrypting{ID: item.ID, Progress: EncryptingProgress})

		if _, err := os.Stat(item.StagedPath); os.IsNotExist(err) {
			// Ghost file: the backing copy disappeared before we reached
			// it. Report sealed so batch accounting stays consistent; the
			// item is simply skipped.
			w.log.Info("skipping ghost file", zap.String("id", item.ID))
			w.emit(Sealed{ID: item.ID, Progress: 1.0})
			continue
		}

		residual, err := w.store.Seal(item, key)
		if err != nil {
			w.emit(ItemError{ID: item.ID, Message: err.Error()})
			continue
		}

		sealed := Sealed{ID: item.ID, Progress: 1.0}
		if residual {
			sealed.ResidualOriginal = item.StagedPath
		}
		w.emit(sealed)
	}
}

// runReveal decrypts one artifact. Failures map to tagged outcomes with nil
// bytes rather than errors, keeping the caller contract simple.
func (w *Worker) runReveal(c Reveal) {
	key, err := w.deriveKey(c.Passphrase)
	if err != nil {
		w.emit(RevealResult{Path: c.Path, Outcome: RevealAuthFailed})
		return
	}
	defer crypto.SecureWipe(key)

	data, err := w.store.Decrypt(c.Path, key)
	switch {
	case err == nil:
		w.emit(RevealResult{Path: c.Path, Bytes: data, Outcome: RevealOK})
	case errors.Is(err, vault.ErrArtifactNotFound):
		w.emit(RevealResult{Path: c.Path, Outcome: RevealNotFound})
	default:
		w.emit(RevealResult{Path: c.Path, Outcome: RevealAuthFailed})
	}
}

func (w *Worker) deriveKey(passphrase string) ([]byte, error) {
	salt, err := w.saltFn()
	if err != nil {
		return nil, fmt.Errorf("worker: failed to load KDF salt: %w", err)
	}
	return crypto.DeriveKey([]byte(passphrase), salt), nil
}

func (w *Worker) emit(e Event) {
	select {
	case w.events <- e:
	case <-w.ctx.Done():
	}
}
