// Package policy implements the session veto flags and the auto-lock state
// machine that together decide when the vault must purge its key material.
package policy

import (
	"errors"
	"sync/atomic"
	"time"
)

// ErrVetoed indicates a lock or purge was refused because a veto flag is
// raised. Not a failure: the operation is deferred to its next trigger.
var ErrVetoed = errors.New("policy: operation vetoed by active session flag")

// DefaultSettleDelay absorbs OS focus-transition races: a flag stays raised
// briefly after its operation completes so that a lock trigger racing the
// completion does not fire mid-transition.
const DefaultSettleDelay = 300 * time.Millisecond

// Flags are the process-wide veto flags. While either flag is raised,
// automatic lock and staging purges must not execute.
//
// They are atomics, not mutexes: readers treat them as eventually-consistent
// hints. The operations they guard tolerate a rare false negative (a skipped
// lock retries on the next trigger) but must never run on a false positive.
type Flags struct {
	processing   atomic.Bool
	systemDialog atomic.Bool
	settle       time.Duration

	// Generation counters invalidate settle timers that outlive their
	// operation: a Begin inside a previous End's settle window bumps the
	// generation, so the stale timer finds a mismatch and leaves the flag
	// raised.
	processingGen   atomic.Uint64
	systemDialogGen atomic.Uint64
}

// NewFlags returns Flags with the given settle delay; zero or negative means
// DefaultSettleDelay.
func NewFlags(settle time.Duration) *Flags {
	if settle <= 0 {
		settle = DefaultSettleDelay
	}
	return &Flags{settle: settle}
}

// BeginProcessing raises the batch-encryption veto and invalidates any
// settle timer left over from a previous batch.
func (f *Flags) BeginProcessing() {
	f.processingGen.Add(1)
	f.processing.Store(true)
}

// EndProcessing lowers the batch-encryption veto after the settle delay.
// Called on both the success and the failure path. The clear is skipped if a
// new batch began inside the settle window.
func (f *Flags) EndProcessing() {
	gen := f.processingGen.Load()
	time.AfterFunc(f.settle, func() {
		if f.processingGen.Load() == gen {
			f.processing.Store(false)
		}
	})
}

// BeginSystemDialog raises the external-modal veto (native prompt, picker)
// and invalidates any settle timer from a previous dialog.
func (f *Flags) BeginSystemDialog() {
	f.systemDialogGen.Add(1)
	f.systemDialog.Store(true)
}

// EndSystemDialog lowers the external-modal veto after the settle delay,
// unless a new dialog opened inside the settle window.
func (f *Flags) EndSystemDialog() {
	gen := f.systemDialogGen.Load()
	time.AfterFunc(f.settle, func() {
		if f.systemDialogGen.Load() == gen {
			f.systemDialog.Store(false)
		}
	})
}

// Processing reports whether a batch is in flight.
func (f *Flags) Processing() bool {
	return f.processing.Load()
}

// SystemDialogActive reports whether an external modal is open.
func (f *Flags) SystemDialogActive() bool {
	return f.systemDialog.Load()
}

// Vetoed reports whether either flag is raised.
func (f *Flags) Vetoed() bool {
	return f.processing.Load() || f.systemDialog.Load()
}
