package policy

import (
	"sync"
	"time"
)

// Default timings for the auto-lock state machine.
const (
	DefaultIdleTimeout = 60 * time.Second
	DefaultDebounce    = 500 * time.Millisecond
)

// Phase is the host application's lifecycle phase as reported by the shell.
type Phase int

const (
	// PhaseForeground: active and focused; user input resets the idle timer.
	PhaseForeground Phase = iota
	// PhaseInactive: visible but unfocused (notification shade, alt-tab).
	// Never schedules a lock.
	PhaseInactive
	// PhaseBackground: minimized, switched away, or screen off. Schedules a
	// debounced lock.
	PhaseBackground
)

// AutoLock is the idle-timeout and lifecycle driven lock state machine.
//
// It is either unlocked (tracking activeSince) or locked. Lock attempts from
// both the idle timer and lifecycle transitions re-check the veto flags
// immediately before executing; a vetoed idle expiry restarts the timer,
// while a vetoed lifecycle lock is simply abandoned and left to the next
// natural trigger.
type AutoLock struct {
	flags       *Flags
	idleTimeout time.Duration
	debounce    time.Duration
	lockFn      func()

	mu          sync.Mutex
	unlocked    bool
	activeSince time.Time
	phase       Phase
	idleTimer   *time.Timer
	pendingLock *time.Timer
}

// New returns a locked AutoLock. lockFn runs exactly once per successful
// lock transition, after internal state has flipped to locked; it must not
// call back into the AutoLock.
func New(flags *Flags, idleTimeout, debounce time.Duration, lockFn func()) *AutoLock {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &AutoLock{
		flags:       flags,
		idleTimeout: idleTimeout,
		debounce:    debounce,
		lockFn:      lockFn,
		phase:       PhaseForeground,
	}
}

// Activate transitions to the unlocked state and starts the idle timer.
// Called after a successful passphrase unlock.
func (a *AutoLock) Activate() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.unlocked = true
	a.activeSince = time.Now()
	a.resetIdleLocked()
}

// IsUnlocked reports the machine's view of the session state.
func (a *AutoLock) IsUnlocked() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.unlocked
}

// ActiveSince returns when the current unlocked session began; zero when
// locked.
func (a *AutoLock) ActiveSince() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.unlocked {
		return time.Time{}
	}
	return a.activeSince
}

// Touch records real user input. The idle timer only resets while the host
// is foregrounded: input delivered to a backgrounded or unfocused process
// (background automation, synthetic events) must not keep the vault open.
func (a *AutoLock) Touch() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.unlocked || a.phase != PhaseForeground {
		return
	}
	a.resetIdleLocked()
}

// Observe feeds a lifecycle transition into the state machine.
func (a *AutoLock) Observe(next Phase) {
	a.mu.Lock()
	defer a.mu.Unlock()

	prev := a.phase
	a.phase = next

	switch {
	case next == PhaseBackground && prev != PhaseBackground:
		// Debounce-then-lock: rapid re-foreground (accidental minimize,
		// picker dialogs) cancels before the window elapses.
		if a.unlocked {
			a.scheduleLockLocked()
		}
	case next == PhaseForeground:
		if a.pendingLock != nil {
			a.pendingLock.Stop()
			a.pendingLock = nil
		}
	case next == PhaseInactive:
		// Transient focus loss without backgrounding never schedules a lock.
	}
}

// Minimize handles an explicit window-minimize event (desktop); treated
// identically to backgrounding.
func (a *AutoLock) Minimize() {
	a.Observe(PhaseBackground)
}

// Lock requests the lock transition now. Like every lock attempt it
// re-checks the veto flags immediately before executing and refuses with
// ErrVetoed while either is raised; the session key must never be purged
// under a batch in flight. Idempotent when already locked.
func (a *AutoLock) Lock() error {
	a.mu.Lock()
	if a.unlocked && a.flags.Vetoed() {
		a.mu.Unlock()
		return ErrVetoed
	}
	fire := a.transitionToLockedLocked()
	a.mu.Unlock()

	if fire {
		a.lockFn()
	}
	return nil
}

// Stop forces the lock transition for shutdown, bypassing the veto flags,
// and stops both timers so no expiry can run lockFn again afterwards.
// Idempotent like every other lock path.
func (a *AutoLock) Stop() {
	a.mu.Lock()
	fire := a.transitionToLockedLocked()
	a.mu.Unlock()

	if fire {
		a.lockFn()
	}
}

func (a *AutoLock) resetIdleLocked() {
	if a.idleTimer != nil {
		a.idleTimer.Stop()
	}
	a.idleTimer = time.AfterFunc(a.idleTimeout, a.idleExpired)
}

func (a *AutoLock) scheduleLockLocked() {
	if a.pendingLock != nil {
		a.pendingLock.Stop()
	}
	a.pendingLock = time.AfterFunc(a.debounce, a.debounceExpired)
}

func (a *AutoLock) idleExpired() {
	a.mu.Lock()
	if !a.unlocked {
		a.mu.Unlock()
		return
	}
	if a.flags.Vetoed() {
		// Restart rather than fire: the batch or dialog will finish and the
		// next expiry gets another chance.
		a.resetIdleLocked()
		a.mu.Unlock()
		return
	}
	fire := a.transitionToLockedLocked()
	a.mu.Unlock()

	if fire {
		a.lockFn()
	}
}

func (a *AutoLock) debounceExpired() {
	a.mu.Lock()
	a.pendingLock = nil
	if !a.unlocked || a.flags.Vetoed() {
		// Abort without rescheduling; the next idle expiry or lifecycle
		// transition retries.
		a.mu.Unlock()
		return
	}
	fire := a.transitionToLockedLocked()
	a.mu.Unlock()

	if fire {
		a.lockFn()
	}
}

// transitionToLockedLocked flips internal state and reports whether lockFn
// should run. Returns false when already locked, keeping the transition
// idempotent.
func (a *AutoLock) transitionToLockedLocked() bool {
	if !a.unlocked {
		return false
	}
	a.unlocked = false
	a.activeSince = time.Time{}
	if a.idleTimer != nil {
		a.idleTimer.Stop()
		a.idleTimer = nil
	}
	if a.pendingLock != nil {
		a.pendingLock.Stop()
		a.pendingLock = nil
	}
	return true
}
