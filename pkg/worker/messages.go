// Package worker executes batch encryption and on-demand decryption on an
// isolated goroutine so the primary context never blocks on cryptographic or
// disk work. All communication is message passing over ordered channels;
// commands and events are a closed set of types so a handler switch can be
// checked for exhaustiveness at review time.
package worker

import "github.com/quietbay/lockbox/pkg/staging"

// EncryptingProgress is the progress value reported when work on an item
// begins.
const EncryptingProgress = 0.1

// Command is a request submitted to the worker's inbound channel.
type Command interface {
	isCommand()
}

// Seal asks the worker to encrypt an ordered batch of staged items. The
// passphrase travels instead of the derived key: raw key material is not
// assumed transport-safe across the isolation boundary, so the worker
// derives its own key locally from the passphrase and the persisted salt.
type Seal struct {
	Items      []staging.Item
	Passphrase string
}

func (Seal) isCommand() {}

// Reveal asks the worker to decrypt one artifact for on-demand viewing.
type Reveal struct {
	Path       string
	Passphrase string
}

func (Reveal) isCommand() {}

// Event is a message emitted on the worker's outbound channel.
type Event interface {
	isEvent()
}

// BatchStart precedes all item events of a batch.
type BatchStart struct{}

func (BatchStart) isEvent() {}

// BatchEnd follows all item events of a batch. It is always emitted, even
// when items fail: the coordinator relies on it to lift the processing veto.
type BatchEnd struct{}

func (BatchEnd) isEvent() {}

// Encrypting reports that work on an item has begun.
type Encrypting struct {
	ID       string
	Progress float64
}

func (Encrypting) isEvent() {}

// Sealed is the success terminal event for an item. ResidualOriginal is
// non-empty when the artifact was written but the plaintext original could
// not be purged; the seal still counts as a success.
type Sealed struct {
	ID               string
	Progress         float64
	ResidualOriginal string
}

func (Sealed) isEvent() {}

// ItemError is the failure terminal event for an item. It never aborts the
// remaining batch.
type ItemError struct {
	ID      string
	Message string
}

func (ItemError) isEvent() {}

// RevealOutcome distinguishes the reveal failure modes.
type RevealOutcome int

const (
	RevealOK RevealOutcome = iota
	RevealNotFound
	RevealAuthFailed
)

// String returns the outcome name.
func (o RevealOutcome) String() string {
	switch o {
	case RevealOK:
		return "ok"
	case RevealNotFound:
		return "not_found"
	case RevealAuthFailed:
		return "auth_failed"
	default:
		return "unknown"
	}
}

// RevealResult answers a Reveal command. Bytes is nil on any failure;
// Outcome tells missing apart from undecryptable for callers that care.
type RevealResult struct {
	Path    string
	Bytes   []byte
	Outcome RevealOutcome
}

func (RevealResult) isEvent() {}
