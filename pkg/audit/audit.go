// Package audit provides tamper-evident logging of engine operations.
//
// Events are appended as JSONL with an HMAC chain: each record's HMAC covers
// the previous record's hash, so truncation or edits anywhere in the file
// break verification. The HMAC key is derived from the session key via HKDF
// and lives only in memory; before a key is set, logging is a silent no-op
// (the vault is locked, nothing sensitive is happening).
package audit

import (
	"bufio"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

// Operation types.
const (
	OpUnlock        = "vault.unlock"
	OpUnlockFailed  = "vault.unlock_failed"
	OpLock          = "vault.lock"
	OpItemStaged    = "item.staged"
	OpItemSealed    = "item.sealed"
	OpItemRevealed  = "item.revealed"
	OpStagingClear  = "staging.cleared"
	OpArtifactPurge = "artifact.deleted"
)

// Results.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

const (
	logFileName   = "audit.jsonl"
	chainFileName = "chain.json"
	hkdfInfo      = "lockbox-audit-hmac"

	FileMode = 0600
	DirMode  = 0700
)

// Event is one audit record.
type Event struct {
	Version   int    `json:"v"`
	ID        string `json:"id"`
	Timestamp string `json:"ts"`
	Operation string `json:"op"`
	Item      string `json:"item,omitempty"`
	SessionID string `json:"session_id"`
	Result    string `json:"result"`
	Detail    string `json:"detail,omitempty"`
	Chain     Chain  `json:"chain"`
}

// Chain links an event to its predecessor for tamper detection.
type Chain struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
	HMAC     string `json:"hmac"`
}

// chainState is the persisted tail of the chain.
type chainState struct {
	Sequence int64  `json:"sequence"`
	PrevHash string `json:"prev_hash"`
}

// Logger appends HMAC-chained events. Safe for concurrent use.
type Logger struct {
	mu        sync.Mutex
	dir       string
	hmacKey   []byte
	sequence  int64
	prevHash  string
	sessionID string
}

// NewLogger returns a logger writing under dir. No key is set yet; Log is a
// no-op until SetHMACKey.
func NewLogger(dir string) *Logger {
	return &Logger{
		dir:       dir,
		sessionID: uuid.NewString(),
	}
}

// SetHMACKey derives the audit HMAC key from the session key and loads the
// persisted chain tail. Called on unlock.
func (l *Logger) SetHMACKey(sessionKey []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r := hkdf.New(sha256.New, sessionKey, nil, []byte(hkdfInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return fmt.Errorf("audit: failed to derive HMAC key: %w", err)
	}
	l.hmacKey = key
	return l.loadChainStateLocked()
}

// ClearHMACKey drops the in-memory key. Called on lock; subsequent Log
// calls no-op again.
func (l *Logger) ClearHMACKey() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hmacKey = nil
}

// Log appends one event. Best-effort by design: audit failures must never
// block a vault operation, so callers typically ignore the error beyond a
// warning.
func (l *Logger) Log(op, result, item, detail string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hmacKey == nil {
		return nil
	}

	event := &Event{
		Version:   1,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Operation: op,
		Item:      item,
		SessionID: l.sessionID,
		Result:    result,
	}
	event.Detail = detail
	event.Chain = Chain{
		Sequence: l.sequence + 1,
		PrevHash: l.prevHash,
	}
	event.Chain.HMAC = l.computeHMAC(event)

	if err := l.appendLocked(event); err != nil {
		return err
	}

	l.sequence = event.Chain.Sequence
	l.prevHash = hashEvent(event)
	return l.saveChainStateLocked()
}

// LogSuccess appends a success event.
func (l *Logger) LogSuccess(op, item string) error {
	return l.Log(op, ResultSuccess, item, "")
}

// LogError appends an error event.
func (l *Logger) LogError(op, item, detail string) error {
	return l.Log(op, ResultError, item, detail)
}

// VerifyResult summarizes a chain verification pass.
type VerifyResult struct {
	Events     int
	FirstBreak int64 // sequence of the first broken link, 0 if intact
	Intact     bool
}

// Verify recomputes the HMAC chain over the whole log file.
func (l *Logger) Verify() (*VerifyResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hmacKey == nil {
		return nil, fmt.Errorf("audit: no HMAC key set")
	}

	events, err := l.readAllLocked()
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{Events: len(events), Intact: true}
	prevHash := ""
	for i := range events {
		e := &events[i]
		if e.Chain.PrevHash != prevHash || e.Chain.HMAC != l.computeHMAC(e) {
			result.Intact = false
			result.FirstBreak = e.Chain.Sequence
			return result, nil
		}
		prevHash = hashEvent(e)
	}
	return result, nil
}

// List returns up to limit most recent events, newest last.
func (l *Logger) List(limit int) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	events, err := l.readAllLocked()
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

// computeHMAC covers the stable record fields plus the chain link.
func (l *Logger) computeHMAC(e *Event) string {
	h := hmac.New(sha256.New, l.hmacKey)
	fmt.Fprintf(h, "%d|%s|%s|%s|%s|%s|%s|%d|%s",
		e.Version, e.ID, e.Timestamp, e.Operation, e.Item, e.Result, e.Detail,
		e.Chain.Sequence, e.Chain.PrevHash)
	return hex.EncodeToString(h.Sum(nil))
}

func hashEvent(e *Event) string {
	data, _ := json.Marshal(e)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (l *Logger) appendLocked(e *Event) error {
	if err := os.MkdirAll(l.dir, DirMode); err != nil {
		return fmt.Errorf("audit: failed to create directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(l.dir, logFileName),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, FileMode)
	if err != nil {
		return fmt.Errorf("audit: failed to open log: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal event: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("audit: failed to append event: %w", err)
	}
	return nil
}

func (l *Logger) readAllLocked() ([]Event, error) {
	f, err := os.Open(filepath.Join(l.dir, logFileName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: failed to open log: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("audit: corrupt log line: %w", err)
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: failed to read log: %w", err)
	}
	return events, nil
}

func (l *Logger) loadChainStateLocked() error {
	data, err := os.ReadFile(filepath.Join(l.dir, chainFileName))
	if os.IsNotExist(err) {
		l.sequence = 0
		l.prevHash = ""
		return nil
	}
	if err != nil {
		return fmt.Errorf("audit: failed to read chain state: %w", err)
	}

	var state chainState
	if err := json.Unmarshal(data, &state); err != nil {
		// Corrupt chain state: restart the chain rather than refuse to log.
		l.sequence = 0
		l.prevHash = ""
		return nil
	}
	l.sequence = state.Sequence
	l.prevHash = state.PrevHash
	return nil
}

func (l *Logger) saveChainStateLocked() error {
	if err := os.MkdirAll(l.dir, DirMode); err != nil {
		return fmt.Errorf("audit: failed to create directory: %w", err)
	}
	data, err := json.Marshal(chainState{Sequence: l.sequence, PrevHash: l.prevHash})
	if err != nil {
		return fmt.Errorf("audit: failed to marshal chain state: %w", err)
	}
	if err := os.WriteFile(filepath.Join(l.dir, chainFileName), data, FileMode); err != nil {
		return fmt.Errorf("audit: failed to write chain state: %w", err)
	}
	return nil
}
