package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quietbay/lockbox/pkg/crypto"
	"github.com/quietbay/lockbox/pkg/staging"
	"github.com/quietbay/lockbox/pkg/vault"
)

const testPassphrase = "abyss123"

type testRig struct {
	worker  *Worker
	store   *vault.Store
	salt    []byte
	staging string
	cancel  context.CancelFunc
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	salt, err := crypto.NewSalt()
	require.NoError(t, err)

	store, err := vault.New(filepath.Join(t.TempDir(), "vault"), nil)
	require.NoError(t, err)

	w := New(store, func() ([]byte, error) { return salt, nil }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	w.Start(ctx)

	select {
	case <-w.Ready():
	case <-time.After(time.Second):
		t.Fatal("worker handshake did not complete")
	}

	return &testRig{worker: w, store: store, salt: salt, staging: t.TempDir(), cancel: cancel}
}

func (r *testRig) stage(t *testing.T, name string, content []byte) staging.Item {
	t.Helper()
	path := filepath.Join(r.staging, name)
	require.NoError(t, os.WriteFile(path, content, 0600))
	return staging.Item{
		ID:          staging.ItemID(path),
		StagedPath:  path,
		DisplayName: name,
		SizeBytes:   int64(len(content)),
		Category:    staging.CategoryOf(name),
	}
}

// collectBatch drains events until BatchEnd and returns everything observed,
// BatchEnd included.
func collectBatch(t *testing.T, w *Worker) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(10 * time.Second)
	for {
		select {
		case e := <-w.Events():
			events = append(events, e)
			if _, done := e.(BatchEnd); done {
				return events
			}
		case <-deadline:
			t.Fatalf("timed out waiting for BatchEnd, got %d events", len(events))
		}
	}
}

func awaitReveal(t *testing.T, w *Worker) RevealResult {
	t.Helper()
	select {
	case e := <-w.Events():
		r, ok := e.(RevealResult)
		require.True(t, ok, "expected RevealResult, got %T", e)
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for RevealResult")
		return RevealResult{}
	}
}

func TestSubmitBeforeHandshakeFails(t *testing.T) {
	store, err := vault.New(filepath.Join(t.TempDir(), "vault"), nil)
	require.NoError(t, err)
	w := New(store, func() ([]byte, error) { return make([]byte, crypto.SaltLength), nil }, nil)

	// Not started: readiness future is incomplete.
	assert.ErrorIs(t, w.Submit(Seal{}), ErrNotReady)
}

func TestBatchEventOrdering(t *testing.T) {
	r := newTestRig(t)
	a := r.stage(t, "a.txt", []byte("first"))
	b := r.stage(t, "b.txt", []byte("second"))

	require.NoError(t, r.worker.Submit(Seal{Items: []staging.Item{a, b}, Passphrase: testPassphrase}))
	events := collectBatch(t, r.worker)

	require.Len(t, events, 6)
	assert.IsType(t, BatchStart{}, events[0])
	assert.Equal(t, Encrypting{ID: a.ID, Progress: EncryptingProgress}, events[1])
	assert.Equal(t, Sealed{ID: a.ID, Progress: 1.0}, events[2])
	assert.Equal(t, Encrypting{ID: b.ID, Progress: EncryptingProgress}, events[3])
	assert.Equal(t, Sealed{ID: b.ID, Progress: 1.0}, events[4])
	assert.IsType(t, BatchEnd{}, events[5])

	// Artifacts exist, originals purged.
	for _, item := range []staging.Item{a, b} {
		assert.FileExists(t, r.store.ArtifactPath(item.DisplayName))
		assert.NoFileExists(t, item.StagedPath)
	}
}

func TestEmptyBatchStillSignalsCompletion(t *testing.T) {
	r := newTestRig(t)

	require.NoError(t, r.worker.Submit(Seal{Passphrase: testPassphrase}))
	events := collectBatch(t, r.worker)

	require.Len(t, events, 2)
	assert.IsType(t, BatchStart{}, events[0])
	assert.IsType(t, BatchEnd{}, events[1])
}

func TestGhostFileReportsSealed(t *testing.T) {
	r := newTestRig(t)
	ghost := r.stage(t, "ghost.txt", []byte("soon gone"))
	require.NoError(t, os.Remove(ghost.StagedPath))

	require.NoError(t, r.worker.Submit(Seal{Items: []staging.Item{ghost}, Passphrase: testPassphrase}))
	events := collectBatch(t, r.worker)

	require.Len(t, events, 4)
	assert.Equal(t, Sealed{ID: ghost.ID, Progress: 1.0}, events[2],
		"a ghost file is reported sealed, not errored, so progress accounting holds")
	assert.NoFileExists(t, r.store.ArtifactPath("ghost.txt"), "no artifact for a skipped ghost")
}

func TestItemFailureDoesNotAbortBatch(t *testing.T) {
	r := newTestRig(t)

	// A directory as staged path: present (not a ghost) but unreadable as a
	// file, so sealing it fails.
	badPath := filepath.Join(r.staging, "bad")
	require.NoError(t, os.Mkdir(badPath, 0700))
	bad := staging.Item{ID: staging.ItemID(badPath), StagedPath: badPath, DisplayName: "bad"}

	good := r.stage(t, "good.txt", []byte("fine"))

	require.NoError(t, r.worker.Submit(Seal{Items: []staging.Item{bad, good}, Passphrase: testPassphrase}))
	events := collectBatch(t, r.worker)

	// start, enc(bad), error(bad), enc(good), sealed(good), end
	require.Len(t, events, 6)
	itemErr, ok := events[2].(ItemError)
	require.True(t, ok, "expected ItemError, got %T", events[2])
	assert.Equal(t, bad.ID, itemErr.ID)
	assert.NotEmpty(t, itemErr.Message)

	assert.Equal(t, Sealed{ID: good.ID, Progress: 1.0}, events[4],
		"one failing item must not block sibling files")
	assert.IsType(t, BatchEnd{}, events[5], "terminal signal fires despite the failure")
}

func TestRevealRoundTrip(t *testing.T) {
	r := newTestRig(t)
	item := r.stage(t, "secret.pdf", []byte("contract body"))

	require.NoError(t, r.worker.Submit(Seal{Items: []staging.Item{item}, Passphrase: testPassphrase}))
	collectBatch(t, r.worker)

	path := r.store.ArtifactPath("secret.pdf")
	require.NoError(t, r.worker.Submit(Reveal{Path: path, Passphrase: testPassphrase}))

	res := awaitReveal(t, r.worker)
	assert.Equal(t, RevealOK, res.Outcome)
	assert.Equal(t, path, res.Path)
	assert.Equal(t, []byte("contract body"), res.Bytes)
}

func TestRevealMissingArtifact(t *testing.T) {
	r := newTestRig(t)

	path := r.store.ArtifactPath("never-existed")
	require.NoError(t, r.worker.Submit(Reveal{Path: path, Passphrase: testPassphrase}))

	res := awaitReveal(t, r.worker)
	assert.Equal(t, RevealNotFound, res.Outcome)
	assert.Nil(t, res.Bytes)
}

func TestRevealWrongPassphrase(t *testing.T) {
	r := newTestRig(t)
	item := r.stage(t, "x.txt", []byte("x"))
	require.NoError(t, r.worker.Submit(Seal{Items: []staging.Item{item}, Passphrase: testPassphrase}))
	collectBatch(t, r.worker)

	require.NoError(t, r.worker.Submit(Reveal{
		Path:       r.store.ArtifactPath("x.txt"),
		Passphrase: "not the passphrase",
	}))

	res := awaitReveal(t, r.worker)
	assert.Equal(t, RevealAuthFailed, res.Outcome)
	assert.Nil(t, res.Bytes, "failure keeps bytes nil; the outcome tag carries the detail")
}

func TestWorkerRederivesSameKeyAsCoordinator(t *testing.T) {
	r := newTestRig(t)
	item := r.stage(t, "shared.txt", []byte("cross-context"))

	require.NoError(t, r.worker.Submit(Seal{Items: []staging.Item{item}, Passphrase: testPassphrase}))
	collectBatch(t, r.worker)

	// Coordinator-side derivation from the same passphrase+salt can read
	// what the worker wrote.
	key := crypto.DeriveKey([]byte(testPassphrase), r.salt)
	plaintext, err := r.store.Decrypt(r.store.ArtifactPath("shared.txt"), key)
	require.NoError(t, err)
	assert.Equal(t, []byte("cross-context"), plaintext)
}
