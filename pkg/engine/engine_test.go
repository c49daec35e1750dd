package engine

import (
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quietbay/lockbox/pkg/credstore"
	"github.com/quietbay/lockbox/pkg/crypto"
	"github.com/quietbay/lockbox/pkg/policy"
	"github.com/quietbay/lockbox/pkg/staging"
	"github.com/quietbay/lockbox/pkg/worker"
)

const (
	testPassphrase = "abyss123"
	testSettle     = 10 * time.Millisecond
)

type testEnv struct {
	engine     *Engine
	stagingDir string
	sourceDir  string
	locked     *atomic.Int32
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	root := t.TempDir()
	stagingDir := filepath.Join(root, "staging")
	var locked atomic.Int32

	e, err := New(Options{
		VaultRoot:    filepath.Join(root, "vault"),
		StagingDir:   stagingDir,
		IdleTimeout:  time.Minute,
		LockDebounce: time.Minute,
		SettleDelay:  testSettle,
		OnLocked:     func() { locked.Add(1) },
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, e.Start(ctx))

	return &testEnv{
		engine:     e,
		stagingDir: stagingDir,
		sourceDir:  filepath.Join(root, "source"),
		locked:     &locked,
	}
}

func (env *testEnv) setupAndUnlock(t *testing.T) {
	t.Helper()
	first, err := env.engine.IsFirstTimeUser()
	require.NoError(t, err)
	require.True(t, first)
	require.NoError(t, env.engine.SetupPassphrase(testPassphrase, "deep place"))
}

// writeSource creates a plaintext file of the given size outside staging.
func (env *testEnv) writeSource(t *testing.T, name string, size int) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(env.sourceDir, 0700))
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	path := filepath.Join(env.sourceDir, name)
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

func (env *testEnv) commitAndWait(t *testing.T) {
	t.Helper()
	done, err := env.engine.CommitBatch()
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("batch did not complete")
	}
}

func stagingEntries(t *testing.T, dir string) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	return entries
}

func TestSealBatchEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	env.setupAndUnlock(t)

	src := env.writeSource(t, "photo.jpg", 2048)
	n, err := env.engine.Stage([]string{src})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, env.engine.StagedItems(), 1)

	env.commitAndWait(t)

	// The staged item is consumed and its holding-area copy purged.
	assert.Empty(t, env.engine.StagedItems())
	assert.Empty(t, stagingEntries(t, env.stagingDir))

	artifacts, err := env.engine.Artifacts()
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "photo.jpg", artifacts[0].Name)
	assert.EqualValues(t, crypto.NonceLength+2048+crypto.TagLength, artifacts[0].SizeBytes)
}

func TestStageRequiresUnlock(t *testing.T) {
	env := newTestEnv(t)
	env.setupAndUnlock(t)
	require.NoError(t, env.engine.Lock())

	src := env.writeSource(t, "doc.pdf", 128)
	_, err := env.engine.Stage([]string{src})
	assert.ErrorIs(t, err, ErrNotUnlocked)

	_, err = env.engine.CommitBatch()
	assert.ErrorIs(t, err, ErrNotUnlocked)
}

func TestWrongPassphraseCountsFailure(t *testing.T) {
	env := newTestEnv(t)
	env.setupAndUnlock(t)
	require.NoError(t, env.engine.Lock())

	assert.ErrorIs(t, env.engine.Unlock("wrong"), ErrInvalidPassphrase)
	attempts, err := env.engine.FailedAttempts()
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)

	require.NoError(t, env.engine.Unlock(testPassphrase))
	attempts, err = env.engine.FailedAttempts()
	require.NoError(t, err)
	assert.Equal(t, 0, attempts, "successful unlock must reset the counter")
}

func TestLockoutFastFailsCorrectPassphrase(t *testing.T) {
	env := newTestEnv(t)
	env.setupAndUnlock(t)
	require.NoError(t, env.engine.Lock())

	for i := 0; i < credstore.LockoutThreshold1-1; i++ {
		assert.ErrorIs(t, env.engine.Unlock("wrong"), ErrInvalidPassphrase)
	}
	assert.ErrorIs(t, env.engine.Unlock("wrong"), credstore.ErrLockedOut)

	// During the window even the correct passphrase is refused without
	// consulting the verifier.
	assert.ErrorIs(t, env.engine.Unlock(testPassphrase), credstore.ErrLockedOut)
	assert.Greater(t, env.engine.RemainingLockout(), time.Duration(0))
}

func TestLockClearsSessionAndStaging(t *testing.T) {
	env := newTestEnv(t)
	env.setupAndUnlock(t)
	require.True(t, env.engine.IsUnlocked())
	require.False(t, env.engine.ActiveSince().IsZero())

	src := env.writeSource(t, "note.txt", 64)
	_, err := env.engine.Stage([]string{src})
	require.NoError(t, err)

	require.NoError(t, env.engine.Lock())
	assert.False(t, env.engine.IsUnlocked())
	assert.True(t, env.engine.ActiveSince().IsZero())
	assert.EqualValues(t, 1, env.locked.Load(), "OnLocked callback must fire once")
	assert.Empty(t, stagingEntries(t, env.stagingDir), "plaintext copies must not survive a lock")
}

func TestSystemDialogVetoBlocksExplicitLock(t *testing.T) {
	env := newTestEnv(t)
	env.setupAndUnlock(t)

	env.engine.BeginSystemDialog()
	assert.ErrorIs(t, env.engine.Lock(), policy.ErrVetoed)
	assert.True(t, env.engine.IsUnlocked(), "session key must survive a vetoed lock")

	env.engine.EndSystemDialog()
	time.Sleep(3 * testSettle)
	require.NoError(t, env.engine.Lock())
	assert.False(t, env.engine.IsUnlocked())
}

func TestSingleBatchAtATime(t *testing.T) {
	env := newTestEnv(t)
	env.setupAndUnlock(t)

	src := env.writeSource(t, "a.bin", 256)
	_, err := env.engine.Stage([]string{src})
	require.NoError(t, err)

	done, err := env.engine.CommitBatch()
	require.NoError(t, err)
	_, err = env.engine.CommitBatch()
	assert.ErrorIs(t, err, ErrBatchInFlight)

	<-done

	// The slot frees at BatchEnd, so recommitting inside the previous
	// batch's settle window is legal; the fresh veto must survive the old
	// settle timer.
	done, err = env.engine.CommitBatch()
	require.NoError(t, err)
	<-done
}

func TestCloseRunsLockEffectsOnce(t *testing.T) {
	env := newTestEnv(t)
	env.setupAndUnlock(t)

	require.NoError(t, env.engine.Close())
	assert.False(t, env.engine.IsUnlocked())
	assert.EqualValues(t, 1, env.locked.Load())

	require.NoError(t, env.engine.Close())
	time.Sleep(3 * testSettle)
	assert.EqualValues(t, 1, env.locked.Load(),
		"repeated close must not re-run the lock transition")
}

func TestRevealRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.setupAndUnlock(t)

	original, err := os.ReadFile(env.writeSource(t, "secret.png", 512))
	require.NoError(t, err)
	src := filepath.Join(env.sourceDir, "secret.png")
	_, err = env.engine.Stage([]string{src})
	require.NoError(t, err)
	env.commitAndWait(t)

	ch, err := env.engine.Reveal(env.engine.ArtifactPath("secret.png"))
	require.NoError(t, err)

	select {
	case res := <-ch:
		assert.Equal(t, worker.RevealOK, res.Outcome)
		assert.Equal(t, original, res.Bytes)
	case <-time.After(30 * time.Second):
		t.Fatal("reveal did not complete")
	}
}

func TestRevealMissingArtifact(t *testing.T) {
	env := newTestEnv(t)
	env.setupAndUnlock(t)

	ch, err := env.engine.Reveal(env.engine.ArtifactPath("ghost.jpg"))
	require.NoError(t, err)

	select {
	case res := <-ch:
		assert.Equal(t, worker.RevealNotFound, res.Outcome)
		assert.Nil(t, res.Bytes)
	case <-time.After(30 * time.Second):
		t.Fatal("reveal did not complete")
	}
}

func TestDeleteArtifact(t *testing.T) {
	env := newTestEnv(t)
	env.setupAndUnlock(t)

	src := env.writeSource(t, "old.mov", 1024)
	_, err := env.engine.Stage([]string{src})
	require.NoError(t, err)
	env.commitAndWait(t)

	artifacts, err := env.engine.Artifacts()
	require.NoError(t, err)
	require.Len(t, artifacts, 1)

	require.NoError(t, env.engine.DeleteArtifact(artifacts[0].Path))
	artifacts, err = env.engine.Artifacts()
	require.NoError(t, err)
	assert.Empty(t, artifacts)
}

func TestDiscardAndClearStaging(t *testing.T) {
	env := newTestEnv(t)
	env.setupAndUnlock(t)

	a := env.writeSource(t, "a.txt", 32)
	b := env.writeSource(t, "b.txt", 32)
	_, err := env.engine.Stage([]string{a, b})
	require.NoError(t, err)

	items := env.engine.StagedItems()
	require.Len(t, items, 2)
	require.NoError(t, env.engine.DiscardStaged(items[0].ID))
	assert.Len(t, env.engine.StagedItems(), 1)

	require.NoError(t, env.engine.ClearStaging())
	assert.Empty(t, env.engine.StagedItems())
	assert.Empty(t, stagingEntries(t, env.stagingDir))
}

func TestUnlockPurgesOrphans(t *testing.T) {
	env := newTestEnv(t)

	// A crash leftover: a file in the holding directory nobody tracks.
	require.NoError(t, os.WriteFile(filepath.Join(env.stagingDir, "leftover.raw"),
		[]byte("stale"), 0600))

	env.setupAndUnlock(t)
	assert.Empty(t, stagingEntries(t, env.stagingDir))
}

func TestAuditChainRecordsBatch(t *testing.T) {
	env := newTestEnv(t)
	env.setupAndUnlock(t)

	src := env.writeSource(t, "ledger.csv", 100)
	_, err := env.engine.Stage([]string{src})
	require.NoError(t, err)
	env.commitAndWait(t)

	res, err := env.engine.AuditLog().Verify()
	require.NoError(t, err)
	assert.True(t, res.Intact)
	assert.GreaterOrEqual(t, res.Events, 3, "unlock, stage and seal must all be recorded")
}

func TestStripMetadataFlagFlowsThroughSeal(t *testing.T) {
	env := newTestEnv(t)
	env.setupAndUnlock(t)

	// Minimal JPEG: SOI + APP1 segment + SOS marker.
	jpeg := []byte{
		0xFF, 0xD8,
		0xFF, 0xE1, 0x00, 0x06, 'E', 'x', 'i', 'f',
		0xFF, 0xDA, 0x01, 0x02,
	}
	require.NoError(t, os.MkdirAll(env.sourceDir, 0700))
	src := filepath.Join(env.sourceDir, "pic.jpg")
	require.NoError(t, os.WriteFile(src, jpeg, 0600))

	_, err := env.engine.Stage([]string{src})
	require.NoError(t, err)
	items := env.engine.StagedItems()
	require.Len(t, items, 1)
	require.Equal(t, staging.CategoryImage, items[0].Category)
	env.engine.SetStripMetadata(items[0].ID, true)

	env.commitAndWait(t)

	ch, err := env.engine.Reveal(env.engine.ArtifactPath("pic.jpg"))
	require.NoError(t, err)
	res := <-ch
	require.Equal(t, worker.RevealOK, res.Outcome)
	assert.Equal(t, staging.StripJPEGMetadata(jpeg), res.Bytes)
	assert.Less(t, len(res.Bytes), len(jpeg), "APP1 segment should be gone")
}
