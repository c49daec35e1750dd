package staging

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quietbay/lockbox/pkg/policy"
)

func newTestStore(t *testing.T) (*Store, *policy.Flags, string) {
	t.Helper()
	flags := policy.NewFlags(10 * time.Millisecond)
	dir := filepath.Join(t.TempDir(), "holding")
	s, err := New(dir, flags, nil)
	require.NoError(t, err)
	return s, flags, dir
}

func writeSource(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, content, 0600))
	return path
}

func TestStageCopiesIntoHoldingDir(t *testing.T) {
	s, _, dir := newTestStore(t)
	src := writeSource(t, "photo.jpg", []byte("pixels"))

	n, err := s.Stage([]string{src})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	items := s.List()
	require.Len(t, items, 1)
	it := items[0]
	assert.Equal(t, "photo.jpg", it.DisplayName)
	assert.Equal(t, filepath.Join(dir, "photo.jpg"), it.StagedPath)
	assert.Equal(t, ItemID(it.StagedPath), it.ID)
	assert.Equal(t, int64(6), it.SizeBytes)
	assert.Equal(t, CategoryImage, it.Category)
	assert.Equal(t, StatusPending, it.Status)

	copied, err := os.ReadFile(it.StagedPath)
	require.NoError(t, err)
	assert.Equal(t, []byte("pixels"), copied)
}

func TestStageDuplicateSuppression(t *testing.T) {
	s, _, _ := newTestStore(t)
	src := writeSource(t, "photo.jpg", []byte("pixels"))

	n, err := s.Stage([]string{src, src})
	require.NoError(t, err)
	assert.Equal(t, 1, n, "same source twice in one call yields one item")

	n, err = s.Stage([]string{src})
	require.NoError(t, err)
	assert.Equal(t, 0, n, "restaging an already staged path is a no-op")
	assert.Len(t, s.List(), 1)
}

func TestStageSameBasenameDifferentDirsCollides(t *testing.T) {
	// Identity is the destination path; two sources with the same basename
	// resolve to one staged item.
	s, _, _ := newTestStore(t)
	a := writeSource(t, "note.txt", []byte("a"))
	b := writeSource(t, "note.txt", []byte("b"))

	n, err := s.Stage([]string{a, b})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStageMissingSourceSkipped(t *testing.T) {
	s, _, _ := newTestStore(t)
	good := writeSource(t, "doc.pdf", []byte("pdf"))

	n, err := s.Stage([]string{"/nonexistent/ghost.bin", good})
	require.NoError(t, err)
	assert.Equal(t, 1, n, "a failed copy is never staged, siblings still are")
	require.Len(t, s.List(), 1)
	assert.Equal(t, "doc.pdf", s.List()[0].DisplayName)
}

func TestListOrderIsStagingOrder(t *testing.T) {
	s, _, _ := newTestStore(t)
	first := writeSource(t, "a.txt", []byte("1"))
	second := writeSource(t, "b.txt", []byte("2"))
	third := writeSource(t, "c.txt", []byte("3"))

	_, err := s.Stage([]string{first, second, third})
	require.NoError(t, err)

	items := s.List()
	require.Len(t, items, 3)
	assert.Equal(t, "a.txt", items[0].DisplayName)
	assert.Equal(t, "b.txt", items[1].DisplayName)
	assert.Equal(t, "c.txt", items[2].DisplayName)
}

func TestRemoveDeletesCopyAndToleratesAbsence(t *testing.T) {
	s, _, _ := newTestStore(t)
	src := writeSource(t, "v.mp4", []byte("video"))
	_, err := s.Stage([]string{src})
	require.NoError(t, err)

	it := s.List()[0]
	require.NoError(t, s.Remove(it.ID))
	assert.NoFileExists(t, it.StagedPath)
	assert.Empty(t, s.List())

	// Removing again, or removing an item whose file vanished, is fine.
	require.NoError(t, s.Remove(it.ID))
}

func TestReconcileDropsGhostEntries(t *testing.T) {
	s, _, _ := newTestStore(t)
	keep := writeSource(t, "keep.txt", []byte("k"))
	lose := writeSource(t, "lose.txt", []byte("l"))
	_, err := s.Stage([]string{keep, lose})
	require.NoError(t, err)

	// External deletion of one staged copy.
	require.NoError(t, os.Remove(filepath.Join(s.Dir(), "lose.txt")))

	dropped := s.Reconcile()
	assert.Equal(t, 1, dropped)
	items := s.List()
	require.Len(t, items, 1)
	assert.Equal(t, "keep.txt", items[0].DisplayName)
}

func TestClearAllRespectsVeto(t *testing.T) {
	s, flags, _ := newTestStore(t)
	src := writeSource(t, "x.txt", []byte("x"))
	_, err := s.Stage([]string{src})
	require.NoError(t, err)

	flags.BeginProcessing()
	assert.ErrorIs(t, s.ClearAll(), policy.ErrVetoed)
	assert.Len(t, s.List(), 1, "vetoed clear must not touch the set")

	flags.EndProcessing()
	time.Sleep(30 * time.Millisecond)

	require.NoError(t, s.ClearAll())
	assert.Empty(t, s.List())

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries, "holding directory should be empty after clear")
}

func TestPurgeOrphansKeepsTrackedFiles(t *testing.T) {
	s, _, dir := newTestStore(t)
	src := writeSource(t, "tracked.txt", []byte("t"))
	_, err := s.Stage([]string{src})
	require.NoError(t, err)

	// Crash leftover: present on disk, absent from the in-memory set.
	orphan := filepath.Join(dir, "orphan.bin")
	require.NoError(t, os.WriteFile(orphan, []byte("stale"), 0600))

	purged, err := s.PurgeOrphans()
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
	assert.NoFileExists(t, orphan)
	assert.FileExists(t, filepath.Join(dir, "tracked.txt"))
}

func TestWorkerEventApplication(t *testing.T) {
	s, _, _ := newTestStore(t)
	src := writeSource(t, "p.png", []byte("png"))
	_, err := s.Stage([]string{src})
	require.NoError(t, err)
	id := s.List()[0].ID

	s.MarkEncrypting(id, 0.1)
	it, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, StatusEncrypting, it.Status)
	assert.InDelta(t, 0.1, it.Progress, 1e-9)

	s.MarkFailed(id, "disk full")
	it, _ = s.Get(id)
	assert.Equal(t, StatusError, it.Status)
	assert.Equal(t, "disk full", it.ErrorDetail)
	assert.Len(t, s.List(), 1, "failed items stay staged for retry")

	s.MarkSealed(id)
	_, ok = s.Get(id)
	assert.False(t, ok, "sealed items leave the set")
}

func TestCategoryOf(t *testing.T) {
	tests := []struct {
		path string
		want Category
	}{
		{"a.JPG", CategoryImage},
		{"b.mov", CategoryVideo},
		{"c.pdf", CategoryDocument},
		{"d.xyz", CategoryUnknown},
		{"noext", CategoryUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CategoryOf(tt.path), tt.path)
	}
}

func TestStripJPEGMetadata(t *testing.T) {
	seg := func(marker byte, payload []byte) []byte {
		b := []byte{0xFF, marker}
		var ln [2]byte
		binary.BigEndian.PutUint16(ln[:], uint16(len(payload)+2))
		b = append(b, ln[:]...)
		return append(b, payload...)
	}

	jpeg := []byte{0xFF, 0xD8}
	jpeg = append(jpeg, seg(0xE0, []byte("JFIF"))...)
	jpeg = append(jpeg, seg(0xE1, []byte("Exif..gps data"))...)
	jpeg = append(jpeg, seg(0xED, []byte("Photoshop 3.0"))...)
	jpeg = append(jpeg, seg(0xDB, []byte{1, 2, 3})...)
	jpeg = append(jpeg, 0xFF, 0xDA, 0x00, 0x02) // SOS
	jpeg = append(jpeg, []byte("entropy coded image data")...)

	stripped := StripJPEGMetadata(jpeg)
	assert.NotContains(t, string(stripped), "gps data")
	assert.NotContains(t, string(stripped), "Photoshop")
	assert.Contains(t, string(stripped), "JFIF", "non-metadata segments survive")
	assert.Contains(t, string(stripped), "entropy coded image data")

	// Non-JPEG input passes through untouched.
	plain := []byte("not a jpeg")
	assert.Equal(t, plain, StripJPEGMetadata(plain))
}
