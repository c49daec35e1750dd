package staging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/quietbay/lockbox/pkg/policy"
)

const (
	// FileMode for staged copies: owner read/write only.
	FileMode = 0600
	// DirMode for the holding directory: owner only.
	DirMode = 0700
)

// Store tracks the staged items and their physical copies in the holding
// directory. The in-memory set and the directory are reconciled lazily:
// callers invoke Reconcile before trusting List for display or before
// committing a batch to the worker.
type Store struct {
	dir   string
	flags *policy.Flags
	log   *zap.Logger

	mu    sync.Mutex
	order []string
	items map[string]*Item
}

// New creates the holding directory if needed and returns an empty store.
func New(dir string, flags *policy.Flags, log *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, DirMode); err != nil {
		return nil, fmt.Errorf("staging: failed to create holding directory: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		dir:   dir,
		flags: flags,
		log:   log,
		items: make(map[string]*Item),
	}, nil
}

// Dir returns the holding directory path.
func (s *Store) Dir() string {
	return s.dir
}

// Stage copies each candidate into the holding directory and tracks it,
// returning how many were actually staged. A candidate whose destination
// path is already staged is skipped silently (duplicate suppression is by
// destination path, not content). A candidate whose copy fails is never
// tracked.
func (s *Store) Stage(candidatePaths []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := 0
	for _, src := range candidatePaths {
		// NFC-normalize the basename so the same file staged from volumes
		// with different unicode forms lands on one destination path.
		displayName := norm.NFC.String(filepath.Base(src))
		dest := filepath.Join(s.dir, displayName)
		id := ItemID(dest)

		if _, dup := s.items[id]; dup {
			continue
		}

		size, err := copyFile(src, dest)
		if err != nil {
			s.log.Warn("staging copy failed, item skipped",
				zap.String("source", src), zap.Error(err))
			continue
		}

		s.items[id] = &Item{
			ID:          id,
			SourcePath:  src,
			StagedPath:  dest,
			DisplayName: displayName,
			SizeBytes:   size,
			Category:    CategoryOf(displayName),
			Status:      StatusPending,
		}
		s.order = append(s.order, id)
		staged++
	}
	return staged, nil
}

// SetStripMetadata flags an item for metadata stripping before encryption.
func (s *Store) SetStripMetadata(id string, strip bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.items[id]; ok {
		it.StripMetadata = strip
	}
}

// List returns a read-only snapshot of all items in staging order.
func (s *Store) List() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(func(*Item) bool { return true })
}

// Pending returns a snapshot of items still awaiting encryption, in staging
// order. This is the batch the coordinator submits to the worker.
func (s *Store) Pending() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(func(it *Item) bool { return it.Status == StatusPending })
}

// Get returns a snapshot of one item.
func (s *Store) Get(id string) (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return Item{}, false
	}
	return *it, true
}

// Remove discards an item: the in-memory entry and its holding-area copy.
// Tolerates the file already being absent.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return nil
	}
	if err := os.Remove(it.StagedPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("staging: failed to remove staged copy: %w", err)
	}
	s.dropLocked(id)
	return nil
}

// Reconcile drops any item whose physical file no longer exists, handling
// external deletion and cross-context races. Returns how many were dropped.
func (s *Store) Reconcile() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for _, id := range append([]string(nil), s.order...) {
		it := s.items[id]
		if _, err := os.Stat(it.StagedPath); os.IsNotExist(err) {
			s.dropLocked(id)
			dropped++
		}
	}
	return dropped
}

// ClearAll removes every item and its physical copy. Refuses with
// policy.ErrVetoed while a batch is processing or a system dialog is open.
func (s *Store) ClearAll() error {
	if s.flags != nil && s.flags.Vetoed() {
		return policy.ErrVetoed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range append([]string(nil), s.order...) {
		it := s.items[id]
		if err := os.Remove(it.StagedPath); err != nil && !os.IsNotExist(err) {
			s.log.Warn("failed to remove staged copy during clear",
				zap.String("path", it.StagedPath), zap.Error(err))
		}
		s.dropLocked(id)
	}
	return nil
}

// PurgeOrphans deletes files present in the holding directory but not
// tracked in memory: leftovers from a crash mid-batch. A tracked file is
// never deleted, which keeps this safe to run concurrently with a batch.
func (s *Store) PurgeOrphans() (int, error) {
	s.mu.Lock()
	tracked := make(map[string]bool, len(s.items))
	for _, it := range s.items {
		tracked[filepath.Base(it.StagedPath)] = true
	}
	s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("staging: failed to read holding directory: %w", err)
	}

	purged := 0
	for _, e := range entries {
		if e.IsDir() || tracked[e.Name()] {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil && !os.IsNotExist(err) {
			s.log.Warn("failed to purge orphan", zap.String("name", e.Name()), zap.Error(err))
			continue
		}
		purged++
	}
	return purged, nil
}

// MarkEncrypting applies a worker progress event.
func (s *Store) MarkEncrypting(id string, progress float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.items[id]; ok {
		it.Status = StatusEncrypting
		it.Progress = progress
	}
}

// MarkSealed applies a worker sealed event. The staged copy is already gone
// (the worker purged it after writing the artifact), so only the in-memory
// entry is dropped.
func (s *Store) MarkSealed(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.items[id]; ok {
		it.Status = StatusSealed
		it.Progress = 1.0
		s.dropLocked(id)
	}
}

// MarkFailed applies a worker error event. The item stays staged so the
// user can retry or discard it.
func (s *Store) MarkFailed(id, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.items[id]; ok {
		it.Status = StatusError
		it.ErrorDetail = detail
	}
}

func (s *Store) snapshotLocked(keep func(*Item) bool) []Item {
	out := make([]Item, 0, len(s.order))
	for _, id := range s.order {
		if it := s.items[id]; keep(it) {
			out = append(out, *it)
		}
	}
	return out
}

func (s *Store) dropLocked(id string) {
	delete(s.items, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// copyFile copies src to dest with restrictive permissions, returning the
// number of bytes copied. A partial copy is removed before returning.
func copyFile(src, dest string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, FileMode)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		os.Remove(dest)
		return 0, err
	}
	if err := out.Close(); err != nil {
		os.Remove(dest)
		return 0, err
	}
	return n, nil
}
