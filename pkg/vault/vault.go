// Package vault is the durable encrypted-object store: sealed artifacts
// written atomically to the vault directory, listed newest first, decrypted
// on demand, and removed with a best-effort secure delete.
package vault

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/quietbay/lockbox/pkg/crypto"
	"github.com/quietbay/lockbox/pkg/staging"
)

// Constants
const (
	// SealedExt is the extension of sealed artifacts.
	SealedExt = ".lbx"

	FileMode = 0600 // Owner read/write only
	DirMode  = 0700 // Owner read/write/execute only

	// MinDiskSpaceBytes is the free-space floor below which writes refuse.
	MinDiskSpaceBytes = 10 * 1024 * 1024

	// minArtifactSize is the smallest readable envelope: nonce + GCM tag.
	minArtifactSize = crypto.NonceLength + crypto.TagLength
)

// Errors
var (
	ErrArtifactNotFound = errors.New("vault: artifact not found")
	ErrInsufficientDisk = errors.New("vault: insufficient disk space")
)

// Artifact is the metadata of one sealed file in the vault directory.
type Artifact struct {
	Name      string    `json:"name"` // display name without SealedExt
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	ModTime   time.Time `json:"mod_time"`
}

// DiskSpaceInfo contains disk usage information for the vault directory.
type DiskSpaceInfo struct {
	Total     uint64 `json:"total"`
	Free      uint64 `json:"free"`
	Available uint64 `json:"available"`
	UsedPct   int    `json:"used_pct"`
}

// Store manages the vault directory. Both the coordinator and the worker
// hold a Store over the same directory; NotFound races between them are
// benign and callers treat them as such.
type Store struct {
	dir string
	log *zap.Logger
}

// New creates the vault directory if needed.
func New(dir string, log *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, DirMode); err != nil {
		return nil, fmt.Errorf("vault: failed to create vault directory: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{dir: dir, log: log}, nil
}

// Dir returns the vault directory path.
func (s *Store) Dir() string {
	return s.dir
}

// ArtifactPath returns where the artifact for a display name lives.
func (s *Store) ArtifactPath(displayName string) string {
	return filepath.Join(s.dir, displayName+SealedExt)
}

// Seal reads the staged copy, encrypts it, writes the envelope atomically to
// the vault directory, then purges the staged original.
//
// If encryption and the artifact write succeed but the purge fails, Seal
// still reports success and returns residual=true: the encrypted artifact is
// authoritative and must never be lost to a cleanup failure. The residual
// original is logged for later cleanup.
func (s *Store) Seal(item staging.Item, key []byte) (residual bool, err error) {
	data, err := os.ReadFile(item.StagedPath)
	if err != nil {
		return false, fmt.Errorf("vault: failed to read staged file: %w", err)
	}

	if item.StripMetadata && item.Category == staging.CategoryImage {
		data = staging.StripJPEGMetadata(data)
	}

	envelope, err := crypto.EncryptEnvelope(key, data)
	if err != nil {
		return false, err
	}

	if err := s.checkDiskSpaceForWrite(len(envelope)); err != nil {
		return false, err
	}

	if err := writeFileAtomic(s.ArtifactPath(item.DisplayName), envelope); err != nil {
		return false, err
	}

	if err := s.PurgeOriginal(item.StagedPath); err != nil {
		s.log.Warn("sealed artifact written but original not purged",
			zap.String("original", item.StagedPath), zap.Error(err))
		return true, nil
	}
	return false, nil
}

// PurgeOriginal deletes a plaintext original. On platforms where the file
// may still be memory-mapped or handle-locked, a failed delete is retried
// once as truncate-then-delete. Best-effort: callers treat failure here as
// non-fatal.
func (s *Store) PurgeOriginal(path string) error {
	err := os.Remove(path)
	if err == nil || os.IsNotExist(err) {
		return nil
	}

	if terr := os.Truncate(path, 0); terr != nil {
		return fmt.Errorf("vault: failed to purge original: %w", err)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("vault: failed to purge truncated original: %w", err)
	}
	return nil
}

// List returns artifact metadata sorted by modification time descending.
// Artifacts too short to contain a nonce and tag are unreadable and excluded
// from the listing rather than surfaced as errors.
func (s *Store) List() ([]Artifact, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to read vault directory: %w", err)
	}

	artifacts := make([]Artifact, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), SealedExt) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info: benign race.
			continue
		}
		if info.Size() < minArtifactSize {
			s.log.Warn("skipping corrupt artifact", zap.String("name", e.Name()),
				zap.Int64("size", info.Size()))
			continue
		}
		artifacts = append(artifacts, Artifact{
			Name:      strings.TrimSuffix(e.Name(), SealedExt),
			Path:      filepath.Join(s.dir, e.Name()),
			SizeBytes: info.Size(),
			ModTime:   info.ModTime(),
		})
	}

	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].ModTime.After(artifacts[j].ModTime)
	})
	return artifacts, nil
}

// Decrypt reads and decrypts an artifact for on-demand viewing. Callers
// with non-trivial file sizes go through the background worker rather than
// calling this on the primary context.
func (s *Store) Decrypt(path string, key []byte) ([]byte, error) {
	envelope, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrArtifactNotFound
		}
		return nil, fmt.Errorf("vault: failed to read artifact: %w", err)
	}
	return crypto.DecryptEnvelope(key, envelope)
}

// SecureDelete overwrites the file with zero bytes of the same length,
// flushes, then deletes. If the overwrite fails the plain delete still runs;
// the delete is never left un-attempted.
func (s *Store) SecureDelete(path string) error {
	if info, err := os.Stat(path); err == nil {
		if f, err := os.OpenFile(path, os.O_WRONLY, FileMode); err == nil {
			zeros := make([]byte, info.Size())
			if _, werr := f.Write(zeros); werr == nil {
				_ = f.Sync()
			} else {
				s.log.Warn("secure overwrite failed, falling back to plain delete",
					zap.String("path", path), zap.Error(werr))
			}
			f.Close()
		}
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("vault: failed to delete: %w", err)
	}
	return nil
}

// checkDiskSpaceForWrite verifies the write fits without dropping below the
// free-space floor. Stat failures are ignored; refusing to seal because the
// platform could not report disk stats would be worse than trying.
func (s *Store) checkDiskSpaceForWrite(size int) error {
	info, err := s.CheckDiskSpace()
	if err != nil {
		return nil
	}
	if info.Available < uint64(size)+MinDiskSpaceBytes {
		return fmt.Errorf("%w: %d bytes available", ErrInsufficientDisk, info.Available)
	}
	return nil
}

// writeFileAtomic writes data to a temp file in the destination directory
// and renames it into place, so a crash never leaves a partial artifact.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".seal-*")
	if err != nil {
		return fmt.Errorf("vault: failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("vault: failed to write artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("vault: failed to sync artifact: %w", err)
	}
	if err := tmp.Chmod(FileMode); err != nil {
		cleanup()
		return fmt.Errorf("vault: failed to set artifact permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("vault: failed to close artifact: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("vault: failed to rename artifact into place: %w", err)
	}
	return nil
}
