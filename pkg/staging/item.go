// Package staging maintains the set of files queued for encryption, backed
// by a private persistent holding directory. Files are physically copied in
// on staging so they survive short suspensions of the host process; the
// holding directory, not the OS-volatile cache, is the durable area.
package staging

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
)

// Category classifies a staged file by extension.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryImage
	CategoryVideo
	CategoryDocument
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryImage:
		return "image"
	case CategoryVideo:
		return "video"
	case CategoryDocument:
		return "document"
	default:
		return "unknown"
	}
}

var categoryByExt = map[string]Category{
	".jpg": CategoryImage, ".jpeg": CategoryImage, ".png": CategoryImage,
	".gif": CategoryImage, ".webp": CategoryImage, ".heic": CategoryImage,
	".bmp": CategoryImage, ".tiff": CategoryImage,

	".mp4": CategoryVideo, ".mov": CategoryVideo, ".mkv": CategoryVideo,
	".avi": CategoryVideo, ".webm": CategoryVideo, ".m4v": CategoryVideo,

	".pdf": CategoryDocument, ".txt": CategoryDocument, ".md": CategoryDocument,
	".doc": CategoryDocument, ".docx": CategoryDocument, ".xls": CategoryDocument,
	".xlsx": CategoryDocument, ".csv": CategoryDocument, ".rtf": CategoryDocument,
}

// CategoryOf derives the category from the file extension.
func CategoryOf(path string) Category {
	ext := strings.ToLower(filepath.Ext(path))
	if c, ok := categoryByExt[ext]; ok {
		return c
	}
	return CategoryUnknown
}

// Status is the lifecycle state of a staged item.
type Status int

const (
	StatusPending Status = iota
	StatusEncrypting
	StatusSealed
	StatusError
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusEncrypting:
		return "encrypting"
	case StatusSealed:
		return "sealed"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Item is a file awaiting encryption. Two items are the same logical entity
// iff their IDs match; the ID is derived from the staged (destination) path,
// not from content, so an item serialized to the worker resolves back to the
// same entity on the coordinator.
type Item struct {
	ID            string   `json:"id"`
	SourcePath    string   `json:"source_path"`
	StagedPath    string   `json:"staged_path"`
	DisplayName   string   `json:"display_name"`
	SizeBytes     int64    `json:"size_bytes"`
	Category      Category `json:"category"`
	StripMetadata bool     `json:"strip_metadata"`
	Status        Status   `json:"status"`
	Progress      float64  `json:"progress"`
	ErrorDetail   string   `json:"error_detail,omitempty"`
}

// ItemID returns the stable identity for a staged path: the SHA-256 hex of
// the path string.
func ItemID(stagedPath string) string {
	h := sha256.Sum256([]byte(stagedPath))
	return hex.EncodeToString(h[:])
}
