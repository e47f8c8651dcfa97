// Package blobstore manages the on-disk attachment tree: sharded placement
// under a single root, free-space admission control, retrieval and
// idempotent deletion. Paths handed out are relative to the root so the
// tree can be relocated; the metadata store persists them verbatim.
package blobstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInsufficientSpace is returned when a write would not fit in the free
// space remaining on the storage filesystem. The check runs before any
// bytes are written.
var ErrInsufficientSpace = errors.New("insufficient storage space")

// reserveBytes is kept free beyond the payload itself so a write never
// fills the filesystem completely.
const reserveBytes = 64 << 20 // 64MB

// StoredArtifact describes a completed write. It is handed to the metadata
// store, which turns it into a durable record.
type StoredArtifact struct {
	ID          string
	Filename    string
	Path        string // relative to the storage root
	Size        int64
	MimeType    string
	ContentHash string
	CreatedAt   time.Time
}

// Stats reports the state of the storage tree.
type Stats struct {
	TotalFiles int64 `json:"total_files"`
	TotalBytes int64 `json:"total_bytes"`
	FreeBytes  int64 `json:"free_bytes"`
}

// Manager owns the attachment tree rooted at a single directory. Files are
// sharded into YYYY/MM subdirectories by creation time to bound per-
// directory fan-out.
type Manager struct {
	root string

	// test seams
	now   func() time.Time
	newID func() (string, error)
	free  func(path string) (int64, error)
}

// NewManager creates the storage root (owner-only permissions) if needed.
func NewManager(root string) (*Manager, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("creating storage root: %w", err)
	}
	return &Manager{
		root:  root,
		now:   time.Now,
		newID: newArtifactID,
		free:  diskFree,
	}, nil
}

// Root returns the absolute storage root directory.
func (m *Manager) Root() string { return m.root }

// newArtifactID returns a time-sortable globally unique id (UUIDv7).
func newArtifactID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generating artifact id: %w", err)
	}
	return id.String(), nil
}

// Save admits and writes an already-validated payload. It fails with
// ErrInsufficientSpace before writing anything if the payload plus reserve
// does not fit in the filesystem's free space. The file is written to a
// temp name in the target shard and renamed into place so a crash cannot
// leave a partial file under the final name.
func (m *Manager) Save(data []byte, originalName, mimeType, contentHash string) (StoredArtifact, error) {
	freeBytes, err := m.free(m.root)
	if err != nil {
		return StoredArtifact{}, fmt.Errorf("querying free space: %w", err)
	}
	if freeBytes < int64(len(data))+reserveBytes {
		return StoredArtifact{}, fmt.Errorf("%w: need %d bytes, %d available", ErrInsufficientSpace, len(data), freeBytes)
	}

	createdAt := m.now().UTC()
	shard := createdAt.Format("2006/01")
	dir := filepath.Join(m.root, shard)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return StoredArtifact{}, fmt.Errorf("creating shard directory: %w", err)
	}

	id, err := m.newID()
	if err != nil {
		return StoredArtifact{}, err
	}
	filename := id + strings.ToLower(filepath.Ext(originalName))
	finalPath := filepath.Join(dir, filename)

	tmpPath := finalPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return StoredArtifact{}, fmt.Errorf("writing artifact: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return StoredArtifact{}, fmt.Errorf("finalizing artifact: %w", err)
	}

	return StoredArtifact{
		ID:          id,
		Filename:    filename,
		Path:        filepath.ToSlash(filepath.Join(shard, filename)),
		Size:        int64(len(data)),
		MimeType:    mimeType,
		ContentHash: contentHash,
		CreatedAt:   createdAt,
	}, nil
}

// resolve maps a stored relative path to an absolute one, rejecting
// anything that would escape the root.
func (m *Manager) resolve(relPath string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(relPath))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid storage path %q", relPath)
	}
	return filepath.Join(m.root, clean), nil
}

// Read returns the bytes of the artifact at the stored relative path.
// A missing file surfaces as fs.ErrNotExist.
func (m *Manager) Read(relPath string) ([]byte, error) {
	abs, err := m.resolve(relPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("reading artifact: %w", err)
	}
	return data, nil
}

// Delete removes the artifact at the stored relative path. A file that is
// already absent is treated as success: cleanup and explicit removal can
// race, and either winning is fine.
func (m *Manager) Delete(relPath string) error {
	_, err := m.Remove(relPath)
	return err
}

// Remove is Delete plus accounting: it reports how many bytes the deletion
// freed. A file that was already absent frees zero bytes and is success.
func (m *Manager) Remove(relPath string) (int64, error) {
	abs, err := m.resolve(relPath)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("checking artifact: %w", err)
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("deleting artifact: %w", err)
	}
	return info.Size(), nil
}

// Walk calls fn for every regular file in the tree with its relative path,
// size and modification time. Temp files left over from interrupted writes
// are included, so orphan reconciliation can collect them; the mtime lets
// it distinguish stale leftovers from writes still in flight.
func (m *Manager) Walk(fn func(relPath string, size int64, modTime time.Time) error) error {
	return filepath.WalkDir(m.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(m.root, path)
		if err != nil {
			return err
		}
		return fn(filepath.ToSlash(rel), info.Size(), info.ModTime())
	})
}

// GetStats reports file count, total byte footprint, and free disk space.
// Used both for admission control and external reporting.
func (m *Manager) GetStats() (Stats, error) {
	var st Stats
	err := m.Walk(func(_ string, size int64, _ time.Time) error {
		st.TotalFiles++
		st.TotalBytes += size
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("scanning storage tree: %w", err)
	}
	st.FreeBytes, err = m.free(m.root)
	if err != nil {
		return Stats{}, fmt.Errorf("querying free space: %w", err)
	}
	return st, nil
}
