package metastore

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist (or has
// been soft-deleted, which read paths treat the same way).
var ErrNotFound = errors.New("not found")

// ArtifactRecord is the durable unit of the attachment pipeline. ExpiresAt
// is fixed at creation and never re-evaluated; DeletedAt is the soft-delete
// marker (zero means live).
type ArtifactRecord struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	ParentID    string    `json:"parent_id,omitempty"`
	Filename    string    `json:"filename"`
	StoragePath string    `json:"storage_path"`
	ByteSize    int64     `json:"byte_size"`
	MimeType    string    `json:"mime_type"`
	ContentHash string    `json:"content_hash"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	DeletedAt   time.Time `json:"deleted_at,omitzero"`
}

// Deleted reports whether the record carries a soft-delete marker.
func (r ArtifactRecord) Deleted() bool {
	return !r.DeletedAt.IsZero()
}

// Expired reports whether the record's retention window has passed at now.
func (r ArtifactRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// StoreStats is the aggregate footprint of live records.
type StoreStats struct {
	RecordCount int64 `json:"record_count"`
	TotalBytes  int64 `json:"total_bytes"`
}
