package metastore

import (
	"database/sql"
	"fmt"
	"time"
)

const artifactColumns = `id, owner_id, parent_id, filename, storage_path, byte_size, mime_type, content_hash, created_at, expires_at, deleted_at`

// CreateArtifact inserts a new live record. ExpiresAt must be strictly
// after CreatedAt; the caller computes it once at creation time.
func (s *Store) CreateArtifact(rec ArtifactRecord) error {
	if !rec.ExpiresAt.After(rec.CreatedAt) {
		return fmt.Errorf("expires_at %v is not after created_at %v", rec.ExpiresAt, rec.CreatedAt)
	}

	var parentID sql.NullString
	if rec.ParentID != "" {
		parentID = sql.NullString{String: rec.ParentID, Valid: true}
	}
	_, err := s.db.Exec(`
		INSERT INTO artifacts (`+artifactColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		rec.ID, rec.OwnerID, parentID, rec.Filename, rec.StoragePath,
		rec.ByteSize, rec.MimeType, rec.ContentHash,
		rec.CreatedAt.UTC().Format(time.RFC3339), rec.ExpiresAt.UTC().Format(time.RFC3339),
	)
	return err
}

func scanArtifact(row interface{ Scan(...any) error }) (ArtifactRecord, error) {
	var rec ArtifactRecord
	var parentID, deletedAt sql.NullString
	var createdAt, expiresAt string
	err := row.Scan(&rec.ID, &rec.OwnerID, &parentID, &rec.Filename, &rec.StoragePath,
		&rec.ByteSize, &rec.MimeType, &rec.ContentHash, &createdAt, &expiresAt, &deletedAt)
	if err != nil {
		return ArtifactRecord{}, err
	}
	rec.ParentID = parentID.String

	if rec.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return ArtifactRecord{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if rec.ExpiresAt, err = time.Parse(time.RFC3339, expiresAt); err != nil {
		return ArtifactRecord{}, fmt.Errorf("parsing expires_at: %w", err)
	}
	if deletedAt.Valid {
		if rec.DeletedAt, err = time.Parse(time.RFC3339, deletedAt.String); err != nil {
			return ArtifactRecord{}, fmt.Errorf("parsing deleted_at: %w", err)
		}
	}
	return rec, nil
}

// GetArtifact returns the live record with the given id. Soft-deleted
// records are absent for all read purposes; callers that need them for
// audit use GetArtifactAny.
func (s *Store) GetArtifact(id string) (ArtifactRecord, error) {
	row := s.db.QueryRow(`SELECT `+artifactColumns+` FROM artifacts WHERE id = ? AND deleted_at IS NULL`, id)
	rec, err := scanArtifact(row)
	if err == sql.ErrNoRows {
		return ArtifactRecord{}, ErrNotFound
	}
	return rec, err
}

// GetArtifactAny returns the record regardless of its soft-delete marker.
func (s *Store) GetArtifactAny(id string) (ArtifactRecord, error) {
	row := s.db.QueryRow(`SELECT `+artifactColumns+` FROM artifacts WHERE id = ?`, id)
	rec, err := scanArtifact(row)
	if err == sql.ErrNoRows {
		return ArtifactRecord{}, ErrNotFound
	}
	return rec, err
}

func (s *Store) queryArtifacts(query string, args ...any) ([]ArtifactRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ArtifactRecord
	for rows.Next() {
		rec, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

// ListByOwner returns the owner's live records, oldest first. Records past
// their expiry but not yet swept are included; callers needing strict
// freshness filter on ExpiresAt themselves.
func (s *Store) ListByOwner(ownerID string) ([]ArtifactRecord, error) {
	return s.queryArtifacts(`SELECT `+artifactColumns+` FROM artifacts
		WHERE owner_id = ? AND deleted_at IS NULL ORDER BY created_at ASC, id ASC`, ownerID)
}

// ListByParent returns the live records attached to a parent message.
func (s *Store) ListByParent(parentID string) ([]ArtifactRecord, error) {
	return s.queryArtifacts(`SELECT `+artifactColumns+` FROM artifacts
		WHERE parent_id = ? AND deleted_at IS NULL ORDER BY created_at ASC, id ASC`, parentID)
}

// ListExpired returns live records whose retention window passed before now.
func (s *Store) ListExpired(now time.Time) ([]ArtifactRecord, error) {
	return s.queryArtifacts(`SELECT `+artifactColumns+` FROM artifacts
		WHERE expires_at < ? AND deleted_at IS NULL ORDER BY expires_at ASC`,
		now.UTC().Format(time.RFC3339))
}

// MarkDeleted sets the soft-delete marker on a live record.
func (s *Store) MarkDeleted(id string, now time.Time) error {
	res, err := s.db.Exec(`UPDATE artifacts SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		now.UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// StoragePaths returns the set of storage paths referenced by live records.
// Orphan reconciliation deletes any on-disk file not in this set.
func (s *Store) StoragePaths() (map[string]struct{}, error) {
	rows, err := s.db.Query(`SELECT storage_path FROM artifacts WHERE deleted_at IS NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	paths := make(map[string]struct{})
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths[p] = struct{}{}
	}
	return paths, rows.Err()
}

// Stats returns the count and byte footprint of live records.
func (s *Store) Stats() (StoreStats, error) {
	var st StoreStats
	err := s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(byte_size), 0) FROM artifacts WHERE deleted_at IS NULL`).
		Scan(&st.RecordCount, &st.TotalBytes)
	if err != nil {
		return StoreStats{}, err
	}
	return st, nil
}
