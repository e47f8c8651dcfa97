package metastore

import (
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testRecord(id, ownerID string, createdAt time.Time) ArtifactRecord {
	return ArtifactRecord{
		ID:          id,
		OwnerID:     ownerID,
		Filename:    id + ".png",
		StoragePath: "2025/06/" + id + ".png",
		ByteSize:    2048,
		MimeType:    "image/png",
		ContentHash: "hash-" + id,
		CreatedAt:   createdAt,
		ExpiresAt:   createdAt.Add(720 * time.Hour),
	}
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// migrations are not re-applied.
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

// TestIndexesExist verifies the artifact indexes are created by migration.
func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_artifacts_storage_path", "idx_artifacts_owner", "idx_artifacts_parent", "idx_artifacts_expires"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}
