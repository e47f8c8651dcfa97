// Package attachment is the ingestion surface of the pipeline: it turns an
// untrusted uploaded byte stream into a validated, stored, recorded
// artifact, and resolves reads, removals and stats against the stores.
// The fallible stages (storage write, metadata write, storage read) all
// run through the resilience executor.
package attachment

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/shelf/internal/blobstore"
	"github.com/kalambet/shelf/internal/metastore"
	"github.com/kalambet/shelf/internal/resilience"
	"github.com/kalambet/shelf/internal/scanner"
)

// DefaultRetention is how long an artifact lives after creation.
const DefaultRetention = 720 * time.Hour // 30 days

// ErrNotFound is returned when no live record matches the requested id.
var ErrNotFound = errors.New("attachment not found")

// ErrExpired is returned when the record exists but its retention window
// has passed and the sweeper has not collected it yet.
var ErrExpired = errors.New("attachment expired")

// ValidationError carries the scanner's structured findings so batch
// callers can fail one artifact without failing its siblings.
type ValidationError struct {
	Errors   []string
	Warnings []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Errors, "; ")
}

// FileStore is the blob-store subset the service needs.
type FileStore interface {
	Save(data []byte, originalName, mimeType, contentHash string) (blobstore.StoredArtifact, error)
	Read(relPath string) ([]byte, error)
	Remove(relPath string) (int64, error)
	GetStats() (blobstore.Stats, error)
}

// MetadataStore is the metadata subset the service needs.
type MetadataStore interface {
	CreateArtifact(rec metastore.ArtifactRecord) error
	GetArtifact(id string) (metastore.ArtifactRecord, error)
	ListByOwner(ownerID string) ([]metastore.ArtifactRecord, error)
	ListByParent(parentID string) ([]metastore.ArtifactRecord, error)
	MarkDeleted(id string, now time.Time) error
	Stats() (metastore.StoreStats, error)
}

// Deps are the collaborators a Service is built from. Each test
// instantiates its own isolated set; there are no package-level singletons.
type Deps struct {
	Scanner   *scanner.Scanner
	Files     FileStore
	Meta      MetadataStore
	Exec      *resilience.Executor
	Retention time.Duration     // <= 0 uses DefaultRetention
	Retry     resilience.Config // template; Operation is set per stage
}

// Service exposes store/fetch/remove/stats over the attachment stores.
type Service struct {
	scanner   *scanner.Scanner
	files     FileStore
	meta      MetadataStore
	exec      *resilience.Executor
	retention time.Duration
	retry     resilience.Config
	logger    *slog.Logger

	now func() time.Time
}

// NewService wires a Service from its dependencies.
func NewService(deps Deps) *Service {
	retention := deps.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	sc := deps.Scanner
	if sc == nil {
		sc = scanner.New(0)
	}
	if deps.Retry == (resilience.Config{}) {
		deps.Retry = resilience.DefaultConfig("")
	}
	return &Service{
		scanner:   sc,
		files:     deps.Files,
		meta:      deps.Meta,
		exec:      deps.Exec,
		retention: retention,
		retry:     deps.Retry,
		logger:    slog.Default(),
		now:       time.Now,
	}
}

func (s *Service) opConfig(operation string) resilience.Config {
	cfg := s.retry
	cfg.Operation = operation
	return cfg
}

// StoreInput is one artifact to ingest.
type StoreInput struct {
	Data     []byte
	Filename string
	MimeType string
	OwnerID  string
	ParentID string
}

// StoreOutcome is a successful ingestion plus any advisory warnings.
type StoreOutcome struct {
	Record   metastore.ArtifactRecord
	Warnings []string
}

// Store validates, scans, writes and records one artifact. Validation
// failures surface as *ValidationError; admission failures as
// blobstore.ErrInsufficientSpace; anything else is a storage or metadata
// failure that already went through the retry/breaker machinery.
func (s *Service) Store(ctx context.Context, in StoreInput) (StoreOutcome, error) {
	if in.OwnerID == "" {
		return StoreOutcome{}, fmt.Errorf("owner id is required")
	}

	res := s.scanner.Validate(in.Data, in.MimeType, in.Filename, int64(len(in.Data)))
	if !res.Valid {
		return StoreOutcome{}, &ValidationError{Errors: res.Errors, Warnings: res.Warnings}
	}

	stored, err := resilience.ExecuteWithRetry(ctx, s.exec, s.opConfig("storage.write"),
		func(context.Context) (blobstore.StoredArtifact, error) {
			st, err := s.files.Save(in.Data, in.Filename, in.MimeType, res.ContentHash)
			if errors.Is(err, blobstore.ErrInsufficientSpace) {
				// More retries cannot conjure disk space.
				return st, resilience.Permanent(err)
			}
			return st, err
		})
	if err != nil {
		return StoreOutcome{}, fmt.Errorf("storing attachment: %w", err)
	}

	rec := metastore.ArtifactRecord{
		ID:          stored.ID,
		OwnerID:     in.OwnerID,
		ParentID:    in.ParentID,
		Filename:    in.Filename,
		StoragePath: stored.Path,
		ByteSize:    stored.Size,
		MimeType:    stored.MimeType,
		ContentHash: stored.ContentHash,
		CreatedAt:   stored.CreatedAt,
		ExpiresAt:   stored.CreatedAt.Add(s.retention),
	}
	err = s.exec.Run(ctx, s.opConfig("metadata.write"), func(context.Context) error {
		return s.meta.CreateArtifact(rec)
	})
	if err != nil {
		// The file is unreferenced without its record; reclaim it now
		// rather than waiting for orphan reconciliation.
		if _, derr := s.files.Remove(stored.Path); derr != nil {
			s.logger.Warn("could not reclaim file after metadata failure",
				"path", stored.Path, "error", derr)
		}
		return StoreOutcome{}, fmt.Errorf("recording attachment: %w", err)
	}

	return StoreOutcome{Record: rec, Warnings: res.Warnings}, nil
}

// FetchResult is a resolved read.
type FetchResult struct {
	Data   []byte
	Record metastore.ArtifactRecord
}

// Fetch returns the bytes and record for a live, unexpired artifact.
// Expiry is enforced here, at the read boundary: a record past its window
// that the sweeper has not collected yet is already ErrExpired.
func (s *Service) Fetch(ctx context.Context, id string) (FetchResult, error) {
	rec, err := s.meta.GetArtifact(id)
	if errors.Is(err, metastore.ErrNotFound) {
		return FetchResult{}, ErrNotFound
	}
	if err != nil {
		return FetchResult{}, fmt.Errorf("looking up attachment: %w", err)
	}
	if rec.Expired(s.now()) {
		return FetchResult{}, ErrExpired
	}

	data, err := resilience.ExecuteWithRetry(ctx, s.exec, s.opConfig("storage.read"),
		func(context.Context) ([]byte, error) {
			b, err := s.files.Read(rec.StoragePath)
			if errors.Is(err, fs.ErrNotExist) {
				return nil, resilience.Permanent(err)
			}
			return b, err
		})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// Record without file: drift the next sweep will repair.
			return FetchResult{}, ErrNotFound
		}
		return FetchResult{}, fmt.Errorf("reading attachment: %w", err)
	}
	return FetchResult{Data: data, Record: rec}, nil
}

// ListByOwner returns the owner's live, unexpired records.
func (s *Service) ListByOwner(ownerID string) ([]metastore.ArtifactRecord, error) {
	recs, err := s.meta.ListByOwner(ownerID)
	if err != nil {
		return nil, err
	}
	return s.dropExpired(recs), nil
}

// ListByParent returns the live, unexpired records attached to a message.
func (s *Service) ListByParent(parentID string) ([]metastore.ArtifactRecord, error) {
	recs, err := s.meta.ListByParent(parentID)
	if err != nil {
		return nil, err
	}
	return s.dropExpired(recs), nil
}

func (s *Service) dropExpired(recs []metastore.ArtifactRecord) []metastore.ArtifactRecord {
	now := s.now()
	out := recs[:0]
	for _, rec := range recs {
		if !rec.Expired(now) {
			out = append(out, rec)
		}
	}
	return out
}

// Remove deletes the artifact's file and soft-deletes its record. It
// reports whether a live record was removed; removing an unknown or
// already-deleted id is not an error.
func (s *Service) Remove(ctx context.Context, id string) (bool, error) {
	rec, err := s.meta.GetArtifact(id)
	if errors.Is(err, metastore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("looking up attachment: %w", err)
	}

	if _, err := s.files.Remove(rec.StoragePath); err != nil {
		return false, fmt.Errorf("deleting attachment file: %w", err)
	}
	err = s.exec.Run(ctx, s.opConfig("metadata.delete"), func(context.Context) error {
		err := s.meta.MarkDeleted(rec.ID, s.now())
		if errors.Is(err, metastore.ErrNotFound) {
			// Lost a race with the sweeper; the outcome stands.
			return nil
		}
		return err
	})
	if err != nil {
		return false, fmt.Errorf("removing attachment record: %w", err)
	}
	return true, nil
}

// Stats combines the metadata footprint with the filesystem state.
type Stats struct {
	RecordCount int64 `json:"record_count"`
	TotalBytes  int64 `json:"total_bytes"`
	TotalFiles  int64 `json:"total_files"`
	DiskFree    int64 `json:"disk_free"`
}

// Stats reports record count, byte footprint and free disk space.
func (s *Service) Stats() (Stats, error) {
	ms, err := s.meta.Stats()
	if err != nil {
		return Stats{}, fmt.Errorf("reading metadata stats: %w", err)
	}
	bs, err := s.files.GetStats()
	if err != nil {
		return Stats{}, fmt.Errorf("reading filesystem stats: %w", err)
	}
	return Stats{
		RecordCount: ms.RecordCount,
		TotalBytes:  ms.TotalBytes,
		TotalFiles:  bs.TotalFiles,
		DiskFree:    bs.FreeBytes,
	}, nil
}
