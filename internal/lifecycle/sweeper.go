// Package lifecycle keeps the metadata table and the on-disk tree
// consistent: a scheduled sweep soft-deletes expired records and removes
// their files, and orphan reconciliation collects files no live record
// references. Sweeps are single-flight process-wide; a manual trigger
// joins any sweep already in progress instead of starting a second one.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kalambet/shelf/internal/metastore"
)

// MetadataStore is the subset of the metadata store the sweeper needs.
type MetadataStore interface {
	ListExpired(now time.Time) ([]metastore.ArtifactRecord, error)
	MarkDeleted(id string, now time.Time) error
	StoragePaths() (map[string]struct{}, error)
}

// FileStore is the subset of the blob store the sweeper needs.
type FileStore interface {
	Remove(relPath string) (int64, error)
	Walk(fn func(relPath string, size int64, modTime time.Time) error) error
}

// orphanGrace is how old an unreferenced file must be before
// reconciliation deletes it. An upload in flight has its file on disk
// before the metadata record commits, and the metadata stage may sit in
// retry backoff for several seconds inside that window; reaping the file
// there would leave the eventual record pointing at nothing.
const orphanGrace = 5 * time.Minute

// Stats are the engine's cumulative counters, read by monitoring callers.
type Stats struct {
	TotalSweeps       int64         `json:"total_sweeps"`
	ArtifactsRemoved  int64         `json:"artifacts_removed"`
	OrphanedFiles     int64         `json:"orphaned_files"`
	BytesFreed        int64         `json:"bytes_freed"`
	LastSweepDuration time.Duration `json:"last_sweep_duration"`
	LastSweepTime     time.Time     `json:"last_sweep_time,omitzero"`
	NextSweepTime     time.Time     `json:"next_sweep_time,omitzero"`
}

// SweepResult summarizes one sweep. Per-record failures are counted, not
// surfaced: a single bad record must never abort the rest of the sweep.
type SweepResult struct {
	ExpiredRemoved int           `json:"expired_removed"`
	OrphanedFiles  int           `json:"orphaned_files"`
	BytesFreed     int64         `json:"bytes_freed"`
	Failures       int           `json:"failures"`
	Duration       time.Duration `json:"duration"`
}

// Engine runs expiry sweeps and orphan reconciliation over a metadata
// store and a file store.
type Engine struct {
	meta     MetadataStore
	files    FileStore
	interval time.Duration
	grace    time.Duration
	logger   *slog.Logger

	group singleflight.Group

	mu    sync.Mutex
	stats Stats

	now func() time.Time
}

// NewEngine creates an Engine sweeping every interval (<= 0 defaults to 1h).
func NewEngine(meta MetadataStore, files FileStore, interval time.Duration) *Engine {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Engine{
		meta:     meta,
		files:    files,
		interval: interval,
		grace:    orphanGrace,
		logger:   slog.Default(),
		now:      time.Now,
	}
}

// Stats returns a copy of the cumulative counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Run sweeps on the configured interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.mu.Lock()
	e.stats.NextSweepTime = e.now().Add(e.interval)
	e.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res := e.Sweep()
			e.logger.Info("scheduled sweep finished",
				"expired_removed", res.ExpiredRemoved,
				"orphaned_files", res.OrphanedFiles,
				"bytes_freed", res.BytesFreed,
				"failures", res.Failures,
				"duration", res.Duration)
		}
	}
}

// Sweep runs the expiry sweep followed by orphan reconciliation. Sweeps
// are single-flight: concurrent callers (manual trigger during a scheduled
// run, or vice versa) share one execution and its result.
func (e *Engine) Sweep() SweepResult {
	v, _, _ := e.group.Do("sweep", func() (any, error) {
		return e.sweepLocked(), nil
	})
	return v.(SweepResult)
}

func (e *Engine) sweepLocked() SweepResult {
	start := e.now()
	var res SweepResult

	e.sweepExpired(&res)
	e.reconcileOrphans(&res)
	res.Duration = e.now().Sub(start)

	e.mu.Lock()
	e.stats.TotalSweeps++
	e.stats.ArtifactsRemoved += int64(res.ExpiredRemoved)
	e.stats.OrphanedFiles += int64(res.OrphanedFiles)
	e.stats.BytesFreed += res.BytesFreed
	e.stats.LastSweepDuration = res.Duration
	e.stats.LastSweepTime = start
	e.stats.NextSweepTime = start.Add(e.interval)
	e.mu.Unlock()

	return res
}

// sweepExpired soft-deletes every record past its retention window and
// best-effort removes its backing file. A missing file is non-fatal: the
// record still counts as removed, freeing zero bytes.
func (e *Engine) sweepExpired(res *SweepResult) {
	now := e.now()
	expired, err := e.meta.ListExpired(now)
	if err != nil {
		e.logger.Error("listing expired records failed", "error", err)
		res.Failures++
		return
	}

	for _, rec := range expired {
		freed, err := e.files.Remove(rec.StoragePath)
		if err != nil {
			e.logger.Warn("removing expired file failed, skipping record",
				"artifact_id", rec.ID, "path", rec.StoragePath, "error", err)
			res.Failures++
			continue
		}
		if err := e.meta.MarkDeleted(rec.ID, now); err != nil {
			e.logger.Warn("marking expired record deleted failed",
				"artifact_id", rec.ID, "error", err)
			res.Failures++
			continue
		}
		res.ExpiredRemoved++
		res.BytesFreed += freed
	}
}

// reconcileOrphans deletes files under the storage root that no live
// record references. This repairs drift from crashes between the storage
// write and the metadata write, or between file delete and record delete.
// Files younger than orphanGrace are left alone: they may belong to an
// upload whose metadata write has not committed yet.
func (e *Engine) reconcileOrphans(res *SweepResult) {
	live, err := e.meta.StoragePaths()
	if err != nil {
		e.logger.Error("listing live storage paths failed", "error", err)
		res.Failures++
		return
	}

	type orphan struct {
		path string
		size int64
	}
	var orphans []orphan
	cutoff := e.now().Add(-e.grace)
	err = e.files.Walk(func(relPath string, size int64, modTime time.Time) error {
		if _, ok := live[relPath]; ok {
			return nil
		}
		if modTime.After(cutoff) {
			return nil
		}
		orphans = append(orphans, orphan{path: relPath, size: size})
		return nil
	})
	if err != nil {
		e.logger.Error("walking storage tree failed", "error", err)
		res.Failures++
		return
	}

	for _, o := range orphans {
		freed, err := e.files.Remove(o.path)
		if err != nil {
			e.logger.Warn("removing orphan file failed", "path", o.path, "error", err)
			res.Failures++
			continue
		}
		res.OrphanedFiles++
		res.BytesFreed += freed
	}
}
