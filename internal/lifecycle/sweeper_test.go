package lifecycle

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/shelf/internal/blobstore"
	"github.com/kalambet/shelf/internal/metastore"
)

func newTestEngine(t *testing.T) (*Engine, *metastore.Store, *blobstore.Manager) {
	t.Helper()
	meta, err := metastore.Open(":memory:")
	if err != nil {
		t.Fatalf("metastore.Open: %v", err)
	}
	t.Cleanup(func() { meta.Close() })

	files, err := blobstore.NewManager(filepath.Join(t.TempDir(), "blobs"))
	if err != nil {
		t.Fatalf("blobstore.NewManager: %v", err)
	}
	return NewEngine(meta, files, time.Hour), meta, files
}

// seedArtifact stores a file and a matching record whose expiry is offset
// from now by ttl (negative ttl means already expired).
func seedArtifact(t *testing.T, meta *metastore.Store, files *blobstore.Manager, id string, ttl time.Duration) metastore.ArtifactRecord {
	t.Helper()
	stored, err := files.Save([]byte("payload-"+id), id+".png", "image/png", "hash-"+id)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	now := time.Now().UTC().Truncate(time.Second)
	created := now.Add(ttl - 720*time.Hour)
	rec := metastore.ArtifactRecord{
		ID:          stored.ID,
		OwnerID:     "conv-1",
		Filename:    stored.Filename,
		StoragePath: stored.Path,
		ByteSize:    stored.Size,
		MimeType:    stored.MimeType,
		ContentHash: stored.ContentHash,
		CreatedAt:   created,
		ExpiresAt:   created.Add(720 * time.Hour),
	}
	if err := meta.CreateArtifact(rec); err != nil {
		t.Fatalf("CreateArtifact: %v", err)
	}
	return rec
}

func TestSweep_RemovesExactlyExpired(t *testing.T) {
	e, meta, files := newTestEngine(t)

	expired := seedArtifact(t, meta, files, "old", -time.Hour)
	fresh := seedArtifact(t, meta, files, "new", time.Hour)

	res := e.Sweep()
	if res.ExpiredRemoved != 1 {
		t.Fatalf("ExpiredRemoved = %d, want 1", res.ExpiredRemoved)
	}
	if res.BytesFreed != expired.ByteSize {
		t.Errorf("BytesFreed = %d, want %d", res.BytesFreed, expired.ByteSize)
	}
	if res.Failures != 0 {
		t.Errorf("Failures = %d, want 0", res.Failures)
	}

	if _, err := meta.GetArtifact(expired.ID); !errors.Is(err, metastore.ErrNotFound) {
		t.Errorf("expired record still readable: %v", err)
	}
	if _, err := files.Read(expired.StoragePath); err == nil {
		t.Error("expired file still on disk")
	}

	if _, err := meta.GetArtifact(fresh.ID); err != nil {
		t.Errorf("fresh record gone: %v", err)
	}
	if _, err := files.Read(fresh.StoragePath); err != nil {
		t.Errorf("fresh file gone: %v", err)
	}
}

func TestSweep_MissingFileStillRemovesRecord(t *testing.T) {
	e, meta, files := newTestEngine(t)

	expired := seedArtifact(t, meta, files, "old", -time.Hour)
	if err := files.Delete(expired.StoragePath); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	res := e.Sweep()
	if res.ExpiredRemoved != 1 {
		t.Fatalf("ExpiredRemoved = %d, want 1", res.ExpiredRemoved)
	}
	if res.BytesFreed != 0 {
		t.Errorf("BytesFreed = %d for already-missing file, want 0", res.BytesFreed)
	}
	if _, err := meta.GetArtifact(expired.ID); !errors.Is(err, metastore.ErrNotFound) {
		t.Errorf("record not soft-deleted: %v", err)
	}
}

func TestSweep_ReapsOrphanFiles(t *testing.T) {
	e, meta, files := newTestEngine(t)

	tracked := seedArtifact(t, meta, files, "tracked", time.Hour)

	// A file on disk with no record, old enough to be past any in-flight
	// upload: drift from a crash between the storage write and the
	// metadata write.
	orphanPath := writeOrphan(t, files, "orphan.png", []byte("dangling bytes"))
	stale := time.Now().Add(-time.Hour)
	if err := os.Chtimes(orphanPath, stale, stale); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	res := e.Sweep()
	if res.OrphanedFiles != 1 {
		t.Fatalf("OrphanedFiles = %d, want 1", res.OrphanedFiles)
	}
	if res.BytesFreed != int64(len("dangling bytes")) {
		t.Errorf("BytesFreed = %d, want %d", res.BytesFreed, len("dangling bytes"))
	}
	if _, err := os.Stat(orphanPath); !errors.Is(err, os.ErrNotExist) {
		t.Error("orphan file still on disk")
	}
	if _, err := files.Read(tracked.StoragePath); err != nil {
		t.Errorf("tracked file was reaped: %v", err)
	}
}

func writeOrphan(t *testing.T, files *blobstore.Manager, name string, data []byte) string {
	t.Helper()
	dir := filepath.Join(files.Root(), "2025", "01")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestSweep_SparesRecentOrphans(t *testing.T) {
	e, _, files := newTestEngine(t)

	// A just-written unreferenced file looks exactly like an upload whose
	// metadata write is still retrying. It must survive the sweep.
	orphanPath := writeOrphan(t, files, "inflight.png", []byte("mid upload"))

	res := e.Sweep()
	if res.OrphanedFiles != 0 {
		t.Fatalf("OrphanedFiles = %d, want 0 for a file inside the grace window", res.OrphanedFiles)
	}
	if _, err := os.Stat(orphanPath); err != nil {
		t.Fatalf("fresh orphan was reaped: %v", err)
	}

	// Once it ages past the grace window it is fair game.
	stale := time.Now().Add(-time.Hour)
	if err := os.Chtimes(orphanPath, stale, stale); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
	if res := e.Sweep(); res.OrphanedFiles != 1 {
		t.Fatalf("OrphanedFiles = %d after aging, want 1", res.OrphanedFiles)
	}
	if _, err := os.Stat(orphanPath); !errors.Is(err, os.ErrNotExist) {
		t.Error("aged orphan still on disk")
	}
}

func TestSweep_UpdatesStats(t *testing.T) {
	e, meta, files := newTestEngine(t)
	seedArtifact(t, meta, files, "old", -time.Hour)

	before := e.Stats()
	if before.TotalSweeps != 0 {
		t.Fatalf("TotalSweeps = %d before any sweep", before.TotalSweeps)
	}

	e.Sweep()
	e.Sweep()

	st := e.Stats()
	if st.TotalSweeps != 2 {
		t.Errorf("TotalSweeps = %d, want 2", st.TotalSweeps)
	}
	if st.ArtifactsRemoved != 1 {
		t.Errorf("ArtifactsRemoved = %d, want 1", st.ArtifactsRemoved)
	}
	if st.LastSweepTime.IsZero() || st.NextSweepTime.IsZero() {
		t.Error("sweep times not recorded")
	}
}

// failingMeta wraps a MetadataStore, failing MarkDeleted for one id.
type failingMeta struct {
	MetadataStore
	failID string
}

func (f *failingMeta) MarkDeleted(id string, now time.Time) error {
	if id == f.failID {
		return errors.New("simulated metadata failure")
	}
	return f.MetadataStore.MarkDeleted(id, now)
}

func TestSweep_PerRecordFailureDoesNotAbort(t *testing.T) {
	_, meta, files := newTestEngine(t)

	bad := seedArtifact(t, meta, files, "bad", -time.Hour)
	good := seedArtifact(t, meta, files, "good", -time.Hour)

	e := NewEngine(&failingMeta{MetadataStore: meta, failID: bad.ID}, files, time.Hour)
	res := e.Sweep()

	if res.Failures != 1 {
		t.Errorf("Failures = %d, want 1", res.Failures)
	}
	if res.ExpiredRemoved != 1 {
		t.Errorf("ExpiredRemoved = %d, want 1 (the healthy record)", res.ExpiredRemoved)
	}
	if _, err := meta.GetArtifact(good.ID); !errors.Is(err, metastore.ErrNotFound) {
		t.Errorf("healthy record survived the sweep: %v", err)
	}
}

// gatedMeta blocks ListExpired until released, counting invocations.
type gatedMeta struct {
	MetadataStore
	started sync.Once
	gate    chan struct{}
	release chan struct{}
	calls   int
	mu      sync.Mutex
}

func (g *gatedMeta) ListExpired(now time.Time) ([]metastore.ArtifactRecord, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	g.started.Do(func() { close(g.gate) })
	<-g.release
	return g.MetadataStore.ListExpired(now)
}

func TestSweep_SingleFlight(t *testing.T) {
	_, meta, files := newTestEngine(t)

	gm := &gatedMeta{
		MetadataStore: meta,
		gate:          make(chan struct{}),
		release:       make(chan struct{}),
	}
	e := NewEngine(gm, files, time.Hour)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.Sweep()
	}()
	<-gm.gate // first sweep is mid-flight
	go func() {
		defer wg.Done()
		e.Sweep()
	}()
	time.Sleep(50 * time.Millisecond) // let the second caller reach the guard
	close(gm.release)
	wg.Wait()

	gm.mu.Lock()
	calls := gm.calls
	gm.mu.Unlock()
	if calls != 1 {
		t.Errorf("ListExpired called %d times, want 1 (second sweep must join the first)", calls)
	}
	if st := e.Stats(); st.TotalSweeps != 1 {
		t.Errorf("TotalSweeps = %d, want 1", st.TotalSweeps)
	}
}
