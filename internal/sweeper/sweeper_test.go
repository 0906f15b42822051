package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/dharsanguruparan/hubqueue/internal/blobstore"
	"github.com/dharsanguruparan/hubqueue/internal/collection"
	"github.com/dharsanguruparan/hubqueue/internal/config"
	"github.com/dharsanguruparan/hubqueue/internal/lock"
	"github.com/dharsanguruparan/hubqueue/internal/model"
	"github.com/dharsanguruparan/hubqueue/internal/notify"
	"github.com/dharsanguruparan/hubqueue/internal/repository"
)

func newProcessor(t *testing.T) (*Processor, *blobstore.MemoryStore) {
	t.Helper()
	blobs := blobstore.NewMemory()
	colls := collection.New(blobs, config.CorruptDefault)
	lk := &lock.Manager{
		Blobs:   blobs,
		Path:    repository.LockPath,
		Retries: 10,
		Backoff: time.Millisecond,
		Lease:   time.Minute,
		Owner:   "sweeper-test",
	}
	repo := repository.New(colls, lk, notify.NoopPublisher{})
	return NewProcessor(repo, blobs, lk), blobs
}

func TestSweepOrphans(t *testing.T) {
	ctx := context.Background()
	p, blobs := newProcessor(t)

	kept := model.Item{ID: "1", Name: "kept.png", StoragePath: "/uploads/1-kept.png", Status: model.StatusUploaded}
	if err := collection.Write(ctx, p.Repo.Collections, repository.QueuePath, []model.Item{kept}); err != nil {
		t.Fatalf("seed queue: %v", err)
	}
	for _, path := range []string{"/uploads/1-kept.png", "/uploads/2-orphan.png", "/uploads/3-fresh.png"} {
		if err := blobs.Write(ctx, path, []byte("x"), "image/png"); err != nil {
			t.Fatalf("seed %s: %v", path, err)
		}
	}
	// The referenced asset and the orphan are old; one orphan is fresh.
	old := time.Now().UTC().Add(-2 * time.Hour)
	blobs.SetModified("/uploads/1-kept.png", old)
	blobs.SetModified("/uploads/2-orphan.png", old)

	deleted, err := p.SweepOrphans(ctx, time.Hour)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted asset, got %d", deleted)
	}
	if ok, _ := blobs.Exists(ctx, "/uploads/1-kept.png"); !ok {
		t.Fatal("referenced asset was deleted")
	}
	if ok, _ := blobs.Exists(ctx, "/uploads/2-orphan.png"); ok {
		t.Fatal("old orphan survived the sweep")
	}
	if ok, _ := blobs.Exists(ctx, "/uploads/3-fresh.png"); !ok {
		t.Fatal("fresh asset inside the grace period was deleted")
	}
}

func TestReclaimStaleLockViaHandler(t *testing.T) {
	ctx := context.Background()
	p, blobs := newProcessor(t)

	// A marker with an expired lease blocks writers until reclaimed.
	stale := []byte(`{"owner":"crashed","acquiredAt":"2020-01-01T00:00:00Z"}`)
	if err := blobs.WriteIfAbsent(ctx, repository.LockPath, stale); err != nil {
		t.Fatalf("seed marker: %v", err)
	}
	if err := p.handleReclaimLock(ctx, nil); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if ok, _ := blobs.Exists(ctx, repository.LockPath); ok {
		t.Fatal("stale marker survived")
	}
}

func TestRepairHandler(t *testing.T) {
	ctx := context.Background()
	p, _ := newProcessor(t)

	dup := model.Item{ID: "dup", Name: "d.png", StoragePath: "/uploads/dup.png"}
	active := dup
	active.Status = model.StatusInProgress
	done := dup
	done.Status = model.StatusCompleted
	if err := collection.Write(ctx, p.Repo.Collections, repository.QueuePath, []model.Item{active}); err != nil {
		t.Fatalf("seed queue: %v", err)
	}
	if err := collection.Write(ctx, p.Repo.Collections, repository.HistoryPath, []model.Item{done}); err != nil {
		t.Fatalf("seed history: %v", err)
	}

	if err := p.handleRepair(ctx, nil); err != nil {
		t.Fatalf("repair: %v", err)
	}
	queue, history, err := p.Repo.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(queue) != 0 || len(history) != 1 {
		t.Fatalf("expected history to win: queue=%d history=%d", len(queue), len(history))
	}
}
