package repository_test

import (
	"context"
	"errors"
	"sync"
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

// recordingPublisher captures event names for assertions.
type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(_ context.Context, event string, _ any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

func newRepo(t *testing.T) (*repository.Repository, *blobstore.MemoryStore, *recordingPublisher) {
	t.Helper()
	blobs := blobstore.NewMemory()
	colls := collection.New(blobs, config.CorruptDefault)
	lk := &lock.Manager{
		Blobs:   blobs,
		Path:    repository.LockPath,
		Retries: 50,
		Backoff: time.Millisecond,
		Lease:   time.Minute,
		Owner:   "repo-test",
	}
	pub := &recordingPublisher{}
	return repository.New(colls, lk, pub), blobs, pub
}

func TestAddItemPublishesAndReleasesLock(t *testing.T) {
	ctx := context.Background()
	repo, blobs, pub := newRepo(t)

	item := model.Item{ID: "1", Name: "a.png", Status: model.StatusUploaded}
	if err := repo.AddItem(ctx, item); err != nil {
		t.Fatalf("add: %v", err)
	}
	queue, err := repo.Queue(ctx)
	if err != nil || len(queue) != 1 {
		t.Fatalf("queue after add: %v %v", queue, err)
	}
	if got := pub.names(); len(got) != 1 || got[0] != notify.EventImageAdded {
		t.Fatalf("expected image_added, got %v", got)
	}
	if held, _ := blobs.Exists(ctx, repository.LockPath); held {
		t.Fatal("lock marker left behind")
	}
}

func TestNewItemsArePrepended(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newRepo(t)

	for _, id := range []string{"first", "second"} {
		if err := repo.AddItem(ctx, model.Item{ID: id, Status: model.StatusUploaded}); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}
	queue, _ := repo.Queue(ctx)
	if queue[0].ID != "second" || queue[1].ID != "first" {
		t.Fatalf("newest item should come first: %+v", queue)
	}
}

func TestUpdateItemMissing(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newRepo(t)

	_, err := repo.UpdateItem(ctx, "ghost", func(*model.Item) error { return nil })
	if !errors.Is(err, repository.ErrItemNotFound) {
		t.Fatalf("expected ErrItemNotFound, got %v", err)
	}
}

func TestCompleteItemMembershipInvariant(t *testing.T) {
	ctx := context.Background()
	repo, _, pub := newRepo(t)

	if err := repo.AddItem(ctx, model.Item{ID: "x", Status: model.StatusInProgress, ClaimedBy: "tess"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	_, err := repo.CompleteItem(ctx, "x", func(item *model.Item) error {
		item.Status = model.StatusCompleted
		item.CompletedBy = "tess"
		return nil
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	queue, history, err := repo.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	// Membership by id across both collections is invariant: not lost, not
	// duplicated.
	if len(queue) != 0 || len(history) != 1 || history[0].ID != "x" {
		t.Fatalf("membership broken: queue=%v history=%v", queue, history)
	}
	names := pub.names()
	var sawCompleted, sawSnapshot bool
	for _, n := range names {
		if n == notify.EventImageCompleted {
			sawCompleted = true
		}
		if n == notify.EventQueueUpdated {
			sawSnapshot = true
		}
	}
	if !sawCompleted || !sawSnapshot {
		t.Fatalf("expected image_completed and queue_updated, got %v", names)
	}
}

func TestUsersLegacyMigrationAtLoad(t *testing.T) {
	ctx := context.Background()
	repo, blobs, _ := newRepo(t)

	legacy := []byte(`[{"username":"root","passwordHash":"h","isAdmin":true}]`)
	if err := blobs.Write(ctx, repository.UsersPath, legacy, "application/json"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	users, err := repo.Users(ctx)
	if err != nil {
		t.Fatalf("users: %v", err)
	}
	if len(users) != 1 || users[0].Role != model.RoleAdmin {
		t.Fatalf("legacy record not migrated: %+v", users)
	}
}
