package lock

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dharsanguruparan/hubqueue/internal/blobstore"
)

func newManager(blobs blobstore.Store) *Manager {
	return &Manager{
		Blobs:   blobs,
		Path:    "/~lock",
		Retries: 5,
		Backoff: 5 * time.Millisecond,
		Lease:   time.Minute,
		Owner:   "test",
	}
}

func TestMutualExclusion(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemory()

	var inside int32
	var maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m := newManager(blobs)
			m.Retries = 200
			err := m.WithLock(ctx, func(ctx context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					max := atomic.LoadInt32(&maxInside)
					if n <= max || atomic.CompareAndSwapInt32(&maxInside, max, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			if err != nil {
				t.Errorf("with lock: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := atomic.LoadInt32(&maxInside); got != 1 {
		t.Fatalf("critical sections overlapped, max concurrent = %d", got)
	}
}

func TestRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemory()

	holder := newManager(blobs)
	body, _ := json.Marshal(marker{Owner: "holder", AcquiredAt: time.Now().UTC()})
	if err := blobs.WriteIfAbsent(ctx, holder.Path, body); err != nil {
		t.Fatalf("seed marker: %v", err)
	}

	m := newManager(blobs)
	m.Retries = 3
	err := m.WithLock(ctx, func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired, got %v", err)
	}
}

func TestStaleMarkerReclaimed(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemory()

	stale, _ := json.Marshal(marker{Owner: "crashed", AcquiredAt: time.Now().UTC().Add(-time.Hour)})
	if err := blobs.WriteIfAbsent(ctx, "/~lock", stale); err != nil {
		t.Fatalf("seed marker: %v", err)
	}

	m := newManager(blobs)
	ran := false
	if err := m.WithLock(ctx, func(ctx context.Context) error {
		ran = true
		return nil
	}); err != nil {
		t.Fatalf("expected stale marker to be reclaimed: %v", err)
	}
	if !ran {
		t.Fatal("action did not run")
	}
}

// handoffStore parks the first Swap call between judging a marker stale and
// replacing it, so a test can interleave a second contender in that window.
type handoffStore struct {
	blobstore.Store
	entered chan struct{}
	proceed chan struct{}
	once    sync.Once
}

func (h *handoffStore) Swap(ctx context.Context, path string, old, new []byte) error {
	var first bool
	h.once.Do(func() { first = true })
	if first {
		close(h.entered)
		<-h.proceed
	}
	return h.Store.Swap(ctx, path, old, new)
}

func TestConcurrentStaleTakeoverSingleWinner(t *testing.T) {
	ctx := context.Background()
	mem := blobstore.NewMemory()

	stale, _ := json.Marshal(marker{Owner: "crashed", AcquiredAt: time.Now().UTC().Add(-time.Hour)})
	if err := mem.WriteIfAbsent(ctx, "/~lock", stale); err != nil {
		t.Fatalf("seed marker: %v", err)
	}

	slow := &handoffStore{Store: mem, entered: make(chan struct{}), proceed: make(chan struct{})}
	loser := newManager(slow)
	loser.Owner = "loser"
	loser.Retries = 2
	loser.Backoff = time.Millisecond

	winner := newManager(mem)
	winner.Owner = "winner"

	loserDone := make(chan error, 1)
	loserRan := false
	go func() {
		loserDone <- loser.WithLock(ctx, func(ctx context.Context) error {
			loserRan = true
			return nil
		})
	}()

	// Wait until the loser has judged the stale marker and is about to take
	// it over, then let the winner take it first.
	<-slow.entered

	winnerRan := false
	err := winner.WithLock(ctx, func(ctx context.Context) error {
		winnerRan = true
		// Release the delayed takeover while we hold the lock; it must see
		// our fresh marker and fail.
		close(slow.proceed)
		if lerr := <-loserDone; !errors.Is(lerr, ErrNotAcquired) {
			t.Errorf("expected ErrNotAcquired for the delayed contender, got %v", lerr)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("winner with lock: %v", err)
	}
	if !winnerRan {
		t.Fatal("winner's action did not run")
	}
	if loserRan {
		t.Fatal("both contenders entered the critical section")
	}
}

func TestNoBackoffAfterFinalAttempt(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemory()

	fresh, _ := json.Marshal(marker{Owner: "holder", AcquiredAt: time.Now().UTC()})
	if err := blobs.WriteIfAbsent(ctx, "/~lock", fresh); err != nil {
		t.Fatalf("seed marker: %v", err)
	}

	m := newManager(blobs)
	m.Retries = 1
	m.Backoff = time.Hour
	start := time.Now()
	err := m.WithLock(ctx, func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("slept %s after the final attempt instead of failing fast", elapsed)
	}
}

func TestMarkerRemovedAfterFailure(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemory()

	m := newManager(blobs)
	wantErr := errors.New("boom")
	if err := m.WithLock(ctx, func(ctx context.Context) error { return wantErr }); !errors.Is(err, wantErr) {
		t.Fatalf("expected action error, got %v", err)
	}
	exists, err := blobs.Exists(ctx, m.Path)
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if exists {
		t.Fatal("marker left behind after failed action")
	}
}

func TestReclaimStaleLeavesFreshMarker(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemory()

	fresh, _ := json.Marshal(marker{Owner: "live", AcquiredAt: time.Now().UTC()})
	if err := blobs.WriteIfAbsent(ctx, "/~lock", fresh); err != nil {
		t.Fatalf("seed marker: %v", err)
	}
	m := newManager(blobs)
	reclaimed, err := m.ReclaimStale(ctx)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if reclaimed {
		t.Fatal("fresh marker must not be reclaimed")
	}
}
