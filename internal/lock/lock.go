// Package lock provides advisory mutual exclusion over the blob store. The
// marker object is created with an atomic create-if-absent write; whichever
// writer creates it holds the lock until it deletes it. The marker body
// carries a lease timestamp so a marker abandoned by a crashed holder can be
// reclaimed instead of wedging every future writer.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/dharsanguruparan/hubqueue/internal/blobstore"
)

// ErrNotAcquired means the retry budget ran out while the marker stayed
// held. Callers surface it as "please try again", distinct from transport
// errors.
var ErrNotAcquired = errors.New("could not acquire lock")

// Manager serializes writers against one marker path. A single Manager
// (single marker) covers every collection, so all writes are serialized
// system-wide. That is deliberate: write volume is tiny and one lock keeps
// the cross-collection move in Complete trivially consistent.
type Manager struct {
	Blobs   blobstore.Store
	Path    string
	Retries int
	Backoff time.Duration
	// Lease is how old a marker may be before acquirers treat the holder as
	// dead and reclaim it. Must comfortably exceed the longest critical
	// section.
	Lease time.Duration
	Owner string
	Now   func() time.Time
}

type marker struct {
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// WithLock runs fn while holding the marker. Acquisition tries Retries times
// with a fixed Backoff between attempts; the marker is deleted on the way
// out even when fn fails.
func (m *Manager) WithLock(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.release(ctx)
	return fn(ctx)
}

func (m *Manager) acquire(ctx context.Context) error {
	body, err := json.Marshal(marker{Owner: m.Owner, AcquiredAt: m.now().UTC()})
	if err != nil {
		return err
	}
	for attempt := 0; attempt < m.Retries; attempt++ {
		err := m.Blobs.WriteIfAbsent(ctx, m.Path, body)
		if err == nil {
			return nil
		}
		if !errors.Is(err, blobstore.ErrAlreadyExists) {
			return err
		}
		// Held by someone else. If the holder's lease is up, take the marker
		// over in place, otherwise wait out one backoff period.
		taken, terr := m.takeOver(ctx, body)
		if terr != nil {
			return terr
		}
		if taken {
			return nil
		}
		if attempt == m.Retries-1 {
			// Out of attempts; fail now instead of sleeping first.
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.Backoff):
		}
	}
	return ErrNotAcquired
}

func (m *Manager) release(ctx context.Context) {
	if err := m.Blobs.Delete(ctx, m.Path); err != nil {
		// The lease will eventually unblock other writers, but flag it: until
		// then everyone is waiting on this marker.
		log.Printf("failed to release lock %s, writers blocked until lease expiry: %v", m.Path, err)
	}
}

// ReclaimStale clears a marker whose lease has expired. It takes the marker
// over first and then releases it, so it can never undercut an acquirer that
// won the same expired marker. The sweeper calls this periodically. Returns
// whether a marker was cleared.
func (m *Manager) ReclaimStale(ctx context.Context) (bool, error) {
	body, err := json.Marshal(marker{Owner: m.Owner, AcquiredAt: m.now().UTC()})
	if err != nil {
		return false, err
	}
	taken, err := m.takeOver(ctx, body)
	if err != nil || !taken {
		return false, err
	}
	m.release(ctx)
	return true, nil
}

// takeOver replaces a stale marker with body in a single conditional write.
// The write is conditioned on the exact bytes that were judged stale, so when
// two contenders race over the same expired marker only one swap succeeds and
// the loser leaves the winner's fresh marker alone.
func (m *Manager) takeOver(ctx context.Context, body []byte) (bool, error) {
	if m.Lease <= 0 {
		return false, nil
	}
	data, err := m.Blobs.Read(ctx, m.Path)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			// Holder released between our failed create and this read; the
			// next create attempt races for the free path.
			return false, nil
		}
		return false, err
	}
	var mk marker
	if err := json.Unmarshal(data, &mk); err != nil {
		// Legacy empty marker with no lease inside; nothing to judge
		// staleness by, so leave it alone.
		return false, nil
	}
	if m.now().UTC().Sub(mk.AcquiredAt) <= m.Lease {
		return false, nil
	}
	switch err := m.Blobs.Swap(ctx, m.Path, data, body); {
	case err == nil:
	case errors.Is(err, blobstore.ErrModified), errors.Is(err, blobstore.ErrNotFound):
		// Lost the reclaim race; whoever won holds a fresh lease now.
		return false, nil
	default:
		return false, err
	}
	log.Printf("took over stale lock %s held by %q since %s", m.Path, mk.Owner, mk.AcquiredAt.Format(time.RFC3339))
	return true, nil
}

// ForceRelease unconditionally removes the marker. Operator escape hatch.
func (m *Manager) ForceRelease(ctx context.Context) error {
	return m.Blobs.Delete(ctx, m.Path)
}
