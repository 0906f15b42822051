// Package sweeper is plugged into the asynq worker loop and runs the
// maintenance jobs defined in internal/queue.
package sweeper

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/hubqueue/internal/blobstore"
	"github.com/dharsanguruparan/hubqueue/internal/lock"
	"github.com/dharsanguruparan/hubqueue/internal/queue"
	"github.com/dharsanguruparan/hubqueue/internal/repository"
)

// Processor handles the maintenance tasks.
type Processor struct {
	Repo  *repository.Repository
	Blobs blobstore.Store
	Lock  *lock.Manager
	Now   func() time.Time
}

// NewProcessor constructs a Processor.
func NewProcessor(repo *repository.Repository, blobs blobstore.Store, lk *lock.Manager) *Processor {
	return &Processor{Repo: repo, Blobs: blobs, Lock: lk, Now: time.Now}
}

// Handler registers all maintenance handlers.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.SweepOrphansTask, p.handleSweepOrphans)
	mux.HandleFunc(queue.ReclaimLockTask, p.handleReclaimLock)
	mux.HandleFunc(queue.RepairCollectionsTask, p.handleRepair)
	return mux
}

func (p *Processor) handleSweepOrphans(ctx context.Context, task *asynq.Task) error {
	var payload queue.SweepPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
	}
	deleted, err := p.SweepOrphans(ctx, payload.Grace())
	if err != nil {
		return err
	}
	if deleted > 0 {
		log.Printf("sweep: deleted %d orphaned assets", deleted)
	}
	return nil
}

// SweepOrphans removes upload assets referenced by neither the active queue
// nor history. Assets younger than grace are kept: their queue append may
// still be in flight.
func (p *Processor) SweepOrphans(ctx context.Context, grace time.Duration) (int, error) {
	queueItems, history, err := p.Repo.Snapshot(ctx)
	if err != nil {
		return 0, fmt.Errorf("load collections: %w", err)
	}
	referenced := make(map[string]bool, len(queueItems)+len(history))
	for _, item := range queueItems {
		referenced[item.StoragePath] = true
	}
	for _, item := range history {
		referenced[item.StoragePath] = true
	}
	entries, err := p.Blobs.List(ctx, repository.UploadsPrefix)
	if err != nil {
		return 0, fmt.Errorf("list uploads: %w", err)
	}
	cutoff := p.Now().UTC().Add(-grace)
	deleted := 0
	for _, entry := range entries {
		if referenced[entry.Path] {
			continue
		}
		if grace > 0 && entry.LastModified.After(cutoff) {
			continue
		}
		if err := p.Blobs.Delete(ctx, entry.Path); err != nil {
			// Keep going; the next sweep gets another chance.
			log.Printf("sweep: delete %s: %v", entry.Path, err)
			continue
		}
		log.Printf("sweep: deleted orphaned asset %s", entry.Path)
		deleted++
	}
	return deleted, nil
}

func (p *Processor) handleReclaimLock(ctx context.Context, _ *asynq.Task) error {
	reclaimed, err := p.Lock.ReclaimStale(ctx)
	if err != nil {
		return fmt.Errorf("reclaim lock: %w", err)
	}
	if reclaimed {
		log.Printf("sweep: reclaimed stale lock marker")
	}
	return nil
}

func (p *Processor) handleRepair(ctx context.Context, _ *asynq.Task) error {
	repaired, err := p.Repo.RepairDivergence(ctx)
	if err != nil {
		return fmt.Errorf("repair collections: %w", err)
	}
	if repaired > 0 {
		log.Printf("sweep: repaired %d diverged items", repaired)
	}
	return nil
}
