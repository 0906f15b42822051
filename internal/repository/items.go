package repository

import (
	"context"
	"fmt"
	"log"

	"github.com/dharsanguruparan/hubqueue/internal/collection"
	"github.com/dharsanguruparan/hubqueue/internal/model"
	"github.com/dharsanguruparan/hubqueue/internal/notify"
)

// Queue reads the active queue.
func (r *Repository) Queue(ctx context.Context) ([]model.Item, error) {
	return collection.Read(ctx, r.Collections, QueuePath, []model.Item{})
}

// History reads the completed-item collection.
func (r *Repository) History(ctx context.Context) ([]model.Item, error) {
	return collection.Read(ctx, r.Collections, HistoryPath, []model.Item{})
}

// Snapshot reads both collections. Used for queue_updated payloads and bulk
// fetches; the two reads are not atomic, which is fine for hints.
func (r *Repository) Snapshot(ctx context.Context) (queue, history []model.Item, err error) {
	if queue, err = r.Queue(ctx); err != nil {
		return nil, nil, err
	}
	if history, err = r.History(ctx); err != nil {
		return nil, nil, err
	}
	return queue, history, nil
}

// AddItem prepends a new item to the active queue and publishes image_added.
func (r *Repository) AddItem(ctx context.Context, item model.Item) error {
	return r.Lock.WithLock(ctx, func(ctx context.Context) error {
		queue, err := r.Queue(ctx)
		if err != nil {
			return err
		}
		queue = append([]model.Item{item}, queue...)
		if err := collection.Write(ctx, r.Collections, QueuePath, queue); err != nil {
			return err
		}
		r.Notify.Publish(ctx, notify.EventImageAdded, item)
		return nil
	})
}

// UpdateItem applies fn to the item with the given id inside the active
// queue. fn sees the freshly re-read record, so status checks inside it
// decide races: whoever reaches this critical section second observes the
// winner's write.
func (r *Repository) UpdateItem(ctx context.Context, id string, fn func(*model.Item) error) (model.Item, error) {
	var updated model.Item
	err := r.Lock.WithLock(ctx, func(ctx context.Context) error {
		queue, err := r.Queue(ctx)
		if err != nil {
			return err
		}
		idx := indexByID(queue, id)
		if idx < 0 {
			return ErrItemNotFound
		}
		if err := fn(&queue[idx]); err != nil {
			return err
		}
		updated = queue[idx]
		if err := collection.Write(ctx, r.Collections, QueuePath, queue); err != nil {
			return err
		}
		r.Notify.Publish(ctx, notify.EventImageUpdated, updated)
		return nil
	})
	return updated, err
}

// CompleteItem moves the item from the active queue into history after fn
// marks it completed. The two writes are not atomic across files: the queue
// is rewritten first, then history. If the history write fails we attempt to
// restore the queue, report failure, and leave final repair to the sweeper's
// divergence pass (history wins on duplicates).
func (r *Repository) CompleteItem(ctx context.Context, id string, fn func(*model.Item) error) (model.Item, error) {
	var moved model.Item
	err := r.Lock.WithLock(ctx, func(ctx context.Context) error {
		queue, err := r.Queue(ctx)
		if err != nil {
			return err
		}
		history, err := r.History(ctx)
		if err != nil {
			return err
		}
		idx := indexByID(queue, id)
		if idx < 0 {
			return ErrItemNotFound
		}
		item := queue[idx]
		if err := fn(&item); err != nil {
			return err
		}
		moved = item
		remaining := append(append([]model.Item{}, queue[:idx]...), queue[idx+1:]...)
		history = append([]model.Item{item}, history...)

		if err := collection.Write(ctx, r.Collections, QueuePath, remaining); err != nil {
			return err
		}
		if err := collection.Write(ctx, r.Collections, HistoryPath, history); err != nil {
			// Best-effort rollback of the first write. If this also fails the
			// item is in neither collection until a caller re-fetches and the
			// sweeper repairs.
			if rbErr := collection.Write(ctx, r.Collections, QueuePath, queue); rbErr != nil {
				log.Printf("complete %s: history write and queue rollback both failed: %v / %v", id, err, rbErr)
			}
			return fmt.Errorf("complete %s: %w", id, err)
		}
		r.Notify.Publish(ctx, notify.EventImageCompleted, map[string]any{
			"imageId":        id,
			"completedImage": item,
		})
		r.Notify.Publish(ctx, notify.EventQueueUpdated, map[string]any{
			"queue":   remaining,
			"history": history,
		})
		return nil
	})
	return moved, err
}

// RemoveItem deletes the item from the active queue after check approves.
func (r *Repository) RemoveItem(ctx context.Context, id string, check func(model.Item) error) (model.Item, error) {
	var removed model.Item
	err := r.Lock.WithLock(ctx, func(ctx context.Context) error {
		queue, err := r.Queue(ctx)
		if err != nil {
			return err
		}
		idx := indexByID(queue, id)
		if idx < 0 {
			return ErrItemNotFound
		}
		if check != nil {
			if err := check(queue[idx]); err != nil {
				return err
			}
		}
		removed = queue[idx]
		queue = append(queue[:idx], queue[idx+1:]...)
		if err := collection.Write(ctx, r.Collections, QueuePath, queue); err != nil {
			return err
		}
		r.Notify.Publish(ctx, notify.EventImageDeleted, map[string]string{"imageId": id})
		return nil
	})
	return removed, err
}

// RepairDivergence resolves the known inconsistency window of CompleteItem:
// an id present in both collections is dropped from the active queue, since
// reaching history means the completion got furthest. Returns how many items
// were repaired.
func (r *Repository) RepairDivergence(ctx context.Context) (int, error) {
	repaired := 0
	err := r.Lock.WithLock(ctx, func(ctx context.Context) error {
		queue, err := r.Queue(ctx)
		if err != nil {
			return err
		}
		history, err := r.History(ctx)
		if err != nil {
			return err
		}
		done := make(map[string]bool, len(history))
		for _, item := range history {
			done[item.ID] = true
		}
		kept := queue[:0]
		for _, item := range queue {
			if done[item.ID] {
				log.Printf("repair: %s present in queue and history, dropping from queue", item.ID)
				repaired++
				continue
			}
			kept = append(kept, item)
		}
		if repaired == 0 {
			return nil
		}
		if err := collection.Write(ctx, r.Collections, QueuePath, kept); err != nil {
			return err
		}
		r.Notify.Publish(ctx, notify.EventQueueUpdated, map[string]any{
			"queue":   kept,
			"history": history,
		})
		return nil
	})
	return repaired, err
}

func indexByID(items []model.Item, id string) int {
	for i := range items {
		if items[i].ID == id {
			return i
		}
	}
	return -1
}
