// Package reconcile implements the client-side loop that keeps a local view
// in sync with server truth: a full fetch on start, a periodic re-fetch, and
// an immediate re-fetch on any change event. Events are only hints; the
// interval fetch is what guarantees convergence after missed notifications.
package reconcile

import (
	"context"
	"log"
	"time"

	"github.com/dharsanguruparan/hubqueue/internal/model"
	"github.com/dharsanguruparan/hubqueue/internal/notify"
)

// Snapshot is one fetched view of server state.
type Snapshot struct {
	Queue   []model.Item `json:"queue"`
	History []model.Item `json:"history"`
}

// Diff returns the items of next's queue whose ids were unknown in prev
// (neither queued nor already completed). Comparison is by id set, never by
// position, so reordering between fetches reports nothing.
func Diff(prev, next Snapshot) []model.Item {
	known := make(map[string]bool, len(prev.Queue)+len(prev.History))
	for _, item := range prev.Queue {
		known[item.ID] = true
	}
	for _, item := range prev.History {
		known[item.ID] = true
	}
	var added []model.Item
	for _, item := range next.Queue {
		if !known[item.ID] {
			added = append(added, item)
		}
	}
	return added
}

// Loop drives reconciliation for one client session.
type Loop struct {
	// Fetch returns current server truth.
	Fetch func(ctx context.Context) (Snapshot, error)
	// Events optionally delivers change hints; nil means polling only.
	Events <-chan notify.Event
	// Interval between periodic re-fetches.
	Interval time.Duration
	// OnChange is called after every successful fetch with the fresh
	// snapshot and the items that were not known before.
	OnChange func(snap Snapshot, added []model.Item)

	last    Snapshot
	started bool
}

// Run blocks until ctx is cancelled. Fetch errors are logged and retried on
// the next tick; server truth is never replaced by a failed fetch.
func (l *Loop) Run(ctx context.Context) error {
	interval := l.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	l.refresh(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.refresh(ctx)
		case evt, ok := <-l.Events:
			if !ok {
				// Push transport gone; fall back to polling only.
				l.Events = nil
				continue
			}
			log.Printf("reconcile: event %s, refreshing", evt.Name)
			l.refresh(ctx)
		}
	}
}

func (l *Loop) refresh(ctx context.Context) {
	snap, err := l.Fetch(ctx)
	if err != nil {
		log.Printf("reconcile: fetch failed, keeping last snapshot: %v", err)
		return
	}
	var added []model.Item
	if l.started {
		added = Diff(l.last, snap)
	}
	l.last = snap
	l.started = true
	if l.OnChange != nil {
		l.OnChange(snap, added)
	}
}
