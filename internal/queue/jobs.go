// Package queue defines the background maintenance tasks and how they are
// enqueued. The tasks keep the blob store healthy: orphaned upload assets
// are collected, an abandoned lock marker is reclaimed, and the active/
// history collections are checked for divergence left by a failed complete.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// SweepOrphansTask deletes upload assets no collection references.
	SweepOrphansTask = "assets:sweep_orphans"
	// ReclaimLockTask removes a lock marker whose lease expired.
	ReclaimLockTask = "lock:reclaim"
	// RepairCollectionsTask resolves ids present in both the active queue
	// and history.
	RepairCollectionsTask = "collections:repair"
)

// SweepPayload tells the orphan sweep how old an unreferenced asset must be
// before it is deleted; younger assets may belong to an upload still in
// flight.
type SweepPayload struct {
	GraceSeconds int64 `json:"grace_seconds"`
}

// Grace returns the payload's grace period as a duration.
func (p SweepPayload) Grace() time.Duration {
	return time.Duration(p.GraceSeconds) * time.Second
}

// SweepPayloadBytes marshals a sweep payload for direct task construction,
// used by the periodic scheduler.
func SweepPayloadBytes(grace time.Duration) ([]byte, error) {
	return json.Marshal(SweepPayload{GraceSeconds: int64(grace.Seconds())})
}

// EnqueueSweepOrphans schedules one orphan sweep.
func EnqueueSweepOrphans(ctx context.Context, client *asynq.Client, grace time.Duration) error {
	data, err := json.Marshal(SweepPayload{GraceSeconds: int64(grace.Seconds())})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(SweepOrphansTask, data)
	if _, err := client.EnqueueContext(ctx, task, asynq.MaxRetry(3)); err != nil {
		return fmt.Errorf("enqueue sweep task: %w", err)
	}
	return nil
}

// EnqueueReclaimLock schedules one stale-lock check.
func EnqueueReclaimLock(ctx context.Context, client *asynq.Client) error {
	task := asynq.NewTask(ReclaimLockTask, nil)
	if _, err := client.EnqueueContext(ctx, task, asynq.MaxRetry(3)); err != nil {
		return fmt.Errorf("enqueue reclaim task: %w", err)
	}
	return nil
}

// EnqueueRepair schedules one divergence repair pass.
func EnqueueRepair(ctx context.Context, client *asynq.Client) error {
	task := asynq.NewTask(RepairCollectionsTask, nil)
	if _, err := client.EnqueueContext(ctx, task, asynq.MaxRetry(3)); err != nil {
		return fmt.Errorf("enqueue repair task: %w", err)
	}
	return nil
}
