package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/hubqueue/internal/blobstore"
	"github.com/dharsanguruparan/hubqueue/internal/collection"
	"github.com/dharsanguruparan/hubqueue/internal/config"
	"github.com/dharsanguruparan/hubqueue/internal/lock"
	"github.com/dharsanguruparan/hubqueue/internal/notify"
	"github.com/dharsanguruparan/hubqueue/internal/queue"
	"github.com/dharsanguruparan/hubqueue/internal/repository"
	"github.com/dharsanguruparan/hubqueue/internal/sweeper"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	blobs, err := blobstore.NewMinio(cfg)
	if err != nil {
		log.Fatalf("init storage: %v", err)
	}
	if err := blobs.EnsureBucket(ctx); err != nil {
		log.Fatalf("ensure bucket: %v", err)
	}

	hostname, _ := os.Hostname()
	lk := &lock.Manager{
		Blobs:   blobs,
		Path:    repository.LockPath,
		Retries: cfg.LockRetries,
		Backoff: cfg.LockBackoff,
		Lease:   cfg.LockLease,
		Owner:   "worker@" + hostname,
	}
	publisher := notify.NewRedisPublisher(cfg)
	defer publisher.Close()

	repo := repository.New(collection.New(blobs, cfg.CorruptPolicy), lk, publisher)
	processor := sweeper.NewProcessor(repo, blobs, lk)

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	server := asynq.NewServer(redisOpt, asynq.Config{Concurrency: cfg.Concurrency})

	// The scheduler re-enqueues the maintenance jobs on a fixed cadence.
	scheduler := asynq.NewScheduler(redisOpt, nil)
	for _, task := range []*asynq.Task{
		asynq.NewTask(queue.SweepOrphansTask, mustSweepPayload(cfg)),
		asynq.NewTask(queue.ReclaimLockTask, nil),
		asynq.NewTask(queue.RepairCollectionsTask, nil),
	} {
		if _, err := scheduler.Register(cfg.SweepEvery, task); err != nil {
			log.Fatalf("register %s: %v", task.Type(), err)
		}
	}
	if err := scheduler.Start(); err != nil {
		log.Fatalf("start scheduler: %v", err)
	}

	go func() {
		<-ctx.Done()
		scheduler.Shutdown()
		server.Shutdown()
	}()

	if err := server.Run(processor.Handler()); err != nil {
		log.Printf("worker stopped: %v", err)
		os.Exit(1)
	}
}

func mustSweepPayload(cfg *config.Config) []byte {
	data, err := queue.SweepPayloadBytes(cfg.SweepGrace)
	if err != nil {
		log.Fatalf("marshal sweep payload: %v", err)
	}
	return data
}
