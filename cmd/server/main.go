package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dharsanguruparan/hubqueue/internal/api"
	"github.com/dharsanguruparan/hubqueue/internal/auth"
	"github.com/dharsanguruparan/hubqueue/internal/blobstore"
	"github.com/dharsanguruparan/hubqueue/internal/collection"
	"github.com/dharsanguruparan/hubqueue/internal/config"
	"github.com/dharsanguruparan/hubqueue/internal/lock"
	"github.com/dharsanguruparan/hubqueue/internal/notify"
	"github.com/dharsanguruparan/hubqueue/internal/repository"
	"github.com/dharsanguruparan/hubqueue/internal/service"
	"github.com/dharsanguruparan/hubqueue/internal/signing"
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
		Owner:   "server@" + hostname,
	}
	publisher := notify.NewRedisPublisher(cfg)
	defer publisher.Close()

	repo := repository.New(collection.New(blobs, cfg.CorruptPolicy), lk, publisher)
	svc := service.New(repo, blobs)
	signer := signing.NewSigner(cfg.SigningSecret)
	tokens := auth.TokenIssuer{Secret: cfg.JWTSecret, TTL: cfg.SessionTTL}

	srv := api.New(cfg, svc, blobs, signer, tokens)
	if err := srv.Run(ctx); err != nil {
		log.Printf("server stopped: %v", err)
		os.Exit(1)
	}
}
