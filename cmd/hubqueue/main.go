// The hubqueue CLI is the operator's toolbox: inspect queue state, force a
// stuck lock open, flip maintenance mode, manage roles, trigger sweeps, and
// watch the queue live from a terminal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/hubqueue/internal/blobstore"
	"github.com/dharsanguruparan/hubqueue/internal/collection"
	"github.com/dharsanguruparan/hubqueue/internal/config"
	"github.com/dharsanguruparan/hubqueue/internal/lock"
	"github.com/dharsanguruparan/hubqueue/internal/model"
	"github.com/dharsanguruparan/hubqueue/internal/notify"
	"github.com/dharsanguruparan/hubqueue/internal/queue"
	"github.com/dharsanguruparan/hubqueue/internal/reconcile"
	"github.com/dharsanguruparan/hubqueue/internal/repository"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "hubqueue: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "hubqueue",
		Short:        "hubqueue operations CLI",
		Long:         `Operator commands that talk to the blob store and redis directly, bypassing the HTTP layer. Configuration comes from the same HUBQUEUE_* environment variables the server reads.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(
		newStatusCmd(),
		newUnlockCmd(),
		newMaintenanceCmd(),
		newPromoteCmd(),
		newSweepCmd(),
		newWatchCmd(),
	)
	return cmd
}

// deps bundles the direct-to-store wiring shared by most commands. Events
// are not published for operator reads; mutating commands pass a real
// publisher so connected clients see the change.
type deps struct {
	cfg   *config.Config
	blobs *blobstore.MinioStore
	repo  *repository.Repository
}

func connect(ctx context.Context, publisher notify.Publisher) (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	blobs, err := blobstore.NewMinio(cfg)
	if err != nil {
		return nil, err
	}
	if err := blobs.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	hostname, _ := os.Hostname()
	lk := &lock.Manager{
		Blobs:   blobs,
		Path:    repository.LockPath,
		Retries: cfg.LockRetries,
		Backoff: cfg.LockBackoff,
		Lease:   cfg.LockLease,
		Owner:   "cli@" + hostname,
	}
	repo := repository.New(collection.New(blobs, cfg.CorruptPolicy), lk, publisher)
	return &deps{cfg: cfg, blobs: blobs, repo: repo}, nil
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue counts, maintenance mode and lock state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := connect(ctx, notify.NoopPublisher{})
			if err != nil {
				return err
			}
			queueItems, history, err := d.repo.Snapshot(ctx)
			if err != nil {
				return err
			}
			maint, err := d.repo.Maintenance(ctx)
			if err != nil {
				return err
			}
			locked, err := d.blobs.Exists(ctx, repository.LockPath)
			if err != nil {
				return err
			}
			fmt.Printf("active queue: %d items\n", len(queueItems))
			fmt.Printf("history:      %d items\n", len(history))
			fmt.Printf("maintenance:  %v\n", maint.IsMaintenance)
			fmt.Printf("lock held:    %v\n", locked)
			return nil
		},
	}
}

func newUnlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock",
		Short: "Force-remove the write lock marker",
		Long:  "Removes the lock marker unconditionally. Only use this when a holder crashed and the lease has not expired yet; removing a live writer's marker lets a second writer interleave.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := connect(ctx, notify.NoopPublisher{})
			if err != nil {
				return err
			}
			if err := d.blobs.Delete(ctx, repository.LockPath); err != nil {
				return err
			}
			fmt.Println("lock marker removed")
			return nil
		},
	}
}

func newMaintenanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "maintenance on|off",
		Short: "Flip maintenance mode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var on bool
			switch args[0] {
			case "on":
				on = true
			case "off":
				on = false
			default:
				return fmt.Errorf("expected on or off, got %q", args[0])
			}
			ctx := cmd.Context()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			publisher := notify.NewRedisPublisher(cfg)
			defer publisher.Close()
			d, err := connect(ctx, publisher)
			if err != nil {
				return err
			}
			if err := d.repo.SaveMaintenance(ctx, model.MaintenanceState{IsMaintenance: on}); err != nil {
				return err
			}
			fmt.Printf("maintenance mode %s\n", args[0])
			return nil
		},
	}
}

func newPromoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "promote <username> <role>",
		Short: "Set a user's role directly (admin, trusted, user, banned)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			username, role := args[0], model.Role(args[1])
			if !role.Valid() {
				return fmt.Errorf("unknown role %q", args[1])
			}
			ctx := cmd.Context()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			publisher := notify.NewRedisPublisher(cfg)
			defer publisher.Close()
			d, err := connect(ctx, publisher)
			if err != nil {
				return err
			}
			err = d.repo.MutateUsers(ctx, func(users []model.User) ([]model.User, error) {
				for i := range users {
					if users[i].Username == username {
						users[i].Role = role
						return users, nil
					}
				}
				return nil, repository.ErrUserNotFound
			})
			if err != nil {
				return err
			}
			fmt.Printf("%s is now %s\n", username, role)
			return nil
		},
	}
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Enqueue the maintenance jobs (orphan sweep, lock reclaim, repair)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			client := asynq.NewClient(asynq.RedisClientOpt{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			})
			defer client.Close()
			if err := queue.EnqueueSweepOrphans(ctx, client, cfg.SweepGrace); err != nil {
				return err
			}
			if err := queue.EnqueueReclaimLock(ctx, client); err != nil {
				return err
			}
			if err := queue.EnqueueRepair(ctx, client); err != nil {
				return err
			}
			fmt.Println("maintenance jobs enqueued")
			return nil
		},
	}
}

func newWatchCmd() *cobra.Command {
	var serverURL string
	var token string
	var noPush bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the queue live, printing newly uploaded items",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			fetcher := &reconcile.HTTPFetcher{BaseURL: serverURL, Token: token}
			loop := &reconcile.Loop{
				Fetch:    fetcher.Fetch,
				Interval: cfg.PollInterval,
				OnChange: func(snap reconcile.Snapshot, added []model.Item) {
					for _, item := range added {
						fmt.Printf("new: %s (%s) uploaded by %s\n", item.Name, item.ID, item.UploadedBy)
					}
				},
			}
			if !noPush {
				sub := notify.NewRedisSubscriber(cfg)
				defer sub.Close()
				events, err := sub.Subscribe(ctx)
				if err != nil {
					// Push is optional; polling alone still converges.
					fmt.Fprintf(os.Stderr, "push unavailable, polling only: %v\n", err)
				} else {
					loop.Events = events
				}
			}
			err = loop.Run(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Base URL of the hubqueue server")
	cmd.Flags().StringVar(&token, "token", "", "Session token for authenticated fetches")
	cmd.Flags().BoolVar(&noPush, "no-push", false, "Disable redis event subscription, poll only")
	return cmd
}
