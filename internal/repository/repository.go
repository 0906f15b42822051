// Package repository owns every read and write of the shared collections.
// All mutation follows one protocol: acquire the lock, re-read current
// server state (never a pre-lock snapshot), apply the change, write, release,
// then publish a change event. No caller keeps a mutable copy across two
// operations without coming back through here.
package repository

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/dharsanguruparan/hubqueue/internal/blobstore"
	"github.com/dharsanguruparan/hubqueue/internal/collection"
	"github.com/dharsanguruparan/hubqueue/internal/config"
	"github.com/dharsanguruparan/hubqueue/internal/lock"
	"github.com/dharsanguruparan/hubqueue/internal/model"
	"github.com/dharsanguruparan/hubqueue/internal/notify"
)

// Well-known paths on the blob store.
const (
	UsersPath       = "/users.json"
	QueuePath       = "/images.json"
	HistoryPath     = "/history.json"
	MaintenancePath = "/maintenance.json"
	UploadsPrefix   = "/uploads/"
	LockPath        = "/~lock"
)

var (
	// ErrItemNotFound means the id is absent from the collection examined.
	ErrItemNotFound = errors.New("image not found")
	// ErrUserExists means the username is already taken.
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound means no record matches the username.
	ErrUserNotFound = errors.New("user not found")
)

// Repository bundles the collection store, the lock manager and the change
// publisher. Constructed once at process start and passed to every handler.
type Repository struct {
	Collections *collection.Store
	Lock        *lock.Manager
	Notify      notify.Publisher
}

// New constructs a Repository.
func New(collections *collection.Store, lk *lock.Manager, publisher notify.Publisher) *Repository {
	return &Repository{Collections: collections, Lock: lk, Notify: publisher}
}

// Users loads the user collection, translating legacy boolean-triplet
// records to the role enum in one place at load time.
func (r *Repository) Users(ctx context.Context) ([]model.User, error) {
	raw, err := r.Collections.Blobs.Read(ctx, UsersPath)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return []model.User{}, nil
		}
		return nil, err
	}
	users, err := model.MigrateUsers(raw)
	if err != nil {
		if r.Collections.Policy == config.CorruptFail {
			return nil, fmt.Errorf("%w: %s: %v", collection.ErrCorrupt, UsersPath, err)
		}
		log.Printf("collection %s is corrupt, serving empty default: %v", UsersPath, err)
		return []model.User{}, nil
	}
	return users, nil
}

// MutateUsers applies fn to the current user collection under the lock and
// publishes a users_updated event on success. fn receives freshly re-read
// state and returns the full collection to write.
func (r *Repository) MutateUsers(ctx context.Context, fn func([]model.User) ([]model.User, error)) error {
	return r.Lock.WithLock(ctx, func(ctx context.Context) error {
		users, err := r.Users(ctx)
		if err != nil {
			return err
		}
		updated, err := fn(users)
		if err != nil {
			return err
		}
		if err := collection.Write(ctx, r.Collections, UsersPath, updated); err != nil {
			return err
		}
		r.Notify.Publish(ctx, notify.EventUsersUpdated, struct{}{})
		return nil
	})
}

// AddUser appends a new account, rejecting duplicate usernames.
func (r *Repository) AddUser(ctx context.Context, user model.User) error {
	return r.MutateUsers(ctx, func(users []model.User) ([]model.User, error) {
		for _, u := range users {
			if u.Username == user.Username {
				return nil, ErrUserExists
			}
		}
		return append(users, user), nil
	})
}

// Maintenance reads the maintenance flag; absent means off.
func (r *Repository) Maintenance(ctx context.Context) (model.MaintenanceState, error) {
	return collection.Read(ctx, r.Collections, MaintenancePath, model.MaintenanceState{})
}

// SaveMaintenance writes the maintenance flag under the lock and publishes
// maintenance_updated.
func (r *Repository) SaveMaintenance(ctx context.Context, state model.MaintenanceState) error {
	return r.Lock.WithLock(ctx, func(ctx context.Context) error {
		if err := collection.Write(ctx, r.Collections, MaintenancePath, state); err != nil {
			return err
		}
		r.Notify.Publish(ctx, notify.EventMaintenanceUpdated, state)
		return nil
	})
}
