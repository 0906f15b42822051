// Package service enforces the domain rules: who may move an item through
// its lifecycle, who may touch user records, and the maintenance flag. It
// holds no state of its own; every decision is made against freshly re-read
// collection state inside the repository's critical sections.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/hubqueue/internal/auth"
	"github.com/dharsanguruparan/hubqueue/internal/blobstore"
	"github.com/dharsanguruparan/hubqueue/internal/model"
	"github.com/dharsanguruparan/hubqueue/internal/repository"
)

var (
	// ErrAlreadyClaimed is the loser's result when two claimants race.
	ErrAlreadyClaimed = errors.New("image already claimed")
	// ErrNotClaimant means the actor does not hold the claim being acted on.
	ErrNotClaimant = errors.New("image claimed by someone else")
	// ErrNotInProgress means the transition needs an in-progress item.
	ErrNotInProgress = errors.New("image is not in progress")
	// ErrLastAdmin guards the final admin from demoting or deleting
	// themselves into a system with no admin at all.
	ErrLastAdmin = errors.New("cannot remove the last admin")
	// ErrBadCredentials covers unknown user / wrong password uniformly.
	ErrBadCredentials = errors.New("invalid username or password")
)

// ForbiddenError means the actor's role does not allow the action.
type ForbiddenError struct {
	Action string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("not permitted to %s", e.Action)
}

// ValidationError is a domain rule violation with a user-facing message.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

// Service wires the repository and blob store behind the domain operations.
type Service struct {
	Repo  *repository.Repository
	Blobs blobstore.Store
	Now   func() time.Time
}

// New constructs a Service.
func New(repo *repository.Repository, blobs blobstore.Store) *Service {
	return &Service{Repo: repo, Blobs: blobs, Now: time.Now}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) nowMillis() int64 {
	return s.now().UTC().UnixMilli()
}

// Register creates an account. The first account ever created becomes the
// admin; everyone after starts as a plain user.
func (s *Service) Register(ctx context.Context, username, password string) (model.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return model.User{}, ValidationError{Msg: "username is required"}
	}
	if len(password) < 4 {
		return model.User{}, ValidationError{Msg: "password must be at least 4 characters"}
	}
	passwordHash, err := auth.HashPassword(password)
	if err != nil {
		return model.User{}, err
	}
	var created model.User
	err = s.Repo.MutateUsers(ctx, func(users []model.User) ([]model.User, error) {
		for _, u := range users {
			if u.Username == username {
				return nil, repository.ErrUserExists
			}
		}
		role := model.RoleUser
		if len(users) == 0 {
			role = model.RoleAdmin
		}
		created = model.User{Username: username, PasswordHash: passwordHash, Role: role}
		return append(users, created), nil
	})
	if err != nil {
		return model.User{}, err
	}
	return created, nil
}

// Authenticate verifies credentials. Unknown usernames and wrong passwords
// are indistinguishable to the caller; banned accounts fail explicitly.
func (s *Service) Authenticate(ctx context.Context, username, password string) (model.User, error) {
	user, err := s.Lookup(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return model.User{}, ErrBadCredentials
		}
		return model.User{}, err
	}
	if !auth.CheckPassword(user.PasswordHash, password) {
		return model.User{}, ErrBadCredentials
	}
	if user.Role == model.RoleBanned {
		return model.User{}, ForbiddenError{Action: "sign in: account is banned"}
	}
	return user, nil
}

// Lookup returns the account for username.
func (s *Service) Lookup(ctx context.Context, username string) (model.User, error) {
	users, err := s.Repo.Users(ctx)
	if err != nil {
		return model.User{}, err
	}
	for _, u := range users {
		if u.Username == username {
			return u, nil
		}
	}
	return model.User{}, repository.ErrUserNotFound
}

// AddImage stores the binary asset first, then appends the queue item with
// status uploaded. If the queue append fails the asset is deleted again,
// best-effort.
func (s *Service) AddImage(ctx context.Context, actor model.User, name string, data []byte, contentType string) (model.Item, error) {
	if actor.Role == model.RoleBanned {
		return model.Item{}, ForbiddenError{Action: "upload images"}
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Item{}, ValidationError{Msg: "image name is required"}
	}
	id := uuid.NewString()
	storagePath := repository.UploadsPrefix + id + "-" + sanitizeFilename(name)
	if err := s.Blobs.Write(ctx, storagePath, data, contentType); err != nil {
		return model.Item{}, err
	}
	item := model.Item{
		ID:          id,
		Name:        name,
		StoragePath: storagePath,
		Status:      model.StatusUploaded,
		UploadedBy:  actor.Username,
		CreatedAt:   s.nowMillis(),
	}
	if err := s.Repo.AddItem(ctx, item); err != nil {
		if delErr := s.Blobs.Delete(ctx, storagePath); delErr != nil {
			log.Printf("orphaned asset %s after failed queue append: %v", storagePath, delErr)
		}
		return model.Item{}, err
	}
	return item, nil
}

// Claim moves uploaded -> in-progress. Only trusted users and admins may
// claim; whoever observes status uploaded inside the critical section wins,
// everyone else gets ErrAlreadyClaimed with state unchanged.
func (s *Service) Claim(ctx context.Context, actor model.User, id string) (model.Item, error) {
	if !actor.Role.CanClaim() {
		return model.Item{}, ForbiddenError{Action: "claim images"}
	}
	return s.Repo.UpdateItem(ctx, id, func(item *model.Item) error {
		if item.Status != model.StatusUploaded {
			return ErrAlreadyClaimed
		}
		item.Status = model.StatusInProgress
		item.ClaimedBy = actor.Username
		return nil
	})
}

// Unclaim moves in-progress -> uploaded. The claimant may release their own
// claim; an admin may force-release anyone's.
func (s *Service) Unclaim(ctx context.Context, actor model.User, id string) (model.Item, error) {
	return s.Repo.UpdateItem(ctx, id, func(item *model.Item) error {
		if item.Status != model.StatusInProgress {
			return ErrNotInProgress
		}
		if item.ClaimedBy != actor.Username && actor.Role != model.RoleAdmin {
			return ErrNotClaimant
		}
		item.Status = model.StatusUploaded
		item.ClaimedBy = ""
		return nil
	})
}

// Complete moves in-progress -> completed and relocates the item into
// history. Only the current claimant may complete.
func (s *Service) Complete(ctx context.Context, actor model.User, id, notes string) (model.Item, error) {
	return s.Repo.CompleteItem(ctx, id, func(item *model.Item) error {
		if item.Status != model.StatusInProgress {
			return ErrNotInProgress
		}
		if item.ClaimedBy != actor.Username {
			return ErrNotClaimant
		}
		item.Status = model.StatusCompleted
		item.ClaimedBy = ""
		item.CompletedBy = actor.Username
		item.CompletedAt = s.nowMillis()
		item.CompletionNotes = notes
		return nil
	})
}

// Delete removes a non-completed item. Permitted for the uploader or an
// admin. The underlying asset is deleted best-effort afterwards; orphans are
// acceptable and swept later.
func (s *Service) Delete(ctx context.Context, actor model.User, id string) error {
	removed, err := s.Repo.RemoveItem(ctx, id, func(item model.Item) error {
		if item.Status == model.StatusCompleted {
			return ValidationError{Msg: "completed images cannot be deleted"}
		}
		if item.UploadedBy != actor.Username && actor.Role != model.RoleAdmin {
			return ForbiddenError{Action: "delete this image"}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if removed.StoragePath != "" {
		if err := s.Blobs.Delete(ctx, removed.StoragePath); err != nil {
			log.Printf("asset %s left behind after delete, sweeper will collect it: %v", removed.StoragePath, err)
		}
	}
	return nil
}

// SetUserRole changes an account's role. Admin only. The last admin cannot
// be demoted, not even by themselves.
func (s *Service) SetUserRole(ctx context.Context, actor model.User, username string, role model.Role) error {
	if actor.Role != model.RoleAdmin {
		return ForbiddenError{Action: "manage users"}
	}
	if !role.Valid() {
		return ValidationError{Msg: fmt.Sprintf("unknown role %q", role)}
	}
	return s.Repo.MutateUsers(ctx, func(users []model.User) ([]model.User, error) {
		idx := -1
		admins := 0
		for i, u := range users {
			if u.Role == model.RoleAdmin {
				admins++
			}
			if u.Username == username {
				idx = i
			}
		}
		if idx < 0 {
			return nil, repository.ErrUserNotFound
		}
		if users[idx].Role == model.RoleAdmin && role != model.RoleAdmin && admins <= 1 {
			return nil, ErrLastAdmin
		}
		users[idx].Role = role
		return users, nil
	})
}

// RemoveUser deletes an account. Admin only; the last admin cannot be
// removed.
func (s *Service) RemoveUser(ctx context.Context, actor model.User, username string) error {
	if actor.Role != model.RoleAdmin {
		return ForbiddenError{Action: "manage users"}
	}
	return s.Repo.MutateUsers(ctx, func(users []model.User) ([]model.User, error) {
		idx := -1
		admins := 0
		for i, u := range users {
			if u.Role == model.RoleAdmin {
				admins++
			}
			if u.Username == username {
				idx = i
			}
		}
		if idx < 0 {
			return nil, repository.ErrUserNotFound
		}
		if users[idx].Role == model.RoleAdmin && admins <= 1 {
			return nil, ErrLastAdmin
		}
		return append(users[:idx], users[idx+1:]...), nil
	})
}

// SetMaintenance flips the maintenance flag. Admin only.
func (s *Service) SetMaintenance(ctx context.Context, actor model.User, on bool) error {
	if actor.Role != model.RoleAdmin {
		return ForbiddenError{Action: "change maintenance mode"}
	}
	return s.Repo.SaveMaintenance(ctx, model.MaintenanceState{IsMaintenance: on})
}

// sanitizeFilename keeps only the base name so a crafted name cannot escape
// the uploads prefix.
func sanitizeFilename(name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || base == ".." {
		return "upload"
	}
	return base
}
