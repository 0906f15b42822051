// Package model contains the struct definitions shared across packages.
package model

// ItemStatus describes where a queued image sits in its lifecycle.
type ItemStatus string

const (
	StatusQueued     ItemStatus = "queued"
	StatusUploaded   ItemStatus = "uploaded"
	StatusInProgress ItemStatus = "in-progress"
	StatusCompleted  ItemStatus = "completed"
	StatusError      ItemStatus = "error"
)

// Item is one unit of work. Items with status "completed" live in the
// history collection; everything else lives in the active queue. An id never
// appears in both.
type Item struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	StoragePath string     `json:"storagePath"`
	Status      ItemStatus `json:"status"`
	UploadedBy  string     `json:"uploadedBy"`
	ClaimedBy   string     `json:"claimedBy,omitempty"`
	CompletedBy string     `json:"completedBy,omitempty"`
	// CompletionNotes is free text left by whoever completed the item.
	CompletionNotes string `json:"completionNotes,omitempty"`
	// Timestamps are unix milliseconds. They are informative for sorting,
	// not authoritative for ordering guarantees.
	CreatedAt   int64 `json:"createdAt,omitempty"`
	CompletedAt int64 `json:"completedAt,omitempty"`
}

// Role is a user's single access level.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleTrusted Role = "trusted"
	RoleUser    Role = "user"
	RoleBanned  Role = "banned"
)

// CanClaim reports whether the role may claim queue items.
func (r Role) CanClaim() bool {
	return r == RoleAdmin || r == RoleTrusted
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleTrusted, RoleUser, RoleBanned:
		return true
	}
	return false
}

// User is one account record in the users collection.
type User struct {
	Username     string `json:"username"`
	PasswordHash string `json:"passwordHash"`
	Role         Role   `json:"role"`
}

// MaintenanceState is the process-wide maintenance flag.
type MaintenanceState struct {
	IsMaintenance bool `json:"isMaintenance"`
}
