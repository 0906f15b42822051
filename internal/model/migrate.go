package model

import "encoding/json"

// Earlier schema generations stored access as three overlapping booleans
// (isAdmin / isTrusted / isBanned) instead of one role. MigrateUsers decodes
// a raw users document accepting either shape and returns canonical records.
// It runs once where the collection is loaded, never inline in read paths.
func MigrateUsers(raw []byte) ([]User, error) {
	var legacy []legacyUser
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return nil, err
	}
	users := make([]User, 0, len(legacy))
	for _, l := range legacy {
		users = append(users, User{
			Username:     l.Username,
			PasswordHash: l.PasswordHash,
			Role:         l.role(),
		})
	}
	return users, nil
}

type legacyUser struct {
	Username     string `json:"username"`
	PasswordHash string `json:"passwordHash"`
	Role         Role   `json:"role,omitempty"`
	IsAdmin      *bool  `json:"isAdmin,omitempty"`
	IsTrusted    *bool  `json:"isTrusted,omitempty"`
	IsBanned     *bool  `json:"isBanned,omitempty"`
}

// role collapses the boolean triplet into the enum. Banned wins over
// everything; admin implies trusted.
func (l legacyUser) role() Role {
	if l.Role.Valid() {
		return l.Role
	}
	switch {
	case l.IsBanned != nil && *l.IsBanned:
		return RoleBanned
	case l.IsAdmin != nil && *l.IsAdmin:
		return RoleAdmin
	case l.IsTrusted != nil && *l.IsTrusted:
		return RoleTrusted
	default:
		return RoleUser
	}
}
