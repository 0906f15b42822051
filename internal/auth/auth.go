// Package auth covers password hashing and the HS256 tokens used for both
// user sessions and scoped realtime-subscribe grants.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/dharsanguruparan/hubqueue/internal/model"
)

// HashPassword derives a bcrypt hash from the raw secret.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches the stored hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// TokenIssuer mints and parses session tokens.
type TokenIssuer struct {
	Secret []byte
	TTL    time.Duration
	Now    func() time.Time
}

// SessionClaims is what a session token carries. Role is a convenience for
// the UI; permission checks re-read the user record, so a stale role in a
// token cannot grant anything.
type SessionClaims struct {
	jwt.RegisteredClaims
	Role model.Role `json:"role,omitempty"`
}

// RealtimeClaims scope a token to subscribing on one channel.
type RealtimeClaims struct {
	jwt.RegisteredClaims
	Channel    string   `json:"channel"`
	Capability []string `json:"capability"`
}

func (ti TokenIssuer) now() time.Time {
	if ti.Now != nil {
		return ti.Now()
	}
	return time.Now()
}

// IssueSession returns a signed token for the user.
func (ti TokenIssuer) IssueSession(user model.User) (string, error) {
	now := ti.now()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ti.TTL)),
		},
		Role: user.Role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.Secret)
}

// ParseSession validates a session token and returns its claims.
func (ti TokenIssuer) ParseSession(token string) (SessionClaims, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &SessionClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return ti.Secret, nil
	})
	if err != nil {
		return SessionClaims{}, err
	}
	if !parsed.Valid {
		return SessionClaims{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return SessionClaims{}, errors.New("subject claim required")
	}
	return *claims, nil
}

// IssueRealtime returns a short-lived subscribe-only token for the given
// client id and channel. Clients hand it to the realtime transport; it
// cannot be used as a session.
func (ti TokenIssuer) IssueRealtime(clientID, channel string, ttl time.Duration) (string, error) {
	now := ti.now()
	claims := RealtimeClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Channel:    channel,
		Capability: []string{"subscribe"},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.Secret)
}
