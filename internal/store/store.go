// Package store persists principals and their refresh records.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("store: not found")
	ErrDuplicateUsername = errors.New("store: username already exists")
	ErrDuplicateEmail    = errors.New("store: email already exists")
)

// Principal is an authenticatable account. PasswordHash must not leave the
// service; use Public for anything sent to a client.
type Principal struct {
	ID                 string
	Username           string
	Email              string
	Fullname           string
	PasswordHash       string
	Level              int
	Active             bool
	MustChangePassword bool
	CreatedAt          time.Time
}

// PublicPrincipal is the outbound view of a Principal.
type PublicPrincipal struct {
	ID                 string    `json:"id"`
	Username           string    `json:"username"`
	Email              string    `json:"email"`
	Fullname           string    `json:"fullname"`
	Level              int       `json:"level"`
	Active             int       `json:"active"`
	MustChangePassword bool      `json:"mustChangePassword"`
	CreatedAt          time.Time `json:"createdate"`
}

func (p *Principal) Public() PublicPrincipal {
	active := 0
	if p.Active {
		active = 1
	}
	return PublicPrincipal{
		ID:                 p.ID,
		Username:           p.Username,
		Email:              p.Email,
		Fullname:           p.Fullname,
		Level:              p.Level,
		Active:             active,
		MustChangePassword: p.MustChangePassword,
		CreatedAt:          p.CreatedAt,
	}
}

// NewPrincipal carries the fields for CreatePrincipal. PasswordHash is
// already hashed.
type NewPrincipal struct {
	Username           string
	Email              string
	Fullname           string
	PasswordHash       string
	Level              int
	Active             bool
	MustChangePassword bool
}

// PrincipalUpdate is a partial update; nil fields are left alone.
type PrincipalUpdate struct {
	Fullname *string
	Level    *int
	Active   *bool
}

func (u PrincipalUpdate) Empty() bool {
	return u.Fullname == nil && u.Level == nil && u.Active == nil
}

// RefreshRecord is the server-side trace of an issued refresh token. Only
// the revoked flag ever changes, and only from false to true.
type RefreshRecord struct {
	ID          string
	PrincipalID string
	TokenHash   string
	ExpiresAt   time.Time
	Revoked     bool
	RevokedAt   *time.Time
	CreatedAt   time.Time
}

// Live reports whether r can still be redeemed at now.
func (r *RefreshRecord) Live(now time.Time) bool {
	return !r.Revoked && r.ExpiresAt.After(now)
}

// Store is implemented by every storage adapter.
type Store interface {
	// FindPrincipal looks up by username first, then by email.
	FindPrincipal(ctx context.Context, usernameOrEmail string) (*Principal, error)
	FindPrincipalByID(ctx context.Context, id string) (*Principal, error)
	ListPrincipals(ctx context.Context) ([]*Principal, error)
	CreatePrincipal(ctx context.Context, p NewPrincipal) (*Principal, error)
	UpdatePrincipal(ctx context.Context, id string, u PrincipalUpdate) (*Principal, error)
	// SetPassword stores a new hash, clears MustChangePassword and activates
	// the principal.
	SetPassword(ctx context.Context, id, hash string) (*Principal, error)
	// DeletePrincipal removes the principal together with its refresh records.
	DeletePrincipal(ctx context.Context, id string) error

	// InsertRefreshRecord returns ErrNotFound when the principal does not exist.
	InsertRefreshRecord(ctx context.Context, principalID, tokenHash string, expiresAt time.Time) (*RefreshRecord, error)
	// ListLiveRefreshRecords returns unrevoked, unexpired records.
	ListLiveRefreshRecords(ctx context.Context, principalID string) ([]*RefreshRecord, error)
	// RevokeRefreshRecord flips one record to revoked and reports whether
	// this call made the transition.
	RevokeRefreshRecord(ctx context.Context, id string) (bool, error)
	// RevokeAllRefreshRecords revokes the principal's live records and returns
	// how many it revoked.
	RevokeAllRefreshRecords(ctx context.Context, principalID string) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}
