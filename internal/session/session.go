// Package session implements the login, refresh and logout protocol on top
// of the credential store, the secret hasher and the token codec.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/example/nilesession/internal/apperr"
	"github.com/example/nilesession/internal/events"
	"github.com/example/nilesession/internal/hasher"
	"github.com/example/nilesession/internal/store"
	"github.com/example/nilesession/internal/token"
)

// Config holds token lifetimes and the reuse policy.
type Config struct {
	AccessTTL         time.Duration
	RefreshTTL        time.Duration
	PasswordChangeTTL time.Duration
	// ReuseRevokesAll revokes every live session of a principal when a
	// correctly signed refresh token matches none of its live records.
	ReuseRevokesAll bool
}

func DefaultConfig() Config {
	return Config{
		AccessTTL:         15 * time.Minute,
		RefreshTTL:        7 * 24 * time.Hour,
		PasswordChangeTTL: 10 * time.Minute,
		ReuseRevokesAll:   true,
	}
}

// Result is what a successful login or refresh hands back. On a
// must-change-password login only PasswordChangeToken is set.
type Result struct {
	AccessToken         string
	AccessExpiresAt     time.Time
	RefreshToken        string
	RefreshExpiresAt    time.Time
	PasswordChangeToken string
	Principal           store.PublicPrincipal
}

// PasswordPolicy validates a new password before it is hashed.
type PasswordPolicy func(password string) error

type Manager struct {
	store  store.Store
	hasher hasher.Hasher
	codec  *token.Codec
	cfg    Config
	events events.Publisher
	policy PasswordPolicy
	log    logrus.FieldLogger
	dummy  string
}

type Option func(*Manager)

func WithEvents(p events.Publisher) Option {
	return func(m *Manager) { m.events = p }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(m *Manager) { m.log = l }
}

// WithPasswordPolicy sets the rule applied by CompletePasswordChange.
func WithPasswordPolicy(p PasswordPolicy) Option {
	return func(m *Manager) { m.policy = p }
}

func NewManager(s store.Store, h hasher.Hasher, c *token.Codec, cfg Config, opts ...Option) (*Manager, error) {
	// compared against when the principal does not exist, so a miss costs
	// the same as a wrong password
	dummy, err := h.Hash("nilesession-dummy-password")
	if err != nil {
		return nil, err
	}
	m := &Manager{
		store:  s,
		hasher: h,
		codec:  c,
		cfg:    cfg,
		events: events.Noop{},
		policy: func(string) error { return nil },
		log:    logrus.StandardLogger(),
		dummy:  dummy,
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

func identityOf(p *store.Principal) token.Identity {
	active := 0
	if p.Active {
		active = 1
	}
	return token.Identity{
		ID:       p.ID,
		Username: p.Username,
		Email:    p.Email,
		Fullname: p.Fullname,
		Level:    p.Level,
		Active:   active,
	}
}

func (m *Manager) publish(ctx context.Context, e events.Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	if err := m.events.Publish(ctx, e); err != nil {
		m.log.WithError(err).WithField("event", e.Type).Warn("event publish failed")
	}
}

// Login authenticates by username or email. A missing principal and a
// wrong password produce the same error.
func (m *Manager) Login(ctx context.Context, identifier, password string) (*Result, error) {
	if identifier == "" || password == "" {
		return nil, apperr.ErrInvalidCredentials
	}
	p, err := m.store.FindPrincipal(ctx, identifier)
	switch {
	case errors.Is(err, store.ErrNotFound):
		m.hasher.Compare(m.dummy, password)
		m.loginFailed(ctx, identifier, "")
		return nil, apperr.ErrInvalidCredentials
	case err != nil:
		return nil, apperr.Internal(err)
	}
	if !m.hasher.Compare(p.PasswordHash, password) {
		m.loginFailed(ctx, identifier, p.ID)
		return nil, apperr.ErrInvalidCredentials
	}

	if p.MustChangePassword {
		raw, _, err := m.codec.Issue(identityOf(p), token.PurposePasswordChange, m.cfg.PasswordChangeTTL)
		if err != nil {
			return nil, apperr.Internal(err)
		}
		m.publish(ctx, events.Event{Type: events.LoginRestricted, PrincipalID: p.ID, Username: p.Username})
		return &Result{PasswordChangeToken: raw, Principal: p.Public()}, apperr.ErrMustChangePassword
	}
	if !p.Active {
		m.log.WithField("principal_id", p.ID).Info("login refused for inactive account")
		return nil, apperr.ErrAccountInactive
	}

	res, err := m.issuePair(ctx, p)
	if err != nil {
		return nil, err
	}
	m.log.WithFields(logrus.Fields{"principal_id": p.ID, "username": p.Username}).Info("login succeeded")
	m.publish(ctx, events.Event{Type: events.LoginSucceeded, PrincipalID: p.ID, Username: p.Username})
	return res, nil
}

func (m *Manager) loginFailed(ctx context.Context, identifier, principalID string) {
	m.log.WithFields(logrus.Fields{"identifier": identifier, "known": principalID != ""}).Warn("login failed")
	m.publish(ctx, events.Event{Type: events.LoginFailed, PrincipalID: principalID, Attrs: map[string]string{"identifier": identifier}})
}

// issuePair mints an access and refresh token for p and persists the hash
// of the refresh token.
func (m *Manager) issuePair(ctx context.Context, p *store.Principal) (*Result, error) {
	id := identityOf(p)
	access, accessExp, err := m.codec.Issue(id, token.PurposeAccess, m.cfg.AccessTTL)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	refresh, refreshExp, err := m.codec.Issue(id, token.PurposeRefresh, m.cfg.RefreshTTL)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	hash, err := hasher.HashToken(m.hasher, refresh)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if _, err := m.store.InsertRefreshRecord(ctx, p.ID, hash, refreshExp); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.ErrPrincipalNotFound
		}
		return nil, apperr.Internal(err)
	}
	return &Result{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshExp,
		Principal:        p.Public(),
	}, nil
}

// Refresh redeems a refresh token for a new access and refresh pair. The
// presented token is consumed: a second use fails.
func (m *Manager) Refresh(ctx context.Context, presented string) (*Result, error) {
	if presented == "" {
		return nil, apperr.ErrRefreshRequired
	}
	claims := m.codec.Verify(presented, token.PurposeRefresh)
	if claims == nil {
		return nil, apperr.ErrRefreshInvalid
	}

	match, err := m.liveRecord(ctx, claims.UserID, presented)
	if err != nil {
		return nil, err
	}
	if match == nil {
		m.reuseDetected(ctx, claims)
		return nil, apperr.ErrRefreshInvalid
	}

	p, err := m.store.FindPrincipalByID(ctx, claims.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.ErrPrincipalNotFound
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}

	won, err := m.store.RevokeRefreshRecord(ctx, match.ID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if !won {
		// a concurrent refresh consumed it first
		return nil, apperr.ErrRefreshInvalid
	}

	if p.MustChangePassword {
		return nil, apperr.ErrMustChangePassword
	}
	if !p.Active {
		return nil, apperr.ErrAccountInactive
	}

	res, err := m.issuePair(ctx, p)
	if err != nil {
		return nil, err
	}
	m.log.WithField("principal_id", p.ID).Debug("refresh token rotated")
	m.publish(ctx, events.Event{Type: events.RefreshRotated, PrincipalID: p.ID, Username: p.Username})
	return res, nil
}

// liveRecord finds the live refresh record matching presented, or nil.
func (m *Manager) liveRecord(ctx context.Context, principalID, presented string) (*store.RefreshRecord, error) {
	records, err := m.store.ListLiveRefreshRecords(ctx, principalID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	for _, r := range records {
		if hasher.CompareToken(m.hasher, r.TokenHash, presented) {
			return r, nil
		}
	}
	return nil, nil
}

// Introspection describes a presented token without consuming it.
type Introspection struct {
	Active bool
	Claims *token.Claims
}

// Introspect reports whether raw is currently usable as an access or
// refresh token. A refresh token is active only while its record is live.
// Nothing is revoked or rotated, and restricted tokens are never active.
func (m *Manager) Introspect(ctx context.Context, raw string) (Introspection, error) {
	if c := m.codec.Verify(raw, token.PurposeAccess); c != nil {
		return Introspection{Active: true, Claims: c}, nil
	}
	c := m.codec.Verify(raw, token.PurposeRefresh)
	if c == nil {
		return Introspection{}, nil
	}
	rec, err := m.liveRecord(ctx, c.UserID, raw)
	if err != nil || rec == nil {
		return Introspection{}, err
	}
	return Introspection{Active: true, Claims: c}, nil
}

// reuseDetected handles a validly signed refresh token that has no live
// record: it was already rotated, revoked or never persisted.
func (m *Manager) reuseDetected(ctx context.Context, claims *token.Claims) {
	entry := m.log.WithFields(logrus.Fields{"principal_id": claims.UserID, "jti": claims.RegisteredClaims.ID})
	if !m.cfg.ReuseRevokesAll {
		entry.Warn("refresh token has no live record")
		return
	}
	n, err := m.store.RevokeAllRefreshRecords(ctx, claims.UserID)
	if err != nil {
		entry.WithError(err).Error("revoking sessions after refresh reuse failed")
		return
	}
	entry.WithField("revoked", n).Warn("refresh token reuse, revoked all sessions")
	m.publish(ctx, events.Event{Type: events.RefreshReused, PrincipalID: claims.UserID, Username: claims.Username, Revoked: n})
}

// Logout revokes every live refresh record of the principal. Calling it
// again is harmless.
func (m *Manager) Logout(ctx context.Context, principalID string) error {
	if principalID == "" {
		return apperr.ErrUnauthenticated
	}
	n, err := m.store.RevokeAllRefreshRecords(ctx, principalID)
	if err != nil {
		return apperr.Internal(err)
	}
	m.log.WithFields(logrus.Fields{"principal_id": principalID, "revoked": n}).Info("logout")
	m.publish(ctx, events.Event{Type: events.LoggedOut, PrincipalID: principalID, Revoked: n})
	return nil
}

// CompletePasswordChange finishes a forced password change using the
// restricted token issued by Login. All existing sessions are revoked and a
// fresh pair is issued.
func (m *Manager) CompletePasswordChange(ctx context.Context, restricted, newPassword string) (*Result, error) {
	claims := m.codec.Verify(restricted, token.PurposePasswordChange)
	if claims == nil {
		return nil, apperr.ErrUnauthenticated
	}
	if err := m.policy(newPassword); err != nil {
		return nil, err
	}
	hash, err := m.hasher.Hash(newPassword)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	p, err := m.store.SetPassword(ctx, claims.UserID, hash)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.ErrPrincipalNotFound
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if _, err := m.store.RevokeAllRefreshRecords(ctx, p.ID); err != nil {
		return nil, apperr.Internal(err)
	}
	m.publish(ctx, events.Event{Type: events.PasswordChanged, PrincipalID: p.ID, Username: p.Username, ActorID: p.ID})

	return m.issuePair(ctx, p)
}
