// Package account manages principals: creation, lookup, updates, password
// resets and deletion. Input is validated before anything reaches storage.
package account

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/example/nilesession/internal/apperr"
	"github.com/example/nilesession/internal/events"
	"github.com/example/nilesession/internal/gate"
	"github.com/example/nilesession/internal/hasher"
	"github.com/example/nilesession/internal/store"
)

// Defaults for principals created without explicit values. New accounts
// must change their password on first login, which also activates them.
const (
	DefaultLevel  = 1
	DefaultActive = 0
)

type CreateInput struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
	Fullname string `json:"fullname"`
	Level    *int   `json:"level,omitempty"`
	Active   *int   `json:"active,omitempty"`
	// MustChangePassword defaults to true.
	MustChangePassword *bool `json:"mustChangePassword,omitempty"`
}

type UpdateInput struct {
	Fullname *string `json:"fullname,omitempty"`
	Level    *int    `json:"level,omitempty"`
	Active   *int    `json:"active,omitempty"`
}

type Service struct {
	store  store.Store
	hasher hasher.Hasher
	events events.Publisher
	log    logrus.FieldLogger
}

func NewService(s store.Store, h hasher.Hasher, p events.Publisher, log logrus.FieldLogger) *Service {
	if p == nil {
		p = events.Noop{}
	}
	return &Service{store: s, hasher: h, events: p, log: log}
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	e.At = time.Now().UTC()
	if err := s.events.Publish(ctx, e); err != nil {
		s.log.WithError(err).WithField("event", e.Type).Warn("event publish failed")
	}
}

func mapStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return apperr.ErrPrincipalNotFound
	case errors.Is(err, store.ErrDuplicateUsername):
		return apperr.ErrDuplicateUsername
	case errors.Is(err, store.ErrDuplicateEmail):
		return apperr.ErrDuplicateEmail
	default:
		return apperr.Internal(err)
	}
}

func (s *Service) Create(ctx context.Context, actorID string, in CreateInput) (store.PublicPrincipal, error) {
	username := normalize(in.Username)
	email := strings.ToLower(strings.TrimSpace(in.Email))
	fullname := normalize(in.Fullname)
	level := DefaultLevel
	if in.Level != nil {
		level = *in.Level
	}
	active := DefaultActive
	if in.Active != nil {
		active = *in.Active
	}
	mustChange := true
	if in.MustChangePassword != nil {
		mustChange = *in.MustChangePassword
	}

	for _, err := range []error{
		validateUsername(username),
		validateEmail(email),
		validateFullname(fullname),
		validateLevel(level),
		validateActive(active),
		ValidatePassword(in.Password),
	} {
		if err != nil {
			return store.PublicPrincipal{}, err
		}
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return store.PublicPrincipal{}, apperr.Internal(err)
	}
	p, err := s.store.CreatePrincipal(ctx, store.NewPrincipal{
		Username:           username,
		Email:              email,
		Fullname:           fullname,
		PasswordHash:       hash,
		Level:              level,
		Active:             active == 1,
		MustChangePassword: mustChange,
	})
	if err != nil {
		return store.PublicPrincipal{}, mapStoreErr(err)
	}
	s.log.WithFields(logrus.Fields{"principal_id": p.ID, "username": p.Username, "actor_id": actorID}).Info("principal created")
	s.publish(ctx, events.Event{Type: events.PrincipalCreated, PrincipalID: p.ID, Username: p.Username, ActorID: actorID})
	return p.Public(), nil
}

func (s *Service) Get(ctx context.Context, id string) (store.PublicPrincipal, error) {
	if strings.TrimSpace(id) == "" {
		return store.PublicPrincipal{}, apperr.Invalid("id", "User id is required")
	}
	p, err := s.store.FindPrincipalByID(ctx, id)
	if err != nil {
		return store.PublicPrincipal{}, mapStoreErr(err)
	}
	return p.Public(), nil
}

func (s *Service) List(ctx context.Context) ([]store.PublicPrincipal, error) {
	ps, err := s.store.ListPrincipals(ctx)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	out := make([]store.PublicPrincipal, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.Public())
	}
	return out, nil
}

func (s *Service) Update(ctx context.Context, actorID, id string, in UpdateInput) (store.PublicPrincipal, error) {
	if strings.TrimSpace(id) == "" {
		return store.PublicPrincipal{}, apperr.Invalid("id", "User id is required")
	}
	var upd store.PrincipalUpdate
	if in.Fullname != nil {
		name := normalize(*in.Fullname)
		if err := validateFullname(name); err != nil {
			return store.PublicPrincipal{}, err
		}
		upd.Fullname = &name
	}
	if in.Level != nil {
		if err := validateLevel(*in.Level); err != nil {
			return store.PublicPrincipal{}, err
		}
		upd.Level = in.Level
	}
	if in.Active != nil {
		if err := validateActive(*in.Active); err != nil {
			return store.PublicPrincipal{}, err
		}
		active := *in.Active == 1
		upd.Active = &active
	}
	if upd.Empty() {
		return store.PublicPrincipal{}, apperr.Invalid("", "No fields provided to update")
	}

	p, err := s.store.UpdatePrincipal(ctx, id, upd)
	if err != nil {
		return store.PublicPrincipal{}, mapStoreErr(err)
	}
	s.publish(ctx, events.Event{Type: events.PrincipalUpdated, PrincipalID: p.ID, Username: p.Username, ActorID: actorID})
	return p.Public(), nil
}

// ChangePassword sets a new password for id on an administrator's behalf.
// The principal is activated, no longer has to change its password, and
// loses every existing session.
func (s *Service) ChangePassword(ctx context.Context, actorID, id, password string) (store.PublicPrincipal, error) {
	if strings.TrimSpace(id) == "" {
		return store.PublicPrincipal{}, apperr.Invalid("id", "User id is required")
	}
	if err := ValidatePassword(password); err != nil {
		return store.PublicPrincipal{}, err
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return store.PublicPrincipal{}, apperr.Internal(err)
	}
	p, err := s.store.SetPassword(ctx, id, hash)
	if err != nil {
		return store.PublicPrincipal{}, mapStoreErr(err)
	}
	n, err := s.store.RevokeAllRefreshRecords(ctx, p.ID)
	if err != nil {
		return store.PublicPrincipal{}, apperr.Internal(err)
	}
	s.publish(ctx, events.Event{Type: events.PasswordChanged, PrincipalID: p.ID, Username: p.Username, ActorID: actorID, Revoked: n})
	return p.Public(), nil
}

func (s *Service) Delete(ctx context.Context, actorID, id string) error {
	if strings.TrimSpace(id) == "" {
		return apperr.Invalid("id", "User id is required")
	}
	if err := s.store.DeletePrincipal(ctx, id); err != nil {
		return mapStoreErr(err)
	}
	s.log.WithFields(logrus.Fields{"principal_id": id, "actor_id": actorID}).Info("principal deleted")
	s.publish(ctx, events.Event{Type: events.PrincipalDeleted, PrincipalID: id, ActorID: actorID})
	return nil
}

// Bootstrap creates an active administrator at the highest level when the
// store holds no principals yet. It reports whether one was created.
func (s *Service) Bootstrap(ctx context.Context, username, email, fullname, password string) (bool, error) {
	existing, err := s.store.ListPrincipals(ctx)
	if err != nil {
		return false, apperr.Internal(err)
	}
	if len(existing) > 0 {
		return false, nil
	}
	level, active, mustChange := gate.MaxLevel, 1, false
	_, err = s.Create(ctx, "", CreateInput{
		Username:           username,
		Password:           password,
		Email:              email,
		Fullname:           fullname,
		Level:              &level,
		Active:             &active,
		MustChangePassword: &mustChange,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}
