// Package events publishes session lifecycle events for downstream audit
// consumers. Publishing is best effort: callers log failures and carry on.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type Type string

const (
	LoginSucceeded   Type = "login.succeeded"
	LoginFailed      Type = "login.failed"
	LoginRestricted  Type = "login.password_change_required"
	RefreshRotated   Type = "refresh.rotated"
	RefreshReused    Type = "refresh.reused"
	LoggedOut        Type = "logout"
	PasswordChanged  Type = "password.changed"
	PrincipalCreated Type = "principal.created"
	PrincipalUpdated Type = "principal.updated"
	PrincipalDeleted Type = "principal.deleted"
)

// Event is the message body. It never carries secrets or token material.
type Event struct {
	Type        Type              `json:"type"`
	PrincipalID string            `json:"principal_id,omitempty"`
	Username    string            `json:"username,omitempty"`
	ActorID     string            `json:"actor_id,omitempty"`
	Revoked     int64             `json:"revoked,omitempty"`
	Attrs       map[string]string `json:"attrs,omitempty"`
	At          time.Time         `json:"at"`
}

func (e Event) Marshal() ([]byte, error) { return json.Marshal(e) }

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }

// LogPublisher writes events to a logger at info level.
type LogPublisher struct {
	Log logrus.FieldLogger
}

func (p LogPublisher) Publish(_ context.Context, e Event) error {
	fields := logrus.Fields{"event": e.Type, "at": e.At}
	if e.PrincipalID != "" {
		fields["principal_id"] = e.PrincipalID
	}
	if e.Username != "" {
		fields["username"] = e.Username
	}
	if e.ActorID != "" {
		fields["actor_id"] = e.ActorID
	}
	if e.Revoked != 0 {
		fields["revoked"] = e.Revoked
	}
	for k, v := range e.Attrs {
		fields[k] = v
	}
	p.Log.WithFields(fields).Info("session event")
	return nil
}

func (LogPublisher) Close() error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the type of each recorded event, in order.
func (r *Recorder) Types() []Type {
	evs := r.Events()
	out := make([]Type, len(evs))
	for i, e := range evs {
		out[i] = e.Type
	}
	return out
}
