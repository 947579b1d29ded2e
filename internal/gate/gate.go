// Package gate makes the per-request authorization decision from verified
// claims and a required role level.
package gate

import (
	"github.com/example/nilesession/internal/apperr"
	"github.com/example/nilesession/internal/token"
)

// Role levels are a flat integer scale, higher is more privileged.
const (
	MinLevel = 0
	MaxLevel = 10

	// LevelAdmin is required for principal management.
	LevelAdmin = 5
)

type Reason int

const (
	ReasonNone Reason = iota
	ReasonUnauthenticated
	ReasonInsufficientLevel
)

func (r Reason) String() string {
	switch r {
	case ReasonUnauthenticated:
		return "unauthenticated"
	case ReasonInsufficientLevel:
		return "insufficient_level"
	default:
		return "none"
	}
}

// Decision is the result of Authorize. A zero Decision denies nothing and
// allows nothing; always check Allowed.
type Decision struct {
	Allowed bool
	Reason  Reason
}

func Allow() Decision { return Decision{Allowed: true} }

func Deny(r Reason) Decision { return Decision{Reason: r} }

// Err maps a denial onto the error taxonomy. It returns nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	if d.Reason == ReasonInsufficientLevel {
		return apperr.ErrInsufficientLevel
	}
	return apperr.ErrUnauthenticated
}

// Authorize allows iff claims is non-nil and claims.Level >= required.
func Authorize(claims *token.Claims, required int) Decision {
	if claims == nil {
		return Deny(ReasonUnauthenticated)
	}
	if claims.Level < required {
		return Deny(ReasonInsufficientLevel)
	}
	return Allow()
}
