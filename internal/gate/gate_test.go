package gate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/example/nilesession/internal/apperr"
	"github.com/example/nilesession/internal/token"
)

func TestAuthorizeTotal(t *testing.T) {
	for level := MinLevel; level <= MaxLevel; level++ {
		claims := &token.Claims{UserID: "u", Level: level}
		for required := -3; required <= MaxLevel+3; required++ {
			d := Authorize(claims, required)
			assert.Equal(t, level >= required, d.Allowed, "level=%d required=%d", level, required)
			if !d.Allowed {
				assert.Equal(t, ReasonInsufficientLevel, d.Reason)
			}
		}
	}
}

func TestAuthorizeNilClaims(t *testing.T) {
	for required := -1; required <= MaxLevel; required++ {
		d := Authorize(nil, required)
		assert.False(t, d.Allowed)
		assert.Equal(t, ReasonUnauthenticated, d.Reason)
	}
}

func TestAdminScenario(t *testing.T) {
	admin := &token.Claims{Username: "admin", Level: 5}
	user := &token.Claims{Username: "testuser2", Level: 1}

	assert.Equal(t, Allow(), Authorize(admin, LevelAdmin))
	assert.Equal(t, Deny(ReasonInsufficientLevel), Authorize(user, LevelAdmin))
}

func TestDecisionErr(t *testing.T) {
	assert.NoError(t, Allow().Err())
	assert.True(t, errors.Is(Deny(ReasonInsufficientLevel).Err(), apperr.ErrInsufficientLevel))
	assert.True(t, errors.Is(Deny(ReasonUnauthenticated).Err(), apperr.ErrUnauthenticated))
}
