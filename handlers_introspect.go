package main

import (
	"net/http"

	"github.com/example/nilesession/internal/apperr"
	"github.com/example/nilesession/internal/token"
)

// introspection follows the RFC 7662 response shape. Inactive tokens carry
// no other member.
type introspection struct {
	Active    bool          `json:"active"`
	Subject   string        `json:"sub,omitempty"`
	Username  string        `json:"username,omitempty"`
	Level     *int          `json:"level,omitempty"`
	TokenType token.Purpose `json:"token_type,omitempty"`
	IssuedAt  int64         `json:"iat,omitempty"`
	ExpiresAt int64         `json:"exp,omitempty"`
	JTI       string        `json:"jti,omitempty"`
}

// HandleTokenIntrospect lets an administrator ask whether an access or
// refresh token is currently usable.
// POST /api/token/introspect
func (a *App) HandleTokenIntrospect(w http.ResponseWriter, r *http.Request, _ *token.Claims) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeAppError(w, r, a.log, err)
		return
	}
	if req.Token == "" {
		writeAppError(w, r, a.log, apperr.Invalid("token", "Token is required"))
		return
	}

	info, err := a.sessions.Introspect(r.Context(), req.Token)
	if err != nil {
		writeAppError(w, r, a.log, err)
		return
	}
	out := introspection{Active: info.Active}
	if c := info.Claims; info.Active && c != nil {
		level := c.Level
		out.Subject = c.UserID
		out.Username = c.Username
		out.Level = &level
		out.TokenType = c.Purpose
		out.JTI = c.RegisteredClaims.ID
		if c.IssuedAt != nil {
			out.IssuedAt = c.IssuedAt.Unix()
		}
		if c.ExpiresAt != nil {
			out.ExpiresAt = c.ExpiresAt.Unix()
		}
	}
	writeJSON(w, http.StatusOK, out)
}
