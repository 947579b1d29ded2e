package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/example/nilesession/internal/apperr"
	"github.com/example/nilesession/internal/gate"
	"github.com/example/nilesession/internal/session"
	"github.com/example/nilesession/internal/token"
)

const (
	accessCookie  = "access_token"
	refreshCookie = "refresh_token"

	maxBodyBytes = 1 << 20
)

// claimsHandler receives the verified claims of the caller explicitly.
type claimsHandler func(w http.ResponseWriter, r *http.Request, claims *token.Claims)

// decodeJSON reads a JSON body into v. An empty body leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return apperr.Invalid("", "Invalid request body")
	}
	return nil
}

// bearerOrCookie returns the token from the Authorization header, falling
// back to the named cookie.
func bearerOrCookie(r *http.Request, cookie string) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if c, err := r.Cookie(cookie); err == nil {
		return c.Value
	}
	return ""
}

// protect verifies the access token and requires at least level before
// calling h.
func (a *App) protect(level int, h claimsHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := a.codec.Verify(bearerOrCookie(r, accessCookie), token.PurposeAccess)
		if d := gate.Authorize(claims, level); !d.Allowed {
			entry := a.log.WithFields(map[string]interface{}{
				"path":     r.URL.Path,
				"method":   r.Method,
				"reason":   d.Reason.String(),
				"required": level,
			})
			if claims != nil {
				entry = entry.WithField("principal_id", claims.UserID)
			}
			entry.Warn("access denied")
			writeAppError(w, r, a.log, d.Err())
			return
		}
		h(w, r, claims)
	}
}

func (a *App) cookie(name, value string, maxAge time.Duration) *http.Cookie {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   a.cfg.IsProduction(),
		SameSite: http.SameSiteStrictMode,
	}
	if maxAge > 0 {
		c.MaxAge = int(maxAge.Seconds())
		c.Expires = time.Now().Add(maxAge)
	} else {
		c.MaxAge = -1
		c.Expires = time.Unix(0, 0)
	}
	return c
}

func (a *App) setSessionCookies(w http.ResponseWriter, res *session.Result) {
	http.SetCookie(w, a.cookie(accessCookie, res.AccessToken, a.cfg.Tokens.AccessTTL))
	http.SetCookie(w, a.cookie(refreshCookie, res.RefreshToken, a.cfg.Tokens.RefreshTTL))
}

func (a *App) clearSessionCookies(w http.ResponseWriter) {
	http.SetCookie(w, a.cookie(accessCookie, "", 0))
	http.SetCookie(w, a.cookie(refreshCookie, "", 0))
}

type loginRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type mustChangeResponse struct {
	APIError
	MustChangePassword  bool   `json:"mustChangePassword"`
	PasswordChangeToken string `json:"passwordChangeToken"`
	ExpiresIn           int    `json:"expiresIn"`
}

func (a *App) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAppError(w, r, a.log, err)
		return
	}
	identifier := strings.TrimSpace(req.Username)
	if identifier == "" {
		identifier = strings.TrimSpace(req.Email)
	}
	if identifier == "" || req.Password == "" {
		writeAppError(w, r, a.log, apperr.Invalid("", "Username or email and password are required"))
		return
	}

	res, err := a.sessions.Login(r.Context(), identifier, req.Password)
	if errors.Is(err, apperr.ErrMustChangePassword) && res != nil {
		writeJSON(w, http.StatusForbidden, mustChangeResponse{
			APIError:            APIError{Code: apperr.ErrMustChangePassword.Code, Message: apperr.ErrMustChangePassword.Message},
			MustChangePassword:  true,
			PasswordChangeToken: res.PasswordChangeToken,
			ExpiresIn:           int(a.cfg.Tokens.PasswordChangeTTL.Seconds()),
		})
		return
	}
	if err != nil {
		writeAppError(w, r, a.log, err)
		return
	}

	a.setSessionCookies(w, res)
	writeSuccess(w, http.StatusOK, map[string]interface{}{"user": res.Principal})
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (a *App) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	presented := ""
	if c, err := r.Cookie(refreshCookie); err == nil {
		presented = c.Value
	}
	if presented == "" {
		var req refreshRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeAppError(w, r, a.log, err)
			return
		}
		presented = req.RefreshToken
	}

	res, err := a.sessions.Refresh(r.Context(), presented)
	if err != nil {
		if errors.Is(err, apperr.ErrPrincipalNotFound) {
			err = apperr.ErrRefreshInvalid
		}
		if apperr.KindOf(err) != apperr.KindInternal {
			a.clearSessionCookies(w)
		}
		writeAppError(w, r, a.log, err)
		return
	}

	a.setSessionCookies(w, res)
	writeSuccess(w, http.StatusOK, map[string]interface{}{"user": res.Principal})
}

// HandleLogout accepts either a valid access token or a valid refresh token
// so a client whose access token has expired can still sign out.
func (a *App) HandleLogout(w http.ResponseWriter, r *http.Request) {
	claims := a.codec.Verify(bearerOrCookie(r, accessCookie), token.PurposeAccess)
	if claims == nil {
		if c, err := r.Cookie(refreshCookie); err == nil {
			claims = a.codec.Verify(c.Value, token.PurposeRefresh)
		}
	}
	if claims == nil {
		a.clearSessionCookies(w)
		writeAppError(w, r, a.log, apperr.ErrUnauthenticated)
		return
	}

	if err := a.sessions.Logout(r.Context(), claims.UserID); err != nil {
		writeAppError(w, r, a.log, err)
		return
	}
	a.clearSessionCookies(w)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Signed out",
	})
}

type passwordChangeRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

func (a *App) HandlePasswordChange(w http.ResponseWriter, r *http.Request) {
	var req passwordChangeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAppError(w, r, a.log, err)
		return
	}
	if req.Token == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			req.Token = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		}
	}

	res, err := a.sessions.CompletePasswordChange(r.Context(), req.Token, req.Password)
	if err != nil {
		writeAppError(w, r, a.log, err)
		return
	}
	a.setSessionCookies(w, res)
	writeSuccess(w, http.StatusOK, map[string]interface{}{"user": res.Principal})
}

type sessionView struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	Fullname  string `json:"fullname"`
	Level     int    `json:"level"`
	Active    int    `json:"active"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

func (a *App) HandleSession(w http.ResponseWriter, r *http.Request, c *token.Claims) {
	v := sessionView{
		ID:       c.UserID,
		Username: c.Username,
		Email:    c.Email,
		Fullname: c.Fullname,
		Level:    c.Level,
		Active:   c.Active,
	}
	if c.IssuedAt != nil {
		v.IssuedAt = c.IssuedAt.Unix()
	}
	if c.ExpiresAt != nil {
		v.ExpiresAt = c.ExpiresAt.Unix()
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{"user": v})
}

func (a *App) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"environment": a.cfg.Env,
		"uptime":      time.Since(a.started).Round(time.Second).String(),
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *App) HandleReady(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Ping(r.Context()); err != nil {
		a.log.WithError(err).Warn("readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}
