package main

import (
	"net/http"
	"strings"

	"github.com/example/nilesession/internal/account"
	"github.com/example/nilesession/internal/apperr"
	"github.com/example/nilesession/internal/gate"
	"github.com/example/nilesession/internal/token"
)

type idRequest struct {
	ID string `json:"id"`
}

func (r idRequest) validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return apperr.Invalid("id", "id is required")
	}
	return nil
}

func (a *App) HandleListUsers(w http.ResponseWriter, r *http.Request, _ *token.Claims) {
	users, err := a.accounts.List(r.Context())
	if err != nil {
		writeAppError(w, r, a.log, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"users": users,
		"count": len(users),
	})
}

// HandleGetUser lets administrators read any principal and everyone else
// read only themselves.
func (a *App) HandleGetUser(w http.ResponseWriter, r *http.Request, c *token.Claims) {
	var req idRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAppError(w, r, a.log, err)
		return
	}
	if err := req.validate(); err != nil {
		writeAppError(w, r, a.log, err)
		return
	}
	if req.ID != c.UserID && c.Level < gate.LevelAdmin {
		writeAppError(w, r, a.log, apperr.ErrInsufficientLevel)
		return
	}

	u, err := a.accounts.Get(r.Context(), req.ID)
	if err != nil {
		writeAppError(w, r, a.log, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{"user": u})
}

func (a *App) HandleCreateUser(w http.ResponseWriter, r *http.Request, c *token.Claims) {
	var in account.CreateInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeAppError(w, r, a.log, err)
		return
	}
	u, err := a.accounts.Create(r.Context(), c.UserID, in)
	if err != nil {
		writeAppError(w, r, a.log, err)
		return
	}
	writeSuccess(w, http.StatusCreated, map[string]interface{}{"user": u})
}

type updateRequest struct {
	ID string `json:"id"`
	account.UpdateInput
}

func (a *App) HandleUpdateUser(w http.ResponseWriter, r *http.Request, c *token.Claims) {
	var req updateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAppError(w, r, a.log, err)
		return
	}
	u, err := a.accounts.Update(r.Context(), c.UserID, req.ID, req.UpdateInput)
	if err != nil {
		writeAppError(w, r, a.log, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{"user": u})
}

type chgpassRequest struct {
	ID       string `json:"id"`
	Password string `json:"password"`
}

func (a *App) HandleChangePassword(w http.ResponseWriter, r *http.Request, c *token.Claims) {
	var req chgpassRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAppError(w, r, a.log, err)
		return
	}
	u, err := a.accounts.ChangePassword(r.Context(), c.UserID, req.ID, req.Password)
	if err != nil {
		writeAppError(w, r, a.log, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{"user": u})
}

func (a *App) HandleDeleteUser(w http.ResponseWriter, r *http.Request, c *token.Claims) {
	var req idRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAppError(w, r, a.log, err)
		return
	}
	if req.ID == c.UserID {
		writeAppError(w, r, a.log, apperr.Invalid("id", "You cannot delete your own account"))
		return
	}
	if err := a.accounts.Delete(r.Context(), c.UserID, req.ID); err != nil {
		writeAppError(w, r, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "User deleted",
	})
}
