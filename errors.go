package main

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/example/nilesession/internal/apperr"
)

// APIError represents a structured API error response
type APIError struct {
	Code    string   `json:"error_code"`
	Message string   `json:"error_message"`
	Field   string   `json:"field,omitempty"`
	Details []string `json:"details,omitempty"`
}

// writeError writes a structured error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, APIError{Code: code, Message: message})
}

// statusFor maps a failure kind onto an HTTP status.
func statusFor(k apperr.Kind) int {
	switch k {
	case apperr.KindUnauthenticated:
		return http.StatusUnauthorized
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindInvalid:
		return http.StatusBadRequest
	case apperr.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeAppError renders err. Internal causes are logged and never sent.
func writeAppError(w http.ResponseWriter, r *http.Request, log logrus.FieldLogger, err error) {
	e := apperr.As(err)
	status := statusFor(e.Kind)
	if status == http.StatusInternalServerError {
		log.WithError(e.Err).WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("request failed")
		writeError(w, status, apperr.ErrInternal.Code, apperr.ErrInternal.Message)
		return
	}
	writeJSON(w, status, APIError{
		Code:    e.Code,
		Message: e.Message,
		Field:   e.Field,
		Details: e.Details,
	})
}

// writeSuccess writes a success response
func writeSuccess(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, map[string]interface{}{
		"success": true,
		"data":    data,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}
