// Package apperr defines the error kinds shared by the agent, config and
// transaction services and maps them onto HTTP responses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentpay/internal/logging"
)

var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrAlreadyProcessed = errors.New("already processed")
	ErrConfigNotFound   = errors.New("payment configuration not found")
	ErrCorruptHierarchy = errors.New("corrupt agent hierarchy")

	// ErrForbidden is returned for mutations of system-sourced agents and for
	// config writes by agents that may not own configuration.
	ErrForbidden = fmt.Errorf("%w: forbidden", ErrPermissionDenied)

	ErrInvalidLevel      = fmt.Errorf("%w: level must be between 1 and 4", ErrInvalidArgument)
	ErrInvalidCommission = fmt.Errorf("%w: commission rate must be between 0 and 100", ErrInvalidArgument)
)

// Code returns the stable machine-readable code for err, and the HTTP status
// it maps to. Unknown errors map to internal_error / 500.
func Code(err error) (string, int) {
	switch {
	case err == nil:
		return "", http.StatusOK
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized", http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return "forbidden", http.StatusForbidden
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied", http.StatusForbidden
	case errors.Is(err, ErrConfigNotFound):
		return "config_not_found", http.StatusNotFound
	case errors.Is(err, ErrNotFound):
		return "not_found", http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return "conflict", http.StatusConflict
	case errors.Is(err, ErrInvalidLevel):
		return "invalid_level", http.StatusBadRequest
	case errors.Is(err, ErrInvalidCommission):
		return "invalid_commission", http.StatusBadRequest
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument", http.StatusBadRequest
	case errors.Is(err, ErrAlreadyProcessed):
		return "already_processed", http.StatusConflict
	case errors.Is(err, ErrCorruptHierarchy):
		return "corrupt_hierarchy", http.StatusInternalServerError
	default:
		return "internal_error", http.StatusInternalServerError
	}
}

// Respond writes the error body for err. Internal errors are logged and their
// detail is withheld from the client.
func Respond(c *gin.Context, err error) {
	code, status := Code(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("request failed",
			"path", c.FullPath(),
			"error", err,
		)
		if code == "internal_error" {
			msg = "Internal server error"
		}
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error":   code,
		"message": msg,
	})
}
