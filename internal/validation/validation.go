// Package validation provides input checks for agent, config and transaction requests.
package validation

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/agentpay/internal/apperr"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

const (
	MinPasswordLength = 6
	MaxPasswordLength = 72 // bcrypt input limit
)

var (
	usernameRegex = regexp.MustCompile(`^[A-Za-z0-9_]{3,32}$`)
	// TRC-20 addresses are base58check, 34 chars, starting with T.
	tronAddressRegex = regexp.MustCompile(`^T[1-9A-HJ-NP-Za-km-z]{33}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidUSDTAddress accepts TRC-20 (T...) and ERC-20 (0x...) deposit addresses.
func IsValidUSDTAddress(addr string) bool {
	if tronAddressRegex.MatchString(addr) {
		return true
	}
	return strings.HasPrefix(addr, "0x") && common.IsHexAddress(addr)
}

// SanitizeString trims whitespace, strips NUL bytes and truncates to maxLen.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors. It matches
// apperr.ErrInvalidArgument under errors.Is.
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

func (e ValidationErrors) Unwrap() error {
	return apperr.ErrInvalidArgument
}

// Validate runs validators and collects the failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// Username checks the allowed username shape.
func Username(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if !usernameRegex.MatchString(value) {
			return &ValidationError{Field: field, Message: "must be 3-32 letters, digits or underscores"}
		}
		return nil
	}
}

// Password checks password length bounds.
func Password(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if len(value) < MinPasswordLength {
			return &ValidationError{Field: field, Message: "is too short"}
		}
		if len(value) > MaxPasswordLength {
			return &ValidationError{Field: field, Message: "is too long"}
		}
		return nil
	}
}

// USDTAddress checks an optional deposit address.
func USDTAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidUSDTAddress(value) {
			return &ValidationError{Field: field, Message: "must be a TRC-20 or ERC-20 address"}
		}
		return nil
	}
}

// URL checks an optional absolute http(s) URL.
func URL(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		u, err := url.Parse(value)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &ValidationError{Field: field, Message: "must be an http(s) URL"}
		}
		return nil
	}
}

// PositiveAmount checks that value parses as a decimal greater than zero
// with at most 6 fractional digits.
func PositiveAmount(field string, value decimal.Decimal) func() *ValidationError {
	return func() *ValidationError {
		if !value.IsPositive() {
			return &ValidationError{Field: field, Message: "must be greater than zero"}
		}
		if value.Exponent() < -6 && !value.Equal(value.Truncate(6)) {
			return &ValidationError{Field: field, Message: "supports at most 6 decimal places"}
		}
		return nil
	}
}
