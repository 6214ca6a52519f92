// Package validation provides input validation helpers for the payment API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/cryptonexus/payengine/internal/money"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxReasonLength caps free-text fields like dispute reasons.
const MaxReasonLength = 2000

var (
	// orderIDRegex matches the ORD-XXXXXXXX identifiers the storefront uses.
	orderIDRegex = regexp.MustCompile(`^ORD-[0-9A-F]{8}$`)
	// actorRefRegex matches opaque buyer/vendor references.
	actorRefRegex = regexp.MustCompile(`^[a-zA-Z0-9_\-]{1,64}$`)
	// txIDRegex matches transaction hashes from either chain.
	txIDRegex = regexp.MustCompile(`^[a-fA-F0-9]{8,128}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidOrderID checks the storefront order-id format.
func IsValidOrderID(id string) bool {
	return orderIDRegex.MatchString(id)
}

// IsValidActorRef checks a buyer/vendor reference.
func IsValidActorRef(ref string) bool {
	return actorRefRegex.MatchString(ref)
}

// IsValidTxID checks a blockchain transaction id.
func IsValidTxID(txID string) bool {
	return txIDRegex.MatchString(txID)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	s = strings.ReplaceAll(s, "\x00", "")
	return s
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
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

// ValidAmount checks that a field parses as a positive fixed-point amount.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		a, err := money.Parse(value)
		if err != nil {
			return &ValidationError{Field: field, Message: "must be a decimal amount with at most 8 decimal places"}
		}
		if !a.IsPositive() {
			return &ValidationError{Field: field, Message: "must be positive"}
		}
		return nil
	}
}

// ValidCurrency checks the code against the supported registry.
func ValidCurrency(field, code string, reg *money.Registry) func() *ValidationError {
	return func() *ValidationError {
		if code == "" {
			return nil
		}
		if !reg.Supported(code) {
			return &ValidationError{Field: field, Message: "unsupported currency"}
		}
		return nil
	}
}

// ValidActor checks a buyer/vendor reference field.
func ValidActor(field, ref string) func() *ValidationError {
	return func() *ValidationError {
		if ref == "" {
			return nil
		}
		if !IsValidActorRef(ref) {
			return &ValidationError{Field: field, Message: "must be 1-64 chars of [a-zA-Z0-9_-]"}
		}
		return nil
	}
}

// ValidTxID checks a transaction hash field.
func ValidTxID(field, txID string) func() *ValidationError {
	return func() *ValidationError {
		if !IsValidTxID(txID) {
			return &ValidationError{Field: field, Message: "must be an 8-128 char hex transaction id"}
		}
		return nil
	}
}

// PositiveQuantity checks an order quantity.
func PositiveQuantity(field string, qty int64) func() *ValidationError {
	return func() *ValidationError {
		if qty <= 0 {
			return &ValidationError{Field: field, Message: "must be a positive integer"}
		}
		return nil
	}
}
