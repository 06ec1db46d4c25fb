// Package validation provides input validation helpers and middleware for the Peertrade API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxTextLength is the maximum length for free-form text fields
// (offer terms, dispute evidence, rating comments).
const MaxTextLength = 10000

// MaxAmountScale is the maximum number of fractional digits accepted
// for trade and escrow amounts. The ledger stores eight.
const MaxAmountScale = 8

var (
	// ethAddressRegex validates participant addresses
	ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	// txHashRegex validates settlement transaction hashes
	txHashRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)
	// currencyRegex validates ISO 4217 style fiat currency codes
	currencyRegex = regexp.MustCompile(`^[A-Z]{3}$`)
	// cryptoCodeRegex validates crypto asset ticker symbols
	cryptoCodeRegex = regexp.MustCompile(`^[A-Z]{2,6}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidAddress checks if a string is a valid participant address
func IsValidAddress(addr string) bool {
	return ethAddressRegex.MatchString(addr)
}

// IsValidTxHash checks if a string is a valid settlement transaction hash
func IsValidTxHash(s string) bool {
	return txHashRegex.MatchString(s)
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

// SanitizeAddress normalizes a participant address to lowercase 0x form
func SanitizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.ToLower(addr)
	if !strings.HasPrefix(addr, "0x") && len(addr) == 40 {
		addr = "0x" + addr
	}
	return addr
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

// ValidAddress checks if a field is a valid participant address
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidAddress(value) {
			return &ValidationError{Field: field, Message: "must be a valid address (0x + 40 hex chars)"}
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

// ValidAmount checks that a value is a positive decimal amount with at
// most MaxAmountScale fractional digits.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		d, err := decimal.NewFromString(value)
		if err != nil {
			return &ValidationError{Field: field, Message: "invalid amount format"}
		}
		if !d.IsPositive() {
			return &ValidationError{Field: field, Message: "amount must be greater than zero"}
		}
		if -d.Exponent() > MaxAmountScale {
			return &ValidationError{Field: field, Message: "amount has too many decimal places"}
		}
		return nil
	}
}

// ValidCurrency checks that a value is a three-letter uppercase fiat
// currency code (USD, EUR, GBP and so on).
func ValidCurrency(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !currencyRegex.MatchString(value) {
			return &ValidationError{Field: field, Message: "must be a 3-letter currency code"}
		}
		return nil
	}
}

// IsValidCurrency checks if a string is a valid fiat currency code
func IsValidCurrency(s string) bool {
	return currencyRegex.MatchString(s)
}

// IsValidCryptoCode checks if a string is a valid crypto asset ticker
func IsValidCryptoCode(s string) bool {
	return cryptoCodeRegex.MatchString(s)
}

// ValidCryptoCode checks that a value is an uppercase asset ticker
// (BTC, ETH, USDT and so on).
func ValidCryptoCode(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !cryptoCodeRegex.MatchString(value) {
			return &ValidationError{Field: field, Message: "must be a 2-6 letter uppercase ticker"}
		}
		return nil
	}
}

// ValidStars checks that a rating score is within the 1 to 5 range.
func ValidStars(field string, value int) func() *ValidationError {
	return func() *ValidationError {
		if value < 1 || value > 5 {
			return &ValidationError{Field: field, Message: "must be between 1 and 5"}
		}
		return nil
	}
}

// AddressParamMiddleware validates the :address URL parameter on routes that use it.
// Apply to route groups that include :address params to reject malformed addresses early.
func AddressParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		addr := c.Param("address")
		if addr != "" && !IsValidAddress(addr) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": "address must be a valid address (0x + 40 hex chars)",
			})
			return
		}
		c.Next()
	}
}
