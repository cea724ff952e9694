package validator

import (
	"errors"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	once     sync.Once
	validate *validator.Validate
)

// Instance returns the shared validator used for request structs.
func Instance() *validator.Validate {
	once.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

var ErrInvalidEmail = errors.New("invalid email address")

// NormalizeEmail trims and lowercases an address. Rate-limit keys, token
// claims and user lookups all go through it.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail returns the normalised address or ErrInvalidEmail.
func ValidateEmail(email string) (string, error) {
	normalized := NormalizeEmail(email)
	if normalized == "" {
		return "", ErrInvalidEmail
	}
	if err := Instance().Var(normalized, "required,email,max=254"); err != nil {
		return "", ErrInvalidEmail
	}
	return normalized, nil
}

// LocalPart returns the part of the address before '@'.
func LocalPart(email string) string {
	if i := strings.IndexByte(email, '@'); i > 0 {
		return email[:i]
	}
	return email
}

// IsAbsoluteURL reports whether raw parses as an absolute http(s) URL.
func IsAbsoluteURL(raw string) bool {
	if err := Instance().Var(raw, "required,url"); err != nil {
		return false
	}
	lower := strings.ToLower(raw)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
