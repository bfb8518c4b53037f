package validator

import (
	"errors"
	"strings"

	playground "github.com/go-playground/validator/v10"
)

var (
	// ErrEmptyEmail indicates the email address is empty
	ErrEmptyEmail = errors.New("email address cannot be empty")

	// ErrInvalidEmail indicates the email address is malformed
	ErrInvalidEmail = errors.New("email address is not valid")

	// ErrInvalidCurrency indicates the currency is not an ISO 4217 code
	ErrInvalidCurrency = errors.New("currency must be an ISO 4217 code")
)

// ContactValidator validates guest contact details and money fields
type ContactValidator struct {
	validate *playground.Validate
}

// NewContactValidator creates a new validator instance
func NewContactValidator() *ContactValidator {
	return &ContactValidator{validate: playground.New()}
}

// ValidateEmail returns the trimmed, lower-cased address or an error
func (v *ContactValidator) ValidateEmail(email string) (string, error) {
	sanitized := v.SanitizeEmail(email)
	if sanitized == "" {
		return "", ErrEmptyEmail
	}
	if err := v.validate.Var(sanitized, "email,max=254"); err != nil {
		return "", ErrInvalidEmail
	}
	return sanitized, nil
}

// SanitizeEmail trims whitespace and lower-cases the address
func (v *ContactValidator) SanitizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// IsValidEmail is a convenience method that returns true if email is valid
func (v *ContactValidator) IsValidEmail(email string) bool {
	_, err := v.ValidateEmail(email)
	return err == nil
}

// ValidateCurrency returns the lower-cased ISO 4217 code used by the payment processor
func (v *ContactValidator) ValidateCurrency(currency string) (string, error) {
	upper := strings.ToUpper(strings.TrimSpace(currency))
	if err := v.validate.Var(upper, "required,iso4217"); err != nil {
		return "", ErrInvalidCurrency
	}
	return strings.ToLower(upper), nil
}
