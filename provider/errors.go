package provider

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for provider registry operations.
var (
	ErrProviderNotFound  = errors.New("provider not found")
	ErrProviderExists    = errors.New("provider already registered")
	ErrEmptyProviderName = errors.New("provider kind is empty")
)

// ErrorKind classifies why a provider could not run.
type ErrorKind string

const (
	NotInstalled    ErrorKind = "not_installed"
	NotLoggedIn     ErrorKind = "not_logged_in"
	PaymentRequired ErrorKind = "payment_required"
	Unknown         ErrorKind = "unknown"
)

// Error is the typed, user-facing failure surfaced by launches and
// availability checks.
type Error struct {
	Kind             ErrorKind
	Provider         Kind
	Message          string
	AuthInstructions string
	Err              error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the ErrorKind from err, or Unknown when err carries none.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return Unknown
}

var paymentPhrases = []string{
	"credit balance",
	"payment required",
	"billing",
	"insufficient credits",
	"quota exceeded",
	"usage limit",
	"out of credits",
}

// Classify maps free-form error output from a running or failed provider to
// an ErrorKind.
func (d Definition) Classify(output string) ErrorKind {
	lower := strings.ToLower(output)
	for _, phrase := range paymentPhrases {
		if strings.Contains(lower, phrase) {
			return PaymentRequired
		}
	}
	if d.IsAuthError(output) {
		return NotLoggedIn
	}
	return Unknown
}

// NewError builds a typed error for kind using the definition's messages.
func (d Definition) NewError(kind ErrorKind, detail string, cause error) *Error {
	e := &Error{Kind: kind, Provider: d.Kind, Err: cause}
	switch kind {
	case NotInstalled:
		e.Message = d.NotInstalledMessage()
	case NotLoggedIn:
		e.Message = d.NotLoggedInMessage()
		e.AuthInstructions = d.AuthInstructions
	case PaymentRequired:
		e.Message = fmt.Sprintf("%s reported a billing problem", d.DisplayName)
	default:
		e.Message = fmt.Sprintf("%s error", d.DisplayName)
	}
	if detail != "" {
		e.Message += ": " + detail
	}
	return e
}
