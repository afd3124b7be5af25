package security

import (
	"errors"
	"os"
	"strings"
)

// ClassifiedError separates a user-safe message from verbose debug details.
// Transport failures are wrapped in one so the dashboard can show
// "connection refused" while the log keeps the dial error verbatim.
type ClassifiedError struct {
	UserSafe    string
	DebugDetail string
	Err         error
}

func (e *ClassifiedError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.UserSafe) == "" {
		return "operation failed"
	}
	return e.UserSafe
}

func (e *ClassifiedError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewClassifiedError creates a new error with separated user-safe and debug details.
func NewClassifiedError(userSafe, debugDetail string) error {
	return &ClassifiedError{UserSafe: userSafe, DebugDetail: debugDetail}
}

// Classify wraps cause under a user-safe message, keeping it reachable via errors.Is.
func Classify(userSafe string, cause error) error {
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	return &ClassifiedError{UserSafe: userSafe, DebugDetail: detail, Err: cause}
}

// UserMessage returns a message safe to show in CLI/TUI contexts.
func UserMessage(err error, redact bool) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		msg = ce.Error()
	}
	if redact {
		return RedactMessage(msg)
	}
	return msg
}

// DebugMessage returns detailed error text for logs.
func DebugMessage(err error) string {
	if err == nil {
		return ""
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) && strings.TrimSpace(ce.DebugDetail) != "" {
		return ce.DebugDetail
	}
	return err.Error()
}

// RedactMessage strips the home directory and any registered secrets from
// user-visible text.
func RedactMessage(msg string) string {
	if msg == "" {
		return msg
	}
	out := msg
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		out = strings.ReplaceAll(out, home, "~")
	}
	for _, s := range registeredSecrets() {
		out = strings.ReplaceAll(out, s, MaskSecret(s))
	}
	return out
}
