package security

import (
	"crypto/subtle"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// GenerateAPIKey returns a fresh pre-shared key for the hub.
func GenerateAPIKey() string {
	return uuid.NewString()
}

// CredentialsMatch reports whether the presented key equals the configured
// one. An empty configured key never matches anything.
func CredentialsMatch(configured, presented string) bool {
	if configured == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(presented)) == 1
}

// MaskSecret keeps the first four characters of a key and hides the rest.
func MaskSecret(s string) string {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return ""
	case len(s) <= 4:
		return "****"
	default:
		return s[:4] + strings.Repeat("*", 8)
	}
}

var (
	secretsMu sync.RWMutex
	secrets   = map[string]struct{}{}
)

// RegisterSecret makes RedactMessage mask s wherever it appears. Keys shorter
// than eight characters are ignored so ordinary words are never masked.
func RegisterSecret(s string) {
	s = strings.TrimSpace(s)
	if len(s) < 8 {
		return
	}
	secretsMu.Lock()
	secrets[s] = struct{}{}
	secretsMu.Unlock()
}

func registeredSecrets() []string {
	secretsMu.RLock()
	defer secretsMu.RUnlock()
	out := make([]string, 0, len(secrets))
	for s := range secrets {
		out = append(out, s)
	}
	return out
}
