package util

import "strings"

// DefaultString returns fallback when v is empty or whitespace-only, otherwise v
// unchanged. It backs EmptyDash and the config normalizers.
//
//	DefaultString("laptop", "-")  → "laptop"
//	DefaultString("   ",    "-")  → "-"
func DefaultString(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

// EmptyDash renders a visible placeholder for optional table cells such as a
// session's client id or a target's display name.
//
// Call sites:
//   - internal/cli/target.go (target list)
//   - internal/cli/status.go (sessions table)
//   - internal/ui/ui.go (View)
func EmptyDash(s string) string {
	return DefaultString(s, "-")
}

// Truncate shortens s to at most n runes, marking the cut with "…".
// Used by the dashboard so long log lines and prompt messages stay on one row.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	return string(r[:n-1]) + "…"
}

// FirstLine returns the first non-empty line of s, trimmed.
func FirstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			return t
		}
	}
	return ""
}
