package util

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	MinPort = 1
	MaxPort = 65535
)

// ValidatePort checks if port is in valid range (1-65535).
func ValidatePort(port int) error {
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("port %d out of range (must be %d-%d)", port, MinPort, MaxPort)
	}
	return nil
}

// PortFromEnv reads a port override from the named environment variable.
// ok is false when the variable is unset; a set but invalid value is an error.
func PortFromEnv(name string) (port int, ok bool, err error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, false, nil
	}
	port, err = strconv.Atoi(raw)
	if err != nil {
		return 0, true, fmt.Errorf("%s: invalid port %q", name, raw)
	}
	if err := ValidatePort(port); err != nil {
		return 0, true, fmt.Errorf("%s: %w", name, err)
	}
	return port, true, nil
}
