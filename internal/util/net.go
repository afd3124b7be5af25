// Package util provides common utility functions and constants used across the
// approval-relay application. This package is intentionally kept dependency-free
// (no imports from other internal/* packages) to serve as a shared foundation
// without introducing circular dependencies.
package util

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// NormalizeAddr returns the provided address if it is non-empty (after trimming
// whitespace), or the fallback value if the address is empty or whitespace-only.
//
// Used for the hub listen address (fallback "127.0.0.1") and for target hosts
// typed into the dashboard form.
//
// Examples:
//
//	NormalizeAddr("",        "127.0.0.1") → "127.0.0.1"
//	NormalizeAddr("  ",      "127.0.0.1") → "127.0.0.1"
//	NormalizeAddr("0.0.0.0", "127.0.0.1") → "0.0.0.0"
func NormalizeAddr(addr, fallback string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return fallback
	}
	return addr
}

// ListenAddr joins a listen host and port into a dialable address.
func ListenAddr(host string, port int) string {
	return net.JoinHostPort(NormalizeAddr(host, "127.0.0.1"), strconv.Itoa(port))
}

// DefaultClientID returns "<hostname>-<pid>", the identity a client announces
// in its register message when none is configured.
func DefaultClientID() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
