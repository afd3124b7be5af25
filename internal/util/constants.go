// Package util provides common utility functions and constants used across the
// approval-relay application. This package is intentionally kept dependency-free
// (no imports from other internal/* packages) to serve as a shared foundation
// without introducing circular dependencies.
package util

import "time"

const (
	// DefaultPort is the relay's WebSocket port when nothing overrides it.
	// Used by: internal/appconfig (Default), internal/cli (flags).
	DefaultPort = 9000

	// AuthTimeout bounds how long a hub session may stay unauthenticated.
	// When it expires the session receives an error frame and is closed.
	AuthTimeout = 10 * time.Second

	// RequestTimeout is the bounded wait for a popup_response on either role.
	// Dispatch never waits forever: a pending entry is always removed by the
	// matching response or by this deadline, whichever comes first.
	RequestTimeout = 30 * time.Second

	// TunnelStartupTimeout is the one-shot watchdog for a tunnel that has not
	// reported a success or fatal marker on stderr.
	TunnelStartupTimeout = 30 * time.Second

	// TunnelSettleDelay separates the stop and start legs of a tunnel restart so
	// the remote sshd can release the forwarded port.
	TunnelSettleDelay = time.Second

	// PingInterval is the hub's heartbeat sweep period. PongTimeout must be
	// larger so a single lost pong does not drop a healthy session.
	PingInterval = 30 * time.Second
	PongTimeout  = 90 * time.Second

	// HeartbeatCheckInterval and HeartbeatTimeout drive the client watchdog.
	// The timeout exceeds PingInterval so a hub pinging on schedule keeps the
	// target alive.
	HeartbeatCheckInterval = 10 * time.Second
	HeartbeatTimeout       = 90 * time.Second

	// BackoffInitial and BackoffMax bound the reconnect delay, which doubles
	// after each failed attempt.
	BackoffInitial = time.Second
	BackoffMax     = 60 * time.Second

	// HandshakeTimeout covers the WebSocket upgrade plus the auth/register reply.
	HandshakeTimeout = 10 * time.Second

	// WriteWait is the deadline for a single frame write.
	WriteWait = 10 * time.Second

	// DefaultRefreshSeconds is the fallback interval (in seconds) for the TUI
	// dashboard's status refresh. Used by internal/ui (tickCmd, clampRefresh)
	// and internal/appconfig (Default, Load).
	DefaultRefreshSeconds = 1
)
