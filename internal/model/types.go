package model

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// TargetConfig describes one remote relay endpoint the client role may connect to.
type TargetConfig struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Host        string `yaml:"host" json:"host"`
	Port        int    `yaml:"port" json:"port"`
	APIKey      string `yaml:"api_key,omitempty" json:"-"`
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	AutoConnect bool   `yaml:"auto_connect" json:"auto_connect"`
}

// Addr returns host:port for dialing.
func (t TargetConfig) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// URL returns the WebSocket endpoint of the target.
func (t TargetConfig) URL() string {
	return "ws://" + t.Addr() + "/ws"
}

func (t TargetConfig) DisplayName() string {
	if t.Name != "" {
		return t.Name
	}
	return t.ID
}

type ConnectionState string

const (
	ConnDisconnected ConnectionState = "disconnected"
	ConnConnecting   ConnectionState = "connecting"
	ConnConnected    ConnectionState = "connected"
	ConnError        ConnectionState = "error"
)

// ConnectionStatus is the client-role state of one target. Reason is only set for ConnError.
type ConnectionStatus struct {
	State  ConnectionState `json:"state"`
	Reason string          `json:"reason,omitempty"`
}

func (s ConnectionStatus) String() string {
	if s.State == ConnError && s.Reason != "" {
		return fmt.Sprintf("error: %s", s.Reason)
	}
	return string(s.State)
}

// TunnelConfig holds the reverse tunnel settings.
type TunnelConfig struct {
	Enabled      bool   `yaml:"enabled" json:"enabled"`
	AutoStart    bool   `yaml:"auto_start" json:"auto_start"`
	RemoteHost   string `yaml:"remote_host" json:"remote_host"`
	RemoteUser   string `yaml:"remote_user" json:"remote_user"`
	SSHPort      int    `yaml:"ssh_port,omitempty" json:"ssh_port,omitempty"`
	KeyPath      string `yaml:"key_path,omitempty" json:"key_path,omitempty"`
	RemotePort   int    `yaml:"remote_port" json:"remote_port"`
	VerboseLevel int    `yaml:"verbose_level" json:"verbose_level"`
}

// EffectiveRemotePort falls back to the local port when no remote port is set.
func (c TunnelConfig) EffectiveRemotePort(localPort int) int {
	if c.RemotePort > 0 {
		return c.RemotePort
	}
	return localPort
}

// Destination returns user@host, or just host when no user is set.
func (c TunnelConfig) Destination() string {
	if c.RemoteUser == "" {
		return c.RemoteHost
	}
	return c.RemoteUser + "@" + c.RemoteHost
}

type TunnelState string

const (
	TunnelStopped  TunnelState = "stopped"
	TunnelStarting TunnelState = "starting"
	TunnelRunning  TunnelState = "running"
	TunnelError    TunnelState = "error"
)

type TunnelStatus struct {
	State  TunnelState `json:"state"`
	Reason string      `json:"reason,omitempty"`
}

func (s TunnelStatus) String() string {
	if s.State == TunnelError && s.Reason != "" {
		return fmt.Sprintf("error: %s", s.Reason)
	}
	return string(s.State)
}

// TunnelRuntime is a point-in-time view of the supervised tunnel.
type TunnelRuntime struct {
	Status     TunnelStatus `json:"status"`
	PID        int          `json:"pid,omitempty"`
	LocalPort  int          `json:"local_port"`
	RemotePort int          `json:"remote_port"`
	Command    string       `json:"command,omitempty"`
	StartedAt  time.Time    `json:"-"`
	UptimeSec  int64        `json:"uptime_seconds"`
}

type AuthStatus string

const (
	Unauthenticated AuthStatus = "unauthenticated"
	Authenticated   AuthStatus = "authenticated"
)

// SessionInfo describes one inbound hub session.
type SessionInfo struct {
	ID          string     `json:"id"`
	ClientID    string     `json:"client_id,omitempty"`
	RemoteAddr  string     `json:"remote_addr"`
	Auth        AuthStatus `json:"auth"`
	ConnectedAt time.Time  `json:"connected_at"`
	LastPong    time.Time  `json:"last_pong"`
}

// HubStatus is the hub's outward status surface.
type HubStatus struct {
	Running        bool   `json:"running"`
	Address        string `json:"address"`
	UptimeSec      int64  `json:"uptime_seconds"`
	Sessions       int    `json:"sessions"`
	Authenticated  int    `json:"authenticated"`
	PendingCount   int    `json:"pending_requests"`
	CredentialSet  bool   `json:"credential_configured"`
	RequestTimeout int    `json:"request_timeout_seconds"`
}
