package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/treykane/approval-relay/internal/appconfig"
	"github.com/treykane/approval-relay/internal/client"
	"github.com/treykane/approval-relay/internal/executor"
	"github.com/treykane/approval-relay/internal/hub"
	"github.com/treykane/approval-relay/internal/model"
	"github.com/treykane/approval-relay/internal/protocol"
	"github.com/treykane/approval-relay/internal/security"
	"github.com/treykane/approval-relay/internal/util"
)

// withTarget runs fn against a throwaway manager holding only t, connected.
func withTarget(ctx context.Context, cfg appconfig.Config, exec executor.Executor, t model.TargetConfig, fn func(m *client.Manager) error) error {
	m := client.NewManager(client.Config{
		ClientID:       cfg.ClientID(),
		RequestTimeout: cfg.Hub.RequestTimeout(),
		OnConnected:    recordConnection,
	}, exec, nil)
	defer m.Close()
	if err := m.AddTarget(t); err != nil {
		return err
	}
	if err := m.Connect(ctx, t.ID); err != nil {
		return err
	}
	return fn(m)
}

// ProbeTarget connects to t once, completes the handshake and disconnects.
func ProbeTarget(ctx context.Context, cfg appconfig.Config, t model.TargetConfig) error {
	return withTarget(ctx, cfg, nil, t, func(m *client.Manager) error {
		return m.Disconnect(t.ID)
	})
}

// RequestViaTarget sends req to t over a fresh connection and waits for the answer.
func RequestViaTarget(ctx context.Context, cfg appconfig.Config, t model.TargetConfig, req protocol.PopupRequest) (string, error) {
	var answer string
	err := withTarget(ctx, cfg, nil, t, func(m *client.Manager) error {
		var err error
		answer, err = m.SendPopupRequest(ctx, t.ID, req)
		return err
	})
	return answer, err
}

// HubClient talks to a running hub's HTTP API.
type HubClient struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

// NewHubClient targets base, or the local hub from cfg when base is empty.
func NewHubClient(cfg appconfig.Config, base string) *HubClient {
	if strings.TrimSpace(base) == "" {
		host := cfg.Hub.Listen
		if host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		base = "http://" + util.ListenAddr(host, cfg.Hub.Port)
	}
	base = strings.TrimSuffix(base, "/")
	base = strings.Replace(base, "ws://", "http://", 1)
	base = strings.Replace(base, "wss://", "https://", 1)
	base = strings.TrimSuffix(base, "/ws")
	return &HubClient{
		BaseURL: base,
		APIKey:  cfg.Hub.APIKey,
		// Popups wait for a human, so allow the hub's full request window.
		HTTP: &http.Client{Timeout: cfg.Hub.RequestTimeout() + 10*time.Second},
	}
}

// Status fetches /api/status.
func (c *HubClient) Status(ctx context.Context) (model.HubStatus, error) {
	var st model.HubStatus
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &st)
	return st, err
}

// Tunnel fetches /api/tunnel.
func (c *HubClient) Tunnel(ctx context.Context) (model.TunnelRuntime, error) {
	var rt model.TunnelRuntime
	err := c.do(ctx, http.MethodGet, "/api/tunnel", nil, &rt)
	return rt, err
}

// Sessions fetches /api/sessions, which needs the api key.
func (c *HubClient) Sessions(ctx context.Context) ([]model.SessionInfo, error) {
	var out []model.SessionInfo
	err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &out)
	return out, err
}

// Popup posts a request and waits for its answer.
func (c *HubClient) Popup(ctx context.Context, body hub.PopupBody) (hub.DispatchResult, error) {
	var res hub.DispatchResult
	err := c.do(ctx, http.MethodPost, "/api/popup", body, &res)
	return res, err
}

func (c *HubClient) do(ctx context.Context, method, path string, in, out any) error {
	var rd io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return security.Classify("hub unreachable at "+c.BaseURL, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read hub response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(b, &e) == nil && e.Error != "" {
			return fmt.Errorf("hub returned %d: %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("hub returned %d", resp.StatusCode)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode hub response: %w", err)
	}
	return nil
}
