package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/treykane/approval-relay/internal/app"
	"github.com/treykane/approval-relay/internal/appconfig"
	"github.com/treykane/approval-relay/internal/events"
	"github.com/treykane/approval-relay/internal/executor"
	"github.com/treykane/approval-relay/internal/history"
	"github.com/treykane/approval-relay/internal/protocol"
	"github.com/treykane/approval-relay/internal/targets"
	"github.com/treykane/approval-relay/internal/tunnel"
)

const testKey = "0123456789abcdef"

func setupConfig(t *testing.T, mutate func(*appconfig.Config)) appconfig.Config {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv(appconfig.EnvAPIKey, "")
	t.Setenv(appconfig.EnvPort, "")
	cfg := appconfig.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	if err := appconfig.Save(cfg); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// startRelay runs a relay answering every request with answer.
func startRelay(t *testing.T, cfg appconfig.Config, answer string) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	r, err := app.New(cfg, app.Options{
		Listener: ln,
		Executor: executor.Func(func(context.Context, protocol.PopupRequest) (string, error) { return answer, nil }),
		Bus:      events.NewBus(50, nil),
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("relay did not stop")
		}
	})

	port := ln.Addr().(*net.TCPAddr).Port
	hc := app.NewHubClient(cfg, "http://127.0.0.1:"+strconv.Itoa(port))
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if st, err := hc.Status(context.Background()); err == nil && st.Running {
			return port
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("relay never came up")
	return 0
}

func TestTargetAddListRemoveLifecycle(t *testing.T) {
	setupConfig(t, nil)

	out, err := run(t, "target", "add", "work", "10.0.0.5:9100", "--name", "Work", "--key", "k")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !strings.Contains(out, "ws://10.0.0.5:9100/ws") {
		t.Fatalf("unexpected add output: %s", out)
	}

	out, err = run(t, "target", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "work") || !strings.Contains(out, "never") {
		t.Fatalf("expected target in list output, got: %s", out)
	}

	out, err = run(t, "target", "list", "--json")
	if err != nil {
		t.Fatalf("list json: %v", err)
	}
	var rows []map[string]any
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("invalid json: %v; output=%s", err, out)
	}
	if len(rows) != 1 || rows[0]["has_api_key"] != true {
		t.Fatalf("unexpected rows: %v", rows)
	}
	if strings.Contains(out, `"k"`) {
		t.Fatalf("api key leaked in json: %s", out)
	}

	if _, err := run(t, "target", "remove", "work"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := run(t, "target", "remove", "work"); !errors.Is(err, targets.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTargetAddRejectsSharedEndpoint(t *testing.T) {
	setupConfig(t, nil)
	if _, err := run(t, "target", "add", "a", "box"); err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, "target", "add", "b", "box:9000"); !errors.Is(err, targets.ErrDuplicateEndpoint) {
		t.Fatalf("expected ErrDuplicateEndpoint, got %v", err)
	}
}

func TestTargetListRecentOrdering(t *testing.T) {
	setupConfig(t, nil)
	for _, args := range [][]string{{"api", "api.local"}, {"db", "db.local"}} {
		if _, err := run(t, "target", "add", args[0], args[1]); err != nil {
			t.Fatal(err)
		}
	}
	if err := history.Touch("db"); err != nil {
		t.Fatal(err)
	}
	out, err := run(t, "target", "list", "--recent")
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 3 {
		t.Fatalf("unexpected output: %s", out)
	}
	if !strings.HasPrefix(lines[1], "db") {
		t.Fatalf("expected db first after header, got: %s", lines[1])
	}
}

func TestTargetConnectAgainstRelay(t *testing.T) {
	cfg := setupConfig(t, func(c *appconfig.Config) { c.Hub.APIKey = testKey })
	port := startRelay(t, cfg, "ok")
	if _, err := run(t, "target", "add", "local", "127.0.0.1:"+strconv.Itoa(port), "--key", testKey); err != nil {
		t.Fatal(err)
	}
	out, err := run(t, "target", "connect", "local")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !strings.Contains(out, "[PASS] local") || !strings.Contains(out, "authenticated") {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestRequestThroughHubAndTarget(t *testing.T) {
	cfg := setupConfig(t, func(c *appconfig.Config) { c.Hub.APIKey = testKey })
	port := startRelay(t, cfg, "approved")
	base := "http://127.0.0.1:" + strconv.Itoa(port)

	out, err := run(t, "request", "--hub", base, "-m", "deploy?", "--json")
	if err != nil {
		t.Fatalf("request via hub: %v", err)
	}
	var res map[string]any
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("invalid json: %v; output=%s", err, out)
	}
	if res["response"] != "approved" || res["via"] != "local" {
		t.Fatalf("unexpected result: %v", res)
	}

	if _, err := run(t, "target", "add", "remote", "127.0.0.1:"+strconv.Itoa(port), "--key", testKey); err != nil {
		t.Fatal(err)
	}
	out, err = run(t, "request", "--target", "remote", "-m", "deploy?", "-o", "yes", "-o", "no")
	if err != nil {
		t.Fatalf("request via target: %v", err)
	}
	if strings.TrimSpace(out) != "approved" {
		t.Fatalf("unexpected answer: %q", out)
	}

	if _, err := run(t, "request", "--hub", base); err == nil {
		t.Fatal("expected error without --message")
	}
}

func TestStatusJSONOutput(t *testing.T) {
	cfg := setupConfig(t, func(c *appconfig.Config) { c.Hub.APIKey = testKey })
	port := startRelay(t, cfg, "x")

	out, err := run(t, "status", "--json", "--hub", "http://127.0.0.1:"+strconv.Itoa(port))
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var rep statusReport
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("invalid json: %v; output=%s", err, out)
	}
	if !rep.Hub.Running || !rep.Hub.CredentialSet {
		t.Fatalf("unexpected hub status: %+v", rep.Hub)
	}
	if rep.Tunnel.LocalPort != port {
		t.Fatalf("unexpected tunnel port: %+v", rep.Tunnel)
	}
}

func TestTunnelCommandOutput(t *testing.T) {
	setupConfig(t, func(c *appconfig.Config) {
		c.Tunnel.Enabled = true
		c.Tunnel.RemoteHost = "box"
		c.Tunnel.RemoteUser = "me"
		c.Tunnel.RemotePort = 19000
	})
	out, err := run(t, "tunnel", "command")
	if err != nil {
		t.Fatalf("tunnel command: %v", err)
	}
	if strings.TrimSpace(out) != "ssh -R 19000:localhost:9000 me@box" {
		t.Fatalf("unexpected command: %q", out)
	}
}

func TestTunnelCommandRequiresConfig(t *testing.T) {
	setupConfig(t, nil)
	if _, err := run(t, "tunnel", "command"); !errors.Is(err, tunnel.ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
	setupConfig(t, func(c *appconfig.Config) { c.Tunnel.Enabled = true })
	if _, err := run(t, "tunnel", "up"); !errors.Is(err, tunnel.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestKeygenSave(t *testing.T) {
	setupConfig(t, nil)
	out, err := run(t, "keygen", "--save")
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	key := strings.TrimSpace(out)
	if len(key) < 32 {
		t.Fatalf("unexpected key %q", key)
	}
	cfg, err := appconfig.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Hub.APIKey != key {
		t.Fatalf("key not saved: %q vs %q", cfg.Hub.APIKey, key)
	}
}

func TestDoctorJSONOutput(t *testing.T) {
	setupConfig(t, nil)
	out, err := run(t, "doctor", "--json")
	if err != nil {
		t.Fatalf("doctor json: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("invalid doctor json: %v", err)
	}
	if _, ok := payload["issues"]; !ok {
		t.Fatalf("expected issues key in doctor output: %s", out)
	}
	if !strings.Contains(out, "hub.api_key is empty") {
		t.Fatalf("expected empty key finding: %s", out)
	}
}

func TestEventsJSONOutput(t *testing.T) {
	setupConfig(t, nil)
	store := events.NewStore()
	for _, evt := range []events.Event{
		{Source: "hub", Kind: events.KindStatus, Severity: events.SeverityInfo, State: "running"},
		{Source: "tunnel", Kind: events.KindStatus, Severity: events.SeverityWarn, State: "error", Message: "startup timeout"},
	} {
		if err := store.Append(evt); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}

	out, err := run(t, "events", "--source", "tunnel", "--json")
	if err != nil {
		t.Fatalf("events json: %v", err)
	}
	var payload []map[string]any
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("invalid events json: %v", err)
	}
	if len(payload) != 1 || payload[0]["message"] != "startup timeout" {
		t.Fatalf("unexpected events: %v", payload)
	}

	out, err = run(t, "events")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "error: startup timeout") || !strings.Contains(out, "running") {
		t.Fatalf("unexpected text output: %s", out)
	}
}

func TestPromptNeedsReadableRequestFile(t *testing.T) {
	setupConfig(t, nil)
	if _, err := run(t, "prompt", "/nonexistent/request.json"); err == nil {
		t.Fatal("expected error for missing request file")
	}
}
