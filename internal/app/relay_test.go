package app

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/treykane/approval-relay/internal/appconfig"
	"github.com/treykane/approval-relay/internal/client"
	"github.com/treykane/approval-relay/internal/events"
	"github.com/treykane/approval-relay/internal/executor"
	"github.com/treykane/approval-relay/internal/history"
	"github.com/treykane/approval-relay/internal/hub"
	"github.com/treykane/approval-relay/internal/model"
	"github.com/treykane/approval-relay/internal/protocol"
	"github.com/treykane/approval-relay/internal/targets"
)

const testKey = "0123456789abcdef"

type running struct {
	relay *Relay
	port  int
	stop  func()
}

func startRelay(t *testing.T, answer string) running {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	cfg := appconfig.Default()
	cfg.Hub.APIKey = testKey
	exec := executor.Func(func(ctx context.Context, req protocol.PopupRequest) (string, error) {
		return answer, nil
	})
	r, err := New(cfg, Options{
		Listener: ln,
		Executor: exec,
		Bus:      events.NewBus(100, events.NewStoreAt(filepath.Join(t.TempDir(), "events.jsonl"))),
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	port := ln.Addr().(*net.TCPAddr).Port
	stop := func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("relay did not stop")
		}
	}
	t.Cleanup(stop)
	return running{relay: r, port: port, stop: stop}
}

func hubClient(port int) *HubClient {
	cfg := appconfig.Default()
	cfg.Hub.APIKey = testKey
	return NewHubClient(cfg, "http://127.0.0.1:"+strconv.Itoa(port))
}

func waitRunning(t *testing.T, c *HubClient) model.HubStatus {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		st, err := c.Status(context.Background())
		if err == nil && st.Running {
			return st
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("hub never reported running")
	return model.HubStatus{}
}

func TestRelayServesAPIAndFallsBackLocally(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	rl := startRelay(t, "approved")
	c := hubClient(rl.port)

	st := waitRunning(t, c)
	if !st.CredentialSet || st.Sessions != 0 {
		t.Fatalf("unexpected status: %+v", st)
	}

	rt, err := c.Tunnel(context.Background())
	if err != nil {
		t.Fatalf("tunnel: %v", err)
	}
	if rt.Status.State != model.TunnelStopped || rt.LocalPort != rl.port {
		t.Fatalf("unexpected tunnel runtime: %+v", rt)
	}

	res, err := c.Popup(context.Background(), hub.PopupBody{Message: "ship it?"})
	if err != nil {
		t.Fatalf("popup: %v", err)
	}
	if res.Response != "approved" || res.Via != hub.ViaLocal {
		t.Fatalf("unexpected dispatch result: %+v", res)
	}
}

func TestHubClientReportsAPIErrors(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	rl := startRelay(t, "approved")
	c := hubClient(rl.port)
	waitRunning(t, c)

	c.APIKey = "wrong"
	if _, err := c.Popup(context.Background(), hub.PopupBody{Message: "x"}); err == nil {
		t.Fatal("expected unauthorized error")
	}
}

func TestRequestViaTargetIsAnsweredByRemoteHub(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	rl := startRelay(t, "from remote")
	waitRunning(t, hubClient(rl.port))

	target := model.TargetConfig{ID: "remote", Host: "127.0.0.1", Port: rl.port, APIKey: testKey, Enabled: true}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	answer, err := RequestViaTarget(ctx, appconfig.Default(), target, protocol.NewPopupRequest("", "deploy?", nil, false))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if answer != "from remote" {
		t.Fatalf("unexpected answer %q", answer)
	}

	last, err := history.LastConnected()
	if err != nil {
		t.Fatal(err)
	}
	if last["remote"] == 0 {
		t.Fatalf("connection not recorded in history: %+v", last)
	}
}

func TestProbeTargetRejectsWrongKey(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	rl := startRelay(t, "x")
	waitRunning(t, hubClient(rl.port))

	good := model.TargetConfig{ID: "ok", Host: "127.0.0.1", Port: rl.port, APIKey: testKey}
	if err := ProbeTarget(context.Background(), appconfig.Default(), good); err != nil {
		t.Fatalf("probe: %v", err)
	}
	bad := good
	bad.APIKey = "nope"
	if err := ProbeTarget(context.Background(), appconfig.Default(), bad); !errors.Is(err, client.ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestAddAndRemoveTargetPersists(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	r, err := New(appconfig.Default(), Options{
		Executor: executor.Func(func(context.Context, protocol.PopupRequest) (string, error) { return "", nil }),
		Bus:      events.NewBus(10, nil),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Clients.Close()

	saved, err := r.AddTarget(model.TargetConfig{ID: "box", Host: "box.local", Port: 9000})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if st, err := r.Clients.Status(saved.ID); err != nil || st.State != model.ConnDisconnected {
		t.Fatalf("expected registered disconnected target, got %v %v", st, err)
	}
	if _, err := targets.Get("box"); err != nil {
		t.Fatalf("target not stored: %v", err)
	}

	if err := r.RemoveTarget("box"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := r.Clients.Status("box"); !errors.Is(err, client.ErrUnknownTarget) {
		t.Fatalf("expected target unregistered, got %v", err)
	}
	if _, err := targets.Get("box"); !errors.Is(err, targets.ErrNotFound) {
		t.Fatalf("expected target deleted, got %v", err)
	}
}

func TestLoadTargetsRegistersStoredTargets(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	if _, err := targets.Add(model.TargetConfig{ID: "a", Host: "a.local", Port: 9000}); err != nil {
		t.Fatal(err)
	}
	r, err := New(appconfig.Default(), Options{
		Executor: executor.Func(func(context.Context, protocol.PopupRequest) (string, error) { return "", nil }),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Clients.Close()
	if err := r.LoadTargets(); err != nil {
		t.Fatal(err)
	}
	if got := r.Clients.Statuses(); len(got) != 1 || got[0].Target.ID != "a" {
		t.Fatalf("unexpected statuses: %+v", got)
	}
}
