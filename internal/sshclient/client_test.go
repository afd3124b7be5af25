package sshclient

import (
	"reflect"
	"testing"

	"github.com/treykane/approval-relay/internal/model"
)

func TestBuildReverseTunnelArgs(t *testing.T) {
	cfg := model.TunnelConfig{RemoteHost: "box", RemoteUser: "me", RemotePort: 19000}
	args := BuildReverseTunnelArgs(cfg, 9000)
	want := []string{
		"-R", "19000:localhost:9000",
		"-N", "-T",
		"-o", "ServerAliveInterval=60",
		"-o", "ServerAliveCountMax=3",
		"-o", "ExitOnForwardFailure=yes",
		"-v", "me@box",
	}
	if !reflect.DeepEqual(args, want) {
		t.Fatalf("args mismatch\nwant=%v\n got=%v", want, args)
	}
}

func TestBuildReverseTunnelArgsWithPortAndKey(t *testing.T) {
	cfg := model.TunnelConfig{RemoteHost: "box", RemoteUser: "me", SSHPort: 2222, KeyPath: "/keys/id"}
	args := BuildReverseTunnelArgs(cfg, 9000)
	want := []string{
		"-R", "9000:localhost:9000",
		"-p", "2222",
		"-i", "/keys/id",
		"-N", "-T",
		"-o", "ServerAliveInterval=60",
		"-o", "ServerAliveCountMax=3",
		"-o", "ExitOnForwardFailure=yes",
		"-v", "me@box",
	}
	if !reflect.DeepEqual(args, want) {
		t.Fatalf("args mismatch\nwant=%v\n got=%v", want, args)
	}
}

func TestCommandStringQuotes(t *testing.T) {
	cfg := model.TunnelConfig{RemoteHost: "box", RemoteUser: "me", KeyPath: "/my keys/id"}
	got := CommandString(cfg, 9000)
	want := `ssh -R 9000:localhost:9000 -i '/my keys/id' me@box`
	if got != want {
		t.Fatalf("want %q, got %q", want, got)
	}
}
