//go:build unix

package sshclient

import (
	"bufio"
	"context"
	"testing"
	"time"
)

func TestCancelKillsProcessGroup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// The shell forks sleep, which inherits stderr.
	proc, err := start(ctx, "/bin/sh", "-c", "echo ready >&2; sleep 30; true")
	if err != nil {
		t.Fatal(err)
	}
	sc := bufio.NewScanner(proc.Stderr)
	if !sc.Scan() || sc.Text() != "ready" {
		t.Fatalf("expected ready line, got %q", sc.Text())
	}

	cancel()
	eof := make(chan struct{})
	go func() {
		for sc.Scan() {
		}
		close(eof)
	}()
	select {
	case <-eof:
	case <-time.After(3 * time.Second):
		t.Fatal("stderr stayed open: the forked child survived cancel")
	}
	if err := proc.Cmd.Wait(); err == nil {
		t.Fatal("expected a killed process to report an error")
	}
}
