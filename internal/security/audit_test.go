package security

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/treykane/approval-relay/internal/appconfig"
)

func TestRunLocalAudit_EmptyKeyIsHigh(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	report, err := RunLocalAudit(appconfig.Default())
	if err != nil {
		t.Fatal(err)
	}
	if !report.HasHigh() {
		t.Fatalf("expected high severity finding for empty hub key, got %+v", report.Findings)
	}
}

func TestRunLocalAudit_PublicListen(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg := appconfig.Default()
	cfg.Hub.APIKey = GenerateAPIKey()
	cfg.Hub.Listen = "0.0.0.0"
	report, err := RunLocalAudit(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if report.HasHigh() {
		t.Fatalf("did not expect a high finding: %+v", report.Findings)
	}
	found := false
	for _, f := range report.Findings {
		if strings.Contains(f.Message, "0.0.0.0") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a listen-address finding, got %+v", report.Findings)
	}
}

func TestRunLocalAudit_FindsLoosePermissions(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)

	dir := filepath.Join(xdg, "approval-relay")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "targets.yaml")
	if err := os.WriteFile(path, []byte("targets: {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := appconfig.Default()
	cfg.Hub.APIKey = GenerateAPIKey()
	report, err := RunLocalAudit(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Findings) == 0 {
		t.Fatal("expected permission findings")
	}
}

func TestRedactMessage(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	key := "0f6c8a5e-key-under-test"
	RegisterSecret(key)

	msg := home + "/.ssh/id_ed25519 rejected key " + key
	got := RedactMessage(msg)
	if strings.Contains(got, home) || strings.Contains(got, key) {
		t.Fatalf("expected message to be redacted, got %q", got)
	}
}

func TestCredentialsMatch(t *testing.T) {
	if CredentialsMatch("", "") {
		t.Fatal("empty configured key must never match")
	}
	if CredentialsMatch("secret", "Secret") {
		t.Fatal("comparison must be exact")
	}
	if !CredentialsMatch("secret", "secret") {
		t.Fatal("expected identical keys to match")
	}
}

func TestClassifyKeepsCause(t *testing.T) {
	err := Classify("connection refused", syscall.ECONNREFUSED)
	if !errors.Is(err, syscall.ECONNREFUSED) {
		t.Fatal("classified error must unwrap to its cause")
	}
	if UserMessage(err, false) != "connection refused" {
		t.Fatalf("unexpected user message %q", UserMessage(err, false))
	}
	if DebugMessage(err) == "" {
		t.Fatal("expected debug detail")
	}
}
