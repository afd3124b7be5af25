// Package executor runs the external approval program that puts a request in
// front of a human and returns their answer.
//
// The contract with the program is file based: the request is written as JSON
// to a temporary file whose path is the last argument, the trimmed standard
// output is the answer, and a non-zero exit status is a failure described by
// standard error. The temporary file is always removed.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/treykane/approval-relay/internal/appconfig"
	"github.com/treykane/approval-relay/internal/protocol"
)

// CancelledResponse is returned when the program exits cleanly without output.
const CancelledResponse = "user cancelled the operation"

// ErrFailed marks a non-zero exit of the approval program.
var ErrFailed = errors.New("approval program failed")

// Executor produces a response for one popup request. Implementations block
// until the human answers or ctx ends.
type Executor interface {
	Execute(ctx context.Context, req protocol.PopupRequest) (string, error)
}

// Func adapts a plain function to Executor.
type Func func(ctx context.Context, req protocol.PopupRequest) (string, error)

func (f Func) Execute(ctx context.Context, req protocol.PopupRequest) (string, error) {
	return f(ctx, req)
}

// RequestFile is the JSON document handed to the approval program.
type RequestFile struct {
	ID                string   `json:"id"`
	Message           string   `json:"message"`
	PredefinedOptions []string `json:"predefined_options,omitempty"`
	IsMarkdown        bool     `json:"is_markdown"`
}

// Command runs an external program per request.
type Command struct {
	Path    string
	Args    []string
	TempDir string
}

// New resolves the configured program. With no command configured it runs
// this executable's "prompt" subcommand.
func New(cfg appconfig.ExecutorConfig) (*Command, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve own executable: %w", err)
		}
		return &Command{Path: self, Args: []string{"prompt"}}, nil
	}
	path, err := FindProgram(cfg.Command)
	if err != nil {
		return nil, err
	}
	return &Command{Path: path, Args: append([]string(nil), cfg.Args...)}, nil
}

// FindProgram locates name next to the running executable first, then on PATH.
// Names containing a path separator are only checked in place.
func FindProgram(name string) (string, error) {
	if strings.ContainsRune(name, os.PathSeparator) || filepath.IsAbs(name) {
		if _, err := os.Stat(name); err != nil {
			return "", fmt.Errorf("approval program %s: %w", name, err)
		}
		return name, nil
	}
	if self, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(self), name)
		if st, err := os.Stat(candidate); err == nil && !st.IsDir() {
			return candidate, nil
		}
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("approval program %s not found next to executable or in PATH", name)
	}
	return path, nil
}

// Execute writes the request file, runs the program and interprets its output.
func (c *Command) Execute(ctx context.Context, req protocol.PopupRequest) (string, error) {
	f, err := os.CreateTemp(c.TempDir, "approval_request_*.json")
	if err != nil {
		return "", fmt.Errorf("create request file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	doc := RequestFile{
		ID:                req.RequestID,
		Message:           req.Message,
		PredefinedOptions: req.PredefinedOptions,
		IsMarkdown:        req.IsMarkdown,
	}
	if err := json.NewEncoder(f).Encode(doc); err != nil {
		f.Close()
		return "", fmt.Errorf("write request file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("write request file: %w", err)
	}

	args := append(append([]string(nil), c.Args...), path)
	cmd := exec.CommandContext(ctx, c.Path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			reason := strings.TrimSpace(stderr.String())
			if reason == "" {
				reason = exitErr.Error()
			}
			return "", fmt.Errorf("%w (exit %d): %s", ErrFailed, exitErr.ExitCode(), reason)
		}
		return "", fmt.Errorf("run approval program: %w", err)
	}

	out := strings.TrimSpace(stdout.String())
	if out == "" {
		return CancelledResponse, nil
	}
	return out, nil
}

// ReadRequestFile loads a request written by Execute.
func ReadRequestFile(path string) (RequestFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return RequestFile{}, err
	}
	var doc RequestFile
	if err := json.Unmarshal(b, &doc); err != nil {
		return RequestFile{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}
