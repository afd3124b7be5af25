package doctor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/treykane/approval-relay/internal/appconfig"
	"github.com/treykane/approval-relay/internal/executor"
	"github.com/treykane/approval-relay/internal/model"
	"github.com/treykane/approval-relay/internal/security"
	"github.com/treykane/approval-relay/internal/sshclient"
	"github.com/treykane/approval-relay/internal/targets"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Issue struct {
	Severity       Severity `json:"severity"`
	Check          string   `json:"check"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

type Report struct {
	Issues []Issue `json:"issues"`
}

// HasHigh reports whether any issue would stop the relay from working.
func (r Report) HasHigh() bool {
	for _, i := range r.Issues {
		if i.Severity == SeverityHigh {
			return true
		}
	}
	return false
}

// Run executes local diagnostics against cfg and the stored targets.
func Run(cfg appconfig.Config) (Report, error) {
	var issues []Issue

	if cfg.Tunnel.Enabled {
		if err := sshclient.EnsureSSHBinary(); err != nil {
			issues = append(issues, Issue{
				Severity:       SeverityHigh,
				Check:          "ssh-binary",
				Target:         "PATH",
				Message:        err.Error(),
				Recommendation: "install the OpenSSH client and ensure `ssh` is on PATH",
			})
		}
	}
	issues = append(issues, tunnelIssues(cfg.Tunnel)...)

	if _, err := executor.New(cfg.Executor); err != nil {
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "approval-program",
			Target:         "executor.command",
			Message:        err.Error(),
			Recommendation: "install the program or clear executor.command to use the built-in prompt",
		})
	}

	list, err := targets.LoadAll()
	if err != nil {
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "targets-file",
			Target:         "targets.yaml",
			Message:        err.Error(),
			Recommendation: "fix or remove the malformed targets file",
		})
	}
	issues = append(issues, targetIssues(list)...)

	audit, err := security.RunLocalAudit(cfg)
	if err != nil {
		return Report{}, fmt.Errorf("security audit: %w", err)
	}
	for _, f := range audit.Findings {
		issues = append(issues, Issue{
			Severity:       Severity(f.Severity),
			Check:          "security-audit",
			Target:         f.Target,
			Message:        f.Message,
			Recommendation: f.Recommendation,
		})
	}

	sort.Slice(issues, func(i, j int) bool {
		ri := severityRank(issues[i].Severity)
		rj := severityRank(issues[j].Severity)
		if ri != rj {
			return ri > rj
		}
		if issues[i].Check != issues[j].Check {
			return issues[i].Check < issues[j].Check
		}
		if issues[i].Target != issues[j].Target {
			return issues[i].Target < issues[j].Target
		}
		return issues[i].Message < issues[j].Message
	})
	return Report{Issues: issues}, nil
}

func tunnelIssues(t model.TunnelConfig) []Issue {
	if !t.Enabled {
		if t.AutoStart {
			return []Issue{{
				Severity:       SeverityLow,
				Check:          "tunnel-config",
				Target:         "tunnel.auto_start",
				Message:        "auto_start is set but the tunnel is disabled",
				Recommendation: "set tunnel.enabled or clear tunnel.auto_start",
			}}
		}
		return nil
	}
	var missing []string
	if strings.TrimSpace(t.RemoteHost) == "" {
		missing = append(missing, "remote_host")
	}
	if strings.TrimSpace(t.RemoteUser) == "" {
		missing = append(missing, "remote_user")
	}
	if len(missing) == 0 {
		return nil
	}
	return []Issue{{
		Severity:       SeverityHigh,
		Check:          "tunnel-config",
		Target:         "tunnel",
		Message:        "tunnel is enabled but missing " + strings.Join(missing, ", "),
		Recommendation: "complete the tunnel section of config.yaml",
	}}
}

func targetIssues(list []model.TargetConfig) []Issue {
	var issues []Issue
	for addr, ids := range targets.DuplicateEndpoints(list) {
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "duplicate-target-endpoint",
			Target:         addr,
			Message:        fmt.Sprintf("endpoint is configured by %d targets (%s)", len(ids), strings.Join(ids, ", ")),
			Recommendation: "remove all but one target for each endpoint",
		})
	}
	for _, t := range list {
		if t.Enabled && strings.TrimSpace(t.APIKey) == "" {
			issues = append(issues, Issue{
				Severity:       SeverityLow,
				Check:          "target-credential",
				Target:         t.ID,
				Message:        "target has no api key; the connection registers without authenticating",
				Recommendation: "set api_key when the remote hub requires authentication",
			})
		}
	}
	return issues
}

func severityRank(s Severity) int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}
