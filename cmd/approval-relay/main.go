// Package main is the entry point for the approval-relay binary.
//
// approval-relay forwards approval prompts between machines. With no
// arguments on a terminal it runs the relay behind a Bubble Tea dashboard;
// otherwise subcommands (built with Cobra) run one operation and exit.
//
// Usage:
//
//	approval-relay                  # relay + dashboard
//	approval-relay serve            # headless relay
//	approval-relay request -m "..." # ask for an approval
//
// The CLI is constructed in internal/cli and the dashboard in internal/ui.
package main

import (
	"fmt"
	"os"

	"github.com/treykane/approval-relay/internal/cli"
	"github.com/treykane/approval-relay/internal/security"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", security.RedactMessage(err.Error()))
		os.Exit(1)
	}
}
