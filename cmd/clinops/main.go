// clinops runs and operates the clinical trial operations core.
//
// Usage:
//
//	clinops <command> [flags]
//
// Commands:
//
//	init        Write a clinops.yaml
//	serve       Run the command pipeline, projections and the ops endpoints
//	migrate     Create or upgrade the postgres schema
//	projection  List, inspect, pause, resume and rebuild projections
//	diagnose    Run diagnostic checks on your setup
//	version     Show version information
//
// Examples:
//
//	clinops init --non-interactive --driver=postgres
//	clinops migrate up
//	clinops serve
//	clinops projection list
//	clinops projection rebuild study --force
package main

import (
	"os"

	"github.com/clinprecision/clinops-core/cli/commands"
)

// Build information (set via ldflags)
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	commands.Version = version
	commands.Commit = commit
	commands.BuildDate = buildDate

	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
