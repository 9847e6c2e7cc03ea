// Package main is the entry point for the orchestration engine CLI.
package main

import "github.com/alecthomas/kong"

// CLI defines the command-line interface (SPEC_FULL.md §2.1).
type CLI struct {
	Orchestrate OrchestrateCmd `cmd:"" help:"Decompose and run a command through the Worker pool"`
	Autonomy    AutonomyCmd    `cmd:"" help:"Run the autonomous discover/plan/execute/learn loop"`
	Rollback    RollbackCmd    `cmd:"" help:"Roll back to a prior safety checkpoint"`
	Inspect     InspectCmd     `cmd:"" help:"Show checkpoints and recent memory records"`
	Version     VersionCmd     `cmd:"" help:"Show version information"`
}

// OrchestrateCmd decomposes and runs one command end to end.
type OrchestrateCmd struct {
	Command    string   `arg:"" help:"Natural-language command to decompose and execute"`
	Constraint []string `short:"c" help:"Constraint key=value (repeatable)" placeholder:"KEY=VALUE"`
	Config     string   `help:"Config file path"`
	Workspace  string   `help:"Workspace directory"`
	Watch      bool     `help:"Show a live progress view while the Worker pool runs"`
}

// AutonomyCmd drives the autonomous loop.
type AutonomyCmd struct {
	Config    string `help:"Config file path"`
	Workspace string `help:"Workspace directory"`
	ScanRoot  string `help:"Directory to scan; defaults to the workspace"`
	Once      bool   `help:"Run exactly one cycle and exit instead of looping"`
}

// RollbackCmd rolls the working tree back to a prior checkpoint.
type RollbackCmd struct {
	CheckpointID string `arg:"" help:"Checkpoint ID to roll back to"`
	Config       string `help:"Config file path"`
	Workspace    string `help:"Workspace directory"`
}

// InspectCmd shows checkpoint and memory state for a workspace.
type InspectCmd struct {
	Config    string `help:"Config file path"`
	Workspace string `help:"Workspace directory"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

// kongVars returns variables for kong (version info).
func kongVars() kong.Vars {
	return kong.Vars{
		"version": version,
	}
}
