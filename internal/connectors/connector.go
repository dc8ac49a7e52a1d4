// Package connectors defines how the pipeline runs external phase commands.
package connectors

import "context"

// ExecResult holds the result of a command execution.
type ExecResult struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	ExitCode int      `json:"exit_code"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
}

// Connector runs commands on behalf of the prepare and publish phases.
type Connector interface {
	// Name returns the connector identifier.
	Name() string

	// Execute runs a command with stdin attached and returns the result.
	// A non-zero exit is reported through ExitCode, not as an error.
	Execute(ctx context.Context, cmd string, args []string, stdin []byte) (*ExecResult, error)

	// IsAllowed checks if a command is allowed to execute.
	IsAllowed(cmd string, args []string) bool
}
