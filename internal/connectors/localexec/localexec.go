// Package localexec runs allowlisted phase commands on the local host.
package localexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/fentz26/ainews/internal/connectors"
)

// LocalExec implements the Connector interface for local command execution.
type LocalExec struct {
	workDir string
	// allowed holds command lines; a call is allowed when its argv starts
	// with one of them.
	allowed [][]string
}

// New creates a connector that only runs the given command lines (and
// invocations that extend them with extra arguments).
func New(workDir string, allowed ...[]string) *LocalExec {
	l := &LocalExec{workDir: workDir}
	for _, argv := range allowed {
		if len(argv) == 0 || argv[0] == "" {
			continue
		}
		l.allowed = append(l.allowed, append([]string(nil), argv...))
	}
	return l
}

// Name returns the connector identifier.
func (l *LocalExec) Name() string {
	return "localexec"
}

// IsAllowed checks if a command is in the allowlist.
func (l *LocalExec) IsAllowed(cmd string, args []string) bool {
	for _, entry := range l.allowed {
		if entry[0] != cmd || len(args) < len(entry)-1 {
			continue
		}
		match := true
		for i, want := range entry[1:] {
			if args[i] != want {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// Execute runs a command if it's in the allowlist.
func (l *LocalExec) Execute(ctx context.Context, cmd string, args []string, stdin []byte) (*connectors.ExecResult, error) {
	if !l.IsAllowed(cmd, args) {
		return nil, fmt.Errorf("command not allowed: %s %s", cmd, strings.Join(args, " "))
	}

	execCmd := exec.CommandContext(ctx, cmd, args...)
	if l.workDir != "" {
		execCmd.Dir = l.workDir
	}
	if stdin != nil {
		execCmd.Stdin = bytes.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	err := execCmd.Run()

	exitCode := 0
	if err != nil {
		var exitError *exec.ExitError
		if !errors.As(err, &exitError) {
			return nil, fmt.Errorf("exec error: %w", err)
		}
		exitCode = exitError.ExitCode()
	}

	return &connectors.ExecResult{
		Command:  cmd,
		Args:     args,
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}
