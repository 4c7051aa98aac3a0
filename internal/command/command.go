package command

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"syscall"
)

// Result holds the outcome of executing an external command.
type Result struct {
	// Stdout contains the standard output captured from the command.
	Stdout string
	// Stderr contains the standard error captured from the command.
	Stderr string
	// ExitCode is the exit status code returned by the command. A value of -1
	// indicates the command could not be started or completed (command not
	// found, context cancelled).
	ExitCode int
}

// Runner defines the interface for running external commands.
type Runner interface {
	// Run executes the command with the given arguments, working directory,
	// and environment. It respects the provided context for cancellation.
	Run(ctx context.Context, command string, args []string, workingDir string, environment []string) (*Result, error)
}

// defaultRunner implements Runner using os/exec.
type defaultRunner struct{}

// NewRunner creates the default command runner.
func NewRunner() Runner {
	return &defaultRunner{}
}

func (r *defaultRunner) Run(ctx context.Context, command string, args []string, workingDir string, environment []string) (*Result, error) {
	cmd := exec.CommandContext(ctx, command, args...)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	if workingDir != "" {
		cmd.Dir = workingDir
	}
	if len(environment) > 0 {
		// Setting cmd.Env replaces the inherited environment entirely.
		cmd.Env = environment
	}

	result := &Result{ExitCode: -1}

	err := cmd.Run()
	result.Stdout = stdoutBuf.String()
	result.Stderr = stderrBuf.String()

	if err != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				result.ExitCode = status.ExitStatus()
			}
			// A non-zero exit is a normal outcome, not a run error.
			return result, nil
		}
		return result, err
	}

	result.ExitCode = 0
	return result, nil
}
