package engine

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"
)

// RunResult captures one external engine invocation.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// Runner abstracts process execution so workers can be tested without a real
// engine binary.
type Runner interface {
	Run(ctx context.Context, timeout time.Duration, name string, args ...string) (RunResult, error)
}

type execRunner struct{}

// NewExecRunner returns the production Runner backed by os/exec.
func NewExecRunner() Runner {
	return execRunner{}
}

// Run executes one command under a hard wall-clock timeout. On expiry the
// process is force-killed and the call reports TimedOut instead of an error,
// so callers can resolve to "no result" and keep going.
func (execRunner) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (RunResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := RunResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.ExitCode = -1
		return result, nil
	}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}
	return result, nil
}
