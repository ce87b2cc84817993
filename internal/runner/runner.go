package runner

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
)

// Result captures the outcome of one external tool invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Ok reports whether the tool exited successfully.
func (r Result) Ok() bool { return r.ExitCode == 0 }

// Runner is the narrow capability used to drive external binaries
// (container runtime, process lookup). Implementations return an error
// only when the tool could not be invoked at all; a non-zero exit is
// reported through Result.ExitCode so callers can apply their own
// failure policy.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// ExecRunner runs tools via os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	// #nosec G204 -- tool names and arguments come from validated config
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		res.ExitCode = ee.ExitCode()
		return res, nil
	}
	return res, err
}
