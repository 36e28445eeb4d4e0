package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"os/user"
	"strings"
	"time"
)

// ExecCommandFunc builds the command to run. Tests replace it to avoid
// touching the real scheduler binaries.
type ExecCommandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

var ErrTimeout = fmt.Errorf("command timed out")

type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Output returns stderr when it is not empty, stdout otherwise.
func (r *Result) Output() string {
	if s := strings.TrimSpace(r.Stderr); s != "" {
		return s
	}
	return strings.TrimSpace(r.Stdout)
}

type Runner struct {
	execCommand ExecCommandFunc
	timeout     time.Duration
}

func NewRunner(execCommand ExecCommandFunc, timeout time.Duration) *Runner {
	if execCommand == nil {
		execCommand = exec.CommandContext
	}
	return &Runner{
		execCommand: execCommand,
		timeout:     timeout,
	}
}

// Run executes the command and waits for it. A non-zero exit status is not
// an error: it is reported in Result.ExitCode. Errors are returned only when
// the command could not be run at all, or when the timeout expired
// (ErrTimeout).
func (r *Runner) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	cmd := r.execCommand(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	rslt := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return rslt, fmt.Errorf("%w: %v", ErrTimeout, cmd.String())
	}
	if err != nil {
		exitErr := new(exec.ExitError)
		if errors.As(err, &exitErr) {
			rslt.ExitCode = exitErr.ExitCode()
			return rslt, nil
		}
		return rslt, err
	}
	return rslt, nil
}

func GetHomeDirectory() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	return u.HomeDir, nil
}

func GetCurrentUsername() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	return u.Username, nil
}
