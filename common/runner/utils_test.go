package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helperCommand re-executes the test binary as a fake command.
func helperCommand(mode string) ExecCommandFunc {
	return func(ctx context.Context, name string, args ...string) *exec.Cmd {
		cs := append([]string{"-test.run=TestHelperProcess", "--", mode, name}, args...)
		cmd := exec.CommandContext(ctx, os.Args[0], cs...)
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1")
		return cmd
	}
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	args = args[1:]
	switch args[0] {
	case "ok":
		fmt.Fprint(os.Stdout, "hello")
		os.Exit(0)
	case "fail":
		fmt.Fprint(os.Stderr, "boom")
		os.Exit(3)
	case "sleep":
		time.Sleep(10 * time.Second)
		os.Exit(0)
	}
	os.Exit(2)
}

func TestRunner_Run(t *testing.T) {
	r := NewRunner(helperCommand("ok"), time.Minute)
	rslt, err := r.Run(context.Background(), "echo")
	require.NoError(t, err)
	assert.Equal(t, 0, rslt.ExitCode)
	assert.Equal(t, "hello", rslt.Stdout)
	assert.Equal(t, "hello", rslt.Output())
}

func TestRunner_Run_NonZeroExit(t *testing.T) {
	r := NewRunner(helperCommand("fail"), time.Minute)
	rslt, err := r.Run(context.Background(), "false")
	require.NoError(t, err)
	assert.Equal(t, 3, rslt.ExitCode)
	assert.Equal(t, "boom", rslt.Output())
}

func TestRunner_Run_Timeout(t *testing.T) {
	r := NewRunner(helperCommand("sleep"), 200*time.Millisecond)
	_, err := r.Run(context.Background(), "sleep")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
}
