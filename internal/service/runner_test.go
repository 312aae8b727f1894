package service_test

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/3liz/qgswps/internal/service"
	"github.com/stretchr/testify/require"
)

func TestRunner(t *testing.T) {
	t.Parallel()
	yes, err := exec.LookPath("yes")
	if err != nil {
		t.Skipf("skipped, binary yes not available: %v", err)
	}

	runner := service.NewRunner()
	t.Run("not yet started", func(t *testing.T) {
		res := runner.LastResult()
		require.ErrorIs(t, res.Err, service.ErrNotStarted)
	})

	cmd := service.Command{
		Path:    yes,
		Args:    []string{"golang"},
		Env:     []string{"LC_ALL=C"},
		Timeout: 100 * time.Millisecond,
	}
	ctx := t.Context()

	t.Run("start", func(t *testing.T) {
		err = runner.Start(ctx, cmd, nil)
		require.NoError(t, err)
		require.NotZero(t, runner.Pid())
		res := runner.LastResult()
		require.ErrorIs(t, res.Err, service.ErrInProgress)
	})
	t.Run("in progress", func(t *testing.T) {
		err = runner.Start(ctx, cmd, nil)
		require.Error(t, err)
		require.ErrorIs(t, err, service.ErrInProgress)
	})
	t.Run("wait", func(t *testing.T) {
		res := <-runner.WaitChan()
		require.Equal(t, yes, res.Path)
		require.Equal(t, []string{"golang"}, res.Args)
		require.NotZero(t, res.Started)
		require.NotZero(t, res.Stopped)
		require.GreaterOrEqual(t, res.Stopped.Sub(res.Started), 100*time.Millisecond)
		require.Error(t, res.Err)
		var exitErr *exec.ExitError
		require.ErrorAs(t, res.Err, &exitErr)

		require.Greater(t, res.Stdout.Len(), 1024)
		require.True(t, strings.HasPrefix(
			string(res.Stdout.Bytes()[:256]),
			"golang\ngolang\n",
		))
		require.Zero(t, runner.Pid())
	})
	t.Run("wait after exit", func(t *testing.T) {
		res := <-runner.WaitChan()
		require.Equal(t, yes, res.Path)
	})
	t.Run("exec error", func(t *testing.T) {
		noCmd := service.Command{
			Path: "does not exist",
		}
		err := runner.Start(ctx, noCmd, nil)
		require.Error(t, err)
		var execErr *exec.Error
		require.ErrorAs(t, err, &execErr)
		require.Equal(t, noCmd.Path, execErr.Name)
	})
}

func TestRunner_StdinStderr(t *testing.T) {
	t.Parallel()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}

	cmd := service.Command{
		Path:  sh,
		Args:  []string{"-c", "cat; printf 'PROGRESS 50 half\\nPROGRESS 100 done\\n' 1>&2"},
		Stdin: []byte(`{"a":1}`),
		Dir:   t.TempDir(),
	}

	var mx sync.Mutex
	var stderr []string
	handle := func(_ context.Context, line string) {
		mx.Lock()
		defer mx.Unlock()
		stderr = append(stderr, line)
	}

	res := service.NewRunner().Run(t.Context(), cmd, handle)
	require.NoError(t, res.Err)
	require.Equal(t, 0, res.ExitCode())
	require.Equal(t, `{"a":1}`, res.Stdout.String())
	mx.Lock()
	defer mx.Unlock()
	require.Equal(t, []string{"PROGRESS 50 half", "PROGRESS 100 done"}, stderr)
}

func TestRunner_Signal(t *testing.T) {
	t.Parallel()
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skipf("skipped, binary sleep not available: %v", err)
	}
	runner := service.NewRunner()
	require.ErrorIs(t, runner.Signal(syscall.SIGTERM), service.ErrNotStarted)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	require.NoError(t, runner.Start(ctx, service.Command{Path: sleep, Args: []string{"30"}}, nil))
	require.NoError(t, runner.Signal(syscall.SIGKILL))
	res := <-runner.WaitChan()
	require.Error(t, res.Err)
	require.Equal(t, -1, res.ExitCode())
}
