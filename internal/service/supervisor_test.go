package service_test

import (
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/3liz/qgswps/internal/bus"
	"github.com/3liz/qgswps/internal/service"
)

type killed struct {
	pid int
	sig syscall.Signal
}

func TestSupervisor(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	addr := filepath.Join(t.TempDir(), "supervisor.sock")
	sock, err := bus.Listen(t.Context(), "unix", addr)
	require.NoError(t, err)
	defer sock.Close()

	kills := make(chan killed, 4)
	sup := service.NewSupervisor(sock, time.Hour, func(pid int, sig syscall.Signal) error {
		kills <- killed{pid: pid, sig: sig}
		return nil
	})

	var wg sync.WaitGroup
	wg.Go(func() {
		require.NoError(t, sup.Do(t.Context()))
	})

	conn, err := bus.Dial(t.Context(), "unix", addr, "w1")
	require.NoError(t, err)
	defer conn.Close()

	t.Run("timeout kills", func(t *testing.T) {
		require.NoError(t, conn.Send([]byte("BUSY"), []byte("42"), []byte("50")))
		select {
		case k := <-kills:
			require.Equal(t, killed{pid: 42, sig: syscall.SIGKILL}, k)
		case <-time.After(5 * time.Second):
			t.Fatal("worker was not killed")
		}
		require.False(t, sup.Busy(42))
	})

	t.Run("done cancels", func(t *testing.T) {
		require.NoError(t, conn.Send([]byte("BUSY"), []byte("43"), []byte("200")))
		require.Eventually(t, func() bool { return sup.Busy(43) }, time.Second, 5*time.Millisecond)
		require.NoError(t, conn.Send([]byte("DONE"), []byte("43")))
		require.Eventually(t, func() bool { return !sup.Busy(43) }, time.Second, 5*time.Millisecond)
		select {
		case k := <-kills:
			t.Fatalf("unexpected kill %+v", k)
		case <-time.After(400 * time.Millisecond):
		}
	})

	t.Run("busy replaces timer", func(t *testing.T) {
		require.NoError(t, conn.Send([]byte("BUSY"), []byte("44"), []byte("100")))
		require.NoError(t, conn.Send([]byte("BUSY"), []byte("44"), []byte("60000")))
		require.Eventually(t, func() bool { return sup.Busy(44) }, time.Second, 5*time.Millisecond)
		select {
		case k := <-kills:
			t.Fatalf("unexpected kill %+v", k)
		case <-time.After(300 * time.Millisecond):
		}
	})

	t.Run("kill busy", func(t *testing.T) {
		require.NoError(t, sup.KillWorkerBusy(t.Context(), 44))
		require.Equal(t, killed{pid: 44, sig: syscall.SIGKILL}, <-kills)
		require.False(t, sup.Busy(44))
	})

	sup.Stop()
	wg.Wait()
}
