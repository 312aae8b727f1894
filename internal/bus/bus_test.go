package bus_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/3liz/qgswps/internal/bus"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func listen(t *testing.T) (*bus.Socket, string) {
	t.Helper()
	addr := filepath.Join(t.TempDir(), "bus.sock")
	sock, err := bus.Listen(t.Context(), "unix", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sock.Close() })
	return sock, addr
}

func recv(t *testing.T, sock *bus.Socket) bus.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	m, err := sock.Recv(ctx)
	require.NoError(t, err)
	return m
}

func TestRouter(t *testing.T) {
	sock, addr := listen(t)

	conn, err := bus.Dial(t.Context(), "unix", addr, "worker-1")
	require.NoError(t, err)

	m := recv(t, sock)
	require.Equal(t, bus.EventConnected, m.Event)
	require.Equal(t, "worker-1", m.Identity)

	require.NoError(t, conn.Send([]byte("READY")))
	m = recv(t, sock)
	require.Equal(t, bus.EventMessage, m.Event)
	require.Equal(t, "worker-1", m.Identity)
	require.Equal(t, [][]byte{[]byte("READY")}, m.Parts)

	require.NoError(t, sock.Send("worker-1", []byte("corr"), []byte{}, []byte("payload")))
	parts, err := conn.Recv()
	require.NoError(t, err)
	require.Len(t, parts, 3)
	require.Equal(t, "corr", string(parts[0]))
	require.Empty(t, parts[1])
	require.Equal(t, "payload", string(parts[2]))

	err = sock.Send("nobody", []byte("x"))
	require.ErrorIs(t, err, bus.ErrUnknownPeer)

	require.NoError(t, conn.Close())
	m = recv(t, sock)
	require.Equal(t, bus.EventDisconnected, m.Event)
	require.Equal(t, "worker-1", m.Identity)
	require.Equal(t, 0, sock.Peers())
}

func TestBroadcast(t *testing.T) {
	sock, addr := listen(t)

	const n = 3
	conns := make([]*bus.Conn, n)
	for i := range n {
		c, err := bus.Dial(t.Context(), "unix", addr, "w"+string(rune('a'+i)))
		require.NoError(t, err)
		conns[i] = c
		require.Equal(t, bus.EventConnected, recv(t, sock).Event)
	}
	require.Equal(t, n, sock.Peers())

	require.NoError(t, sock.Broadcast([]byte("RESTART")))

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Go(func() {
			parts, err := c.Recv()
			require.NoError(t, err)
			require.Equal(t, "RESTART", string(parts[0]))
		})
	}
	wg.Wait()

	require.NoError(t, sock.Close())
	for _, c := range conns {
		_, err := c.Recv()
		require.ErrorIs(t, err, bus.ErrClosed)
		require.NoError(t, c.Close())
	}
}

func TestRecv_Cancel(t *testing.T) {
	sock, _ := listen(t)
	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	_, err := sock.Recv(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, sock.Close())
	_, err = sock.Recv(t.Context())
	require.ErrorIs(t, err, bus.ErrClosed)
}

func TestDial_Errors(t *testing.T) {
	_, err := bus.Dial(t.Context(), "unix", filepath.Join(t.TempDir(), "none.sock"), "id")
	require.Error(t, err)

	_, addr := listen(t)
	_, err = bus.Dial(t.Context(), "unix", addr, "")
	require.Error(t, err)
}
