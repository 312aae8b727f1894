package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/3liz/qgswps/internal/bus"
)

type Options struct {
	Spawner Spawner
	// MaxQueue bounds the tasks in flight, zero is unbounded.
	MaxQueue int
	// Timeout is the supervisor default for BUSY notifications without one.
	Timeout time.Duration
	// OnEarlyFailure overrides the pool default when not nil.
	OnEarlyFailure func(pid int, exit Exit)
}

// Service binds the bus sockets and runs the pool, the supervisor and the
// pool client together.
type Service struct {
	cfg        PoolConfig
	router     *bus.Socket
	supervisor *bus.Socket
	broadcast  *bus.Socket

	Pool       *Pool
	Supervisor *Supervisor
	Client     *Client

	cancel context.CancelFunc
	g      *errgroup.Group
}

// Start listens on the endpoints of cfg and spawns the workers. It returns
// once the workers are started, not when they are ready.
func Start(ctx context.Context, cfg PoolConfig, opts Options) (*Service, error) {
	if err := cfg.Endpoints.Validate(); err != nil {
		return nil, err
	}
	if opts.Spawner == nil {
		opts.Spawner = ExecSpawner{Args: []string{"_worker"}}
	}

	s := &Service{cfg: cfg}
	var err error
	if s.router, err = bus.Listen(ctx, cfg.Network, cfg.Router); err != nil {
		return nil, fmt.Errorf("listening router: %w", err)
	}
	if s.supervisor, err = bus.Listen(ctx, cfg.Network, cfg.Supervisor); err != nil {
		s.closeSockets()
		return nil, fmt.Errorf("listening supervisor: %w", err)
	}
	if s.broadcast, err = bus.Listen(ctx, cfg.Network, cfg.Broadcast); err != nil {
		s.closeSockets()
		return nil, fmt.Errorf("listening broadcast: %w", err)
	}

	s.Pool = NewPool(cfg, opts.Spawner, s.broadcast)
	if opts.OnEarlyFailure != nil {
		s.Pool.OnEarlyFailure = opts.OnEarlyFailure
	}
	s.Supervisor = NewSupervisor(s.supervisor, opts.Timeout, s.Pool.Kill)
	s.Client = NewClient(s.router, opts.MaxQueue)

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.g, loopCtx = errgroup.WithContext(loopCtx)
	s.g.Go(func() error { return s.Client.Do(loopCtx) })
	s.g.Go(func() error { return s.Supervisor.Do(loopCtx) })
	// broadcast peers only receive, drain the connection events
	s.g.Go(func() error {
		for {
			if _, err := s.broadcast.Recv(loopCtx); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, bus.ErrClosed) {
					return nil
				}
				return err
			}
		}
	})

	if err := s.Pool.Start(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	slog.InfoContext(ctx, "worker pool started", "size", cfg.Size, "max_cycles", cfg.MaxCycles)
	return s, nil
}

// Ready waits until at least n workers are connected.
func (s *Service) Ready(ctx context.Context, n int) error {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for s.Client.Workers() < n {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

func (s *Service) closeSockets() {
	for _, sock := range []*bus.Socket{s.router, s.supervisor, s.broadcast} {
		if sock != nil {
			_ = sock.Close()
		}
	}
}

// Close fails pending tasks, terminates the workers and releases the
// sockets.
func (s *Service) Close() error {
	s.Client.Close()
	s.Pool.Terminate()
	s.Supervisor.Stop()
	s.cancel()
	s.closeSockets()
	return s.g.Wait()
}
