package service

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/3liz/qgswps/internal/bus"
)

const (
	msgBusy = "BUSY"
	msgDone = "DONE"
)

// KillFunc delivers a signal to a worker process.
type KillFunc func(pid int, sig syscall.Signal) error

// Supervisor watches busy workers and kills those running a task for
// longer than its timeout.
type Supervisor struct {
	sock    *bus.Socket
	timeout time.Duration
	kill    KillFunc

	mx     sync.Mutex
	timers map[int]*time.Timer
	cancel context.CancelFunc
}

// NewSupervisor uses timeout for BUSY notifications without their own.
func NewSupervisor(sock *bus.Socket, timeout time.Duration, kill KillFunc) *Supervisor {
	return &Supervisor{
		sock:    sock,
		timeout: timeout,
		kill:    kill,
		timers:  make(map[int]*time.Timer),
	}
}

// Do runs the supervisor loop until ctx is done or Stop is called.
func (s *Supervisor) Do(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mx.Lock()
	s.cancel = cancel
	s.mx.Unlock()
	defer s.Stop()

	slog.DebugContext(ctx, "starting a supervisor")
	for {
		m, err := s.sock.Recv(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, bus.ErrClosed) {
				return nil
			}
			return err
		}
		if m.Event != bus.EventMessage || len(m.Parts) < 2 {
			continue
		}
		pid, err := strconv.Atoi(string(m.Parts[1]))
		if err != nil {
			slog.WarnContext(ctx, "supervisor: bad pid", "worker_id", m.Identity, "error", err)
			continue
		}
		switch string(m.Parts[0]) {
		case msgBusy:
			timeout := s.timeout
			if len(m.Parts) > 2 {
				if ms, err := strconv.ParseInt(string(m.Parts[2]), 10, 64); err == nil && ms > 0 {
					timeout = time.Duration(ms) * time.Millisecond
				}
			}
			s.busy(ctx, pid, timeout)
		case msgDone:
			s.done(pid)
		default:
			slog.WarnContext(ctx, "supervisor: unknown message", "worker_id", m.Identity, "message", string(m.Parts[0]))
		}
	}
}

func (s *Supervisor) busy(ctx context.Context, pid int, timeout time.Duration) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if t, ok := s.timers[pid]; ok {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(timeout, func() {
		s.mx.Lock()
		current := s.timers[pid] == timer
		if current {
			delete(s.timers, pid)
		}
		s.mx.Unlock()
		if !current {
			return
		}
		slog.WarnContext(ctx, "worker timed out: killing", "pid", pid, "timeout", timeout.String())
		if err := s.kill(pid, syscall.SIGKILL); err != nil {
			slog.ErrorContext(ctx, "killing worker failed", "pid", pid, "error", err)
		}
	})
	s.timers[pid] = timer
}

func (s *Supervisor) done(pid int) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if t, ok := s.timers[pid]; ok {
		t.Stop()
		delete(s.timers, pid)
	}
}

// Busy reports whether a kill timer is pending for pid.
func (s *Supervisor) Busy(pid int) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	_, ok := s.timers[pid]
	return ok
}

// KillWorkerBusy cancels the timer of pid and kills the worker.
func (s *Supervisor) KillWorkerBusy(ctx context.Context, pid int) error {
	s.done(pid)
	slog.InfoContext(ctx, "killing busy worker", "pid", pid)
	return s.kill(pid, syscall.SIGKILL)
}

// Stop ends the loop and cancels every pending timer.
func (s *Supervisor) Stop() {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	for pid, t := range s.timers {
		t.Stop()
		delete(s.timers, pid)
	}
}
