package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/3liz/qgswps/internal/bus"
)

var ErrUnknownWorker = errors.New("unknown worker")

// Exit describes how a worker process ended.
type Exit struct {
	Code int
	Err  error
}

// Process is a spawned worker.
type Process interface {
	Pid() int
	Signal(sig syscall.Signal) error
	// Done delivers the exit once.
	Done() <-chan Exit
}

type Spawner interface {
	Spawn(ctx context.Context, cfg PoolConfig) (Process, error)
}

// ExecSpawner starts workers as child processes of Path, by default the
// running binary with the hidden worker command.
type ExecSpawner struct {
	Path string
	// Args precede the endpoint flags, e.g. ["_worker", "--config", path].
	Args []string
	Env  []string
}

type execProcess struct {
	runner *Runner
	pid    int
	done   chan Exit
}

func (p *execProcess) Pid() int { return p.pid }

func (p *execProcess) Signal(sig syscall.Signal) error { return p.runner.Signal(sig) }

func (p *execProcess) Done() <-chan Exit { return p.done }

func (s ExecSpawner) Spawn(ctx context.Context, cfg PoolConfig) (Process, error) {
	path := s.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locating executable: %w", err)
		}
		path = exe
	}
	args := slices.Concat(s.Args, cfg.Endpoints.Args())
	if cfg.MaxCycles > 0 {
		args = append(args, "--maxcycles", fmt.Sprint(cfg.MaxCycles))
	}
	env := s.Env
	if env == nil {
		env = os.Environ()
	}

	runner := NewRunner()
	stderr := func(_ context.Context, line string) {
		_, _ = fmt.Fprintln(os.Stderr, line)
	}
	// workers outlive the request context, they are stopped by signals
	if err := runner.Start(context.WithoutCancel(ctx), Command{Path: path, Args: args, Env: env}, stderr); err != nil {
		return nil, fmt.Errorf("starting worker: %w", err)
	}
	p := &execProcess{runner: runner, pid: runner.Pid(), done: make(chan Exit, 1)}
	go func() {
		res := <-runner.WaitChan()
		var exitErr error
		if res.State == nil {
			exitErr = res.Err
		}
		p.done <- Exit{Code: res.ExitCode(), Err: exitErr}
		close(p.done)
	}()
	return p, nil
}

// InProcessSpawner runs workers as goroutines with fake pids. Any signal
// stops the worker, SIGKILL while busy makes it exit with -1.
type InProcessSpawner struct {
	Worker func(cfg WorkerConfig) WorkerConfig
}

var fakePid atomic.Int64

func init() {
	fakePid.Store(1 << 22)
}

type goProcess struct {
	pid    int
	cancel context.CancelFunc
	killed atomic.Bool
	done   chan Exit
}

func (p *goProcess) Pid() int { return p.pid }

func (p *goProcess) Signal(sig syscall.Signal) error {
	if sig == syscall.SIGKILL {
		p.killed.Store(true)
	}
	p.cancel()
	return nil
}

func (p *goProcess) Done() <-chan Exit { return p.done }

func (s InProcessSpawner) Spawn(ctx context.Context, cfg PoolConfig) (Process, error) {
	pid := int(fakePid.Add(1))
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &goProcess{pid: pid, cancel: cancel, done: make(chan Exit, 1)}

	wcfg := WorkerConfig{
		Endpoints: cfg.Endpoints,
		Pid:       pid,
		MaxCycles: cfg.MaxCycles,
	}
	if s.Worker != nil {
		wcfg = s.Worker(wcfg)
	}
	go func() {
		defer cancel()
		err := RunWorker(wctx, wcfg)
		exit := Exit{Code: 0, Err: err}
		switch {
		case p.killed.Load():
			exit.Code = -1
		case err != nil:
			exit.Code = 1
		}
		p.done <- exit
		close(p.done)
	}()
	return p, nil
}

type member struct {
	proc    Process
	started time.Time
	killed  atomic.Bool
}

// Pool keeps Size workers alive and respawns them when they exit.
type Pool struct {
	cfg       PoolConfig
	spawner   Spawner
	broadcast *bus.Socket
	// OnEarlyFailure is called when a worker exits with a non zero code
	// within EarlyFailureDelay of its start. It defaults to raising SIGABRT
	// on the current process.
	OnEarlyFailure func(pid int, exit Exit)

	mx      sync.Mutex
	members map[int]*member
	closing bool
	wg      sync.WaitGroup
	spawned atomic.Int64
}

func NewPool(cfg PoolConfig, spawner Spawner, broadcast *bus.Socket) *Pool {
	return &Pool{
		cfg:            cfg,
		spawner:        spawner,
		broadcast:      broadcast,
		OnEarlyFailure: abort,
		members:        make(map[int]*member),
	}
}

func abort(pid int, exit Exit) {
	slog.Error("worker failed at startup: aborting", "pid", pid, "code", exit.Code, "error", exit.Err)
	_ = syscall.Kill(os.Getpid(), syscall.SIGABRT)
}

// Start spawns the workers.
func (p *Pool) Start(ctx context.Context) error {
	for range max(p.cfg.Size, 1) {
		if err := p.spawn(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) spawn(ctx context.Context) error {
	proc, err := p.spawner.Spawn(ctx, p.cfg)
	if err != nil {
		return fmt.Errorf("spawning worker: %w", err)
	}
	m := &member{proc: proc, started: time.Now()}
	p.mx.Lock()
	p.members[proc.Pid()] = m
	p.mx.Unlock()
	p.spawned.Add(1)
	slog.DebugContext(ctx, "worker spawned", "pid", proc.Pid())

	p.wg.Go(func() { p.watch(ctx, m) })
	return nil
}

func (p *Pool) watch(ctx context.Context, m *member) {
	exit := <-m.proc.Done()
	pid := m.proc.Pid()
	lifetime := time.Since(m.started)

	p.mx.Lock()
	delete(p.members, pid)
	closing := p.closing
	p.mx.Unlock()

	slog.DebugContext(ctx, "worker exited", "pid", pid, "code", exit.Code, "lifetime", lifetime.String())
	if closing {
		return
	}
	if exit.Code != 0 && !m.killed.Load() && p.cfg.EarlyFailureDelay > 0 && lifetime < p.cfg.EarlyFailureDelay {
		if p.OnEarlyFailure != nil {
			p.OnEarlyFailure(pid, exit)
		}
		return
	}
	if err := p.spawn(ctx); err != nil {
		slog.ErrorContext(ctx, "respawning worker failed", "error", err)
	}
}

// Kill signals the worker with the given pid.
func (p *Pool) Kill(pid int, sig syscall.Signal) error {
	p.mx.Lock()
	m, ok := p.members[pid]
	p.mx.Unlock()
	if !ok {
		return fmt.Errorf("killing %d: %w", pid, ErrUnknownWorker)
	}
	if sig == syscall.SIGKILL {
		m.killed.Store(true)
	}
	return m.proc.Signal(sig)
}

// Restart asks every worker to exit once idle, they are respawned with a
// fresh state.
func (p *Pool) Restart() error {
	if p.broadcast == nil {
		return errors.New("pool has no broadcast socket")
	}
	return p.broadcast.Broadcast([]byte(msgRestart))
}

// Pids returns the pids of live workers.
func (p *Pool) Pids() []int {
	p.mx.Lock()
	defer p.mx.Unlock()
	pids := make([]int, 0, len(p.members))
	for pid := range p.members {
		pids = append(pids, pid)
	}
	slices.Sort(pids)
	return pids
}

// Spawned counts the workers started since the pool started.
func (p *Pool) Spawned() int {
	return int(p.spawned.Load())
}

// Terminate sends SIGTERM to every worker, waits up to the grace timeout
// and kills the remaining ones.
func (p *Pool) Terminate() {
	p.mx.Lock()
	p.closing = true
	members := make([]*member, 0, len(p.members))
	for _, m := range p.members {
		members = append(members, m)
	}
	p.mx.Unlock()

	for _, m := range members {
		_ = m.proc.Signal(syscall.SIGTERM)
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	grace := p.cfg.GraceTimeout
	if grace <= 0 {
		grace = 5 * time.Second
	}
	select {
	case <-done:
		return
	case <-time.After(grace):
	}
	for _, m := range members {
		_ = m.proc.Signal(syscall.SIGKILL)
	}
	<-done
}
