package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/3liz/qgswps/internal/bus"
	"github.com/3liz/qgswps/internal/log"
	"github.com/3liz/qgswps/internal/model"
)

const (
	msgReady   = "READY"
	msgTask    = "TASK"
	msgResult  = "RESULT"
	msgRestart = "RESTART"

	// JobLogFile is created in the task workdir.
	JobLogFile = "processing.log"
)

// Handler executes one task kind inside a worker.
type Handler func(ctx context.Context, task model.Task) (json.RawMessage, error)

type WorkerConfig struct {
	Endpoints
	// Identity on the router, generated when empty.
	Identity string
	// Pid reported to the supervisor, os.Getpid() when zero.
	Pid int
	// MaxCycles ends the worker after that many tasks, zero is unlimited.
	MaxCycles int
	// Chdir changes the process directory to the task workdir. Only safe
	// when the worker is a process of its own.
	Chdir    bool
	Handlers map[model.TaskKind]Handler
	// Init runs once before the first READY, a failure ends the worker.
	Init func(ctx context.Context) error
}

type pidKeyT struct{}

var pidKey pidKeyT

// WorkerPid returns the pid of the worker running the task handler.
func WorkerPid(ctx context.Context) int {
	pid, _ := ctx.Value(pidKey).(int)
	return pid
}

type worker struct {
	cfg        WorkerConfig
	router     *bus.Conn
	supervisor *bus.Conn
	broadcast  *bus.Conn
	chdirMx    sync.Mutex
}

// RunWorker connects to the pool and serves tasks until the cycle limit is
// reached, a RESTART broadcast arrives while idle, or ctx is done. A nil
// error means a clean exit.
func RunWorker(ctx context.Context, cfg WorkerConfig) error {
	if err := cfg.Endpoints.Validate(); err != nil {
		return err
	}
	if cfg.Pid == 0 {
		cfg.Pid = os.Getpid()
	}
	if cfg.Identity == "" {
		cfg.Identity = strconv.Itoa(cfg.Pid) + "-" + uuid.NewString()[:8]
	}
	if cfg.Handlers == nil {
		cfg.Handlers = make(map[model.TaskKind]Handler)
	}
	if _, ok := cfg.Handlers[model.TaskPing]; !ok {
		cfg.Handlers[model.TaskPing] = ping
	}
	ctx = log.ContextAttrs(ctx, slog.Int("pid", cfg.Pid), slog.String("worker_id", cfg.Identity))

	if cfg.Init != nil {
		if err := cfg.Init(ctx); err != nil {
			return fmt.Errorf("initializing worker: %w", err)
		}
	}

	w := &worker{cfg: cfg}
	var err error
	if w.router, err = bus.Dial(ctx, cfg.Network, cfg.Router, cfg.Identity); err != nil {
		return err
	}
	defer w.router.Close()
	if w.supervisor, err = bus.Dial(ctx, cfg.Network, cfg.Supervisor, cfg.Identity); err != nil {
		return err
	}
	defer w.supervisor.Close()
	if w.broadcast, err = bus.Dial(ctx, cfg.Network, cfg.Broadcast, cfg.Identity); err != nil {
		return err
	}
	defer w.broadcast.Close()

	return w.loop(ctx)
}

type frame struct {
	parts [][]byte
	err   error
}

func readFrames(conn *bus.Conn, stop <-chan struct{}) <-chan frame {
	ch := make(chan frame, 1)
	go func() {
		defer close(ch)
		for {
			parts, err := conn.Recv()
			select {
			case ch <- frame{parts: parts, err: err}:
			case <-stop:
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return ch
}

func (w *worker) loop(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	tasks := readFrames(w.router, stop)
	restarts := readFrames(w.broadcast, stop)
	restart := false

	if err := w.router.Send([]byte(msgReady)); err != nil {
		return fmt.Errorf("announcing ready: %w", err)
	}
	slog.DebugContext(ctx, "worker ready")

	cycles := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-restarts:
			if !ok || f.err != nil {
				restarts = nil
				continue
			}
			if len(f.parts) > 0 && string(f.parts[0]) == msgRestart {
				slog.InfoContext(ctx, "worker restart requested")
				return nil
			}
		case f, ok := <-tasks:
			if !ok || f.err != nil {
				if ctx.Err() != nil {
					return nil
				}
				err := errors.New("router connection closed")
				if ok {
					err = fmt.Errorf("router connection: %w", f.err)
				}
				return err
			}
			if len(f.parts) != 3 || string(f.parts[0]) != msgTask {
				slog.WarnContext(ctx, "worker: unexpected frame", "parts", len(f.parts))
				continue
			}
			corr := string(f.parts[1])
			result, killed := w.execute(ctx, corr, f.parts[2])
			if killed {
				return nil
			}
			raw, err := json.Marshal(result)
			if err != nil {
				return fmt.Errorf("encoding result: %w", err)
			}
			if err := w.router.Send([]byte(msgResult), []byte(corr), raw); err != nil {
				return fmt.Errorf("sending result: %w", err)
			}
			cycles++
			if w.cfg.MaxCycles > 0 && cycles >= w.cfg.MaxCycles {
				slog.InfoContext(ctx, "worker reached max cycles", "cycles", cycles)
				return nil
			}
			// a restart received while busy applies now
			select {
			case f, ok := <-restarts:
				if ok && f.err == nil && len(f.parts) > 0 && string(f.parts[0]) == msgRestart {
					restart = true
				}
			default:
			}
			if restart {
				slog.InfoContext(ctx, "worker restart requested")
				return nil
			}
			if err := w.router.Send([]byte(msgReady)); err != nil {
				return fmt.Errorf("announcing ready: %w", err)
			}
		}
	}
}

// execute runs one task. killed is true when ctx ended while the handler
// was running, no result must be sent then.
func (w *worker) execute(ctx context.Context, corr string, raw []byte) (result model.TaskResult, killed bool) {
	ctx = log.ContextAttrs(ctx, slog.String("correlation_id", corr))

	var task model.Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return failure(model.NoApplicableCode(500, "Invalid task: %v", err)), false
	}
	handler, ok := w.cfg.Handlers[task.Kind]
	if !ok {
		slog.ErrorContext(ctx, "no handler", "kind", task.Kind)
		return failure(model.NoApplicableCode(500, "%v: %s", model.ErrUnknownTask, task.Kind)), false
	}

	pid := []byte(strconv.Itoa(w.cfg.Pid))
	if err := w.supervisor.Send([]byte(msgBusy), pid, []byte(strconv.FormatInt(task.Timeout.Milliseconds(), 10))); err != nil {
		slog.ErrorContext(ctx, "notifying supervisor", "error", err)
	}
	defer func() {
		if err := w.supervisor.Send([]byte(msgDone), pid); err != nil {
			slog.ErrorContext(ctx, "notifying supervisor", "error", err)
		}
	}()

	hctx, cancel := context.WithCancel(context.WithValue(ctx, pidKey, w.cfg.Pid))
	defer cancel()
	if task.Workdir != "" {
		if err := os.MkdirAll(task.Workdir, 0o755); err != nil {
			return failure(model.NoApplicableCode(500, "Cannot create workdir")), false
		}
		var closeLog func() error
		var err error
		hctx, closeLog, err = log.WithJobFile(hctx, filepath.Join(task.Workdir, JobLogFile))
		if err != nil {
			slog.ErrorContext(ctx, "job log", "error", err)
		} else {
			defer func() { _ = closeLog() }()
		}
		if w.cfg.Chdir {
			restore, err := w.chdir(task.Workdir)
			if err != nil {
				return failure(model.NoApplicableCode(500, "Cannot change to workdir")), false
			}
			defer restore()
		}
	}

	done := make(chan model.TaskResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.ErrorContext(hctx, "handler panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
				done <- failure(model.NoApplicableCode(500, "Internal error"))
			}
		}()
		value, err := handler(hctx, task)
		if err != nil {
			var exc *model.Exception
			if !errors.As(err, &exc) {
				slog.ErrorContext(hctx, "handler failed", "error", err)
			}
			done <- failure(model.AsException(err))
			return
		}
		done <- model.TaskResult{Success: true, Value: value}
	}()

	select {
	case res := <-done:
		return res, false
	case <-ctx.Done():
		return model.TaskResult{}, true
	}
}

func (w *worker) chdir(dir string) (func(), error) {
	w.chdirMx.Lock()
	prev, err := os.Getwd()
	if err != nil {
		w.chdirMx.Unlock()
		return nil, err
	}
	if err := os.Chdir(dir); err != nil {
		w.chdirMx.Unlock()
		return nil, err
	}
	return func() {
		_ = os.Chdir(prev)
		w.chdirMx.Unlock()
	}, nil
}

func failure(exc *model.Exception) model.TaskResult {
	return model.TaskResult{Success: false, Error: exc}
}

func ping(context.Context, model.Task) (json.RawMessage, error) {
	return json.RawMessage(`"pong"`), nil
}
