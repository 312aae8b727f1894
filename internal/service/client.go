package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/3liz/qgswps/internal/bus"
	"github.com/3liz/qgswps/internal/model"
)

var (
	ErrWorkerLost   = errors.New("worker lost")
	ErrClientClosed = errors.New("pool client closed")
)

// Future is the pending result of a task sent to the pool.
type Future struct {
	id    string
	done  chan struct{}
	once  sync.Once
	value json.RawMessage
	err   error
}

func newFuture(id string) *Future {
	return &Future{id: id, done: make(chan struct{})}
}

// ID is the correlation id of the task.
func (f *Future) ID() string { return f.id }

func (f *Future) resolve(value json.RawMessage, err error) {
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
	})
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the result is available or ctx is done.
func (f *Future) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Client routes tasks to ready workers and correlates their results.
type Client struct {
	sock     *bus.Socket
	maxQueue int

	closed chan struct{}

	mx    sync.Mutex
	queue []string
	ready map[string]struct{}
	// waiters are the tasks waiting for a worker, oldest first. Each
	// channel receives exactly one worker identity.
	waiters  []chan string
	workers  map[string]struct{}
	pending  map[string]*Future
	inflight map[string]string
	shut     bool
}

// NewClient uses sock as the router the workers dial. maxQueue bounds the
// number of tasks in flight, zero is unbounded.
func NewClient(sock *bus.Socket, maxQueue int) *Client {
	return &Client{
		sock:     sock,
		maxQueue: maxQueue,
		closed:   make(chan struct{}),
		ready:    make(map[string]struct{}),
		workers:  make(map[string]struct{}),
		pending:  make(map[string]*Future),
		inflight: make(map[string]string),
	}
}

// Do receives worker frames until ctx is done or the socket is closed.
func (c *Client) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting pool client")
	for {
		m, err := c.sock.Recv(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, bus.ErrClosed) {
				return nil
			}
			return err
		}
		switch m.Event {
		case bus.EventConnected:
			c.mx.Lock()
			c.workers[m.Identity] = struct{}{}
			c.mx.Unlock()
		case bus.EventDisconnected:
			c.lost(ctx, m.Identity)
		case bus.EventMessage:
			c.handle(ctx, m)
		}
	}
}

func (c *Client) handle(ctx context.Context, m bus.Message) {
	if len(m.Parts) == 0 {
		return
	}
	switch string(m.Parts[0]) {
	case msgReady:
		c.mx.Lock()
		c.workers[m.Identity] = struct{}{}
		if _, ok := c.ready[m.Identity]; !ok {
			c.ready[m.Identity] = struct{}{}
			c.queue = append(c.queue, m.Identity)
		}
		c.assign()
		c.mx.Unlock()
	case msgResult:
		if len(m.Parts) != 3 {
			slog.WarnContext(ctx, "pool client: malformed result", "worker_id", m.Identity)
			return
		}
		corr := string(m.Parts[1])
		c.mx.Lock()
		fut, ok := c.pending[corr]
		delete(c.inflight, corr)
		c.mx.Unlock()
		if !ok {
			slog.WarnContext(ctx, "pool client: dropping unmatched result", "correlation_id", corr, "worker_id", m.Identity)
			return
		}
		var res model.TaskResult
		if err := json.Unmarshal(m.Parts[2], &res); err != nil {
			fut.resolve(nil, fmt.Errorf("decoding task result: %w", err))
			return
		}
		if !res.Success {
			if res.Error == nil {
				res.Error = model.NoApplicableCode(http.StatusInternalServerError, "Internal error")
			}
			fut.resolve(nil, res.Error)
			return
		}
		fut.resolve(res.Value, nil)
	default:
		slog.WarnContext(ctx, "pool client: unknown message", "worker_id", m.Identity, "message", string(m.Parts[0]))
	}
}

func (c *Client) lost(ctx context.Context, identity string) {
	c.mx.Lock()
	delete(c.workers, identity)
	delete(c.ready, identity)
	var failed []*Future
	for corr, id := range c.inflight {
		if id != identity {
			continue
		}
		delete(c.inflight, corr)
		if fut, ok := c.pending[corr]; ok {
			failed = append(failed, fut)
		}
	}
	c.mx.Unlock()
	for _, fut := range failed {
		slog.WarnContext(ctx, "worker lost with a task in flight", "worker_id", identity, "correlation_id", fut.ID())
		fut.resolve(nil, fmt.Errorf("%w: %s", ErrWorkerLost, identity))
	}
}

// assign hands ready workers to the oldest waiters. c.mx must be held.
func (c *Client) assign() {
	for len(c.waiters) > 0 && len(c.queue) > 0 {
		id := c.queue[0]
		c.queue = c.queue[1:]
		if _, ok := c.ready[id]; !ok {
			continue
		}
		delete(c.ready, id)
		w := c.waiters[0]
		c.waiters = c.waiters[1:]
		w <- id
	}
}

func (c *Client) waitReady(ctx context.Context, w chan string) (string, error) {
	select {
	case id := <-w:
		return id, nil
	case <-c.closed:
		c.leave(w)
		return "", ErrClientClosed
	case <-ctx.Done():
		c.leave(w)
		return "", ctx.Err()
	}
}

// leave removes a waiter that gave up. A worker already handed to it goes
// back to the head of the ready queue.
func (c *Client) leave(w chan string) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if i := slices.Index(c.waiters, w); i >= 0 {
		c.waiters = slices.Delete(c.waiters, i, i+1)
		return
	}
	select {
	case id := <-w:
		if _, ok := c.workers[id]; !ok || c.shut {
			return
		}
		c.ready[id] = struct{}{}
		c.queue = slices.Insert(c.queue, 0, id)
		c.assign()
	default:
	}
}

// ApplyAsync sends task to the next ready worker. Tasks get workers in the
// order they were applied. The queue bound is checked at once, waiting for a worker and for the result are both bounded
// by timeout and reported through the returned future.
func (c *Client) ApplyAsync(ctx context.Context, task model.Task, timeout time.Duration) (*Future, error) {
	fut := newFuture(uuid.NewString())
	c.mx.Lock()
	if c.shut {
		c.mx.Unlock()
		return nil, ErrClientClosed
	}
	if c.maxQueue > 0 && len(c.pending) >= c.maxQueue {
		c.mx.Unlock()
		return nil, model.MaxRequestsExceeded()
	}
	c.pending[fut.id] = fut
	w := make(chan string, 1)
	c.waiters = append(c.waiters, w)
	c.assign()
	c.mx.Unlock()

	go c.dispatch(ctx, fut, w, task, timeout)
	return fut, nil
}

// Apply sends task and waits for its result.
func (c *Client) Apply(ctx context.Context, task model.Task, timeout time.Duration) (json.RawMessage, error) {
	fut, err := c.ApplyAsync(ctx, task, timeout)
	if err != nil {
		return nil, err
	}
	<-fut.Done()
	return fut.value, fut.err
}

func (c *Client) dispatch(ctx context.Context, fut *Future, w chan string, task model.Task, timeout time.Duration) {
	defer c.forget(fut.id)
	if task.Timeout == 0 {
		task.Timeout = timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	worker, err := c.waitReady(ctx, w)
	if err != nil {
		fut.resolve(nil, c.waitError(err))
		return
	}

	raw, err := json.Marshal(task)
	if err != nil {
		fut.resolve(nil, fmt.Errorf("encoding task: %w", err))
		return
	}
	c.mx.Lock()
	c.inflight[fut.id] = worker
	c.mx.Unlock()
	if err := c.sock.Send(worker, []byte(msgTask), []byte(fut.id), raw); err != nil {
		slog.ErrorContext(ctx, "sending task", "worker_id", worker, "correlation_id", fut.id, "error", err)
		fut.resolve(nil, model.NoApplicableCode(http.StatusBadGateway, "Request gateway error"))
		return
	}

	select {
	case <-fut.done:
	case <-c.closed:
		fut.resolve(nil, ErrClientClosed)
	case <-ctx.Done():
		fut.resolve(nil, c.waitError(ctx.Err()))
	}
}

func (c *Client) waitError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return model.RequestTimeout("Execute Timeout")
	}
	return err
}

func (c *Client) forget(id string) {
	c.mx.Lock()
	delete(c.pending, id)
	delete(c.inflight, id)
	c.mx.Unlock()
}

// Pending counts tasks accepted and not resolved yet.
func (c *Client) Pending() int {
	c.mx.Lock()
	defer c.mx.Unlock()
	return len(c.pending)
}

// Workers counts connected workers.
func (c *Client) Workers() int {
	c.mx.Lock()
	defer c.mx.Unlock()
	return len(c.workers)
}

// Close fails every pending task and rejects new ones.
func (c *Client) Close() {
	c.mx.Lock()
	if c.shut {
		c.mx.Unlock()
		return
	}
	c.shut = true
	close(c.closed)
	pending := make([]*Future, 0, len(c.pending))
	for _, fut := range c.pending {
		pending = append(pending, fut)
	}
	c.mx.Unlock()
	for _, fut := range pending {
		fut.resolve(nil, ErrClientClosed)
	}
}
