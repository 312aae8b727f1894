// Package executor is the public API behind the WPS and OGC API adapters.
//
// Execute logs the request, accepts the job and sends an execute task to
// the worker pool. Synchronous requests wait for the worker, asynchronous
// ones return the accepted document at once while a detached goroutine
// waits for the result and reports failures the worker could not record
// (timeouts, lost workers) into the job status.
//
// The worker side of a job is Handler: it instantiates the algorithm,
// drives the job response through Started, progress updates and the final
// status, and returns the final document.
//
// A cleanup job removes dangling and expired records with their workdirs.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/3liz/qgswps/internal/log"
	"github.com/3liz/qgswps/internal/model"
	"github.com/3liz/qgswps/internal/parallel"
	"github.com/3liz/qgswps/internal/processing"
	"github.com/3liz/qgswps/internal/request"
	"github.com/3liz/qgswps/internal/service"
	"github.com/3liz/qgswps/internal/store"
)

const cacheSize = 128

// Pool is the part of the worker pool the executor drives.
type Pool interface {
	ApplyAsync(ctx context.Context, task model.Task, timeout time.Duration) (*service.Future, error)
	Workers() int
	KillWorkerBusy(ctx context.Context, pid int) error
	Restart() error
}

// ServicePool adapts a started service to Pool.
type ServicePool struct {
	*service.Service
}

func (p ServicePool) ApplyAsync(ctx context.Context, task model.Task, timeout time.Duration) (*service.Future, error) {
	return p.Client.ApplyAsync(ctx, task, timeout)
}

func (p ServicePool) Workers() int { return p.Client.Workers() }

func (p ServicePool) KillWorkerBusy(ctx context.Context, pid int) error {
	return p.Supervisor.KillWorkerBusy(ctx, pid)
}

func (p ServicePool) Restart() error { return p.Pool.Restart() }

type Config struct {
	Server    model.Server
	Store     store.Store
	Catalogue *processing.Catalogue
	Pool      Pool
	Renderers request.Renderers
}

type cacheKey struct {
	mapURI     string
	identifier string
}

type Executor struct {
	cfg       model.Server
	store     store.Store
	catalogue *processing.Catalogue
	pool      Pool
	renderers request.Renderers
	cache     *lru.Cache[cacheKey, model.Process]
	scheduler gocron.Scheduler

	// detached tasks live until Close
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	// OnAsyncError receives the failures of detached tasks, they are
	// logged when nil.
	OnAsyncError func(ctx context.Context, jobID string, err error)
}

func New(cfg Config) (*Executor, error) {
	cache, err := lru.New[cacheKey, model.Process](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating descriptor cache: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		cfg:       cfg.Server,
		store:     cfg.Store,
		catalogue: cfg.Catalogue,
		pool:      cfg.Pool,
		renderers: cfg.Renderers,
		cache:     cache,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start schedules the cleanup job.
func (e *Executor) Start(ctx context.Context) error {
	s, err := newScheduler(ctx, e.cfg, func() {
		if _, err := e.Cleanup(e.ctx, time.Now().UTC()); err != nil {
			slog.ErrorContext(e.ctx, "cleanup failed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	e.scheduler = s
	s.Start()
	return nil
}

// Close stops the cleanup job and cancels the detached tasks.
func (e *Executor) Close() error {
	var err error
	if e.scheduler != nil {
		err = e.scheduler.Shutdown()
	}
	e.cancel()
	e.wg.Wait()
	return err
}

// ListProcesses returns the catalogue.
func (e *Executor) ListProcesses() []model.Process {
	return e.catalogue.Processes()
}

// GetProcesses returns the descriptors of identifiers contextualized for
// mapURI, in the same order.
func (e *Executor) GetProcesses(ctx context.Context, identifiers []string, mapURI string) ([]model.Process, error) {
	return parallel.Slice(ctx, 4, identifiers, func(ctx context.Context, id string) (model.Process, error) {
		return e.process(ctx, id, mapURI)
	})
}

func (e *Executor) process(ctx context.Context, identifier, mapURI string) (model.Process, error) {
	if mapURI == "" {
		p, ok := e.catalogue.Lookup(identifier)
		if !ok {
			return model.Process{}, model.UnknownProcess(identifier)
		}
		return p, nil
	}
	key := cacheKey{mapURI: mapURI, identifier: identifier}
	if p, ok := e.cache.Get(key); ok {
		return p, nil
	}
	p, err := e.catalogue.Contextualize(ctx, identifier, mapURI)
	if err != nil {
		return model.Process{}, err
	}
	e.cache.Add(key, p)
	return p, nil
}

// Execute runs args.Identifier. It returns the final document of
// synchronous jobs and the accepted document of asynchronous ones.
func (e *Executor) Execute(ctx context.Context, args model.ExecuteArgs) (model.Document, error) {
	rnd, ok := e.renderers[args.Service]
	if !ok {
		return model.Document{}, model.NoApplicableCode(http.StatusInternalServerError, "No renderer for %s", args.Service)
	}
	p, err := e.process(ctx, args.Identifier, args.MapURI)
	if err != nil {
		return model.Document{}, err
	}
	inputs, err := request.Bind(p, args.Inputs)
	if err != nil {
		return model.Document{}, err
	}
	args.Inputs = inputs
	for _, o := range args.Outputs {
		if _, ok := p.Output(o.Identifier); !ok {
			return model.Document{}, model.InvalidParameterValue(o.Identifier, "Unknown output %s", o.Identifier)
		}
	}
	e.prepare(&args)
	ctx = log.ContextAttrs(ctx, slog.String("job_id", args.JobID))

	if _, err := e.store.LogRequest(ctx, args.JobID, model.JobRequest{
		Identifier: p.Identifier,
		Version:    p.Version,
		MapURI:     args.MapURI,
		Realm:      args.Realm,
		Service:    args.Service,
		Timeout:    args.Timeout,
		Expiration: args.Expiration,
		Body:       args.RequestBody,
	}); err != nil {
		return model.Document{}, err
	}

	resp := request.NewResponse(args, p, e.store, rnd)
	resp.InlineLimit = e.cfg.InlineLimit
	doc, err := resp.Accept(ctx)
	if err != nil {
		return model.Document{}, err
	}

	task, err := model.NewTask(model.TaskExecute, args)
	if err != nil {
		return model.Document{}, err
	}
	task.Workdir = args.Workdir
	task.Timeout = args.Timeout

	if args.Mode != model.ModeAsync {
		fut, err := e.pool.ApplyAsync(ctx, task, args.Timeout)
		if err != nil {
			e.fail(ctx, resp, err)
			return model.Document{}, err
		}
		value, err := fut.Wait(ctx)
		if err != nil {
			if ctx.Err() != nil {
				// the client went away, the job keeps running
				return model.Document{}, ctx.Err()
			}
			return model.Document{}, e.fail(ctx, resp, err)
		}
		return decodeDocument(value)
	}

	fut, err := e.pool.ApplyAsync(e.ctx, task, args.Timeout)
	if err != nil {
		e.fail(ctx, resp, err)
		return model.Document{}, err
	}
	e.wg.Go(func() {
		ctx := log.ContextAttrs(e.ctx, slog.String("job_id", args.JobID))
		if _, err := fut.Wait(ctx); err != nil {
			e.asyncError(ctx, args.JobID, e.fail(ctx, resp, err))
		}
	})
	return doc, nil
}

func (e *Executor) prepare(args *model.ExecuteArgs) {
	if args.JobID == "" {
		args.JobID = uuid.NewString()
	}
	if args.Timeout <= 0 || args.Timeout > e.cfg.ResponseTimeout {
		args.Timeout = e.cfg.ResponseTimeout
	}
	if args.Expiration <= 0 {
		args.Expiration = e.cfg.ResponseExpiration
	}
	args.Workdir = filepath.Join(e.cfg.Workdir, args.JobID)
}

// fail records err on the job unless the worker already ended it, and
// returns the error reported to the client.
func (e *Executor) fail(ctx context.Context, resp *request.Response, err error) error {
	var exc *model.Exception
	switch {
	case errors.As(err, &exc):
		if exc.Code == model.CodeRequestTimeout {
			exc = model.RequestTimeout("Timeout Error")
		}
	case errors.Is(err, service.ErrWorkerLost):
		if time.Since(resp.TimeStart) >= resp.Args.Timeout {
			exc = model.RequestTimeout("Timeout Error")
		} else {
			exc = model.NoApplicableCode(http.StatusInternalServerError, "Worker lost")
		}
	case errors.Is(err, service.ErrClientClosed), errors.Is(err, context.Canceled):
		exc = model.NoApplicableCode(http.StatusServiceUnavailable, "Server shutting down")
	default:
		slog.ErrorContext(ctx, "execute failed", "error", err)
		exc = model.NoApplicableCode(http.StatusInternalServerError, "Internal error")
	}

	if _, uerr := resp.Fail(context.WithoutCancel(ctx), exc); uerr != nil && !request.IsInvalidTransition(uerr) {
		slog.ErrorContext(ctx, "recording job failure", "error", uerr)
	}
	if exc.Code == model.CodeRequestTimeout {
		return model.RequestTimeout("Execute Timeout")
	}
	return exc
}

func (e *Executor) asyncError(ctx context.Context, jobID string, err error) {
	if e.OnAsyncError != nil {
		e.OnAsyncError(ctx, jobID, err)
		return
	}
	var exc *model.Exception
	if errors.As(err, &exc) && exc.Code == model.CodeProcessException {
		slog.InfoContext(ctx, "job failed", "error", err)
		return
	}
	slog.ErrorContext(ctx, "job failed", "error", err)
}

func decodeDocument(raw json.RawMessage) (model.Document, error) {
	var doc model.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return model.Document{}, fmt.Errorf("decoding job document: %w", err)
	}
	return doc, nil
}

// GetStatus returns the record of jobID, nil when unknown.
func (e *Executor) GetStatus(ctx context.Context, jobID string) (*model.JobRecord, error) {
	return e.store.GetStatus(ctx, jobID)
}

// ListStatus returns every job record.
func (e *Executor) ListStatus(ctx context.Context) ([]model.JobRecord, error) {
	return e.store.ListStatus(ctx)
}

// GetResults returns the stored document of jobID, nil when unknown.
func (e *Executor) GetResults(ctx context.Context, jobID string) ([]byte, error) {
	return e.store.GetResults(ctx, jobID)
}

// GetRequest returns the logged request body of jobID.
func (e *Executor) GetRequest(ctx context.Context, jobID string) ([]byte, error) {
	return e.store.GetRequest(ctx, jobID)
}

// Workdir is the directory of jobID.
func (e *Executor) Workdir(jobID string) string {
	return filepath.Join(e.cfg.Workdir, jobID)
}

// Delete removes a job and its workdir. Running jobs are refused unless
// force is set, their worker is killed then.
func (e *Executor) Delete(ctx context.Context, jobID string, force bool) error {
	rec, err := e.store.GetStatus(ctx, jobID)
	if err != nil {
		return err
	}
	if rec == nil {
		return model.NotFound("Job %s not found", jobID)
	}
	if !rec.Status.Terminal() {
		if !force {
			return model.NoApplicableCode(http.StatusConflict, "Job %s is still running", jobID)
		}
		e.kill(ctx, *rec)
	}
	return e.remove(ctx, jobID)
}

func (e *Executor) remove(ctx context.Context, jobID string) error {
	if err := os.RemoveAll(e.Workdir(jobID)); err != nil {
		slog.WarnContext(ctx, "removing workdir", "job_id", jobID, "error", err)
	}
	return e.store.DeleteResponse(ctx, jobID)
}

func (e *Executor) kill(ctx context.Context, rec model.JobRecord) {
	if rec.Pid == 0 {
		return
	}
	if err := e.pool.KillWorkerBusy(ctx, rec.Pid); err != nil {
		slog.WarnContext(ctx, "killing worker", "job_id", rec.UUID, "pid", rec.Pid, "error", err)
	}
}

// Dismiss stops a job. A running job is marked dismissed before its
// worker is killed so late updates are refused, its workdir is removed and
// the record kept. A finished job is removed entirely. The returned record
// has the dismissed status.
func (e *Executor) Dismiss(ctx context.Context, jobID string) (model.JobRecord, error) {
	rec, err := e.store.GetStatus(ctx, jobID)
	if err != nil {
		return model.JobRecord{}, err
	}
	if rec == nil {
		return model.JobRecord{}, model.NotFound("Job %s not found", jobID)
	}
	switch {
	case rec.Status == model.StatusDismissed:
		return *rec, nil
	case rec.Status.Terminal():
		if err := e.remove(ctx, jobID); err != nil {
			return model.JobRecord{}, err
		}
		dismissed := *rec
		dismissed.Status = model.StatusDismissed
		dismissed.Message = "Dismissed"
		return dismissed, nil
	}

	updated, err := e.store.UpdateResponse(ctx, jobID, model.StatusUpdate{
		Status:  model.StatusDismissed,
		Message: model.Ptr("Dismissed"),
	})
	if errors.Is(err, store.ErrInvalidTransition) {
		// finished meanwhile
		return e.Dismiss(ctx, jobID)
	}
	if err != nil {
		return model.JobRecord{}, err
	}
	e.kill(ctx, *rec)
	if err := os.RemoveAll(e.Workdir(jobID)); err != nil {
		slog.WarnContext(ctx, "removing workdir", "job_id", jobID, "error", err)
	}
	slog.InfoContext(ctx, "job dismissed", "job_id", jobID)
	return updated, nil
}

// Pin toggles the pinned flag of a succeeded job.
func (e *Executor) Pin(ctx context.Context, jobID string, pin bool) (model.JobRecord, error) {
	rec, err := e.store.PinResponse(ctx, jobID, pin)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return rec, model.NotFound("Job %s not found", jobID)
	case errors.Is(err, store.ErrNotPinnable):
		return rec, model.NoApplicableCode(http.StatusConflict, "Job %s is %s, only succeeded jobs can be pinned", jobID, rec.Status)
	}
	return rec, err
}

// Reload enumerates the catalogue again and restarts the workers so they
// pick up the new provider state.
func (e *Executor) Reload(ctx context.Context) error {
	if err := e.catalogue.Load(ctx); err != nil {
		return err
	}
	e.cache.Purge()
	return e.pool.Restart()
}

// Ready checks the store and that at least one worker is connected.
func (e *Executor) Ready(ctx context.Context) error {
	if err := e.store.Ping(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if e.pool.Workers() == 0 {
		return errors.New("no worker available")
	}
	return nil
}
