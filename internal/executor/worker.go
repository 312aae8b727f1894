package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/3liz/qgswps/internal/archive"
	"github.com/3liz/qgswps/internal/log"
	"github.com/3liz/qgswps/internal/model"
	"github.com/3liz/qgswps/internal/processing"
	"github.com/3liz/qgswps/internal/request"
	"github.com/3liz/qgswps/internal/service"
	"github.com/3liz/qgswps/internal/store"
)

// Worker holds what the execute task handler needs inside a worker.
type Worker struct {
	Store       store.Store
	Catalogue   *processing.Catalogue
	Renderers   request.Renderers
	Archivers   []archive.Archiver
	HTTPClient  *http.Client
	InlineLimit int64
}

// Handlers is the dispatch table of a worker.
func (w Worker) Handlers() map[model.TaskKind]service.Handler {
	return map[model.TaskKind]service.Handler{
		model.TaskExecute: w.Execute,
	}
}

// Execute runs one job and returns its final document.
func (w Worker) Execute(ctx context.Context, task model.Task) (json.RawMessage, error) {
	var args model.ExecuteArgs
	if err := json.Unmarshal(task.Payload, &args); err != nil {
		return nil, fmt.Errorf("decoding execute task: %w", err)
	}
	ctx = log.ContextAttrs(ctx, slog.String("job_id", args.JobID), slog.String("identifier", args.Identifier))

	rnd, ok := w.Renderers[args.Service]
	if !ok {
		return nil, model.NoApplicableCode(http.StatusInternalServerError, "No renderer for %s", args.Service)
	}
	alg, p, err := w.Catalogue.Instance(ctx, args.Identifier)
	if err != nil {
		return nil, err
	}
	if args.MapURI != "" {
		if p, err = w.Catalogue.Contextualize(ctx, args.Identifier, args.MapURI); err != nil {
			return nil, err
		}
	}

	resp := request.NewResponse(args, p, w.Store, rnd)
	if w.InlineLimit > 0 {
		resp.InlineLimit = w.InlineLimit
	}
	resp.OnTerminal = func() {
		if resp.Status == model.StatusSucceeded {
			w.archive(ctx, resp)
		}
	}
	if _, err := resp.Start(ctx, service.WorkerPid(ctx)); err != nil {
		// dismissed or timed out before the worker got it
		return nil, err
	}
	slog.InfoContext(ctx, "job started")

	if err := request.Fetch(ctx, w.HTTPClient, p, args.Inputs); err != nil {
		return nil, w.fail(ctx, resp, err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	outputs, err := alg.Run(runCtx, processing.RunContext{
		JobID:   args.JobID,
		Workdir: args.Workdir,
		MapURI:  args.MapURI,
		Lang:    args.Lang,
		Inputs:  args.Inputs,
		Feedback: func(percent int, message string) {
			_, err := resp.Progress(ctx, percent, message)
			if request.IsInvalidTransition(err) {
				// dismissed meanwhile
				slog.InfoContext(ctx, "job ended elsewhere: stopping", "error", err)
				cancel()
			} else if err != nil {
				slog.WarnContext(ctx, "progress update", "error", err)
			}
		},
	})
	if err != nil {
		if runCtx.Err() != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("job %s: %w", args.JobID, store.ErrInvalidTransition)
		}
		return nil, w.fail(ctx, resp, err)
	}

	doc, err := resp.Succeed(ctx, outputs)
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "job succeeded")
	return json.Marshal(doc)
}

func (w Worker) fail(ctx context.Context, resp *request.Response, err error) error {
	if ctx.Err() != nil {
		// killed, the executor records the outcome
		return ctx.Err()
	}
	exc := model.AsException(err)
	if exc.Status >= http.StatusInternalServerError {
		slog.ErrorContext(ctx, "job failed", "error", err)
	} else {
		slog.InfoContext(ctx, "job failed", "error", err)
	}
	if _, uerr := resp.Fail(ctx, exc); uerr != nil {
		slog.WarnContext(ctx, "recording job failure", "error", uerr)
	}
	return exc
}

func (w Worker) archive(ctx context.Context, resp *request.Response) {
	if len(w.Archivers) == 0 {
		return
	}
	rec, err := w.Store.GetStatus(ctx, resp.JobID())
	if err != nil || rec == nil {
		slog.WarnContext(ctx, "archive: no record", "error", err)
		return
	}
	for _, a := range w.Archivers {
		if err := a.Archive(ctx, resp.JobID(), resp.Args.Workdir, rec.OutputFiles); err != nil {
			slog.ErrorContext(ctx, "archiving job outputs", "error", err)
		}
	}
}
