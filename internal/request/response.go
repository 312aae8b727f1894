package request

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/3liz/qgswps/internal/model"
	"github.com/3liz/qgswps/internal/store"
	"github.com/3liz/qgswps/internal/walk"
)

// Service names, they select the Renderer of a job.
const (
	ServiceWPS = "WPS"
	ServiceOGC = "OGC"
)

// Renderer builds the response document of a job for one wire surface.
type Renderer interface {
	Render(r *Response) (model.Document, error)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(r *Response) (model.Document, error)

func (f RendererFunc) Render(r *Response) (model.Document, error) { return f(r) }

// Renderers selects a Renderer by service name.
type Renderers map[string]Renderer

// Update is merged into the response state. Nil fields and an empty status
// are left untouched.
type Update struct {
	Status    model.JobStatus
	Message   *string
	Percent   *int
	Pid       *int
	Outputs   map[string]model.OutputValue
	Exception *model.Exception
}

// Response is the state of one job response. Transitions go through
// UpdateStatus only, they follow the job state machine.
type Response struct {
	Args    model.ExecuteArgs
	Process model.Process

	Status    model.JobStatus
	Message   string
	Percent   int
	Outputs   map[string]model.OutputValue
	Exception *model.Exception
	TimeStart time.Time
	Updated   time.Time
	// InlineLimit is the size above which complex outputs are referenced.
	InlineLimit int64
	// OnTerminal runs once the job reached a terminal state.
	OnTerminal func()

	mx       sync.Mutex
	store    store.Store
	renderer Renderer
}

// NewResponse prepares the response of a job about to be executed.
func NewResponse(args model.ExecuteArgs, p model.Process, st store.Store, rnd Renderer) *Response {
	now := time.Now().UTC()
	return &Response{
		Args:        args,
		Process:     p,
		Status:      model.StatusNone,
		TimeStart:   now,
		Updated:     now,
		InlineLimit: 8192,
		store:       st,
		renderer:    rnd,
	}
}

// JobID is the job uuid.
func (r *Response) JobID() string { return r.Args.JobID }

// Document renders the current state.
func (r *Response) Document() (model.Document, error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.renderer.Render(r)
}

// UpdateStatus applies u, rebuilds the document, persists it when the job
// is stored and records the status. The document is written before the
// status so a terminal status is never observable without it.
func (r *Response) UpdateStatus(ctx context.Context, u Update) (model.Document, error) {
	r.mx.Lock()
	defer r.mx.Unlock()

	next := u.Status
	if next == "" {
		next = r.Status
	}
	if r.Status.Terminal() || (next != r.Status && !r.Status.CanTransition(next)) {
		return model.Document{}, fmt.Errorf("%s: %s -> %s: %w", r.JobID(), r.Status, next, store.ErrInvalidTransition)
	}

	prev := r.snapshot()
	r.Status = next
	r.Updated = time.Now().UTC()
	if u.Message != nil {
		r.Message = *u.Message
	}
	if u.Percent != nil {
		r.Percent = min(max(*u.Percent, -1), 100)
	}
	if u.Outputs != nil {
		r.Outputs = u.Outputs
	}
	if u.Exception != nil {
		r.Exception = u.Exception
	}

	doc, err := r.renderer.Render(r)
	if err != nil {
		r.restore(prev)
		return model.Document{}, fmt.Errorf("rendering %s response: %w", r.JobID(), err)
	}

	if r.Args.Mode.Stored() {
		// refused by the store once the record is terminal
		if err := r.store.WriteResponse(ctx, r.JobID(), doc.Body); err != nil {
			r.restore(prev)
			return model.Document{}, err
		}
	}

	upd := model.StatusUpdate{
		Status:      next,
		Message:     &r.Message,
		PercentDone: &r.Percent,
		Pid:         u.Pid,
		Timestamp:   r.Updated,
	}
	if next.Terminal() {
		files, err := walk.Files(ctx, r.Args.Workdir)
		if err != nil {
			slog.WarnContext(ctx, "listing output files", "job_id", r.JobID(), "error", err)
		}
		upd.OutputFiles = files
		if upd.OutputFiles == nil {
			upd.OutputFiles = []string{}
		}
	}
	if _, err := r.store.UpdateResponse(ctx, r.JobID(), upd); err != nil {
		r.restore(prev)
		return model.Document{}, err
	}

	if next.Terminal() && r.OnTerminal != nil {
		r.OnTerminal()
	}
	return doc, nil
}

type state struct {
	status    model.JobStatus
	message   string
	percent   int
	outputs   map[string]model.OutputValue
	exception *model.Exception
	updated   time.Time
}

func (r *Response) snapshot() state {
	return state{r.Status, r.Message, r.Percent, r.Outputs, r.Exception, r.Updated}
}

func (r *Response) restore(s state) {
	r.Status, r.Message, r.Percent, r.Outputs, r.Exception, r.Updated = s.status, s.message, s.percent, s.outputs, s.exception, s.updated
}

// Accept records the job as accepted.
func (r *Response) Accept(ctx context.Context) (model.Document, error) {
	return r.UpdateStatus(ctx, Update{
		Status:  model.StatusAccepted,
		Message: model.Ptr("Process accepted"),
		Percent: model.Ptr(0),
	})
}

// Start records the job as started by the worker pid.
func (r *Response) Start(ctx context.Context, pid int) (model.Document, error) {
	return r.UpdateStatus(ctx, Update{
		Status:  model.StatusStarted,
		Message: model.Ptr("Process started"),
		Percent: model.Ptr(0),
		Pid:     &pid,
	})
}

// Progress updates message and percent of a started job.
func (r *Response) Progress(ctx context.Context, percent int, message string) (model.Document, error) {
	return r.UpdateStatus(ctx, Update{Message: &message, Percent: &percent})
}

// Succeed records the outputs of the job.
func (r *Response) Succeed(ctx context.Context, outputs map[string]model.OutputValue) (model.Document, error) {
	return r.UpdateStatus(ctx, Update{
		Status:  model.StatusSucceeded,
		Message: model.Ptr("Process succeeded"),
		Percent: model.Ptr(100),
		Outputs: outputs,
	})
}

// Fail records exc as the job failure.
func (r *Response) Fail(ctx context.Context, exc *model.Exception) (model.Document, error) {
	return r.UpdateStatus(ctx, Update{
		Status:    model.StatusFailed,
		Message:   &exc.Message,
		Exception: exc,
	})
}

// Dismiss records the job as dismissed.
func (r *Response) Dismiss(ctx context.Context) (model.Document, error) {
	return r.UpdateStatus(ctx, Update{
		Status:  model.StatusDismissed,
		Message: model.Ptr("Dismissed"),
	})
}

// IsInvalidTransition reports whether err is a refused status change.
func IsInvalidTransition(err error) bool {
	return errors.Is(err, store.ErrInvalidTransition)
}

// URLs, every self link is built here from the proxy corrected base.

// JobURL is the OGC job status location.
func JobURL(base, uuid string) string {
	return base + "jobs/" + url.PathEscape(uuid)
}

// ResultsURL is the OGC job results location.
func ResultsURL(base, uuid string) string {
	return JobURL(base, uuid) + "/results"
}

// StatusURL is the status location of a job for service.
func StatusURL(base, service, uuid string) string {
	if service == ServiceWPS {
		q := url.Values{}
		q.Set("SERVICE", "WPS")
		q.Set("REQUEST", "GetResults")
		q.Set("UUID", uuid)
		return base + "ows/?" + q.Encode()
	}
	return JobURL(base, uuid)
}

// StoreURL is the download location of a file of the job workdir.
func StoreURL(base, uuid, file string) string {
	return base + "store/" + url.PathEscape(uuid) + "/" + (&url.URL{Path: file}).EscapedPath()
}

// LegacyStatusURL is the status location under /status.
func LegacyStatusURL(base, uuid string) string {
	return base + "status/" + url.PathEscape(uuid)
}
