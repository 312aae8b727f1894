// Package ogcapi is the OGC API Processes surface: process list and
// descriptions, execution, and job status, results, dismissal and pinning.
//
// Executions are synchronous unless the client sends Prefer: respond-async,
// synchronous jobs are still stored so their results stay reachable under
// /jobs. Errors are RFC 7807 problem documents.
package ogcapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/3liz/qgswps/internal/model"
	"github.com/3liz/qgswps/internal/request"
)

const maxBodySize = 64 << 20

// Executor is the part of the executor the surface uses.
type Executor interface {
	ListProcesses() []model.Process
	GetProcesses(ctx context.Context, identifiers []string, mapURI string) ([]model.Process, error)
	Execute(ctx context.Context, args model.ExecuteArgs) (model.Document, error)
	GetStatus(ctx context.Context, jobID string) (*model.JobRecord, error)
	ListStatus(ctx context.Context) ([]model.JobRecord, error)
	GetResults(ctx context.Context, jobID string) ([]byte, error)
	Dismiss(ctx context.Context, jobID string) (model.JobRecord, error)
	Pin(ctx context.Context, jobID string, pin bool) (model.JobRecord, error)
}

type Handler struct {
	exec Executor
	lang string
}

func NewHandler(exec Executor, lang string) *Handler {
	return &Handler{exec: exec, lang: lang}
}

var conformance = []string{
	"http://www.opengis.net/spec/ogcapi-processes-1/1.0/conf/core",
	"http://www.opengis.net/spec/ogcapi-processes-1/1.0/conf/json",
	"http://www.opengis.net/spec/ogcapi-processes-1/1.0/conf/job-list",
	"http://www.opengis.net/spec/ogcapi-processes-1/1.0/conf/dismiss",
	"http://www.opengis.net/spec/ogcapi-processes-1/1.0/conf/ogc-process-description",
}

// Register mounts the surface routes on r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/conformance", h.conformance).Methods(http.MethodGet)
	r.HandleFunc("/processes", h.processes).Methods(http.MethodGet)
	r.HandleFunc("/processes/{id}", h.process).Methods(http.MethodGet)
	r.HandleFunc("/processes/{id}/execution", h.execute).Methods(http.MethodPost)
	r.HandleFunc("/jobs", h.jobs).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}", h.job).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}", h.dismiss).Methods(http.MethodDelete)
	r.HandleFunc("/jobs/{id}/results", h.results).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}/pin", h.pin(true)).Methods(http.MethodPut)
	r.HandleFunc("/jobs/{id}/pin", h.pin(false)).Methods(http.MethodDelete)
}

func (h *Handler) conformance(w http.ResponseWriter, r *http.Request) {
	h.json(w, r, http.StatusOK, map[string][]string{"conformsTo": conformance})
}

func (h *Handler) processes(w http.ResponseWriter, r *http.Request) {
	origin := request.OriginFrom(r.Context())
	procs := origin.Filter(h.exec.ListProcesses())
	h.json(w, r, http.StatusOK, NewProcessList(origin.PublicURL, procs))
}

func (h *Handler) process(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := h.lookup(ctx, mux.Vars(r)["id"], r.URL.Query().Get("map"))
	if err != nil {
		h.error(w, r, err)
		return
	}
	h.json(w, r, http.StatusOK, NewProcess(request.OriginFrom(ctx).PublicURL, p))
}

func (h *Handler) lookup(ctx context.Context, id, mapURI string) (model.Process, error) {
	if !request.OriginFrom(ctx).Allow(id) {
		return model.Process{}, model.Forbidden("Process %s is not allowed", id)
	}
	procs, err := h.exec.GetProcesses(ctx, []string{id}, mapURI)
	if err != nil {
		return model.Process{}, err
	}
	return procs[0], nil
}

func (h *Handler) execute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	origin := request.OriginFrom(ctx)
	id := mux.Vars(r)["id"]
	mapURI := r.URL.Query().Get("map")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		h.error(w, r, model.FileSizeExceeded("", "Request body too large"))
		return
	}
	req, err := ParseExecute(body)
	if err != nil {
		h.error(w, r, err)
		return
	}
	p, err := h.lookup(ctx, id, mapURI)
	if err != nil {
		h.error(w, r, err)
		return
	}
	inputs, err := req.Values(p)
	if err != nil {
		h.error(w, r, err)
		return
	}
	prefs := ParsePrefer(r.Header)

	args := model.ExecuteArgs{
		JobID:       uuid.NewString(),
		Identifier:  id,
		MapURI:      mapURI,
		Realm:       origin.Realm,
		Service:     request.ServiceOGC,
		Lang:        h.lang,
		Inputs:      inputs,
		Outputs:     req.OutputRequests(),
		Mode:        model.ModeStore,
		Timeout:     prefs.Wait,
		Expiration:  prefs.Expiration,
		PublicURL:   origin.PublicURL,
		RequestBody: body,
	}
	if prefs.Async {
		args.Mode = model.ModeAsync
	}
	if origin.Realms && args.Realm == "" {
		args.Realm = uuid.NewString()
	}

	slog.DebugContext(ctx, "ogc execute", "job_id", args.JobID, "identifier", id, "async", prefs.Async)
	doc, err := h.exec.Execute(ctx, args)
	if err != nil {
		h.error(w, r, err)
		return
	}

	w.Header().Set("X-Job-Id", args.JobID)
	if origin.Realms {
		w.Header().Set("X-Job-Realm", args.Realm)
	}
	if len(prefs.Applied) > 0 {
		w.Header().Set("Preference-Applied", strings.Join(prefs.Applied, ", "))
	}
	status := http.StatusOK
	if prefs.Async {
		status = http.StatusCreated
		w.Header().Set("Location", request.JobURL(origin.PublicURL, args.JobID))
	}
	doc.Status = status
	write(w, doc)
}

func (h *Handler) jobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	origin := request.OriginFrom(ctx)
	recs, err := h.exec.ListStatus(ctx)
	if err != nil {
		h.error(w, r, err)
		return
	}
	list := JobList{
		Jobs:  make([]StatusInfo, 0, len(recs)),
		Links: []Link{{Href: origin.PublicURL + "jobs", Rel: "self", Type: ContentType}},
	}
	for _, rec := range recs {
		if origin.CanSee(rec.Realm) {
			list.Jobs = append(list.Jobs, NewStatusInfo(origin.PublicURL, rec))
		}
	}
	h.json(w, r, http.StatusOK, list)
}

// record returns the job of the path when the origin can see it.
func (h *Handler) record(r *http.Request) (model.JobRecord, error) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]
	rec, err := h.exec.GetStatus(ctx, id)
	if err != nil {
		return model.JobRecord{}, err
	}
	if rec == nil {
		return model.JobRecord{}, model.NotFound("Job %s not found", id)
	}
	if !request.OriginFrom(ctx).CanSee(rec.Realm) {
		return model.JobRecord{}, model.Forbidden("Job %s belongs to another realm", id)
	}
	return *rec, nil
}

func (h *Handler) job(w http.ResponseWriter, r *http.Request) {
	rec, err := h.record(r)
	if err != nil {
		h.error(w, r, err)
		return
	}
	h.json(w, r, http.StatusOK, NewStatusInfo(request.OriginFrom(r.Context()).PublicURL, rec))
}

func (h *Handler) dismiss(w http.ResponseWriter, r *http.Request) {
	rec, err := h.record(r)
	if err != nil {
		h.error(w, r, err)
		return
	}
	rec, err = h.exec.Dismiss(r.Context(), rec.UUID)
	if err != nil {
		h.error(w, r, err)
		return
	}
	h.json(w, r, http.StatusOK, NewStatusInfo(request.OriginFrom(r.Context()).PublicURL, rec))
}

func (h *Handler) results(w http.ResponseWriter, r *http.Request) {
	rec, err := h.record(r)
	if err != nil {
		h.error(w, r, err)
		return
	}
	switch rec.Status {
	case model.StatusSucceeded:
	case model.StatusFailed:
		h.error(w, r, model.ProcessException("%s", rec.Message))
		return
	case model.StatusDismissed:
		h.error(w, r, model.NotFound("Job %s was dismissed", rec.UUID))
		return
	default:
		h.problem(w, r, Problem{
			Type:   exceptionBase + "result-not-ready",
			Title:  "Result not ready",
			Status: http.StatusNotFound,
			Detail: "Job " + rec.UUID + " is " + statusName(rec.Status),
		})
		return
	}
	body, err := h.exec.GetResults(r.Context(), rec.UUID)
	if err != nil {
		h.error(w, r, err)
		return
	}
	if body == nil {
		h.error(w, r, model.NotFound("No results for job %s", rec.UUID))
		return
	}
	ct := ContentType
	if rec.Service == request.ServiceWPS {
		ct = "text/xml; charset=utf-8"
	}
	write(w, model.Document{ContentType: ct, Body: body})
}

func (h *Handler) pin(pin bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := h.record(r)
		if err != nil {
			h.error(w, r, err)
			return
		}
		rec, err = h.exec.Pin(r.Context(), rec.UUID, pin)
		if err != nil {
			h.error(w, r, err)
			return
		}
		h.json(w, r, http.StatusOK, NewStatusInfo(request.OriginFrom(r.Context()).PublicURL, rec))
	}
}

func (h *Handler) json(w http.ResponseWriter, r *http.Request, status int, v any) {
	doc, err := encode(v)
	if err != nil {
		h.error(w, r, err)
		return
	}
	doc.Status = status
	write(w, doc)
}

func (h *Handler) error(w http.ResponseWriter, r *http.Request, err error) {
	exc := model.AsException(err)
	if exc.Status >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "ogc request failed", "error", err)
	} else {
		slog.DebugContext(r.Context(), "ogc request refused", "error", err)
	}
	write(w, ProblemDocument(err, r.URL.Path))
}

func (h *Handler) problem(w http.ResponseWriter, r *http.Request, p Problem) {
	p.Instance = r.URL.Path
	body, err := json.Marshal(p)
	if err != nil {
		h.error(w, r, err)
		return
	}
	write(w, model.Document{ContentType: ProblemContentType, Body: body, Status: p.Status})
}

func write(w http.ResponseWriter, doc model.Document) {
	status := doc.Status
	if status == 0 {
		status = http.StatusOK
	}
	if doc.ContentType != "" {
		w.Header().Set("Content-Type", doc.ContentType)
	}
	w.WriteHeader(status)
	_, _ = w.Write(doc.Body)
}
