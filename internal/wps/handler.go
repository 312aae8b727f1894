// Package wps is the OGC WPS 1.0.0 surface: GetCapabilities,
// DescribeProcess, Execute and the GetResults extension, with KVP requests
// on GET and XML requests on POST.
//
// Execute is asynchronous when storeExecuteResponse is set, the response
// then carries the statusLocation to poll with GetResults. Errors are
// reported as ows:ExceptionReport documents with the HTTP status of their
// exception code.
package wps

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"slices"
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
	GetResults(ctx context.Context, jobID string) ([]byte, error)
}

type Handler struct {
	exec Executor
	meta model.ServiceMetadata
	lang string
}

func NewHandler(exec Executor, meta model.ServiceMetadata, lang string) *Handler {
	return &Handler{exec: exec, meta: meta, lang: lang}
}

// Register mounts the surface on /ows/.
func (h *Handler) Register(r *mux.Router) {
	r.Handle("/ows/", h).Methods(http.MethodGet, http.MethodPost)
	r.Handle("/ows", h).Methods(http.MethodGet, http.MethodPost)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, body, err := h.parse(w, r)
	if err != nil {
		h.error(ctx, w, err)
		return
	}
	if err := checkService(req); err != nil {
		h.error(ctx, w, err)
		return
	}

	var doc model.Document
	switch req.Operation {
	case OpGetCapabilities:
		doc, err = h.capabilities(ctx, req)
	case OpDescribeProcess:
		doc, err = h.describe(ctx, req)
	case OpExecute:
		doc, err = h.execute(ctx, w, req, body)
	case OpGetResults:
		doc, err = h.results(ctx, req)
	}
	if err != nil {
		h.error(ctx, w, err)
		return
	}
	write(w, doc)
}

func (h *Handler) parse(w http.ResponseWriter, r *http.Request) (Request, []byte, error) {
	if r.Method != http.MethodPost {
		req, err := ParseKVP(r.URL.RawQuery)
		return req, nil, err
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		return Request{}, nil, model.FileSizeExceeded("", "Request body too large")
	}
	req, err := ParseXML(body)
	if err != nil {
		return Request{}, nil, err
	}
	// extensions are passed in the query string
	q := r.URL.Query()
	req.MapURI = q.Get("MAP")
	if err := req.parseDurations(q.Get("TIMEOUT"), q.Get("EXPIRE")); err != nil {
		return Request{}, nil, err
	}
	return req, body, nil
}

func checkService(req Request) error {
	switch {
	case req.Service == "":
		return model.MissingParameterValue("service", "Missing service parameter")
	case !strings.EqualFold(req.Service, "WPS"):
		return model.InvalidParameterValue("service", "Unsupported service %q", req.Service)
	}
	switch req.Operation {
	case OpGetCapabilities:
		if len(req.AcceptVersions) > 0 && !slices.Contains(req.AcceptVersions, Version) {
			return model.VersionNegotiationFailed("Supported version is %s", Version)
		}
	case OpDescribeProcess, OpExecute:
		if req.Version == "" {
			return model.MissingParameterValue("version", "Missing version parameter")
		}
		if req.Version != Version {
			return model.VersionNegotiationFailed("Unsupported version %s", req.Version)
		}
	}
	return nil
}

func (h *Handler) language(req Request) string {
	if req.Language != "" {
		return req.Language
	}
	return h.lang
}

func (h *Handler) capabilities(ctx context.Context, req Request) (model.Document, error) {
	origin := request.OriginFrom(ctx)
	procs := origin.Filter(h.exec.ListProcesses())
	body, err := Encode(NewCapabilities(origin.PublicURL, h.meta, h.language(req), procs))
	if err != nil {
		return model.Document{}, err
	}
	return model.Document{ContentType: ContentType, Body: body}, nil
}

func (h *Handler) describe(ctx context.Context, req Request) (model.Document, error) {
	origin := request.OriginFrom(ctx)
	if len(req.Identifiers) == 0 {
		return model.Document{}, model.MissingParameterValue("identifier", "Missing identifier parameter")
	}
	ids := req.Identifiers
	if len(ids) == 1 && strings.EqualFold(ids[0], "all") {
		ids = ids[:0]
		for _, p := range origin.Filter(h.exec.ListProcesses()) {
			ids = append(ids, p.Identifier)
		}
	}
	for _, id := range ids {
		if !origin.Allow(id) {
			return model.Document{}, model.Forbidden("Process %s is not allowed", id)
		}
	}
	procs, err := h.exec.GetProcesses(ctx, ids, req.MapURI)
	if err != nil {
		return model.Document{}, err
	}
	body, err := Encode(NewProcessDescriptions(h.language(req), procs))
	if err != nil {
		return model.Document{}, err
	}
	return model.Document{ContentType: ContentType, Body: body}, nil
}

func (h *Handler) execute(ctx context.Context, w http.ResponseWriter, req Request, body []byte) (model.Document, error) {
	origin := request.OriginFrom(ctx)
	if len(req.Identifiers) != 1 {
		return model.Document{}, model.MissingParameterValue("identifier", "Expected one process identifier")
	}
	id := req.Identifiers[0]
	if !origin.Allow(id) {
		return model.Document{}, model.Forbidden("Process %s is not allowed", id)
	}
	if req.Store && req.RawOutput != nil {
		return model.Document{}, model.InvalidParameterValue("storeExecuteResponse", "A raw data output cannot be stored")
	}
	procs, err := h.exec.GetProcesses(ctx, []string{id}, req.MapURI)
	if err != nil {
		return model.Document{}, err
	}
	inputs, err := req.Values(procs[0])
	if err != nil {
		return model.Document{}, err
	}

	args := model.ExecuteArgs{
		JobID:       uuid.NewString(),
		Identifier:  id,
		MapURI:      req.MapURI,
		Realm:       origin.Realm,
		Service:     request.ServiceWPS,
		Lang:        h.language(req),
		Inputs:      inputs,
		Outputs:     req.Outputs,
		Lineage:     req.Lineage,
		Mode:        model.ModeSync,
		Timeout:     req.Timeout,
		Expiration:  req.Expiration,
		PublicURL:   origin.PublicURL,
		RequestBody: body,
	}
	if req.RawOutput != nil {
		args.RawOutput = req.RawOutput.Identifier
		args.Outputs = []model.OutputRequest{*req.RawOutput}
	}
	if req.Store {
		args.Mode = model.ModeAsync
	}
	if origin.Realms && args.Realm == "" {
		args.Realm = uuid.NewString()
	}

	w.Header().Set("X-Job-Id", args.JobID)
	if origin.Realms {
		w.Header().Set("X-Job-Realm", args.Realm)
	}
	slog.DebugContext(ctx, "wps execute", "job_id", args.JobID, "identifier", id, "async", req.Store)
	return h.exec.Execute(ctx, args)
}

func (h *Handler) results(ctx context.Context, req Request) (model.Document, error) {
	if req.UUID == "" {
		return model.Document{}, model.MissingParameterValue("uuid", "Missing uuid parameter")
	}
	rec, err := h.exec.GetStatus(ctx, req.UUID)
	if err != nil {
		return model.Document{}, err
	}
	if rec == nil {
		return model.Document{}, model.NotFound("Job %s not found", req.UUID)
	}
	if !request.OriginFrom(ctx).CanSee(rec.Realm) {
		return model.Document{}, model.Forbidden("Job %s belongs to another realm", req.UUID)
	}
	body, err := h.exec.GetResults(ctx, req.UUID)
	if err != nil {
		return model.Document{}, err
	}
	if body == nil {
		return model.Document{}, model.NotFound("No results for job %s", req.UUID)
	}
	ct := ContentType
	if rec.Service != request.ServiceWPS {
		ct = "application/json"
	}
	return model.Document{ContentType: ct, Body: body}, nil
}

func (h *Handler) error(ctx context.Context, w http.ResponseWriter, err error) {
	exc := model.AsException(err)
	if exc.Status >= http.StatusInternalServerError {
		slog.ErrorContext(ctx, "wps request failed", "error", err)
	} else {
		slog.DebugContext(ctx, "wps request refused", "error", err)
	}
	write(w, ExceptionDocument(err, h.lang))
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
