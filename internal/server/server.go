// Package server is the HTTP front of qgswps. It mounts the WPS and OGC API
// surfaces, the job store downloads, the legacy status API, health probes,
// the OpenAPI document and the optional web UI on one router.
//
// Every request goes through the same chain: panic recovery, request log,
// request id, CORS, then origin resolution. The origin carries the proxy
// corrected public url used for every self link, the job realm and the
// access policy of the request.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/3liz/qgswps/internal/model"
	"github.com/3liz/qgswps/internal/ogcapi"
	"github.com/3liz/qgswps/internal/policy"
	"github.com/3liz/qgswps/internal/request"
	"github.com/3liz/qgswps/internal/wps"
)

// Executor is the executor API the routes use.
type Executor interface {
	wps.Executor
	ogcapi.Executor
	Delete(ctx context.Context, jobID string, force bool) error
	Workdir(jobID string) string
	Ready(ctx context.Context) error
}

// Tokens stores download tokens.
type Tokens interface {
	SetJSON(ctx context.Context, value any, ttl time.Duration) (string, error)
	GetJSON(ctx context.Context, token string, dst any) (bool, error)
}

type Server struct {
	cfg     model.Config
	exec    Executor
	tokens  Tokens
	policy  *policy.Policy
	openapi *apiDocument
	handler http.Handler
}

// New builds the router. pol may be nil to allow every process.
func New(ctx context.Context, cfg model.Config, exec Executor, tokens Tokens, pol *policy.Policy) (*Server, error) {
	api, err := loadOpenAPI(ctx)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:     cfg,
		exec:    exec,
		tokens:  tokens,
		policy:  pol,
		openapi: api,
	}
	s.handler = s.wrap(s.routes())
	return s, nil
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	lang := s.cfg.Processing.DefaultLang

	wps.NewHandler(s.exec, s.cfg.Metadata, lang).Register(r)
	ogcapi.NewHandler(s.exec, lang).Register(r)

	r.HandleFunc("/", s.landing).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.readyz).Methods(http.MethodGet)
	r.HandleFunc("/api", s.api).Methods(http.MethodGet)

	r.HandleFunc("/status", s.statusList).Methods(http.MethodGet)
	r.HandleFunc("/status/", s.statusList).Methods(http.MethodGet)
	r.HandleFunc("/status/{uuid}", s.status).Methods(http.MethodGet)
	r.HandleFunc("/status/{uuid}", s.statusDelete).Methods(http.MethodDelete)

	r.HandleFunc("/store/{uuid}/", s.storeList).Methods(http.MethodGet)
	r.HandleFunc("/store/{uuid}/{path:.+}", s.storeFile).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/store/{uuid}/{path:.+}", s.storeURL).Methods(http.MethodPut)
	r.HandleFunc("/dnl/{token}", s.download).Methods(http.MethodGet, http.MethodHead)

	if s.cfg.Server.WebUIDir != "" {
		r.PathPrefix("/ui/").Handler(http.StripPrefix("/ui/", s.webui(s.cfg.Server.WebUIDir)))
	}
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, model.NoApplicableCode(http.StatusNotFound, "No resource at %s", r.URL.Path))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, model.NoApplicableCode(http.StatusMethodNotAllowed, "Method %s not allowed", r.Method))
	})
	return r
}

// ServeHTTP serves the wrapped router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Run listens on the configured address until ctx is done, then shuts down
// within shutdown_timeout.
func (s *Server) Run(ctx context.Context) error {
	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	srv := &http.Server{
		Addr:              s.cfg.Server.Addr(),
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Minute,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "http server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if err := s.exec.Ready(r.Context()); err != nil {
		slog.WarnContext(r.Context(), "not ready", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

type landingPage struct {
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	Links       []ogcapi.Link `json:"links"`
}

func (s *Server) landing(w http.ResponseWriter, r *http.Request) {
	base := request.OriginFrom(r.Context()).PublicURL
	writeJSON(w, http.StatusOK, landingPage{
		Title:       s.cfg.Metadata.Title,
		Description: s.cfg.Metadata.Abstract,
		Links: []ogcapi.Link{
			{Href: base, Rel: "self", Type: ogcapi.ContentType, Title: "This document"},
			{Href: base + "api", Rel: "service-desc", Type: "application/vnd.oai.openapi+json;version=3.0", Title: "API definition"},
			{Href: base + "conformance", Rel: "http://www.opengis.net/def/rel/ogc/1.0/conformance", Type: ogcapi.ContentType, Title: "Conformance"},
			{Href: base + "processes", Rel: "http://www.opengis.net/def/rel/ogc/1.0/processes", Type: ogcapi.ContentType, Title: "Processes"},
			{Href: base + "jobs", Rel: "http://www.opengis.net/def/rel/ogc/1.0/job-list", Type: ogcapi.ContentType, Title: "Jobs"},
			{Href: base + "ows/?SERVICE=WPS&REQUEST=GetCapabilities", Rel: "alternate", Type: wps.ContentType, Title: "WPS capabilities"},
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError reports err as a problem document.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	exc := model.AsException(err)
	if exc.Status >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed", "error", err)
	}
	doc := ogcapi.ProblemDocument(err, r.URL.Path)
	w.Header().Set("Content-Type", doc.ContentType)
	w.WriteHeader(doc.Status)
	_, _ = w.Write(doc.Body)
}
