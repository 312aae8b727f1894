package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/3liz/qgswps/internal/log"
	"github.com/3liz/qgswps/internal/request"
)

const (
	headerRequestID    = "X-Request-Id"
	headerForwardedURL = "X-Forwarded-Url"
	headerJobRealm     = "X-Job-Realm"
)

// wrap installs the middleware chain around next, outermost first.
func (s *Server) wrap(next http.Handler) http.Handler {
	return recoverPanic(requestLog(requestID(s.cors(s.origin(next)))))
}

type ctxKeyRequestID struct{}

// RequestIDFromContext returns the id requestID assigned to the request.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKeyRequestID{}).(string)
	return v, ok
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(headerRequestID))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID{}, id)
		ctx = log.ContextAttrs(ctx, slog.String("request_id", id))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if sw.status >= http.StatusInternalServerError {
			slog.ErrorContext(r.Context(), "http request", attrs...)
			return
		}
		slog.InfoContext(r.Context(), "http request", attrs...)
	})
}

func recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				requestID, _ := RequestIDFromContext(r.Context())
				slog.ErrorContext(r.Context(), "panic recovered", "request_id", requestID, "panic", v)
				writeJSON(w, http.StatusInternalServerError, map[string]any{
					"error":      "internal_server_error",
					"request_id": requestID,
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// cors applies the cross_origin setting: "yes" allows any origin, "no"
// sends nothing, "echo" reflects the request Origin and anything else is
// the allowed origin. Preflight requests are answered here.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed := s.allowedOrigin(r.Header.Get("Origin"))
		if allowed != "" {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", allowed)
			h.Set("Access-Control-Expose-Headers", "Location, X-Job-Id, X-Job-Realm, Preference-Applied, X-Request-Id")
			if allowed != "*" {
				h.Add("Vary", "Origin")
			}
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, Prefer, X-Job-Realm, X-Request-Id")
				h.Set("Access-Control-Max-Age", "3600")
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowedOrigin(origin string) string {
	switch v := strings.TrimSpace(s.cfg.Server.CrossOrigin); strings.ToLower(v) {
	case "", "no", "false":
		return ""
	case "yes", "true", "*":
		return "*"
	case "echo":
		return origin
	default:
		return v
	}
}

// origin resolves the public url, the realm and the access policy of the
// request.
func (s *Server) origin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o := request.Origin{
			PublicURL: s.publicURL(r),
			Realms:    s.cfg.Server.EnableJobRealm,
		}
		if o.Realms {
			o.Realm = strings.TrimSpace(r.Header.Get(headerJobRealm))
			o.Admin = s.cfg.Server.AdminRealm != "" && o.Realm == s.cfg.Server.AdminRealm
		}
		if s.policy != nil {
			o.Access = s.policy.For(r)
		}
		next.ServeHTTP(w, r.WithContext(request.WithOrigin(r.Context(), o)))
	})
}

// publicURL is the base url of self links: the X-Forwarded-Url header set
// by the proxy, the configured host_proxy, or the request host.
func (s *Server) publicURL(r *http.Request) string {
	base := strings.TrimSpace(r.Header.Get(headerForwardedURL))
	if base == "" {
		base = s.cfg.Server.HostProxy
	}
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
			scheme = p
		}
		base = scheme + "://" + r.Host + "/"
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base
}
