package server

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	_ "embed"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/3liz/qgswps/internal/model"
)

//go:embed openapi.yaml
var openapiSource []byte

// apiDocument is the OpenAPI document served as JSON.
type apiDocument struct {
	body    []byte
	etag    string
	modTime time.Time
}

// loadOpenAPI parses and validates the embedded OpenAPI document.
func loadOpenAPI(ctx context.Context) (*apiDocument, error) {
	doc, err := openapi3.NewLoader().LoadFromData(openapiSource)
	if err != nil {
		return nil, fmt.Errorf("loading openapi document: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("validating openapi document: %w", err)
	}
	body, err := doc.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encoding openapi document: %w", err)
	}
	sum := sha256.Sum256(body)
	return &apiDocument{
		body:    body,
		etag:    `"` + hex.EncodeToString(sum[:8]) + `"`,
		modTime: time.Now().UTC(),
	}, nil
}

func (s *Server) api(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/vnd.oai.openapi+json;version=3.0")
	w.Header().Set("ETag", s.openapi.etag)
	http.ServeContent(w, r, "openapi.json", s.openapi.modTime, bytes.NewReader(s.openapi.body))
}

// webui serves the files of dir with an ETag built from their modification
// time and size. Directories serve their index.html.
func (s *Server) webui(dir string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			writeError(w, r, model.NoApplicableCode(http.StatusMethodNotAllowed, "Method %s not allowed", r.Method))
			return
		}
		root, err := os.OpenRoot(dir)
		if err != nil {
			writeError(w, r, err)
			return
		}
		defer root.Close()

		name := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
		if name == "" || strings.HasSuffix(r.URL.Path, "/") {
			name = path.Join(name, "index.html")
		}
		f, err := root.Open(name)
		if errors.Is(err, fs.ErrNotExist) {
			writeError(w, r, model.NoApplicableCode(http.StatusNotFound, "No resource at %s", r.URL.Path))
			return
		}
		if err != nil {
			writeError(w, r, model.Forbidden("Cannot read %s", r.URL.Path))
			return
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil || info.IsDir() {
			writeError(w, r, model.NoApplicableCode(http.StatusNotFound, "No resource at %s", r.URL.Path))
			return
		}

		w.Header().Set("ETag", fileETag(info))
		if ct := contentType(name); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		http.ServeContent(w, r, info.Name(), info.ModTime(), f)
	})
}

func fileETag(info fs.FileInfo) string {
	return `"` + strconv.FormatInt(info.ModTime().UnixNano(), 16) + "-" + strconv.FormatInt(info.Size(), 16) + `"`
}

// contentType maps the web asset extensions, anything else is left to
// ServeContent.
func contentType(name string) string {
	switch path.Ext(name) {
	case ".js", ".mjs":
		return "text/javascript; charset=utf-8"
	case ".css":
		return "text/css; charset=utf-8"
	case ".html":
		return "text/html; charset=utf-8"
	case ".json":
		return "application/json"
	case ".svg":
		return "image/svg+xml"
	}
	return ""
}
