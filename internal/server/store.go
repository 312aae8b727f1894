package server

import (
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gorilla/mux"

	"github.com/3liz/qgswps/internal/model"
	"github.com/3liz/qgswps/internal/ogcapi"
	"github.com/3liz/qgswps/internal/request"
	"github.com/3liz/qgswps/internal/walk"
)

// downloadToken is what a download url token resolves to.
type downloadToken struct {
	JobID string `json:"job_id"`
	Path  string `json:"path"`
}

type downloadLink struct {
	Href    string    `json:"href"`
	Type    string    `json:"type,omitempty"`
	Title   string    `json:"title"`
	Expires time.Time `json:"expires"`
}

// job returns the record of the uuid path variable when the origin can see
// it.
func (s *Server) job(r *http.Request) (model.JobRecord, error) {
	id := mux.Vars(r)["uuid"]
	rec, err := s.exec.GetStatus(r.Context(), id)
	if err != nil {
		return model.JobRecord{}, err
	}
	if rec == nil {
		return model.JobRecord{}, model.NotFound("Job %s not found", id)
	}
	if !request.OriginFrom(r.Context()).CanSee(rec.Realm) {
		return model.JobRecord{}, model.Forbidden("Job %s belongs to another realm", id)
	}
	return *rec, nil
}

// storeList links the files of a job workdir.
func (s *Server) storeList(w http.ResponseWriter, r *http.Request) {
	rec, err := s.job(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	workdir := s.exec.Workdir(rec.UUID)
	files, err := walk.Files(r.Context(), workdir)
	if err != nil {
		writeError(w, r, err)
		return
	}
	base := request.OriginFrom(r.Context()).PublicURL
	links := []ogcapi.Link{{Href: base + "store/" + rec.UUID + "/", Rel: "self", Type: ogcapi.ContentType}}
	for _, f := range files {
		link := ogcapi.Link{Href: request.StoreURL(base, rec.UUID, f), Rel: "item", Title: f}
		if m, err := mimetype.DetectFile(filepath.Join(workdir, filepath.FromSlash(f))); err == nil {
			link.Type = m.String()
		}
		links = append(links, link)
	}
	writeJSON(w, http.StatusOK, map[string]any{"links": links})
}

func (s *Server) storeFile(w http.ResponseWriter, r *http.Request) {
	rec, err := s.job(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.serveFile(w, r, rec.UUID, mux.Vars(r)["path"])
}

// storeURL mints a download url for a file of a job, valid for
// download_ttl.
func (s *Server) storeURL(w http.ResponseWriter, r *http.Request) {
	if !strings.EqualFold(queryValue(r, "COMMAND"), "geturl") {
		writeError(w, r, model.InvalidParameterValue("COMMAND", "Unsupported command %q", queryValue(r, "COMMAND")))
		return
	}
	rec, err := s.job(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	name := mux.Vars(r)["path"]
	f, info, err := s.open(rec.UUID, name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	mime, err := mimetype.DetectReader(f)
	_ = f.Close()
	if err != nil {
		writeError(w, r, err)
		return
	}

	ttl := s.cfg.Server.DownloadTTL
	token, err := s.tokens.SetJSON(r.Context(), downloadToken{JobID: rec.UUID, Path: name}, ttl)
	if err != nil {
		writeError(w, r, err)
		return
	}
	slog.DebugContext(r.Context(), "download url", "job_id", rec.UUID, "path", name, "size", info.Size())
	writeJSON(w, http.StatusOK, map[string]any{"link": downloadLink{
		Href:    request.OriginFrom(r.Context()).PublicURL + "dnl/" + token,
		Type:    mime.String(),
		Title:   name,
		Expires: time.Now().UTC().Add(ttl),
	}})
}

// download streams the file a token resolves to. With realms enabled only
// the declared output files of the job can be downloaded.
func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var tok downloadToken
	ok, err := s.tokens.GetJSON(ctx, mux.Vars(r)["token"], &tok)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !ok {
		writeError(w, r, model.NoApplicableCode(http.StatusNotFound, "Unknown or expired download url"))
		return
	}
	rec, err := s.exec.GetStatus(ctx, tok.JobID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rec == nil {
		writeError(w, r, model.NotFound("Job %s not found", tok.JobID))
		return
	}
	if s.cfg.Server.EnableJobRealm && !slices.Contains(rec.OutputFiles, tok.Path) {
		writeError(w, r, model.Forbidden("%s is not an output of job %s", tok.Path, tok.JobID))
		return
	}
	s.serveFile(w, r, tok.JobID, tok.Path)
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, jobID, name string) {
	f, info, err := s.open(jobID, name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer f.Close()

	mime, err := mimetype.DetectReader(f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", mime.String())
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// open opens a regular file of the job workdir, name cannot escape it.
func (s *Server) open(jobID, name string) (*os.File, fs.FileInfo, error) {
	root, err := os.OpenRoot(s.exec.Workdir(jobID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, model.NotFound("No files for job %s", jobID)
	}
	if err != nil {
		return nil, nil, err
	}
	defer root.Close()

	f, err := root.Open(filepath.FromSlash(name))
	if err != nil {
		return nil, nil, model.NoApplicableCode(http.StatusNotFound, "File %s not found", name)
	}
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		_ = f.Close()
		return nil, nil, model.NoApplicableCode(http.StatusNotFound, "File %s not found", name)
	}
	return f, info, nil
}

// queryValue looks key up case insensitively, OWS clients send upper case
// keys.
func queryValue(r *http.Request, key string) string {
	for k, v := range r.URL.Query() {
		if strings.EqualFold(k, key) && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}
