package server

import (
	"net/http"
	"strconv"

	"github.com/3liz/qgswps/internal/model"
	"github.com/3liz/qgswps/internal/request"
)

// legacyStatus is a job record as the /status api reports it.
type legacyStatus struct {
	model.JobRecord
	StatusURL string `json:"status_url"`
	StoreURL  string `json:"store_url"`
}

func newLegacyStatus(base string, rec model.JobRecord) legacyStatus {
	return legacyStatus{
		JobRecord: rec,
		StatusURL: request.StatusURL(base, rec.Service, rec.UUID),
		StoreURL:  base + "store/" + rec.UUID + "/",
	}
}

func (s *Server) statusList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	origin := request.OriginFrom(ctx)
	recs, err := s.exec.ListStatus(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]legacyStatus, 0, len(recs))
	for _, rec := range recs {
		if origin.CanSee(rec.Realm) {
			out = append(out, newLegacyStatus(origin.PublicURL, rec))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": out})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	rec, err := s.job(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": newLegacyStatus(request.OriginFrom(r.Context()).PublicURL, rec),
	})
}

// statusDelete removes a finished job with its files. A running job is
// refused unless force is set, its worker is killed then.
func (s *Server) statusDelete(w http.ResponseWriter, r *http.Request) {
	rec, err := s.job(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	force, _ := strconv.ParseBool(queryValue(r, "force"))
	if err := s.exec.Delete(r.Context(), rec.UUID, force); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
