package ogcapi

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/3liz/qgswps/internal/model"
	"github.com/3liz/qgswps/internal/request"
)

// Job status names.
const (
	StatusAccepted   = "accepted"
	StatusRunning    = "running"
	StatusSuccessful = "successful"
	StatusFailed     = "failed"
	StatusDismissed  = "dismissed"
)

func statusName(s model.JobStatus) string {
	switch s {
	case model.StatusStarted:
		return StatusRunning
	case model.StatusSucceeded:
		return StatusSuccessful
	case model.StatusFailed:
		return StatusFailed
	case model.StatusDismissed:
		return StatusDismissed
	}
	return StatusAccepted
}

// StatusInfo is the status document of a job.
type StatusInfo struct {
	JobID     string     `json:"jobID"`
	ProcessID string     `json:"processID"`
	Type      string     `json:"type"`
	Status    string     `json:"status"`
	Message   string     `json:"message,omitempty"`
	Progress  int        `json:"progress"`
	Created   time.Time  `json:"created"`
	Started   *time.Time `json:"started,omitempty"`
	Finished  *time.Time `json:"finished,omitempty"`
	Updated   time.Time  `json:"updated"`
	Expire    *time.Time `json:"expire,omitempty"`
	Pinned    bool       `json:"pinned"`
	StatusURL string     `json:"status_url"`
	Links     []Link     `json:"links"`
}

type JobList struct {
	Jobs  []StatusInfo `json:"jobs"`
	Links []Link       `json:"links"`
}

// NewStatusInfo builds the status document of rec.
func NewStatusInfo(base string, rec model.JobRecord) StatusInfo {
	self := request.JobURL(base, rec.UUID)
	st := StatusInfo{
		JobID:     rec.UUID,
		ProcessID: rec.Identifier,
		Type:      "process",
		Status:    statusName(rec.Status),
		Message:   rec.Message,
		Progress:  max(rec.PercentDone, 0),
		Created:   rec.TimeStart,
		Finished:  rec.TimeEnd,
		Updated:   rec.Updated,
		Expire:    rec.ExpireAt,
		Pinned:    rec.Pinned,
		StatusURL: self,
		Links: []Link{
			{Href: self, Rel: "self", Type: ContentType, Title: "Job status"},
			{Href: processURL(base, rec.Identifier, rec.MapURI), Rel: "up", Type: ContentType, Title: "Process description"},
		},
	}
	if rec.Status != model.StatusAccepted && rec.Status != model.StatusNone {
		started := rec.TimeStart
		st.Started = &started
	}
	if rec.Status == model.StatusSucceeded {
		st.Links = append(st.Links, Link{
			Href:  request.ResultsURL(base, rec.UUID),
			Rel:   "http://www.opengis.net/def/rel/ogc/1.0/results",
			Type:  ContentType,
			Title: "Job results",
		})
	}
	for _, f := range rec.OutputFiles {
		st.Links = append(st.Links, Link{
			Href:  request.StoreURL(base, rec.UUID, f),
			Rel:   "enclosure",
			Title: f,
		})
	}
	return st
}

// Renderer renders the results of a succeeded job and the status
// document otherwise.
var Renderer = request.RendererFunc(render)

func render(r *request.Response) (model.Document, error) {
	if r.Status == model.StatusSucceeded {
		results, err := Results(r)
		if err != nil {
			return model.Document{}, err
		}
		return encode(results)
	}
	return encode(NewStatusInfo(r.Args.PublicURL, record(r)))
}

// record is the job record view of a response.
func record(r *request.Response) model.JobRecord {
	rec := model.JobRecord{
		UUID:        r.JobID(),
		Identifier:  r.Process.Identifier,
		MapURI:      r.Args.MapURI,
		Status:      r.Status,
		PercentDone: r.Percent,
		Message:     r.Message,
		TimeStart:   r.TimeStart,
		Updated:     r.Updated,
	}
	if r.Status.Terminal() {
		end := r.Updated
		rec.TimeEnd = &end
		exp := end.Add(r.Args.Expiration)
		rec.ExpireAt = &exp
	}
	return rec
}

// Results maps each output to its value: literals as json scalars, or
// qualified with their uom, complex values inline or as links, bounding
// boxes as bbox objects.
func Results(r *request.Response) (map[string]any, error) {
	outs, err := r.RenderOutputs()
	if err != nil {
		return nil, err
	}
	results := make(map[string]any, len(outs))
	for _, o := range outs {
		results[o.Slot.Identifier] = resultValue(o)
	}
	return results, nil
}

type qualified struct {
	Value     any    `json:"value"`
	MediaType string `json:"mediaType,omitempty"`
	Encoding  string `json:"encoding,omitempty"`
	UOM       string `json:"uom,omitempty"`
}

type linkValue struct {
	Href string `json:"href"`
	Type string `json:"type,omitempty"`
}

type bboxValue struct {
	BBox []float64 `json:"bbox"`
	CRS  string    `json:"crs,omitempty"`
}

func resultValue(o request.RenderedOutput) any {
	switch {
	case o.Href != "":
		return linkValue{Href: o.Href, Type: o.MimeType}
	case o.Slot.Kind == model.KindComplex:
		if strings.EqualFold(o.Encoding, "base64") {
			return qualified{
				Value:     base64.StdEncoding.EncodeToString(o.Data),
				MediaType: o.MimeType,
				Encoding:  "base64",
			}
		}
		if isJSON(o.MimeType) && json.Valid(o.Data) {
			return json.RawMessage(o.Data)
		}
		return qualified{Value: string(o.Data), MediaType: o.MimeType}
	case o.Slot.Kind == model.KindBoundingBox:
		if o.Value.BBox == nil {
			return nil
		}
		b := o.Value.BBox
		return bboxValue{BBox: append(append([]float64(nil), b.Lower...), b.Upper...), CRS: b.CRS}
	}
	if o.Value.UOM != "" {
		return qualified{Value: o.Value.Value, UOM: o.Value.UOM}
	}
	return o.Value.Value
}

func isJSON(mime string) bool {
	mt, _, _ := strings.Cut(strings.ToLower(mime), ";")
	mt = strings.TrimSpace(mt)
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

func encode(v any) (model.Document, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return model.Document{}, fmt.Errorf("encoding json document: %w", err)
	}
	return model.Document{ContentType: ContentType, Body: body}, nil
}

// Problem is an RFC 7807 error document.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

const exceptionBase = "http://www.opengis.net/def/exceptions/ogcapi-processes-1/1.0/"

// problemTypes maps the exceptions with an OGC API type.
var problemTypes = map[model.ExceptionCode]string{
	model.CodeUnknownProcess: exceptionBase + "no-such-process",
	model.CodeNotFound:       exceptionBase + "no-such-job",
}

// ProblemDocument renders err as a problem document for the request path
// instance.
func ProblemDocument(err error, instance string) model.Document {
	exc := model.AsException(err)
	p := Problem{
		Type:     "about:blank",
		Title:    string(exc.Code),
		Status:   exc.Status,
		Detail:   exc.Message,
		Instance: instance,
	}
	if t, ok := problemTypes[exc.Code]; ok {
		p.Type = t
	}
	// an unknown process of the path is a missing resource
	if exc.Code == model.CodeUnknownProcess {
		p.Status = http.StatusNotFound
	}
	body, merr := json.Marshal(p)
	if merr != nil {
		body = []byte(`{"type":"about:blank","title":"NoApplicableCode","status":500}`)
	}
	return model.Document{ContentType: ProblemContentType, Body: body, Status: p.Status}
}
