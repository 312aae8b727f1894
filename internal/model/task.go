package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskKind routes a task to a worker handler.
type TaskKind string

const (
	TaskExecute TaskKind = "execute"
	TaskPing    TaskKind = "ping"
)

// Task is what travels from the pool client to a worker.
type Task struct {
	Kind TaskKind `json:"kind"`
	// Workdir the worker changes to before running the handler, optional.
	Workdir string `json:"workdir,omitempty"`
	// Timeout is forwarded to the supervisor, zero uses its default.
	Timeout time.Duration   `json:"timeout,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewTask encodes payload into a Task.
func NewTask(kind TaskKind, payload any) (Task, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Task{}, fmt.Errorf("encoding %s task payload: %w", kind, err)
		}
		raw = b
	}
	return Task{Kind: kind, Payload: raw}, nil
}

// TaskResult is the worker reply. Error is set when Success is false.
type TaskResult struct {
	Success bool            `json:"success"`
	Value   json.RawMessage `json:"value,omitempty"`
	Error   *Exception      `json:"error,omitempty"`
}

// BBox is a bounding box in x/y (lon/lat) axis order.
type BBox struct {
	CRS   string    `json:"crs"`
	Lower []float64 `json:"lower"`
	Upper []float64 `json:"upper"`
}

// InputValue is one bound value of an input slot.
type InputValue struct {
	Kind SlotKind `json:"kind"`
	// Literal
	Value string `json:"value,omitempty"`
	UOM   string `json:"uom,omitempty"`
	// Complex, either inline Data or a Href
	Data   []byte `json:"data,omitempty"`
	Href   string `json:"href,omitempty"`
	Format Format `json:"format,omitzero"`
	// BoundingBox
	BBox *BBox `json:"bbox,omitempty"`
}

// OutputRequest tells how an output is wanted in the response.
type OutputRequest struct {
	Identifier  string `json:"identifier"`
	AsReference bool   `json:"as_reference,omitempty"`
	MimeType    string `json:"mime_type,omitempty"`
	UOM         string `json:"uom,omitempty"`
}

// ExecuteArgs is the payload of a TaskExecute task.
type ExecuteArgs struct {
	JobID      string                  `json:"job_id"`
	Identifier string                  `json:"identifier"`
	MapURI     string                  `json:"map_uri,omitempty"`
	Realm      string                  `json:"realm,omitempty"`
	Service    string                  `json:"service"`
	Lang       string                  `json:"lang,omitempty"`
	Inputs     map[string][]InputValue `json:"inputs"`
	Outputs    []OutputRequest         `json:"outputs,omitempty"`
	// RawOutput asks for the raw value of a single output (WPS RawDataOutput).
	RawOutput  string        `json:"raw_output,omitempty"`
	Lineage    bool          `json:"lineage,omitempty"`
	Mode       ExecMode      `json:"mode"`
	Timeout    time.Duration `json:"timeout"`
	Expiration time.Duration `json:"expiration"`
	Workdir    string        `json:"workdir"`
	// PublicURL is the proxy corrected base url ending with '/'.
	PublicURL string `json:"public_url"`
	// RequestBody is the original request, echoed back for WPS lineage.
	RequestBody []byte `json:"request_body,omitempty"`
}

// Document is a rendered response document.
type Document struct {
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
	Status      int    `json:"status,omitempty"`
}
