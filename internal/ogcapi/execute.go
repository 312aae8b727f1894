package ogcapi

import (
	"bytes"
	"cmp"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/3liz/qgswps/internal/model"
)

// ExecuteRequest is the body of an execution request.
type ExecuteRequest struct {
	Inputs  map[string]json.RawMessage `json:"inputs"`
	Outputs map[string]OutputRequest   `json:"outputs"`
	// Response is "document" or "raw", only the document form is produced.
	Response string `json:"response,omitempty"`
}

type OutputRequest struct {
	Format           *Format `json:"format,omitempty"`
	TransmissionMode string  `json:"transmissionMode,omitempty"`
	UOM              string  `json:"uom,omitempty"`
}

type Format struct {
	MediaType string `json:"mediaType,omitempty"`
	Encoding  string `json:"encoding,omitempty"`
	Schema    string `json:"schema,omitempty"`
}

// qualifiedValue is an inline value with its format, a link or a bounding
// box. Only the fields of one form are set.
type qualifiedValue struct {
	Value     json.RawMessage `json:"value"`
	MediaType string          `json:"mediaType"`
	Encoding  string          `json:"encoding"`
	Schema    string          `json:"schema"`
	UOM       string          `json:"uom"`
	Href      string          `json:"href"`
	Type      string          `json:"type"`
	BBox      []float64       `json:"bbox"`
	CRS       string          `json:"crs"`
	Format    *Format         `json:"format"`
}

// ParseExecute decodes an execution request body. An empty body has no
// inputs.
func ParseExecute(body []byte) (ExecuteRequest, error) {
	var req ExecuteRequest
	if len(bytes.TrimSpace(body)) == 0 {
		return req, nil
	}
	d := json.NewDecoder(bytes.NewReader(body))
	d.UseNumber()
	if err := d.Decode(&req); err != nil {
		return req, model.NoApplicableCode(http.StatusBadRequest, "Invalid execution request: %s", err)
	}
	return req, nil
}

// OutputRequests returns the requested outputs, ordered by identifier.
func (r ExecuteRequest) OutputRequests() []model.OutputRequest {
	var out []model.OutputRequest
	for id, o := range r.Outputs {
		req := model.OutputRequest{
			Identifier:  id,
			AsReference: o.TransmissionMode == "reference",
			UOM:         o.UOM,
		}
		if o.Format != nil {
			req.MimeType = o.Format.MediaType
		}
		out = append(out, req)
	}
	slices.SortFunc(out, func(a, b model.OutputRequest) int {
		return strings.Compare(a.Identifier, b.Identifier)
	})
	return out
}

// Values types the inputs against p. An input may be a single value or an
// array of values.
func (r ExecuteRequest) Values(p model.Process) (map[string][]model.InputValue, error) {
	out := make(map[string][]model.InputValue, len(r.Inputs))
	for id, raw := range r.Inputs {
		slot, ok := p.Input(id)
		if !ok {
			// rejected when binding
			out[id] = []model.InputValue{{Value: string(raw)}}
			continue
		}
		items := []json.RawMessage{raw}
		trimmed := bytes.TrimSpace(raw)
		// a bbox is an object, a json complex value may be an array
		if len(trimmed) > 0 && trimmed[0] == '[' && !jsonSlot(slot) {
			items = nil
			if err := json.Unmarshal(trimmed, &items); err != nil {
				return nil, model.InvalidParameterValue(id, "Invalid value list")
			}
		}
		for _, item := range items {
			v, err := inputValue(slot, item)
			if err != nil {
				return nil, err
			}
			out[id] = append(out[id], v)
		}
	}
	return out, nil
}

// jsonSlot reports a complex slot whose only format is JSON, an array is
// then a single value.
func jsonSlot(slot model.InputSlot) bool {
	if slot.Kind != model.KindComplex || slot.Complex == nil {
		return false
	}
	for _, f := range slot.Complex.Formats {
		if !isJSON(f.MimeType) {
			return false
		}
	}
	return len(slot.Complex.Formats) > 0
}

func inputValue(slot model.InputSlot, raw json.RawMessage) (model.InputValue, error) {
	v := model.InputValue{Kind: slot.Kind}
	trimmed := bytes.TrimSpace(raw)
	var q qualifiedValue
	qualified := len(trimmed) > 0 && trimmed[0] == '{' && json.Unmarshal(trimmed, &q) == nil

	switch slot.Kind {
	case model.KindBoundingBox:
		if !qualified || len(q.BBox) == 0 {
			return v, model.InvalidParameterValue(slot.Identifier, "Expected a bounding box object")
		}
		if len(q.BBox)%2 != 0 {
			return v, model.InvalidParameterValue(slot.Identifier, "Invalid bounding box dimensions")
		}
		half := len(q.BBox) / 2
		crs := q.CRS
		if crs == "" {
			crs = crs84
		}
		v.BBox = &model.BBox{CRS: crs, Lower: q.BBox[:half], Upper: q.BBox[half:]}
		return v, nil

	case model.KindComplex:
		if qualified && q.Href != "" {
			v.Href = q.Href
			v.Format = model.Format{MimeType: q.Type}
			return v, nil
		}
		if qualified && q.Value != nil {
			f := model.Format{MimeType: q.MediaType, Encoding: q.Encoding, Schema: q.Schema}
			if q.Format != nil {
				f = model.Format{
					MimeType: cmp.Or(q.Format.MediaType, f.MimeType),
					Encoding: cmp.Or(q.Format.Encoding, f.Encoding),
					Schema:   cmp.Or(q.Format.Schema, f.Schema),
				}
			}
			data, err := complexData(q.Value, f.Encoding)
			if err != nil {
				return v, model.InvalidParameterValue(slot.Identifier, "Invalid complex value: %s", err)
			}
			v.Data, v.Format = data, f
			return v, nil
		}
		// a bare json document or string
		data, err := complexData(trimmed, "")
		if err != nil {
			return v, model.InvalidParameterValue(slot.Identifier, "Invalid complex value: %s", err)
		}
		v.Data = data
		if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
			v.Format.MimeType = "application/json"
		}
		return v, nil
	}

	if qualified && q.Value != nil {
		s, err := literal(q.Value)
		if err != nil {
			return v, model.InvalidParameterValue(slot.Identifier, "Invalid literal value")
		}
		v.Value, v.UOM = s, q.UOM
		return v, nil
	}
	s, err := literal(trimmed)
	if err != nil {
		return v, model.InvalidParameterValue(slot.Identifier, "Invalid literal value")
	}
	v.Value = s
	return v, nil
}

// complexData returns the bytes of a complex value: strings are taken as
// text, possibly base64 encoded, anything else as a json document.
func complexData(raw json.RawMessage, encoding string) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return trimmed, nil
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return nil, err
	}
	if strings.EqualFold(encoding, "base64") {
		return base64.StdEncoding.DecodeString(s)
	}
	return []byte(s), nil
}

// literal turns a json scalar into its textual form.
func literal(raw json.RawMessage) (string, error) {
	var v any
	d := json.NewDecoder(bytes.NewReader(raw))
	d.UseNumber()
	if err := d.Decode(&v); err != nil {
		return "", err
	}
	switch v := v.(type) {
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case bool:
		return strconv.FormatBool(v), nil
	case nil:
		return "", nil
	}
	return "", fmt.Errorf("not a scalar: %s", raw)
}

// Preferences are the Prefer header tokens the server honors.
type Preferences struct {
	Async      bool
	Wait       time.Duration
	Expiration time.Duration
	// Applied lists the honored tokens for Preference-Applied.
	Applied []string
}

// ParsePrefer reads the Prefer headers. Unknown or malformed tokens are
// ignored.
func ParsePrefer(h http.Header) Preferences {
	var p Preferences
	for _, line := range h.Values("Prefer") {
		for token := range strings.SplitSeq(line, ",") {
			token = strings.TrimSpace(token)
			// parameters after ';' are not used
			token, _, _ = strings.Cut(token, ";")
			name, value, _ := strings.Cut(token, "=")
			name = strings.ToLower(strings.TrimSpace(name))
			value = strings.Trim(strings.TrimSpace(value), `"`)
			switch name {
			case "respond-async":
				p.Async = true
				p.Applied = append(p.Applied, "respond-async")
			case "wait", "x-expire":
				secs, err := strconv.Atoi(value)
				if err != nil || secs <= 0 {
					continue
				}
				if name == "wait" {
					p.Wait = time.Duration(secs) * time.Second
				} else {
					p.Expiration = time.Duration(secs) * time.Second
				}
				p.Applied = append(p.Applied, name+"="+value)
			}
		}
	}
	return p
}
