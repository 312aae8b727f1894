package ogcapi

import (
	"net/url"
	"strconv"

	"github.com/3liz/qgswps/internal/model"
	"github.com/3liz/qgswps/internal/request"
)

const (
	ContentType        = "application/json"
	ProblemContentType = "application/problem+json"

	crs84 = "http://www.opengis.net/def/crs/OGC/1.3/CRS84"
)

// Link is a web link of a document.
type Link struct {
	Href  string `json:"href"`
	Rel   string `json:"rel"`
	Type  string `json:"type,omitempty"`
	Title string `json:"title,omitempty"`
}

type Metadata struct {
	Title string `json:"title"`
	Href  string `json:"href,omitempty"`
	Role  string `json:"role,omitempty"`
}

// ProcessSummary is an entry of the process list.
type ProcessSummary struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	Description        string     `json:"description,omitempty"`
	Version            string     `json:"version"`
	Keywords           []string   `json:"keywords,omitempty"`
	Metadata           []Metadata `json:"metadata,omitempty"`
	JobControlOptions  []string   `json:"jobControlOptions"`
	OutputTransmission []string   `json:"outputTransmission"`
	Links              []Link     `json:"links"`
}

type ProcessList struct {
	Processes []ProcessSummary `json:"processes"`
	Links     []Link           `json:"links"`
}

// Process is the detailed description of a process.
type Process struct {
	ProcessSummary
	Inputs  map[string]InputDescription  `json:"inputs"`
	Outputs map[string]OutputDescription `json:"outputs"`
}

type InputDescription struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Keywords    []string   `json:"keywords,omitempty"`
	Metadata    []Metadata `json:"metadata,omitempty"`
	MinOccurs   int        `json:"minOccurs"`
	// MaxOccurs is a number or "unbounded".
	MaxOccurs any    `json:"maxOccurs"`
	Schema    Schema `json:"schema"`
}

type OutputDescription struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Metadata    []Metadata `json:"metadata,omitempty"`
	Schema      Schema     `json:"schema"`
}

// Schema is the JSON schema subset describing slot values.
type Schema struct {
	Type             string            `json:"type,omitempty"`
	Format           string            `json:"format,omitempty"`
	Enum             []any             `json:"enum,omitempty"`
	Default          any               `json:"default,omitempty"`
	Minimum          *float64          `json:"minimum,omitempty"`
	Maximum          *float64          `json:"maximum,omitempty"`
	ExclusiveMinimum *float64          `json:"exclusiveMinimum,omitempty"`
	ExclusiveMaximum *float64          `json:"exclusiveMaximum,omitempty"`
	MultipleOf       float64           `json:"multipleOf,omitempty"`
	ContentMediaType string            `json:"contentMediaType,omitempty"`
	ContentEncoding  string            `json:"contentEncoding,omitempty"`
	ContentSchema    string            `json:"contentSchema,omitempty"`
	MaxLength        int64             `json:"maxLength,omitempty"`
	Required         []string          `json:"required,omitempty"`
	Properties       map[string]Schema `json:"properties,omitempty"`
	Items            *Schema           `json:"items,omitempty"`
	MinItems         int               `json:"minItems,omitempty"`
	MaxItems         int               `json:"maxItems,omitempty"`
	OneOf            []Schema          `json:"oneOf,omitempty"`
	UOM              []string          `json:"x-ogc-uom,omitempty"`
}

func summary(base string, p model.Process) ProcessSummary {
	self := processURL(base, p.Identifier, p.MapURI)
	return ProcessSummary{
		ID:                 p.Identifier,
		Title:              p.Title,
		Description:        p.Abstract,
		Version:            p.Version,
		Keywords:           p.Keywords,
		Metadata:           metadata(p.Metadata),
		JobControlOptions:  []string{"sync-execute", "async-execute", "dismiss"},
		OutputTransmission: []string{"value", "reference"},
		Links: []Link{
			{Href: self, Rel: "self", Type: ContentType, Title: "Process description"},
			{Href: executionURL(self), Rel: "http://www.opengis.net/def/rel/ogc/1.0/execute", Type: ContentType, Title: "Execute"},
		},
	}
}

func processURL(base, id, mapURI string) string {
	u := base + "processes/" + url.PathEscape(id)
	if mapURI != "" {
		u += "?" + url.Values{"map": {mapURI}}.Encode()
	}
	return u
}

func executionURL(processURL string) string {
	u, err := url.Parse(processURL)
	if err != nil {
		return processURL
	}
	u.Path += "/execution"
	u.RawPath = ""
	return u.String()
}

func metadata(md []model.Metadata) []Metadata {
	var out []Metadata
	for _, m := range md {
		out = append(out, Metadata(m))
	}
	return out
}

// NewProcessList lists procs.
func NewProcessList(base string, procs []model.Process) ProcessList {
	list := ProcessList{
		Processes: make([]ProcessSummary, 0, len(procs)),
		Links:     []Link{{Href: base + "processes", Rel: "self", Type: ContentType}},
	}
	for _, p := range procs {
		list.Processes = append(list.Processes, summary(base, p))
	}
	return list
}

// NewProcess describes p with the schemas of its slots.
func NewProcess(base string, p model.Process) Process {
	desc := Process{
		ProcessSummary: summary(base, p),
		Inputs:         make(map[string]InputDescription, len(p.Inputs)),
		Outputs:        make(map[string]OutputDescription, len(p.Outputs)),
	}
	for _, in := range p.Inputs {
		d := InputDescription{
			Title:       in.Title,
			Description: in.Abstract,
			Keywords:    in.Keywords,
			Metadata:    metadata(in.Metadata),
			MinOccurs:   in.MinOccurs,
			MaxOccurs:   "unbounded",
		}
		if in.MaxOccurs > 0 {
			d.MaxOccurs = in.MaxOccurs
		}
		switch in.Kind {
		case model.KindComplex:
			d.Schema = complexSchema(in.Complex)
		case model.KindBoundingBox:
			d.Schema = bboxSchema(in.BBox)
		default:
			d.Schema = literalSchema(in.Literal, true)
		}
		desc.Inputs[in.Identifier] = d
	}
	for _, out := range p.Outputs {
		d := OutputDescription{
			Title:       out.Title,
			Description: out.Abstract,
			Metadata:    metadata(out.Metadata),
		}
		switch out.Kind {
		case model.KindComplex:
			d.Schema = complexSchema(out.Complex)
			d.Schema.MaxLength = 0
		case model.KindBoundingBox:
			d.Schema = bboxSchema(out.BBox)
		default:
			d.Schema = literalSchema(out.Literal, false)
		}
		desc.Outputs[out.Identifier] = d
	}
	return desc
}

func literalSchema(l *model.LiteralData, input bool) Schema {
	if l == nil {
		l = &model.LiteralData{DataType: model.TypeString}
	}
	s := Schema{UOM: l.UOMs}
	switch l.DataType {
	case model.TypeInteger:
		s.Type = "integer"
	case model.TypeFloat:
		s.Type = "number"
	case model.TypeBoolean:
		s.Type = "boolean"
	case model.TypeAnyURI:
		s.Type, s.Format = "string", "uri"
	case model.TypeDate:
		s.Type, s.Format = "string", "date"
	case model.TypeDateTime:
		s.Type, s.Format = "string", "date-time"
	case model.TypeTime:
		s.Type, s.Format = "string", "time"
	default:
		s.Type = "string"
	}
	if !input {
		return s
	}
	if l.Default != "" {
		s.Default = typed(l.DataType, l.Default)
	}
	if l.AllowedValues.Any() {
		return s
	}
	for _, v := range l.AllowedValues.Values {
		s.Enum = append(s.Enum, typed(l.DataType, v))
	}
	// a single range maps to bounds, several to alternatives
	var ranges []Schema
	for _, r := range l.AllowedValues.Ranges {
		ranges = append(ranges, rangeSchema(s.Type, r))
	}
	switch {
	case len(ranges) == 1 && len(s.Enum) == 0:
		rs := ranges[0]
		s.Minimum, s.Maximum = rs.Minimum, rs.Maximum
		s.ExclusiveMinimum, s.ExclusiveMaximum = rs.ExclusiveMinimum, rs.ExclusiveMaximum
		s.MultipleOf = rs.MultipleOf
	case len(ranges) > 0:
		if len(s.Enum) > 0 {
			ranges = append(ranges, Schema{Type: s.Type, Enum: s.Enum})
			s.Enum = nil
		}
		s.OneOf = ranges
	}
	return s
}

func rangeSchema(typ string, r model.Range) Schema {
	s := Schema{Type: typ, MultipleOf: r.Spacing}
	lowOpen := r.Closure == model.ClosureOpen || r.Closure == model.ClosureOpenClosed
	highOpen := r.Closure == model.ClosureOpen || r.Closure == model.ClosureClosedOpen
	if r.Min != nil {
		if lowOpen {
			s.ExclusiveMinimum = r.Min
		} else {
			s.Minimum = r.Min
		}
	}
	if r.Max != nil {
		if highOpen {
			s.ExclusiveMaximum = r.Max
		} else {
			s.Maximum = r.Max
		}
	}
	return s
}

// typed converts a literal default or enum value to its JSON type.
func typed(dt model.DataType, v string) any {
	switch dt {
	case model.TypeInteger:
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	case model.TypeFloat:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	case model.TypeBoolean:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return v
}

func complexSchema(c *model.ComplexData) Schema {
	if c == nil {
		c = &model.ComplexData{}
	}
	formats := c.Formats
	if len(formats) == 0 {
		formats = []model.Format{c.DefaultFormat()}
	}
	var alts []Schema
	for _, f := range formats {
		alts = append(alts, formatSchema(f, c.MaxSize))
	}
	if len(alts) == 1 {
		return alts[0]
	}
	return Schema{OneOf: alts}
}

func formatSchema(f model.Format, maxSize int64) Schema {
	s := Schema{ContentMediaType: f.MimeType, ContentSchema: f.Schema, MaxLength: maxSize}
	switch {
	case f.Encoding != "":
		s.Type, s.ContentEncoding = "string", f.Encoding
	case request.Textual(f.MimeType):
		s.Type = "string"
	default:
		s.Type, s.ContentEncoding = "string", "binary"
	}
	if isJSON(f.MimeType) {
		s.Type = "object"
	}
	return s
}

func bboxSchema(b *model.BoundingBoxData) Schema {
	if b == nil {
		b = &model.BoundingBoxData{}
	}
	crss := b.CRSs
	if len(crss) == 0 {
		crss = []string{b.DefaultCRS()}
	}
	enum := make([]any, 0, len(crss))
	for _, c := range crss {
		enum = append(enum, c)
	}
	num := Schema{Type: "number"}
	return Schema{
		Type:     "object",
		Format:   "ogc-bbox",
		Required: []string{"bbox"},
		Properties: map[string]Schema{
			"bbox": {
				Type: "array",
				OneOf: []Schema{
					{MinItems: 4, MaxItems: 4},
					{MinItems: 6, MaxItems: 6},
				},
				Items: &num,
			},
			"crs": {Type: "string", Format: "uri", Enum: enum, Default: b.DefaultCRS()},
		},
	}
}
