package model

import (
	"math"
	"slices"
)

// DataType is a literal data type, named after the XML schema types.
type DataType string

const (
	TypeString   DataType = "string"
	TypeInteger  DataType = "integer"
	TypeFloat    DataType = "float"
	TypeBoolean  DataType = "boolean"
	TypeAnyURI   DataType = "anyURI"
	TypeDate     DataType = "date"
	TypeDateTime DataType = "dateTime"
	TypeTime     DataType = "time"
)

// Numeric reports whether ranges apply to the type.
func (d DataType) Numeric() bool {
	return d == TypeInteger || d == TypeFloat
}

// Range closures.
const (
	ClosureClosed     = "closed"
	ClosureOpen       = "open"
	ClosureClosedOpen = "closed-open"
	ClosureOpenClosed = "open-closed"
)

// Range is a numeric interval. A nil bound is unbounded.
type Range struct {
	Min     *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max     *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	Spacing float64  `json:"spacing,omitempty" yaml:"spacing,omitempty"`
	Closure string   `json:"closure,omitempty" yaml:"closure,omitempty"`
}

// Contains checks v against bounds, closure and spacing.
func (r Range) Contains(v float64) bool {
	closure := r.Closure
	if closure == "" {
		closure = ClosureClosed
	}
	lowClosed := closure == ClosureClosed || closure == ClosureClosedOpen
	highClosed := closure == ClosureClosed || closure == ClosureOpenClosed

	if r.Min != nil {
		if v < *r.Min || (!lowClosed && v == *r.Min) {
			return false
		}
	}
	if r.Max != nil {
		if v > *r.Max || (!highClosed && v == *r.Max) {
			return false
		}
	}
	if r.Spacing > 0 && r.Min != nil {
		steps := (v - *r.Min) / r.Spacing
		if math.Abs(steps-math.Round(steps)) > 1e-9 {
			return false
		}
	}
	return true
}

// AllowedValues is either an enumerated set, a list of ranges, or anything
// when both are empty.
type AllowedValues struct {
	Values []string `json:"values,omitempty" yaml:"values,omitempty"`
	Ranges []Range  `json:"ranges,omitempty" yaml:"ranges,omitempty"`
}

func (a *AllowedValues) Any() bool {
	return a == nil || (len(a.Values) == 0 && len(a.Ranges) == 0)
}

// AllowsString checks membership in the enumerated set.
func (a *AllowedValues) AllowsString(v string) bool {
	if a.Any() || len(a.Values) == 0 {
		return true
	}
	return slices.Contains(a.Values, v)
}

// AllowsNumber checks v against the ranges, an enumerated set of numbers is
// checked by the caller with AllowsString.
func (a *AllowedValues) AllowsNumber(v float64) bool {
	if a.Any() || len(a.Ranges) == 0 {
		return true
	}
	for _, r := range a.Ranges {
		if r.Contains(v) {
			return true
		}
	}
	return false
}

// Format is a supported encoding of complex data.
type Format struct {
	MimeType string `json:"mime_type" yaml:"mime_type"`
	Encoding string `json:"encoding,omitempty" yaml:"encoding,omitempty"`
	Schema   string `json:"schema,omitempty" yaml:"schema,omitempty"`
}

// SlotKind discriminates input and output slots.
type SlotKind string

const (
	KindLiteral     SlotKind = "literal"
	KindComplex     SlotKind = "complex"
	KindBoundingBox SlotKind = "bbox"
)

type LiteralData struct {
	DataType      DataType       `json:"data_type" yaml:"data_type"`
	AllowedValues *AllowedValues `json:"allowed_values,omitempty" yaml:"allowed_values,omitempty"`
	UOMs          []string       `json:"uoms,omitempty" yaml:"uoms,omitempty"`
	Default       string         `json:"default,omitempty" yaml:"default,omitempty"`
}

type ComplexData struct {
	Formats []Format `json:"formats" yaml:"formats"`
	// MaxSize in bytes, zero means unlimited.
	MaxSize int64 `json:"max_size,omitempty" yaml:"max_size,omitempty"`
}

// DefaultFormat is the first supported format.
func (c ComplexData) DefaultFormat() Format {
	if len(c.Formats) == 0 {
		return Format{MimeType: "application/octet-stream"}
	}
	return c.Formats[0]
}

// FindFormat returns the supported format matching mime.
func (c ComplexData) FindFormat(mime string) (Format, bool) {
	for _, f := range c.Formats {
		if f.MimeType == mime {
			return f, true
		}
	}
	return Format{}, false
}

type BoundingBoxData struct {
	CRSs       []string `json:"crs" yaml:"crs"`
	Dimensions int      `json:"dimensions,omitempty" yaml:"dimensions,omitempty"`
}

// DefaultCRS is the first supported CRS.
func (b BoundingBoxData) DefaultCRS() string {
	if len(b.CRSs) == 0 {
		return "EPSG:4326"
	}
	return b.CRSs[0]
}

type Metadata struct {
	Title string `json:"title" yaml:"title"`
	Href  string `json:"href,omitempty" yaml:"href,omitempty"`
	Role  string `json:"role,omitempty" yaml:"role,omitempty"`
}

// InputSlot describes one process input. Exactly one of Literal, Complex,
// BBox is set according to Kind.
type InputSlot struct {
	Identifier string           `json:"identifier" yaml:"identifier"`
	Title      string           `json:"title" yaml:"title"`
	Abstract   string           `json:"abstract,omitempty" yaml:"abstract,omitempty"`
	Kind       SlotKind         `json:"kind" yaml:"kind"`
	MinOccurs  int              `json:"min_occurs" yaml:"min_occurs"`
	MaxOccurs  int              `json:"max_occurs" yaml:"max_occurs"`
	Keywords   []string         `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Metadata   []Metadata       `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Literal    *LiteralData     `json:"literal,omitempty" yaml:"literal,omitempty"`
	Complex    *ComplexData     `json:"complex,omitempty" yaml:"complex,omitempty"`
	BBox       *BoundingBoxData `json:"bbox,omitempty" yaml:"bbox,omitempty"`
}

// OutputSlot describes one process output.
type OutputSlot struct {
	Identifier string           `json:"identifier" yaml:"identifier"`
	Title      string           `json:"title" yaml:"title"`
	Abstract   string           `json:"abstract,omitempty" yaml:"abstract,omitempty"`
	Kind       SlotKind         `json:"kind" yaml:"kind"`
	Metadata   []Metadata       `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Literal    *LiteralData     `json:"literal,omitempty" yaml:"literal,omitempty"`
	Complex    *ComplexData     `json:"complex,omitempty" yaml:"complex,omitempty"`
	BBox       *BoundingBoxData `json:"bbox,omitempty" yaml:"bbox,omitempty"`
}

// Process is an immutable algorithm descriptor. Contextualized copies carry
// the MapURI they were derived from.
type Process struct {
	Identifier string       `json:"identifier" yaml:"identifier"`
	Title      string       `json:"title" yaml:"title"`
	Abstract   string       `json:"abstract,omitempty" yaml:"abstract,omitempty"`
	Version    string       `json:"version" yaml:"version"`
	Provider   string       `json:"provider,omitempty" yaml:"provider,omitempty"`
	Keywords   []string     `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Metadata   []Metadata   `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Inputs     []InputSlot  `json:"inputs" yaml:"inputs"`
	Outputs    []OutputSlot `json:"outputs" yaml:"outputs"`
	MapURI     string       `json:"map_uri,omitempty" yaml:"-"`
}

func (p Process) Input(id string) (InputSlot, bool) {
	for _, in := range p.Inputs {
		if in.Identifier == id {
			return in, true
		}
	}
	return InputSlot{}, false
}

func (p Process) Output(id string) (OutputSlot, bool) {
	for _, out := range p.Outputs {
		if out.Identifier == id {
			return out, true
		}
	}
	return OutputSlot{}, false
}

// Clone returns a deep copy, used to derive contextualized descriptors
// without touching the catalogue.
func (p Process) Clone() Process {
	c := p
	c.Keywords = slices.Clone(p.Keywords)
	c.Metadata = slices.Clone(p.Metadata)
	c.Inputs = make([]InputSlot, len(p.Inputs))
	for i, in := range p.Inputs {
		in.Keywords = slices.Clone(in.Keywords)
		in.Metadata = slices.Clone(in.Metadata)
		in.Literal = cloneLiteral(in.Literal)
		in.Complex = cloneComplex(in.Complex)
		in.BBox = cloneBBox(in.BBox)
		c.Inputs[i] = in
	}
	c.Outputs = make([]OutputSlot, len(p.Outputs))
	for i, out := range p.Outputs {
		out.Metadata = slices.Clone(out.Metadata)
		out.Literal = cloneLiteral(out.Literal)
		out.Complex = cloneComplex(out.Complex)
		out.BBox = cloneBBox(out.BBox)
		c.Outputs[i] = out
	}
	return c
}

func cloneLiteral(l *LiteralData) *LiteralData {
	if l == nil {
		return nil
	}
	c := *l
	c.UOMs = slices.Clone(l.UOMs)
	if l.AllowedValues != nil {
		av := AllowedValues{
			Values: slices.Clone(l.AllowedValues.Values),
			Ranges: slices.Clone(l.AllowedValues.Ranges),
		}
		c.AllowedValues = &av
	}
	return &c
}

func cloneComplex(cd *ComplexData) *ComplexData {
	if cd == nil {
		return nil
	}
	c := *cd
	c.Formats = slices.Clone(cd.Formats)
	return &c
}

func cloneBBox(b *BoundingBoxData) *BoundingBoxData {
	if b == nil {
		return nil
	}
	c := *b
	c.CRSs = slices.Clone(b.CRSs)
	return &c
}
