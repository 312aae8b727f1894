package model

// OutputValue is what an algorithm produced for one output slot.
type OutputValue struct {
	Kind SlotKind `json:"kind"`
	// Literal value, a JSON scalar.
	Value any    `json:"value,omitempty"`
	UOM   string `json:"uom,omitempty"`
	// Complex value, inline Data or a File relative to the job workdir.
	Data     []byte `json:"data,omitempty"`
	File     string `json:"file,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Encoding string `json:"encoding,omitempty"`
	BBox     *BBox  `json:"bbox,omitempty"`
}

// Literal builds a literal output value.
func Literal(v any) OutputValue {
	return OutputValue{Kind: KindLiteral, Value: v}
}

// FileOutput builds a complex output referring to a file of the workdir.
func FileOutput(name, mimeType string) OutputValue {
	return OutputValue{Kind: KindComplex, File: name, MimeType: mimeType}
}
