package wps

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/3liz/qgswps/internal/model"
	"github.com/3liz/qgswps/internal/request"
)

// Renderer builds the wps:ExecuteResponse of a job, or the raw value of
// the requested output when the job succeeded with a RawDataOutput.
var Renderer = request.RendererFunc(render)

func render(r *request.Response) (model.Document, error) {
	if r.Args.RawOutput != "" && r.Status == model.StatusSucceeded {
		return rawOutput(r)
	}
	base := r.Args.PublicURL
	doc := ExecuteResponse{
		Namespaces:      namespaces(),
		Service:         "WPS",
		Version:         Version,
		Lang:            lang(r.Args.Lang),
		SchemaLocation:  nsWPS + " " + schemas + "wpsExecute_response.xsd",
		ServiceInstance: capabilitiesURL(base),
		Process:         brief(r.Process),
		Status:          status(r),
	}
	if r.Args.Mode.Stored() {
		doc.StatusLocation = request.StatusURL(base, request.ServiceWPS, r.JobID())
	}
	if r.Args.Lineage {
		doc.DataInputs = lineage(r.Process, r.Args.Inputs)
		for _, o := range r.Args.Outputs {
			doc.OutputDefinitions = append(doc.OutputDefinitions, OutputDefinition{
				AsReference: o.AsReference,
				MimeType:    o.MimeType,
				UOM:         o.UOM,
				Identifier:  o.Identifier,
			})
		}
	}
	if r.Status == model.StatusSucceeded {
		outs, err := r.RenderOutputs()
		if err != nil {
			return model.Document{}, err
		}
		for _, o := range outs {
			doc.ProcessOutputs = append(doc.ProcessOutputs, outputData(o))
		}
	}
	body, err := Encode(doc)
	if err != nil {
		return model.Document{}, fmt.Errorf("encoding execute response: %w", err)
	}
	return model.Document{ContentType: ContentType, Body: body}, nil
}

func lang(l string) string {
	if l == "" {
		return "en-US"
	}
	return l
}

func capabilitiesURL(base string) string {
	q := url.Values{}
	q.Set("SERVICE", "WPS")
	q.Set("REQUEST", OpGetCapabilities)
	return base + "ows/?" + q.Encode()
}

func status(r *request.Response) Status {
	st := Status{CreationTime: r.Updated.UTC().Format(time.RFC3339)}
	msg := r.Message
	switch r.Status {
	case model.StatusStarted:
		st.Started = &ProcessStatus{PercentCompleted: min(max(r.Percent, 0), 100), Message: msg}
	case model.StatusSucceeded:
		st.Succeeded = &msg
	case model.StatusFailed, model.StatusDismissed:
		exc := r.Exception
		if exc == nil {
			exc = model.NoApplicableCode(0, "%s", msg)
		}
		st.Failed = &ProcessFailed{Report: exceptionReport(exc, r.Args.Lang)}
	default:
		st.Accepted = &msg
	}
	return st
}

func exceptionReport(exc *model.Exception, l string) ExceptionReport {
	return ExceptionReport{
		OWS:     nsOWS,
		Version: Version,
		Lang:    lang(l),
		Exceptions: []Exception{{
			Code:    string(exc.Code),
			Locator: exc.Locator,
			Text:    exc.Message,
		}},
	}
}

// ExceptionDocument renders err as an ows:ExceptionReport, the status of
// the document is the one of the exception.
func ExceptionDocument(err error, l string) model.Document {
	exc := model.AsException(err)
	body, merr := Encode(exceptionReport(exc, l))
	if merr != nil {
		body = []byte(xml.Header)
	}
	return model.Document{ContentType: ContentType, Body: body, Status: exc.Status}
}

func brief(p model.Process) ProcessBrief {
	return ProcessBrief{
		ProcessVersion: p.Version,
		Identifier:     p.Identifier,
		Title:          p.Title,
		Abstract:       p.Abstract,
		Metadata:       metadata(p.Metadata),
	}
}

func metadata(md []model.Metadata) []MetadataLink {
	var out []MetadataLink
	for _, m := range md {
		out = append(out, MetadataLink{Title: m.Title, Href: m.Href, Role: m.Role})
	}
	return out
}

func outputData(o request.RenderedOutput) OutputData {
	od := OutputData{
		Identifier: o.Slot.Identifier,
		Title:      o.Slot.Title,
		Abstract:   o.Slot.Abstract,
	}
	switch {
	case o.Href != "":
		od.Reference = &OutputReference{Href: o.Href, MimeType: o.MimeType, Encoding: o.Encoding}
	case o.Slot.Kind == model.KindComplex:
		od.Data = &Data{Complex: complexValue(o.Data, o.MimeType, o.Encoding)}
	case o.Slot.Kind == model.KindBoundingBox:
		if o.Value.BBox != nil {
			od.Data = &Data{BBox: bboxValue(*o.Value.BBox)}
		}
	default:
		lit := &LiteralValue{Value: LiteralString(o.Value.Value), UOM: o.Value.UOM}
		if o.Slot.Literal != nil {
			lit.DataType = string(o.Slot.Literal.DataType)
		}
		od.Data = &Data{Literal: lit}
	}
	return od
}

func complexValue(data []byte, mimeType, encoding string) *ComplexValue {
	cv := &ComplexValue{MimeType: mimeType, Encoding: encoding}
	switch {
	case strings.EqualFold(encoding, "base64"):
		cv.Text = base64.StdEncoding.EncodeToString(data)
	case wellFormed(data):
		cv.XML = string(stripDeclaration(data))
	default:
		cv.CDATA = string(data)
	}
	return cv
}

// wellFormed reports XML content that can be embedded as is.
func wellFormed(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '<' {
		return false
	}
	d := xml.NewDecoder(bytes.NewReader(trimmed))
	depth, elements := 0, 0
	for {
		tok, err := d.Token()
		if err == io.EOF {
			return depth == 0 && elements > 0
		}
		if err != nil {
			return false
		}
		switch tok.(type) {
		case xml.StartElement:
			depth++
			elements++
		case xml.EndElement:
			depth--
		}
	}
}

func stripDeclaration(data []byte) []byte {
	trimmed := bytes.TrimSpace(data)
	if bytes.HasPrefix(trimmed, []byte("<?xml")) {
		if i := bytes.Index(trimmed, []byte("?>")); i >= 0 {
			return bytes.TrimSpace(trimmed[i+2:])
		}
	}
	return trimmed
}

func bboxValue(b model.BBox) *BBoxValue {
	lower, upper := b.Lower, b.Upper
	if request.LatFirst(b.CRS) && len(lower) >= 2 {
		lower = append([]float64{lower[1], lower[0]}, lower[2:]...)
		upper = append([]float64{upper[1], upper[0]}, upper[2:]...)
	}
	return &BBoxValue{
		CRS:        b.CRS,
		Dimensions: len(lower),
		Lower:      corner(lower),
		Upper:      corner(upper),
	}
}

func corner(vals []float64) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strings.Join(parts, " ")
}

// LiteralString formats a literal output value.
func LiteralString(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case fmt.Stringer:
		return v.String()
	}
	if b, err := json.Marshal(v); err == nil {
		return strings.Trim(string(b), `"`)
	}
	return fmt.Sprint(v)
}

func lineage(p model.Process, inputs map[string][]model.InputValue) []InputData {
	var out []InputData
	for _, slot := range p.Inputs {
		for _, v := range inputs[slot.Identifier] {
			in := InputData{Identifier: slot.Identifier, Title: slot.Title}
			switch {
			case v.Href != "":
				in.Reference = &InputReference{Href: v.Href, MimeType: v.Format.MimeType}
			case slot.Kind == model.KindComplex:
				enc := v.Format.Encoding
				if enc == "" && !request.Textual(v.Format.MimeType) {
					enc = "base64"
				}
				in.Data = &Data{Complex: complexValue(v.Data, v.Format.MimeType, enc)}
			case slot.Kind == model.KindBoundingBox && v.BBox != nil:
				in.Data = &Data{BBox: bboxValue(*v.BBox)}
			default:
				in.Data = &Data{Literal: &LiteralValue{Value: v.Value, UOM: v.UOM}}
			}
			out = append(out, in)
		}
	}
	return out
}

func rawOutput(r *request.Response) (model.Document, error) {
	id := r.Args.RawOutput
	slot, ok := r.Process.Output(id)
	if !ok {
		return model.Document{}, model.InvalidParameterValue(id, "Unknown output %s", id)
	}
	v, ok := r.Outputs[id]
	if !ok {
		return model.Document{}, model.NoApplicableCode(500, "Output %s was not produced", id)
	}
	switch slot.Kind {
	case model.KindComplex:
		mt := v.MimeType
		if mt == "" && slot.Complex != nil {
			mt = slot.Complex.DefaultFormat().MimeType
		}
		for _, o := range r.Args.Outputs {
			if o.Identifier == id && o.MimeType != "" {
				mt = o.MimeType
			}
		}
		data := v.Data
		if v.File != "" {
			b, err := os.ReadFile(filepath.Join(r.Args.Workdir, filepath.FromSlash(v.File)))
			if err != nil {
				return model.Document{}, fmt.Errorf("reading output %s: %w", id, err)
			}
			data = b
		}
		return model.Document{ContentType: mt, Body: data}, nil
	case model.KindBoundingBox:
		if v.BBox == nil {
			return model.Document{}, errors.New("missing bounding box value")
		}
		bv := bboxValue(*v.BBox)
		text := strings.ReplaceAll(bv.Lower+" "+bv.Upper, " ", ",") + "," + bv.CRS
		return model.Document{ContentType: "text/plain; charset=utf-8", Body: []byte(text)}, nil
	}
	return model.Document{ContentType: "text/plain; charset=utf-8", Body: []byte(LiteralString(v.Value))}, nil
}

// NewCapabilities describes the service and the offered processes.
func NewCapabilities(base string, meta model.ServiceMetadata, l string, procs []model.Process) Capabilities {
	caps := Capabilities{
		Namespaces:     namespaces(),
		Service:        "WPS",
		Version:        Version,
		Lang:           lang(l),
		SchemaLocation: nsWPS + " " + schemas + "wpsGetCapabilities_response.xsd",
		Identification: ServiceIdentification{
			Title:              meta.Title,
			Abstract:           meta.Abstract,
			Keywords:           meta.Keywords,
			ServiceType:        "WPS",
			ServiceTypeVersion: Version,
			Fees:               "NONE",
			AccessConstraints:  "NONE",
		},
		Provider: ServiceProvider{
			Name:    meta.ProviderName,
			Contact: meta.ContactName,
			Email:   meta.ContactEmail,
		},
		Languages: Languages{Default: lang(l), Supported: []string{lang(l)}},
	}
	if meta.ProviderURL != "" {
		caps.Provider.Site = &Link{Href: meta.ProviderURL}
	}
	for _, op := range []string{OpGetCapabilities, OpDescribeProcess, OpExecute} {
		caps.Operations = append(caps.Operations, Operation{
			Name: op,
			Get:  Link{Href: base + "ows/?"},
			Post: Link{Href: base + "ows/"},
		})
	}
	for _, p := range procs {
		caps.Offerings = append(caps.Offerings, brief(p))
	}
	return caps
}

// NewProcessDescriptions describes procs.
func NewProcessDescriptions(l string, procs []model.Process) ProcessDescriptions {
	pd := ProcessDescriptions{
		Namespaces:     namespaces(),
		Service:        "WPS",
		Version:        Version,
		Lang:           lang(l),
		SchemaLocation: nsWPS + " " + schemas + "wpsDescribeProcess_response.xsd",
	}
	for _, p := range procs {
		pd.Processes = append(pd.Processes, describe(p))
	}
	return pd
}

func describe(p model.Process) ProcessDescription {
	d := ProcessDescription{
		ProcessVersion:  p.Version,
		StoreSupported:  true,
		StatusSupported: true,
		Identifier:      p.Identifier,
		Title:           p.Title,
		Abstract:        p.Abstract,
		Metadata:        metadata(p.Metadata),
	}
	for _, in := range p.Inputs {
		desc := InputDescription{
			MinOccurs:  in.MinOccurs,
			MaxOccurs:  "unbounded",
			Identifier: in.Identifier,
			Title:      in.Title,
			Abstract:   in.Abstract,
			Metadata:   metadata(in.Metadata),
		}
		if in.MaxOccurs > 0 {
			desc.MaxOccurs = strconv.Itoa(in.MaxOccurs)
		}
		switch in.Kind {
		case model.KindComplex:
			desc.Complex = complexDomain(in.Complex)
		case model.KindBoundingBox:
			desc.BBox = bboxCRSs(in.BBox)
		default:
			desc.Literal = literalDomain(in.Literal, true)
		}
		d.Inputs = append(d.Inputs, desc)
	}
	for _, out := range p.Outputs {
		desc := OutputDescription{
			Identifier: out.Identifier,
			Title:      out.Title,
			Abstract:   out.Abstract,
			Metadata:   metadata(out.Metadata),
		}
		switch out.Kind {
		case model.KindComplex:
			desc.Complex = complexDomain(out.Complex)
			desc.Complex.MaximumMegabytes = 0
		case model.KindBoundingBox:
			desc.BBox = bboxCRSs(out.BBox)
		default:
			desc.Literal = literalDomain(out.Literal, false)
		}
		d.Outputs = append(d.Outputs, desc)
	}
	return d
}

func literalDomain(l *model.LiteralData, input bool) *LiteralDomain {
	if l == nil {
		l = &model.LiteralData{DataType: model.TypeString}
	}
	ld := &LiteralDomain{DataType: DataType{Reference: dataTypeRef + string(l.DataType), Name: string(l.DataType)}}
	if len(l.UOMs) > 0 {
		ld.UOMs = &UOMs{Default: l.UOMs[0], Supported: l.UOMs}
	}
	if !input {
		return ld
	}
	ld.DefaultValue = l.Default
	if l.AllowedValues.Any() {
		ld.AnyValue = &struct{}{}
		return ld
	}
	av := &AllowedValues{Values: l.AllowedValues.Values}
	for _, r := range l.AllowedValues.Ranges {
		rg := Range{Closure: r.Closure}
		if r.Min != nil {
			rg.Min = strconv.FormatFloat(*r.Min, 'f', -1, 64)
		}
		if r.Max != nil {
			rg.Max = strconv.FormatFloat(*r.Max, 'f', -1, 64)
		}
		if r.Spacing > 0 {
			rg.Spacing = strconv.FormatFloat(r.Spacing, 'f', -1, 64)
		}
		av.Ranges = append(av.Ranges, rg)
	}
	ld.AllowedValues = av
	return ld
}

func complexDomain(c *model.ComplexData) *ComplexDomain {
	if c == nil {
		c = &model.ComplexData{}
	}
	cd := &ComplexDomain{Default: format(c.DefaultFormat())}
	if c.MaxSize > 0 {
		cd.MaximumMegabytes = (c.MaxSize + 1<<20 - 1) >> 20
	}
	formats := c.Formats
	if len(formats) == 0 {
		formats = []model.Format{c.DefaultFormat()}
	}
	for _, f := range formats {
		cd.Supported = append(cd.Supported, format(f))
	}
	return cd
}

func format(f model.Format) Format {
	return Format{MimeType: f.MimeType, Encoding: f.Encoding, Schema: f.Schema}
}

func bboxCRSs(b *model.BoundingBoxData) *BoundingBoxCRSs {
	if b == nil {
		b = &model.BoundingBoxData{}
	}
	crss := b.CRSs
	if len(crss) == 0 {
		crss = []string{b.DefaultCRS()}
	}
	return &BoundingBoxCRSs{Default: b.DefaultCRS(), Supported: crss}
}
