package wps

import (
	"bytes"
	"cmp"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"io"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/3liz/qgswps/internal/model"
	"github.com/3liz/qgswps/internal/request"
)

// Operations.
const (
	OpGetCapabilities = "GetCapabilities"
	OpDescribeProcess = "DescribeProcess"
	OpExecute         = "Execute"
	OpGetResults      = "GetResults"
)

var operations = []string{OpGetCapabilities, OpDescribeProcess, OpExecute, OpGetResults}

// Request is a WPS request decoded from KVP or XML.
type Request struct {
	Service        string
	Operation      string
	Version        string
	AcceptVersions []string
	Language       string
	Identifiers    []string
	MapURI         string
	UUID           string

	Inputs    []Input
	Outputs   []model.OutputRequest
	RawOutput *model.OutputRequest
	// Store asks for an asynchronous execution with a status location.
	Store   bool
	Status  bool
	Lineage bool
	// Timeout and Expiration are extensions, zero uses the defaults.
	Timeout    time.Duration
	Expiration time.Duration
}

// Input is one execute input. XML inputs carry their value, KVP inputs are
// typed once the process is known.
type Input struct {
	Identifier string
	Value      *model.InputValue
	raw        string
	attrs      map[string]string
}

// ParseKVP decodes a GET request. DataInputs, ResponseDocument and
// RawDataOutput are split before unescaping so escaped separators survive,
// a list without any literal separator is unescaped once first.
func ParseKVP(rawQuery string) (Request, error) {
	params := make(map[string]string)
	rawParams := make(map[string]string)
	for part := range strings.SplitSeq(rawQuery, "&") {
		if part == "" {
			continue
		}
		k, v, _ := strings.Cut(part, "=")
		key, err := url.QueryUnescape(k)
		if err != nil {
			return Request{}, model.InvalidParameterValue(k, "Invalid parameter name")
		}
		key = strings.ToLower(key)
		value, err := url.QueryUnescape(v)
		if err != nil {
			return Request{}, model.InvalidParameterValue(key, "Invalid parameter value")
		}
		params[key] = value
		// a fully encoded list carries its separators one level deeper
		if !strings.ContainsAny(v, "=;@") {
			v = value
		}
		rawParams[key] = v
	}

	req := Request{
		Service:  params["service"],
		Version:  params["version"],
		Language: params["language"],
		MapURI:   params["map"],
		UUID:     params["uuid"],
	}
	op, err := operation(params["request"])
	if err != nil {
		return Request{}, err
	}
	req.Operation = op
	if v := params["acceptversions"]; v != "" {
		req.AcceptVersions = splitList(v)
	}
	if v := params["identifier"]; v != "" {
		req.Identifiers = splitList(v)
	}
	if req.Operation != OpExecute {
		return req, nil
	}

	if v, ok := rawParams["datainputs"]; ok {
		if req.Inputs, err = parseDataInputs(v); err != nil {
			return Request{}, err
		}
	}
	if v, ok := rawParams["responsedocument"]; ok {
		for _, item := range splitItems(v) {
			o, err := parseOutput(item)
			if err != nil {
				return Request{}, err
			}
			req.Outputs = append(req.Outputs, o)
		}
	}
	if v, ok := rawParams["rawdataoutput"]; ok {
		o, err := parseOutput(v)
		if err != nil {
			return Request{}, err
		}
		req.RawOutput = &o
	}
	for name, dst := range map[string]*bool{
		"storeexecuteresponse": &req.Store,
		"status":               &req.Status,
		"lineage":              &req.Lineage,
	} {
		if v := params[name]; v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return Request{}, model.InvalidParameterValue(name, "Invalid boolean %q", v)
			}
			*dst = b
		}
	}
	if err := req.parseDurations(params["timeout"], params["expire"]); err != nil {
		return Request{}, err
	}
	return req, nil
}

func (r *Request) parseDurations(timeout, expire string) error {
	var err error
	if timeout != "" {
		if r.Timeout, err = model.ParseDuration(timeout); err != nil {
			return model.InvalidParameterValue("timeout", "Invalid timeout %q", timeout)
		}
	}
	if expire != "" {
		if r.Expiration, err = model.ParseDuration(expire); err != nil {
			return model.InvalidParameterValue("expire", "Invalid expiration %q", expire)
		}
	}
	return nil
}

func operation(name string) (string, error) {
	if name == "" {
		return "", model.MissingParameterValue("request", "Missing request parameter")
	}
	for _, op := range operations {
		if strings.EqualFold(op, name) {
			return op, nil
		}
	}
	return "", model.OperationNotSupported("Unknown operation %q", name)
}

func splitList(s string) []string {
	var out []string
	for item := range strings.SplitSeq(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func splitItems(raw string) []string {
	var out []string
	for item := range strings.SplitSeq(raw, ";") {
		if strings.TrimSpace(item) != "" {
			out = append(out, item)
		}
	}
	return out
}

// parseItem splits name=value@attr=value@attr=value, every piece is
// unescaped after splitting.
func parseItem(raw string) (name, value string, attrs map[string]string, err error) {
	pieces := strings.Split(raw, "@")
	head, value, _ := strings.Cut(pieces[0], "=")
	if name, err = url.QueryUnescape(head); err != nil {
		return "", "", nil, model.InvalidParameterValue("datainputs", "Invalid identifier %q", head)
	}
	if value, err = url.QueryUnescape(value); err != nil {
		return "", "", nil, model.InvalidParameterValue(name, "Invalid value")
	}
	attrs = make(map[string]string, len(pieces)-1)
	for _, p := range pieces[1:] {
		k, v, _ := strings.Cut(p, "=")
		key, err1 := url.QueryUnescape(k)
		val, err2 := url.QueryUnescape(v)
		if err := errors.Join(err1, err2); err != nil {
			return "", "", nil, model.InvalidParameterValue(name, "Invalid attribute %q", p)
		}
		attrs[strings.ToLower(key)] = val
	}
	return strings.TrimSpace(name), value, attrs, nil
}

func parseDataInputs(raw string) ([]Input, error) {
	var inputs []Input
	for _, item := range splitItems(raw) {
		name, value, attrs, err := parseItem(item)
		if err != nil {
			return nil, err
		}
		if name == "" {
			return nil, model.InvalidParameterValue("datainputs", "Missing input identifier")
		}
		inputs = append(inputs, Input{Identifier: name, raw: value, attrs: attrs})
	}
	return inputs, nil
}

func parseOutput(raw string) (model.OutputRequest, error) {
	name, _, attrs, err := parseItem(raw)
	if err != nil {
		return model.OutputRequest{}, err
	}
	o := model.OutputRequest{Identifier: name, MimeType: attrs["mimetype"], UOM: attrs["uom"]}
	if v := attrs["asreference"]; v != "" {
		if o.AsReference, err = strconv.ParseBool(v); err != nil {
			return o, model.InvalidParameterValue(name, "Invalid asReference %q", v)
		}
	}
	return o, nil
}

// Values types the inputs against p.
func (r *Request) Values(p model.Process) (map[string][]model.InputValue, error) {
	out := make(map[string][]model.InputValue)
	for _, in := range r.Inputs {
		if in.Value != nil {
			out[in.Identifier] = append(out[in.Identifier], *in.Value)
			continue
		}
		slot, ok := p.Input(in.Identifier)
		if !ok {
			// rejected when binding
			out[in.Identifier] = append(out[in.Identifier], model.InputValue{Value: in.raw})
			continue
		}
		v, err := kvpValue(slot, in)
		if err != nil {
			return nil, err
		}
		out[in.Identifier] = append(out[in.Identifier], v)
	}
	return out, nil
}

func kvpValue(slot model.InputSlot, in Input) (model.InputValue, error) {
	v := model.InputValue{Kind: slot.Kind}
	switch slot.Kind {
	case model.KindComplex:
		v.Format = model.Format{
			MimeType: in.attrs["mimetype"],
			Encoding: in.attrs["encoding"],
			Schema:   in.attrs["schema"],
		}
		if href := cmp.Or(in.attrs["xlink:href"], in.attrs["href"]); href != "" {
			v.Href = href
			return v, nil
		}
		data, err := decodeData([]byte(in.raw), v.Format.Encoding)
		if err != nil {
			return v, model.InvalidParameterValue(slot.Identifier, "Invalid base64 data")
		}
		v.Data = data
	case model.KindBoundingBox:
		bbox, err := parseBBoxKVP(in.raw, in.attrs["crs"])
		if err != nil {
			return v, model.InvalidParameterValue(slot.Identifier, "Invalid bounding box: %s", err)
		}
		v.BBox = bbox
	default:
		v.Value = in.raw
		v.UOM = in.attrs["uom"]
	}
	return v, nil
}

func decodeData(data []byte, encoding string) ([]byte, error) {
	if !strings.EqualFold(encoding, "base64") {
		return data, nil
	}
	return base64.StdEncoding.DecodeString(string(bytes.TrimSpace(data)))
}

// parseBBoxKVP decodes minx,miny,maxx,maxy[,crs] in the axis order of crs.
func parseBBoxKVP(raw, crs string) (*model.BBox, error) {
	parts := splitList(raw)
	var nums []float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			if i == len(parts)-1 && crs == "" {
				crs = p
				break
			}
			return nil, err
		}
		nums = append(nums, f)
	}
	if len(nums) < 4 || len(nums)%2 != 0 {
		return nil, errors.New("expected an even number of coordinates")
	}
	half := len(nums) / 2
	return newBBox(crs, nums[:half], nums[half:]), nil
}

// newBBox builds a box in x/y order from corners in the axis order of crs.
func newBBox(crs string, lower, upper []float64) *model.BBox {
	lower, upper = slices.Clone(lower), slices.Clone(upper)
	if request.LatFirst(crs) && len(lower) >= 2 {
		lower[0], lower[1] = lower[1], lower[0]
		upper[0], upper[1] = upper[1], upper[0]
	}
	return &model.BBox{CRS: crs, Lower: lower, Upper: upper}
}

func parseCorner(s string) ([]float64, error) {
	var out []float64
	for f := range strings.FieldsSeq(s) {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// XML requests, matched by local names.

type xmlGetCapabilities struct {
	Service        string   `xml:"service,attr"`
	Language       string   `xml:"language,attr"`
	AcceptVersions []string `xml:"AcceptVersions>Version"`
}

type xmlDescribeProcess struct {
	Service     string   `xml:"service,attr"`
	Version     string   `xml:"version,attr"`
	Language    string   `xml:"language,attr"`
	Identifiers []string `xml:"Identifier"`
}

type xmlExecute struct {
	Service          string               `xml:"service,attr"`
	Version          string               `xml:"version,attr"`
	Language         string               `xml:"language,attr"`
	Identifier       string               `xml:"Identifier"`
	Inputs           []xmlInput           `xml:"DataInputs>Input"`
	ResponseDocument *xmlResponseDocument `xml:"ResponseForm>ResponseDocument"`
	RawDataOutput    *xmlOutput           `xml:"ResponseForm>RawDataOutput"`
}

type xmlInput struct {
	Identifier string        `xml:"Identifier"`
	Reference  *xmlReference `xml:"Reference"`
	Literal    *xmlLiteral   `xml:"Data>LiteralData"`
	Complex    *xmlComplex   `xml:"Data>ComplexData"`
	BBox       *xmlBBox      `xml:"Data>BoundingBoxData"`
}

type xmlReference struct {
	Href     string `xml:"href,attr"`
	MimeType string `xml:"mimeType,attr"`
	Encoding string `xml:"encoding,attr"`
	Schema   string `xml:"schema,attr"`
}

type xmlLiteral struct {
	UOM   string `xml:"uom,attr"`
	Value string `xml:",chardata"`
}

type xmlComplex struct {
	MimeType string `xml:"mimeType,attr"`
	Encoding string `xml:"encoding,attr"`
	Schema   string `xml:"schema,attr"`
	Inner    []byte `xml:",innerxml"`
	Text     string `xml:",chardata"`
}

type xmlBBox struct {
	CRS   string `xml:"crs,attr"`
	Lower string `xml:"LowerCorner"`
	Upper string `xml:"UpperCorner"`
}

type xmlResponseDocument struct {
	Store   bool        `xml:"storeExecuteResponse,attr"`
	Lineage bool        `xml:"lineage,attr"`
	Status  bool        `xml:"status,attr"`
	Outputs []xmlOutput `xml:"Output"`
}

type xmlOutput struct {
	AsReference bool   `xml:"asReference,attr"`
	MimeType    string `xml:"mimeType,attr"`
	UOM         string `xml:"uom,attr"`
	Identifier  string `xml:"Identifier"`
}

func (o xmlOutput) request() model.OutputRequest {
	return model.OutputRequest{
		Identifier:  strings.TrimSpace(o.Identifier),
		AsReference: o.AsReference,
		MimeType:    o.MimeType,
		UOM:         o.UOM,
	}
}

// ParseXML decodes a POST request body.
func ParseXML(body []byte) (Request, error) {
	d := xml.NewDecoder(bytes.NewReader(body))
	var start xml.StartElement
	for {
		tok, err := d.Token()
		if err == io.EOF {
			return Request{}, model.NoApplicableCode(0, "Empty request body")
		}
		if err != nil {
			return Request{}, model.NoApplicableCode(0, "Invalid XML request: %s", err)
		}
		if se, ok := tok.(xml.StartElement); ok {
			start = se
			break
		}
	}

	op, err := operation(start.Name.Local)
	if err != nil {
		return Request{}, err
	}
	var req Request
	switch op {
	case OpGetCapabilities:
		var v xmlGetCapabilities
		if err := d.DecodeElement(&v, &start); err != nil {
			return Request{}, model.NoApplicableCode(0, "Invalid XML request: %s", err)
		}
		req = Request{Service: v.Service, Language: v.Language, AcceptVersions: v.AcceptVersions}
	case OpDescribeProcess:
		var v xmlDescribeProcess
		if err := d.DecodeElement(&v, &start); err != nil {
			return Request{}, model.NoApplicableCode(0, "Invalid XML request: %s", err)
		}
		req = Request{Service: v.Service, Version: v.Version, Language: v.Language}
		for _, id := range v.Identifiers {
			req.Identifiers = append(req.Identifiers, splitList(id)...)
		}
	case OpExecute:
		var v xmlExecute
		if err := d.DecodeElement(&v, &start); err != nil {
			return Request{}, model.NoApplicableCode(0, "Invalid XML request: %s", err)
		}
		if req, err = executeRequest(v); err != nil {
			return Request{}, err
		}
	default:
		return Request{}, model.OperationNotSupported("%s is not available with POST", op)
	}
	req.Operation = op
	return req, nil
}

func executeRequest(v xmlExecute) (Request, error) {
	req := Request{Service: v.Service, Version: v.Version, Language: v.Language}
	if id := strings.TrimSpace(v.Identifier); id != "" {
		req.Identifiers = []string{id}
	}
	for _, in := range v.Inputs {
		id := strings.TrimSpace(in.Identifier)
		if id == "" {
			return Request{}, model.MissingParameterValue("Identifier", "Missing input identifier")
		}
		val, err := xmlValue(id, in)
		if err != nil {
			return Request{}, err
		}
		req.Inputs = append(req.Inputs, Input{Identifier: id, Value: val})
	}
	if rd := v.ResponseDocument; rd != nil {
		req.Store, req.Status, req.Lineage = rd.Store, rd.Status, rd.Lineage
		for _, o := range rd.Outputs {
			req.Outputs = append(req.Outputs, o.request())
		}
	}
	if v.RawDataOutput != nil {
		o := v.RawDataOutput.request()
		req.RawOutput = &o
	}
	return req, nil
}

func xmlValue(id string, in xmlInput) (*model.InputValue, error) {
	switch {
	case in.Reference != nil:
		ref := in.Reference
		return &model.InputValue{
			Kind:   model.KindComplex,
			Href:   strings.TrimSpace(ref.Href),
			Format: model.Format{MimeType: ref.MimeType, Encoding: ref.Encoding, Schema: ref.Schema},
		}, nil
	case in.Literal != nil:
		return &model.InputValue{
			Kind:  model.KindLiteral,
			Value: strings.TrimSpace(in.Literal.Value),
			UOM:   in.Literal.UOM,
		}, nil
	case in.Complex != nil:
		c := in.Complex
		data, err := decodeData(complexContent(c), c.Encoding)
		if err != nil {
			return nil, model.InvalidParameterValue(id, "Invalid base64 data")
		}
		return &model.InputValue{
			Kind:   model.KindComplex,
			Data:   data,
			Format: model.Format{MimeType: c.MimeType, Encoding: c.Encoding, Schema: c.Schema},
		}, nil
	case in.BBox != nil:
		lower, err1 := parseCorner(in.BBox.Lower)
		upper, err2 := parseCorner(in.BBox.Upper)
		if err := errors.Join(err1, err2); err != nil {
			return nil, model.InvalidParameterValue(id, "Invalid bounding box corner")
		}
		return &model.InputValue{Kind: model.KindBoundingBox, BBox: newBBox(in.BBox.CRS, lower, upper)}, nil
	}
	return nil, model.MissingParameterValue(id, "No data for input %s", id)
}

// complexContent returns embedded XML as is, and the text otherwise.
func complexContent(c *xmlComplex) []byte {
	inner := bytes.TrimSpace(c.Inner)
	if len(inner) > 0 && inner[0] == '<' && !bytes.HasPrefix(inner, []byte("<![CDATA[")) {
		return inner
	}
	return []byte(c.Text)
}
