// Package request binds execution inputs to process descriptors and keeps
// the response state of a job.
package request

import (
	"fmt"
	"math"
	"mime"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/3liz/qgswps/internal/model"
)

// Bind checks raw values against the input slots of p and returns them
// coerced. Absent optional inputs are left out.
func Bind(p model.Process, raw map[string][]model.InputValue) (map[string][]model.InputValue, error) {
	for id := range raw {
		if _, ok := p.Input(id); !ok {
			return nil, model.InvalidParameterValue(id, "Unknown input %s", id)
		}
	}
	out := make(map[string][]model.InputValue, len(raw))
	for _, slot := range p.Inputs {
		vals := raw[slot.Identifier]
		if len(vals) == 0 {
			if slot.MinOccurs > 0 {
				return nil, model.MissingParameterValue(slot.Identifier, "Missing input %s", slot.Identifier)
			}
			continue
		}
		if len(vals) < slot.MinOccurs {
			return nil, model.MissingParameterValue(slot.Identifier, "Expected at least %d values", slot.MinOccurs)
		}
		if slot.MaxOccurs > 0 && len(vals) > slot.MaxOccurs {
			return nil, model.InvalidParameterValue(slot.Identifier, "Too many values, at most %d allowed", slot.MaxOccurs)
		}
		bound := make([]model.InputValue, 0, len(vals))
		for _, v := range vals {
			b, err := bindValue(slot, v)
			if err != nil {
				return nil, err
			}
			bound = append(bound, b)
		}
		out[slot.Identifier] = bound
	}
	return out, nil
}

func bindValue(slot model.InputSlot, v model.InputValue) (model.InputValue, error) {
	v.Kind = slot.Kind
	switch slot.Kind {
	case model.KindLiteral:
		return bindLiteral(slot, v)
	case model.KindComplex:
		return bindComplex(slot, v)
	case model.KindBoundingBox:
		return bindBBox(slot, v)
	}
	return v, model.NoApplicableCode(500, "Unsupported input kind %s", slot.Kind)
}

func bindLiteral(slot model.InputSlot, v model.InputValue) (model.InputValue, error) {
	lit := slot.Literal
	if lit == nil {
		lit = &model.LiteralData{DataType: model.TypeString}
	}
	value, err := Coerce(lit.DataType, v.Value)
	if err != nil {
		return v, model.InvalidParameterValue(slot.Identifier, "Invalid %s value %q", lit.DataType, v.Value)
	}
	v.Value = value

	av := lit.AllowedValues
	if !av.Any() {
		ok := true
		if len(av.Values) > 0 {
			ok = allowsEnum(lit.DataType, av.Values, value)
		}
		if ok && len(av.Ranges) > 0 && lit.DataType.Numeric() {
			f, _ := strconv.ParseFloat(value, 64)
			ok = av.AllowsNumber(f)
		}
		if !ok {
			return v, model.InvalidParameterValue(slot.Identifier, "Value %s is not allowed", value)
		}
	}

	if len(lit.UOMs) > 0 {
		switch {
		case v.UOM == "":
			v.UOM = lit.UOMs[0]
		case !slices.Contains(lit.UOMs, v.UOM):
			return v, model.InvalidParameterValue(slot.Identifier, "Unsupported uom %s", v.UOM)
		}
	}
	return v, nil
}

func allowsEnum(dt model.DataType, allowed []string, value string) bool {
	if slices.Contains(allowed, value) {
		return true
	}
	if !dt.Numeric() {
		return false
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return false
	}
	for _, a := range allowed {
		if af, err := strconv.ParseFloat(a, 64); err == nil && af == f {
			return true
		}
	}
	return false
}

// Coerce parses value as dt and returns its canonical form.
func Coerce(dt model.DataType, value string) (string, error) {
	value = strings.TrimSpace(value)
	switch dt {
	case model.TypeInteger:
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			// accept integral floats like 3.0
			f, ferr := strconv.ParseFloat(value, 64)
			if ferr != nil || f != math.Trunc(f) || math.IsInf(f, 0) {
				return "", err
			}
			i = int64(f)
		}
		return strconv.FormatInt(i, 10), nil
	case model.TypeFloat:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return "", err
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return "", fmt.Errorf("non finite value %s", value)
		}
		return strconv.FormatFloat(f, 'g', -1, 64), nil
	case model.TypeBoolean:
		switch strings.ToLower(value) {
		case "yes", "on":
			return "true", nil
		case "no", "off":
			return "false", nil
		}
		b, err := strconv.ParseBool(value)
		if err != nil {
			return "", err
		}
		return strconv.FormatBool(b), nil
	case model.TypeAnyURI:
		if _, err := url.Parse(value); err != nil {
			return "", err
		}
		return value, nil
	case model.TypeDate:
		_, err := time.Parse(time.DateOnly, value)
		return value, err
	case model.TypeDateTime:
		_, err := time.Parse(time.RFC3339, value)
		return value, err
	case model.TypeTime:
		_, err := time.Parse(time.TimeOnly, value)
		return value, err
	}
	return value, nil
}

func bindComplex(slot model.InputSlot, v model.InputValue) (model.InputValue, error) {
	cd := slot.Complex
	if cd == nil {
		cd = &model.ComplexData{}
	}
	if v.Href == "" && v.Data == nil {
		return v, model.MissingParameterValue(slot.Identifier, "No data for %s", slot.Identifier)
	}
	if cd.MaxSize > 0 && int64(len(v.Data)) > cd.MaxSize {
		return v, model.FileSizeExceeded(slot.Identifier, "Input %s exceeds %d bytes", slot.Identifier, cd.MaxSize)
	}

	mt := baseMime(v.Format.MimeType)
	if mt == "" && len(v.Data) > 0 {
		detected := mimetype.Detect(v.Data)
		for m := detected; m != nil; m = m.Parent() {
			if f, ok := cd.FindFormat(baseMime(m.String())); ok {
				mt = f.MimeType
				break
			}
		}
	}
	if mt == "" {
		v.Format = cd.DefaultFormat()
		return v, nil
	}
	if len(cd.Formats) > 0 {
		f, ok := cd.FindFormat(mt)
		if !ok {
			return v, model.InvalidParameterValue(slot.Identifier, "Unsupported mime type %s", mt)
		}
		if v.Format.Encoding == "" {
			v.Format.Encoding = f.Encoding
		}
		if v.Format.Schema == "" {
			v.Format.Schema = f.Schema
		}
	}
	v.Format.MimeType = mt
	return v, nil
}

func baseMime(s string) string {
	if s == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(s)
	if err != nil {
		return strings.TrimSpace(s)
	}
	return mt
}

func bindBBox(slot model.InputSlot, v model.InputValue) (model.InputValue, error) {
	bd := slot.BBox
	if bd == nil {
		bd = &model.BoundingBoxData{}
	}
	if v.BBox == nil {
		return v, model.InvalidParameterValue(slot.Identifier, "Missing bounding box")
	}
	bbox := *v.BBox
	if bbox.CRS == "" {
		bbox.CRS = bd.DefaultCRS()
	}
	if len(bd.CRSs) > 0 && !slices.ContainsFunc(bd.CRSs, func(c string) bool { return SameCRS(c, bbox.CRS) }) {
		return v, model.InvalidParameterValue(slot.Identifier, "Unsupported crs %s", bbox.CRS)
	}
	dims := bd.Dimensions
	if dims == 0 {
		dims = 2
	}
	if len(bbox.Lower) != dims || len(bbox.Upper) != dims {
		return v, model.InvalidParameterValue(slot.Identifier, "Expected %d dimensions", dims)
	}
	for i := range dims {
		if bbox.Lower[i] > bbox.Upper[i] {
			return v, model.InvalidParameterValue(slot.Identifier, "Lower corner above upper corner")
		}
	}
	v.BBox = &bbox
	return v, nil
}

// SameCRS compares CRS identifiers written as EPSG:n or as OGC URNs/URLs.
func SameCRS(a, b string) bool {
	return NormalizeCRS(a) == NormalizeCRS(b)
}

// NormalizeCRS turns urn:ogc:def:crs:EPSG::4326 and
// http://www.opengis.net/def/crs/EPSG/0/4326 into EPSG:4326.
func NormalizeCRS(crs string) string {
	s := strings.TrimSpace(crs)
	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "urn:ogc:def:crs:"):
		parts := strings.Split(s, ":")
		if len(parts) >= 7 {
			return strings.ToUpper(parts[4]) + ":" + parts[len(parts)-1]
		}
	case strings.HasPrefix(lower, "http://www.opengis.net/def/crs/"), strings.HasPrefix(lower, "https://www.opengis.net/def/crs/"):
		parts := strings.Split(strings.TrimRight(s, "/"), "/")
		if len(parts) >= 3 {
			return strings.ToUpper(parts[len(parts)-3]) + ":" + parts[len(parts)-1]
		}
	}
	if auth, code, ok := strings.Cut(s, ":"); ok {
		return strings.ToUpper(auth) + ":" + code
	}
	return s
}

// LatFirst reports whether the CRS axis order is latitude first for the
// bounding boxes of WPS documents.
func LatFirst(crs string) bool {
	return NormalizeCRS(crs) == "EPSG:4326"
}
