package request

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/3liz/qgswps/internal/model"
)

const maxFetchSize = 64 << 20

// RenderedOutput is an output value ready to be written in a document.
type RenderedOutput struct {
	Slot  model.OutputSlot
	Value model.OutputValue
	// Href is set when a complex value is referenced.
	Href string
	// Data is the raw inline value, renderers encode it when Encoding is
	// base64.
	Data     []byte
	Encoding string
	MimeType string
}

// Textual reports whether mime can be inlined without encoding.
func Textual(mime string) bool {
	mt := baseMime(mime)
	return strings.HasPrefix(mt, "text/") ||
		mt == "application/json" || mt == "application/xml" ||
		strings.HasSuffix(mt, "+json") || strings.HasSuffix(mt, "+xml")
}

// RenderOutputs resolves the outputs of a succeeded job in process order,
// restricted to the requested ones. Workdir files are referenced, inline
// complex values are referenced when the client asked for it or when they
// exceed the inline limit.
func (r *Response) RenderOutputs() ([]RenderedOutput, error) {
	wanted := make(map[string]model.OutputRequest, len(r.Args.Outputs))
	for _, o := range r.Args.Outputs {
		wanted[o.Identifier] = o
	}
	var out []RenderedOutput
	for _, slot := range r.Process.Outputs {
		v, ok := r.Outputs[slot.Identifier]
		if !ok {
			continue
		}
		req, requested := wanted[slot.Identifier]
		if len(wanted) > 0 && !requested {
			continue
		}
		ro := RenderedOutput{Slot: slot, Value: v}
		if slot.Kind == model.KindComplex {
			if err := r.renderComplex(&ro, req); err != nil {
				return nil, err
			}
		}
		out = append(out, ro)
	}
	return out, nil
}

func (r *Response) renderComplex(ro *RenderedOutput, req model.OutputRequest) error {
	v := ro.Value
	ro.MimeType = v.MimeType
	if ro.MimeType == "" && ro.Slot.Complex != nil {
		ro.MimeType = ro.Slot.Complex.DefaultFormat().MimeType
	}
	if req.MimeType != "" {
		ro.MimeType = req.MimeType
	}

	// Files of the workdir are served by the store, they are always
	// referenced.
	if name := v.File; name != "" {
		if _, err := os.Stat(filepath.Join(r.Args.Workdir, filepath.FromSlash(name))); err != nil {
			return fmt.Errorf("output %s: %w", ro.Slot.Identifier, err)
		}
		ro.Href = StoreURL(r.Args.PublicURL, r.JobID(), name)
		return nil
	}

	if req.AsReference || int64(len(v.Data)) > r.InlineLimit {
		ext := ".bin"
		if m := mimetype.Lookup(ro.MimeType); m != nil && m.Extension() != "" {
			ext = m.Extension()
		}
		name := ro.Slot.Identifier + ext
		if err := os.MkdirAll(r.Args.Workdir, 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(r.Args.Workdir, name), v.Data, 0o644); err != nil {
			return fmt.Errorf("output %s: %w", ro.Slot.Identifier, err)
		}
		ro.Href = StoreURL(r.Args.PublicURL, r.JobID(), name)
		return nil
	}

	ro.Data = v.Data
	ro.Encoding = v.Encoding
	if ro.Encoding == "" && !Textual(ro.MimeType) {
		ro.Encoding = "base64"
	}
	return nil
}

// Fetch downloads the referenced complex inputs into their Data, within the
// slot size limit.
func Fetch(ctx context.Context, client *http.Client, p model.Process, inputs map[string][]model.InputValue) error {
	if client == nil {
		client = http.DefaultClient
	}
	for id, vals := range inputs {
		slot, ok := p.Input(id)
		if !ok || slot.Kind != model.KindComplex {
			continue
		}
		limit := int64(maxFetchSize)
		if slot.Complex != nil && slot.Complex.MaxSize > 0 {
			limit = slot.Complex.MaxSize
		}
		for i, v := range vals {
			if v.Href == "" || v.Data != nil {
				continue
			}
			data, mime, err := fetch(ctx, client, id, v.Href, limit)
			if err != nil {
				return err
			}
			vals[i].Data = data
			if vals[i].Format.MimeType == "" {
				vals[i].Format.MimeType = mime
			}
		}
	}
	return nil
}

func fetch(ctx context.Context, client *http.Client, id, href string, limit int64) ([]byte, string, error) {
	u, err := url.Parse(href)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, "", model.InvalidParameterValue(id, "Unsupported reference %s", href)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, href, nil)
	if err != nil {
		return nil, "", model.InvalidParameterValue(id, "Invalid reference %s", href)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", model.InvalidParameterValue(id, "Cannot fetch %s", href)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, "", model.InvalidParameterValue(id, "Cannot fetch %s: status %d", href, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("reading %s: %w", href, err)
	}
	if int64(len(data)) > limit {
		return nil, "", model.FileSizeExceeded(id, "Input %s exceeds %d bytes", id, limit)
	}
	mime := baseMime(resp.Header.Get("Content-Type"))
	if mime == "" || mime == "application/octet-stream" {
		mime = baseMime(mimetype.Detect(data).String())
	}
	return data, mime, nil
}
