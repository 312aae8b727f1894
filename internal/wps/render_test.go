package wps_test

import (
	"encoding/xml"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/3liz/qgswps/internal/model"
	"github.com/3liz/qgswps/internal/request"
	"github.com/3liz/qgswps/internal/store"
	"github.com/3liz/qgswps/internal/wps"
)

// executeResponse decodes the parts of a wps:ExecuteResponse the tests look at.
type executeResponse struct {
	XMLName        xml.Name
	StatusLocation string `xml:"statusLocation,attr"`
	Status         struct {
		Accepted *string `xml:"ProcessAccepted"`
		Started  *struct {
			Percent int    `xml:"percentCompleted,attr"`
			Message string `xml:",chardata"`
		} `xml:"ProcessStarted"`
		Succeeded *string `xml:"ProcessSucceeded"`
		Failed    *struct {
			Exceptions []exception `xml:"ExceptionReport>Exception"`
		} `xml:"ProcessFailed"`
	} `xml:"Status"`
	Inputs  []dataElement `xml:"DataInputs>Input"`
	Outputs []dataElement `xml:"ProcessOutputs>Output"`
}

type exception struct {
	Code    string `xml:"exceptionCode,attr"`
	Locator string `xml:"locator,attr"`
	Text    string `xml:"ExceptionText"`
}

type dataElement struct {
	Identifier string `xml:"Identifier"`
	Reference  *struct {
		Href     string `xml:"href,attr"`
		MimeType string `xml:"mimeType,attr"`
	} `xml:"Reference"`
	Literal *struct {
		DataType string `xml:"dataType,attr"`
		Value    string `xml:",chardata"`
	} `xml:"Data>LiteralData"`
	Complex *struct {
		MimeType string `xml:"mimeType,attr"`
		Encoding string `xml:"encoding,attr"`
		Inner    string `xml:",innerxml"`
	} `xml:"Data>ComplexData"`
	BBox *struct {
		CRS   string `xml:"crs,attr"`
		Lower string `xml:"LowerCorner"`
		Upper string `xml:"UpperCorner"`
	} `xml:"Data>BoundingBoxData"`
}

func newResponse(t *testing.T, id string, mode model.ExecMode) *request.Response {
	t.Helper()
	st := store.NewMemory()
	args := model.ExecuteArgs{
		JobID:      "job-1",
		Identifier: id,
		Service:    request.ServiceWPS,
		Mode:       mode,
		Workdir:    t.TempDir(),
		PublicURL:  "http://proxy.example/wps/",
		Expiration: time.Hour,
	}
	_, err := st.LogRequest(t.Context(), args.JobID, model.JobRequest{Identifier: id, Expiration: time.Hour})
	require.NoError(t, err)
	return request.NewResponse(args, builtinProcess(t, id), st, wps.Renderer)
}

func decode(t *testing.T, doc model.Document) executeResponse {
	t.Helper()
	require.Equal(t, wps.ContentType, doc.ContentType)
	require.True(t, strings.HasPrefix(string(doc.Body), "<?xml"))
	var er executeResponse
	require.NoError(t, xml.Unmarshal(doc.Body, &er))
	require.Equal(t, "ExecuteResponse", er.XMLName.Local)
	require.Equal(t, "http://www.opengis.net/wps/1.0.0", er.XMLName.Space)
	return er
}

func TestRender_Lifecycle(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	r := newResponse(t, "mult", model.ModeAsync)

	doc, err := r.Accept(ctx)
	require.NoError(t, err)
	er := decode(t, doc)
	require.NotNil(t, er.Status.Accepted)
	require.Equal(t, "Process accepted", *er.Status.Accepted)
	require.Equal(t, "http://proxy.example/wps/ows/?REQUEST=GetResults&SERVICE=WPS&UUID=job-1", er.StatusLocation)

	_, err = r.Start(ctx, 42)
	require.NoError(t, err)
	doc, err = r.Progress(ctx, 40, "halfway")
	require.NoError(t, err)
	er = decode(t, doc)
	require.NotNil(t, er.Status.Started)
	require.Equal(t, 40, er.Status.Started.Percent)
	require.Equal(t, "halfway", er.Status.Started.Message)

	doc, err = r.Succeed(ctx, map[string]model.OutputValue{"result": {Kind: model.KindLiteral, Value: 12.5, UOM: "metre"}})
	require.NoError(t, err)
	er = decode(t, doc)
	require.NotNil(t, er.Status.Succeeded)
	require.Len(t, er.Outputs, 1)
	require.Equal(t, "result", er.Outputs[0].Identifier)
	require.Equal(t, "12.5", er.Outputs[0].Literal.Value)
	require.Equal(t, "float", er.Outputs[0].Literal.DataType)
}

func TestRender_Failed(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	r := newResponse(t, "fail", model.ModeSync)
	doc, err := r.Fail(ctx, model.ProcessException("I failed"))
	require.NoError(t, err)
	er := decode(t, doc)
	require.Empty(t, er.StatusLocation)
	require.NotNil(t, er.Status.Failed)
	require.Equal(t, []exception{{Code: "ProcessException", Text: "I failed"}}, er.Status.Failed.Exceptions)

	r = newResponse(t, "sleep", model.ModeAsync)
	_, err = r.Accept(ctx)
	require.NoError(t, err)
	doc, err = r.Dismiss(ctx)
	require.NoError(t, err)
	er = decode(t, doc)
	require.NotNil(t, er.Status.Failed)
	require.Equal(t, "NoApplicableCode", er.Status.Failed.Exceptions[0].Code)
	require.Equal(t, "Dismissed", er.Status.Failed.Exceptions[0].Text)
}

func TestRender_Outputs(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	t.Run("referenced file", func(t *testing.T) {
		r := newResponse(t, "write_file", model.ModeStore)
		r.Args.Outputs = []model.OutputRequest{{Identifier: "output", AsReference: true}}
		require.NoError(t, os.WriteFile(filepath.Join(r.Args.Workdir, "my file.txt"), []byte("hello"), 0o644))
		doc, err := r.Succeed(ctx, map[string]model.OutputValue{"output": model.FileOutput("my file.txt", "text/plain")})
		require.NoError(t, err)
		er := decode(t, doc)
		require.Len(t, er.Outputs, 1)
		require.NotNil(t, er.Outputs[0].Reference)
		require.Equal(t, "http://proxy.example/wps/store/job-1/my%20file.txt", er.Outputs[0].Reference.Href)
		require.Equal(t, "text/plain", er.Outputs[0].Reference.MimeType)
	})

	t.Run("inline xml", func(t *testing.T) {
		r := newResponse(t, "write_file", model.ModeSync)
		out := model.OutputValue{Kind: model.KindComplex, Data: []byte(`<?xml version="1.0"?><doc><a>1</a></doc>`), MimeType: "application/xml"}
		doc, err := r.Succeed(ctx, map[string]model.OutputValue{"output": out})
		require.NoError(t, err)
		er := decode(t, doc)
		require.Equal(t, "application/xml", er.Outputs[0].Complex.MimeType)
		require.Equal(t, "<doc><a>1</a></doc>", er.Outputs[0].Complex.Inner)
	})

	t.Run("inline binary", func(t *testing.T) {
		r := newResponse(t, "write_file", model.ModeSync)
		out := model.OutputValue{Kind: model.KindComplex, Data: []byte{0xff, 0x00}, MimeType: "image/png"}
		doc, err := r.Succeed(ctx, map[string]model.OutputValue{"output": out})
		require.NoError(t, err)
		er := decode(t, doc)
		require.Equal(t, "base64", er.Outputs[0].Complex.Encoding)
		require.Equal(t, "/wA=", er.Outputs[0].Complex.Inner)
	})

	t.Run("bounding box", func(t *testing.T) {
		r := newResponse(t, "bbox_echo", model.ModeSync)
		bbox := &model.BBox{CRS: "EPSG:4326", Lower: []float64{3, 45}, Upper: []float64{4, 46}}
		doc, err := r.Succeed(ctx, map[string]model.OutputValue{"bbox": {Kind: model.KindBoundingBox, BBox: bbox}})
		require.NoError(t, err)
		er := decode(t, doc)
		require.Equal(t, "EPSG:4326", er.Outputs[0].BBox.CRS)
		require.Equal(t, "45 3", er.Outputs[0].BBox.Lower)
		require.Equal(t, "46 4", er.Outputs[0].BBox.Upper)
	})

	t.Run("lineage", func(t *testing.T) {
		r := newResponse(t, "mult", model.ModeSync)
		r.Args.Lineage = true
		r.Args.Inputs = map[string][]model.InputValue{"value": {{Kind: model.KindLiteral, Value: "3", UOM: "foot"}}}
		doc, err := r.Accept(ctx)
		require.NoError(t, err)
		er := decode(t, doc)
		require.Len(t, er.Inputs, 1)
		require.Equal(t, "value", er.Inputs[0].Identifier)
		require.Equal(t, "3", er.Inputs[0].Literal.Value)
	})
}

func TestRender_RawOutput(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	r := newResponse(t, "greeter", model.ModeSync)
	r.Args.RawOutput = "message"
	doc, err := r.Succeed(ctx, map[string]model.OutputValue{"message": model.Literal("Hello foo!")})
	require.NoError(t, err)
	require.Equal(t, "text/plain; charset=utf-8", doc.ContentType)
	require.Equal(t, "Hello foo!", string(doc.Body))

	r = newResponse(t, "write_file", model.ModeSync)
	r.Args.RawOutput = "output"
	require.NoError(t, os.WriteFile(filepath.Join(r.Args.Workdir, "out.json"), []byte(`{"a":1}`), 0o644))
	doc, err = r.Succeed(ctx, map[string]model.OutputValue{"output": model.FileOutput("out.json", "application/json")})
	require.NoError(t, err)
	require.Equal(t, "application/json", doc.ContentType)
	require.JSONEq(t, `{"a":1}`, string(doc.Body))

	r = newResponse(t, "bbox_echo", model.ModeSync)
	r.Args.RawOutput = "bbox"
	bbox := &model.BBox{CRS: "EPSG:3857", Lower: []float64{1, 2}, Upper: []float64{3, 4}}
	doc, err = r.Succeed(ctx, map[string]model.OutputValue{"bbox": {Kind: model.KindBoundingBox, BBox: bbox}})
	require.NoError(t, err)
	require.Equal(t, "1,2,3,4,EPSG:3857", string(doc.Body))
}

func TestExceptionDocument(t *testing.T) {
	t.Parallel()

	doc := wps.ExceptionDocument(model.MissingParameterValue("identifier", "Missing identifier"), "")
	require.Equal(t, 400, doc.Status)
	var report struct {
		XMLName    xml.Name
		Version    string      `xml:"version,attr"`
		Exceptions []exception `xml:"Exception"`
	}
	require.NoError(t, xml.Unmarshal(doc.Body, &report))
	require.Equal(t, "ExceptionReport", report.XMLName.Local)
	require.Equal(t, "http://www.opengis.net/ows/1.1", report.XMLName.Space)
	require.Equal(t, "1.0.0", report.Version)
	require.Equal(t, []exception{{Code: "MissingParameterValue", Locator: "identifier", Text: "Missing identifier"}}, report.Exceptions)

	doc = wps.ExceptionDocument(errors.New("boom"), "")
	require.Equal(t, 500, doc.Status)
	require.NotContains(t, string(doc.Body), "boom")
}

func TestNewCapabilities(t *testing.T) {
	t.Parallel()

	meta := model.DefaultConfig().Metadata
	meta.ProviderURL = "https://provider.example"
	procs := []model.Process{builtinProcess(t, "greeter"), builtinProcess(t, "mult")}
	body, err := wps.Encode(wps.NewCapabilities("http://proxy.example/wps/", meta, "", procs))
	require.NoError(t, err)

	var caps struct {
		Title      string `xml:"ServiceIdentification>Title"`
		Operations []struct {
			Name string `xml:"name,attr"`
			Get  struct {
				Href string `xml:"href,attr"`
			} `xml:"DCP>HTTP>Get"`
		} `xml:"OperationsMetadata>Operation"`
		Processes []string `xml:"ProcessOfferings>Process>Identifier"`
		Site      struct {
			Href string `xml:"href,attr"`
		} `xml:"ServiceProvider>ProviderSite"`
	}
	require.NoError(t, xml.Unmarshal(body, &caps))
	require.Equal(t, meta.Title, caps.Title)
	require.Len(t, caps.Operations, 3)
	require.Equal(t, "http://proxy.example/wps/ows/?", caps.Operations[0].Get.Href)
	require.Equal(t, []string{"greeter", "mult"}, caps.Processes)
	require.Equal(t, "https://provider.example", caps.Site.Href)
}

func TestNewProcessDescriptions(t *testing.T) {
	t.Parallel()

	procs := []model.Process{builtinProcess(t, "mult"), builtinProcess(t, "write_file"), builtinProcess(t, "bbox_echo")}
	body, err := wps.Encode(wps.NewProcessDescriptions("", procs))
	require.NoError(t, err)

	type input struct {
		Identifier string `xml:"Identifier"`
		MinOccurs  int    `xml:"minOccurs,attr"`
		MaxOccurs  string `xml:"maxOccurs,attr"`
		Literal    *struct {
			DataType string   `xml:"DataType"`
			Values   []string `xml:"AllowedValues>Value"`
			Ranges   []struct {
				Closure string `xml:"rangeClosure,attr"`
				Min     string `xml:"MinimumValue"`
				Max     string `xml:"MaximumValue"`
			} `xml:"AllowedValues>Range"`
			UOM     string `xml:"UOMs>Default>UOM"`
			Default string `xml:"DefaultValue"`
		} `xml:"LiteralData"`
		Complex *struct {
			Default string   `xml:"Default>Format>MimeType"`
			Formats []string `xml:"Supported>Format>MimeType"`
		} `xml:"ComplexData"`
		BBox *struct {
			Default string `xml:"Default>CRS"`
		} `xml:"BoundingBoxData"`
	}
	var descs struct {
		Processes []struct {
			Identifier string  `xml:"Identifier"`
			Store      bool    `xml:"storeSupported,attr"`
			Inputs     []input `xml:"DataInputs>Input"`
		} `xml:"ProcessDescription"`
	}
	require.NoError(t, xml.Unmarshal(body, &descs))
	require.Len(t, descs.Processes, 3)

	mult := descs.Processes[0]
	require.Equal(t, "mult", mult.Identifier)
	require.True(t, mult.Store)
	value, factor := mult.Inputs[0], mult.Inputs[1]
	require.Equal(t, 1, value.MinOccurs)
	require.Equal(t, "1", value.MaxOccurs)
	require.Equal(t, "float", value.Literal.DataType)
	require.Equal(t, "metre", value.Literal.UOM)
	require.Len(t, value.Literal.Ranges, 1)
	require.Equal(t, "0", value.Literal.Ranges[0].Min)
	require.Equal(t, "100", value.Literal.Ranges[0].Max)
	require.Equal(t, []string{"1", "2", "3", "5", "10"}, factor.Literal.Values)
	require.Equal(t, "2", factor.Literal.Default)

	var data *input
	for i, in := range descs.Processes[1].Inputs {
		if in.Identifier == "data" {
			data = &descs.Processes[1].Inputs[i]
		}
	}
	require.NotNil(t, data)
	require.Equal(t, "text/plain", data.Complex.Default)
	require.Equal(t, []string{"text/plain", "application/json"}, data.Complex.Formats)

	require.Equal(t, "EPSG:4326", descs.Processes[2].Inputs[0].BBox.Default)
}
