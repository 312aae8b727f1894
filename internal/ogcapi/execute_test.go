package ogcapi_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/3liz/qgswps/internal/model"
	"github.com/3liz/qgswps/internal/ogcapi"
	"github.com/3liz/qgswps/internal/processing/builtin"
)

func builtinProcess(t *testing.T, id string) model.Process {
	t.Helper()
	procs, err := builtin.New().Enumerate(t.Context())
	require.NoError(t, err)
	for _, p := range procs {
		if p.Identifier == id {
			return p
		}
	}
	t.Fatalf("no builtin process %s", id)
	return model.Process{}
}

func TestParseExecute(t *testing.T) {
	t.Parallel()

	t.Run("empty body", func(t *testing.T) {
		req, err := ogcapi.ParseExecute([]byte("  \n"))
		require.NoError(t, err)
		require.Empty(t, req.Inputs)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := ogcapi.ParseExecute([]byte(`{"inputs": [`))
		require.Error(t, err)
		require.Equal(t, http.StatusBadRequest, model.AsException(err).Status)
	})

	t.Run("outputs", func(t *testing.T) {
		req, err := ogcapi.ParseExecute([]byte(`{
			"outputs": {
				"result": {"uom": "foot"},
				"output": {"transmissionMode": "reference", "format": {"mediaType": "application/json"}}
			}
		}`))
		require.NoError(t, err)
		require.Equal(t, []model.OutputRequest{
			{Identifier: "output", AsReference: true, MimeType: "application/json"},
			{Identifier: "result", UOM: "foot"},
		}, req.OutputRequests())
	})
}

func TestValues(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		scenario string
		process  string
		body     string
		expected map[string][]model.InputValue
	}{
		{
			scenario: "literal scalars",
			process:  "mult",
			body:     `{"inputs": {"value": 2.5, "factor": 3}}`,
			expected: map[string][]model.InputValue{
				"value":  {{Kind: model.KindLiteral, Value: "2.5"}},
				"factor": {{Kind: model.KindLiteral, Value: "3"}},
			},
		},
		{
			scenario: "qualified literal",
			process:  "mult",
			body:     `{"inputs": {"value": {"value": 10, "uom": "foot"}}}`,
			expected: map[string][]model.InputValue{
				"value": {{Kind: model.KindLiteral, Value: "10", UOM: "foot"}},
			},
		},
		{
			scenario: "string literal",
			process:  "greeter",
			body:     `{"inputs": {"name": "Marvin"}}`,
			expected: map[string][]model.InputValue{
				"name": {{Kind: model.KindLiteral, Value: "Marvin"}},
			},
		},
		{
			scenario: "bounding box",
			process:  "bbox_echo",
			body:     `{"inputs": {"bbox": {"bbox": [3, 45, 4, 46], "crs": "EPSG:4326"}}}`,
			expected: map[string][]model.InputValue{
				"bbox": {{Kind: model.KindBoundingBox, BBox: &model.BBox{CRS: "EPSG:4326", Lower: []float64{3, 45}, Upper: []float64{4, 46}}}},
			},
		},
		{
			scenario: "bounding box default crs",
			process:  "bbox_echo",
			body:     `{"inputs": {"bbox": {"bbox": [3, 45, 4, 46]}}}`,
			expected: map[string][]model.InputValue{
				"bbox": {{Kind: model.KindBoundingBox, BBox: &model.BBox{
					CRS:   "http://www.opengis.net/def/crs/OGC/1.3/CRS84",
					Lower: []float64{3, 45},
					Upper: []float64{4, 46},
				}}},
			},
		},
		{
			scenario: "complex link",
			process:  "write_file",
			body:     `{"inputs": {"data": {"href": "http://data.example/a.json", "type": "application/json"}}}`,
			expected: map[string][]model.InputValue{
				"data": {{Kind: model.KindComplex, Href: "http://data.example/a.json", Format: model.Format{MimeType: "application/json"}}},
			},
		},
		{
			scenario: "complex qualified base64",
			process:  "write_file",
			body:     `{"inputs": {"data": {"value": "aGVsbG8=", "mediaType": "text/plain", "encoding": "base64"}}}`,
			expected: map[string][]model.InputValue{
				"data": {{Kind: model.KindComplex, Data: []byte("hello"), Format: model.Format{MimeType: "text/plain", Encoding: "base64"}}},
			},
		},
		{
			scenario: "complex qualified with format",
			process:  "write_file",
			body:     `{"inputs": {"data": {"value": {"a": 1}, "format": {"mediaType": "application/json"}}}}`,
			expected: map[string][]model.InputValue{
				"data": {{Kind: model.KindComplex, Data: []byte(`{"a": 1}`), Format: model.Format{MimeType: "application/json"}}},
			},
		},
		{
			scenario: "bare json document",
			process:  "write_file",
			body:     `{"inputs": {"data": {"type": "FeatureCollection", "features": []}}}`,
			expected: map[string][]model.InputValue{
				"data": {{Kind: model.KindComplex, Data: []byte(`{"type": "FeatureCollection", "features": []}`), Format: model.Format{MimeType: "application/json"}}},
			},
		},
		{
			scenario: "value list",
			process:  "greeter",
			body:     `{"inputs": {"name": ["a", "b"]}}`,
			expected: map[string][]model.InputValue{
				"name": {{Kind: model.KindLiteral, Value: "a"}, {Kind: model.KindLiteral, Value: "b"}},
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			req, err := ogcapi.ParseExecute([]byte(tc.body))
			require.NoError(t, err)
			values, err := req.Values(builtinProcess(t, tc.process))
			require.NoError(t, err)
			require.Equal(t, tc.expected, values)
		})
	}
}

func TestValues_Errors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		scenario string
		process  string
		body     string
		locator  string
	}{
		{scenario: "bbox not an object", process: "bbox_echo", body: `{"inputs": {"bbox": "1,2,3,4"}}`, locator: "bbox"},
		{scenario: "odd bbox dimensions", process: "bbox_echo", body: `{"inputs": {"bbox": {"bbox": [1, 2, 3]}}}`, locator: "bbox"},
		{scenario: "literal object", process: "greeter", body: `{"inputs": {"name": {"first": "a"}}}`, locator: "name"},
		{scenario: "invalid base64", process: "write_file", body: `{"inputs": {"data": {"value": "%%%", "encoding": "base64"}}}`, locator: "data"},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			req, err := ogcapi.ParseExecute([]byte(tc.body))
			require.NoError(t, err)
			_, err = req.Values(builtinProcess(t, tc.process))
			require.Error(t, err)
			exc := model.AsException(err)
			require.Equal(t, model.CodeInvalidParameterValue, exc.Code)
			require.Equal(t, tc.locator, exc.Locator)
		})
	}
}

func TestParsePrefer(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Add("Prefer", "respond-async, wait=10")
	h.Add("Prefer", `x-expire="3600"; foo=bar, handling=lenient, wait=abc`)
	p := ogcapi.ParsePrefer(h)
	require.True(t, p.Async)
	require.Equal(t, 10*time.Second, p.Wait)
	require.Equal(t, time.Hour, p.Expiration)
	require.Equal(t, []string{"respond-async", "wait=10", "x-expire=3600"}, p.Applied)

	require.Equal(t, ogcapi.Preferences{}, ogcapi.ParsePrefer(http.Header{}))
}
