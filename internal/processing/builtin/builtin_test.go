package builtin_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/3liz/qgswps/internal/model"
	"github.com/3liz/qgswps/internal/processing"
	"github.com/3liz/qgswps/internal/processing/builtin"
)

func run(t *testing.T, ctx context.Context, id string, rc processing.RunContext) (map[string]model.OutputValue, error) {
	t.Helper()
	alg, err := builtin.New().Instance(ctx, id)
	require.NoError(t, err)
	return alg.Run(ctx, rc)
}

func lit(v string) []model.InputValue {
	return []model.InputValue{{Kind: model.KindLiteral, Value: v}}
}

func TestAlgorithms(t *testing.T) {
	t.Parallel()

	var tcs = []struct {
		scenario string
		id       string
		inputs   map[string][]model.InputValue
		output   string
		then     any
	}{
		{"ultimate question", "ultimate_question", nil, "outvalue", 42},
		{"greeter default", "greeter", nil, "message", "Hello World!"},
		{"greeter", "greeter", map[string][]model.InputValue{"name": lit("foo")}, "message", "Hello foo!"},
		{"mult", "mult", map[string][]model.InputValue{"value": lit("2.5"), "factor": lit("3")}, "result", 7.5},
		{"mult default factor", "mult", map[string][]model.InputValue{"value": lit("4")}, "result", 8.0},
	}
	for _, tc := range tcs {
		t.Run(tc.scenario, func(t *testing.T) {
			out, err := run(t, t.Context(), tc.id, processing.RunContext{Inputs: tc.inputs})
			require.NoError(t, err)
			require.Equal(t, tc.then, out[tc.output].Value)
			require.Equal(t, model.KindLiteral, out[tc.output].Kind)
		})
	}
}

func TestFail(t *testing.T) {
	t.Parallel()
	_, err := run(t, t.Context(), "fail", processing.RunContext{})
	var exc *model.Exception
	require.ErrorAs(t, err, &exc)
	require.Equal(t, model.CodeProcessException, exc.Code)
	require.Equal(t, 424, exc.Status)
}

func TestSleep(t *testing.T) {
	t.Parallel()

	t.Run("progress", func(t *testing.T) {
		var steps []int
		out, err := run(t, t.Context(), "sleep", processing.RunContext{
			Inputs:   map[string][]model.InputValue{"delay": lit("0.05")},
			Feedback: func(pct int, _ string) { steps = append(steps, pct) },
		})
		require.NoError(t, err)
		require.Len(t, steps, 10)
		require.GreaterOrEqual(t, out["duration"].Value, 0.05)
	})

	t.Run("canceled", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
		defer cancel()
		start := time.Now()
		_, err := run(t, ctx, "sleep", processing.RunContext{
			Inputs: map[string][]model.InputValue{"delay": lit("20")},
		})
		require.ErrorIs(t, err, context.DeadlineExceeded)
		require.Less(t, time.Since(start), 5*time.Second)
	})
}

func TestBBoxEcho(t *testing.T) {
	t.Parallel()
	bbox := &model.BBox{CRS: "EPSG:4326", Lower: []float64{1, 2}, Upper: []float64{3, 4}}
	out, err := run(t, t.Context(), "bbox_echo", processing.RunContext{
		Inputs: map[string][]model.InputValue{"bbox": {{Kind: model.KindBoundingBox, BBox: bbox}}},
	})
	require.NoError(t, err)
	require.Equal(t, bbox, out["bbox"].BBox)

	_, err = run(t, t.Context(), "bbox_echo", processing.RunContext{})
	require.ErrorIs(t, err, &model.Exception{Code: model.CodeMissingParameterValue})
}

func TestWriteFile(t *testing.T) {
	t.Parallel()

	t.Run("content", func(t *testing.T) {
		dir := t.TempDir()
		out, err := run(t, t.Context(), "write_file", processing.RunContext{
			Workdir: dir,
			Inputs: map[string][]model.InputValue{
				"content":  lit("hello"),
				"filename": lit("../../escape.txt"),
			},
		})
		require.NoError(t, err)
		require.Equal(t, model.FileOutput("escape.txt", "text/plain"), out["output"])
		b, err := os.ReadFile(filepath.Join(dir, "escape.txt"))
		require.NoError(t, err)
		require.Equal(t, "hello", string(b))
	})

	t.Run("complex data", func(t *testing.T) {
		dir := t.TempDir()
		out, err := run(t, t.Context(), "write_file", processing.RunContext{
			Workdir: dir,
			Inputs: map[string][]model.InputValue{
				"data": {{Kind: model.KindComplex, Data: []byte(`{"a":1}`), Format: model.Format{MimeType: "application/json"}}},
			},
		})
		require.NoError(t, err)
		require.Equal(t, "application/json", out["output"].MimeType)
		b, err := os.ReadFile(filepath.Join(dir, "output.txt"))
		require.NoError(t, err)
		require.JSONEq(t, `{"a":1}`, string(b))
	})
}

func TestContextualize(t *testing.T) {
	t.Parallel()
	e := builtin.New()
	procs, err := e.Enumerate(t.Context())
	require.NoError(t, err)
	var greeter model.Process
	for _, p := range procs {
		if p.Identifier == "greeter" {
			greeter = p
		}
	}
	p, err := e.Contextualize(t.Context(), greeter.Clone(), "https://example.com/maps/paris.qgs")
	require.NoError(t, err)
	require.Equal(t, "paris", p.Inputs[0].Literal.Default)
	require.Equal(t, "World", greeter.Inputs[0].Literal.Default)
}
