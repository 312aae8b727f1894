package script_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/3liz/qgswps/internal/model"
	"github.com/3liz/qgswps/internal/processing"
	"github.com/3liz/qgswps/internal/processing/script"
)

const echoYAML = `
identifier: echo
title: Echo
contextualize: true
command: [sh, echo.sh]
env:
  ECHO_PREFIX: "got "
inputs:
  - identifier: text
    title: Text
    kind: literal
    min_occurs: 1
    literal:
      data_type: string
outputs:
  - identifier: out
    title: Out
    kind: literal
    literal:
      data_type: string
`

const echoSh = `#!/bin/sh
if [ "$1" = "--describe" ]; then
  echo '{"identifier":"echo","title":"Echo for '"$3"'","version":"1.0","inputs":[],"outputs":[]}'
  exit 0
fi
input=$(cat)
echo "PROGRESS 50 halfway" >&2
case "$input" in
  *fail*) echo "bad input" >&2; exit 3;;
esac
echo "$input" > request.json
echo '{"out": {"value": "'"$ECHO_PREFIX"'ok"}, "ignored": {"value": 1}}'
`

func setup(t *testing.T) *script.Engine {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "echo.yaml"), []byte(echoYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "echo.sh"), []byte(echoSh), 0o755))
	e, err := script.New(dir)
	require.NoError(t, err)
	return e
}

func TestEngine(t *testing.T) {
	t.Parallel()
	e := setup(t)

	procs, err := e.Enumerate(t.Context())
	require.NoError(t, err)
	require.Len(t, procs, 1)
	require.Equal(t, "echo", procs[0].Identifier)
	require.Equal(t, "1.0", procs[0].Version)
	require.Equal(t, 1, procs[0].Inputs[0].MaxOccurs)

	t.Run("run", func(t *testing.T) {
		alg, err := e.Instance(t.Context(), "echo")
		require.NoError(t, err)
		workdir := t.TempDir()
		var mx sync.Mutex
		var progress []string
		out, err := alg.Run(t.Context(), processing.RunContext{
			JobID:   "job-1",
			Workdir: workdir,
			Inputs:  map[string][]model.InputValue{"text": {{Kind: model.KindLiteral, Value: "hi"}}},
			Feedback: func(pct int, msg string) {
				mx.Lock()
				defer mx.Unlock()
				progress = append(progress, msg)
				require.Equal(t, 50, pct)
			},
		})
		require.NoError(t, err)
		require.Equal(t, map[string]model.OutputValue{"out": {Kind: model.KindLiteral, Value: "got ok"}}, out)
		require.Equal(t, []string{"halfway"}, progress)
		require.FileExists(t, filepath.Join(workdir, "request.json"))
	})

	t.Run("failure", func(t *testing.T) {
		alg, err := e.Instance(t.Context(), "echo")
		require.NoError(t, err)
		_, err = alg.Run(t.Context(), processing.RunContext{
			Workdir: t.TempDir(),
			Inputs:  map[string][]model.InputValue{"text": {{Kind: model.KindLiteral, Value: "fail"}}},
		})
		var exc *model.Exception
		require.ErrorAs(t, err, &exc)
		require.Equal(t, model.CodeProcessException, exc.Code)
		require.Equal(t, "bad input", exc.Message)
	})

	t.Run("contextualize", func(t *testing.T) {
		p, err := e.Contextualize(t.Context(), procs[0], "/maps/a.qgs")
		require.NoError(t, err)
		require.Equal(t, "Echo for /maps/a.qgs", p.Title)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := e.Instance(t.Context(), "nope")
		require.ErrorIs(t, err, &model.Exception{Code: model.CodeUnknownProcess})
	})
}

func TestNew_Invalid(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("title: no identifier\n"), 0o644))
	_, err := script.New(dir)
	require.ErrorIs(t, err, script.ErrInvalidDescriptor)
}
