// Package script exposes external commands described by YAML files as
// processes.
//
// Every *.yaml file of the provider directory describes one process:
//
//	identifier: buffer
//	title: Buffer
//	version: "1.0"
//	command: [python3, buffer.py]
//	contextualize: true
//	inputs: [...]
//	outputs: [...]
//
// The command runs in the job workdir. It reads a JSON request on stdin,
// reports progress on stderr with lines like "PROGRESS 50 halfway" and
// writes a JSON object of outputs on stdout. A non zero exit is a process
// failure, the last stderr line is the message. With contextualize set, the
// command is run with --describe --map <uri> and prints a process
// descriptor.
package script

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/3liz/qgswps/internal/model"
	"github.com/3liz/qgswps/internal/processing"
	"github.com/3liz/qgswps/internal/service"
)

const (
	Name = "script"

	describeTimeout = 30 * time.Second
)

var ErrInvalidDescriptor = errors.New("invalid process descriptor")

type descriptor struct {
	model.Process `yaml:",inline"`
	Command       []string          `yaml:"command"`
	Env           map[string]string `yaml:"env"`
	Contextualize bool              `yaml:"contextualize"`

	dir string
}

// Request is what a command reads on stdin.
type Request struct {
	JobID   string                        `json:"job_id"`
	MapURI  string                        `json:"map_uri,omitempty"`
	Lang    string                        `json:"lang,omitempty"`
	Workdir string                        `json:"workdir"`
	Inputs  map[string][]model.InputValue `json:"inputs"`
}

// Engine serves the processes described in a directory.
type Engine struct {
	dir string

	mx    sync.RWMutex
	order []string
	descs map[string]descriptor
}

// New reads the descriptors of dir.
func New(dir string) (*Engine, error) {
	e := &Engine{dir: dir}
	if err := e.load(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) Name() string { return Name }

func (e *Engine) load() error {
	paths, err := filepath.Glob(filepath.Join(e.dir, "*.yaml"))
	if err != nil {
		return err
	}
	slices.Sort(paths)
	descs := make(map[string]descriptor, len(paths))
	order := make([]string, 0, len(paths))
	for _, path := range paths {
		d, err := readDescriptor(path)
		if err != nil {
			return err
		}
		if _, ok := descs[d.Identifier]; ok {
			return fmt.Errorf("%s: duplicate identifier %s: %w", path, d.Identifier, ErrInvalidDescriptor)
		}
		descs[d.Identifier] = d
		order = append(order, d.Identifier)
	}
	e.mx.Lock()
	e.descs = descs
	e.order = order
	e.mx.Unlock()
	return nil
}

func readDescriptor(path string) (descriptor, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return descriptor{}, fmt.Errorf("reading descriptor: %w", err)
	}
	var d descriptor
	if err := yaml.Unmarshal(b, &d); err != nil {
		return descriptor{}, fmt.Errorf("%s: %w: %w", path, ErrInvalidDescriptor, err)
	}
	if d.Identifier == "" || len(d.Command) == 0 {
		return descriptor{}, fmt.Errorf("%s: identifier and command are required: %w", path, ErrInvalidDescriptor)
	}
	if d.Version == "" {
		d.Version = "1.0"
	}
	if d.Title == "" {
		d.Title = d.Identifier
	}
	for i := range d.Inputs {
		if d.Inputs[i].MaxOccurs == 0 {
			d.Inputs[i].MaxOccurs = 1
		}
	}
	d.dir = filepath.Dir(path)
	return d, nil
}

func (e *Engine) lookup(identifier string) (descriptor, bool) {
	e.mx.RLock()
	defer e.mx.RUnlock()
	d, ok := e.descs[identifier]
	return d, ok
}

func (e *Engine) Enumerate(context.Context) ([]model.Process, error) {
	if err := e.load(); err != nil {
		return nil, err
	}
	e.mx.RLock()
	defer e.mx.RUnlock()
	out := make([]model.Process, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.descs[id].Process.Clone())
	}
	return out, nil
}

func (e *Engine) Contextualize(ctx context.Context, p model.Process, mapURI string) (model.Process, error) {
	d, ok := e.lookup(p.Identifier)
	if !ok {
		return model.Process{}, model.UnknownProcess(p.Identifier)
	}
	if !d.Contextualize {
		return p, nil
	}
	res := service.NewRunner().Run(ctx, d.command("", nil, describeTimeout, "--describe", "--map", mapURI), nil)
	if res.Err != nil {
		return model.Process{}, fmt.Errorf("describing %s: %w", p.Identifier, res.Err)
	}
	var out model.Process
	if err := json.NewDecoder(res.Stdout).Decode(&out); err != nil {
		return model.Process{}, fmt.Errorf("decoding %s description: %w", p.Identifier, err)
	}
	return out, nil
}

func (e *Engine) Instance(_ context.Context, identifier string) (processing.Algorithm, error) {
	d, ok := e.lookup(identifier)
	if !ok {
		return nil, model.UnknownProcess(identifier)
	}
	return d, nil
}

func (d descriptor) command(dir string, stdin []byte, timeout time.Duration, extra ...string) service.Command {
	path := d.Command[0]
	if !filepath.IsAbs(path) && strings.ContainsRune(path, filepath.Separator) {
		path = filepath.Join(d.dir, path)
	}
	args := slices.Clone(d.Command[1:])
	for i, a := range args {
		// arguments naming a file next to the descriptor
		if !filepath.IsAbs(a) && !strings.HasPrefix(a, "-") {
			if _, err := os.Stat(filepath.Join(d.dir, a)); err == nil {
				args[i] = filepath.Join(d.dir, a)
			}
		}
	}
	args = append(args, extra...)
	env := os.Environ()
	for k, v := range d.Env {
		env = append(env, k+"="+v)
	}
	return service.Command{
		Path:    path,
		Args:    args,
		Env:     env,
		Dir:     dir,
		Stdin:   stdin,
		Timeout: timeout,
	}
}

// Run executes the command of the descriptor.
func (d descriptor) Run(ctx context.Context, rc processing.RunContext) (map[string]model.OutputValue, error) {
	stdin, err := json.Marshal(Request{
		JobID:   rc.JobID,
		MapURI:  rc.MapURI,
		Lang:    rc.Lang,
		Workdir: rc.Workdir,
		Inputs:  rc.Inputs,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	var mx sync.Mutex
	var last string
	stderr := func(ctx context.Context, line string) {
		if pct, msg, ok := parseProgress(line); ok {
			rc.Progress(pct, msg)
			return
		}
		mx.Lock()
		last = line
		mx.Unlock()
		slog.InfoContext(ctx, line, "identifier", d.Identifier)
	}

	res := service.NewRunner().Run(ctx, d.command(rc.Workdir, stdin, 0), stderr)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if res.Err != nil {
		mx.Lock()
		msg := last
		mx.Unlock()
		if msg == "" {
			msg = res.Err.Error()
		}
		if res.State == nil {
			return nil, fmt.Errorf("running %s: %w", d.Identifier, res.Err)
		}
		return nil, model.ProcessException("%s", msg)
	}

	out := make(map[string]model.OutputValue)
	if err := json.Unmarshal(bytes.TrimSpace(res.Stdout.Bytes()), &out); err != nil {
		return nil, model.ProcessException("Invalid output from %s: %v", d.Identifier, err)
	}
	for id, v := range out {
		slot, ok := d.Output(id)
		if !ok {
			delete(out, id)
			continue
		}
		if v.Kind == "" {
			v.Kind = slot.Kind
			out[id] = v
		}
	}
	return out, nil
}

func parseProgress(line string) (int, string, bool) {
	rest, ok := strings.CutPrefix(line, "PROGRESS ")
	if !ok {
		return 0, "", false
	}
	pctStr, msg, _ := strings.Cut(rest, " ")
	pct, err := strconv.Atoi(pctStr)
	if err != nil {
		return 0, "", false
	}
	return pct, msg, true
}
