package processing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/3liz/qgswps/internal/model"
	"github.com/3liz/qgswps/internal/parallel"
	"github.com/3liz/qgswps/internal/service"
)

const childTimeout = 2 * time.Minute

type Options struct {
	// Isolate runs enumeration and contextualization in Child.
	Isolate bool
	// Child is the catalogue command, typically the running binary with
	// the hidden _catalog command and the --config flag.
	Child service.Command
}

// Catalogue is the list of processes exposed by the engines.
type Catalogue struct {
	engines map[string]Engine
	order   []Engine
	opts    Options
	sf      singleflight.Group

	mx        sync.RWMutex
	processes []model.Process
	index     map[string]int
}

func NewCatalogue(engines []Engine, opts Options) *Catalogue {
	c := &Catalogue{
		engines: make(map[string]Engine, len(engines)),
		order:   engines,
		opts:    opts,
		index:   make(map[string]int),
	}
	for _, e := range engines {
		c.engines[e.Name()] = e
	}
	return c
}

// Load enumerates the engines, replacing the current list.
func (c *Catalogue) Load(ctx context.Context) error {
	var procs []model.Process
	if c.isolated() {
		var err error
		procs, err = c.enumerateChild(ctx)
		if err != nil {
			slog.WarnContext(ctx, "isolated catalogue failed: loading in process", "error", err)
			procs = nil
		}
	}
	if procs == nil {
		var err error
		procs, err = Enumerate(ctx, c.order)
		if err != nil {
			return err
		}
	}

	index := make(map[string]int, len(procs))
	kept := procs[:0]
	for _, p := range procs {
		if _, ok := c.engines[p.Provider]; !ok {
			slog.WarnContext(ctx, "process without engine", "identifier", p.Identifier, "provider", p.Provider)
			continue
		}
		index[p.Identifier] = len(kept)
		kept = append(kept, p)
	}

	c.mx.Lock()
	c.processes = kept
	c.index = index
	c.mx.Unlock()
	slog.InfoContext(ctx, "catalogue loaded", "processes", len(kept))
	return nil
}

func (c *Catalogue) isolated() bool {
	return c.opts.Isolate && c.opts.Child.Path != ""
}

// Processes returns the descriptors in enumeration order.
func (c *Catalogue) Processes() []model.Process {
	c.mx.RLock()
	defer c.mx.RUnlock()
	return slices.Clone(c.processes)
}

// Lookup returns the descriptor of identifier.
func (c *Catalogue) Lookup(identifier string) (model.Process, bool) {
	c.mx.RLock()
	defer c.mx.RUnlock()
	i, ok := c.index[identifier]
	if !ok {
		return model.Process{}, false
	}
	return c.processes[i], true
}

// Contextualize returns the descriptor of identifier derived for mapURI.
// Concurrent calls for the same pair share one computation.
func (c *Catalogue) Contextualize(ctx context.Context, identifier, mapURI string) (model.Process, error) {
	p, ok := c.Lookup(identifier)
	if !ok {
		return model.Process{}, model.UnknownProcess(identifier)
	}
	if mapURI == "" {
		return p, nil
	}
	v, err, _ := c.sf.Do(identifier+"\x00"+mapURI, func() (any, error) {
		if c.isolated() {
			var out model.Process
			err := c.runChild(ctx, &out, "--identifier", identifier, "--map", mapURI)
			if err == nil {
				return out, nil
			}
			slog.WarnContext(ctx, "isolated contextualization failed: running in process", "identifier", identifier, "error", err)
		}
		return contextualize(ctx, c.engines[p.Provider], p, mapURI)
	})
	if err != nil {
		return model.Process{}, err
	}
	return v.(model.Process), nil
}

// Instance creates a runnable algorithm for identifier.
func (c *Catalogue) Instance(ctx context.Context, identifier string) (Algorithm, model.Process, error) {
	p, ok := c.Lookup(identifier)
	if !ok {
		return nil, model.Process{}, model.UnknownProcess(identifier)
	}
	alg, err := c.engines[p.Provider].Instance(ctx, identifier)
	if err != nil {
		return nil, model.Process{}, fmt.Errorf("creating %s instance: %w", identifier, err)
	}
	return alg, p, nil
}

func (c *Catalogue) enumerateChild(ctx context.Context) ([]model.Process, error) {
	var procs []model.Process
	if err := c.runChild(ctx, &procs); err != nil {
		return nil, err
	}
	return procs, nil
}

func (c *Catalogue) runChild(ctx context.Context, dst any, args ...string) error {
	cmd := c.opts.Child
	cmd.Args = slices.Concat(cmd.Args, args)
	if cmd.Timeout == 0 {
		cmd.Timeout = childTimeout
	}
	stderr := func(ctx context.Context, line string) {
		slog.DebugContext(ctx, "catalogue child", "line", line)
	}
	res := service.NewRunner().Run(ctx, cmd, stderr)
	if res.Err != nil {
		return fmt.Errorf("running catalogue child: %w", res.Err)
	}
	if err := json.NewDecoder(res.Stdout).Decode(dst); err != nil {
		return fmt.Errorf("decoding catalogue child output: %w", err)
	}
	return nil
}

// Enumerate lists the processes of every engine, in engine order. The
// first engine wins on duplicate identifiers.
func Enumerate(ctx context.Context, engines []Engine) ([]model.Process, error) {
	lists, err := parallel.Slice(ctx, len(engines), engines, func(ctx context.Context, e Engine) ([]model.Process, error) {
		procs, err := e.Enumerate(ctx)
		if err != nil {
			return nil, fmt.Errorf("enumerating %s: %w", e.Name(), err)
		}
		for i := range procs {
			procs[i].Provider = e.Name()
		}
		return procs, nil
	})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var out []model.Process
	for _, procs := range lists {
		for _, p := range procs {
			if _, ok := seen[p.Identifier]; ok {
				slog.WarnContext(ctx, "duplicate process identifier", "identifier", p.Identifier, "provider", p.Provider)
				continue
			}
			seen[p.Identifier] = struct{}{}
			out = append(out, p)
		}
	}
	return out, nil
}

func contextualize(ctx context.Context, e Engine, p model.Process, mapURI string) (model.Process, error) {
	out, err := e.Contextualize(ctx, p.Clone(), mapURI)
	if err != nil {
		return model.Process{}, fmt.Errorf("contextualizing %s: %w", p.Identifier, err)
	}
	out.Identifier = p.Identifier
	out.Provider = p.Provider
	out.MapURI = mapURI
	return out, nil
}

// Dump writes the catalogue as JSON on w, or the single process identifier
// contextualized for mapURI. It implements the catalogue child.
func Dump(ctx context.Context, engines []Engine, w io.Writer, identifier, mapURI string) error {
	procs, err := Enumerate(ctx, engines)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	if identifier == "" {
		return enc.Encode(procs)
	}
	i := slices.IndexFunc(procs, func(p model.Process) bool { return p.Identifier == identifier })
	if i < 0 {
		return model.UnknownProcess(identifier)
	}
	p := procs[i]
	for _, e := range engines {
		if e.Name() != p.Provider {
			continue
		}
		out, err := contextualize(ctx, e, p, mapURI)
		if err != nil {
			return err
		}
		return enc.Encode(out)
	}
	return fmt.Errorf("no engine %s", p.Provider)
}
