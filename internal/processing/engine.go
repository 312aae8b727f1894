// Package processing exposes algorithms from engines as a catalogue of
// process descriptors.
//
// An Engine enumerates its algorithms and creates runnable instances of
// them. Enumeration and contextualization may have side effects on the
// engine state, the Catalogue runs them in a short lived child process
// (the hidden _catalog command) when isolation is enabled, and falls back
// to direct calls when the child cannot run.
package processing

import (
	"context"

	"github.com/3liz/qgswps/internal/model"
)

// Feedback reports progress of a running algorithm.
type Feedback func(percent int, message string)

// RunContext is the per job state handed to an algorithm. It is built
// fresh for each execution, descriptors are never mutated.
type RunContext struct {
	JobID   string
	Workdir string
	MapURI  string
	Lang    string
	// Inputs holds the bound values, absent optional inputs are missing.
	Inputs   map[string][]model.InputValue
	Feedback Feedback
}

// Progress calls Feedback when set.
func (rc RunContext) Progress(percent int, message string) {
	if rc.Feedback != nil {
		rc.Feedback(percent, message)
	}
}

// Literal returns the first literal value of input id, or def.
func (rc RunContext) Literal(id, def string) string {
	if vals := rc.Inputs[id]; len(vals) > 0 {
		return vals[0].Value
	}
	return def
}

// Algorithm is a runnable instance of a process.
type Algorithm interface {
	Run(ctx context.Context, rc RunContext) (map[string]model.OutputValue, error)
}

// AlgorithmFunc adapts a function to Algorithm.
type AlgorithmFunc func(ctx context.Context, rc RunContext) (map[string]model.OutputValue, error)

func (f AlgorithmFunc) Run(ctx context.Context, rc RunContext) (map[string]model.OutputValue, error) {
	return f(ctx, rc)
}

// Engine is a provider of algorithms.
type Engine interface {
	Name() string
	Enumerate(ctx context.Context) ([]model.Process, error)
	// Contextualize derives a descriptor for the map project at mapURI.
	Contextualize(ctx context.Context, p model.Process, mapURI string) (model.Process, error)
	// Instance creates a runnable algorithm for identifier.
	Instance(ctx context.Context, identifier string) (Algorithm, error)
}
