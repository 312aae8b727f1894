// Package builtin provides a few algorithms compiled into the server. They
// exercise every slot kind and are used by the demo configuration and the
// tests.
package builtin

import (
	"context"
	"fmt"
	"math"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/3liz/qgswps/internal/model"
	"github.com/3liz/qgswps/internal/processing"
)

const Name = "builtin"

type algorithm struct {
	desc model.Process
	run  processing.AlgorithmFunc
	// contextualize adjusts a copy of desc for a map project, optional.
	contextualize func(p model.Process, mapURI string) model.Process
}

// Engine serves the built-in algorithms.
type Engine struct {
	order []string
	algs  map[string]algorithm
}

func New() *Engine {
	e := &Engine{algs: make(map[string]algorithm)}
	for _, a := range []algorithm{
		ultimateQuestion(),
		greeter(),
		sleeper(),
		failer(),
		mult(),
		bboxEcho(),
		writeFile(),
	} {
		e.order = append(e.order, a.desc.Identifier)
		e.algs[a.desc.Identifier] = a
	}
	return e
}

func (e *Engine) Name() string { return Name }

func (e *Engine) Enumerate(context.Context) ([]model.Process, error) {
	out := make([]model.Process, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.algs[id].desc.Clone())
	}
	return out, nil
}

func (e *Engine) Contextualize(_ context.Context, p model.Process, mapURI string) (model.Process, error) {
	a, ok := e.algs[p.Identifier]
	if !ok {
		return model.Process{}, model.UnknownProcess(p.Identifier)
	}
	if a.contextualize == nil {
		return p, nil
	}
	return a.contextualize(p, mapURI), nil
}

func (e *Engine) Instance(_ context.Context, identifier string) (processing.Algorithm, error) {
	a, ok := e.algs[identifier]
	if !ok {
		return nil, model.UnknownProcess(identifier)
	}
	return a.run, nil
}

func literalIn(id, title string, dt model.DataType, def string, minOccurs int) model.InputSlot {
	return model.InputSlot{
		Identifier: id,
		Title:      title,
		Kind:       model.KindLiteral,
		MinOccurs:  minOccurs,
		MaxOccurs:  1,
		Literal:    &model.LiteralData{DataType: dt, Default: def},
	}
}

func literalOut(id, title string, dt model.DataType) model.OutputSlot {
	return model.OutputSlot{
		Identifier: id,
		Title:      title,
		Kind:       model.KindLiteral,
		Literal:    &model.LiteralData{DataType: dt},
	}
}

func ultimateQuestion() algorithm {
	return algorithm{
		desc: model.Process{
			Identifier: "ultimate_question",
			Title:      "Answer to the ultimate question",
			Abstract:   "The process gives the answer to the ultimate question of life, the universe, and everything.",
			Version:    "1.0",
			Outputs:    []model.OutputSlot{literalOut("outvalue", "Output Value", model.TypeInteger)},
		},
		run: func(context.Context, processing.RunContext) (map[string]model.OutputValue, error) {
			return map[string]model.OutputValue{"outvalue": model.Literal(42)}, nil
		},
	}
}

func greeter() algorithm {
	return algorithm{
		desc: model.Process{
			Identifier: "greeter",
			Title:      "Greeter",
			Abstract:   "Says hello.",
			Version:    "1.0",
			Inputs:     []model.InputSlot{literalIn("name", "Input name", model.TypeString, "World", 0)},
			Outputs:    []model.OutputSlot{literalOut("message", "Output message", model.TypeString)},
		},
		run: func(_ context.Context, rc processing.RunContext) (map[string]model.OutputValue, error) {
			name := rc.Literal("name", "World")
			return map[string]model.OutputValue{"message": model.Literal(fmt.Sprintf("Hello %s!", name))}, nil
		},
		contextualize: func(p model.Process, mapURI string) model.Process {
			base := path.Base(mapURI)
			base = strings.TrimSuffix(base, path.Ext(base))
			if base != "" && base != "." && base != "/" {
				p.Inputs[0].Literal.Default = base
			}
			return p
		},
	}
}

func sleeper() algorithm {
	zero, limit := 0.0, 3600.0
	delay := literalIn("delay", "Delay in seconds", model.TypeFloat, "1", 0)
	delay.Literal.AllowedValues = &model.AllowedValues{
		Ranges: []model.Range{{Min: &zero, Max: &limit, Closure: model.ClosureClosed}},
	}
	return algorithm{
		desc: model.Process{
			Identifier: "sleep",
			Title:      "Sleep",
			Abstract:   "Sleeps and reports progress.",
			Version:    "1.0",
			Inputs:     []model.InputSlot{delay},
			Outputs:    []model.OutputSlot{literalOut("duration", "Slept duration", model.TypeFloat)},
		},
		run: func(ctx context.Context, rc processing.RunContext) (map[string]model.OutputValue, error) {
			secs, err := strconv.ParseFloat(rc.Literal("delay", "1"), 64)
			if err != nil {
				return nil, model.InvalidParameterValue("delay", "Invalid delay")
			}
			total := time.Duration(secs * float64(time.Second))
			step := total / 10
			start := time.Now()
			for i := range 10 {
				rc.Progress(i*10, fmt.Sprintf("Sleeping %d/10", i+1))
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(step):
				}
			}
			return map[string]model.OutputValue{"duration": model.Literal(time.Since(start).Seconds())}, nil
		},
	}
}

func failer() algorithm {
	return algorithm{
		desc: model.Process{
			Identifier: "fail",
			Title:      "Fail",
			Abstract:   "Always fails.",
			Version:    "1.0",
			Outputs:    []model.OutputSlot{literalOut("output", "Never produced", model.TypeString)},
		},
		run: func(context.Context, processing.RunContext) (map[string]model.OutputValue, error) {
			return nil, model.ProcessException("I failed")
		},
	}
}

func mult() algorithm {
	low, high := 0.0, 100.0
	value := literalIn("value", "Value", model.TypeFloat, "", 1)
	value.Literal.AllowedValues = &model.AllowedValues{
		Ranges: []model.Range{{Min: &low, Max: &high, Closure: model.ClosureClosedOpen}},
	}
	value.Literal.UOMs = []string{"metre", "foot"}
	factor := literalIn("factor", "Factor", model.TypeInteger, "2", 0)
	factor.Literal.AllowedValues = &model.AllowedValues{Values: []string{"1", "2", "3", "5", "10"}}
	return algorithm{
		desc: model.Process{
			Identifier: "mult",
			Title:      "Multiply",
			Abstract:   "Multiplies a value in [0, 100) by an enumerated factor.",
			Version:    "1.0",
			Inputs:     []model.InputSlot{value, factor},
			Outputs:    []model.OutputSlot{literalOut("result", "Product", model.TypeFloat)},
		},
		run: func(_ context.Context, rc processing.RunContext) (map[string]model.OutputValue, error) {
			v, err := strconv.ParseFloat(rc.Literal("value", ""), 64)
			if err != nil {
				return nil, model.InvalidParameterValue("value", "Invalid value")
			}
			f, err := strconv.Atoi(rc.Literal("factor", "2"))
			if err != nil {
				return nil, model.InvalidParameterValue("factor", "Invalid factor")
			}
			out := model.Literal(math.Round(v*float64(f)*1e9) / 1e9)
			if vals := rc.Inputs["value"]; len(vals) > 0 {
				out.UOM = vals[0].UOM
			}
			return map[string]model.OutputValue{"result": out}, nil
		},
	}
}

func bboxEcho() algorithm {
	crs := []string{"EPSG:4326", "EPSG:3857"}
	return algorithm{
		desc: model.Process{
			Identifier: "bbox_echo",
			Title:      "Bounding box echo",
			Abstract:   "Returns its input bounding box.",
			Version:    "1.0",
			Inputs: []model.InputSlot{{
				Identifier: "bbox",
				Title:      "Bounding box",
				Kind:       model.KindBoundingBox,
				MinOccurs:  1,
				MaxOccurs:  1,
				BBox:       &model.BoundingBoxData{CRSs: crs, Dimensions: 2},
			}},
			Outputs: []model.OutputSlot{{
				Identifier: "bbox",
				Title:      "Bounding box",
				Kind:       model.KindBoundingBox,
				BBox:       &model.BoundingBoxData{CRSs: crs, Dimensions: 2},
			}},
		},
		run: func(_ context.Context, rc processing.RunContext) (map[string]model.OutputValue, error) {
			vals := rc.Inputs["bbox"]
			if len(vals) == 0 || vals[0].BBox == nil {
				return nil, model.MissingParameterValue("bbox", "Missing bounding box")
			}
			return map[string]model.OutputValue{"bbox": {Kind: model.KindBoundingBox, BBox: vals[0].BBox}}, nil
		},
	}
}

func writeFile() algorithm {
	formats := []model.Format{{MimeType: "text/plain"}, {MimeType: "application/json"}}
	return algorithm{
		desc: model.Process{
			Identifier: "write_file",
			Title:      "Write file",
			Abstract:   "Writes its input to a file of the job directory.",
			Version:    "1.0",
			Inputs: []model.InputSlot{
				literalIn("content", "Text content", model.TypeString, "", 0),
				{
					Identifier: "data",
					Title:      "Data",
					Kind:       model.KindComplex,
					MinOccurs:  0,
					MaxOccurs:  1,
					Complex:    &model.ComplexData{Formats: formats, MaxSize: 1 << 20},
				},
				literalIn("filename", "File name", model.TypeString, "output.txt", 0),
			},
			Outputs: []model.OutputSlot{{
				Identifier: "output",
				Title:      "Written file",
				Kind:       model.KindComplex,
				Complex:    &model.ComplexData{Formats: formats},
			}},
		},
		run: func(_ context.Context, rc processing.RunContext) (map[string]model.OutputValue, error) {
			name := filepath.Base(filepath.Clean("/" + rc.Literal("filename", "output.txt")))
			if name == "/" || name == "." {
				return nil, model.InvalidParameterValue("filename", "Invalid file name")
			}
			content := []byte(rc.Literal("content", ""))
			mime := "text/plain"
			if vals := rc.Inputs["data"]; len(vals) > 0 {
				content = vals[0].Data
				if vals[0].Format.MimeType != "" {
					mime = vals[0].Format.MimeType
				}
			}
			root, err := os.OpenRoot(rc.Workdir)
			if err != nil {
				return nil, fmt.Errorf("opening workdir: %w", err)
			}
			defer root.Close()
			f, err := root.Create(name)
			if err != nil {
				return nil, fmt.Errorf("creating %s: %w", name, err)
			}
			if _, err := f.Write(content); err != nil {
				_ = f.Close()
				return nil, fmt.Errorf("writing %s: %w", name, err)
			}
			if err := f.Close(); err != nil {
				return nil, err
			}
			rc.Progress(100, "File written")
			return map[string]model.OutputValue{"output": model.FileOutput(name, mime)}, nil
		},
	}
}
