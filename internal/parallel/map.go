package parallel

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

type result[D any] struct {
	i int
	d D
	e error
}

// Map runs mapFunc over its input with at most limit calls in flight.
// Results come out in completion order, Slice keeps input order.
// Map is context aware, a canceled context ends the processing.
//
//	for idx, res := range pmap.Iter(ctx, input) {}
type Map[E, D any] struct {
	limit   int
	mapFunc func(context.Context, E) (D, error)
}

func NewMap[E, D any](limit int, mapFunc func(context.Context, E) (D, error)) *Map[E, D] {
	return &Map[E, D]{limit: max(limit, 1), mapFunc: mapFunc}
}

// Result is one mapped element and the index of its input.
type Result[D any] struct {
	Index int
	Value D
	Err   error
}

// Iter yields results as the calls complete.
func (m *Map[E, D]) Iter(ctx context.Context, seq iter.Seq[E]) iter.Seq[Result[D]] {
	return func(yield func(Result[D]) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(m.limit + 1)
		mapped := make(chan result[D], m.limit)

		g.Go(func() error {
			i := 0
			for entry := range seq {
				idx := i
				i++
				if gctx.Err() != nil {
					return gctx.Err()
				}
				g.Go(func() error {
					d, err := m.mapFunc(gctx, entry)
					select {
					case <-gctx.Done():
						return gctx.Err()
					case mapped <- result[D]{i: idx, d: d, e: err}:
					}
					return nil
				})
			}
			return nil
		})
		go func() {
			_ = g.Wait()
			close(mapped)
		}()

		for r := range mapped {
			if ctx.Err() != nil {
				return
			}
			if !yield(Result[D]{Index: r.i, Value: r.d, Err: r.e}) {
				return
			}
		}
	}
}

// Slice maps items and returns the results in input order. The first error
// cancels the remaining calls and is returned.
func Slice[E, D any](ctx context.Context, limit int, items []E, mapFunc func(context.Context, E) (D, error)) ([]D, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	out := make([]D, len(items))
	m := NewMap(limit, mapFunc)
	for r := range m.Iter(ctx, func(yield func(E) bool) {
		for _, it := range items {
			if !yield(it) {
				return
			}
		}
	}) {
		if r.Err != nil {
			return nil, r.Err
		}
		out[r.Index] = r.Value
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
