package dataset

import (
	"context"
	"sync"

	"github.com/bcongdon/dsnode/stream"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// DefaultParallelism is the number of children a Parallel dataset created
// by NewParallel runs operations on at once.
var DefaultParallelism = 8

// Parallel is a dataset made of child datasets that operations run on concurrently.
//
// Progress reported by a child is scaled by the number of children, so the
// progress of all partial results adds up to 1. Map, FlatMap and Zip emit
// progress-only results while the children run, followed by one result
// carrying the new Parallel dataset and the last child's share of progress.
type Parallel struct {
	children    []Dataset
	parallelism int
}

var _ Dataset = &Parallel{}

// NewParallel creates a Parallel dataset over children
func NewParallel(children ...Dataset) *Parallel {
	return &Parallel{
		children:    children,
		parallelism: DefaultParallelism,
	}
}

// Children returns the child datasets of p.
func (p *Parallel) Children() []Dataset {
	return p.children
}

// derive creates a Parallel with the same settings as p over children.
func (p *Parallel) derive(children []Dataset) *Parallel {
	return &Parallel{
		children:    children,
		parallelism: p.parallelism,
	}
}

// limit returns the errgroup limit for p; non-positive parallelism means unbounded.
func (p *Parallel) limit() int {
	if p.parallelism <= 0 {
		return -1
	}
	return p.parallelism
}

func (p *Parallel) Map(m Mapper) stream.Stream[Dataset] {
	return p.transform(func(_ int, child Dataset) stream.Stream[Dataset] {
		return child.Map(m)
	})
}

func (p *Parallel) FlatMap(m FlatMapper) stream.Stream[Dataset] {
	return p.transform(func(_ int, child Dataset) stream.Stream[Dataset] {
		return child.FlatMap(m)
	})
}

// Zip pairs every child of p with the child at the same position in
// other, which must be a Parallel dataset with as many children.
func (p *Parallel) Zip(other Dataset) stream.Stream[Dataset] {
	o, ok := other.(*Parallel)
	if !ok {
		return stream.Fail[Dataset](errors.Errorf("cannot zip a parallel dataset with %T", other))
	}
	if len(o.children) != len(p.children) {
		return stream.Fail[Dataset](errors.Errorf(
			"cannot zip datasets with %d and %d children", len(p.children), len(o.children)))
	}
	return p.transform(func(i int, child Dataset) stream.Stream[Dataset] {
		return child.Zip(o.children[i])
	})
}

// transform runs op on every child and regroups the datasets the children
// produce into a new Parallel dataset.
func (p *Parallel) transform(op func(i int, child Dataset) stream.Stream[Dataset]) stream.Stream[Dataset] {
	return stream.New(func(ctx context.Context, emit func(stream.PartialResult[Dataset]) error) error {
		n := len(p.children)
		if n == 0 {
			return emit(stream.PartialResult[Dataset]{Progress: 1.0, Value: p.derive(nil)})
		}

		// The latest progress update is held back and emitted with the
		// regrouped dataset, so the final result carries a share of progress
		var mu sync.Mutex
		var held float64
		forward := func(progress float64) error {
			mu.Lock()
			defer mu.Unlock()
			if held > 0 {
				if err := emit(stream.PartialResult[Dataset]{Progress: held}); err != nil {
					return err
				}
			}
			held = progress
			return nil
		}

		results := make([]Dataset, n)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.limit())
		for i, child := range p.children {
			i, child := i, child
			g.Go(func() error {
				return stream.Collect(gctx, op(i, child), func(pr stream.PartialResult[Dataset]) error {
					if pr.Value != nil {
						results[i] = pr.Value
					}
					if pr.Progress <= 0 {
						return nil
					}
					return forward(pr.Progress / float64(n))
				})
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		for i, result := range results {
			if result == nil {
				return errors.Errorf("child %d produced no dataset", i)
			}
		}
		return emit(stream.PartialResult[Dataset]{Progress: held, Value: p.derive(results)})
	})
}

func (p *Parallel) Sketch(s Sketch) stream.Stream[interface{}] {
	return stream.New(func(ctx context.Context, emit func(stream.PartialResult[interface{}]) error) error {
		n := len(p.children)
		if n == 0 {
			return emit(stream.PartialResult[interface{}]{Progress: 1.0, Value: s.Zero()})
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.limit())
		for _, child := range p.children {
			child := child
			g.Go(func() error {
				return stream.Collect(gctx, child.Sketch(s), func(pr stream.PartialResult[interface{}]) error {
					return emit(stream.PartialResult[interface{}]{
						Progress: pr.Progress / float64(n),
						Value:    pr.Value,
					})
				})
			})
		}
		return g.Wait()
	})
}
