package dataset

import (
	"context"

	"github.com/bcongdon/dsnode/stream"
	"github.com/pkg/errors"
)

// Local is a dataset made of a single in-memory partition.
// Every operation emits exactly one partial result covering all the work.
type Local struct {
	data interface{}
}

var _ Dataset = &Local{}

// NewLocal wraps data in a Local dataset
func NewLocal(data interface{}) *Local {
	return &Local{data: data}
}

// Data returns the partition held by l.
func (l *Local) Data() interface{} {
	return l.data
}

func (l *Local) Map(m Mapper) stream.Stream[Dataset] {
	return stream.New(func(ctx context.Context, emit func(stream.PartialResult[Dataset]) error) error {
		out, err := m.Apply(l.data)
		if err != nil {
			return errors.Wrap(err, "map")
		}
		return emit(stream.PartialResult[Dataset]{Progress: 1.0, Value: NewLocal(out)})
	})
}

func (l *Local) FlatMap(m FlatMapper) stream.Stream[Dataset] {
	return stream.New(func(ctx context.Context, emit func(stream.PartialResult[Dataset]) error) error {
		outs, err := m.Apply(l.data)
		if err != nil {
			return errors.Wrap(err, "flatMap")
		}
		children := make([]Dataset, len(outs))
		for i, out := range outs {
			children[i] = NewLocal(out)
		}
		return emit(stream.PartialResult[Dataset]{Progress: 1.0, Value: NewParallel(children...)})
	})
}

func (l *Local) Sketch(s Sketch) stream.Stream[interface{}] {
	return stream.New(func(ctx context.Context, emit func(stream.PartialResult[interface{}]) error) error {
		value, err := s.Create(l.data)
		if err != nil {
			return errors.Wrap(err, "sketch")
		}
		return emit(stream.PartialResult[interface{}]{Progress: 1.0, Value: value})
	})
}

// Zip pairs the partition of l with the partition of other, which must
// also be a Local dataset.
func (l *Local) Zip(other Dataset) stream.Stream[Dataset] {
	o, ok := other.(*Local)
	if !ok {
		return stream.Fail[Dataset](errors.Errorf("cannot zip a local dataset with %T", other))
	}
	return stream.Just(stream.PartialResult[Dataset]{
		Progress: 1.0,
		Value:    NewLocal(Pair{First: l.data, Second: o.data}),
	})
}
