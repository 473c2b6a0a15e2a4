// Package stream provides push-based, cancellable streams of partial
// results. A producer emits results into an Observer; the consumer holds
// a Subscription that stops delivery when unsubscribed.
package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// PartialResult is one unit of streamed output. Progress is the fraction
// of the total work this result accounts for.
type PartialResult[T any] struct {
	Progress float64
	Value    T
}

// Observer receives the events of a Stream. Calls to one Observer are
// never concurrent. After OnError or OnCompleted no further calls are made.
type Observer[T any] interface {
	OnNext(PartialResult[T])
	OnError(error)
	OnCompleted()
}

// Subscription is the cancellation handle of a subscribed Stream.
// Unsubscribe is idempotent and may be called from any goroutine.
type Subscription interface {
	Unsubscribe()
}

// Stream is a source of partial results that starts producing when subscribed.
type Stream[T any] interface {
	Subscribe(o Observer[T]) Subscription
}

// Producer computes the results of a stream. It passes each result to
// emit, in order, and returns when done. emit returns an error once the
// subscription is cancelled; producers should stop at that point.
type Producer[T any] func(ctx context.Context, emit func(PartialResult[T]) error) error

// New returns a Stream that runs produce in its own goroutine for every subscription.
func New[T any](produce Producer[T]) Stream[T] {
	return producerStream[T]{produce: produce}
}

type producerStream[T any] struct {
	produce Producer[T]
}

func (s producerStream[T]) Subscribe(o Observer[T]) Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription[T]{
		observer: o,
		cancel:   cancel,
	}
	go sub.run(ctx, s.produce)
	return sub
}

// subscription delivers a producer's events to one observer.
type subscription[T any] struct {
	observer Observer[T]
	cancel   context.CancelFunc
	deliver  sync.Mutex  // serializes observer calls
	closed   atomic.Bool // set once unsubscribed or terminated
}

func (s *subscription[T]) Unsubscribe() {
	s.closed.Store(true)
	s.cancel()
}

func (s *subscription[T]) run(ctx context.Context, produce Producer[T]) {
	defer s.cancel()
	defer func() {
		if r := recover(); r != nil {
			s.terminate(errors.Errorf("stream producer panicked: %v", r))
		}
	}()

	err := produce(ctx, s.emit)
	s.terminate(err)
}

func (s *subscription[T]) emit(pr PartialResult[T]) (err error) {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	if s.closed.Load() {
		return context.Canceled
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("stream observer panicked: %v", r)
		}
	}()
	s.observer.OnNext(pr)
	return nil
}

func (s *subscription[T]) terminate(err error) {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	if s.closed.Swap(true) {
		return
	}
	if err != nil {
		s.observer.OnError(err)
		return
	}
	s.observer.OnCompleted()
}

// Funcs adapts plain functions to an Observer. Nil functions are skipped.
type Funcs[T any] struct {
	Next      func(PartialResult[T])
	Error     func(error)
	Completed func()
}

func (f Funcs[T]) OnNext(pr PartialResult[T]) {
	if f.Next != nil {
		f.Next(pr)
	}
}

func (f Funcs[T]) OnError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}

func (f Funcs[T]) OnCompleted() {
	if f.Completed != nil {
		f.Completed()
	}
}

// Just returns a Stream that emits results and completes.
func Just[T any](results ...PartialResult[T]) Stream[T] {
	return New(func(ctx context.Context, emit func(PartialResult[T]) error) error {
		for _, pr := range results {
			if err := emit(pr); err != nil {
				return err
			}
		}
		return nil
	})
}

// Fail returns a Stream that fails with err without emitting anything.
func Fail[T any](err error) Stream[T] {
	return New(func(context.Context, func(PartialResult[T]) error) error {
		return err
	})
}

// Collect subscribes to s and blocks until it terminates, calling fn for
// every result in order. If fn returns an error or ctx is done, the
// subscription is cancelled and that error is returned.
func Collect[T any](ctx context.Context, s Stream[T], fn func(PartialResult[T]) error) error {
	done := make(chan error, 1)
	var failed atomic.Bool
	finish := func(err error) {
		if !failed.Swap(true) {
			done <- err
		}
	}

	sub := s.Subscribe(Funcs[T]{
		Next: func(pr PartialResult[T]) {
			if failed.Load() {
				return
			}
			if err := fn(pr); err != nil {
				finish(err)
			}
		},
		Error:     finish,
		Completed: func() { finish(nil) },
	})
	defer sub.Unsubscribe()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
