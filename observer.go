package dsnode

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/bcongdon/dsnode/dataset"
	"github.com/bcongdon/dsnode/stream"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// operation is an in-flight streaming request. It finishes exactly once:
// on completion, on upstream failure, or on cancellation. Nothing is sent
// to the caller after it finishes.
type operation struct {
	logger *log.Entry
	sub    stream.Subscription
	out    ResponseSender

	// send is held while a result is handled, so that finishing the
	// operation can wait out a send in progress
	send   sync.Mutex
	closed atomic.Bool

	once sync.Once
	done chan struct{}
	err  error
}

func newOperation(logger *log.Entry, out ResponseSender) *operation {
	return &operation{
		logger: logger,
		out:    out,
		done:   make(chan struct{}),
	}
}

func (op *operation) finish(err error) {
	op.once.Do(func() {
		op.err = err
		op.closed.Store(true)
		close(op.done)
	})
}

// Cancel stops the operation; the caller's stream ends with codes.Canceled.
func (op *operation) Cancel() {
	op.logger.Debug("Cancelling operation")
	op.finish(status.Error(codes.Canceled, "operation cancelled"))
	op.sub.Unsubscribe()
}

// wait blocks until the operation finishes or ctx is done and returns the
// error the caller's stream ends with.
func (op *operation) wait(ctx context.Context) error {
	select {
	case <-op.done:
	case <-ctx.Done():
		op.finish(status.FromContextError(ctx.Err()).Err())
	}
	op.sub.Unsubscribe()

	op.send.Lock()
	defer op.send.Unlock()
	return op.err
}

// sendLocked sends r to the caller. op.send must be held.
func (op *operation) sendLocked(r *Response) (*PartialResponse, error) {
	pr, err := EncodeResponse(r)
	if err != nil {
		return nil, err
	}
	if err := op.out.Send(pr); err != nil {
		return nil, err
	}
	return pr, nil
}

func (op *operation) upstreamFailed(err error) {
	op.finish(upstreamFailure(err))
}

// datasetObserver relays the results of Map, FlatMap and Zip. Every
// dataset it receives is registered and the caller is sent its id.
type datasetObserver struct {
	s       *Server
	op      *operation
	payload []byte
	source  int
	last    *PartialResponse
}

func (s *Server) newDatasetObserver(op *operation, cmd *Command) *datasetObserver {
	return &datasetObserver{
		s:       s,
		op:      op,
		payload: cmd.SerializedOp,
		source:  cmd.DatasetIndex,
	}
}

func (o *datasetObserver) OnNext(pr stream.PartialResult[dataset.Dataset]) {
	o.op.send.Lock()
	defer o.op.send.Unlock()
	if o.op.closed.Load() {
		return
	}

	r := &Response{Progress: pr.Progress}
	if pr.Value != nil {
		r.DatasetID = o.s.datasets.Register(pr.Value)
	}
	sent, err := o.op.sendLocked(r)
	if err != nil {
		o.op.finish(err)
		return
	}
	o.last = sent
}

func (o *datasetObserver) OnError(err error) {
	o.op.upstreamFailed(err)
}

func (o *datasetObserver) OnCompleted() {
	o.op.send.Lock()
	defer o.op.send.Unlock()
	if o.op.closed.Load() {
		return
	}
	if o.last != nil {
		o.s.memo.Store(o.payload, o.source, o.last)
	}
	o.op.finish(nil)
}

// sketchObserver forwards every partial sketch value to the caller and
// folds them into an accumulator, which is memoized on completion.
type sketchObserver struct {
	s       *Server
	op      *operation
	payload []byte
	source  int
	sketch  dataset.Sketch
	acc     interface{}
}

func (s *Server) newSketchObserver(op *operation, cmd *Command, sketch dataset.Sketch) *sketchObserver {
	return &sketchObserver{
		s:       s,
		op:      op,
		payload: cmd.SerializedOp,
		source:  cmd.DatasetIndex,
		sketch:  sketch,
		acc:     sketch.Zero(),
	}
}

func (o *sketchObserver) OnNext(pr stream.PartialResult[interface{}]) {
	o.op.send.Lock()
	defer o.op.send.Unlock()
	if o.op.closed.Load() {
		return
	}

	value, err := json.Marshal(pr.Value)
	if err != nil {
		o.op.upstreamFailed(errors.Wrap(err, "encoding sketch value"))
		return
	}
	o.acc = o.sketch.Add(o.acc, pr.Value)
	if _, err := o.op.sendLocked(&Response{Progress: pr.Progress, Value: value}); err != nil {
		o.op.finish(err)
	}
}

func (o *sketchObserver) OnError(err error) {
	o.op.upstreamFailed(err)
}

func (o *sketchObserver) OnCompleted() {
	o.op.send.Lock()
	defer o.op.send.Unlock()
	if o.op.closed.Load() {
		return
	}

	value, err := json.Marshal(o.acc)
	if err != nil {
		o.op.upstreamFailed(errors.Wrap(err, "encoding sketch value"))
		return
	}
	final, err := EncodeResponse(&Response{Progress: 1.0, Value: value})
	if err != nil {
		o.op.upstreamFailed(err)
		return
	}
	o.s.memo.Store(o.payload, o.source, final)
	o.op.finish(nil)
}
