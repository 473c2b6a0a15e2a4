package dsnode

import (
	"context"

	"github.com/bcongdon/dsnode/dataset"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Map runs a map operation and streams a response for every partial result.
func (s *Server) Map(cmd *Command, out ResponseSender) error {
	return s.execute(methodMap, cmd, out)
}

// FlatMap runs a flat-map operation and streams a response for every partial result.
func (s *Server) FlatMap(cmd *Command, out ResponseSender) error {
	return s.execute(methodFlatMap, cmd, out)
}

// Sketch runs a sketch operation and streams a response for every partial result.
func (s *Server) Sketch(cmd *Command, out ResponseSender) error {
	return s.execute(methodSketch, cmd, out)
}

// Zip runs a zip operation and streams a response for every partial result.
func (s *Server) Zip(cmd *Command, out ResponseSender) error {
	return s.execute(methodZip, cmd, out)
}

// Unsubscribe cancels the operation named by the payload of cmd. Unknown
// operations are ignored. Like the streaming requests it runs on a worker.
func (s *Server) Unsubscribe(ctx context.Context, cmd *Command) (ack *Ack, err error) {
	logger := requestLogger(methodUnsubscribe, cmd)
	s.metrics.requests.WithLabelValues(methodUnsubscribe).Inc()
	defer func() {
		if r := recover(); r != nil {
			ack, err = nil, upstreamFailure(errors.Errorf("panic: %v", r))
		}
		s.observe(logger, err)
	}()

	if err := s.workers.Acquire(ctx, 1); err != nil {
		return nil, status.FromContextError(err).Err()
	}
	defer s.workers.Release(1)

	op, err := s.decode(methodUnsubscribe, cmd.SerializedOp)
	if err != nil {
		return nil, err
	}
	target := op.(UnsubscribeOperation).Target
	if s.subscriptions.Cancel(target) {
		logger.Debugf("Cancelled operation %s", target)
	} else {
		logger.Warnf("No in-flight operation %s to cancel", target)
	}
	return &Ack{}, nil
}

func requestLogger(method string, cmd *Command) *log.Entry {
	return log.WithFields(log.Fields{
		"method":    method,
		"operation": cmd.ID.String(),
		"dataset":   cmd.DatasetIndex,
	})
}

// execute runs one streaming request to completion.
func (s *Server) execute(method string, cmd *Command, out ResponseSender) (err error) {
	logger := requestLogger(method, cmd)
	s.metrics.requests.WithLabelValues(method).Inc()
	defer func() {
		if r := recover(); r != nil {
			err = upstreamFailure(errors.Errorf("panic: %v", r))
		}
		s.observe(logger, err)
	}()

	op, replay, err := s.start(method, cmd, out, logger)
	if err != nil {
		return err
	}
	if replay != nil {
		return out.Send(replay)
	}

	err = op.wait(out.Context())
	s.subscriptions.End(cmd.ID, op)
	logger.Debug("Operation finished")
	return err
}

// observe records the outcome of a request.
func (s *Server) observe(logger *log.Entry, err error) {
	if err == nil {
		return
	}
	code := status.Code(err)
	s.metrics.failures.WithLabelValues(code.String()).Inc()
	switch code {
	case codes.Canceled, codes.DeadlineExceeded:
		logger.Debugf("Operation stopped: %v", err)
	case codes.Internal:
		logger.Errorf("Operation failed: %+v", err)
	default:
		logger.Warnf("Rejected request: %v", err)
	}
}

// start validates a request and either returns the memoized response or
// subscribes to the dataset operation. It holds a worker for its duration.
func (s *Server) start(method string, cmd *Command, out ResponseSender, logger *log.Entry) (*operation, *PartialResponse, error) {
	if err := s.workers.Acquire(out.Context(), 1); err != nil {
		return nil, nil, status.FromContextError(err).Err()
	}
	defer s.workers.Release(1)

	source, err := s.datasets.Get(cmd.DatasetIndex)
	if err != nil {
		return nil, nil, invalidReference(err)
	}

	// The second dataset of a zip is validated before anything else happens
	var decoded Operation
	var other dataset.Dataset
	if method == methodZip {
		if decoded, err = s.decode(method, cmd.SerializedOp); err != nil {
			return nil, nil, err
		}
		if other, err = s.datasets.Get(decoded.(ZipOperation).DatasetIndex); err != nil {
			return nil, nil, invalidReference(err)
		}
	}

	if cached, ok := s.memo.Lookup(cmd.SerializedOp, cmd.DatasetIndex); ok {
		s.metrics.memoHits.Inc()
		logger.Debug("Replaying memoized response")
		return nil, cached, nil
	}
	s.metrics.memoMisses.Inc()

	if decoded == nil {
		if decoded, err = s.decode(method, cmd.SerializedOp); err != nil {
			return nil, nil, err
		}
	}

	op := newOperation(logger, out)
	switch o := decoded.(type) {
	case MapOperation:
		op.sub = source.Map(o.Mapper).Subscribe(s.newDatasetObserver(op, cmd))
	case FlatMapOperation:
		op.sub = source.FlatMap(o.Mapper).Subscribe(s.newDatasetObserver(op, cmd))
	case ZipOperation:
		op.sub = source.Zip(other).Subscribe(s.newDatasetObserver(op, cmd))
	case SketchOperation:
		op.sub = source.Sketch(o.Sketch).Subscribe(s.newSketchObserver(op, cmd, o.Sketch))
	}
	s.subscriptions.Begin(cmd.ID, op)
	// Operations dispatched while shutting down may have been missed by CancelAll
	if s.stopping.Load() {
		op.Cancel()
	}
	logger.Debug("Dispatched operation")
	return op, nil, nil
}

// decode decodes payload and checks that it was sent with the right method.
func (s *Server) decode(method string, payload []byte) (Operation, error) {
	op, err := s.codec.Decode(payload)
	if err != nil {
		return nil, err
	}
	if op.method() != method {
		return nil, decodeError(errors.Errorf("%s operation sent to %s", op.method(), method))
	}
	return op, nil
}
