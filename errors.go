package dsnode

import (
	"fmt"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorKind classifies the failures of an operation.
type ErrorKind int

const (
	// InvalidReference means a request named a dataset id that is not registered.
	InvalidReference ErrorKind = iota + 1
	// DecodeError means an operation payload could not be decoded.
	DecodeError
	// UpstreamFailure means the dataset failed while executing an operation.
	UpstreamFailure
)

func (k ErrorKind) String() string {
	switch k {
	case InvalidReference:
		return "invalid reference"
	case DecodeError:
		return "decode error"
	case UpstreamFailure:
		return "upstream failure"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// OperationError is the error returned to callers of a failed operation.
// It converts to a gRPC status, so handlers return it as is.
type OperationError struct {
	Kind ErrorKind
	Err  error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

// Cause lets errors.Cause see through OperationError.
func (e *OperationError) Cause() error { return e.Err }

// GRPCStatus maps the error kind to a status code. Upstream failures carry
// the full error detail, including stack traces recorded by errors.Wrap.
func (e *OperationError) GRPCStatus() *status.Status {
	switch e.Kind {
	case InvalidReference:
		return status.New(codes.NotFound, e.Error())
	case DecodeError:
		return status.New(codes.InvalidArgument, e.Error())
	case UpstreamFailure:
		return status.New(codes.Internal, fmt.Sprintf("%s: %+v", e.Kind, e.Err))
	}
	return status.New(codes.Unknown, e.Error())
}

func invalidReference(err error) error {
	return &OperationError{Kind: InvalidReference, Err: err}
}

func decodeError(err error) error {
	return &OperationError{Kind: DecodeError, Err: err}
}

func upstreamFailure(err error) error {
	return &OperationError{Kind: UpstreamFailure, Err: err}
}

// IsKind reports whether err is an OperationError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var opErr *OperationError
	return errors.As(err, &opErr) && opErr.Kind == kind
}
