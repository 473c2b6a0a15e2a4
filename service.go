package dsnode

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

const serviceName = "dsnode.DatasetService"

// Names of the RPC methods of the dataset service.
const (
	methodMap         = "Map"
	methodFlatMap     = "FlatMap"
	methodSketch      = "Sketch"
	methodZip         = "Zip"
	methodUnsubscribe = "Unsubscribe"
)

// Command asks a node to run an operation.
// ID identifies the operation for later cancellation; DatasetIndex is the
// id of the dataset the operation runs against.
type Command struct {
	ID           uuid.UUID `json:"id"`
	DatasetIndex int       `json:"datasetIndex"`
	SerializedOp []byte    `json:"serializedOp"`
}

// NewCommand creates a Command with a fresh operation id.
func NewCommand(datasetIndex int, payload []byte) *Command {
	return &Command{
		ID:           uuid.New(),
		DatasetIndex: datasetIndex,
		SerializedOp: payload,
	}
}

// PartialResponse carries one encoded Response.
type PartialResponse struct {
	SerializedOp []byte `json:"serializedOp"`
}

// Ack acknowledges an Unsubscribe request.
type Ack struct{}

// ResponseSender is the server side of a streaming call.
type ResponseSender interface {
	Send(*PartialResponse) error
	Context() context.Context
}

// codecName is the gRPC content-subtype the service messages are sent with.
const codecName = "json"

// jsonCodec encodes the service messages as JSON.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type datasetServiceServer interface {
	Map(*Command, ResponseSender) error
	FlatMap(*Command, ResponseSender) error
	Sketch(*Command, ResponseSender) error
	Zip(*Command, ResponseSender) error
	Unsubscribe(context.Context, *Command) (*Ack, error)
}

type responseSender struct {
	grpc.ServerStream
}

func (s *responseSender) Send(m *PartialResponse) error {
	return s.ServerStream.SendMsg(m)
}

func streamHandler(call func(datasetServiceServer, *Command, ResponseSender) error) grpc.StreamHandler {
	return func(srv interface{}, stream grpc.ServerStream) error {
		cmd := new(Command)
		if err := stream.RecvMsg(cmd); err != nil {
			return err
		}
		return call(srv.(datasetServiceServer), cmd, &responseSender{stream})
	}
}

func unsubscribeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Command)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(datasetServiceServer).Unsubscribe(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: fullMethod(methodUnsubscribe),
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(datasetServiceServer).Unsubscribe(ctx, req.(*Command))
	}
	return interceptor(ctx, in, info, handler)
}

func fullMethod(method string) string {
	return "/" + serviceName + "/" + method
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*datasetServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodUnsubscribe, Handler: unsubscribeHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: methodMap, Handler: streamHandler(datasetServiceServer.Map), ServerStreams: true},
		{StreamName: methodFlatMap, Handler: streamHandler(datasetServiceServer.FlatMap), ServerStreams: true},
		{StreamName: methodSketch, Handler: streamHandler(datasetServiceServer.Sketch), ServerStreams: true},
		{StreamName: methodZip, Handler: streamHandler(datasetServiceServer.Zip), ServerStreams: true},
	},
	Metadata: "dsnode",
}
