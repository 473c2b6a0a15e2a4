package dsnode

import (
	"context"
	"io"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client calls the dataset service of a node.
type Client struct {
	conn *grpc.ClientConn
	own  bool
}

// Dial connects to the node listening on target. The connection is not
// encrypted; opts are appended to the defaults.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(DefaultMaxMessageSize)),
	}, opts...)
	conn, err := grpc.Dial(target, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing %s", target)
	}
	return &Client{conn: conn, own: true}, nil
}

// NewClient creates a Client using conn. Closing the client leaves conn open.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the connection created by Dial.
func (c *Client) Close() error {
	if !c.own {
		return nil
	}
	return c.conn.Close()
}

// ResponseStream reads the responses of a streaming operation.
type ResponseStream struct {
	stream grpc.ClientStream
}

// Recv returns the next response, or io.EOF once the operation has completed.
// Failed operations end with a gRPC status error.
func (s *ResponseStream) Recv() (*Response, error) {
	pr := new(PartialResponse)
	if err := s.stream.RecvMsg(pr); err != nil {
		return nil, err
	}
	return DecodeResponse(pr)
}

// ReadAll reads the stream to its end.
func (s *ResponseStream) ReadAll() ([]*Response, error) {
	responses := make([]*Response, 0)
	for {
		r, err := s.Recv()
		if err == io.EOF {
			return responses, nil
		}
		if err != nil {
			return responses, err
		}
		responses = append(responses, r)
	}
}

var streamDesc = &grpc.StreamDesc{ServerStreams: true}

func (c *Client) call(ctx context.Context, method string, cmd *Command) (*ResponseStream, error) {
	stream, err := c.conn.NewStream(ctx, streamDesc, fullMethod(method), grpc.CallContentSubtype(codecName))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(cmd); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &ResponseStream{stream: stream}, nil
}

// Map starts a map operation, whose payload is built by MapPayload.
func (c *Client) Map(ctx context.Context, cmd *Command) (*ResponseStream, error) {
	return c.call(ctx, methodMap, cmd)
}

// FlatMap starts a flat-map operation, whose payload is built by FlatMapPayload.
func (c *Client) FlatMap(ctx context.Context, cmd *Command) (*ResponseStream, error) {
	return c.call(ctx, methodFlatMap, cmd)
}

// Sketch starts a sketch operation, whose payload is built by SketchPayload.
func (c *Client) Sketch(ctx context.Context, cmd *Command) (*ResponseStream, error) {
	return c.call(ctx, methodSketch, cmd)
}

// Zip starts a zip operation, whose payload is built by ZipPayload.
func (c *Client) Zip(ctx context.Context, cmd *Command) (*ResponseStream, error) {
	return c.call(ctx, methodZip, cmd)
}

// Unsubscribe cancels the operation started with id target.
func (c *Client) Unsubscribe(ctx context.Context, target uuid.UUID) error {
	payload, err := UnsubscribePayload(target)
	if err != nil {
		return err
	}
	return c.conn.Invoke(ctx, fullMethod(methodUnsubscribe), NewCommand(0, payload), new(Ack),
		grpc.CallContentSubtype(codecName))
}
