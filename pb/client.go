package pb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	methodModelInfer       = "/inference.GRPCInferenceService/ModelInfer"
	methodModelStreamInfer = "/inference.GRPCInferenceService/ModelStreamInfer"
)

var streamInferDesc = &grpc.StreamDesc{
	StreamName:    "ModelStreamInfer",
	ServerStreams: true,
	ClientStreams: true,
}

// Client is the grpc.ClientConn-backed InferenceServiceClient.
type Client struct {
	cc *grpc.ClientConn
}

// Dial connects to an inference server at host:port. Backends live inside the
// cluster, so the transport is plaintext.
func Dial(target string) (*Client, error) {
	cc, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	return &Client{cc: cc}, nil
}

func NewClient(cc *grpc.ClientConn) *Client {
	return &Client{cc: cc}
}

func (c *Client) Close() error {
	return c.cc.Close()
}

// withCodec routes message (de)serialization through the facade's own codec;
// the hand-written structs are not proto.Message implementations.
func withCodec(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.ForceCodec(Codec{})}, opts...)
}

func (c *Client) ModelInfer(ctx context.Context, in *ModelInferRequest, opts ...grpc.CallOption) (*ModelInferResponse, error) {
	out := new(ModelInferResponse)
	if err := c.cc.Invoke(ctx, methodModelInfer, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ModelStreamInfer(ctx context.Context, opts ...grpc.CallOption) (InferenceService_StreamInferClient, error) {
	stream, err := c.cc.NewStream(ctx, streamInferDesc, methodModelStreamInfer, withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	return &streamInferClient{ClientStream: stream}, nil
}

type streamInferClient struct {
	grpc.ClientStream
}

func (x *streamInferClient) Send(m *ModelInferRequest) error {
	return x.ClientStream.SendMsg(m)
}

func (x *streamInferClient) Recv() (*ModelStreamInferResponse, error) {
	m := new(ModelStreamInferResponse)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
