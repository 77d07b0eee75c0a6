// Package pb carries the typed facade over the inference server's gRPC
// surface. The shapes mirror the KServe/Triton v2 inference protocol; we keep
// interfaces plus in-memory mocks so the gateway can be exercised without a
// live backend.
package pb

import (
	"context"

	"google.golang.org/grpc"
)

// InferTensorContents holds tensor data in the representation the wire uses.
type InferTensorContents struct {
	BoolContents   []bool
	IntContents    []int32
	Int64Contents  []int64
	Uint64Contents []uint64
	Fp32Contents   []float32
	BytesContents  [][]byte
}

// InferInputTensor is a single named input.
type InferInputTensor struct {
	Name     string
	Datatype string
	Shape    []int64
	Contents *InferTensorContents
}

// InferOutputTensor is a single named output.
type InferOutputTensor struct {
	Name     string
	Datatype string
	Shape    []int64
	Contents *InferTensorContents
}

// ModelInferRequest is the unary and streaming request shape.
type ModelInferRequest struct {
	ModelName string
	Id        string
	Inputs    []*InferInputTensor
}

// ModelInferResponse is the unary response shape.
type ModelInferResponse struct {
	ModelName string
	Id        string
	Outputs   []*InferOutputTensor
}

// Output returns the named output tensor, or nil when absent.
func (r *ModelInferResponse) Output(name string) *InferOutputTensor {
	for _, o := range r.Outputs {
		if o.Name == name {
			return o
		}
	}
	return nil
}

// ModelStreamInferResponse wraps a streamed response; ErrorMessage is set when
// the backend failed the request mid-stream.
type ModelStreamInferResponse struct {
	ErrorMessage  string
	InferResponse *ModelInferResponse
}

// InferenceServiceClient is the client surface the gateway depends on.
// The real implementation is backed by a grpc.ClientConn; tests plug mocks.
type InferenceServiceClient interface {
	ModelInfer(ctx context.Context, in *ModelInferRequest, opts ...grpc.CallOption) (*ModelInferResponse, error)
	ModelStreamInfer(ctx context.Context, opts ...grpc.CallOption) (InferenceService_StreamInferClient, error)
}

// InferenceService_StreamInferClient is the bidi stream handle.
type InferenceService_StreamInferClient interface {
	Send(*ModelInferRequest) error
	Recv() (*ModelStreamInferResponse, error)
	CloseSend() error
}
