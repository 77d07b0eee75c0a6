package pb

import (
	"context"
	"io"
	"sync"

	"google.golang.org/grpc"
)

// MockInferenceClient scripts unary and streaming responses for tests.
type MockInferenceClient struct {
	mu sync.Mutex

	// UnaryFn, when set, handles ModelInfer calls.
	UnaryFn func(ctx context.Context, in *ModelInferRequest) (*ModelInferResponse, error)

	// StreamChunks are played back in order by each new stream.
	StreamChunks []*ModelStreamInferResponse

	// StreamErr, when set, is returned instead of io.EOF after the chunks.
	StreamErr error

	// Sent collects every request pushed onto a stream.
	Sent []*ModelInferRequest

	Closed bool
}

func (m *MockInferenceClient) ModelInfer(ctx context.Context, in *ModelInferRequest, opts ...grpc.CallOption) (*ModelInferResponse, error) {
	if m.UnaryFn != nil {
		return m.UnaryFn(ctx, in)
	}
	return &ModelInferResponse{ModelName: in.ModelName, Id: in.Id}, nil
}

func (m *MockInferenceClient) ModelStreamInfer(ctx context.Context, opts ...grpc.CallOption) (InferenceService_StreamInferClient, error) {
	return &mockStream{ctx: ctx, parent: m}, nil
}

func (m *MockInferenceClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

type mockStream struct {
	ctx    context.Context
	parent *MockInferenceClient
	pos    int
}

func (s *mockStream) Send(in *ModelInferRequest) error {
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()
	s.parent.Sent = append(s.parent.Sent, in)
	return nil
}

func (s *mockStream) Recv() (*ModelStreamInferResponse, error) {
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()
	if s.pos >= len(s.parent.StreamChunks) {
		if s.parent.StreamErr != nil {
			return nil, s.parent.StreamErr
		}
		return nil, io.EOF
	}
	chunk := s.parent.StreamChunks[s.pos]
	s.pos++
	return chunk, nil
}

func (s *mockStream) CloseSend() error { return nil }

// TextChunk builds a streamed text_output response; handy in tests.
func TextChunk(text string) *ModelStreamInferResponse {
	return &ModelStreamInferResponse{
		InferResponse: &ModelInferResponse{
			Outputs: []*InferOutputTensor{
				{
					Name:     "text_output",
					Datatype: "BYTES",
					Shape:    []int64{1},
					Contents: &InferTensorContents{BytesContents: [][]byte{[]byte(text)}},
				},
			},
		},
	}
}
