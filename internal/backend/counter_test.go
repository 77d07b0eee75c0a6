package backend

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/infergate/gateway/pb"
)

func countResponse(n int32) *pb.ModelInferResponse {
	return &pb.ModelInferResponse{
		Outputs: []*pb.InferOutputTensor{{
			Name:     "num_tokens",
			Datatype: "INT32",
			Shape:    []int64{1, 1},
			Contents: &pb.InferTensorContents{IntContents: []int32{n}},
		}},
	}
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
}

func TestCounterUsesRemoteCount(t *testing.T) {
	calls := 0
	c := NewCounter(&pb.MockInferenceClient{
		UnaryFn: func(ctx context.Context, in *pb.ModelInferRequest) (*pb.ModelInferResponse, error) {
			calls++
			assert.Equal(t, "counter", in.ModelName)
			return countResponse(42), nil
		},
	})

	assert.Equal(t, 42, c.Count(context.Background(), "some text"))
	// Second lookup is served from cache.
	assert.Equal(t, 42, c.Count(context.Background(), "some text"))
	assert.Equal(t, 1, calls)
}

func TestCounterFallsBackToEstimate(t *testing.T) {
	c := NewCounter(&pb.MockInferenceClient{
		UnaryFn: func(ctx context.Context, in *pb.ModelInferRequest) (*pb.ModelInferResponse, error) {
			return nil, errors.New("unavailable")
		},
	})
	assert.Equal(t, EstimateTokens("twelve chars"), c.Count(context.Background(), "twelve chars"))
}

func TestCounterEmptyText(t *testing.T) {
	c := NewCounter(&pb.MockInferenceClient{})
	assert.Equal(t, 0, c.Count(context.Background(), ""))
}
