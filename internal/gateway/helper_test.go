package gateway

import (
	"context"
	"database/sql"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/infergate/gateway/internal/auth"
	"github.com/infergate/gateway/internal/backend"
	"github.com/infergate/gateway/internal/config"
	"github.com/infergate/gateway/internal/database"
	"github.com/infergate/gateway/internal/middleware"
	"github.com/infergate/gateway/internal/usage"
	"github.com/infergate/gateway/pb"
)

func testModels() map[string]config.ModelConfig {
	return map[string]config.ModelConfig{
		"llama": {
			Host: "backend-a", Port: 8001, Family: "llama3",
			Type: []string{"chat:base"},
		},
		"agent": {
			Host: "backend-b", Port: 8001, Family: "homemade",
			Type: []string{"chat:base"},
		},
		"embedder": {
			Host: "backend-c", Port: 8001,
			Type: []string{"embeddings:base"},
		},
		"whisper": {
			Host: "backend-d", Port: 8001,
			Type: []string{"audio:transcription"},
		},
	}
}

func testRecorder(t *testing.T) *usage.Recorder {
	t.Helper()
	pool, err := sql.Open("postgres", "host=localhost")
	require.NoError(t, err)
	require.NoError(t, pool.Close())
	r := usage.NewRecorder(database.NewWithPool(pool, "").Usage(), "")
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		r.Shutdown(ctx)
	})
	return r
}

// counterClient answers every unary call as the token counter would.
func counterClient(n int32) *pb.MockInferenceClient {
	return &pb.MockInferenceClient{
		UnaryFn: func(ctx context.Context, in *pb.ModelInferRequest) (*pb.ModelInferResponse, error) {
			return &pb.ModelInferResponse{
				Outputs: []*pb.InferOutputTensor{{
					Name:     "num_tokens",
					Datatype: "INT32",
					Shape:    []int64{1, 1},
					Contents: &pb.InferTensorContents{IntContents: []int32{n}},
				}},
			}, nil
		},
	}
}

func newTestGateway(t *testing.T, models map[string]config.ModelConfig) *Server {
	t.Helper()
	registry := config.NewRegistryFromConfig(&config.Config{Models: models})
	s := NewServer(registry, testRecorder(t))
	s.WithDialer(func(target string) (pb.InferenceServiceClient, io.Closer, error) {
		c := counterClient(5)
		return c, c, nil
	})
	return s
}

// textStreamFactory scripts each stream invocation with fixed chunks.
func textStreamFactory(chunks ...string) StreamFactory {
	return func(model config.Model, requestID string, params backend.GenParams) (*backend.StreamClient, error) {
		streamed := make([]*pb.ModelStreamInferResponse, 0, len(chunks))
		for _, c := range chunks {
			streamed = append(streamed, pb.TextChunk(c))
		}
		infer := &pb.MockInferenceClient{StreamChunks: streamed}
		return backend.NewStreamClientWith(infer, &pb.MockInferenceClient{}, model.Name, requestID, params), nil
	}
}

func withIdentity(r *http.Request, scopes ...string) *http.Request {
	id := &middleware.Identity{
		UserID:    7,
		Username:  "carol",
		Scopes:    scopes,
		TokenType: auth.TokenSession,
		RequestID: "test-req",
	}
	return r.WithContext(middleware.WithIdentity(r.Context(), id))
}
