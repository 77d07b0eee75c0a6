package backend

import (
	"context"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/infergate/gateway/pb"
)

const (
	counterModel   = "counter"
	counterTimeout = 2 * time.Second
	counterLRUSize = 1000
	counterKeyLen  = 500
)

// EstimateTokens is the chars/4 fallback used when the counter service is
// unavailable and in streaming mode where extra round-trips are unwanted.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// Counter counts prompt and completion tokens via the remote counter model,
// memoizing results in a bounded concurrent LRU.
type Counter struct {
	client pb.InferenceServiceClient
	cache  *lru.Cache[string, int]
}

func NewCounter(client pb.InferenceServiceClient) *Counter {
	cache, _ := lru.New[string, int](counterLRUSize)
	return &Counter{client: client, cache: cache}
}

func cacheKey(text string) string {
	if len(text) > counterKeyLen {
		return text[:counterKeyLen]
	}
	return text
}

// Count returns the token count for text, falling back to the chars/4
// estimate when the counter does not answer within its budget.
func (c *Counter) Count(ctx context.Context, text string) int {
	if text == "" {
		return 0
	}
	key := cacheKey(text)
	if n, ok := c.cache.Get(key); ok {
		return n
	}

	rpcCtx, cancel := context.WithTimeout(ctx, counterTimeout)
	defer cancel()

	resp, err := c.client.ModelInfer(rpcCtx, &pb.ModelInferRequest{
		ModelName: counterModel,
		Inputs:    []*pb.InferInputTensor{bytesTensor("prompt", []byte(text))},
	})
	if err != nil {
		slog.Debug("backend: counter unavailable, estimating", "error", err)
		return EstimateTokens(text)
	}
	n, ok := outputInt(resp, "num_tokens")
	if !ok {
		return EstimateTokens(text)
	}
	c.cache.Add(key, n)
	return n
}
