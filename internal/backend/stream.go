package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/infergate/gateway/internal/config"
	"github.com/infergate/gateway/pb"
)

const (
	// chunkQueueCap bounds the queue between the gRPC receive loop and the
	// handler; the receive loop only enqueues.
	chunkQueueCap = 100

	// HardDeadline caps any single stream regardless of caller deadlines.
	HardDeadline = 300 * time.Second

	// CollectTimeout is the default single-stream deadline; ParallelTimeout
	// is the join deadline for N-way generations.
	CollectTimeout  = 60 * time.Second
	ParallelTimeout = 120 * time.Second

	detokenizerModel = "tokenizer"
)

// tokenMarker matches the placeholder the backend emits when a token crosses
// a UTF-8 boundary, e.g. t'12345'.
var tokenMarker = regexp.MustCompile(`t'(\d+)'`)

// ErrAllStreamsFailed is returned by N-way helpers when no stream produced a
// result.
var ErrAllStreamsFailed = errors.New("all backend streams failed")

// GenParams are the sampling knobs forwarded to the backend. Out-of-range
// values are clamped before send.
type GenParams struct {
	MaxTokens        int
	Temperature      *float64
	TopP             *float64
	PresencePenalty  *float64
	FrequencyPenalty *float64
	Seed             uint64
	Stop             []string
}

// FinishReason mirrors the OpenAI finish_reason vocabulary for completions.
const (
	FinishStop   = "stop"
	FinishLength = "length"
)

// Result is the outcome of one completed stream.
type Result struct {
	Text         string
	FinishReason string
	PromptTokens int
	Chunks       int
}

// StreamClient drives one logical request's bidirectional stream. One client
// per request; streams are never shared.
type StreamClient struct {
	infer   pb.InferenceServiceClient
	detok   pb.InferenceServiceClient
	closers []io.Closer

	model     string
	requestID string
	params    GenParams

	pending []int32 // buffered integer tokens awaiting detokenization
}

// NewStreamClient dials the model's host and a detokenizer client on the same
// endpoint.
func NewStreamClient(model config.Model, requestID string, params GenParams) (*StreamClient, error) {
	inferClient, err := pb.Dial(model.Addr())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", model.Addr(), err)
	}
	detokClient, err := pb.Dial(model.Addr())
	if err != nil {
		inferClient.Close()
		return nil, fmt.Errorf("dial detokenizer %s: %w", model.Addr(), err)
	}
	return &StreamClient{
		infer:     inferClient,
		detok:     detokClient,
		closers:   []io.Closer{inferClient, detokClient},
		model:     model.Name,
		requestID: requestID,
		params:    params,
	}, nil
}

// NewStreamClientWith wires injected clients; used by tests.
func NewStreamClientWith(infer, detok pb.InferenceServiceClient, model, requestID string, params GenParams) *StreamClient {
	sc := &StreamClient{infer: infer, detok: detok, model: model, requestID: requestID, params: params}
	for _, c := range []pb.InferenceServiceClient{infer, detok} {
		if closer, ok := c.(io.Closer); ok {
			sc.closers = append(sc.closers, closer)
		}
	}
	return sc
}

// Close releases both gRPC clients. Safe on every exit path.
func (c *StreamClient) Close() {
	for _, cl := range c.closers {
		_ = cl.Close()
	}
	c.closers = nil
}

func (c *StreamClient) buildRequest(prompt string, streaming bool) *pb.ModelInferRequest {
	p := c.params
	inputs := []*pb.InferInputTensor{
		bytesTensor("text_input", []byte(prompt)),
		int32Tensor("max_tokens", int32(p.MaxTokens)),
		boolTensor("stream", streaming),
		uint64Tensor("random_seed", p.Seed),
	}
	if len(p.Stop) > 0 {
		words := make([][]byte, len(p.Stop))
		for i, s := range p.Stop {
			words[i] = []byte(s)
		}
		inputs = append(inputs, bytesTensor("stop_words", words...))
	}
	if p.TopP != nil {
		inputs = append(inputs, fp32Tensor("top_p", clamp(*p.TopP, 0, 1)))
	}
	if p.Temperature != nil {
		inputs = append(inputs, fp32Tensor("temperature", clamp(*p.Temperature, 0, 2)))
	}
	if p.PresencePenalty != nil {
		inputs = append(inputs, fp32Tensor("presence_penalty", clamp(*p.PresencePenalty, -2, 2)))
	}
	if p.FrequencyPenalty != nil {
		inputs = append(inputs, fp32Tensor("frequency_penalty", clamp(*p.FrequencyPenalty, -2, 2)))
	}
	return &pb.ModelInferRequest{ModelName: c.model, Id: c.requestID, Inputs: inputs}
}

type streamChunk struct {
	text         string
	promptTokens int
	sentinel     bool
	err          error
}

// Run executes the stream to completion. onDelta, when non-nil, receives each
// emitted text fragment in backend order. Run closes the client on every exit
// path.
func (c *StreamClient) Run(ctx context.Context, prompt string, onDelta func(string)) (*Result, error) {
	defer c.Close()

	ctx, cancel := context.WithTimeout(ctx, HardDeadline)
	defer cancel()

	stream, err := c.infer.ModelStreamInfer(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if err := stream.Send(c.buildRequest(prompt, true)); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	// The receive loop only enqueues; this goroutine is the gRPC I/O side of
	// the bounded queue.
	chunks := make(chan streamChunk, chunkQueueCap)
	go func() {
		defer close(chunks)
		for {
			resp, err := stream.Recv()
			if err != nil {
				if !errors.Is(err, io.EOF) && ctx.Err() == nil {
					chunks <- streamChunk{err: err}
				}
				return
			}
			if resp.ErrorMessage != "" {
				chunks <- streamChunk{err: errors.New(resp.ErrorMessage)}
				return
			}
			if resp.InferResponse == nil {
				continue
			}
			ch := streamChunk{}
			if text, ok := outputText(resp.InferResponse, "text_output"); ok {
				if text == "" {
					ch.sentinel = true
				}
				ch.text = text
			} else {
				ch.sentinel = true
			}
			if n, ok := outputInt(resp.InferResponse, "prompt_tokens"); ok {
				ch.promptTokens = n
			}
			select {
			case chunks <- ch:
			case <-ctx.Done():
				return
			}
		}
	}()

	var acc strings.Builder
	res := &Result{FinishReason: FinishStop}
	sawChunk := false

	finalize := func() {
		// Tokens still buffered at termination are flushed so reassembly
		// stays lossless.
		if len(c.pending) > 0 {
			tail := c.flushPending(ctx)
			acc.WriteString(tail)
			if onDelta != nil && tail != "" {
				onDelta(tail)
			}
		}
		res.Text = acc.String()
	}

	stop := func(reason string) (*Result, error) {
		c.issueStop(stream)
		res.FinishReason = reason
		finalize()
		return res, nil
	}

	for {
		select {
		case <-ctx.Done():
			// Deadline or cancellation: the caller decides how to surface it.
			return nil, ctx.Err()
		case ch, ok := <-chunks:
			if !ok {
				finalize()
				return res, nil
			}
			if ch.err != nil {
				return nil, fmt.Errorf("stream aborted: %w", ch.err)
			}
			if ch.promptTokens > 0 {
				res.PromptTokens = ch.promptTokens
			}
			if ch.sentinel {
				if sawChunk {
					finalize()
					return res, nil
				}
				continue
			}
			sawChunk = true

			emitted := c.ingest(ctx, ch.text)
			if emitted != "" {
				acc.WriteString(emitted)
				if onDelta != nil {
					onDelta(emitted)
				}
			}
			res.Chunks++

			// Client-side stop sequences run against the accumulated output
			// after every chunk.
			for _, s := range c.params.Stop {
				if s != "" && strings.Contains(acc.String(), s) {
					return stop(FinishStop)
				}
			}
			if c.params.MaxTokens > 0 && res.Chunks >= c.params.MaxTokens {
				return stop(FinishLength)
			}
		}
	}
}

// issueStop tells the backend to halt generation for this request id.
func (c *StreamClient) issueStop(stream pb.InferenceService_StreamInferClient) {
	req := &pb.ModelInferRequest{
		ModelName: c.model,
		Id:        c.requestID,
		Inputs:    []*pb.InferInputTensor{boolTensor("stop", true)},
	}
	if err := stream.Send(req); err != nil {
		slog.Debug("backend: stop send failed", "request_id", c.requestID, "error", err)
	}
	_ = stream.CloseSend()
}

// ingest applies the UTF-8 reassembly rules to one backend chunk and returns
// the text to emit. Placeholder tokens are buffered; a marker-free chunk
// flushes the buffer through the detokenizer and prepends the result.
func (c *StreamClient) ingest(ctx context.Context, raw string) string {
	matches := tokenMarker.FindAllStringSubmatchIndex(raw, -1)
	if len(matches) == 0 {
		if len(c.pending) == 0 {
			return raw
		}
		return c.flushPending(ctx) + raw
	}

	var out strings.Builder
	last := 0
	for _, m := range matches {
		out.WriteString(raw[last:m[0]])
		tok, err := strconv.ParseInt(raw[m[2]:m[3]], 10, 32)
		if err == nil {
			c.pending = append(c.pending, int32(tok))
		}
		last = m[1]
	}
	out.WriteString(raw[last:])
	return out.String()
}

// flushPending detokenizes the buffered tokens. On detokenizer failure the
// integer placeholders are emitted as-is so the stream never fails here.
func (c *StreamClient) flushPending(ctx context.Context) string {
	tokens := c.pending
	c.pending = nil

	rpcCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := c.detok.ModelInfer(rpcCtx, &pb.ModelInferRequest{
		ModelName: detokenizerModel,
		Id:        c.requestID,
		Inputs:    []*pb.InferInputTensor{int32ListTensor("tokens", tokens)},
	})
	if err == nil {
		if text, ok := outputText(resp, "output"); ok {
			return text
		}
	}
	slog.Warn("backend: detokenizer unavailable, emitting placeholders",
		"request_id", c.requestID, "tokens", len(tokens), "error", err)

	var sb strings.Builder
	for _, t := range tokens {
		fmt.Fprintf(&sb, "t'%d'", t)
	}
	return sb.String()
}
