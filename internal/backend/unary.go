package backend

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/infergate/gateway/internal/config"
	"github.com/infergate/gateway/pb"
)

// ErrBadResponse is returned when the backend answered without the tensors
// the contract promises.
var ErrBadResponse = errors.New("malformed backend response")

// EmbedResult is one embeddings call's output.
type EmbedResult struct {
	Vectors      [][]float32
	PromptTokens int
}

// Embed runs a unary embeddings infer: input_text bytes[1,K] in,
// embeddings fp32[1,K,D] plus prompt_tokens out.
func Embed(ctx context.Context, client pb.InferenceServiceClient, model config.Model, inputs []string) (*EmbedResult, error) {
	texts := make([][]byte, len(inputs))
	for i, s := range inputs {
		texts[i] = []byte(s)
	}
	resp, err := client.ModelInfer(ctx, &pb.ModelInferRequest{
		ModelName: model.Name,
		Inputs:    []*pb.InferInputTensor{bytesTensor("input_text", texts...)},
	})
	if err != nil {
		return nil, err
	}

	out := resp.Output("embeddings")
	if out == nil || out.Contents == nil || len(out.Shape) < 3 {
		return nil, fmt.Errorf("%w: missing embeddings tensor", ErrBadResponse)
	}
	k, d := int(out.Shape[1]), int(out.Shape[2])
	flat := out.Contents.Fp32Contents
	if len(flat) < k*d {
		return nil, fmt.Errorf("%w: embeddings shape %v does not cover %d values", ErrBadResponse, out.Shape, len(flat))
	}

	vectors := make([][]float32, k)
	for i := 0; i < k; i++ {
		vectors[i] = flat[i*d : (i+1)*d]
	}

	res := &EmbedResult{Vectors: vectors}
	if n, ok := outputInt(resp, "prompt_tokens"); ok {
		res.PromptTokens = n
	}
	return res, nil
}

// Transcribe runs a single-shot audio infer; the audio bytes travel base64
// encoded in input.audio and the text comes back in output.text.
func Transcribe(ctx context.Context, client pb.InferenceServiceClient, model config.Model, audio []byte) (string, error) {
	encoded := base64.StdEncoding.EncodeToString(audio)
	resp, err := client.ModelInfer(ctx, &pb.ModelInferRequest{
		ModelName: model.Name,
		Inputs:    []*pb.InferInputTensor{bytesTensor("input.audio", []byte(encoded))},
	})
	if err != nil {
		return "", err
	}
	text, ok := outputText(resp, "output.text")
	if !ok {
		// Some deployments name the tensor without the group prefix.
		if text, ok = outputText(resp, "text"); !ok {
			return "", fmt.Errorf("%w: missing output.text tensor", ErrBadResponse)
		}
	}
	return text, nil
}
