package gateway

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"

	"github.com/google/uuid"

	"github.com/infergate/gateway/internal/backend"
	"github.com/infergate/gateway/internal/config"
	"github.com/infergate/gateway/internal/database"
	"github.com/infergate/gateway/internal/middleware"
)

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	id, err := middleware.GetIdentity(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing_credentials", "authentication required")
		return
	}

	var req EmbeddingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if len(req.Input) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "input must not be empty")
		return
	}
	for i, in := range req.Input {
		if in == "" {
			writeError(w, http.StatusBadRequest, "invalid_request",
				fmt.Sprintf("input[%d] must not be an empty string", i))
			return
		}
	}
	switch req.EncodingFormat {
	case "", "float", "base64":
	default:
		writeError(w, http.StatusBadRequest, "invalid_request",
			"encoding_format must be \"float\" or \"base64\"")
		return
	}

	model, err := s.registry.Current().GetModel(req.Model)
	if err != nil {
		writeError(w, http.StatusBadRequest, "model_not_found",
			fmt.Sprintf("model %q is not configured", req.Model))
		return
	}
	if !model.Has(config.CapEmbeddings) {
		writeError(w, http.StatusBadRequest, "model_not_found",
			fmt.Sprintf("model %q does not support embeddings", req.Model))
		return
	}

	client, err := s.client(model.Addr())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "backend_error",
			fmt.Sprintf("backend for %s unavailable: %v", model.Name, err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), backend.CollectTimeout)
	defer cancel()

	res, err := backend.Embed(ctx, client, model, req.Input)
	if err != nil {
		slog.Error("gateway: embeddings infer failed", "model", model.Name, "error", err)
		writeError(w, http.StatusInternalServerError, "backend_error", "embeddings inference failed")
		return
	}
	if len(res.Vectors) != len(req.Input) {
		slog.Error("gateway: embeddings count mismatch",
			"model", model.Name, "want", len(req.Input), "got", len(res.Vectors))
		writeError(w, http.StatusInternalServerError, "backend_error",
			"backend returned a mismatched number of embeddings")
		return
	}

	data := make([]EmbeddingObject, len(res.Vectors))
	for i, vec := range res.Vectors {
		obj := EmbeddingObject{Object: "embedding", Index: i}
		if req.EncodingFormat == "base64" {
			obj.Embedding = encodeBase64Floats(vec)
		} else {
			obj.Embedding = vec
		}
		data[i] = obj
	}

	promptTokens := res.PromptTokens
	if promptTokens == 0 {
		for _, in := range req.Input {
			promptTokens += backend.EstimateTokens(in)
		}
	}

	writeJSON(w, http.StatusOK, EmbeddingsResponse{
		Object: "list",
		Data:   data,
		Model:  model.Name,
		Usage:  Usage{PromptTokens: promptTokens, TotalTokens: promptTokens},
	})

	inputCount := len(req.Input)
	s.recorder.Record(database.UsageRow{
		APIType:      "embeddings",
		UserID:       id.UserID,
		Model:        model.Name,
		RequestID:    "embd-" + uuid.NewString(),
		PromptTokens: promptTokens,
		TotalTokens:  promptTokens,
		InputCount:   &inputCount,
		ExtraData: map[string]interface{}{
			"encoding_format": req.EncodingFormat,
			"username":        id.Username,
		},
	})
}

// encodeBase64Floats packs the vector little-endian IEEE-754 and base64s it,
// matching OpenAI's encoding_format=base64.
func encodeBase64Floats(vec []float32) string {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return base64.StdEncoding.EncodeToString(buf)
}
