package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/infergate/gateway/internal/backend"
	"github.com/infergate/gateway/internal/config"
	"github.com/infergate/gateway/internal/database"
	"github.com/infergate/gateway/internal/middleware"
)

// maxAudioBytes bounds the multipart upload; whisper-class models choke on
// anything much bigger anyway.
const maxAudioBytes = 64 << 20

func (s *Server) handleTranscriptions(w http.ResponseWriter, r *http.Request) {
	id, err := middleware.GetIdentity(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing_credentials", "authentication required")
		return
	}

	if err := r.ParseMultipartForm(maxAudioBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "expected multipart/form-data body")
		return
	}

	modelName := r.FormValue("model")
	if modelName == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "model field is required")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "file field is required")
		return
	}
	defer file.Close()

	audio, err := io.ReadAll(io.LimitReader(file, maxAudioBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "cannot read uploaded file")
		return
	}
	if len(audio) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "uploaded file is empty")
		return
	}
	if len(audio) > maxAudioBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "invalid_request",
			fmt.Sprintf("file exceeds the %d MiB limit", maxAudioBytes>>20))
		return
	}

	model, err := s.registry.Current().GetModel(modelName)
	if err != nil {
		writeError(w, http.StatusBadRequest, "model_not_found",
			fmt.Sprintf("model %q is not configured", modelName))
		return
	}
	if !model.Has(config.CapAudio) {
		writeError(w, http.StatusBadRequest, "model_not_found",
			fmt.Sprintf("model %q does not support transcription", modelName))
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

	text, err := backend.Transcribe(ctx, client, model, audio)
	if err != nil {
		slog.Error("gateway: transcription failed",
			"model", model.Name, "file", header.Filename, "bytes", len(audio), "error", err)
		writeError(w, http.StatusInternalServerError, "backend_error", "transcription failed")
		return
	}

	writeJSON(w, http.StatusOK, TranscriptionResponse{Text: text})

	completionTokens := backend.EstimateTokens(text)
	s.recorder.Record(database.UsageRow{
		APIType:          "audio",
		UserID:           id.UserID,
		Model:            model.Name,
		RequestID:        "transcr-" + uuid.NewString(),
		CompletionTokens: &completionTokens,
		TotalTokens:      completionTokens,
		ExtraData: map[string]interface{}{
			"filename":    header.Filename,
			"audio_bytes": len(audio),
			"username":    id.Username,
		},
	})
}
