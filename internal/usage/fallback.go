package usage

import (
	"encoding/json"
	"log/slog"
	"os"

	"github.com/infergate/gateway/internal/database"
)

// writeFallback appends rows to the NDJSON fallback file, one object per line.
// This is the sink of last resort; errors here are logged and dropped.
func (r *Recorder) writeFallback(rows []database.UsageRow) {
	if len(rows) == 0 || r.fallbackPath == "" {
		return
	}
	r.fallbackMu.Lock()
	defer r.fallbackMu.Unlock()

	f, err := os.OpenFile(r.fallbackPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		slog.Error("usage: cannot open fallback file", "path", r.fallbackPath, "error", err)
		return
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			slog.Error("usage: fallback encode failed", "error", err)
		}
	}
}
