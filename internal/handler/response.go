package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

const maxBodyBytes = 1 << 20

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("failed to encode response", slog.String("error", err.Error()))
	}
}

// respondError writes {"error": msg} and, when reason is set, a machine-readable reason.
func respondError(w http.ResponseWriter, status int, msg, reason string) {
	body := map[string]string{"error": msg}
	if reason != "" {
		body["reason"] = reason
	}
	respondJSON(w, status, body)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst)
}
