package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"filecenter/internal/service"
)

type envelope struct {
	Data any `json:"data"`
}

type errorEnvelope struct {
	Error string `json:"error"`
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorEnvelope{Error: message})
}

// writeServiceError 把引擎错误映射为状态码，5xx 的细节只写日志。
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, service.ErrNotFound):
		writeError(w, http.StatusNotFound, "file not found")
	case errors.As(err, &maxErr):
		writeError(w, http.StatusRequestEntityTooLarge, "file exceeds size limit")
	case service.KindOf(err) == service.KindToken:
		writeError(w, http.StatusBadRequest, "invalid file id")
	case service.KindOf(err) == service.KindConfig:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
