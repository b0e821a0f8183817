package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"filecenter/internal/service"
)

// AdminHandler 提供阈值调整与手动垃圾回收端点。
type AdminHandler struct {
	center *service.FileCenter
	logger *slog.Logger
}

func NewAdminHandler(center *service.FileCenter, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{center: center, logger: logger.With("component", "api")}
}

func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Get("/threshold", h.GetThreshold)
		r.Put("/threshold", h.SetThreshold)
		r.Post("/gc", h.ClearGarbage)
	})
}

type thresholdRequest struct {
	Threshold int64 `json:"threshold"`
}

func (h *AdminHandler) GetThreshold(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Data: thresholdRequest{Threshold: h.center.FileSizeThreshold()}})
}

// SetThreshold 只影响之后的写入，已有文件保持原来的存放方式。
func (h *AdminHandler) SetThreshold(w http.ResponseWriter, r *http.Request) {
	var req thresholdRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.center.SetFileSizeThreshold(r.Context(), req.Threshold); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Data: thresholdRequest{Threshold: h.center.FileSizeThreshold()}})
}

func (h *AdminHandler) ClearGarbage(w http.ResponseWriter, r *http.Request) {
	result, err := h.center.ClearGarbage(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	h.logger.Info("garbage cleared",
		"dangling_files", result.DanglingFiles,
		"exhausted_files", result.ExhaustedFiles,
		"orphaned_chunks", result.OrphanedChunks,
	)
	writeJSON(w, http.StatusOK, envelope{Data: result})
}
