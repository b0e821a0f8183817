package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"filecenter/internal/config"
	fcmiddleware "filecenter/internal/middleware"
)

// NewRouter 构建 HTTP 路由，集中注册所有对外服务的端点。
func NewRouter(cfg *config.Config, fileHandler *FileHandler, adminHandler *AdminHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(fcmiddleware.CORS(cfg.CORSAllowedOrigins))
	r.Use(fcmiddleware.Metrics())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Prometheus 指标端点
	r.Handle("/metrics", promhttp.Handler())

	// 健康检查与指标不受限流影响
	r.Group(func(r chi.Router) {
		r.Use(fcmiddleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		if fileHandler != nil {
			fileHandler.RegisterRoutes(r)
		}
		if adminHandler != nil {
			adminHandler.RegisterRoutes(r)
		}
	})

	return r
}
