// Package server assembles the HTTP mux, middleware chain, and listener
// lifecycle for the API service.
package server

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"akane/internal/api"
	"akane/internal/observability/logging"
	"akane/internal/observability/metrics"
	"akane/web"
)

// Config controls server construction.
type Config struct {
	Addr    string
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Server wraps the configured http.Server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// New wires the route table and middleware chain around the API handler.
func New(handler *api.Handler, cfg Config) (*Server, error) {
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handler.Health)
	mux.Handle("GET /metrics", recorder.Handler())

	mux.HandleFunc("POST /api/upload", handler.Upload)
	mux.HandleFunc("POST /api/upload/chunk", handler.UploadChunk)
	mux.HandleFunc("POST /api/upload/finalize", handler.UploadFinalize)
	mux.HandleFunc("GET /api/progress/{id}", handler.Progress)
	mux.HandleFunc("GET /api/queues", handler.Queues)
	mux.HandleFunc("DELETE /api/queues/{id}", handler.CancelQueue)
	mux.HandleFunc("GET /api/auth/check", handler.AuthCheck)

	mux.HandleFunc("GET /api/videos", handler.Videos)
	mux.HandleFunc("PUT /api/videos/{id}", handler.UpdateVideo)
	mux.HandleFunc("DELETE /api/videos", handler.DeleteVideos)
	mux.HandleFunc("GET /api/videos/{id}/subtitles", handler.VideoSubtitles)
	mux.HandleFunc("GET /api/videos/{id}/subtitles/{track}", handler.SubtitleFile)
	mux.HandleFunc("GET /api/videos/{id}/attachments", handler.VideoAttachments)
	mux.HandleFunc("GET /api/videos/{id}/attachments/{file}", handler.AttachmentFile)
	mux.HandleFunc("GET /api/videos/{id}/chapters", handler.VideoChapters)

	mux.HandleFunc("POST /api/videos/{id}/heartbeat", handler.Heartbeat)
	mux.HandleFunc("POST /api/videos/{id}/view", handler.TrackView)
	mux.HandleFunc("GET /api/analytics/realtime", handler.RealtimeAnalytics)
	mux.HandleFunc("GET /api/analytics/history", handler.AnalyticsHistory)
	mux.HandleFunc("GET /api/analytics/videos", handler.AnalyticsVideos)

	mux.HandleFunc("GET /player/{id}", handler.Player)
	mux.HandleFunc("GET /hls/{id}/{file}", handler.HLSFile)

	staticFS, err := fs.Sub(web.Static, "static")
	if err != nil {
		return nil, fmt.Errorf("load web assets: %w", err)
	}
	mux.Handle("GET /admin/", http.StripPrefix("/admin/", http.FileServer(http.FS(staticFS))))

	chain := http.Handler(mux)
	chain = metrics.HTTPMiddleware(recorder, chain)
	chain = requestIDMiddleware(cfg.Logger, chain)
	chain = loggingMiddleware(cfg.Logger, chain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           chain,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{httpServer: httpServer, logger: cfg.Logger}, nil
}

// HTTPServer exposes the underlying server for serverutil.Run.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Shutdown drains the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// loggingMiddleware logs each request with its resolved status and latency.
func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := metrics.NewResponseRecorder(w)
		start := time.Now()
		next.ServeHTTP(recorder, r)
		requestLogger := logging.WithContext(r.Context(), logger)
		requestLogger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}
