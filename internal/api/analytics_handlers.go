package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"akane/internal/ingest"
	"akane/internal/storage"
)

const realtimeInterval = 2 * time.Second

// Heartbeat records a playback ping keeping the viewer counted as active.
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	videoID := r.PathValue("id")
	viewerID := clientIP(r) + "-" + r.UserAgent()
	if err := h.Viewers.Heartbeat(r.Context(), videoID, viewerID); err != nil {
		h.logger().Warn("viewer heartbeat failed", "video_id", videoID, "error", err)
		writeErrorKind(w, ingest.KindInternal, "heartbeat failed")
		return
	}
	w.WriteHeader(http.StatusOK)
}

// TrackView records a durable view: ClickHouse when configured, the
// relational counter otherwise.
func (h *Handler) TrackView(w http.ResponseWriter, r *http.Request) {
	videoID := r.PathValue("id")
	if h.Views != nil && h.Views.Enabled() {
		if err := h.Views.InsertView(r.Context(), videoID, clientIP(r), r.UserAgent()); err != nil {
			h.logger().Error("view tracking failed", "video_id", videoID, "error", err)
			writeErrorKind(w, ingest.KindInternal, "view tracking failed")
			return
		}
		w.WriteHeader(http.StatusOK)
		return
	}
	if err := h.Store.IncrementViewCount(r.Context(), videoID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeErrorKind(w, ingest.KindNotFound, "video not found")
			return
		}
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// RealtimeAnalytics streams active viewer counts as SSE every two seconds.
func (h *Handler) RealtimeAnalytics(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorKind(w, ingest.KindInternal, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	ticker := time.NewTicker(realtimeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			counts, err := h.Viewers.ActiveCounts(r.Context())
			if err != nil {
				h.logger().Warn("active viewer lookup failed", "error", err)
				continue
			}
			payload, err := json.Marshal(counts)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// AnalyticsHistory returns daily view totals for the trailing month.
func (h *Handler) AnalyticsHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.Views.History(r.Context(), 30)
	if err != nil {
		writeErrorKind(w, ingest.KindInternal, "history lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, history)
}

type analyticsVideoDTO struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ViewCount    int64  `json:"view_count"`
	CreatedAt    string `json:"created_at"`
	ThumbnailURL string `json:"thumbnail_url"`
}

// AnalyticsVideos summarises the most recent videos with view totals.
func (h *Handler) AnalyticsVideos(w http.ResponseWriter, r *http.Request) {
	videos, err := h.Store.ListVideoSummaries(r.Context(), 100)
	if err != nil {
		writeError(w, err)
		return
	}
	ids := make([]string, 0, len(videos))
	for _, video := range videos {
		ids = append(ids, video.ID)
	}
	dtos := make([]analyticsVideoDTO, 0, len(videos))
	for _, video := range videos {
		dtos = append(dtos, analyticsVideoDTO{
			ID:           video.ID,
			Name:         video.Name,
			ViewCount:    video.ViewCount,
			CreatedAt:    video.CreatedAt.UTC().Format(time.RFC3339),
			ThumbnailURL: h.Objects.PublicURL(video.ThumbnailKey),
		})
	}
	if h.Views != nil && h.Views.Enabled() && len(ids) > 0 {
		if counts, err := h.Views.ViewCounts(r.Context(), ids); err == nil {
			for i := range dtos {
				if count, ok := counts[dtos[i].ID]; ok {
					dtos[i].ViewCount = count
				}
			}
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}
