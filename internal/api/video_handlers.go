package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"akane/internal/ingest"
	"akane/internal/models"
	"akane/internal/storage"
)

type videoDTO struct {
	ID                   string   `json:"id"`
	Name                 string   `json:"name"`
	Tags                 []string `json:"tags"`
	AvailableResolutions []string `json:"available_resolutions"`
	Duration             int      `json:"duration"`
	ThumbnailURL         string   `json:"thumbnail_url"`
	PlayerURL            string   `json:"player_url"`
	ViewCount            int64    `json:"view_count"`
	CreatedAt            string   `json:"created_at"`
}

type videoListResponse struct {
	Items    []videoDTO `json:"items"`
	Page     int        `json:"page"`
	PageSize int        `json:"page_size"`
	Total    int        `json:"total"`
	HasNext  bool       `json:"has_next"`
	HasPrev  bool       `json:"has_prev"`
}

func (h *Handler) videoDTO(video models.Video) videoDTO {
	resolutions := make([]string, 0, len(video.Resolutions))
	for _, height := range video.Resolutions {
		resolutions = append(resolutions, strconv.Itoa(height)+"p")
	}
	return videoDTO{
		ID:                   video.ID,
		Name:                 video.Name,
		Tags:                 video.Tags,
		AvailableResolutions: resolutions,
		Duration:             video.DurationSeconds,
		ThumbnailURL:         h.Objects.PublicURL(video.ThumbnailKey),
		PlayerURL:            "/player/" + video.ID,
		ViewCount:            video.ViewCount,
		CreatedAt:            video.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// Videos lists committed videos with pagination and name/tag filters.
func (h *Handler) Videos(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	query := r.URL.Query()
	page, _ := strconv.Atoi(query.Get("page"))
	pageSize, _ := strconv.Atoi(query.Get("page_size"))
	params := storage.ListVideosParams{
		Page:     page,
		PageSize: pageSize,
		Name:     query.Get("name"),
		Tag:      query.Get("tag"),
	}
	videos, total, err := h.Store.ListVideos(r.Context(), params)
	if err != nil {
		writeError(w, err)
		return
	}
	if params.Page < 1 {
		params.Page = 1
	}
	if params.PageSize < 1 {
		params.PageSize = 20
	}
	if params.PageSize > 100 {
		params.PageSize = 100
	}

	items := make([]videoDTO, 0, len(videos))
	ids := make([]string, 0, len(videos))
	for _, video := range videos {
		items = append(items, h.videoDTO(video))
		ids = append(ids, video.ID)
	}
	h.applyViewCounts(r.Context(), ids, items)

	writeJSON(w, http.StatusOK, videoListResponse{
		Items:    items,
		Page:     params.Page,
		PageSize: params.PageSize,
		Total:    total,
		HasNext:  params.Page*params.PageSize < total,
		HasPrev:  params.Page > 1,
	})
}

// applyViewCounts overlays ClickHouse totals when the store is enabled; the
// relational counter is the fallback.
func (h *Handler) applyViewCounts(ctx context.Context, ids []string, items []videoDTO) {
	if h.Views == nil || !h.Views.Enabled() || len(ids) == 0 {
		return
	}
	counts, err := h.Views.ViewCounts(ctx, ids)
	if err != nil {
		h.logger().Warn("view count lookup failed", "error", err)
		return
	}
	for i := range items {
		if count, ok := counts[items[i].ID]; ok {
			items[i].ViewCount = count
		}
	}
}

type updateVideoRequest struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

// UpdateVideo renames a video and replaces its tag list.
func (h *Handler) UpdateVideo(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	videoID := r.PathValue("id")
	var body updateVideoRequest
	if err := decodeJSON(r, &body); err != nil {
		writeErrorKind(w, ingest.KindInvalidRequest, "invalid payload: "+err.Error())
		return
	}
	if strings.TrimSpace(body.Name) == "" {
		writeErrorKind(w, ingest.KindInvalidRequest, "missing field 'name'")
		return
	}
	if err := h.Store.UpdateVideo(r.Context(), videoID, strings.TrimSpace(body.Name), body.Tags); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeErrorKind(w, ingest.KindNotFound, "video not found")
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type deleteVideosRequest struct {
	IDs []string `json:"ids"`
}

type deleteVideosResponse struct {
	Deleted int64  `json:"deleted"`
	Message string `json:"message"`
}

// DeleteVideos removes videos from the object store and then the metadata
// store. Object deletions are best-effort; metadata rows are authoritative.
func (h *Handler) DeleteVideos(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	var body deleteVideosRequest
	if err := decodeJSON(r, &body); err != nil {
		writeErrorKind(w, ingest.KindInvalidRequest, "invalid payload: "+err.Error())
		return
	}
	if len(body.IDs) == 0 {
		writeErrorKind(w, ingest.KindInvalidRequest, "no video ids provided")
		return
	}

	var existing []string
	for _, id := range body.IDs {
		if _, err := h.Store.GetVideo(r.Context(), id); err == nil {
			existing = append(existing, id)
		}
	}
	if len(existing) == 0 {
		writeErrorKind(w, ingest.KindNotFound, "no videos found")
		return
	}

	for _, id := range existing {
		for _, prefix := range []string{"hls/" + id + "/", "subtitles/" + id + "/", "attachments/" + id + "/"} {
			if err := h.Objects.DeletePrefix(r.Context(), prefix); err != nil {
				h.logger().Warn("object cleanup failed", "prefix", prefix, "error", err)
			}
		}
		if err := h.Objects.Delete(r.Context(), "thumbnails/"+id+".jpg"); err != nil {
			h.logger().Warn("thumbnail cleanup failed", "video_id", id, "error", err)
		}
	}

	deleted, err := h.Store.DeleteVideos(r.Context(), existing)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deleteVideosResponse{
		Deleted: deleted,
		Message: strconv.FormatInt(deleted, 10) + " video(s) deleted",
	})
}
