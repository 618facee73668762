package api

import (
	"errors"
	"html/template"
	"net/http"
	"time"

	"akane/internal/storage"
	"akane/web"
)

var playerTemplate = template.Must(template.ParseFS(web.Templates, "templates/player.html"))

type playerPageData struct {
	VideoID      string
	Name         string
	PlaylistURL  string
	ThumbnailURL string
	Duration     int
}

// Player renders the HTML player page and mints the playback token cookie
// the HLS proxy verifies.
func (h *Handler) Player(w http.ResponseWriter, r *http.Request) {
	videoID := r.PathValue("id")
	video, err := h.Store.GetVideo(r.Context(), videoID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		writeError(w, err)
		return
	}

	token := GeneratePlaybackToken(videoID, h.SecretKey, clientIP(r), r.UserAgent(), time.Now())
	http.SetCookie(w, &http.Cookie{
		Name:     "akane_token",
		Value:    token,
		Path:     "/hls/" + videoID,
		MaxAge:   int(time.Hour.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := playerPageData{
		VideoID:      videoID,
		Name:         video.Name,
		PlaylistURL:  "/hls/" + videoID + "/master.m3u8",
		ThumbnailURL: h.Objects.PublicURL(video.ThumbnailKey),
		Duration:     video.DurationSeconds,
	}
	if err := playerTemplate.Execute(w, data); err != nil {
		h.logger().Error("render player page", "video_id", videoID, "error", err)
	}
}
