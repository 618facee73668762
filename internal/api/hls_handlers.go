package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"akane/internal/ingest"
	"akane/internal/objectstore"
	"akane/internal/storage"
)

// HLSFile proxies playlists and segments from the object store. Media
// requests require a valid playback token cookie; the player page mints it.
func (h *Handler) HLSFile(w http.ResponseWriter, r *http.Request) {
	videoID := r.PathValue("id")
	file := r.PathValue("file")
	if videoID == "" || file == "" || strings.Contains(file, "..") {
		writeErrorKind(w, ingest.KindInvalidRequest, "invalid path")
		return
	}

	if isMediaFile(file) {
		token := ""
		if cookie, err := r.Cookie("akane_token"); err == nil {
			token = cookie.Value
		}
		if !VerifyPlaybackToken(videoID, token, h.SecretKey, clientIP(r), r.UserAgent(), time.Now()) {
			writeErrorKind(w, ingest.KindUnauthorized, "invalid or expired playback token")
			return
		}
	}

	key := "hls/" + videoID + "/" + file
	object, err := h.Objects.Get(r.Context(), key)
	if err != nil {
		handleObjectError(w, err)
		return
	}
	defer object.Body.Close()

	contentType := object.ContentType
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = objectstore.ContentTypeFor(file)
	}
	w.Header().Set("Content-Type", contentType)
	if object.ContentLength > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(object.ContentLength, 10))
	}
	if _, err := io.Copy(w, object.Body); err != nil {
		h.logger().Debug("hls proxy interrupted", "key", key, "error", err)
	}
}

func isMediaFile(file string) bool {
	lower := strings.ToLower(file)
	return strings.HasSuffix(lower, ".m3u8") ||
		strings.HasSuffix(lower, ".ts") ||
		strings.HasSuffix(lower, ".m4s") ||
		strings.HasSuffix(lower, ".mp4")
}

func handleObjectError(w http.ResponseWriter, err error) {
	var statusErr *objectstore.StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
		writeErrorKind(w, ingest.KindNotFound, "object not found")
		return
	}
	writeErrorKind(w, ingest.KindInternal, "object store unavailable")
}

type subtitleListResponse struct {
	Subtitles []subtitleDTO `json:"subtitles"`
}

type subtitleDTO struct {
	Track    int    `json:"track"`
	Codec    string `json:"codec"`
	Language string `json:"language,omitempty"`
	Title    string `json:"title,omitempty"`
	Default  bool   `json:"default"`
	Forced   bool   `json:"forced"`
	URL      string `json:"url"`
}

// VideoSubtitles lists the subtitle sidecars for a video.
func (h *Handler) VideoSubtitles(w http.ResponseWriter, r *http.Request) {
	videoID := r.PathValue("id")
	subtitles, err := h.Store.ListSubtitles(r.Context(), videoID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeErrorKind(w, ingest.KindNotFound, "video not found")
			return
		}
		writeError(w, err)
		return
	}
	dtos := make([]subtitleDTO, 0, len(subtitles))
	for _, sub := range subtitles {
		ext := sub.Codec
		if sub.Codec == "subrip" {
			ext = "srt"
		}
		dtos = append(dtos, subtitleDTO{
			Track:    sub.Track,
			Codec:    sub.Codec,
			Language: sub.Language,
			Title:    sub.Title,
			Default:  sub.Default,
			Forced:   sub.Forced,
			URL:      "/api/videos/" + videoID + "/subtitles/" + strconv.Itoa(sub.Track) + "." + ext,
		})
	}
	writeJSON(w, http.StatusOK, subtitleListResponse{Subtitles: dtos})
}

// SubtitleFile streams one subtitle sidecar from the object store.
func (h *Handler) SubtitleFile(w http.ResponseWriter, r *http.Request) {
	videoID := r.PathValue("id")
	trackWithExt := r.PathValue("track")
	trackStr, _, _ := strings.Cut(trackWithExt, ".")
	track, err := strconv.Atoi(trackStr)
	if err != nil {
		writeErrorKind(w, ingest.KindInvalidRequest, "invalid track")
		return
	}
	subtitle, err := h.Store.GetSubtitle(r.Context(), videoID, track)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeErrorKind(w, ingest.KindNotFound, "subtitle not found")
			return
		}
		writeError(w, err)
		return
	}
	object, err := h.Objects.Get(r.Context(), subtitle.Key)
	if err != nil {
		handleObjectError(w, err)
		return
	}
	defer object.Body.Close()

	w.Header().Set("Content-Type", objectstore.ContentTypeFor(subtitle.Key))
	w.Header().Set("Access-Control-Allow-Origin", "*")
	_, _ = io.Copy(w, object.Body)
}

type attachmentListResponse struct {
	Attachments []attachmentDTO `json:"attachments"`
}

type attachmentDTO struct {
	Filename string `json:"filename"`
	Mime     string `json:"mime"`
	URL      string `json:"url"`
}

// VideoAttachments lists the font sidecars for a video.
func (h *Handler) VideoAttachments(w http.ResponseWriter, r *http.Request) {
	videoID := r.PathValue("id")
	attachments, err := h.Store.ListAttachments(r.Context(), videoID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeErrorKind(w, ingest.KindNotFound, "video not found")
			return
		}
		writeError(w, err)
		return
	}
	dtos := make([]attachmentDTO, 0, len(attachments))
	for _, att := range attachments {
		dtos = append(dtos, attachmentDTO{
			Filename: att.Filename,
			Mime:     att.Mime,
			URL:      "/api/videos/" + videoID + "/attachments/" + att.Filename,
		})
	}
	writeJSON(w, http.StatusOK, attachmentListResponse{Attachments: dtos})
}

// AttachmentFile streams one font sidecar; fonts are immutable so they cache
// for a year.
func (h *Handler) AttachmentFile(w http.ResponseWriter, r *http.Request) {
	videoID := r.PathValue("id")
	filename := r.PathValue("file")
	attachment, err := h.Store.GetAttachment(r.Context(), videoID, filename)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeErrorKind(w, ingest.KindNotFound, "attachment not found")
			return
		}
		writeError(w, err)
		return
	}
	object, err := h.Objects.Get(r.Context(), attachment.Key)
	if err != nil {
		handleObjectError(w, err)
		return
	}
	defer object.Body.Close()

	w.Header().Set("Content-Type", attachment.Mime)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Cache-Control", "public, max-age=31536000")
	_, _ = io.Copy(w, object.Body)
}

type chapterListResponse struct {
	Chapters []chapterDTO `json:"chapters"`
}

type chapterDTO struct {
	Index   int    `json:"index"`
	StartMS int64  `json:"start_ms"`
	EndMS   int64  `json:"end_ms"`
	Title   string `json:"title"`
}

// VideoChapters lists the chapter markers for a video.
func (h *Handler) VideoChapters(w http.ResponseWriter, r *http.Request) {
	videoID := r.PathValue("id")
	chapters, err := h.Store.ListChapters(r.Context(), videoID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeErrorKind(w, ingest.KindNotFound, "video not found")
			return
		}
		writeError(w, err)
		return
	}
	dtos := make([]chapterDTO, 0, len(chapters))
	for _, ch := range chapters {
		dtos = append(dtos, chapterDTO{Index: ch.Index, StartMS: ch.StartMS, EndMS: ch.EndMS, Title: ch.Title})
	}
	writeJSON(w, http.StatusOK, chapterListResponse{Chapters: dtos})
}
