package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"akane/internal/ingest"
	"akane/internal/progress"
)

const sseHeartbeatInterval = 15 * time.Second

// progressEvent is the closed SSE payload record. New fields require a new
// stage enum value, not ad-hoc extension.
type progressEvent struct {
	Percentage   int              `json:"percentage"`
	Stage        string           `json:"stage"`
	CurrentChunk int              `json:"current_chunk"`
	TotalChunks  int              `json:"total_chunks"`
	Details      string           `json:"details,omitempty"`
	Status       string           `json:"status"`
	Result       *progress.Result `json:"result,omitempty"`
	Error        string           `json:"error,omitempty"`
}

func eventFromSnapshot(snap progress.Snapshot) progressEvent {
	return progressEvent{
		Percentage:   snap.Percentage,
		Stage:        string(snap.Stage),
		CurrentChunk: snap.CurrentChunk,
		TotalChunks:  snap.TotalChunks,
		Details:      snap.Details,
		Status:       string(snap.Status),
		Result:       snap.Result,
		Error:        snap.Error,
	}
}

// Progress streams progress snapshots for one upload id as server-sent
// events, closing the body right after the terminal snapshot.
func (h *Handler) Progress(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	uploadID := r.PathValue("id")
	if err := ingest.ValidateUploadID(uploadID); err != nil {
		writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorKind(w, ingest.KindInternal, "streaming unsupported")
		return
	}

	snap, updates, cancel, err := h.Bus.Subscribe(r.Context(), uploadID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent := func(snap progress.Snapshot) bool {
		payload, err := json.Marshal(eventFromSnapshot(snap))
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return false
		}
		flusher.Flush()
		return !snap.Status.Terminal()
	}

	if !writeEvent(snap) {
		return
	}

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case next, open := <-updates:
			if !open {
				return
			}
			if !writeEvent(next) {
				return
			}
		}
	}
}
