package api

import (
	"net/http"
	"sort"

	"akane/internal/ingest"
	"akane/internal/progress"
)

type queueItem struct {
	UploadID     string `json:"upload_id"`
	Stage        string `json:"stage"`
	CurrentChunk int    `json:"current_chunk"`
	TotalChunks  int    `json:"total_chunks"`
	Percentage   int    `json:"percentage"`
	Details      string `json:"details,omitempty"`
	Status       string `json:"status"`
	VideoName    string `json:"video_name,omitempty"`
	CreatedAt    int64  `json:"created_at"`
}

type queueListResponse struct {
	Items          []queueItem `json:"items"`
	ActiveCount    int         `json:"active_count"`
	CompletedCount int         `json:"completed_count"`
	FailedCount    int         `json:"failed_count"`
}

// Queues returns every non-evicted progress record with status counts.
func (h *Handler) Queues(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	snaps := h.Bus.Snapshots()
	items := make([]queueItem, 0, len(snaps))
	var active, completed, failed int
	for _, snap := range snaps {
		switch snap.Status {
		case progress.StatusCompleted:
			completed++
		case progress.StatusFailed:
			failed++
		default:
			active++
		}
		items = append(items, queueItem{
			UploadID:     snap.UploadID,
			Stage:        string(snap.Stage),
			CurrentChunk: snap.CurrentChunk,
			TotalChunks:  snap.TotalChunks,
			Percentage:   snap.Percentage,
			Details:      snap.Details,
			Status:       string(snap.Status),
			VideoName:    snap.VideoName,
			CreatedAt:    snap.CreatedAt.UnixMilli(),
		})
	}
	// Oldest first keeps the admin queue stable across refreshes.
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt == items[j].CreatedAt {
			return items[i].UploadID < items[j].UploadID
		}
		return items[i].CreatedAt < items[j].CreatedAt
	})
	writeJSON(w, http.StatusOK, queueListResponse{
		Items:          items,
		ActiveCount:    active,
		CompletedCount: completed,
		FailedCount:    failed,
	})
}

type cancelResponse struct {
	Cancelled bool   `json:"cancelled"`
	Message   string `json:"message"`
}

// CancelQueue cancels a non-terminal ingest: a running pipeline is signalled
// cooperatively (the encoder subprocess is killed), a chunk set still being
// received is aborted directly.
func (h *Handler) CancelQueue(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	uploadID := r.PathValue("id")
	snap, err := h.Bus.Snapshot(uploadID)
	if err != nil {
		writeErrorKind(w, ingest.KindNotFound, "queue item not found")
		return
	}
	if snap.Status.Terminal() {
		writeErrorKind(w, ingest.KindConflict, "queue item already finished")
		return
	}

	if h.Orchestrator.Cancel(uploadID) {
		// The pipeline's failure path publishes the terminal snapshot.
		writeJSON(w, http.StatusOK, cancelResponse{Cancelled: true, Message: "cancellation requested"})
		return
	}

	// No running pipeline: chunk receive phase or stale record.
	_ = h.Assembler.Abort(uploadID)
	message := "Cancelled by operator"
	if err := h.Bus.Publish(uploadID, progress.Delta{
		Status: progress.StatusPtr(progress.StatusFailed),
		Error:  progress.StringPtr(message),
	}); err != nil {
		h.logger().Warn("cancel publish failed", "upload_id", uploadID, "error", err)
	}
	writeJSON(w, http.StatusOK, cancelResponse{Cancelled: true, Message: "queue item cancelled"})
}
