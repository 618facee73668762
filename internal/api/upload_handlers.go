package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"akane/internal/chunk"
	"akane/internal/ingest"
	"akane/internal/progress"
)

const maxUploadBytes = 4 << 30

type uploadAcceptedResponse struct {
	UploadID string `json:"upload_id"`
	Message  string `json:"message"`
}

type chunkAcceptedResponse struct {
	UploadID string `json:"upload_id"`
	Index    int    `json:"chunk_index"`
	Received int    `json:"received"`
	Total    int    `json:"total_chunks"`
}

func uploadIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Upload-ID"))
}

// Upload handles single-request uploads: the file is streamed to the
// staging area and the ingest pipeline starts in the background.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	uploadID := uploadIDFromRequest(r)
	if uploadID == "" {
		uploadID = uuid.NewString()
	}
	if err := ingest.ValidateUploadID(uploadID); err != nil {
		writeError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	reader, err := r.MultipartReader()
	if err != nil {
		writeErrorKind(w, ingest.KindInvalidRequest, "multipart form required: "+err.Error())
		return
	}

	var (
		sourcePath string
		name       string
		tags       []string
	)
	cleanup := func() {
		if sourcePath != "" {
			_ = os.Remove(sourcePath)
		}
	}
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			cleanup()
			writeErrorKind(w, ingest.KindInvalidRequest, "read multipart: "+err.Error())
			return
		}
		switch part.FormName() {
		case "file":
			fileName := filepath.Base(part.FileName())
			if fileName == "" || fileName == "." {
				fileName = "upload.mp4"
			}
			path := filepath.Join(h.StagingDir, fmt.Sprintf("source-%s-%s", uploadID, fileName))
			out, err := os.Create(path)
			if err != nil {
				cleanup()
				writeError(w, err)
				return
			}
			if _, err := io.Copy(out, part); err != nil {
				out.Close()
				_ = os.Remove(path)
				cleanup()
				writeErrorKind(w, ingest.KindInvalidRequest, "stream upload: "+err.Error())
				return
			}
			if err := out.Close(); err != nil {
				_ = os.Remove(path)
				cleanup()
				writeError(w, err)
				return
			}
			sourcePath = path
		case "name":
			value, err := readPartText(part)
			if err != nil {
				cleanup()
				writeError(w, err)
				return
			}
			name = strings.TrimSpace(value)
		case "tags":
			value, err := readPartText(part)
			if err != nil {
				cleanup()
				writeError(w, err)
				return
			}
			tags = parseTags(value)
		}
		part.Close()
	}

	if sourcePath == "" {
		writeErrorKind(w, ingest.KindInvalidRequest, "missing file field 'file'")
		return
	}
	if name == "" {
		cleanup()
		writeErrorKind(w, ingest.KindInvalidRequest, "missing field 'name'")
		return
	}

	if err := h.Orchestrator.Begin(ingest.BeginParams{
		UploadID:    uploadID,
		SourcePath:  sourcePath,
		DisplayName: name,
		Tags:        tags,
	}); err != nil {
		cleanup()
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, uploadAcceptedResponse{
		UploadID: uploadID,
		Message:  "upload accepted, processing started in background",
	})
}

// UploadChunk accepts one chunk of a multi-part client-side split.
func (h *Handler) UploadChunk(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	uploadID := uploadIDFromRequest(r)
	if uploadID == "" {
		writeErrorKind(w, ingest.KindInvalidRequest, "missing X-Upload-ID header")
		return
	}
	if err := ingest.ValidateUploadID(uploadID); err != nil {
		writeError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeErrorKind(w, ingest.KindInvalidRequest, "multipart form required: "+err.Error())
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	index, err := formInt(r, "chunk_index")
	if err != nil {
		writeError(w, err)
		return
	}
	total, err := formInt(r, "total_chunks")
	if err != nil {
		writeError(w, err)
		return
	}
	fileName := strings.TrimSpace(r.FormValue("file_name"))
	if fileName == "" {
		writeErrorKind(w, ingest.KindInvalidRequest, "missing field 'file_name'")
		return
	}
	file, _, err := r.FormFile("chunk")
	if err != nil {
		writeErrorKind(w, ingest.KindInvalidRequest, "missing field 'chunk'")
		return
	}
	defer file.Close()

	// First chunk for an id registers its progress record so subscribers
	// can follow the receive phase.
	if err := h.Bus.Create(uploadID); err == nil {
		h.publishChunkProgress(uploadID, 0, total, fileName)
	}

	received, expected, err := h.Assembler.PutChunk(uploadID, index, total, fileName, file)
	if err != nil {
		writeError(w, err)
		return
	}
	h.publishChunkProgress(uploadID, received, expected, fileName)

	writeJSON(w, http.StatusOK, chunkAcceptedResponse{
		UploadID: uploadID,
		Index:    index,
		Received: received,
		Total:    expected,
	})
}

func (h *Handler) publishChunkProgress(uploadID string, received, total int, fileName string) {
	pct := 0
	if total > 0 {
		pct = received * 100 / total
	}
	delta := progress.Delta{
		Stage:        progress.StagePtr(progress.StageReceivingChunks),
		Status:       progress.StatusPtr(progress.StatusProcessing),
		Percentage:   progress.IntPtr(pct),
		CurrentChunk: progress.IntPtr(received),
		TotalChunks:  progress.IntPtr(total),
		Details:      progress.StringPtr(fmt.Sprintf("Received chunk %d of %d", received, total)),
		VideoName:    progress.StringPtr(fileName),
	}
	if err := h.Bus.Publish(uploadID, delta); err != nil {
		h.logger().Debug("chunk progress dropped", "upload_id", uploadID, "error", err)
	}
}

type finalizeRequest struct {
	Name string `json:"name"`
	Tags string `json:"tags,omitempty"`
}

// UploadFinalize assembles the received chunks and starts the pipeline.
func (h *Handler) UploadFinalize(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	uploadID := uploadIDFromRequest(r)
	if uploadID == "" {
		writeErrorKind(w, ingest.KindInvalidRequest, "missing X-Upload-ID header")
		return
	}
	var body finalizeRequest
	if err := decodeJSON(r, &body); err != nil {
		writeErrorKind(w, ingest.KindInvalidRequest, "invalid payload: "+err.Error())
		return
	}
	if strings.TrimSpace(body.Name) == "" {
		writeErrorKind(w, ingest.KindInvalidRequest, "missing field 'name'")
		return
	}

	assembledPath, fileName, err := h.Assembler.Finalize(uploadID)
	if err != nil {
		if errors.Is(err, chunk.ErrNotFound) {
			writeErrorKind(w, ingest.KindNotFound, "upload id not found or already finalized")
			return
		}
		writeError(w, err)
		return
	}

	// Move the assembled file out of the chunk staging directory so the
	// directory can be reclaimed immediately.
	sourcePath := filepath.Join(h.StagingDir, fmt.Sprintf("source-%s-%s", uploadID, filepath.Base(fileName)))
	if err := os.Rename(assembledPath, sourcePath); err != nil {
		writeError(w, err)
		return
	}
	_ = os.RemoveAll(filepath.Dir(assembledPath))

	if err := h.Orchestrator.Begin(ingest.BeginParams{
		UploadID:    uploadID,
		SourcePath:  sourcePath,
		DisplayName: strings.TrimSpace(body.Name),
		Tags:        parseTags(body.Tags),
	}); err != nil {
		_ = os.Remove(sourcePath)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, uploadAcceptedResponse{
		UploadID: uploadID,
		Message:  "chunked upload finalized, processing started in background",
	})
}

func readPartText(part io.Reader) (string, error) {
	raw, err := io.ReadAll(io.LimitReader(part, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read form field: %w", err)
	}
	return string(raw), nil
}

func formInt(r *http.Request, field string) (int, error) {
	raw := strings.TrimSpace(r.FormValue(field))
	if raw == "" {
		return 0, ingest.NewError(ingest.KindInvalidRequest, "missing field '"+field+"'")
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, ingest.NewError(ingest.KindInvalidRequest, "invalid "+field)
	}
	return value, nil
}
