// Package api implements the HTTP surface: uploads and chunk assembly,
// progress streaming, queue administration, video management, HLS proxying,
// the player page, and viewer analytics.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"akane/internal/analytics"
	"akane/internal/chunk"
	"akane/internal/ingest"
	"akane/internal/objectstore"
	"akane/internal/observability/metrics"
	"akane/internal/progress"
	"akane/internal/storage"
)

// Handler carries every collaborator the HTTP surface needs. Fields are
// explicit service values, never ambient globals.
type Handler struct {
	Store        storage.Repository
	Bus          *progress.Registry
	Assembler    *chunk.Assembler
	Orchestrator *ingest.Orchestrator
	Objects      *objectstore.Client
	Viewers      analytics.ViewerTracker
	Views        analytics.ViewStore

	AdminPassword string
	SecretKey     string
	StagingDir    string

	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps an error to the JSON {error, code} contract with the
// status implied by its ingest kind.
func writeError(w http.ResponseWriter, err error) {
	kind := ingest.KindOf(err)
	writeJSON(w, statusFor(kind), map[string]string{
		"error": err.Error(),
		"code":  string(kind),
	})
}

func writeErrorKind(w http.ResponseWriter, kind ingest.Kind, message string) {
	writeJSON(w, statusFor(kind), map[string]string{
		"error": message,
		"code":  string(kind),
	})
}

func statusFor(kind ingest.Kind) int {
	switch kind {
	case ingest.KindInvalidRequest:
		return http.StatusBadRequest
	case ingest.KindUnauthorized:
		return http.StatusUnauthorized
	case ingest.KindNotFound:
		return http.StatusNotFound
	case ingest.KindConflict, ingest.KindCancelled:
		return http.StatusConflict
	case ingest.KindIncomplete:
		return http.StatusTooEarly
	case ingest.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

// Authorized checks the admin bearer token on the request, accepting either
// the Authorization header or a ?token= query parameter (EventSource cannot
// set headers).
func (h *Handler) Authorized(r *http.Request) bool {
	expected := []byte(h.AdminPassword)
	if len(expected) == 0 {
		return false
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		provided := strings.TrimSpace(header[len("bearer "):])
		if subtle.ConstantTimeCompare([]byte(provided), expected) == 1 {
			return true
		}
	}
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return subtle.ConstantTimeCompare([]byte(token), expected) == 1
	}
	return false
}

func (h *Handler) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if h.Authorized(r) {
		return true
	}
	writeErrorKind(w, ingest.KindUnauthorized, "authentication required")
	return false
}

// AuthCheck answers the admin UI's bearer-token validity probe.
func (h *Handler) AuthCheck(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Health reports process liveness plus datastore reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// clientIP resolves the caller address, trusting the first X-Forwarded-For
// entry when present.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func parseTags(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	tags := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			tags = append(tags, trimmed)
		}
	}
	return tags
}
