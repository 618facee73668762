package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// StageLabel identifies ingest stage events by stage name and outcome.
type StageLabel struct {
	Stage   string
	Outcome string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP
// requests, ingest lifecycle events, encoder subprocesses, and object-store
// uploads. It coordinates concurrent writers via a RWMutex while exposing
// atomic gauges for active work tracking.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	ingestEvents    map[string]uint64
	stageEvents     map[StageLabel]uint64
	uploadedObjects uint64
	uploadedBytes   uint64
	activeEncodes   atomic.Int64
	activeUploads   atomic.Int64
	activeIngests   atomic.Int64
	activeViewers   atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		ingestEvents:    make(map[string]uint64),
		stageEvents:     make(map[StageLabel]uint64),
	}
}

// Default returns the singleton Recorder shared across packages that do not
// require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// IngestStarted records the admission of a new ingest and increments the
// active ingest gauge.
func (r *Recorder) IngestStarted() {
	r.incrementIngestEvent("start")
	r.activeIngests.Add(1)
}

// IngestCompleted records a successful ingest and decrements the active
// ingest gauge.
func (r *Recorder) IngestCompleted() {
	r.incrementIngestEvent("complete")
	r.decrementGauge(&r.activeIngests)
}

// IngestFailed records a failed ingest and decrements the active ingest
// gauge, guarding against negative counts when concurrent updates race.
func (r *Recorder) IngestFailed() {
	r.incrementIngestEvent("fail")
	r.decrementGauge(&r.activeIngests)
}

func (r *Recorder) incrementIngestEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.ingestEvents[normalized]++
	r.mu.Unlock()
}

// ObserveStage records an ingest stage transition keyed by stage name and
// outcome ("enter", "complete", "fail").
func (r *Recorder) ObserveStage(stage, outcome string) {
	label := StageLabel{Stage: normalizeName(stage), Outcome: normalizeName(outcome)}
	r.mu.Lock()
	r.stageEvents[label]++
	r.mu.Unlock()
}

// EncodeStarted increments the active encoder subprocess gauge.
func (r *Recorder) EncodeStarted() {
	r.activeEncodes.Add(1)
}

// EncodeFinished decrements the active encoder subprocess gauge.
func (r *Recorder) EncodeFinished() {
	r.decrementGauge(&r.activeEncodes)
}

// UploadStarted increments the active object-store PUT gauge.
func (r *Recorder) UploadStarted() {
	r.activeUploads.Add(1)
}

// UploadFinished decrements the active object-store PUT gauge and, on
// success, accumulates object and byte counters.
func (r *Recorder) UploadFinished(bytes int64, ok bool) {
	r.decrementGauge(&r.activeUploads)
	if !ok {
		return
	}
	r.mu.Lock()
	r.uploadedObjects++
	if bytes > 0 {
		r.uploadedBytes += uint64(bytes)
	}
	r.mu.Unlock()
}

// SetActiveViewers stores the current realtime viewer gauge across all videos.
func (r *Recorder) SetActiveViewers(count int64) {
	if count < 0 {
		count = 0
	}
	r.activeViewers.Store(count)
}

// ActiveEncodes exposes the current number of running encoder subprocesses.
func (r *Recorder) ActiveEncodes() int64 {
	return r.activeEncodes.Load()
}

// ActiveUploads exposes the current number of in-flight object-store PUTs.
func (r *Recorder) ActiveUploads() int64 {
	return r.activeUploads.Load()
}

// ActiveIngests exposes the current number of ingests between admission and
// terminal state.
func (r *Recorder) ActiveIngests() int64 {
	return r.activeIngests.Load()
}

// IngestCounts returns copies of ingest lifecycle counters for testing and
// reporting purposes.
func (r *Recorder) IngestCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events := make(map[string]uint64, len(r.ingestEvents))
	for k, v := range r.ingestEvents {
		events[k] = v
	}
	return events
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.ingestEvents = make(map[string]uint64)
	r.stageEvents = make(map[StageLabel]uint64)
	r.uploadedObjects = 0
	r.uploadedBytes = 0
	r.activeEncodes.Store(0)
	r.activeUploads.Store(0)
	r.activeIngests.Store(0)
	r.activeViewers.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	ingestEvents := r.sortedIngestEvents()
	stageLabels := r.sortedStageLabels()

	fmt.Fprintln(w, "# HELP akane_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE akane_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "akane_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP akane_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE akane_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "akane_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP akane_ingest_events_total Ingest lifecycle events by type")
	fmt.Fprintln(w, "# TYPE akane_ingest_events_total counter")
	for _, event := range ingestEvents {
		fmt.Fprintf(w, "akane_ingest_events_total{event=\"%s\"} %d\n", event, r.ingestEvents[event])
	}

	fmt.Fprintln(w, "# HELP akane_ingest_stage_events_total Ingest stage transitions by stage and outcome")
	fmt.Fprintln(w, "# TYPE akane_ingest_stage_events_total counter")
	for _, label := range stageLabels {
		fmt.Fprintf(w, "akane_ingest_stage_events_total{stage=\"%s\",outcome=\"%s\"} %d\n", label.Stage, label.Outcome, r.stageEvents[label])
	}

	fmt.Fprintln(w, "# HELP akane_active_ingests Current number of ingests between admission and terminal state")
	fmt.Fprintln(w, "# TYPE akane_active_ingests gauge")
	fmt.Fprintf(w, "akane_active_ingests %d\n", r.activeIngests.Load())

	fmt.Fprintln(w, "# HELP akane_active_encodes Current number of running encoder subprocesses")
	fmt.Fprintln(w, "# TYPE akane_active_encodes gauge")
	fmt.Fprintf(w, "akane_active_encodes %d\n", r.activeEncodes.Load())

	fmt.Fprintln(w, "# HELP akane_active_uploads Current number of in-flight object-store PUTs")
	fmt.Fprintln(w, "# TYPE akane_active_uploads gauge")
	fmt.Fprintf(w, "akane_active_uploads %d\n", r.activeUploads.Load())

	fmt.Fprintln(w, "# HELP akane_uploaded_objects_total Total objects stored in the object store")
	fmt.Fprintln(w, "# TYPE akane_uploaded_objects_total counter")
	fmt.Fprintf(w, "akane_uploaded_objects_total %d\n", r.uploadedObjects)

	fmt.Fprintln(w, "# HELP akane_uploaded_bytes_total Total bytes stored in the object store")
	fmt.Fprintln(w, "# TYPE akane_uploaded_bytes_total counter")
	fmt.Fprintf(w, "akane_uploaded_bytes_total %d\n", r.uploadedBytes)

	fmt.Fprintln(w, "# HELP akane_active_viewers Current realtime viewer count across all videos")
	fmt.Fprintln(w, "# TYPE akane_active_viewers gauge")
	fmt.Fprintf(w, "akane_active_viewers %d\n", r.activeViewers.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedIngestEvents() []string {
	events := make([]string, 0, len(r.ingestEvents))
	for event := range r.ingestEvents {
		events = append(events, event)
	}
	sort.Strings(events)
	return events
}

func (r *Recorder) sortedStageLabels() []StageLabel {
	labels := make([]StageLabel, 0, len(r.stageEvents))
	for label := range r.stageEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Stage != labels[j].Stage {
			return labels[i].Stage < labels[j].Stage
		}
		return labels[i].Outcome < labels[j].Outcome
	})
	return labels
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
