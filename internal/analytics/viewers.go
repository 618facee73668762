// Package analytics tracks realtime viewer presence and durable view
// counts. Presence has two drivers (in-memory and Redis) behind one
// interface; durable views go to an optional ClickHouse store.
package analytics

import (
	"context"
	"sync"
	"time"

	"akane/internal/observability/metrics"
)

// ViewerTTL is how long a viewer counts as active after its last heartbeat.
const ViewerTTL = 30 * time.Second

// ViewerTracker records playback heartbeats and reports per-video active
// viewer counts.
type ViewerTracker interface {
	Heartbeat(ctx context.Context, videoID, viewerID string) error
	ActiveCounts(ctx context.Context) (map[string]int, error)
	Close()
}

// MemoryViewers keeps presence in process memory. Expired viewers are pruned
// on read, mirroring the realtime stream cadence.
type MemoryViewers struct {
	mu      sync.Mutex
	viewers map[string]map[string]time.Time
	metrics *metrics.Recorder
	clock   func() time.Time
}

// NewMemoryViewers constructs the in-memory presence driver.
func NewMemoryViewers(recorder *metrics.Recorder) *MemoryViewers {
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &MemoryViewers{
		viewers: make(map[string]map[string]time.Time),
		metrics: recorder,
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryViewers) Heartbeat(_ context.Context, videoID, viewerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	perVideo := m.viewers[videoID]
	if perVideo == nil {
		perVideo = make(map[string]time.Time)
		m.viewers[videoID] = perVideo
	}
	perVideo[viewerID] = m.clock()
	return nil
}

func (m *MemoryViewers) ActiveCounts(context.Context) (map[string]int, error) {
	now := m.clock()
	counts := make(map[string]int)
	var total int64
	m.mu.Lock()
	for videoID, perVideo := range m.viewers {
		for viewerID, lastSeen := range perVideo {
			if now.Sub(lastSeen) >= ViewerTTL {
				delete(perVideo, viewerID)
			}
		}
		if len(perVideo) == 0 {
			delete(m.viewers, videoID)
			continue
		}
		counts[videoID] = len(perVideo)
		total += int64(len(perVideo))
	}
	m.mu.Unlock()
	m.metrics.SetActiveViewers(total)
	return counts, nil
}

func (m *MemoryViewers) Close() {}

var _ ViewerTracker = (*MemoryViewers)(nil)
