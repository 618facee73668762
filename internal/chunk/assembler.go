// Package chunk assembles client-side file chunks into a single source file
// for ingest. Chunks arrive in any order; the assembler owns a staging
// directory per upload id until finalize or abort.
package chunk

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned for operations on unknown upload ids.
	ErrNotFound = errors.New("chunk set not found")
	// ErrChunkMismatch is returned when a later chunk disagrees on total
	// count or file name.
	ErrChunkMismatch = errors.New("chunk metadata mismatch")
	// ErrInvalidIndex is returned for indices outside [0, total).
	ErrInvalidIndex = errors.New("chunk index out of range")
	// ErrIncomplete is returned by Finalize before all chunks arrived.
	ErrIncomplete = errors.New("chunk set incomplete")
	// ErrAlreadyFinalized is returned by Finalize (and Put) while a set is
	// still registered but already marked finalized: a call that waited on a
	// concurrent Finalize, or any call after a Finalize that failed during
	// assembly. A Finalize after a successful one returns ErrNotFound,
	// because a successful Finalize forgets the set.
	ErrAlreadyFinalized = errors.New("chunk set already finalized")
)

const defaultIdleTimeout = time.Hour

type chunkSet struct {
	mu           sync.Mutex
	uploadID     string
	total        int
	fileName     string
	received     map[int]struct{}
	dir          string
	lastActivity time.Time
	finalized    bool
}

// Assembler stages numbered chunks on disk and concatenates them on
// finalize. Safe for concurrent use across and within upload ids.
type Assembler struct {
	mu   sync.Mutex
	sets map[string]*chunkSet

	root        string
	idleTimeout time.Duration
	logger      *slog.Logger
	clock       func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// Option customises Assembler construction.
type Option func(*Assembler)

// WithIdleTimeout overrides how long an inactive chunk set is retained
// before the sweeper aborts it.
func WithIdleTimeout(d time.Duration) Option {
	return func(a *Assembler) {
		if d > 0 {
			a.idleTimeout = d
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(clock func() time.Time) Option {
	return func(a *Assembler) {
		if clock != nil {
			a.clock = clock
		}
	}
}

// NewAssembler constructs an assembler staging under root and starts the
// idle sweeper.
func NewAssembler(root string, logger *slog.Logger, opts ...Option) (*Assembler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve staging root: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("prepare staging root: %w", err)
	}
	a := &Assembler{
		sets:        make(map[string]*chunkSet),
		root:        absRoot,
		idleTimeout: defaultIdleTimeout,
		logger:      logger,
		clock:       func() time.Time { return time.Now().UTC() },
		stop:        make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	go a.sweep()
	return a, nil
}

// Close stops the idle sweeper. Staged data is left on disk.
func (a *Assembler) Close() {
	a.stopOnce.Do(func() { close(a.stop) })
}

// PutChunk persists one chunk. The chunk set is created on first call;
// later calls must agree on total and fileName. Duplicate indices are
// accepted idempotently with last write winning.
func (a *Assembler) PutChunk(uploadID string, index, total int, fileName string, data io.Reader) (received, expected int, err error) {
	if total <= 0 {
		return 0, 0, fmt.Errorf("%w: total_chunks must be positive", ErrChunkMismatch)
	}
	if index < 0 || index >= total {
		return 0, 0, fmt.Errorf("%w: index %d of %d", ErrInvalidIndex, index, total)
	}

	set, err := a.setFor(uploadID, total, fileName)
	if err != nil {
		return 0, 0, err
	}

	set.mu.Lock()
	if set.finalized {
		set.mu.Unlock()
		return 0, 0, ErrAlreadyFinalized
	}
	if set.total != total || set.fileName != fileName {
		set.mu.Unlock()
		return 0, 0, fmt.Errorf("%w: expected %d chunks of %q", ErrChunkMismatch, set.total, set.fileName)
	}
	if _, dup := set.received[index]; dup {
		a.logger.Warn("duplicate chunk overwritten", "upload_id", uploadID, "index", index)
	}
	set.lastActivity = a.clock()
	dir := set.dir
	set.mu.Unlock()

	// Writes to distinct indices proceed without the set lock held.
	path := filepath.Join(dir, chunkFileName(index))
	if err := writeChunk(path, data); err != nil {
		return 0, 0, err
	}

	set.mu.Lock()
	set.received[index] = struct{}{}
	set.lastActivity = a.clock()
	received = len(set.received)
	expected = set.total
	set.mu.Unlock()
	return received, expected, nil
}

// Received reports how many chunks have arrived for the upload id.
func (a *Assembler) Received(uploadID string) (received, expected int, fileName string, err error) {
	a.mu.Lock()
	set := a.sets[uploadID]
	a.mu.Unlock()
	if set == nil {
		return 0, 0, "", ErrNotFound
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	return len(set.received), set.total, set.fileName, nil
}

// Finalize concatenates the chunks in index order into a single file and
// removes the individual chunks. It is single-shot per upload id: on success
// the set is forgotten, so a later Finalize returns ErrNotFound rather than
// ErrAlreadyFinalized.
func (a *Assembler) Finalize(uploadID string) (assembledPath, fileName string, err error) {
	a.mu.Lock()
	set := a.sets[uploadID]
	a.mu.Unlock()
	if set == nil {
		return "", "", ErrNotFound
	}

	set.mu.Lock()
	defer set.mu.Unlock()
	if set.finalized {
		return "", "", ErrAlreadyFinalized
	}
	if len(set.received) != set.total {
		return "", "", fmt.Errorf("%w: %d of %d chunks received", ErrIncomplete, len(set.received), set.total)
	}
	set.finalized = true

	assembled := filepath.Join(set.dir, "assembled")
	out, err := os.Create(assembled)
	if err != nil {
		return "", "", fmt.Errorf("create assembled file: %w", err)
	}
	for i := 0; i < set.total; i++ {
		part := filepath.Join(set.dir, chunkFileName(i))
		in, err := os.Open(part)
		if err != nil {
			out.Close()
			return "", "", fmt.Errorf("open chunk %d: %w", i, err)
		}
		if _, err := io.Copy(out, in); err != nil {
			in.Close()
			out.Close()
			return "", "", fmt.Errorf("append chunk %d: %w", i, err)
		}
		in.Close()
	}
	if err := out.Close(); err != nil {
		return "", "", fmt.Errorf("close assembled file: %w", err)
	}
	for i := 0; i < set.total; i++ {
		if err := os.Remove(filepath.Join(set.dir, chunkFileName(i))); err != nil {
			a.logger.Warn("remove chunk after assembly", "upload_id", uploadID, "index", i, "error", err)
		}
	}

	a.mu.Lock()
	delete(a.sets, uploadID)
	a.mu.Unlock()
	return assembled, set.fileName, nil
}

// Abort deletes the staging directory and forgets the chunk set.
func (a *Assembler) Abort(uploadID string) error {
	a.mu.Lock()
	set := a.sets[uploadID]
	delete(a.sets, uploadID)
	a.mu.Unlock()
	if set == nil {
		return ErrNotFound
	}
	set.mu.Lock()
	dir := set.dir
	set.mu.Unlock()
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove staging dir: %w", err)
	}
	return nil
}

func (a *Assembler) setFor(uploadID string, total int, fileName string) (*chunkSet, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if set, ok := a.sets[uploadID]; ok {
		return set, nil
	}
	dir := filepath.Join(a.root, "chunked-"+uploadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("prepare chunk dir: %w", err)
	}
	set := &chunkSet{
		uploadID:     uploadID,
		total:        total,
		fileName:     fileName,
		received:     make(map[int]struct{}),
		dir:          dir,
		lastActivity: a.clock(),
	}
	a.sets[uploadID] = set
	return set, nil
}

func (a *Assembler) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			a.SweepIdle()
		}
	}
}

// SweepIdle aborts chunk sets idle longer than the configured timeout.
func (a *Assembler) SweepIdle() {
	now := a.clock()
	var idle []string
	a.mu.Lock()
	for id, set := range a.sets {
		set.mu.Lock()
		if now.Sub(set.lastActivity) >= a.idleTimeout {
			idle = append(idle, id)
		}
		set.mu.Unlock()
	}
	a.mu.Unlock()
	for _, id := range idle {
		a.logger.Info("aborting idle chunk set", "upload_id", id)
		if err := a.Abort(id); err != nil && !errors.Is(err, ErrNotFound) {
			a.logger.Warn("abort idle chunk set", "upload_id", id, "error", err)
		}
	}
}

func chunkFileName(index int) string {
	return fmt.Sprintf("chunk_%06d", index)
}

func writeChunk(path string, data io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create chunk file: %w", err)
	}
	if _, err := io.Copy(f, data); err != nil {
		f.Close()
		return fmt.Errorf("write chunk file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close chunk file: %w", err)
	}
	return nil
}
