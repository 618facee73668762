package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"akane/internal/models"
)

type dataset struct {
	Videos      map[string]models.Video            `json:"videos"`
	Subtitles   map[string][]models.SubtitleTrack  `json:"subtitles"`
	Attachments map[string][]models.FontAttachment `json:"attachments"`
	Chapters    map[string][]models.Chapter        `json:"chapters"`
}

func newDataset() dataset {
	return dataset{
		Videos:      make(map[string]models.Video),
		Subtitles:   make(map[string][]models.SubtitleTrack),
		Attachments: make(map[string][]models.FontAttachment),
		Chapters:    make(map[string][]models.Chapter),
	}
}

// JSONRepository keeps the dataset in memory and persists it to a single
// JSON file after every mutation.
type JSONRepository struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
	clock           func() time.Time
}

// NewJSONRepository loads (or initialises) the JSON datastore at path.
func NewJSONRepository(path string) (*JSONRepository, error) {
	repo := &JSONRepository{
		filePath: path,
		data:     newDataset(),
		clock:    func() time.Time { return time.Now().UTC() },
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return repo, nil
		}
		return nil, fmt.Errorf("read datastore: %w", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &repo.data); err != nil {
			return nil, fmt.Errorf("parse datastore: %w", err)
		}
	}
	if repo.data.Videos == nil {
		repo.data = newDataset()
	}
	return repo, nil
}

// Ping reports the store as reachable; the file store has no remote
// dependency.
func (r *JSONRepository) Ping(context.Context) error { return nil }

// Close is a no-op for the file store.
func (r *JSONRepository) Close() {}

func (r *JSONRepository) persist() error {
	if r.persistOverride != nil {
		return r.persistOverride(r.data)
	}
	raw, err := json.MarshalIndent(r.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode datastore: %w", err)
	}
	tmp := r.filePath + ".tmp"
	if err := os.MkdirAll(filepath.Dir(r.filePath), 0o755); err != nil {
		return fmt.Errorf("prepare datastore dir: %w", err)
	}
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write datastore: %w", err)
	}
	if err := os.Rename(tmp, r.filePath); err != nil {
		return fmt.Errorf("replace datastore: %w", err)
	}
	return nil
}

// CreateVideo inserts the record and all sidecar children atomically: on
// persist failure nothing is retained in memory.
func (r *JSONRepository) CreateVideo(_ context.Context, params CreateVideoParams) (models.Video, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.data.Videos[params.ID]; exists {
		return models.Video{}, fmt.Errorf("video %s already exists", params.ID)
	}
	video := models.Video{
		ID:              params.ID,
		Name:            params.Name,
		Tags:            append([]string(nil), params.Tags...),
		Resolutions:     append([]int(nil), params.Resolutions...),
		DurationSeconds: params.DurationSeconds,
		Width:           params.Width,
		Height:          params.Height,
		CreatedAt:       r.clock(),
		ThumbnailKey:    params.ThumbnailKey,
		PlaylistKey:     params.PlaylistKey,
	}
	r.data.Videos[params.ID] = video
	if len(params.Subtitles) > 0 {
		r.data.Subtitles[params.ID] = append([]models.SubtitleTrack(nil), params.Subtitles...)
	}
	if len(params.Attachments) > 0 {
		r.data.Attachments[params.ID] = append([]models.FontAttachment(nil), params.Attachments...)
	}
	if len(params.Chapters) > 0 {
		r.data.Chapters[params.ID] = append([]models.Chapter(nil), params.Chapters...)
	}
	if err := r.persist(); err != nil {
		delete(r.data.Videos, params.ID)
		delete(r.data.Subtitles, params.ID)
		delete(r.data.Attachments, params.ID)
		delete(r.data.Chapters, params.ID)
		return models.Video{}, err
	}
	return video, nil
}

func (r *JSONRepository) GetVideo(_ context.Context, id string) (models.Video, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	video, ok := r.data.Videos[id]
	if !ok {
		return models.Video{}, ErrNotFound
	}
	return video, nil
}

func (r *JSONRepository) ListVideos(_ context.Context, params ListVideosParams) ([]models.Video, int, error) {
	normalizePage(&params)
	r.mu.RLock()
	videos := make([]models.Video, 0, len(r.data.Videos))
	for _, video := range r.data.Videos {
		if matchesFilters(video, params) {
			videos = append(videos, video)
		}
	}
	r.mu.RUnlock()

	sort.Slice(videos, func(i, j int) bool {
		if videos[i].CreatedAt.Equal(videos[j].CreatedAt) {
			return videos[i].ID < videos[j].ID
		}
		return videos[i].CreatedAt.After(videos[j].CreatedAt)
	})

	total := len(videos)
	start := (params.Page - 1) * params.PageSize
	if start >= total {
		return nil, total, nil
	}
	end := start + params.PageSize
	if end > total {
		end = total
	}
	return videos[start:end], total, nil
}

func (r *JSONRepository) ListVideoSummaries(_ context.Context, limit int) ([]models.Video, error) {
	r.mu.RLock()
	videos := make([]models.Video, 0, len(r.data.Videos))
	for _, video := range r.data.Videos {
		videos = append(videos, video)
	}
	r.mu.RUnlock()
	sort.Slice(videos, func(i, j int) bool {
		return videos[i].CreatedAt.After(videos[j].CreatedAt)
	})
	if limit > 0 && len(videos) > limit {
		videos = videos[:limit]
	}
	return videos, nil
}

func matchesFilters(video models.Video, params ListVideosParams) bool {
	if name := strings.TrimSpace(params.Name); name != "" {
		if !strings.Contains(strings.ToLower(video.Name), strings.ToLower(name)) {
			return false
		}
	}
	if tag := strings.TrimSpace(params.Tag); tag != "" {
		found := false
		for _, t := range video.Tags {
			if strings.EqualFold(t, tag) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (r *JSONRepository) UpdateVideo(_ context.Context, id, name string, tags []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	video, ok := r.data.Videos[id]
	if !ok {
		return ErrNotFound
	}
	previous := video
	video.Name = name
	video.Tags = append([]string(nil), tags...)
	r.data.Videos[id] = video
	if err := r.persist(); err != nil {
		r.data.Videos[id] = previous
		return err
	}
	return nil
}

func (r *JSONRepository) DeleteVideos(_ context.Context, ids []string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	type removed struct {
		video       models.Video
		subtitles   []models.SubtitleTrack
		attachments []models.FontAttachment
		chapters    []models.Chapter
	}
	deleted := make(map[string]removed)
	for _, id := range ids {
		video, ok := r.data.Videos[id]
		if !ok {
			continue
		}
		deleted[id] = removed{
			video:       video,
			subtitles:   r.data.Subtitles[id],
			attachments: r.data.Attachments[id],
			chapters:    r.data.Chapters[id],
		}
		delete(r.data.Videos, id)
		delete(r.data.Subtitles, id)
		delete(r.data.Attachments, id)
		delete(r.data.Chapters, id)
	}
	if len(deleted) == 0 {
		return 0, nil
	}
	if err := r.persist(); err != nil {
		for id, entry := range deleted {
			r.data.Videos[id] = entry.video
			if entry.subtitles != nil {
				r.data.Subtitles[id] = entry.subtitles
			}
			if entry.attachments != nil {
				r.data.Attachments[id] = entry.attachments
			}
			if entry.chapters != nil {
				r.data.Chapters[id] = entry.chapters
			}
		}
		return 0, err
	}
	return int64(len(deleted)), nil
}

func (r *JSONRepository) IncrementViewCount(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	video, ok := r.data.Videos[id]
	if !ok {
		return ErrNotFound
	}
	video.ViewCount++
	r.data.Videos[id] = video
	return r.persist()
}

func (r *JSONRepository) ListSubtitles(_ context.Context, videoID string) ([]models.SubtitleTrack, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.data.Videos[videoID]; !ok {
		return nil, ErrNotFound
	}
	return append([]models.SubtitleTrack(nil), r.data.Subtitles[videoID]...), nil
}

func (r *JSONRepository) GetSubtitle(_ context.Context, videoID string, track int) (models.SubtitleTrack, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, subtitle := range r.data.Subtitles[videoID] {
		if subtitle.Track == track {
			return subtitle, nil
		}
	}
	return models.SubtitleTrack{}, ErrNotFound
}

func (r *JSONRepository) ListAttachments(_ context.Context, videoID string) ([]models.FontAttachment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.data.Videos[videoID]; !ok {
		return nil, ErrNotFound
	}
	return append([]models.FontAttachment(nil), r.data.Attachments[videoID]...), nil
}

func (r *JSONRepository) GetAttachment(_ context.Context, videoID, filename string) (models.FontAttachment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, attachment := range r.data.Attachments[videoID] {
		if attachment.Filename == filename {
			return attachment, nil
		}
	}
	return models.FontAttachment{}, ErrNotFound
}

func (r *JSONRepository) ListChapters(_ context.Context, videoID string) ([]models.Chapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.data.Videos[videoID]; !ok {
		return nil, ErrNotFound
	}
	return append([]models.Chapter(nil), r.data.Chapters[videoID]...), nil
}

var _ Repository = (*JSONRepository)(nil)
