// Package storage persists video metadata. Two drivers implement the same
// Repository contract: a JSON-file store for tests and small deployments,
// and Postgres for production.
package storage

import (
	"context"
	"errors"

	"akane/internal/models"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// CreateVideoParams carries the full video record plus sidecar children,
// committed in one transaction.
type CreateVideoParams struct {
	ID              string
	Name            string
	Tags            []string
	Resolutions     []int
	DurationSeconds int
	Width           int
	Height          int
	ThumbnailKey    string
	PlaylistKey     string
	Subtitles       []models.SubtitleTrack
	Attachments     []models.FontAttachment
	Chapters        []models.Chapter
}

// ListVideosParams filters and paginates the admin listing.
type ListVideosParams struct {
	Page     int
	PageSize int
	Name     string
	Tag      string
}

// Repository exposes the datastore operations required by the API handlers
// and the ingest orchestrator.
type Repository interface {
	Ping(ctx context.Context) error

	CreateVideo(ctx context.Context, params CreateVideoParams) (models.Video, error)
	GetVideo(ctx context.Context, id string) (models.Video, error)
	ListVideos(ctx context.Context, params ListVideosParams) ([]models.Video, int, error)
	ListVideoSummaries(ctx context.Context, limit int) ([]models.Video, error)
	UpdateVideo(ctx context.Context, id, name string, tags []string) error
	DeleteVideos(ctx context.Context, ids []string) (int64, error)
	IncrementViewCount(ctx context.Context, id string) error

	ListSubtitles(ctx context.Context, videoID string) ([]models.SubtitleTrack, error)
	GetSubtitle(ctx context.Context, videoID string, track int) (models.SubtitleTrack, error)
	ListAttachments(ctx context.Context, videoID string) ([]models.FontAttachment, error)
	GetAttachment(ctx context.Context, videoID, filename string) (models.FontAttachment, error)
	ListChapters(ctx context.Context, videoID string) ([]models.Chapter, error)

	Close()
}

func normalizePage(params *ListVideosParams) {
	if params.Page < 1 {
		params.Page = 1
	}
	if params.PageSize < 1 {
		params.PageSize = 20
	}
	if params.PageSize > 100 {
		params.PageSize = 100
	}
}
