package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"akane/internal/models"
)

// PostgresConfig describes how the repository initialises its Postgres
// connection pool.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int32
	MinConnections  int32
	ApplicationName string
}

// PostgresRepository persists metadata in Postgres through a pgx pool. The
// VideoRecord commit runs in a single transaction so listings never observe
// a video with partial sidecar rows.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository opens the pool, runs migrations, and returns the
// repository.
func NewPostgresRepository(ctx context.Context, cfg PostgresConfig) (*PostgresRepository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	repo := &PostgresRepository{pool: pool}
	if err := repo.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

// Ping verifies pool connectivity.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close releases the connection pool.
func (r *PostgresRepository) Close() {
	r.pool.Close()
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS videos (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		tags_csv TEXT NOT NULL DEFAULT '',
		duration INTEGER NOT NULL DEFAULT 0,
		width INTEGER NOT NULL DEFAULT 0,
		height INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		thumbnail_key TEXT NOT NULL DEFAULT '',
		playlist_key TEXT NOT NULL DEFAULT '',
		view_count BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS video_resolutions (
		video_id TEXT NOT NULL REFERENCES videos(id) ON DELETE CASCADE,
		height INTEGER NOT NULL,
		PRIMARY KEY (video_id, height)
	)`,
	`CREATE TABLE IF NOT EXISTS subtitles (
		video_id TEXT NOT NULL REFERENCES videos(id) ON DELETE CASCADE,
		track INTEGER NOT NULL,
		codec TEXT NOT NULL,
		language TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		is_default BOOLEAN NOT NULL DEFAULT FALSE,
		is_forced BOOLEAN NOT NULL DEFAULT FALSE,
		key TEXT NOT NULL,
		PRIMARY KEY (video_id, track)
	)`,
	`CREATE TABLE IF NOT EXISTS attachments (
		video_id TEXT NOT NULL REFERENCES videos(id) ON DELETE CASCADE,
		filename TEXT NOT NULL,
		mime TEXT NOT NULL,
		key TEXT NOT NULL,
		PRIMARY KEY (video_id, filename)
	)`,
	`CREATE TABLE IF NOT EXISTS chapters (
		video_id TEXT NOT NULL REFERENCES videos(id) ON DELETE CASCADE,
		idx INTEGER NOT NULL,
		start_ms BIGINT NOT NULL,
		end_ms BIGINT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (video_id, idx)
	)`,
	`CREATE INDEX IF NOT EXISTS videos_created_at_idx ON videos (created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS videos_search_idx ON videos USING gin (to_tsvector('simple', name || ' ' || tags_csv))`,
}

func (r *PostgresRepository) migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
	}
	return nil
}

func (r *PostgresRepository) CreateVideo(ctx context.Context, params CreateVideoParams) (models.Video, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Video{}, fmt.Errorf("begin video commit: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var video models.Video
	row := tx.QueryRow(ctx,
		`INSERT INTO videos (id, name, tags_csv, duration, width, height, thumbnail_key, playlist_key)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, name, tags_csv, duration, width, height, created_at, thumbnail_key, playlist_key, view_count`,
		params.ID, params.Name, strings.Join(params.Tags, ","), params.DurationSeconds,
		params.Width, params.Height, params.ThumbnailKey, params.PlaylistKey,
	)
	var tagsCSV string
	if err := row.Scan(&video.ID, &video.Name, &tagsCSV, &video.DurationSeconds, &video.Width,
		&video.Height, &video.CreatedAt, &video.ThumbnailKey, &video.PlaylistKey, &video.ViewCount); err != nil {
		return models.Video{}, fmt.Errorf("insert video: %w", err)
	}
	video.Tags = splitTags(tagsCSV)
	video.Resolutions = append([]int(nil), params.Resolutions...)

	for _, height := range params.Resolutions {
		if _, err := tx.Exec(ctx,
			`INSERT INTO video_resolutions (video_id, height) VALUES ($1, $2)`,
			params.ID, height); err != nil {
			return models.Video{}, fmt.Errorf("insert resolution: %w", err)
		}
	}
	for _, sub := range params.Subtitles {
		if _, err := tx.Exec(ctx,
			`INSERT INTO subtitles (video_id, track, codec, language, title, is_default, is_forced, key)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			params.ID, sub.Track, sub.Codec, sub.Language, sub.Title, sub.Default, sub.Forced, sub.Key); err != nil {
			return models.Video{}, fmt.Errorf("insert subtitle: %w", err)
		}
	}
	for _, att := range params.Attachments {
		if _, err := tx.Exec(ctx,
			`INSERT INTO attachments (video_id, filename, mime, key) VALUES ($1, $2, $3, $4)`,
			params.ID, att.Filename, att.Mime, att.Key); err != nil {
			return models.Video{}, fmt.Errorf("insert attachment: %w", err)
		}
	}
	for _, ch := range params.Chapters {
		if _, err := tx.Exec(ctx,
			`INSERT INTO chapters (video_id, idx, start_ms, end_ms, title) VALUES ($1, $2, $3, $4, $5)`,
			params.ID, ch.Index, ch.StartMS, ch.EndMS, ch.Title); err != nil {
			return models.Video{}, fmt.Errorf("insert chapter: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Video{}, fmt.Errorf("commit video: %w", err)
	}
	return video, nil
}

func (r *PostgresRepository) GetVideo(ctx context.Context, id string) (models.Video, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, name, tags_csv, duration, width, height, created_at, thumbnail_key, playlist_key, view_count
		 FROM videos WHERE id = $1`, id)
	video, err := scanVideo(row)
	if err != nil {
		return models.Video{}, err
	}
	video.Resolutions, err = r.videoResolutions(ctx, id)
	if err != nil {
		return models.Video{}, err
	}
	return video, nil
}

func (r *PostgresRepository) videoResolutions(ctx context.Context, id string) ([]int, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT height FROM video_resolutions WHERE video_id = $1 ORDER BY height DESC`, id)
	if err != nil {
		return nil, fmt.Errorf("query resolutions: %w", err)
	}
	defer rows.Close()
	var heights []int
	for rows.Next() {
		var h int
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scan resolution: %w", err)
		}
		heights = append(heights, h)
	}
	return heights, rows.Err()
}

func (r *PostgresRepository) ListVideos(ctx context.Context, params ListVideosParams) ([]models.Video, int, error) {
	normalizePage(&params)
	where := []string{"TRUE"}
	args := []any{}
	if name := strings.TrimSpace(params.Name); name != "" {
		args = append(args, "%"+name+"%")
		where = append(where, fmt.Sprintf("name ILIKE $%d", len(args)))
	}
	if tag := strings.TrimSpace(params.Tag); tag != "" {
		args = append(args, "%"+tag+"%")
		where = append(where, fmt.Sprintf("tags_csv ILIKE $%d", len(args)))
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx,
		"SELECT count(*) FROM videos WHERE "+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count videos: %w", err)
	}

	args = append(args, params.PageSize, (params.Page-1)*params.PageSize)
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, tags_csv, duration, width, height, created_at, thumbnail_key, playlist_key, view_count
		 FROM videos WHERE `+clause+
			fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d", len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query videos: %w", err)
	}
	defer rows.Close()

	var videos []models.Video
	for rows.Next() {
		video, err := scanVideo(rows)
		if err != nil {
			return nil, 0, err
		}
		videos = append(videos, video)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	for i := range videos {
		videos[i].Resolutions, err = r.videoResolutions(ctx, videos[i].ID)
		if err != nil {
			return nil, 0, err
		}
	}
	return videos, total, nil
}

func (r *PostgresRepository) ListVideoSummaries(ctx context.Context, limit int) ([]models.Video, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, tags_csv, duration, width, height, created_at, thumbnail_key, playlist_key, view_count
		 FROM videos ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query video summaries: %w", err)
	}
	defer rows.Close()
	var videos []models.Video
	for rows.Next() {
		video, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		videos = append(videos, video)
	}
	return videos, rows.Err()
}

func (r *PostgresRepository) UpdateVideo(ctx context.Context, id, name string, tags []string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE videos SET name = $2, tags_csv = $3 WHERE id = $1`,
		id, name, strings.Join(tags, ","))
	if err != nil {
		return fmt.Errorf("update video: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) DeleteVideos(ctx context.Context, ids []string) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM videos WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("delete videos: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresRepository) IncrementViewCount(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE videos SET view_count = view_count + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("increment view count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) ListSubtitles(ctx context.Context, videoID string) ([]models.SubtitleTrack, error) {
	if err := r.requireVideo(ctx, videoID); err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx,
		`SELECT video_id, track, codec, language, title, is_default, is_forced, key
		 FROM subtitles WHERE video_id = $1 ORDER BY track`, videoID)
	if err != nil {
		return nil, fmt.Errorf("query subtitles: %w", err)
	}
	defer rows.Close()
	var subtitles []models.SubtitleTrack
	for rows.Next() {
		var s models.SubtitleTrack
		if err := rows.Scan(&s.VideoID, &s.Track, &s.Codec, &s.Language, &s.Title, &s.Default, &s.Forced, &s.Key); err != nil {
			return nil, fmt.Errorf("scan subtitle: %w", err)
		}
		subtitles = append(subtitles, s)
	}
	return subtitles, rows.Err()
}

func (r *PostgresRepository) GetSubtitle(ctx context.Context, videoID string, track int) (models.SubtitleTrack, error) {
	var s models.SubtitleTrack
	err := r.pool.QueryRow(ctx,
		`SELECT video_id, track, codec, language, title, is_default, is_forced, key
		 FROM subtitles WHERE video_id = $1 AND track = $2`, videoID, track).
		Scan(&s.VideoID, &s.Track, &s.Codec, &s.Language, &s.Title, &s.Default, &s.Forced, &s.Key)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.SubtitleTrack{}, ErrNotFound
	}
	if err != nil {
		return models.SubtitleTrack{}, fmt.Errorf("query subtitle: %w", err)
	}
	return s, nil
}

func (r *PostgresRepository) ListAttachments(ctx context.Context, videoID string) ([]models.FontAttachment, error) {
	if err := r.requireVideo(ctx, videoID); err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx,
		`SELECT video_id, filename, mime, key FROM attachments WHERE video_id = $1 ORDER BY filename`, videoID)
	if err != nil {
		return nil, fmt.Errorf("query attachments: %w", err)
	}
	defer rows.Close()
	var attachments []models.FontAttachment
	for rows.Next() {
		var a models.FontAttachment
		if err := rows.Scan(&a.VideoID, &a.Filename, &a.Mime, &a.Key); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		attachments = append(attachments, a)
	}
	return attachments, rows.Err()
}

func (r *PostgresRepository) GetAttachment(ctx context.Context, videoID, filename string) (models.FontAttachment, error) {
	var a models.FontAttachment
	err := r.pool.QueryRow(ctx,
		`SELECT video_id, filename, mime, key FROM attachments WHERE video_id = $1 AND filename = $2`,
		videoID, filename).Scan(&a.VideoID, &a.Filename, &a.Mime, &a.Key)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.FontAttachment{}, ErrNotFound
	}
	if err != nil {
		return models.FontAttachment{}, fmt.Errorf("query attachment: %w", err)
	}
	return a, nil
}

func (r *PostgresRepository) ListChapters(ctx context.Context, videoID string) ([]models.Chapter, error) {
	if err := r.requireVideo(ctx, videoID); err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx,
		`SELECT video_id, idx, start_ms, end_ms, title FROM chapters WHERE video_id = $1 ORDER BY idx`, videoID)
	if err != nil {
		return nil, fmt.Errorf("query chapters: %w", err)
	}
	defer rows.Close()
	var chapters []models.Chapter
	for rows.Next() {
		var c models.Chapter
		if err := rows.Scan(&c.VideoID, &c.Index, &c.StartMS, &c.EndMS, &c.Title); err != nil {
			return nil, fmt.Errorf("scan chapter: %w", err)
		}
		chapters = append(chapters, c)
	}
	return chapters, rows.Err()
}

func (r *PostgresRepository) requireVideo(ctx context.Context, id string) error {
	var exists bool
	if err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM videos WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check video: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

func scanVideo(row pgx.Row) (models.Video, error) {
	var video models.Video
	var tagsCSV string
	err := row.Scan(&video.ID, &video.Name, &tagsCSV, &video.DurationSeconds, &video.Width,
		&video.Height, &video.CreatedAt, &video.ThumbnailKey, &video.PlaylistKey, &video.ViewCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Video{}, ErrNotFound
	}
	if err != nil {
		return models.Video{}, fmt.Errorf("scan video: %w", err)
	}
	video.Tags = splitTags(tagsCSV)
	return video, nil
}

func splitTags(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	tags := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			tags = append(tags, trimmed)
		}
	}
	return tags
}

var _ Repository = (*PostgresRepository)(nil)
