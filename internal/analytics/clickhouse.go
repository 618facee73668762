package analytics

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ClickHouseConfig describes the optional durable view store reached over
// ClickHouse's HTTP interface. An empty URL disables it.
type ClickHouseConfig struct {
	URL      string
	User     string
	Password string
	Database string
}

// HistoryItem is one day of aggregated views.
type HistoryItem struct {
	Date  string `json:"date"`
	Views int64  `json:"views"`
}

// ViewStore records durable playback views and answers aggregate queries.
type ViewStore interface {
	Enabled() bool
	EnsureSchema(ctx context.Context) error
	InsertView(ctx context.Context, videoID, ip, userAgent string) error
	ViewCounts(ctx context.Context, videoIDs []string) (map[string]int64, error)
	History(ctx context.Context, days int) ([]HistoryItem, error)
}

// NoopViewStore is used when ClickHouse is not configured.
type NoopViewStore struct{}

func (NoopViewStore) Enabled() bool                                            { return false }
func (NoopViewStore) EnsureSchema(context.Context) error                       { return nil }
func (NoopViewStore) InsertView(context.Context, string, string, string) error { return nil }
func (NoopViewStore) ViewCounts(context.Context, []string) (map[string]int64, error) {
	return map[string]int64{}, nil
}
func (NoopViewStore) History(context.Context, int) ([]HistoryItem, error) { return nil, nil }

// ClickHouseStore talks to the ClickHouse HTTP interface directly; the
// query surface is small enough that no driver is warranted.
type ClickHouseStore struct {
	cfg        ClickHouseConfig
	httpClient *http.Client
}

// NewViewStore returns a ClickHouse-backed store, or the noop store when the
// URL is empty.
func NewViewStore(cfg ClickHouseConfig) (ViewStore, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return NoopViewStore{}, nil
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("parse clickhouse url: %w", err)
	}
	if strings.TrimSpace(cfg.Database) == "" {
		cfg.Database = "default"
	}
	return &ClickHouseStore{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *ClickHouseStore) Enabled() bool { return true }

// EnsureSchema creates the views table if missing.
func (c *ClickHouseStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.video_views (
		video_id String,
		ip String,
		user_agent String,
		ts DateTime DEFAULT now()
	) ENGINE = MergeTree() ORDER BY (video_id, ts)`, c.cfg.Database)
	_, err := c.exec(ctx, query, nil)
	return err
}

// InsertView records one durable view row.
func (c *ClickHouseStore) InsertView(ctx context.Context, videoID, ip, userAgent string) error {
	row, err := json.Marshal(map[string]string{
		"video_id":   videoID,
		"ip":         ip,
		"user_agent": userAgent,
	})
	if err != nil {
		return fmt.Errorf("encode view row: %w", err)
	}
	query := fmt.Sprintf("INSERT INTO %s.video_views (video_id, ip, user_agent) FORMAT JSONEachRow", c.cfg.Database)
	_, err = c.exec(ctx, query, row)
	return err
}

// ViewCounts returns total views per requested video id.
func (c *ClickHouseStore) ViewCounts(ctx context.Context, videoIDs []string) (map[string]int64, error) {
	counts := make(map[string]int64)
	if len(videoIDs) == 0 {
		return counts, nil
	}
	quoted := make([]string, 0, len(videoIDs))
	for _, id := range videoIDs {
		quoted = append(quoted, quoteString(id))
	}
	query := fmt.Sprintf(
		"SELECT video_id, count() AS views FROM %s.video_views WHERE video_id IN (%s) GROUP BY video_id FORMAT JSONEachRow",
		c.cfg.Database, strings.Join(quoted, ","))
	body, err := c.exec(ctx, query, nil)
	if err != nil {
		return nil, err
	}
	type row struct {
		VideoID string `json:"video_id"`
		Views   int64  `json:"views"`
	}
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var r row
		if err := json.Unmarshal(line, &r); err != nil {
			return nil, fmt.Errorf("parse view counts: %w", err)
		}
		counts[r.VideoID] = r.Views
	}
	return counts, scanner.Err()
}

// History returns daily view totals for the trailing window.
func (c *ClickHouseStore) History(ctx context.Context, days int) ([]HistoryItem, error) {
	if days <= 0 {
		days = 30
	}
	query := fmt.Sprintf(
		"SELECT toString(toDate(ts)) AS date, count() AS views FROM %s.video_views WHERE ts > now() - INTERVAL %d DAY GROUP BY date ORDER BY date FORMAT JSONEachRow",
		c.cfg.Database, days)
	body, err := c.exec(ctx, query, nil)
	if err != nil {
		return nil, err
	}
	var items []HistoryItem
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var item HistoryItem
		if err := json.Unmarshal(line, &item); err != nil {
			return nil, fmt.Errorf("parse history: %w", err)
		}
		items = append(items, item)
	}
	return items, scanner.Err()
}

// exec POSTs the query (plus optional JSONEachRow payload) to the HTTP
// interface and returns the response body.
func (c *ClickHouseStore) exec(ctx context.Context, query string, payload []byte) ([]byte, error) {
	target, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse clickhouse url: %w", err)
	}
	values := target.Query()
	values.Set("query", query)
	target.RawQuery = values.Encode()

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create clickhouse request: %w", err)
	}
	if c.cfg.User != "" {
		request.Header.Set("X-ClickHouse-User", c.cfg.User)
	}
	if c.cfg.Password != "" {
		request.Header.Set("X-ClickHouse-Key", c.cfg.Password)
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("clickhouse query: %w", err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("read clickhouse response: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		tail := strings.TrimSpace(string(body))
		if len(tail) > 512 {
			tail = tail[:512]
		}
		return nil, fmt.Errorf("clickhouse status %d: %s", response.StatusCode, tail)
	}
	return body, nil
}

func quoteString(s string) string {
	return "'" + strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), "'", `\'`) + "'"
}
