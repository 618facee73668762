// Package models defines the persisted domain records shared by the
// storage drivers and the API layer.
package models

import "time"

// Video is the committed metadata record for one ingested video. It becomes
// visible to listings only after the object-store data is durably uploaded.
type Video struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Tags            []string  `json:"tags"`
	Resolutions     []int     `json:"resolutions"`
	DurationSeconds int       `json:"durationSeconds"`
	Width           int       `json:"width"`
	Height          int       `json:"height"`
	CreatedAt       time.Time `json:"createdAt"`
	ThumbnailKey    string    `json:"thumbnailKey"`
	PlaylistKey     string    `json:"playlistKey"`
	ViewCount       int64     `json:"viewCount"`
}

// SubtitleTrack is one extracted subtitle sidecar.
type SubtitleTrack struct {
	VideoID  string `json:"videoId"`
	Track    int    `json:"track"`
	Codec    string `json:"codec"`
	Language string `json:"language,omitempty"`
	Title    string `json:"title,omitempty"`
	Default  bool   `json:"default"`
	Forced   bool   `json:"forced"`
	Key      string `json:"key"`
}

// FontAttachment is one extracted font sidecar.
type FontAttachment struct {
	VideoID  string `json:"videoId"`
	Filename string `json:"filename"`
	Mime     string `json:"mime"`
	Key      string `json:"key"`
}

// Chapter is one chapter marker copied from the source container.
type Chapter struct {
	VideoID string `json:"videoId"`
	Index   int    `json:"index"`
	StartMS int64  `json:"startMs"`
	EndMS   int64  `json:"endMs"`
	Title   string `json:"title"`
}
