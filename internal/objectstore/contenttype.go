package objectstore

import (
	"path/filepath"
	"strings"
)

// ContentTypeFor infers the Content-Type for an uploaded file from its
// extension. The mapping is total and deterministic; unknown extensions fall
// back to application/octet-stream.
func ContentTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".m4s":
		return "video/iso.segment"
	case ".mp4":
		return "video/mp4"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".vtt":
		return "text/vtt"
	case ".ass", ".ssa":
		return "text/plain"
	case ".srt":
		return "application/x-subrip"
	case ".ttf":
		return "font/ttf"
	case ".otf":
		return "font/otf"
	case ".woff":
		return "font/woff"
	case ".woff2":
		return "font/woff2"
	default:
		return "application/octet-stream"
	}
}
