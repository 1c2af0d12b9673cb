package processor

import (
	"mime"
	"path"
	"strings"

	"upscaler/internal/worker/media"
)

// IsTruthy evaluates loosely typed boolean flags from job input.
func IsTruthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t == 1
	case int:
		return t == 1
	case int64:
		return t == 1
	case string:
		s := strings.TrimSpace(strings.ToLower(t))
		return s == "1" || s == "true" || s == "yes" || s == "on"
	default:
		return false
	}
}

// SanitizeFilename strips path separators and other unsafe characters.
func SanitizeFilename(s string) string {
	if s = sanitizeID(s); s == "" {
		return "input"
	}
	return s
}

// sanitizeID strips path syntax and leading dots from s. A name made only of
// dots comes back empty, so it never resolves to the current or parent
// directory.
func sanitizeID(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "..", "")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, " ", "_")
	return strings.TrimLeft(s, ".")
}

// ExtFromMime returns the file extension for a media MIME type.
func ExtFromMime(contentType string) string {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	switch contentType {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	case "video/mp4":
		return ".mp4"
	case "video/webm":
		return ".webm"
	case "video/quicktime":
		return ".mov"
	case "video/x-matroska":
		return ".mkv"
	default:
		return ""
	}
}

// DefaultExt is used when an input's format cannot be inferred.
func DefaultExt(kind media.Kind) string {
	if kind == media.Image {
		return ".png"
	}
	return ".mp4"
}

// ContentTypeFor returns the MIME type for a file name, falling back to a
// generic binary type.
func ContentTypeFor(name string) string {
	if ct := mime.TypeByExtension(strings.ToLower(path.Ext(name))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
