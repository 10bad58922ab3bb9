package storage

import (
	"mime"
	"path"
	"strings"
	"time"

	"github.com/JakeFAU/fleet-crawler/internal/crawler"
)

// BlobPath builds the object key for raw content: <prefix>/<yyyy-mm-dd>/<fingerprint>.<ext>.
func BlobPath(prefix string, fp crawler.Fingerprint, contentType string, at time.Time) string {
	name := fp.String() + "." + ExtensionFor(contentType)
	day := at.UTC().Format("2006-01-02")
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return path.Join(day, name)
	}
	return path.Join(prefix, day, name)
}

// ExtensionFor maps a content type onto a file extension, defaulting to "bin".
func ExtensionFor(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch {
	case mediaType == "" || mediaType == "text/html" || mediaType == "application/xhtml+xml":
		return "html"
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		return "json"
	case mediaType == "application/rss+xml":
		return "rss"
	case mediaType == "application/atom+xml":
		return "atom"
	case strings.HasSuffix(mediaType, "xml"):
		return "xml"
	case strings.HasPrefix(mediaType, "text/"):
		return "txt"
	default:
		return "bin"
	}
}
