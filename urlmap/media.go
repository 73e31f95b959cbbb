package urlmap

import (
	"net/url"
	"strings"
)

// MediaExtensions lists the path suffixes treated as media or downloads.
// The table is data, not logic: operators can extend it without touching the
// mapping code. Matching is case-insensitive on the URL path.
var MediaExtensions = []string{
	// Images
	".jpg", ".jpeg", ".png", ".gif", ".webp", ".svg", ".ico", ".bmp",
	// Video
	".mp4", ".mkv", ".avi", ".mov", ".m3u8", ".webm", ".flv", ".wmv",
	// Audio
	".mp3", ".wav", ".ogg", ".aac", ".flac", ".m4a",
	// Archives
	".zip", ".rar", ".7z", ".tar", ".gz", ".bz2",
	// Documents
	".pdf", ".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx",
	// Executables
	".apk", ".exe", ".dmg", ".deb", ".rpm",
	// Fonts
	".ttf", ".woff", ".woff2", ".eot", ".otf",
}

// IsMediaURL reports whether the URL's path ends in a known media or
// download extension. Query strings and fragments are ignored; only the path
// suffix decides.
func IsMediaURL(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	path := strings.ToLower(u.Path)
	for _, ext := range MediaExtensions {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}
