package adapter

import (
	"path"
	"strings"
)

// ThumbnailSizeThreshold is the HEAD-probe cutoff: files smaller than this
// are almost certainly thumbnails or interface graphics, not full images.
const ThumbnailSizeThreshold = 4096

// uiImageFilenames are interface graphics shipped with gallery engines
// that show up inside album markup and must never be downloaded.
var uiImageFilenames = map[string]bool{
	"rate_empty.png":     true,
	"rate_full.png":      true,
	"rate_highlight.png": true,
	"folder.gif":         true,
	"thumbs.db":          true,
	"spacer.gif":         true,
}

// uiPathPatterns mark theme and chrome directories
var uiPathPatterns = []string{
	"/themes/",
	"/images/",
	"/icons/",
	"/button_",
	"/star",
	"/rating",
}

// IsUIImage reports whether a URL points at gallery interface chrome
// rather than user content.
func IsUIImage(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	if i := strings.IndexByte(lower, '?'); i >= 0 {
		lower = lower[:i]
	}

	if uiImageFilenames[path.Base(lower)] {
		return true
	}
	for _, pat := range uiPathPatterns {
		if strings.Contains(lower, pat) {
			return true
		}
	}
	return false
}

// imageExtensions are the file types treated as downloadable content
var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
	".bmp":  true,
	".mp4":  true,
	".webm": true,
	".mov":  true,
}

// HasImageExtension reports whether the URL path ends in a known content
// extension.
func HasImageExtension(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	if i := strings.IndexByte(lower, '?'); i >= 0 {
		lower = lower[:i]
	}
	return imageExtensions[path.Ext(lower)]
}

// scoreCandidate penalizes URLs that look like scaled-down variants so
// they sort after plausible full-size URLs. Lower is better.
func scoreCandidate(rawURL string) int {
	lower := strings.ToLower(rawURL)
	score := 0
	if strings.Contains(lower, "thumb") {
		score += 2
	}
	if strings.Contains(lower, "normal_") {
		score++
	}
	return score
}
