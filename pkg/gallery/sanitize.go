package gallery

import (
	"net/url"
	"path"
	"strings"
)

// invalidPathChars are characters that cannot appear in file or directory
// names on at least one supported platform.
const invalidPathChars = `<>:"/\|?*`

// SanitizeName makes a string safe to use as a single file or directory
// name. Invalid characters become underscores, surrounding whitespace and
// dots are trimmed, and an empty result falls back to "untitled".
func SanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if r < 0x20 || strings.ContainsRune(invalidPathChars, r) {
			b.WriteRune('_')
		} else {
			b.WriteRune(r)
		}
	}
	out := strings.Trim(b.String(), " .")
	if out == "" {
		return "untitled"
	}
	// Windows chokes on very long path components.
	if len(out) > 150 {
		out = out[:150]
	}
	return out
}

// AlbumDir builds the on-disk directory for an album: the sanitized titles
// of its ancestry joined as a relative path.
func AlbumDir(ancestry []*Album) string {
	parts := make([]string, 0, len(ancestry))
	for _, a := range ancestry {
		parts = append(parts, SanitizeName(a.Title))
	}
	return path.Join(parts...)
}

// FilenameFromURL derives a download filename from an image URL, dropping
// any query string.
func FilenameFromURL(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return "untitled"
	}
	name := path.Base(parsed.Path)
	if name == "." || name == "/" || name == "" {
		return "untitled"
	}
	return SanitizeName(name)
}
