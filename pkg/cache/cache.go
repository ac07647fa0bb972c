// Package cache persists fetched gallery pages between scans so that a
// rescan only transfers pages that actually changed. Entries carry the
// server validators (ETag, Last-Modified) for conditional requests, plus
// digests of the extraction results so an unchanged page can be skipped
// without re-parsing.
package cache

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	errs "github.com/xmarre/Copperminer/pkg/errors"
	"github.com/xmarre/Copperminer/pkg/gallery"
)

// Entry is one cached page
type Entry struct {
	// Body is the page HTML as fetched.
	Body string `json:"body"`
	// ETag and LastModified are the server validators from the response,
	// replayed as If-None-Match / If-Modified-Since on the next fetch.
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	FetchedAt    time.Time `json:"fetched_at"`
	// ChildHash digests the child albums extracted from this page,
	// ImageHash the images. If a revalidated page produces the same
	// digests, nothing below it changed.
	ChildHash string `json:"child_hash,omitempty"`
	ImageHash string `json:"image_hash,omitempty"`
	// Images holds the refs extracted from this page so an unchanged page
	// can be reused without re-parsing its HTML.
	Images []gallery.ImageRef `json:"images,omitempty"`
}

type siteFile struct {
	RootURL   string           `json:"root_url"`
	Title     string           `json:"title,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
	Pages     map[string]Entry `json:"pages"`
}

// Site is the page cache for one gallery root. All pages of the site live
// in a single JSON file named after the hash of the root URL.
type Site struct {
	dir     string
	rootURL string
	path    string

	mu    sync.RWMutex
	title string
	pages map[string]Entry
	dirty bool
}

// Open loads the page cache for a gallery root, creating an empty one if no
// cache exists yet. A corrupt cache file is treated as a full miss rather
// than an error.
func Open(dir, rootURL string) (*Site, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	s := &Site{
		dir:     dir,
		rootURL: rootURL,
		path:    filepath.Join(dir, siteFileName(rootURL)),
		pages:   make(map[string]Entry),
	}

	sf, err := readSiteFile(s.path)
	switch {
	case err == nil:
		s.title = sf.Title
		if sf.Pages != nil {
			s.pages = sf.Pages
		}
	case os.IsNotExist(err):
	case IsCorrupt(err):
		// Corrupt cache: start over instead of blocking the scan.
	default:
		return nil, fmt.Errorf("failed to read cache file: %w", err)
	}
	return s, nil
}

// readSiteFile loads and decodes one site cache file. Undecodable JSON is
// reported as a typed cache_corrupt error so callers can distinguish a
// damaged file from an I/O failure.
func readSiteFile(path string) (*siteFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sf siteFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, errs.New(errs.ErrorTypeCacheCorrupt, "cache file %s is corrupt: %v", path, err)
	}
	return &sf, nil
}

// IsCorrupt reports whether err marks a damaged cache file
func IsCorrupt(err error) bool {
	var scanErr *errs.Error
	return errors.As(err, &scanErr) && scanErr.Type == errs.ErrorTypeCacheCorrupt
}

// RootURL returns the gallery root this cache belongs to
func (s *Site) RootURL() string { return s.rootURL }

// Title returns the gallery title recorded by the last scan
func (s *Site) Title() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.title
}

// SetTitle records the gallery's display title for cache listings
func (s *Site) SetTitle(title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if title != "" && title != s.title {
		s.title = title
		s.dirty = true
	}
}

// Len returns the number of cached pages
func (s *Site) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pages)
}

// Get returns the cached entry for a page URL
func (s *Site) Get(pageURL string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.pages[NormalizeURL(pageURL)]
	return e, ok
}

// Put stores or replaces the entry for a page URL
func (s *Site) Put(pageURL string, e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[NormalizeURL(pageURL)] = e
	s.dirty = true
}

// Delete removes a page from the cache
func (s *Site) Delete(pageURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := NormalizeURL(pageURL)
	if _, ok := s.pages[key]; ok {
		delete(s.pages, key)
		s.dirty = true
	}
}

// HasFresh reports whether the cached page is recent enough to use without
// any network round trip. With ttl zero the cache never counts as fresh on
// its own; the entry is still used for a conditional request.
func (s *Site) HasFresh(pageURL string, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	e, ok := s.Get(pageURL)
	if !ok {
		return false
	}
	return time.Since(e.FetchedAt) < ttl
}

// Flush writes the cache to disk. The file is written to a temp name and
// renamed so a crash mid-write cannot corrupt the previous cache.
func (s *Site) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.dirty {
		return nil
	}

	sf := siteFile{
		RootURL:   s.rootURL,
		Title:     s.title,
		UpdatedAt: time.Now(),
		Pages:     s.pages,
	}
	data, err := json.MarshalIndent(&sf, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cache: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace cache file: %w", err)
	}

	s.dirty = false
	return nil
}

// SiteInfo describes one cached site for listing
type SiteInfo struct {
	RootURL   string
	Title     string
	Pages     int
	UpdatedAt time.Time
}

// ListSites enumerates the cached sites in a cache directory
func ListSites(dir string) ([]SiteInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cache directory: %w", err)
	}

	var sites []SiteInfo
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		sf, err := readSiteFile(filepath.Join(dir, de.Name()))
		if err != nil || sf.RootURL == "" {
			continue
		}
		sites = append(sites, SiteInfo{
			RootURL:   sf.RootURL,
			Title:     sf.Title,
			Pages:     len(sf.Pages),
			UpdatedAt: sf.UpdatedAt,
		})
	}

	sort.Slice(sites, func(i, j int) bool { return sites[i].RootURL < sites[j].RootURL })
	return sites, nil
}

// DeleteSite removes the cached pages for one gallery root
func DeleteSite(dir, rootURL string) error {
	path := filepath.Join(dir, siteFileName(rootURL))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete site cache: %w", err)
	}
	return nil
}

func siteFileName(rootURL string) string {
	sum := sha1.Sum([]byte(NormalizeURL(rootURL)))
	return hex.EncodeToString(sum[:]) + ".json"
}

// NormalizeURL canonicalizes a URL for use as a cache key: lowercased
// scheme and host, default port stripped, query parameters sorted, fragment
// dropped. Two spellings of the same page hit the same entry.
func NormalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	host := u.Hostname()
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		u.Host = host
	}

	if u.RawQuery != "" {
		q := u.Query()
		keys := make([]string, 0, len(q))
		for k := range q {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var b strings.Builder
		for _, k := range keys {
			vals := q[k]
			sort.Strings(vals)
			for _, v := range vals {
				if b.Len() > 0 {
					b.WriteByte('&')
				}
				b.WriteString(url.QueryEscape(k))
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(v))
			}
		}
		u.RawQuery = b.String()
	}

	return u.String()
}

// DigestList hashes a list of extracted URLs or IDs into a stable digest
// for change detection across rescans.
func DigestList(items []string) string {
	h := sha1.New()
	for _, it := range items {
		h.Write([]byte(it))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
