package gallery

import (
	"sort"
	"time"
)

// Album is a single album discovered on a gallery site. Albums form a tree
// through ParentID; category nodes carry no images of their own but may on
// some engines, so every node can hold page URLs.
type Album struct {
	// ID is unique within one scan, stable across rescans of the same site
	// (derived from the album's canonical URL).
	ID string `json:"id"`
	// Title as shown on the site, unsanitized.
	Title string `json:"title"`
	// ParentID is the ID of the containing category, empty for roots.
	ParentID string `json:"parent_id,omitempty"`
	// URL is the album's canonical first page.
	URL string `json:"url"`
	// PageURLs lists every page of the album in site order.
	PageURLs []string `json:"page_urls,omitempty"`
	// Special marks auto-generated meta albums ("Last uploads", "Random"...)
	// that mirror content from real albums.
	Special bool `json:"special,omitempty"`
	// ImageCount is the image count the site reports for the album, 0 when
	// the site does not expose one.
	ImageCount int `json:"image_count,omitempty"`
}

// Tree is the result of a site scan: the albums of one root URL, indexed
// for parent/child navigation.
type Tree struct {
	RootURL string
	SiteKey string // adapter that produced the tree
	// Title is the gallery's display name as announced by the site, empty
	// when the site does not expose one.
	Title string

	albums   map[string]*Album
	children map[string][]string
	roots    []string
}

// NewTree creates an empty album tree for the given root URL
func NewTree(rootURL, siteKey string) *Tree {
	return &Tree{
		RootURL:  rootURL,
		SiteKey:  siteKey,
		albums:   make(map[string]*Album),
		children: make(map[string][]string),
	}
}

// Add inserts an album into the tree. Adding the same ID twice replaces the
// album but keeps its position.
func (t *Tree) Add(a *Album) {
	if _, exists := t.albums[a.ID]; !exists {
		if a.ParentID == "" {
			t.roots = append(t.roots, a.ID)
		} else {
			t.children[a.ParentID] = append(t.children[a.ParentID], a.ID)
		}
	}
	t.albums[a.ID] = a
}

// Get returns the album with the given ID, or nil
func (t *Tree) Get(id string) *Album {
	return t.albums[id]
}

// Roots returns the top-level albums in discovery order
func (t *Tree) Roots() []*Album {
	return t.resolve(t.roots)
}

// Children returns the direct children of an album in discovery order
func (t *Tree) Children(id string) []*Album {
	return t.resolve(t.children[id])
}

// Albums returns every album in the tree, sorted by ID for stable output
func (t *Tree) Albums() []*Album {
	out := make([]*Album, 0, len(t.albums))
	for _, a := range t.albums {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of albums in the tree
func (t *Tree) Len() int {
	return len(t.albums)
}

// Path returns the ancestry of an album from root to the album itself.
// Used to mirror the category structure on disk.
func (t *Tree) Path(id string) []*Album {
	var rev []*Album
	for cur := t.albums[id]; cur != nil; cur = t.albums[cur.ParentID] {
		rev = append(rev, cur)
		if cur.ParentID == "" {
			break
		}
	}
	out := make([]*Album, len(rev))
	for i, a := range rev {
		out[len(rev)-1-i] = a
	}
	return out
}

func (t *Tree) resolve(ids []string) []*Album {
	out := make([]*Album, 0, len(ids))
	for _, id := range ids {
		if a := t.albums[id]; a != nil {
			out = append(out, a)
		}
	}
	return out
}

// ImageRef is one downloadable image found on an album page. Candidates
// holds every full-size URL the extractor considered plausible, best first;
// the downloader walks the list until one works.
type ImageRef struct {
	AlbumID string `json:"album_id"`
	// Candidates are full-size URL guesses ordered best-first.
	Candidates []string `json:"candidates"`
	// RefererURL is the page the image was found on; sent as the Referer
	// header since some galleries reject bare image requests.
	RefererURL string `json:"referer_url"`
	// SuggestedFilename is derived from the best candidate URL.
	SuggestedFilename string `json:"suggested_filename"`
}

// BestURL returns the top candidate, or empty if there are none
func (r *ImageRef) BestURL() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	return r.Candidates[0]
}

// TaskStatus tracks a download task through its lifecycle
type TaskStatus string

const (
	TaskPending  TaskStatus = "pending"
	TaskInFlight TaskStatus = "in_flight"
	TaskDone     TaskStatus = "done"
	TaskFailed   TaskStatus = "failed"
	TaskSkipped  TaskStatus = "skipped"
)

// DownloadTask is one unit of work for the download pool
type DownloadTask struct {
	Image      ImageRef
	AlbumTitle string
	// TargetDir is the mirrored album directory, relative to the output root.
	TargetDir string
	Status    TaskStatus
}

// TaskResult reports the outcome of one download task
type TaskResult struct {
	Task     DownloadTask
	Status   TaskStatus
	Bytes    int64
	Duration time.Duration
	Err      error
}

// Stats accumulates the summary printed at the end of a download run
type Stats struct {
	Downloaded int
	Skipped    int
	Failed     int
	Bytes      int64
	Elapsed    time.Duration
}

// Record folds one task result into the stats
func (s *Stats) Record(r TaskResult) {
	switch r.Status {
	case TaskDone:
		s.Downloaded++
		s.Bytes += r.Bytes
	case TaskSkipped:
		s.Skipped++
	case TaskFailed:
		s.Failed++
	}
}

// AverageSpeed returns bytes per second over the whole run, 0 if unknown
func (s *Stats) AverageSpeed() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Bytes) / s.Elapsed.Seconds()
}
