package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/xmarre/Copperminer/pkg/cache"
	errs "github.com/xmarre/Copperminer/pkg/errors"
	"github.com/xmarre/Copperminer/pkg/gallery"
)

// fourchanURLRe recognizes board and thread URLs across the boards, api
// and image hosts.
var fourchanURLRe = regexp.MustCompile(
	`(?i)(?:https?://)?(?:boards|a|i)\.4(?:chan|channel|cdn)\.org/([^/]+)/?(?:thread/(\d+))?`)

var htmlTagRe = regexp.MustCompile(`<.*?>`)

// NormalizeBoardShorthand expands the "4chan:board/thread" shorthand (and
// any recognized 4chan URL) into a canonical board URL. Other inputs pass
// through untouched.
func NormalizeBoardShorthand(raw string) string {
	trimmed := strings.TrimSpace(raw)
	lower := strings.ToLower(trimmed)

	if strings.HasPrefix(lower, "4chan:") {
		rest := strings.Trim(trimmed[len("4chan:"):], "/")
		board, thread, _ := strings.Cut(rest, "/")
		if board == "" {
			return "https://boards.4chan.org/"
		}
		if thread != "" {
			return fmt.Sprintf("https://boards.4chan.org/%s/thread/%s", board, thread)
		}
		return fmt.Sprintf("https://boards.4chan.org/%s/", board)
	}
	if lower == "4chan" {
		return "https://boards.4chan.org/"
	}

	if m := fourchanURLRe.FindStringSubmatch(trimmed); m != nil {
		if m[2] != "" {
			return fmt.Sprintf("https://boards.4chan.org/%s/thread/%s", m[1], m[2])
		}
		return fmt.Sprintf("https://boards.4chan.org/%s/", m[1])
	}
	return raw
}

// Imageboard scrapes 4chan through its JSON API: boards are categories,
// threads are albums, and the posts of a thread are the images.
type Imageboard struct {
	env *Env
}

// NewImageboard creates the 4chan adapter
func NewImageboard(env *Env) *Imageboard {
	return &Imageboard{env: env}
}

func (b *Imageboard) Name() string { return "4chan" }

// Match accepts the 4chan board, api and image hosts
func (b *Imageboard) Match(u *url.URL) bool {
	host := strings.ToLower(u.Hostname())
	for _, d := range []string{"4chan.org", "4channel.org", "4cdn.org"} {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// DiscoverAlbums maps the URL onto the board hierarchy: a thread URL gives
// one album, a board URL lists the catalog threads as albums, and the bare
// site root lists the boards as empty categories to drill into.
func (b *Imageboard) DiscoverAlbums(ctx context.Context, rootURL string, site *cache.Site) (*gallery.Tree, error) {
	board, thread := parseBoardURL(rootURL)
	tree := gallery.NewTree(rootURL, b.Name())

	switch {
	case board != "" && thread != "":
		album, err := b.threadAlbum(ctx, board, thread, "", site)
		if err != nil {
			return nil, err
		}
		tree.Title = fmt.Sprintf("/%s/ - %s", board, album.Title)
		tree.Add(album)

	case board != "":
		tree.Title = fmt.Sprintf("/%s/ catalog", board)
		if err := b.addCatalog(ctx, board, "", tree, site); err != nil {
			return nil, err
		}

	default:
		var boards struct {
			Boards []struct {
				Board string `json:"board"`
				Title string `json:"title"`
			} `json:"boards"`
		}
		if err := b.fetchJSON(ctx, "https://a.4cdn.org/boards.json", site, &boards); err != nil {
			return nil, err
		}
		for _, bd := range boards.Boards {
			boardURL := fmt.Sprintf("https://boards.4chan.org/%s/", bd.Board)
			tree.Add(&gallery.Album{
				ID:    albumID(boardURL),
				Title: fmt.Sprintf("/%s/ - %s", bd.Board, bd.Title),
				URL:   boardURL,
			})
		}
	}

	if tree.Len() == 0 {
		return nil, errs.New(errs.ErrorTypeNotFound, "nothing to scan at %s", rootURL)
	}
	return tree, nil
}

// addCatalog lists the threads of one board as albums
func (b *Imageboard) addCatalog(ctx context.Context, board, parentID string, tree *gallery.Tree, site *cache.Site) error {
	var catalog []struct {
		Threads []struct {
			No     int64  `json:"no"`
			Sub    string `json:"sub"`
			Com    string `json:"com"`
			Images int    `json:"images"`
		} `json:"threads"`
	}
	catalogURL := fmt.Sprintf("https://a.4cdn.org/%s/catalog.json", board)
	if err := b.fetchJSON(ctx, catalogURL, site, &catalog); err != nil {
		return err
	}

	for _, page := range catalog {
		for _, th := range page.Threads {
			threadURL := fmt.Sprintf("https://boards.4chan.org/%s/thread/%d", board, th.No)
			tree.Add(&gallery.Album{
				ID:         albumID(threadURL),
				Title:      threadTitle(th.Sub, th.Com, th.No),
				ParentID:   parentID,
				URL:        threadURL,
				ImageCount: th.Images,
			})
		}
	}
	return nil
}

// threadAlbum builds the album for a single thread
func (b *Imageboard) threadAlbum(ctx context.Context, board, thread, parentID string, site *cache.Site) (*gallery.Album, error) {
	var data struct {
		Posts []struct {
			Sub string `json:"sub"`
			Com string `json:"com"`
			Tim int64  `json:"tim"`
		} `json:"posts"`
	}
	apiURL := fmt.Sprintf("https://a.4cdn.org/%s/thread/%s.json", board, thread)
	if err := b.fetchJSON(ctx, apiURL, site, &data); err != nil {
		return nil, err
	}
	if len(data.Posts) == 0 {
		return nil, errs.New(errs.ErrorTypeNotFound, "thread /%s/%s is empty", board, thread)
	}

	images := 0
	for _, p := range data.Posts {
		if p.Tim != 0 {
			images++
		}
	}

	op := data.Posts[0]
	threadURL := fmt.Sprintf("https://boards.4chan.org/%s/thread/%s", board, thread)
	var threadNo int64
	fmt.Sscanf(thread, "%d", &threadNo)
	return &gallery.Album{
		ID:         albumID(threadURL),
		Title:      threadTitle(op.Sub, op.Com, threadNo),
		ParentID:   parentID,
		URL:        threadURL,
		ImageCount: images,
	}, nil
}

// ListAlbumPages returns the single API page backing a thread
func (b *Imageboard) ListAlbumPages(ctx context.Context, album *gallery.Album, site *cache.Site) ([]string, error) {
	board, thread := parseBoardURL(album.URL)
	if board == "" || thread == "" {
		return nil, errs.New(errs.ErrorTypeFetch, "%s is not a thread", album.URL)
	}
	return []string{fmt.Sprintf("https://a.4cdn.org/%s/thread/%s.json", board, thread)}, nil
}

// ExtractImages reads the thread JSON and maps each posted file to its
// i.4cdn.org URL.
func (b *Imageboard) ExtractImages(ctx context.Context, album *gallery.Album, pageURL string, site *cache.Site) ([]gallery.ImageRef, error) {
	board, _ := parseBoardURL(album.URL)
	if board == "" {
		return nil, errs.New(errs.ErrorTypeFetch, "%s is not a thread", album.URL)
	}

	var data struct {
		Posts []struct {
			Tim      int64  `json:"tim"`
			Ext      string `json:"ext"`
			Filename string `json:"filename"`
		} `json:"posts"`
	}
	if err := b.fetchJSON(ctx, pageURL, site, &data); err != nil {
		return nil, err
	}

	var refs []gallery.ImageRef
	for _, post := range data.Posts {
		if post.Tim == 0 || post.Ext == "" {
			continue
		}
		imgURL := fmt.Sprintf("https://i.4cdn.org/%s/%d%s", board, post.Tim, post.Ext)
		name := post.Filename
		if name == "" {
			name = fmt.Sprintf("%d", post.Tim)
		}
		refs = append(refs, gallery.ImageRef{
			AlbumID:           album.ID,
			Candidates:        []string{imgURL},
			RefererURL:        album.URL,
			SuggestedFilename: gallery.SanitizeName(name + post.Ext),
		})
	}
	return refs, nil
}

// fetchJSON fetches and decodes an API document through the page cache
func (b *Imageboard) fetchJSON(ctx context.Context, apiURL string, site *cache.Site, out interface{}) error {
	res, err := b.env.Client.FetchPage(ctx, apiURL, "", site)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(res.Body), out); err != nil {
		return errs.New(errs.ErrorTypeParse, "decoding %s: %v", apiURL, err)
	}
	return nil
}

// parseBoardURL extracts board and thread from any recognized 4chan URL
func parseBoardURL(rawURL string) (board, thread string) {
	m := fourchanURLRe.FindStringSubmatch(rawURL)
	if m == nil {
		return "", ""
	}
	return m[1], m[2]
}

// threadTitle picks the subject, then a stripped comment teaser, then the
// thread number.
func threadTitle(sub, com string, no int64) string {
	if sub != "" {
		return sub
	}
	if com != "" {
		teaser := cleanText(htmlTagRe.ReplaceAllString(com, ""))
		if len(teaser) > 80 {
			teaser = teaser[:80]
		}
		if teaser != "" {
			return teaser
		}
	}
	return fmt.Sprintf("Thread %d", no)
}
