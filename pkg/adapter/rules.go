package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/xmarre/Copperminer/pkg/cache"
	errs "github.com/xmarre/Copperminer/pkg/errors"
	"github.com/xmarre/Copperminer/pkg/gallery"
)

// RuleSet drives the generic selector-based adapter: a handful of CSS
// selectors describe how one site family lays out its albums.
type RuleSet struct {
	Name    string
	Domains []string
	// RootAlbumSelector finds album links on the root listing page.
	RootAlbumSelector string
	// PaginationSelector finds links to further pages of a listing.
	PaginationSelector string
	// ThumbSelector finds links from an album page to image detail pages.
	ThumbSelector string
	// DetailImageSelector finds the full image on a detail page when the
	// fancybox/largest-img heuristics come up empty.
	DetailImageSelector string
	// LiveJournal enables the embedded-JSON and regex album fallbacks
	// needed for LiveJournal's script-rendered pages.
	LiveJournal bool
}

// BuiltinRuleSets returns the rule sets shipped with the program
func BuiltinRuleSets() []RuleSet {
	return []RuleSet{
		{
			Name:                "theplace2",
			Domains:             []string{"theplace2.ru", "theplace2.com"},
			RootAlbumSelector:   "a[href^='/photos/']:not([href$='.html'])",
			PaginationSelector:  ".pagination a[href]",
			ThumbSelector:       "a[href^='pic-']",
			DetailImageSelector: ".big-photo-wrapper a[href]",
		},
		{
			Name:                "theplace-2com",
			Domains:             []string{"theplace-2.com"},
			RootAlbumSelector:   "a[href^='/photos/'][href*='-pictures-'][href$='.htm']",
			PaginationSelector:  "nav[aria-label*='pagination'] a.page-link[href]",
			ThumbSelector:       ".pic-card a.link[href*='pic-']",
			DetailImageSelector: ".big-photo-wrapper a[href]",
		},
		{
			Name:                "livejournal",
			Domains:             []string{"livejournal.com"},
			RootAlbumSelector:   "a[href*='/photo/album/']",
			PaginationSelector:  "a[href*='page=']",
			ThumbSelector:       "a[href*='/photo/item/']",
			DetailImageSelector: "img[src]",
			LiveJournal:         true,
		},
	}
}

var (
	ljAlbumPathRe = regexp.MustCompile(`/photo/album/(\d+)`)
	ljAlbumIDRe   = regexp.MustCompile(`"albumId"\s*:\s*(\d+)`)
	pageParamRe   = regexp.MustCompile(`page=(\d+)`)
)

// RuleAdapter scrapes any site describable by a RuleSet
type RuleAdapter struct {
	env   *Env
	rules RuleSet
}

// NewRuleAdapter creates an adapter for one rule set
func NewRuleAdapter(env *Env, rules RuleSet) *RuleAdapter {
	return &RuleAdapter{env: env, rules: rules}
}

func (r *RuleAdapter) Name() string { return r.rules.Name }

// Match accepts hosts under any of the rule set's domains
func (r *RuleAdapter) Match(u *url.URL) bool {
	host := strings.ToLower(u.Hostname())
	for _, d := range r.rules.Domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// DiscoverAlbums builds a flat album list from the root page. Rule-based
// sites have no category nesting worth preserving.
func (r *RuleAdapter) DiscoverAlbums(ctx context.Context, rootURL string, site *cache.Site) (*gallery.Tree, error) {
	res, err := r.env.Client.FetchPage(ctx, rootURL, "", site)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(res.Body))
	if err != nil {
		return nil, errs.New(errs.ErrorTypeParse, "parsing %s: %v", rootURL, err)
	}

	tree := gallery.NewTree(rootURL, r.Name())
	tree.Title = cleanText(doc.Find("title").First().Text())
	seen := make(map[string]bool)
	add := func(albumURL, title string, count int) {
		key := cache.NormalizeURL(albumURL)
		if seen[key] || title == "" {
			return
		}
		seen[key] = true
		tree.Add(&gallery.Album{
			ID:         albumID(albumURL),
			Title:      title,
			URL:        albumURL,
			ImageCount: count,
		})
	}

	doc.Find(r.rules.RootAlbumSelector).Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		abs := resolveURL(rootURL, href)
		if abs == "" {
			return
		}
		add(abs, linkText(sel), 0)
	})

	if tree.Len() == 0 && r.rules.LiveJournal {
		r.discoverLiveJournalFallback(rootURL, res.Body, doc, add)
	}

	if tree.Len() == 0 {
		return nil, errs.New(errs.ErrorTypeParse, "no albums found at %s", rootURL)
	}
	return tree, nil
}

// discoverLiveJournalFallback recovers albums from the JSON state blob
// LiveJournal embeds, then from raw album IDs in the HTML as a last resort.
func (r *RuleAdapter) discoverLiveJournalFallback(rootURL, body string, doc *goquery.Document, add func(string, string, int)) {
	raw := strings.TrimSpace(doc.Find("script#__NEXT_DATA__").Text())
	if raw != "" {
		var state interface{}
		if err := json.Unmarshal([]byte(raw), &state); err == nil {
			for _, key := range []string{"albums", "photoalbums", "albumsList"} {
				if node := findKey(state, key); node != nil {
					r.addLJAlbumsFromJSON(rootURL, node, add)
				}
			}
		}
	}

	// Regex over raw HTML catches albums the JSON route missed.
	ids := make(map[string]bool)
	for _, m := range ljAlbumPathRe.FindAllStringSubmatch(body, -1) {
		ids[m[1]] = true
	}
	for _, m := range ljAlbumIDRe.FindAllStringSubmatch(body, -1) {
		ids[m[1]] = true
	}

	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Slice(sorted, func(i, j int) bool {
		a, _ := strconv.Atoi(sorted[i])
		b, _ := strconv.Atoi(sorted[j])
		return a < b
	})

	for _, id := range sorted {
		albumURL := resolveURL(rootURL, fmt.Sprintf("/photo/album/%s/", id))
		add(albumURL, "Album "+id, 0)
	}
}

// addLJAlbumsFromJSON walks an albums node from the embedded state. Only
// public albums are kept.
func (r *RuleAdapter) addLJAlbumsFromJSON(rootURL string, node interface{}, add func(string, string, int)) {
	var items []interface{}
	switch v := node.(type) {
	case []interface{}:
		items = v
	case map[string]interface{}:
		for _, it := range v {
			items = append(items, it)
		}
	default:
		return
	}

	for _, it := range items {
		alb, ok := it.(map[string]interface{})
		if !ok {
			continue
		}
		if sec := strings.ToLower(fmt.Sprint(alb["security"])); sec != "" && sec != "0" && sec != "public" && sec != "<nil>" {
			continue
		}
		id := firstString(alb, "id", "albumId", "aid")
		if id == "" {
			continue
		}
		title := firstString(alb, "title", "name")
		if title == "" {
			title = "Album " + id
		}
		count := 0
		for _, key := range []string{"itemsCount", "count"} {
			if f, ok := alb[key].(float64); ok {
				count = int(f)
				break
			}
		}
		albumURL := resolveURL(rootURL, fmt.Sprintf("/photo/album/%s/", id))
		add(albumURL, title, count)
	}
}

// ListAlbumPages collects pagination links and, since many sites only link
// a window of pages around the current one, also generates URLs up to the
// highest page number seen.
func (r *RuleAdapter) ListAlbumPages(ctx context.Context, album *gallery.Album, site *cache.Site) ([]string, error) {
	res, err := r.env.Client.FetchPage(ctx, album.URL, album.URL, site)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(res.Body))
	if err != nil {
		return nil, errs.New(errs.ErrorTypeParse, "parsing %s: %v", album.URL, err)
	}

	pages := map[string]bool{cache.NormalizeURL(album.URL): true}
	ordered := []string{album.URL}
	maxPage := 1

	if r.rules.PaginationSelector != "" {
		doc.Find(r.rules.PaginationSelector).Each(func(_ int, sel *goquery.Selection) {
			href, _ := sel.Attr("href")
			abs := resolveURL(album.URL, href)
			if abs == "" {
				return
			}
			if key := cache.NormalizeURL(abs); !pages[key] {
				pages[key] = true
				ordered = append(ordered, abs)
			}
			if m := pageParamRe.FindStringSubmatch(href); m != nil {
				if n, err := strconv.Atoi(m[1]); err == nil && n > maxPage {
					maxPage = n
				}
			}
		})

		for n := 2; n <= maxPage; n++ {
			abs := withQueryParam(album.URL, "page", strconv.Itoa(n))
			if key := cache.NormalizeURL(abs); !pages[key] {
				pages[key] = true
				ordered = append(ordered, abs)
			}
		}
	}

	return ordered, nil
}

// ExtractImages walks the thumb links of one album page and resolves each
// detail page to its full image.
func (r *RuleAdapter) ExtractImages(ctx context.Context, album *gallery.Album, pageURL string, site *cache.Site) ([]gallery.ImageRef, error) {
	res, err := r.env.Client.FetchPage(ctx, pageURL, album.URL, site)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(res.Body))
	if err != nil {
		return nil, errs.New(errs.ErrorTypeParse, "parsing %s: %v", pageURL, err)
	}

	var refs []gallery.ImageRef
	seen := make(map[string]bool)

	var detailURLs []string
	doc.Find(r.rules.ThumbSelector).Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		if abs := resolveURL(pageURL, href); abs != "" {
			detailURLs = append(detailURLs, abs)
		}
	})

	for _, detailURL := range detailURLs {
		if ctx.Err() != nil {
			return refs, ctx.Err()
		}

		fullImg, err := r.resolveDetailImage(ctx, detailURL, site)
		if err != nil {
			r.env.Log.WithError(err).WithField("url", detailURL).Warn("skipping unreadable detail page")
			continue
		}
		if fullImg == "" || IsUIImage(fullImg) || seen[fullImg] {
			continue
		}
		seen[fullImg] = true

		refs = append(refs, gallery.ImageRef{
			AlbumID:           album.ID,
			Candidates:        []string{fullImg},
			RefererURL:        detailURL,
			SuggestedFilename: gallery.FilenameFromURL(fullImg),
		})
	}
	return refs, nil
}

// resolveDetailImage finds the full image on a detail page: a fancybox
// link first, then the rule set's detail selector, then the first img.
func (r *RuleAdapter) resolveDetailImage(ctx context.Context, detailURL string, site *cache.Site) (string, error) {
	res, err := r.env.Client.FetchPage(ctx, detailURL, detailURL, site)
	if err != nil {
		return "", err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(res.Body))
	if err != nil {
		return "", errs.New(errs.ErrorTypeParse, "parsing %s: %v", detailURL, err)
	}

	if href, ok := doc.Find("a.fancybox[href]").First().Attr("href"); ok {
		return resolveURL(detailURL, href), nil
	}
	if r.rules.DetailImageSelector != "" {
		sel := doc.Find(r.rules.DetailImageSelector).First()
		if src, ok := sel.Attr("src"); ok {
			return resolveURL(detailURL, src), nil
		}
		if href, ok := sel.Attr("href"); ok {
			return resolveURL(detailURL, href), nil
		}
	}
	if src, ok := doc.Find("img[src]").First().Attr("src"); ok {
		return resolveURL(detailURL, src), nil
	}
	return "", nil
}

// linkText extracts a usable label from an anchor even when it has no
// inner text; LiveJournal relies on title and aria-label.
func linkText(sel *goquery.Selection) string {
	if t := cleanText(sel.Text()); t != "" {
		return t
	}
	for _, attr := range []string{"title", "aria-label", "alt"} {
		if v := cleanText(sel.AttrOr(attr, "")); v != "" {
			return v
		}
	}
	return ""
}

// findKey searches a decoded JSON structure for the first value under key
func findKey(node interface{}, key string) interface{} {
	switch v := node.(type) {
	case map[string]interface{}:
		if val, ok := v[key]; ok {
			return val
		}
		for _, child := range v {
			if found := findKey(child, key); found != nil {
				return found
			}
		}
	case []interface{}:
		for _, child := range v {
			if found := findKey(child, key); found != nil {
				return found
			}
		}
	}
	return nil
}

func firstString(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatInt(int64(v), 10)
		}
	}
	return ""
}
