package adapter

import (
	"context"
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

// specialAlbums are the meta albums every Coppermine install generates.
// They mirror images that already live in real albums.
var specialAlbums = map[string]string{
	"lastup":   "Last uploads",
	"lastcom":  "Last comments",
	"topn":     "Most viewed",
	"toprated": "Top rated",
	"favpics":  "My Favorites",
	"random":   "Random",
	"date":     "By date",
	"search":   "Search",
}

var (
	fileCountRe  = regexp.MustCompile(`(?i)(\d+)\s+files?`)
	fbImagelistRe = regexp.MustCompile(`fb_imagelist\s*=\s*(\[[^\]]*\])`)
	quotedURLRe  = regexp.MustCompile(`["']([^"']+)["']`)
	windowOpenRe = regexp.MustCompile(`window\.open\(\s*['"]([^'"]+)['"]`)
)

// Coppermine handles galleries running the Coppermine engine. It is the
// registry fallback: any plain URL is attempted as Coppermine, and the
// scan fails with unsupported_site only if the root page shows none of the
// engine's structure.
type Coppermine struct {
	env *Env
}

// NewCoppermine creates the Coppermine adapter
func NewCoppermine(env *Env) *Coppermine {
	return &Coppermine{env: env}
}

func (c *Coppermine) Name() string { return "coppermine" }

// Match accepts anything; Coppermine is the last adapter tried.
func (c *Coppermine) Match(u *url.URL) bool { return true }

// DiscoverAlbums walks the category tree from the root page. Categories
// are index.php?cat=N pages, albums are thumbnails.php?album=X links.
func (c *Coppermine) DiscoverAlbums(ctx context.Context, rootURL string, site *cache.Site) (*gallery.Tree, error) {
	tree := gallery.NewTree(rootURL, c.Name())
	visited := make(map[string]bool)

	if err := c.walkCategory(ctx, rootURL, "", tree, site, visited); err != nil {
		return nil, err
	}

	if tree.Len() == 0 {
		return nil, errs.New(errs.ErrorTypeUnsupportedSite,
			"%s has no recognizable album structure", rootURL)
	}
	return tree, nil
}

func (c *Coppermine) walkCategory(ctx context.Context, pageURL, parentID string, tree *gallery.Tree, site *cache.Site, visited map[string]bool) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	key := cache.NormalizeURL(pageURL)
	if visited[key] {
		return nil
	}
	visited[key] = true

	res, err := c.env.Client.FetchPage(ctx, pageURL, tree.RootURL, site)
	if err != nil {
		// A broken category page should not sink the whole scan.
		c.env.Log.WithError(err).WithField("url", pageURL).Warn("skipping unreachable category page")
		return nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(res.Body))
	if err != nil {
		return errs.New(errs.ErrorTypeParse, "parsing %s: %v", pageURL, err)
	}

	if parentID == "" && tree.Title == "" {
		tree.Title = cleanText(doc.Find("title").First().Text())
	}

	type subCategory struct {
		url string
		id  string
	}
	var subCategories []subCategory

	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		abs := resolveURL(pageURL, href)
		if abs == "" {
			return
		}

		switch {
		case isCategoryLink(abs):
			catID := queryParam(abs, "cat")
			if catID == "" || catID == "0" {
				return
			}
			title := cleanText(sel.Text())
			if title == "" {
				return
			}
			id := albumID(abs)
			if tree.Get(id) == nil {
				tree.Add(&gallery.Album{
					ID:       id,
					Title:    title,
					ParentID: parentID,
					URL:      abs,
				})
				subCategories = append(subCategories, subCategory{url: abs, id: id})
			}

		case isAlbumLink(abs):
			albumParam := queryParam(abs, "album")
			if albumParam == "" {
				return
			}
			title := cleanText(sel.Text())
			special := false
			if name, ok := specialAlbums[albumParam]; ok {
				if !c.env.Cfg.Scan.IncludeSpecialAlbums {
					return
				}
				special = true
				if title == "" {
					title = name
				}
			}
			if title == "" {
				return
			}
			id := albumID(abs)
			if tree.Get(id) == nil {
				tree.Add(&gallery.Album{
					ID:         id,
					Title:      title,
					ParentID:   parentID,
					URL:        abs,
					Special:    special,
					ImageCount: fileCountNear(sel),
				})
			}
		}
	})

	for _, sub := range subCategories {
		if err := c.walkCategory(ctx, sub.url, sub.id, tree, site, visited); err != nil {
			return err
		}
	}
	return nil
}

// ListAlbumPages finds the pagination of an album. Coppermine exposes page
// links as the album URL plus a page query parameter; the album spans
// pages 1 through the highest page number linked anywhere.
func (c *Coppermine) ListAlbumPages(ctx context.Context, album *gallery.Album, site *cache.Site) ([]string, error) {
	res, err := c.env.Client.FetchPage(ctx, album.URL, album.URL, site)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(res.Body))
	if err != nil {
		return nil, errs.New(errs.ErrorTypeParse, "parsing %s: %v", album.URL, err)
	}

	albumParam := queryParam(album.URL, "album")
	maxPage := 1
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		abs := resolveURL(album.URL, href)
		if !isAlbumLink(abs) || queryParam(abs, "album") != albumParam {
			return
		}
		if n, err := strconv.Atoi(queryParam(abs, "page")); err == nil && n > maxPage {
			maxPage = n
		}
	})

	pages := make([]string, 0, maxPage)
	pages = append(pages, album.URL)
	for n := 2; n <= maxPage; n++ {
		pages = append(pages, withQueryParam(album.URL, "page", strconv.Itoa(n)))
	}
	return pages, nil
}

// ExtractImages turns one album page into download candidates. When the
// page embeds the fb_imagelist script variable the full-size URLs are taken
// straight from it; otherwise every displayimage.php detail page is fetched
// and mined for candidates.
func (c *Coppermine) ExtractImages(ctx context.Context, album *gallery.Album, pageURL string, site *cache.Site) ([]gallery.ImageRef, error) {
	res, err := c.env.Client.FetchPage(ctx, pageURL, album.URL, site)
	if err != nil {
		return nil, err
	}

	if refs := c.extractFromImagelist(res.Body, pageURL, album.ID); len(refs) > 0 {
		return refs, nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(res.Body))
	if err != nil {
		return nil, errs.New(errs.ErrorTypeParse, "parsing %s: %v", pageURL, err)
	}

	var detailURLs []string
	seen := make(map[string]bool)
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		abs := resolveURL(pageURL, href)
		if abs == "" || !strings.Contains(abs, "displayimage.php") {
			return
		}
		key := cache.NormalizeURL(abs)
		if !seen[key] {
			seen[key] = true
			detailURLs = append(detailURLs, abs)
		}
	})

	if len(detailURLs) == 0 {
		return c.extractDirect(doc, pageURL, album.ID), nil
	}

	var refs []gallery.ImageRef
	for _, detailURL := range detailURLs {
		if ctx.Err() != nil {
			return refs, ctx.Err()
		}
		ref, err := c.extractFromDetailPage(ctx, detailURL, album.ID, site)
		if err != nil {
			c.env.Log.WithError(err).WithField("url", detailURL).Warn("skipping unreadable detail page")
			continue
		}
		if ref != nil {
			refs = append(refs, *ref)
		}
	}
	return refs, nil
}

// extractDirect handles themes whose album pages link the image files
// directly instead of going through displayimage.php: anchors pointing at
// image files first, then inline images that are neither UI chrome nor
// thumb_ variants of an already-collected image.
func (c *Coppermine) extractDirect(doc *goquery.Document, pageURL, albumID string) []gallery.ImageRef {
	var refs []gallery.ImageRef
	seen := make(map[string]bool)
	add := func(raw, referer string) {
		if raw == "" || !HasImageExtension(raw) || IsUIImage(raw) {
			return
		}
		abs := resolveURL(pageURL, raw)
		if abs == "" || seen[abs] {
			return
		}
		seen[abs] = true
		refs = append(refs, gallery.ImageRef{
			AlbumID:           albumID,
			Candidates:        []string{abs},
			RefererURL:        referer,
			SuggestedFilename: gallery.FilenameFromURL(abs),
		})
	}

	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		add(href, pageURL)
	})
	doc.Find("img[src]").Each(func(_ int, sel *goquery.Selection) {
		src, _ := sel.Attr("src")
		if strings.Contains(strings.ToLower(gallery.FilenameFromURL(src)), "thumb") {
			return
		}
		add(src, pageURL)
	})
	return refs
}

// extractFromImagelist reads the fb_imagelist script variable some themes
// embed: a JS array whose strings include the full-size image URLs.
func (c *Coppermine) extractFromImagelist(body, pageURL, albumID string) []gallery.ImageRef {
	m := fbImagelistRe.FindStringSubmatch(body)
	if m == nil {
		return nil
	}

	var refs []gallery.ImageRef
	seen := make(map[string]bool)
	for _, qm := range quotedURLRe.FindAllStringSubmatch(m[1], -1) {
		raw := qm[1]
		if !HasImageExtension(raw) || IsUIImage(raw) {
			continue
		}
		abs := resolveURL(pageURL, raw)
		if abs == "" || seen[abs] {
			continue
		}
		seen[abs] = true
		refs = append(refs, gallery.ImageRef{
			AlbumID:           albumID,
			Candidates:        []string{abs},
			RefererURL:        pageURL,
			SuggestedFilename: gallery.FilenameFromURL(abs),
		})
	}
	return refs
}

// extractFromDetailPage mines a displayimage.php page for full-size
// candidates, best guess first.
func (c *Coppermine) extractFromDetailPage(ctx context.Context, detailURL, albumID string, site *cache.Site) (*gallery.ImageRef, error) {
	res, err := c.env.Client.FetchPage(ctx, detailURL, detailURL, site)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(res.Body))
	if err != nil {
		return nil, errs.New(errs.ErrorTypeParse, "parsing %s: %v", detailURL, err)
	}

	candidates := extractCandidates(doc, detailURL)
	if len(candidates) == 0 {
		return nil, nil
	}

	return &gallery.ImageRef{
		AlbumID:           albumID,
		Candidates:        candidates,
		RefererURL:        detailURL,
		SuggestedFilename: gallery.FilenameFromURL(candidates[0]),
	}, nil
}

// extractCandidates gathers every plausible full-size URL from a detail
// page. Several strategies run in priority order; within the combined list
// URLs that look like scaled variants sort last.
func extractCandidates(doc *goquery.Document, pageURL string) []string {
	var ordered []string
	seen := make(map[string]bool)
	add := func(raw string) {
		if raw == "" {
			return
		}
		abs := resolveURL(pageURL, raw)
		if abs == "" || IsUIImage(abs) || seen[abs] {
			return
		}
		seen[abs] = true
		ordered = append(ordered, abs)
	}

	// Fullsize popup links: href or onclick carrying window.open.
	doc.Find("a[href*='fullsize'], a[onclick]").Each(func(_ int, sel *goquery.Selection) {
		if onclick, ok := sel.Attr("onclick"); ok {
			if m := windowOpenRe.FindStringSubmatch(onclick); m != nil {
				add(m[1])
				return
			}
		}
		if href, ok := sel.Attr("href"); ok && strings.Contains(href, "fullsize") {
			add(href)
		}
	})

	// Lightbox-style anchors point straight at the image.
	doc.Find("a[class*='fancybox'], a[rel*='lightbox']").Each(func(_ int, sel *goquery.Selection) {
		if href, ok := sel.Attr("href"); ok && HasImageExtension(href) {
			add(href)
		}
	})

	// The display image itself.
	doc.Find("img.image").Each(func(_ int, sel *goquery.Selection) {
		src, _ := sel.Attr("src")
		add(src)
	})

	// Deferred-loading attributes.
	doc.Find("[data-src], [data-full], [data-image]").Each(func(_ int, sel *goquery.Selection) {
		for _, attr := range []string{"data-full", "data-image", "data-src"} {
			if v, ok := sel.Attr(attr); ok && HasImageExtension(v) {
				add(v)
			}
		}
	})

	// Largest declared image on the page.
	if src := largestImageSrc(doc); src != "" {
		add(src)
	}

	// Any anchor pointing directly at an image file.
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		if href, ok := sel.Attr("href"); ok && HasImageExtension(href) {
			add(href)
		}
	})

	// Stable sort: scaled-variant penalties decide, discovery order breaks
	// ties.
	sort.SliceStable(ordered, func(i, j int) bool {
		return scoreCandidate(ordered[i]) < scoreCandidate(ordered[j])
	})
	return ordered
}

// largestImageSrc returns the src of the img with the largest declared
// width*height, empty when no img declares dimensions.
func largestImageSrc(doc *goquery.Document) string {
	best := ""
	bestArea := 0
	doc.Find("img[src]").Each(func(_ int, sel *goquery.Selection) {
		w, _ := strconv.Atoi(sel.AttrOr("width", "0"))
		h, _ := strconv.Atoi(sel.AttrOr("height", "0"))
		if area := w * h; area > bestArea {
			src, _ := sel.Attr("src")
			best = src
			bestArea = area
		}
	})
	return best
}

func isCategoryLink(abs string) bool {
	return strings.Contains(abs, "index.php") && queryParam(abs, "cat") != ""
}

func isAlbumLink(abs string) bool {
	return strings.Contains(abs, "thumbnails.php") && queryParam(abs, "album") != ""
}

// fileCountNear looks for an "N files" annotation in the table cell around
// an album link.
func fileCountNear(sel *goquery.Selection) int {
	cell := sel.Closest("td")
	if cell.Length() == 0 {
		cell = sel.Parent()
	}
	if m := fileCountRe.FindStringSubmatch(cell.Text()); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return n
		}
	}
	return 0
}

func queryParam(rawURL, key string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Query().Get(key)
}

func withQueryParam(rawURL, key, value string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
