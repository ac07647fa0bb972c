package adapter

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/xmarre/Copperminer/pkg/cache"
	"github.com/xmarre/Copperminer/pkg/config"
	errs "github.com/xmarre/Copperminer/pkg/errors"
	"github.com/xmarre/Copperminer/pkg/fetch"
	"github.com/xmarre/Copperminer/pkg/gallery"
	"github.com/xmarre/Copperminer/pkg/logger"
)

func testEnv(t *testing.T) *Env {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Scan.FetchTimeout = 5 * time.Second
	cfg.Download.RetryAttempts = 1
	return &Env{
		Client: fetch.NewClient(cfg, nil, logger.NewNopLogger()),
		Cfg:    cfg,
		Log:    logger.NewNopLogger(),
	}
}

func testSite(t *testing.T, rootURL string) *cache.Site {
	t.Helper()
	site, err := cache.Open(t.TempDir(), rootURL)
	if err != nil {
		t.Fatal(err)
	}
	return site
}

func TestResolveURLStripsFilename(t *testing.T) {
	// A relative href on a page resolves against the page URL with its
	// filename stripped.
	got := resolveURL(
		"https://example.com/photos/displayimage.php?pid=12",
		"albums/x/001.jpg",
	)
	want := "https://example.com/photos/albums/x/001.jpg"
	if got != want {
		t.Errorf("resolveURL = %q, want %q", got, want)
	}

	// Absolute hrefs pass through.
	got = resolveURL("https://example.com/photos/page.php", "https://cdn.example.com/full/002.jpg")
	if got != "https://cdn.example.com/full/002.jpg" {
		t.Errorf("Absolute href mangled: %q", got)
	}

	// Root-relative hrefs resolve against the host.
	got = resolveURL("https://example.com/photos/page.php", "/albums/003.jpg")
	if got != "https://example.com/albums/003.jpg" {
		t.Errorf("Root-relative href mangled: %q", got)
	}
}

func TestNormalizeBoardShorthand(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"4chan:wg/12345", "https://boards.4chan.org/wg/thread/12345"},
		{"4chan:wg", "https://boards.4chan.org/wg/"},
		{"4chan", "https://boards.4chan.org/"},
		{"https://boards.4chan.org/wg/thread/12345", "https://boards.4chan.org/wg/thread/12345"},
		{"https://boards.4channel.org/g/", "https://boards.4chan.org/g/"},
		{"https://example.com/gallery/", "https://example.com/gallery/"},
	}

	for _, tt := range tests {
		if got := NormalizeBoardShorthand(tt.in); got != tt.want {
			t.Errorf("NormalizeBoardShorthand(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRegistryResolution(t *testing.T) {
	reg := NewRegistry(testEnv(t))

	tests := []struct {
		url     string
		adapter string
		wantErr bool
	}{
		{"4chan:wg/12345", "4chan", false},
		{"https://boards.4chan.org/wg/", "4chan", false},
		{"https://www.theplace-2.com/photos/", "theplace-2com", false},
		{"https://theplace2.ru/photos/", "theplace2", false},
		{"https://username.livejournal.com/photo/", "livejournal", false},
		{"https://example.com/gallery/", "coppermine", false},
		{"not a url at all", "", true},
		{"ftp://example.com/", "", true},
	}

	for _, tt := range tests {
		a, _, err := reg.Resolve(tt.url)
		if tt.wantErr {
			var scanErr *errs.Error
			if !errors.As(err, &scanErr) || scanErr.Type != errs.ErrorTypeUnsupportedSite {
				t.Errorf("Resolve(%q): expected unsupported_site error, got %v", tt.url, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("Resolve(%q) failed: %v", tt.url, err)
			continue
		}
		if a.Name() != tt.adapter {
			t.Errorf("Resolve(%q) = %s, want %s", tt.url, a.Name(), tt.adapter)
		}
	}
}

func TestIsUIImage(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://example.com/gallery/images/rate_full.png", true},
		{"https://example.com/gallery/themes/water/button_go.gif", true},
		{"https://example.com/gallery/icons/new.gif", true},
		{"https://example.com/albums/userpics/folder.gif", true},
		{"https://example.com/albums/userpics/10001/IMG_0123.JPG", false},
		{"https://example.com/albums/vacation/beach.jpg", false},
	}

	for _, tt := range tests {
		if got := IsUIImage(tt.url); got != tt.want {
			t.Errorf("IsUIImage(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}

func TestCandidateScoring(t *testing.T) {
	full := "https://example.com/albums/x/photo.jpg"
	normal := "https://example.com/albums/x/normal_photo.jpg"
	thumb := "https://example.com/albums/x/thumb_photo.jpg"

	if !(scoreCandidate(full) < scoreCandidate(normal)) {
		t.Error("Expected full-size URL to score better than normal_ variant")
	}
	if !(scoreCandidate(normal) < scoreCandidate(thumb)) {
		t.Error("Expected normal_ variant to score better than thumb variant")
	}
}

const coppermineRootPage = `<html>
<head><title>My Photo Gallery</title></head>
<body>
<table>
<tr><td>
  <a href="index.php?cat=1">Events</a> 120 files
</td></tr>
<tr><td>
  <a href="thumbnails.php?album=lastup">Last uploads</a>
  <a href="thumbnails.php?album=topn">Most viewed</a>
</td></tr>
</table>
</body></html>`

const coppermineCatPage = `<html><body>
<table>
<tr><td><a href="thumbnails.php?album=10">Vacation 2019</a> 42 files</td></tr>
<tr><td><a href="thumbnails.php?album=11">Concert</a> 7 files</td></tr>
</table>
</body></html>`

func coppermineTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/gallery/index.php", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cat") == "1" {
			w.Write([]byte(coppermineCatPage))
			return
		}
		w.Write([]byte(coppermineRootPage))
	})
	mux.HandleFunc("/gallery/thumbnails.php", func(w http.ResponseWriter, r *http.Request) {
		album := r.URL.Query().Get("album")
		if album == "11" {
			w.Write([]byte(`<html><body>
<a href="albums/userpics/c_001.jpg"><img src="albums/userpics/thumb_c_001.jpg"></a>
<img src="albums/userpics/c_002.jpg">
<img src="images/rate_empty.png">
</body></html>`))
			return
		}
		if album != "10" {
			w.Write([]byte("<html><body>empty</body></html>"))
			return
		}
		w.Write([]byte(`<html><body>
<a href="displayimage.php?album=10&pid=100">pic 1</a>
<a href="displayimage.php?album=10&pid=101">pic 2</a>
<a href="thumbnails.php?album=10&page=2">2</a>
<a href="thumbnails.php?album=10&page=3">3</a>
</body></html>`))
	})
	mux.HandleFunc("/gallery/displayimage.php", func(w http.ResponseWriter, r *http.Request) {
		pid := r.URL.Query().Get("pid")
		w.Write([]byte(`<html><body>
<img src="albums/userpics/thumb_img_` + pid + `.jpg" width="120" height="90">
<img class="image" src="albums/userpics/normal_img_` + pid + `.jpg" width="400" height="300">
<a href="albums/userpics/img_` + pid + `.jpg">full size</a>
<img src="images/rate_full.png">
</body></html>`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestCoppermineDiscoverAlbums(t *testing.T) {
	server := coppermineTestServer(t)
	root := server.URL + "/gallery/index.php"
	site := testSite(t, root)

	env := testEnv(t)
	env.Cfg.Scan.IncludeSpecialAlbums = true
	cm := NewCoppermine(env)
	tree, err := cm.DiscoverAlbums(context.Background(), root, site)
	if err != nil {
		t.Fatalf("DiscoverAlbums failed: %v", err)
	}

	if tree.Title != "My Photo Gallery" {
		t.Errorf("Expected the root page title on the tree, got %q", tree.Title)
	}

	byTitle := make(map[string]bool)
	specials := 0
	for _, a := range tree.Albums() {
		byTitle[a.Title] = true
		if a.Special {
			specials++
		}
	}

	for _, want := range []string{"Events", "Vacation 2019", "Concert", "Last uploads", "Most viewed"} {
		if !byTitle[want] {
			t.Errorf("Expected album %q in tree", want)
		}
	}
	if specials != 2 {
		t.Errorf("Expected 2 special albums, got %d", specials)
	}

	// Children of the category carry its ID as parent.
	var eventsID string
	for _, a := range tree.Albums() {
		if a.Title == "Events" {
			eventsID = a.ID
		}
	}
	children := tree.Children(eventsID)
	if len(children) != 2 {
		t.Fatalf("Expected 2 albums under Events, got %d", len(children))
	}
	if children[0].ImageCount != 42 {
		t.Errorf("Expected file count 42 for %s, got %d", children[0].Title, children[0].ImageCount)
	}
}

func TestCoppermineDiscoverExcludesSpecials(t *testing.T) {
	server := coppermineTestServer(t)
	root := server.URL + "/gallery/index.php"
	site := testSite(t, root)

	// Default configuration leaves the meta albums out.
	cm := NewCoppermine(testEnv(t))
	tree, err := cm.DiscoverAlbums(context.Background(), root, site)
	if err != nil {
		t.Fatalf("DiscoverAlbums failed: %v", err)
	}

	for _, a := range tree.Albums() {
		if a.Special {
			t.Errorf("Special album %q discovered despite default config", a.Title)
		}
		if a.Title == "Last uploads" || a.Title == "Most viewed" {
			t.Errorf("Meta album %q should not be in the tree", a.Title)
		}
	}
	for _, want := range []string{"Events", "Vacation 2019", "Concert"} {
		found := false
		for _, a := range tree.Albums() {
			if a.Title == want {
				found = true
			}
		}
		if !found {
			t.Errorf("Expected real album %q in tree", want)
		}
	}
}

func TestCoppermineExtractImagesDirectLinks(t *testing.T) {
	server := coppermineTestServer(t)
	root := server.URL + "/gallery/index.php"
	site := testSite(t, root)

	cm := NewCoppermine(testEnv(t))
	pageURL := server.URL + "/gallery/thumbnails.php?album=11"
	refs, err := cm.ExtractImages(context.Background(),
		&gallery.Album{ID: "alb-11", URL: pageURL}, pageURL, site)
	if err != nil {
		t.Fatalf("ExtractImages failed: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("Expected 2 direct images, got %d: %+v", len(refs), refs)
	}

	got := map[string]bool{}
	for _, ref := range refs {
		got[ref.BestURL()] = true
	}
	if !got[server.URL+"/gallery/albums/userpics/c_001.jpg"] {
		t.Error("Expected the anchored full-size image")
	}
	if !got[server.URL+"/gallery/albums/userpics/c_002.jpg"] {
		t.Error("Expected the inline image")
	}
	for url := range got {
		if IsUIImage(url) {
			t.Errorf("UI chrome leaked into direct extraction: %s", url)
		}
	}
}

func TestCoppermineListAlbumPages(t *testing.T) {
	server := coppermineTestServer(t)
	root := server.URL + "/gallery/index.php"
	site := testSite(t, root)

	cm := NewCoppermine(testEnv(t))
	tree, err := cm.DiscoverAlbums(context.Background(), root, site)
	if err != nil {
		t.Fatal(err)
	}

	var vacation *gallery.Album
	for _, a := range tree.Albums() {
		if a.Title == "Vacation 2019" {
			vacation = a
		}
	}
	if vacation == nil {
		t.Fatal("Vacation 2019 not discovered")
	}

	pages, err := cm.ListAlbumPages(context.Background(), vacation, site)
	if err != nil {
		t.Fatalf("ListAlbumPages failed: %v", err)
	}
	if len(pages) != 3 {
		t.Fatalf("Expected 3 pages, got %d: %v", len(pages), pages)
	}
	if pages[0] != vacation.URL {
		t.Errorf("Expected first page to be the album URL, got %s", pages[0])
	}
}

func TestCoppermineExtractImages(t *testing.T) {
	server := coppermineTestServer(t)
	root := server.URL + "/gallery/index.php"
	site := testSite(t, root)

	cm := NewCoppermine(testEnv(t))
	tree, err := cm.DiscoverAlbums(context.Background(), root, site)
	if err != nil {
		t.Fatal(err)
	}

	var album *gallery.Album
	for _, a := range tree.Albums() {
		if a.Title == "Vacation 2019" {
			album = a
		}
	}
	if album == nil {
		t.Fatal("Vacation 2019 not discovered")
	}

	refs, err := cm.ExtractImages(context.Background(), album, album.URL, site)
	if err != nil {
		t.Fatalf("ExtractImages failed: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("Expected 2 images, got %d", len(refs))
	}

	for _, ref := range refs {
		if len(ref.Candidates) == 0 {
			t.Fatal("Expected candidates for every image")
		}
		best := ref.BestURL()
		// The direct full-size link must outrank thumb_ and normal_ variants.
		if got := scoreCandidate(best); got != 0 {
			t.Errorf("Best candidate %q looks like a scaled variant", best)
		}
		for _, c := range ref.Candidates {
			if IsUIImage(c) {
				t.Errorf("UI chrome leaked into candidates: %s", c)
			}
		}
		if ref.RefererURL == "" {
			t.Error("Expected a referer URL")
		}
	}
}

func TestCoppermineExtractImagesFromImagelist(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gallery/thumbnails.php", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body>
<script>
var fb_imagelist = ["albums/userpics/a.jpg", "albums/userpics/b.jpg", "images/spacer.gif"];
</script>
</body></html>`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	root := server.URL + "/gallery/index.php"
	site := testSite(t, root)

	cm := NewCoppermine(testEnv(t))
	pageURL := server.URL + "/gallery/thumbnails.php?album=5"
	refs, err := cm.ExtractImages(context.Background(),
		&gallery.Album{ID: "alb-5", URL: pageURL}, pageURL, site)
	if err != nil {
		t.Fatalf("ExtractImages failed: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("Expected 2 images from fb_imagelist, got %d", len(refs))
	}
	want := server.URL + "/gallery/albums/userpics/a.jpg"
	if refs[0].BestURL() != want {
		t.Errorf("Expected %s, got %s", want, refs[0].BestURL())
	}
}

func TestCoppermineUnsupportedSite(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body><p>Just a blog.</p></body></html>"))
	}))
	defer server.Close()

	site := testSite(t, server.URL)
	cm := NewCoppermine(testEnv(t))
	_, err := cm.DiscoverAlbums(context.Background(), server.URL, site)

	var scanErr *errs.Error
	if !errors.As(err, &scanErr) || scanErr.Type != errs.ErrorTypeUnsupportedSite {
		t.Errorf("Expected unsupported_site error, got %v", err)
	}
}

func TestImageboardExtractImages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"posts":[
			{"no":1,"tim":1609459200000,"ext":".jpg","filename":"sunset"},
			{"no":2,"com":"text only post"},
			{"no":3,"tim":1609459300000,"ext":".webm","filename":"clip"}
		]}`))
	}))
	defer server.Close()

	env := testEnv(t)
	ib := NewImageboard(env)
	site := testSite(t, "https://boards.4chan.org/wg/")

	album := &gallery.Album{
		ID:  "thr-1",
		URL: "https://boards.4chan.org/wg/thread/12345",
	}
	refs, err := ib.ExtractImages(context.Background(), album, server.URL+"/wg/thread/12345.json", site)
	if err != nil {
		t.Fatalf("ExtractImages failed: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("Expected 2 images, got %d", len(refs))
	}
	if refs[0].BestURL() != "https://i.4cdn.org/wg/1609459200000.jpg" {
		t.Errorf("Unexpected image URL: %s", refs[0].BestURL())
	}
	if refs[0].SuggestedFilename != "sunset.jpg" {
		t.Errorf("Unexpected filename: %s", refs[0].SuggestedFilename)
	}
	if refs[1].SuggestedFilename != "clip.webm" {
		t.Errorf("Unexpected filename: %s", refs[1].SuggestedFilename)
	}
}

func TestRuleAdapterMatch(t *testing.T) {
	env := testEnv(t)
	var theplace *RuleAdapter
	for _, rules := range BuiltinRuleSets() {
		if rules.Name == "theplace-2com" {
			theplace = NewRuleAdapter(env, rules)
		}
	}

	u, _ := url.Parse("https://www.theplace-2.com/photos/")
	if !theplace.Match(u) {
		t.Error("Expected theplace-2com to match www.theplace-2.com")
	}
	u, _ = url.Parse("https://example.com/")
	if theplace.Match(u) {
		t.Error("Expected theplace-2com not to match example.com")
	}
}

func TestRuleAdapterDiscoverAndExtract(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/photos/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body>
<a href="/photos/jane-doe-pictures-1.htm">Jane Doe</a>
<a href="/photos/john-roe-pictures-2.htm">John Roe</a>
<a href="/photos/ignore.html">ignored</a>
</body></html>`))
	})
	mux.HandleFunc("/photos/jane-doe-pictures-1.htm", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body>
<div class="pic-card"><a class="link" href="pic-100.html">t1</a></div>
<div class="pic-card"><a class="link" href="pic-101.html">t2</a></div>
<nav aria-label="pagination"><a class="page-link" href="?page=2">2</a></nav>
</body></html>`))
	})
	for _, pic := range []string{"100", "101"} {
		pic := pic
		mux.HandleFunc("/photos/pic-"+pic+".html", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`<html><body>
<div class="big-photo-wrapper"><a href="/full/photo-` + pic + `.jpg"><img src="/thumbs/photo-` + pic + `.jpg"></a></div>
</body></html>`))
		})
	}
	server := httptest.NewServer(mux)
	defer server.Close()

	env := testEnv(t)
	var adapter *RuleAdapter
	for _, rules := range BuiltinRuleSets() {
		if rules.Name == "theplace-2com" {
			adapter = NewRuleAdapter(env, rules)
		}
	}

	root := server.URL + "/photos/"
	site := testSite(t, root)

	tree, err := adapter.DiscoverAlbums(context.Background(), root, site)
	if err != nil {
		t.Fatalf("DiscoverAlbums failed: %v", err)
	}
	if tree.Len() != 2 {
		t.Fatalf("Expected 2 albums, got %d", tree.Len())
	}

	var jane *gallery.Album
	for _, a := range tree.Albums() {
		if a.Title == "Jane Doe" {
			jane = a
		}
	}
	if jane == nil {
		t.Fatal("Jane Doe album not discovered")
	}

	pages, err := adapter.ListAlbumPages(context.Background(), jane, site)
	if err != nil {
		t.Fatal(err)
	}
	if len(pages) != 2 {
		t.Fatalf("Expected 2 pages, got %d: %v", len(pages), pages)
	}

	refs, err := adapter.ExtractImages(context.Background(), jane, jane.URL, site)
	if err != nil {
		t.Fatalf("ExtractImages failed: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("Expected 2 images, got %d", len(refs))
	}
	// The detail page resolves through the big-photo wrapper, not the thumb.
	if refs[0].BestURL() != server.URL+"/full/photo-100.jpg" {
		t.Errorf("Unexpected full image: %s", refs[0].BestURL())
	}
}

func TestExtractIsIdempotent(t *testing.T) {
	server := coppermineTestServer(t)
	root := server.URL + "/gallery/index.php"
	site := testSite(t, root)

	cm := NewCoppermine(testEnv(t))
	tree, err := cm.DiscoverAlbums(context.Background(), root, site)
	if err != nil {
		t.Fatal(err)
	}

	var album *gallery.Album
	for _, a := range tree.Albums() {
		if a.Title == "Vacation 2019" {
			album = a
		}
	}

	first, err := cm.ExtractImages(context.Background(), album, album.URL, site)
	if err != nil {
		t.Fatal(err)
	}
	second, err := cm.ExtractImages(context.Background(), album, album.URL, site)
	if err != nil {
		t.Fatal(err)
	}

	if len(first) != len(second) {
		t.Fatalf("Extraction not stable: %d vs %d images", len(first), len(second))
	}
	for i := range first {
		if first[i].BestURL() != second[i].BestURL() {
			t.Errorf("Image %d changed between runs: %s vs %s",
				i, first[i].BestURL(), second[i].BestURL())
		}
	}
}
