package scraper

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/xmarre/Copperminer/internal/downloader"
	"github.com/xmarre/Copperminer/pkg/adapter"
	"github.com/xmarre/Copperminer/pkg/cache"
	"github.com/xmarre/Copperminer/pkg/config"
	"github.com/xmarre/Copperminer/pkg/fetch"
	"github.com/xmarre/Copperminer/pkg/gallery"
	"github.com/xmarre/Copperminer/pkg/logger"
	"github.com/xmarre/Copperminer/pkg/proxy"
	"github.com/xmarre/Copperminer/pkg/ratelimit"
	"github.com/xmarre/Copperminer/pkg/storage"
)

// Scraper wires the adapters, fetch layer, cache, proxy pool and download
// workers together behind the two operations the CLI needs: scan a gallery
// into an album tree, then download a selection of its albums.
type Scraper struct {
	cfg      *config.Config
	log      logger.Logger
	client   *fetch.Client
	registry *adapter.Registry
	proxies  *proxy.Pool
	store    *storage.Manager

	mu          sync.Mutex
	cancels     []context.CancelFunc
	pool        *downloader.WorkerPool
	maintaining sync.Once
}

// New builds a scraper from the effective configuration
func New(cfg *config.Config, log logger.Logger) (*Scraper, error) {
	if log == nil {
		log = logger.GetLogger()
	}

	var proxies *proxy.Pool
	if cfg.Proxy.Enabled {
		proxies = proxy.NewPool(cfg.Proxy, log)
	}

	client := fetch.NewClient(cfg, proxies, log)
	store, err := storage.NewManager(cfg.Download.OutputDirectory)
	if err != nil {
		return nil, err
	}

	return &Scraper{
		cfg:      cfg,
		log:      log,
		client:   client,
		registry: adapter.NewRegistry(&adapter.Env{Client: client, Cfg: cfg, Log: log}),
		proxies:  proxies,
		store:    store,
	}, nil
}

// StartScan discovers the album tree behind a root URL. The tree is cached
// on disk so a rescan revalidates pages instead of refetching them; the
// root entry keeps a digest of the album list so unchanged galleries are
// recognized immediately.
func (s *Scraper) StartScan(ctx context.Context, rootURL string) (*gallery.Tree, error) {
	ctx = s.track(ctx)

	if s.proxies != nil {
		// Replenishing runs in the background; until it catches up the
		// fetch layer falls back to direct connections.
		s.maintaining.Do(func() {
			go s.proxies.Maintain(ctx, 30*time.Second)
		})
	}

	a, normalized, err := s.registry.Resolve(rootURL)
	if err != nil {
		return nil, err
	}

	site, err := cache.Open(s.cfg.Cache.Directory, normalized)
	if err != nil {
		return nil, err
	}
	defer s.persist(site)

	s.log.InfoWithFields("scanning gallery", map[string]interface{}{
		"adapter": a.Name(),
		"url":     normalized,
	})

	tree, err := a.DiscoverAlbums(ctx, normalized, site)
	if tree != nil {
		site.SetTitle(tree.Title)
		s.recordTreeDigest(site, normalized, tree)
	}
	return tree, err
}

// recordTreeDigest stores a digest of the discovered album IDs on the root
// page entry and reports whether the gallery structure changed since the
// previous scan.
func (s *Scraper) recordTreeDigest(site *cache.Site, rootURL string, tree *gallery.Tree) {
	ids := make([]string, 0, tree.Len())
	for _, album := range tree.Albums() {
		ids = append(ids, album.ID)
	}
	digest := cache.DigestList(ids)

	entry, ok := site.Get(rootURL)
	if ok && entry.ChildHash == digest {
		s.log.Debug("gallery structure unchanged since last scan")
	} else if ok && entry.ChildHash != "" {
		s.log.Info("gallery structure changed since last scan")
	}
	if ok {
		entry.ChildHash = digest
		site.Put(rootURL, entry)
	}
}

// DownloadSelected extracts the images of the selected albums and feeds
// them to the download pool. An empty selection means every album in the
// tree. Results stream on the returned channel; it closes when the batch
// is done or the context is cancelled.
func (s *Scraper) DownloadSelected(ctx context.Context, tree *gallery.Tree, albumIDs []string) (<-chan gallery.TaskResult, error) {
	ctx = s.track(ctx)

	a, normalized, err := s.registry.Resolve(tree.RootURL)
	if err != nil {
		return nil, err
	}

	site, err := cache.Open(s.cfg.Cache.Directory, normalized)
	if err != nil {
		return nil, err
	}

	albums := s.selectAlbums(tree, albumIDs)
	tasks, err := s.collectTasks(ctx, a, tree, albums, site)
	if err != nil && len(tasks) == 0 {
		s.persist(site)
		return nil, err
	}

	pacer := downloader.Pacer(downloader.NopPacer{})
	if s.cfg.Download.MimicHuman {
		pacer = downloader.NewHumanPacer()
		shuffleTasks(tasks)
	}

	limiters := ratelimit.NewSelector(
		s.cfg.RateLimit.ImageInitialDelay,
		s.cfg.RateLimit.ImageMaxDelay,
		s.cfg.RateLimit.MediaInitialDelay,
		s.cfg.RateLimit.MediaMaxDelay,
	)

	pool := downloader.NewWorkerPool(
		s.cfg.Download.Workers,
		s.client,
		s.store,
		limiters,
		pacer,
		s.cfg.Scan.QuickScan,
		s.log,
	)

	s.mu.Lock()
	s.pool = pool
	s.mu.Unlock()

	pool.Start()
	go func() {
		defer pool.Stop()
		for _, t := range tasks {
			if err := pool.Submit(t); err != nil {
				return
			}
		}
	}()

	out := make(chan gallery.TaskResult)
	go func() {
		defer close(out)
		defer s.persist(site)
		for r := range pool.Results() {
			select {
			case out <- r:
			case <-ctx.Done():
				pool.Abort()
				return
			}
		}
	}()

	return out, nil
}

// collectTasks walks each album's pages and turns the extracted images into
// download tasks. Albums that fail to parse are logged and skipped so one
// broken album never sinks the batch.
func (s *Scraper) collectTasks(
	ctx context.Context,
	a adapter.Adapter,
	tree *gallery.Tree,
	albums []*gallery.Album,
	site *cache.Site,
) ([]*gallery.DownloadTask, error) {
	var tasks []*gallery.DownloadTask
	var lastErr error

	for _, album := range albums {
		if ctx.Err() != nil {
			return tasks, ctx.Err()
		}

		targetDir := gallery.AlbumDir(tree.Path(album.ID))

		pages, err := a.ListAlbumPages(ctx, album, site)
		if err != nil {
			lastErr = err
			s.log.WithError(err).WithField("album", album.Title).Warn("skipping album, pages unreachable")
			continue
		}

		for _, pageURL := range pages {
			refs, reused := s.cachedRefs(ctx, pageURL, album.URL, site)
			if reused {
				s.log.WithField("page", pageURL).Debug("page unchanged, reusing cached image list")
			} else {
				var err error
				refs, err = a.ExtractImages(ctx, album, pageURL, site)
				if err != nil {
					lastErr = err
					s.log.WithError(err).WithField("page", pageURL).Warn("skipping page, extraction failed")
					continue
				}
				s.recordImageDigest(site, pageURL, refs)
			}

			for i := range refs {
				tasks = append(tasks, &gallery.DownloadTask{
					Image:      refs[i],
					AlbumTitle: album.Title,
					TargetDir:  targetDir,
				})
			}
		}
	}

	return tasks, lastErr
}

// cachedRefs revalidates an album page and, when the server confirms it
// unchanged, returns the image refs recorded by the previous scan so the
// page does not have to be parsed again.
func (s *Scraper) cachedRefs(ctx context.Context, pageURL, referer string, site *cache.Site) ([]gallery.ImageRef, bool) {
	entry, ok := site.Get(pageURL)
	if !ok || entry.ImageHash == "" || len(entry.Images) == 0 {
		return nil, false
	}
	res, err := s.client.FetchPage(ctx, pageURL, referer, site)
	if err != nil || !(res.NotModified || res.FromCache) {
		return nil, false
	}
	return entry.Images, true
}

// recordImageDigest stores the image refs found on one album page together
// with a digest of their URLs, so rescans can tell changed pages from
// stable ones and skip re-extraction.
func (s *Scraper) recordImageDigest(site *cache.Site, pageURL string, refs []gallery.ImageRef) {
	entry, ok := site.Get(pageURL)
	if !ok {
		return
	}
	urls := make([]string, 0, len(refs))
	for i := range refs {
		urls = append(urls, refs[i].BestURL())
	}
	entry.ImageHash = cache.DigestList(urls)
	entry.Images = refs
	site.Put(pageURL, entry)
}

// selectAlbums resolves the requested album IDs against the tree. Special
// virtual albums only take part when the configuration opts in.
func (s *Scraper) selectAlbums(tree *gallery.Tree, albumIDs []string) []*gallery.Album {
	var albums []*gallery.Album
	if len(albumIDs) == 0 {
		albums = tree.Albums()
	} else {
		for _, id := range albumIDs {
			if a := tree.Get(id); a != nil {
				albums = append(albums, a)
			} else {
				s.log.WithField("album_id", id).Warn("unknown album id, skipping")
			}
		}
	}

	if s.cfg.Scan.IncludeSpecialAlbums {
		return albums
	}
	kept := albums[:0]
	for _, a := range albums {
		if a.Special {
			s.log.WithField("album", a.Title).Debug("skipping special album")
			continue
		}
		kept = append(kept, a)
	}
	return kept
}

// Stop cancels every operation in flight. Queued downloads never start;
// running ones resolve and report their result.
func (s *Scraper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		s.pool.Abort()
	}
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = nil
}

// Storage exposes the storage manager, mainly for summaries
func (s *Scraper) Storage() *storage.Manager {
	return s.store
}

// Proxies exposes the proxy pool; nil when proxies are disabled
func (s *Scraper) Proxies() *proxy.Pool {
	return s.proxies
}

func (s *Scraper) track(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancels = append(s.cancels, cancel)
	s.mu.Unlock()
	return ctx
}

func (s *Scraper) persist(site *cache.Site) {
	if err := site.Flush(); err != nil {
		s.log.WithError(err).Warn("failed to flush page cache")
	}
	if s.proxies != nil {
		if err := s.proxies.Save(); err != nil {
			s.log.WithError(err).Warn("failed to save proxy pool")
		}
	}
}

func shuffleTasks(tasks []*gallery.DownloadTask) {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	r.Shuffle(len(tasks), func(i, j int) {
		tasks[i], tasks[j] = tasks[j], tasks[i]
	})
}
