// Package fetch is the HTTP layer under discovery and download. It sends
// browser-like headers, revalidates pages against the cache with
// conditional requests, routes traffic through the proxy pool when one is
// configured, and retries transient failures with typed backoff.
package fetch

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/xmarre/Copperminer/pkg/cache"
	"github.com/xmarre/Copperminer/pkg/config"
	errs "github.com/xmarre/Copperminer/pkg/errors"
	"github.com/xmarre/Copperminer/pkg/logger"
	"github.com/xmarre/Copperminer/pkg/proxy"
	"github.com/xmarre/Copperminer/pkg/ratelimit"
	"github.com/xmarre/Copperminer/pkg/retry"
)

// maxPageBody caps how much HTML a single page fetch will buffer
const maxPageBody = 8 << 20

// Client performs all HTTP traffic for scanning and downloading
type Client struct {
	cfg  *config.Config
	pool *proxy.Pool
	log  logger.Logger

	pageLimiter ratelimit.Limiter
	retrier     *retry.HTTPRetrier

	mu      sync.Mutex
	direct  *http.Client
	proxied map[string]*http.Client
}

// NewClient creates a fetch client. pool may be nil when proxying is
// disabled.
func NewClient(cfg *config.Config, pool *proxy.Pool, log logger.Logger) *Client {
	return &Client{
		cfg:  cfg,
		pool: pool,
		log:  log,
		// Discovery traffic: generous but bounded.
		pageLimiter: ratelimit.NewTokenBucket(120, time.Minute),
		retrier:     retry.NewHTTPRetrier(cfg.Download.RetryAttempts, log),
		direct: &http.Client{
			Timeout: cfg.Scan.FetchTimeout,
		},
		proxied: make(map[string]*http.Client),
	}
}

// PageResult is the outcome of a page fetch
type PageResult struct {
	Body string
	// NotModified is true when the server confirmed the cached copy, so
	// Body came from the cache.
	NotModified bool
	// FromCache is true when no request was sent at all (fresh TTL hit).
	FromCache bool
}

// FetchPage fetches an HTML page, revalidating against the site cache.
// When the cache holds validators for the page they are sent as
// If-None-Match / If-Modified-Since; a 304 answer serves the cached body.
// In quick-scan mode a conditional HEAD decides staleness first, so an
// unchanged page costs a header exchange instead of a body transfer.
func (c *Client) FetchPage(ctx context.Context, pageURL, referer string, site *cache.Site) (*PageResult, error) {
	var cached cache.Entry
	var haveCached bool
	if site != nil {
		cached, haveCached = site.Get(pageURL)
		if haveCached && site.HasFresh(pageURL, c.cfg.Cache.TTL) {
			return &PageResult{Body: cached.Body, FromCache: true}, nil
		}
	}

	c.pageLimiter.Wait()

	if haveCached && c.cfg.Scan.QuickScan && (cached.ETag != "" || cached.LastModified != "") {
		if c.headUnchanged(ctx, pageURL, referer, &cached) {
			cached.FetchedAt = time.Now()
			site.Put(pageURL, cached)
			return &PageResult{Body: cached.Body, NotModified: true}, nil
		}
	}

	var result *PageResult
	err := c.retrier.WithContext(ctx).Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
		if err != nil {
			return errs.New(errs.ErrorTypeFetch, "invalid page url %s: %v", pageURL, err)
		}
		c.setHeaders(req, referer)
		if haveCached {
			if cached.ETag != "" {
				req.Header.Set("If-None-Match", cached.ETag)
			}
			if cached.LastModified != "" {
				req.Header.Set("If-Modified-Since", cached.LastModified)
			}
		}

		resp, proxyAddr, err := c.do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotModified && haveCached:
			cached.FetchedAt = time.Now()
			if site != nil {
				site.Put(pageURL, cached)
			}
			result = &PageResult{Body: cached.Body, NotModified: true}
			return nil

		case resp.StatusCode == http.StatusOK:
			body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBody))
			if err != nil {
				c.reportProxy(proxyAddr, false)
				return errs.New(errs.ErrorTypeNetwork, "reading page body: %v", err)
			}
			c.reportProxy(proxyAddr, true)
			entry := cache.Entry{
				Body:         string(body),
				ETag:         resp.Header.Get("ETag"),
				LastModified: resp.Header.Get("Last-Modified"),
				FetchedAt:    time.Now(),
			}
			if haveCached {
				entry.ChildHash = cached.ChildHash
				entry.ImageHash = cached.ImageHash
			}
			if site != nil {
				site.Put(pageURL, entry)
			}
			result = &PageResult{Body: entry.Body}
			return nil

		default:
			c.reportProxy(proxyAddr, resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests)
			return statusError(resp, pageURL)
		}
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// headUnchanged sends a conditional HEAD and reports whether the server
// confirmed the cached copy. Any doubt (error, odd status, missing
// validators) falls back to the normal GET path.
func (c *Client) headUnchanged(ctx context.Context, pageURL, referer string, cached *cache.Entry) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, pageURL, nil)
	if err != nil {
		return false
	}
	c.setHeaders(req, referer)
	if cached.ETag != "" {
		req.Header.Set("If-None-Match", cached.ETag)
	}
	if cached.LastModified != "" {
		req.Header.Set("If-Modified-Since", cached.LastModified)
	}

	resp, proxyAddr, err := c.do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	c.reportProxy(proxyAddr, resp.StatusCode < 500)

	switch resp.StatusCode {
	case http.StatusNotModified:
		return true
	case http.StatusOK:
		if cached.ETag != "" {
			return resp.Header.Get("ETag") == cached.ETag
		}
		return cached.LastModified != "" && resp.Header.Get("Last-Modified") == cached.LastModified
	default:
		return false
	}
}

// HeadInfo is the result of a HEAD probe
type HeadInfo struct {
	StatusCode    int
	ContentLength int64
	ContentType   string
}

// Head probes a URL without downloading it. Used in quick scans to reject
// thumbnails by size before committing to a full download.
func (c *Client) Head(ctx context.Context, rawURL, referer string) (*HeadInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return nil, errs.New(errs.ErrorTypeFetch, "invalid url %s: %v", rawURL, err)
	}
	c.setHeaders(req, referer)

	resp, proxyAddr, err := c.do(req)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	c.reportProxy(proxyAddr, resp.StatusCode < 500)

	return &HeadInfo{
		StatusCode:    resp.StatusCode,
		ContentLength: resp.ContentLength,
		ContentType:   resp.Header.Get("Content-Type"),
	}, nil
}

// Download streams a file to w and returns the byte count
func (c *Client) Download(ctx context.Context, rawURL, referer string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, errs.New(errs.ErrorTypeFetch, "invalid url %s: %v", rawURL, err)
	}
	c.setHeaders(req, referer)

	resp, proxyAddr, err := c.do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.reportProxy(proxyAddr, resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests)
		return 0, statusError(resp, rawURL)
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		c.reportProxy(proxyAddr, false)
		return n, errs.New(errs.ErrorTypeNetwork, "downloading %s: %v", rawURL, err)
	}
	c.reportProxy(proxyAddr, true)
	return n, nil
}

// RateLimitedError is a rate-limit failure carrying the server's
// Retry-After hint. It unwraps to the underlying typed error so retry
// backoff selection still sees the rate_limit type.
type RateLimitedError struct {
	Err        *errs.Error
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string { return e.Err.Error() }

func (e *RateLimitedError) Unwrap() error { return e.Err }

// RetryAfter extracts a server retry hint from a rate-limit error, 0 if none
func RetryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// do sends the request, picking a proxy when the pool is enabled. It
// returns the proxy address used so callers can report the outcome.
func (c *Client) do(req *http.Request) (*http.Response, string, error) {
	client := c.direct
	proxyAddr := ""

	if c.cfg.Proxy.Enabled {
		switch {
		case c.cfg.Proxy.ExplicitProxy != "":
			pc, err := c.clientFor(proxy.Record{Address: stripScheme(c.cfg.Proxy.ExplicitProxy), Scheme: schemeOf(c.cfg.Proxy.ExplicitProxy)})
			if err == nil {
				client = pc
			}
		case c.pool != nil:
			rec, err := c.pool.Checkout()
			if err == nil {
				if pc, cerr := c.clientFor(*rec); cerr == nil {
					client = pc
					proxyAddr = rec.Address
				}
			} else {
				c.log.WithError(err).Debug("proxy pool empty, falling back to direct connection")
			}
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		c.reportProxy(proxyAddr, false)
		if req.Context().Err() != nil {
			return nil, "", req.Context().Err()
		}
		return nil, "", errs.New(errs.ErrorTypeNetwork, "request to %s failed: %v", req.URL, err)
	}
	return resp, proxyAddr, nil
}

// clientFor returns (and caches) an http.Client routed through the proxy
func (c *Client) clientFor(rec proxy.Record) (*http.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cl, ok := c.proxied[rec.Address]; ok {
		return cl, nil
	}

	proxyURL, err := rec.URL()
	if err != nil {
		return nil, err
	}

	cl := &http.Client{
		Timeout: c.cfg.Scan.FetchTimeout,
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
	}
	c.proxied[rec.Address] = cl
	return cl, nil
}

func (c *Client) reportProxy(addr string, ok bool) {
	if addr == "" || c.pool == nil {
		return
	}
	if ok {
		c.pool.ReportSuccess(addr)
	} else {
		c.pool.ReportFailure(addr)
	}
}

// setHeaders applies browser-like headers. Some galleries serve an error
// page to clients without a Referer or a desktop User-Agent.
func (c *Client) setHeaders(req *http.Request, referer string) {
	req.Header.Set("User-Agent", c.cfg.Scan.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	if referer != "" {
		req.Header.Set("Referer", referer)
	}
}

// statusError maps a non-200 response to a typed error. Rate-limit
// answers carry the server's Retry-After hint for the pacing layer.
func statusError(resp *http.Response, url string) error {
	code := resp.StatusCode
	switch {
	case code == http.StatusNotFound:
		return errs.NewWithCode(errs.ErrorTypeNotFound, code, "%s not found", url)
	case code == http.StatusTooManyRequests:
		return &RateLimitedError{
			Err:        errs.NewWithCode(errs.ErrorTypeRateLimit, code, "rate limited fetching %s", url),
			RetryAfter: RetryAfter(resp),
		}
	case errs.IsRetryableStatusCode(code):
		return errs.NewWithCode(errs.ErrorTypeServerError, code, "server error fetching %s", url)
	default:
		return errs.NewWithCode(errs.ErrorTypeFetch, code, "unexpected status fetching %s", url)
	}
}

func stripScheme(u string) string {
	for _, prefix := range []string{"http://", "https://", "socks5://"} {
		if len(u) > len(prefix) && u[:len(prefix)] == prefix {
			return u[len(prefix):]
		}
	}
	return u
}

func schemeOf(u string) string {
	if len(u) > 9 && u[:9] == "socks5://" {
		return "socks5"
	}
	return "http"
}
