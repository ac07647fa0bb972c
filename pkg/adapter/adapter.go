// Package adapter contains the site adapters: one per supported gallery
// engine. An adapter knows how to walk a site's category structure, list
// the pages of an album, and turn album pages into download candidates.
package adapter

import (
	"context"
	"net/url"
	"strings"

	"github.com/xmarre/Copperminer/pkg/cache"
	"github.com/xmarre/Copperminer/pkg/config"
	errs "github.com/xmarre/Copperminer/pkg/errors"
	"github.com/xmarre/Copperminer/pkg/fetch"
	"github.com/xmarre/Copperminer/pkg/gallery"
	"github.com/xmarre/Copperminer/pkg/logger"
)

// Env bundles the shared machinery every adapter needs
type Env struct {
	Client *fetch.Client
	Cfg    *config.Config
	Log    logger.Logger
}

// Adapter is one supported gallery engine
type Adapter interface {
	// Name identifies the adapter in logs and cache metadata.
	Name() string
	// Match reports whether this adapter wants to handle the URL.
	Match(u *url.URL) bool
	// DiscoverAlbums walks the site from the root URL and returns the
	// album tree. Pages are fetched through the site cache.
	DiscoverAlbums(ctx context.Context, rootURL string, site *cache.Site) (*gallery.Tree, error)
	// ListAlbumPages returns every page URL of an album in site order.
	ListAlbumPages(ctx context.Context, album *gallery.Album, site *cache.Site) ([]string, error)
	// ExtractImages turns one album page into download candidates.
	ExtractImages(ctx context.Context, album *gallery.Album, pageURL string, site *cache.Site) ([]gallery.ImageRef, error)
}

// Registry resolves a root URL to the adapter that handles it. Adapters
// are tried in registration order; the generic Coppermine adapter goes
// last because it matches any plain gallery URL.
type Registry struct {
	adapters []Adapter
	log      logger.Logger
}

// NewRegistry builds the standard registry: imageboard and rule-based
// adapters first, Coppermine as the fallback.
func NewRegistry(env *Env) *Registry {
	r := &Registry{log: env.Log}
	r.Register(NewImageboard(env))
	for _, rules := range BuiltinRuleSets() {
		r.Register(NewRuleAdapter(env, rules))
	}
	r.Register(NewCoppermine(env))
	return r
}

// Register appends an adapter to the resolution order
func (r *Registry) Register(a Adapter) {
	r.adapters = append(r.adapters, a)
}

// Resolve returns the adapter for a root URL, normalizing shorthand forms
// like "4chan:board/thread" along the way. The normalized URL is returned
// so callers scan exactly what was matched.
func (r *Registry) Resolve(rawURL string) (Adapter, string, error) {
	normalized := NormalizeBoardShorthand(rawURL)

	u, err := url.Parse(normalized)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, "", errs.New(errs.ErrorTypeUnsupportedSite, "cannot interpret %q as a gallery URL", rawURL)
	}

	for _, a := range r.adapters {
		if a.Match(u) {
			r.log.WithFields(map[string]interface{}{
				"adapter": a.Name(),
				"url":     normalized,
			}).Debug("resolved site adapter")
			return a, normalized, nil
		}
	}

	return nil, "", errs.New(errs.ErrorTypeUnsupportedSite, "no adapter for %q", rawURL)
}

// resolveURL resolves a possibly-relative href against the page it was
// found on. Relative paths resolve against the page URL with its filename
// stripped, which is what browsers do.
func resolveURL(pageURL, href string) string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return href
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

// albumID derives a stable album ID from its canonical URL
func albumID(albumURL string) string {
	return cache.DigestList([]string{cache.NormalizeURL(albumURL)})[:16]
}
