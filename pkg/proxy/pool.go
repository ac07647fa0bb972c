// Package proxy maintains a pool of validated outbound proxies. Candidates
// are harvested from public lists, validated against live gallery targets,
// ranked by reliability and latency, and benched with a cooldown when they
// start failing. The pool persists to disk so a restart does not re-validate
// from scratch.
package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xmarre/Copperminer/pkg/config"
	errs "github.com/xmarre/Copperminer/pkg/errors"
	"github.com/xmarre/Copperminer/pkg/logger"
)

// MaxDeadRetries is how many times a benched proxy gets another chance
// after its cooldown before being dropped for good.
const MaxDeadRetries = 3

// DefaultHarvestSources are public plain-text proxy lists, one host:port
// per line.
var DefaultHarvestSources = []string{
	"https://raw.githubusercontent.com/TheSpeedX/PROXY-List/master/http.txt",
	"https://raw.githubusercontent.com/proxifly/free-proxy-list/main/proxies/protocols/http/data.txt",
}

// Record is one proxy in the pool
type Record struct {
	// Address is host:port.
	Address string `json:"address"`
	// Scheme is the proxy protocol: http or socks5.
	Scheme              string        `json:"scheme"`
	LastValidated       time.Time     `json:"last_validated"`
	Latency             time.Duration `json:"latency"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Alive               bool          `json:"alive"`
	DeadSince           time.Time     `json:"dead_since,omitempty"`
	DeadRetries         int           `json:"dead_retries,omitempty"`
}

// URL returns the proxy as a URL usable with http.Transport
func (r *Record) URL() (*url.URL, error) {
	scheme := r.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return url.Parse(scheme + "://" + r.Address)
}

// checkFunc validates one proxy and returns its observed latency
type checkFunc func(ctx context.Context, rec Record, target string) (time.Duration, error)

// Pool manages the proxy records
type Pool struct {
	cfg config.ProxyConfig
	log logger.Logger

	mu      sync.Mutex
	records map[string]*Record

	check checkFunc

	// randSrc is shared by Checkout jitter and Validate's worker
	// goroutines; randMu serializes it.
	randMu  sync.Mutex
	randSrc *rand.Rand
}

func (p *Pool) randFloat() float64 {
	p.randMu.Lock()
	defer p.randMu.Unlock()
	return p.randSrc.Float64()
}

func (p *Pool) randIndex(n int) int {
	p.randMu.Lock()
	defer p.randMu.Unlock()
	return p.randSrc.Intn(n)
}

// NewPool creates a proxy pool from configuration. The on-disk cache, if
// present, is loaded immediately.
func NewPool(cfg config.ProxyConfig, log logger.Logger) *Pool {
	p := &Pool{
		cfg:     cfg,
		log:     log,
		records: make(map[string]*Record),
		randSrc: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	p.check = p.httpCheck
	p.loadCache()
	return p
}

// AliveCount returns how many proxies are currently usable
func (p *Pool) AliveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, r := range p.records {
		if r.Alive {
			n++
		}
	}
	return n
}

// Records returns a snapshot of all known proxies, alive first, best first
func (p *Pool) Records() []Record {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Record, 0, len(p.records))
	for _, r := range p.records {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Alive != out[j].Alive {
			return out[i].Alive
		}
		if out[i].ConsecutiveFailures != out[j].ConsecutiveFailures {
			return out[i].ConsecutiveFailures < out[j].ConsecutiveFailures
		}
		return out[i].Latency < out[j].Latency
	})
	return out
}

// Checkout picks the best available proxy. Benched proxies whose cooldown
// has expired are given another chance, up to MaxDeadRetries. Returns a
// proxy_exhausted error when nothing is usable.
func (p *Pool) Checkout() (*Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var best *Record
	for _, r := range p.records {
		if !r.Alive {
			if !p.reviveLocked(r) {
				continue
			}
		}
		if best == nil || betterThan(r, best) {
			best = r
		}
	}

	if best == nil {
		return nil, errs.New(errs.ErrorTypeProxyExhausted, "no usable proxy in pool")
	}
	snapshot := *best
	return &snapshot, nil
}

// reviveLocked returns a benched proxy to probation if its cooldown expired.
// Caller must hold the mutex.
func (p *Pool) reviveLocked(r *Record) bool {
	if r.DeadRetries >= MaxDeadRetries {
		return false
	}
	if r.DeadSince.IsZero() {
		return false
	}
	if time.Since(r.DeadSince) < p.cooldownWithJitter() {
		return false
	}
	r.Alive = true
	r.DeadRetries++
	r.ConsecutiveFailures = 0
	p.log.WithFields(map[string]interface{}{
		"proxy":   r.Address,
		"retries": r.DeadRetries,
	}).Debug("reviving benched proxy for probation")
	return true
}

// cooldownWithJitter spreads revival times so a burst of failures does not
// revive the whole bench at once.
func (p *Pool) cooldownWithJitter() time.Duration {
	base := p.cfg.DeadCooldown
	if base <= 0 {
		base = 10 * time.Minute
	}
	jitter := 0.8 + 0.4*p.randFloat()
	return time.Duration(float64(base) * jitter)
}

func betterThan(a, b *Record) bool {
	if a.ConsecutiveFailures != b.ConsecutiveFailures {
		return a.ConsecutiveFailures < b.ConsecutiveFailures
	}
	if !a.LastValidated.Equal(b.LastValidated) {
		return a.LastValidated.After(b.LastValidated)
	}
	return a.Latency < b.Latency
}

// ReportSuccess records a successful request through the proxy
func (p *Pool) ReportSuccess(address string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if r, ok := p.records[address]; ok {
		r.ConsecutiveFailures = 0
		r.Alive = true
	}
}

// ReportFailure records a failed request. Crossing the failure threshold
// benches the proxy for the cooldown period.
func (p *Pool) ReportFailure(address string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.records[address]
	if !ok {
		return
	}
	r.ConsecutiveFailures++
	if r.ConsecutiveFailures >= p.failureThreshold() {
		r.Alive = false
		r.DeadSince = time.Now()
		p.log.WithFields(map[string]interface{}{
			"proxy":    r.Address,
			"failures": r.ConsecutiveFailures,
		}).Warn("benching proxy after repeated failures")
	}
}

func (p *Pool) failureThreshold() int {
	if p.cfg.FailureThreshold > 0 {
		return p.cfg.FailureThreshold
	}
	return 3
}

// Harvest pulls proxy candidates from the configured public lists and
// returns the ones not already in the pool.
func (p *Pool) Harvest(ctx context.Context) ([]Record, error) {
	sources := p.cfg.HarvestSources
	if len(sources) == 0 {
		sources = DefaultHarvestSources
	}

	client := &http.Client{Timeout: 30 * time.Second}
	seen := make(map[string]bool)
	var candidates []Record

	for _, src := range sources {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
		if err != nil {
			continue
		}
		resp, err := client.Do(req)
		if err != nil {
			p.log.WithError(err).WithField("source", src).Warn("proxy harvest source unreachable")
			continue
		}

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			addr, scheme, ok := parseCandidate(scanner.Text())
			if !ok || seen[addr] {
				continue
			}
			seen[addr] = true

			p.mu.Lock()
			_, known := p.records[addr]
			p.mu.Unlock()
			if known {
				continue
			}
			candidates = append(candidates, Record{Address: addr, Scheme: scheme})
		}
		resp.Body.Close()
	}

	p.log.WithField("candidates", len(candidates)).Info("harvested proxy candidates")
	return candidates, nil
}

// parseCandidate accepts "host:port" or "scheme://host:port" lines
func parseCandidate(line string) (addr, scheme string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}

	scheme = "http"
	if i := strings.Index(line, "://"); i >= 0 {
		scheme = strings.ToLower(line[:i])
		line = line[i+3:]
		if scheme != "http" && scheme != "https" && scheme != "socks5" {
			return "", "", false
		}
		if scheme == "https" {
			scheme = "http"
		}
	}

	host, port, found := strings.Cut(line, ":")
	if !found || host == "" || port == "" {
		return "", "", false
	}
	for _, c := range port {
		if c < '0' || c > '9' {
			return "", "", false
		}
	}
	return host + ":" + port, scheme, true
}

// Validate checks candidates against a random live target each, with
// bounded concurrency, and admits the working ones into the pool.
func (p *Pool) Validate(ctx context.Context, candidates []Record) int {
	targets := p.cfg.ValidationTargets
	if len(targets) == 0 {
		targets = config.DefaultValidationTargets
	}

	concurrency := p.cfg.ValidationConcurrency
	if concurrency <= 0 {
		concurrency = 8
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var admitted int
	var admitMu sync.Mutex

	for _, cand := range candidates {
		select {
		case <-ctx.Done():
			wg.Wait()
			return admitted
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(rec Record) {
			defer wg.Done()
			defer func() { <-sem }()

			target := targets[p.randIndex(len(targets))]
			latency, err := p.check(ctx, rec, target)
			if err != nil {
				return
			}

			rec.Alive = true
			rec.Latency = latency
			rec.LastValidated = time.Now()
			rec.ConsecutiveFailures = 0

			p.mu.Lock()
			p.records[rec.Address] = &rec
			p.mu.Unlock()

			admitMu.Lock()
			admitted++
			admitMu.Unlock()
		}(cand)
	}

	wg.Wait()
	p.log.WithFields(map[string]interface{}{
		"checked":  len(candidates),
		"admitted": admitted,
	}).Info("proxy validation finished")
	return admitted
}

// httpCheck performs a real request through the proxy against the target
func (p *Pool) httpCheck(ctx context.Context, rec Record, target string) (time.Duration, error) {
	proxyURL, err := rec.URL()
	if err != nil {
		return 0, err
	}

	timeout := p.cfg.ValidationTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("validation target returned %d", resp.StatusCode)
	}
	return time.Since(start), nil
}

// EnsureMinimum tops the pool up to the configured minimum size by
// harvesting and validating new candidates. Returns the alive count.
func (p *Pool) EnsureMinimum(ctx context.Context) (int, error) {
	min := p.cfg.MinPoolSize
	if min <= 0 {
		min = 5
	}

	if alive := p.AliveCount(); alive >= min {
		return alive, nil
	}

	candidates, err := p.Harvest(ctx)
	if err != nil {
		return p.AliveCount(), err
	}

	// Validate in slices so we can stop as soon as the pool is full.
	const batch = 50
	for start := 0; start < len(candidates); start += batch {
		if p.AliveCount() >= min {
			break
		}
		end := start + batch
		if end > len(candidates) {
			end = len(candidates)
		}
		p.Validate(ctx, candidates[start:end])

		if ctx.Err() != nil {
			return p.AliveCount(), ctx.Err()
		}
	}

	alive := p.AliveCount()
	if alive == 0 {
		return 0, errs.New(errs.ErrorTypeProxyExhausted, "no working proxy found after harvest")
	}
	return alive, nil
}

// Maintain keeps the pool topped up in the background. Checkout never
// waits on it; an under-filled pool just means callers fall back to
// direct connections until the next replenish round lands.
func (p *Pool) Maintain(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := p.EnsureMinimum(ctx); err != nil && ctx.Err() == nil {
			p.log.WithError(err).Debug("proxy replenish round failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Save persists the pool to the configured cache file
func (p *Pool) Save() error {
	if p.cfg.CacheFile == "" {
		return nil
	}

	p.mu.Lock()
	records := make([]Record, 0, len(p.records))
	for _, r := range p.records {
		records = append(records, *r)
	}
	p.mu.Unlock()

	sort.Slice(records, func(i, j int) bool { return records[i].Address < records[j].Address })

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal proxy pool: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(p.cfg.CacheFile), 0755); err != nil {
		return fmt.Errorf("failed to create proxy cache directory: %w", err)
	}

	tmp := p.cfg.CacheFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write proxy cache: %w", err)
	}
	if err := os.Rename(tmp, p.cfg.CacheFile); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace proxy cache: %w", err)
	}
	return nil
}

// staleValidation is how long a persisted validation result stays
// trustworthy. Public proxies churn fast; older entries go back through
// probation instead of being fast-filled as alive.
const staleValidation = 6 * time.Hour

// loadCache restores records from the configured cache file, ignoring a
// missing or corrupt file. Only recently validated entries come back
// alive; stale ones are benched until revalidated.
func (p *Pool) loadCache() {
	if p.cfg.CacheFile == "" {
		return
	}

	data, err := os.ReadFile(p.cfg.CacheFile)
	if err != nil {
		return
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return
	}

	p.mu.Lock()
	for i := range records {
		rec := records[i]
		if rec.Alive && time.Since(rec.LastValidated) > staleValidation {
			rec.Alive = false
			rec.DeadSince = rec.LastValidated
		}
		p.records[rec.Address] = &rec
	}
	p.mu.Unlock()
}
