package ratelimit

import (
	"context"
	"path"
	"strings"
	"sync"
	"time"
)

// AdaptiveLimiter spaces out downloads with a delay that reacts to the
// server. A throttle response doubles the delay; a sustained run of clean
// responses inside the observation window slowly ramps it back down.
type AdaptiveLimiter struct {
	delay        time.Duration
	minDelay     time.Duration
	maxDelay     time.Duration
	backoff      float64 // delay multiplier on throttle
	rampFactor   float64 // delay multiplier after a clean run
	ramp         bool    // whether the limiter ramps down at all
	window       time.Duration
	rampAfter    int // clean responses in window required before ramping
	successes    []time.Time
	mu           sync.Mutex
	sleep        func(context.Context, time.Duration) error
}

// AdaptiveOptions configures an AdaptiveLimiter
type AdaptiveOptions struct {
	InitialDelay time.Duration
	MinDelay     time.Duration
	MaxDelay     time.Duration
	Ramp         bool
}

// NewAdaptiveLimiter creates an adaptive limiter with the given bounds
func NewAdaptiveLimiter(opts AdaptiveOptions) *AdaptiveLimiter {
	delay := opts.InitialDelay
	if delay < opts.MinDelay {
		delay = opts.MinDelay
	}
	return &AdaptiveLimiter{
		delay:      delay,
		minDelay:   opts.MinDelay,
		maxDelay:   opts.MaxDelay,
		backoff:    2.0,
		rampFactor: 0.95,
		ramp:       opts.Ramp,
		window:     60 * time.Second,
		rampAfter:  20,
		sleep:      sleepCtx,
	}
}

// Wait blocks for the current delay or until the context is cancelled
func (al *AdaptiveLimiter) Wait(ctx context.Context) error {
	al.mu.Lock()
	delay := al.delay
	al.mu.Unlock()

	return al.sleep(ctx, delay)
}

// CurrentDelay returns the delay the next Wait will observe
func (al *AdaptiveLimiter) CurrentDelay() time.Duration {
	al.mu.Lock()
	defer al.mu.Unlock()
	return al.delay
}

// ReportSuccess records a clean response. Once enough clean responses have
// accumulated inside the window, the delay is ramped down toward the minimum.
func (al *AdaptiveLimiter) ReportSuccess() {
	al.mu.Lock()
	defer al.mu.Unlock()

	now := time.Now()
	al.successes = append(al.successes, now)
	al.pruneOld(now)

	if !al.ramp {
		return
	}

	if len(al.successes) >= al.rampAfter {
		newDelay := time.Duration(float64(al.delay) * al.rampFactor)
		if newDelay < al.minDelay {
			newDelay = al.minDelay
		}
		al.delay = newDelay
	}
}

// ReportThrottle records a throttle response (HTTP 429 or equivalent) and
// backs the delay off. A server-provided retry hint overrides the computed
// delay when it is longer.
func (al *AdaptiveLimiter) ReportThrottle(retryAfter time.Duration) {
	al.mu.Lock()
	defer al.mu.Unlock()

	al.successes = al.successes[:0]

	newDelay := time.Duration(float64(al.delay) * al.backoff)
	if retryAfter > newDelay {
		newDelay = retryAfter
	}
	if newDelay > al.maxDelay {
		newDelay = al.maxDelay
	}
	al.delay = newDelay
}

// Reset restores the limiter to its minimum delay and clears history
func (al *AdaptiveLimiter) Reset() {
	al.mu.Lock()
	defer al.mu.Unlock()

	al.delay = al.minDelay
	al.successes = al.successes[:0]
}

// pruneOld removes success records outside the observation window.
// Caller must hold the mutex.
func (al *AdaptiveLimiter) pruneOld(now time.Time) {
	cutoff := now.Add(-al.window)

	i := 0
	for i < len(al.successes) && al.successes[i].Before(cutoff) {
		i++
	}

	if i > 0 {
		copy(al.successes, al.successes[i:])
		al.successes = al.successes[:len(al.successes)-i]
	}
}

func sleepCtx(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// heavyMediaExtensions are large files that deserve a much slower cadence
// than ordinary gallery photos.
var heavyMediaExtensions = map[string]bool{
	".mp4":  true,
	".webm": true,
	".mov":  true,
	".avi":  true,
	".mkv":  true,
	".zip":  true,
	".rar":  true,
	".7z":   true,
}

// Selector routes each download to the image limiter or the heavy-media
// limiter based on the file extension.
type Selector struct {
	Image *AdaptiveLimiter
	Media *AdaptiveLimiter
}

// NewSelector creates the standard image/media limiter pair. Images ramp
// down as the server tolerates the pace; heavy media never ramps.
func NewSelector(imageInitial, imageMax, mediaInitial, mediaMax time.Duration) *Selector {
	return &Selector{
		Image: NewAdaptiveLimiter(AdaptiveOptions{
			InitialDelay: imageInitial,
			MinDelay:     200 * time.Millisecond,
			MaxDelay:     imageMax,
			Ramp:         true,
		}),
		Media: NewAdaptiveLimiter(AdaptiveOptions{
			InitialDelay: mediaInitial,
			MinDelay:     2 * time.Second,
			MaxDelay:     mediaMax,
			Ramp:         false,
		}),
	}
}

// For returns the limiter appropriate for the given filename or URL
func (s *Selector) For(filename string) *AdaptiveLimiter {
	ext := strings.ToLower(path.Ext(stripQuery(filename)))
	if heavyMediaExtensions[ext] {
		return s.Media
	}
	return s.Image
}

func stripQuery(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i]
	}
	return u
}
