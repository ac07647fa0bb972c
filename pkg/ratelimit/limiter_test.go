package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestTokenBucketAllow(t *testing.T) {
	tb := NewTokenBucket(3, time.Hour)

	for i := 0; i < 3; i++ {
		if !tb.Allow() {
			t.Errorf("Expected request %d to be allowed", i+1)
		}
	}

	if tb.Allow() {
		t.Error("Expected request to be denied after capacity exhausted")
	}
}

func TestTokenBucketRefill(t *testing.T) {
	tb := NewTokenBucket(1, 50*time.Millisecond)

	if !tb.Allow() {
		t.Fatal("Expected first request to be allowed")
	}
	if tb.Allow() {
		t.Fatal("Expected second request to be denied")
	}

	time.Sleep(60 * time.Millisecond)

	if !tb.Allow() {
		t.Error("Expected request to be allowed after refill period")
	}
}

func TestTokenBucketReset(t *testing.T) {
	tb := NewTokenBucket(1, time.Hour)

	tb.Allow()
	if tb.Allow() {
		t.Fatal("Expected bucket to be empty")
	}

	tb.Reset()

	if !tb.Allow() {
		t.Error("Expected request to be allowed after reset")
	}
}

func TestAdaptiveLimiterThrottleBacksOff(t *testing.T) {
	al := NewAdaptiveLimiter(AdaptiveOptions{
		InitialDelay: 100 * time.Millisecond,
		MinDelay:     50 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Ramp:         true,
	})

	al.ReportThrottle(0)
	if got := al.CurrentDelay(); got != 200*time.Millisecond {
		t.Errorf("Expected delay to double to 200ms, got %v", got)
	}

	al.ReportThrottle(0)
	if got := al.CurrentDelay(); got != 400*time.Millisecond {
		t.Errorf("Expected delay to double to 400ms, got %v", got)
	}
}

func TestAdaptiveLimiterThrottleCappedAtMax(t *testing.T) {
	al := NewAdaptiveLimiter(AdaptiveOptions{
		InitialDelay: 400 * time.Millisecond,
		MinDelay:     100 * time.Millisecond,
		MaxDelay:     500 * time.Millisecond,
		Ramp:         false,
	})

	al.ReportThrottle(0)
	if got := al.CurrentDelay(); got != 500*time.Millisecond {
		t.Errorf("Expected delay to cap at 500ms, got %v", got)
	}
}

func TestAdaptiveLimiterHonorsRetryAfter(t *testing.T) {
	al := NewAdaptiveLimiter(AdaptiveOptions{
		InitialDelay: 100 * time.Millisecond,
		MinDelay:     50 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Ramp:         false,
	})

	al.ReportThrottle(3 * time.Second)
	if got := al.CurrentDelay(); got != 3*time.Second {
		t.Errorf("Expected delay to follow retry hint of 3s, got %v", got)
	}
}

func TestAdaptiveLimiterRampsDownAfterCleanRun(t *testing.T) {
	al := NewAdaptiveLimiter(AdaptiveOptions{
		InitialDelay: 1 * time.Second,
		MinDelay:     100 * time.Millisecond,
		MaxDelay:     3 * time.Second,
		Ramp:         true,
	})

	before := al.CurrentDelay()
	for i := 0; i < 25; i++ {
		al.ReportSuccess()
	}

	if got := al.CurrentDelay(); got >= before {
		t.Errorf("Expected delay to ramp down below %v, got %v", before, got)
	}
}

func TestAdaptiveLimiterNoRampWhenDisabled(t *testing.T) {
	al := NewAdaptiveLimiter(AdaptiveOptions{
		InitialDelay: 1 * time.Second,
		MinDelay:     100 * time.Millisecond,
		MaxDelay:     3 * time.Second,
		Ramp:         false,
	})

	for i := 0; i < 25; i++ {
		al.ReportSuccess()
	}

	if got := al.CurrentDelay(); got != 1*time.Second {
		t.Errorf("Expected delay to stay at 1s with ramping disabled, got %v", got)
	}
}

func TestAdaptiveLimiterThrottleClearsCleanRun(t *testing.T) {
	al := NewAdaptiveLimiter(AdaptiveOptions{
		InitialDelay: 1 * time.Second,
		MinDelay:     100 * time.Millisecond,
		MaxDelay:     3 * time.Second,
		Ramp:         true,
	})

	for i := 0; i < 19; i++ {
		al.ReportSuccess()
	}
	al.ReportThrottle(0)

	// A single success after the throttle must not be enough to ramp.
	delayAfterThrottle := al.CurrentDelay()
	al.ReportSuccess()
	if got := al.CurrentDelay(); got != delayAfterThrottle {
		t.Errorf("Expected delay to hold at %v after throttle reset, got %v", delayAfterThrottle, got)
	}
}

func TestAdaptiveLimiterWaitRespectsContext(t *testing.T) {
	al := NewAdaptiveLimiter(AdaptiveOptions{
		InitialDelay: 10 * time.Second,
		MinDelay:     10 * time.Second,
		MaxDelay:     20 * time.Second,
		Ramp:         false,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := al.Wait(ctx)
	if err == nil {
		t.Error("Expected context error from Wait")
	}
	if time.Since(start) > 1*time.Second {
		t.Error("Wait did not return promptly on context cancellation")
	}
}

func TestSelectorRoutesByExtension(t *testing.T) {
	sel := NewSelector(350*time.Millisecond, 3*time.Second, 4*time.Second, 20*time.Second)

	tests := []struct {
		filename string
		media    bool
	}{
		{"photo_001.jpg", false},
		{"photo_002.JPEG", false},
		{"banner.png", false},
		{"clip.mp4", true},
		{"clip.WEBM", true},
		{"archive.zip", true},
		{"https://example.com/albums/vid.mov?token=abc", true},
		{"https://example.com/albums/img.gif?token=abc", false},
	}

	for _, tt := range tests {
		got := sel.For(tt.filename)
		want := sel.Image
		if tt.media {
			want = sel.Media
		}
		if got != want {
			t.Errorf("For(%q): wrong limiter selected", tt.filename)
		}
	}
}
