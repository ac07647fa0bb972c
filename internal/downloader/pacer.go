package downloader

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Pacer injects idle time after each successful download.
type Pacer interface {
	AfterDownload(ctx context.Context) error
}

// NopPacer adds no idle time
type NopPacer struct{}

func (NopPacer) AfterDownload(ctx context.Context) error { return nil }

// HumanPacer spaces downloads out the way a person browsing would:
// a short random pause after every file, plus a longer break every
// couple of dozen downloads.
type HumanPacer struct {
	mu        sync.Mutex
	rand      *rand.Rand
	count     int
	nextBreak int

	sleep func(ctx context.Context, d time.Duration) error
}

const (
	pauseMin = 700 * time.Millisecond
	pauseMax = 2500 * time.Millisecond
	breakMin = 5 * time.Second
	breakMax = 8 * time.Second
)

// NewHumanPacer creates a pacer seeded from the current time
func NewHumanPacer() *HumanPacer {
	p := &HumanPacer{
		rand:  rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep: sleepCtx,
	}
	p.nextBreak = p.breakInterval()
	return p
}

// AfterDownload blocks for the next pause. It returns early with the
// context error if the context is cancelled mid-pause.
func (p *HumanPacer) AfterDownload(ctx context.Context) error {
	p.mu.Lock()
	p.count++
	d := p.durationBetween(pauseMin, pauseMax)
	if p.count >= p.nextBreak {
		d = p.durationBetween(breakMin, breakMax)
		p.count = 0
		p.nextBreak = p.breakInterval()
	}
	sleep := p.sleep
	p.mu.Unlock()

	return sleep(ctx, d)
}

// breakInterval picks how many downloads happen before the next long break
func (p *HumanPacer) breakInterval() int {
	return 18 + p.rand.Intn(11)
}

func (p *HumanPacer) durationBetween(min, max time.Duration) time.Duration {
	return min + time.Duration(p.rand.Int63n(int64(max-min)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
