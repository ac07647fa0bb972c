package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/xmarre/Copperminer/pkg/adapter"
	errs "github.com/xmarre/Copperminer/pkg/errors"
	"github.com/xmarre/Copperminer/pkg/fetch"
	"github.com/xmarre/Copperminer/pkg/gallery"
	"github.com/xmarre/Copperminer/pkg/logger"
	"github.com/xmarre/Copperminer/pkg/ratelimit"
)

// Fetcher is the HTTP surface the pool needs
type Fetcher interface {
	Download(ctx context.Context, url, referer string, w io.Writer) (int64, error)
	Head(ctx context.Context, url, referer string) (*fetch.HeadInfo, error)
}

// Storage is the disk surface the pool needs
type Storage interface {
	IsDownloaded(albumDir, filename string) bool
	SaveFile(r io.Reader, albumDir, filename string) (int64, error)
}

// WorkerPool runs download tasks on a fixed set of workers. Each task
// carries a best-first candidate URL list; the worker walks it until one
// candidate downloads cleanly.
type WorkerPool struct {
	numWorkers  int
	jobQueue    chan *gallery.DownloadTask
	resultQueue chan gallery.TaskResult
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc

	fetcher  Fetcher
	store    Storage
	limiters *ratelimit.Selector
	pacer    Pacer
	log      logger.Logger

	// probeSmall enables the HEAD probe that rejects candidates smaller
	// than the thumbnail threshold.
	probeSmall bool
}

// NewWorkerPool creates a download pool
func NewWorkerPool(
	numWorkers int,
	fetcher Fetcher,
	store Storage,
	limiters *ratelimit.Selector,
	pacer Pacer,
	probeSmall bool,
	log logger.Logger,
) *WorkerPool {
	ctx, cancel := context.WithCancel(context.Background())

	if log == nil {
		log = logger.GetLogger()
	}
	if pacer == nil {
		pacer = NopPacer{}
	}

	return &WorkerPool{
		numWorkers:  numWorkers,
		jobQueue:    make(chan *gallery.DownloadTask, numWorkers*2),
		resultQueue: make(chan gallery.TaskResult, numWorkers),
		ctx:         ctx,
		cancel:      cancel,
		fetcher:     fetcher,
		store:       store,
		limiters:    limiters,
		pacer:       pacer,
		log:         log,
		probeSmall:  probeSmall,
	}
}

// Start launches the workers
func (wp *WorkerPool) Start() {
	wp.log.InfoWithFields("starting download workers", map[string]interface{}{
		"num_workers": wp.numWorkers,
	})

	for i := 0; i < wp.numWorkers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Stop drains the queue and shuts the pool down. Tasks already submitted
// still run; in-flight tasks finish and report their result.
func (wp *WorkerPool) Stop() {
	close(wp.jobQueue)
	wp.wg.Wait()
	close(wp.resultQueue)
	wp.cancel()
	wp.log.Info("download workers stopped")
}

// Abort cancels the pool: in-flight downloads are interrupted through
// their context and queued tasks never start.
func (wp *WorkerPool) Abort() {
	wp.cancel()
}

// Submit queues one task
func (wp *WorkerPool) Submit(task *gallery.DownloadTask) error {
	task.Status = gallery.TaskPending
	select {
	case wp.jobQueue <- task:
		return nil
	case <-wp.ctx.Done():
		return fmt.Errorf("worker pool is shutting down")
	}
}

// Results returns the channel of task outcomes
func (wp *WorkerPool) Results() <-chan gallery.TaskResult {
	return wp.resultQueue
}

// QueueSize returns the number of queued tasks
func (wp *WorkerPool) QueueSize() int {
	return len(wp.jobQueue)
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	for task := range wp.jobQueue {
		select {
		case <-wp.ctx.Done():
			// Aborted: queued tasks never start.
			return
		default:
		}

		result := wp.processTask(task, id)

		select {
		case wp.resultQueue <- result:
		case <-wp.ctx.Done():
			return
		}

		if result.Status == gallery.TaskDone {
			if err := wp.pacer.AfterDownload(wp.ctx); err != nil {
				return
			}
		}
	}
}

func (wp *WorkerPool) processTask(task *gallery.DownloadTask, workerID int) gallery.TaskResult {
	start := time.Now()
	task.Status = gallery.TaskInFlight

	filename := task.Image.SuggestedFilename
	result := gallery.TaskResult{Task: *task}

	finish := func(status gallery.TaskStatus, n int64, err error) gallery.TaskResult {
		task.Status = status
		result.Status = status
		result.Bytes = n
		result.Duration = time.Since(start)
		result.Err = err
		result.Task = *task
		return result
	}

	if wp.store.IsDownloaded(task.TargetDir, filename) {
		wp.log.DebugWithFields("file already on disk", map[string]interface{}{
			"album": task.AlbumTitle,
			"file":  filename,
		})
		return finish(gallery.TaskSkipped, 0, nil)
	}

	limiter := wp.limiters.For(filename)
	if err := limiter.Wait(wp.ctx); err != nil {
		return finish(gallery.TaskFailed, 0, err)
	}

	var lastErr error
	for _, candidate := range task.Image.Candidates {
		if wp.ctx.Err() != nil {
			return finish(gallery.TaskFailed, 0, wp.ctx.Err())
		}

		if wp.probeSmall && wp.isProbablyThumbnail(candidate, task.Image.RefererURL) {
			wp.log.DebugWithFields("candidate too small, trying next", map[string]interface{}{
				"url": candidate,
			})
			lastErr = errs.New(errs.ErrorTypeFetch, "%s is below the thumbnail threshold", candidate)
			continue
		}

		var buf bytes.Buffer
		n, err := wp.fetcher.Download(wp.ctx, candidate, task.Image.RefererURL, &buf)
		if err != nil {
			lastErr = err
			var throttled *fetch.RateLimitedError
			if errors.As(err, &throttled) {
				limiter.ReportThrottle(throttled.RetryAfter)
			}
			wp.log.WithError(err).WithFields(map[string]interface{}{
				"worker": workerID,
				"url":    candidate,
			}).Debug("candidate failed, trying next")
			continue
		}

		if _, err := wp.store.SaveFile(&buf, task.TargetDir, filename); err != nil {
			return finish(gallery.TaskFailed, n, err)
		}

		limiter.ReportSuccess()
		logger.LogDownload(task.AlbumTitle, filename, true, nil)
		return finish(gallery.TaskDone, n, nil)
	}

	if lastErr == nil {
		lastErr = errs.New(errs.ErrorTypeFetch, "no candidates for %s", filename)
	}
	logger.LogDownload(task.AlbumTitle, filename, false, lastErr)
	return finish(gallery.TaskFailed, 0, lastErr)
}

// isProbablyThumbnail HEAD-probes a candidate; tiny files are interface
// graphics or thumbnails, not the full image.
func (wp *WorkerPool) isProbablyThumbnail(url, referer string) bool {
	info, err := wp.fetcher.Head(wp.ctx, url, referer)
	if err != nil {
		// Probe failures are not disqualifying; let the download decide.
		return false
	}
	return info.ContentLength > 0 && info.ContentLength < adapter.ThumbnailSizeThreshold
}
