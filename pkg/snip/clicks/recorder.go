// Package clicks records successful resolutions off the request path and
// aggregates them for analytics.
package clicks

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mikepea/snip/pkg/snip/models"
)

// Recorder defaults
const (
	DefaultQueueSize     = 1000
	DefaultWorkers       = 2
	DefaultBatchSize     = 100
	DefaultFlushInterval = 5 * time.Second

	writeTimeout = 10 * time.Second
)

// Writer persists enriched click events
type Writer interface {
	WriteBatch(ctx context.Context, events []models.ClickEvent) error
}

// Recorder buffers visits in a bounded queue and lets a small worker pool
// enrich and persist them in batches. Record never blocks the caller.
type Recorder struct {
	queue         chan Visit
	writer        Writer
	enricher      *Enricher
	workers       int
	batchSize     int
	flushInterval time.Duration
	log           *slog.Logger

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup

	dropped atomic.Int64
	written atomic.Int64
	failed  atomic.Int64
}

// RecorderOption configures a Recorder
type RecorderOption func(*Recorder)

// WithQueueSize sets the queue capacity
func WithQueueSize(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.queue = make(chan Visit, n)
		}
	}
}

// WithWorkers sets the number of workers
func WithWorkers(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithBatch sets the flush thresholds
func WithBatch(size int, interval time.Duration) RecorderOption {
	return func(r *Recorder) {
		if size > 0 {
			r.batchSize = size
		}
		if interval > 0 {
			r.flushInterval = interval
		}
	}
}

// NewRecorder creates a recorder. Call Start to begin processing.
func NewRecorder(writer Writer, enricher *Enricher, log *slog.Logger, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		queue:         make(chan Visit, DefaultQueueSize),
		writer:        writer,
		enricher:      enricher,
		workers:       DefaultWorkers,
		batchSize:     DefaultBatchSize,
		flushInterval: DefaultFlushInterval,
		log:           log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the workers
func (r *Recorder) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.closed {
		return
	}
	r.started = true
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}
}

// Record enqueues a visit. It returns false when the visit was dropped because
// the queue is full or the recorder is closed.
func (r *Recorder) Record(v Visit) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return false
	}

	select {
	case r.queue <- v:
		return true
	default:
		r.dropped.Add(1)
		r.log.Warn("click queue full, dropping event", "link_id", v.LinkID)
		return false
	}
}

// Close stops intake and waits for queued visits to be flushed or ctx to end
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	started := r.started
	r.mu.Unlock()

	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.log.Warn("click recorder shutdown timed out", "pending", len(r.queue))
		return ctx.Err()
	}
}

// Dropped returns how many visits were discarded
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Written returns how many events were persisted
func (r *Recorder) Written() int64 {
	return r.written.Load()
}

func (r *Recorder) worker(id int) {
	defer r.wg.Done()

	batch := make([]models.ClickEvent, 0, r.batchSize)
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case v, ok := <-r.queue:
			if !ok {
				r.flush(id, batch)
				return
			}
			batch = append(batch, r.enricher.Enrich(context.Background(), v))
			if len(batch) >= r.batchSize {
				r.flush(id, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(id, batch)
				batch = batch[:0]
			}
		}
	}
}

// flush writes a batch. A failed batch is logged and dropped; click events are
// best effort and never retried.
func (r *Recorder) flush(worker int, batch []models.ClickEvent) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := r.writer.WriteBatch(ctx, batch); err != nil {
		r.failed.Add(int64(len(batch)))
		r.log.Error("failed to record clicks", "worker", worker, "count", len(batch), "error", err)
		return
	}
	r.written.Add(int64(len(batch)))
}
