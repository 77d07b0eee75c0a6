// Package usage batches per-request accounting rows into the store. The
// recorder never blocks a handler and never surfaces failures to it; when the
// store is unreachable, rows land in a newline-delimited JSON fallback file
// for offline reconciliation.
package usage

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/infergate/gateway/internal/database"
)

const (
	defaultBatchSize     = 50
	defaultFlushInterval = 5 * time.Second
	pollWait             = time.Second
	directInsertTimeout  = 5 * time.Second

	backoffInitial    = time.Second
	backoffMax        = 60 * time.Second
	backoffMultiplier = 2
	backoffRetries    = 5
)

// Recorder owns the bounded queue and the single worker goroutine.
type Recorder struct {
	repo          *database.UsageRepo
	queue         chan database.UsageRow
	flushCh       chan struct{}
	stopCh        chan struct{}
	doneCh        chan struct{}
	stopped       atomic.Bool
	stopMu        sync.RWMutex
	healthy       atomic.Bool
	batchSize     int
	flushInterval time.Duration

	fallbackPath string
	fallbackMu   sync.Mutex

	host string
	pid  int
}

// Option tweaks recorder construction.
type Option func(*Recorder)

func WithBatchSize(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func WithFlushInterval(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.flushInterval = d
		}
	}
}

// NewRecorder starts the worker. fallbackPath receives rows the store refuses.
func NewRecorder(repo *database.UsageRepo, fallbackPath string, opts ...Option) *Recorder {
	r := &Recorder{
		repo:          repo,
		flushCh:       make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		fallbackPath:  fallbackPath,
		pid:           os.Getpid(),
	}
	for _, o := range opts {
		o(r)
	}
	r.host, _ = os.Hostname()
	r.healthy.Store(true)
	r.queue = make(chan database.UsageRow, 2*r.batchSize)

	go r.worker()
	return r
}

// Record enqueues one row without blocking. On a full queue it falls through
// to a single direct insert, and from there to the fallback file.
func (r *Recorder) Record(row database.UsageRow) {
	row = r.stamp(row)

	// The lock pairs the stopped check with the enqueue, so Shutdown cannot
	// slip between them and drain the queue before the row lands.
	r.stopMu.RLock()
	if r.stopped.Load() {
		r.stopMu.RUnlock()
		r.writeFallback([]database.UsageRow{row})
		return
	}
	select {
	case r.queue <- row:
		r.stopMu.RUnlock()
		return
	default:
	}
	r.stopMu.RUnlock()

	// Queue full: one synchronous attempt, then the file.
	ctx, cancel := context.WithTimeout(context.Background(), directInsertTimeout)
	defer cancel()
	if err := r.repo.InsertBatch(ctx, []database.UsageRow{row}); err != nil {
		slog.Warn("usage: direct insert failed, using fallback", "error", err)
		r.writeFallback([]database.UsageRow{row})
	}
}

// Flush signals the worker to drain immediately; it does not wait.
func (r *Recorder) Flush() {
	select {
	case r.flushCh <- struct{}{}:
	default:
	}
}

// Shutdown stops intake and drains within the context deadline. Rows that
// cannot be stored in time go to the fallback file.
func (r *Recorder) Shutdown(ctx context.Context) {
	r.stopMu.Lock()
	if r.stopped.Swap(true) {
		r.stopMu.Unlock()
		return
	}
	close(r.stopCh)
	r.stopMu.Unlock()
	select {
	case <-r.doneCh:
	case <-ctx.Done():
	}
}

func (r *Recorder) stamp(row database.UsageRow) database.UsageRow {
	if row.TS.IsZero() {
		row.TS = time.Now().UTC()
	}
	row.Host = r.host
	row.PID = r.pid
	return row
}

func (r *Recorder) worker() {
	defer close(r.doneCh)

	var batch []database.UsageRow
	var batchStart time.Time

	flush := func() {
		if len(batch) == 0 {
			return
		}
		r.insert(batch)
		batch = nil
	}

	for {
		select {
		case row := <-r.queue:
			if len(batch) == 0 {
				batchStart = time.Now()
			}
			batch = append(batch, row)
			if len(batch) >= r.batchSize {
				flush()
			}
		case <-time.After(pollWait):
			if len(batch) > 0 && time.Since(batchStart) >= r.flushInterval {
				flush()
			}
		case <-r.flushCh:
			flush()
		case <-r.stopCh:
			// Drain whatever intake managed to queue before stop.
			for {
				select {
				case row := <-r.queue:
					batch = append(batch, row)
				default:
					flush()
					return
				}
			}
		}
	}
}

// insert writes a batch, retrying transient failures with exponential backoff.
// After the retry budget the batch goes to the fallback file; the next flush
// attempt probes the store again.
func (r *Recorder) insert(batch []database.UsageRow) {
	op := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), directInsertTimeout)
		defer cancel()
		err := r.repo.InsertBatch(ctx, batch)
		if err != nil && !database.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = backoffInitial
	bo.MaxInterval = backoffMax
	bo.Multiplier = backoffMultiplier

	var policy backoff.BackOff = bo
	if r.healthy.Load() {
		policy = backoff.WithMaxRetries(bo, backoffRetries)
	} else {
		// Store already known bad: probe once, no retry storm.
		policy = backoff.WithMaxRetries(bo, 0)
	}

	if err := backoff.Retry(op, policy); err != nil {
		r.healthy.Store(false)
		slog.Error("usage: batch insert failed, routing to fallback", "rows", len(batch), "error", err)
		recordFallback(len(batch))
		r.writeFallback(batch)
		return
	}
	r.healthy.Store(true)
	recordFlushed(len(batch))
}
