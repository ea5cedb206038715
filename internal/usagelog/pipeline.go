// Package usagelog persists per-request usage accounting through a bounded
// batching queue. Handlers call Record and never block on the database; the
// worker batches rows into the store and routes failures to an NDJSON
// fallback file for offline reconciliation.
package usagelog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/openinfer/modelfront/internal/service"
)

const (
	DefaultBatchSize     = 50
	DefaultFlushInterval = 5 * time.Second

	pollInterval = time.Second
)

// StoreFactory recreates the usage store after a connection loss. Returning
// an error leaves the pipeline in fallback mode until the next flush attempt.
type StoreFactory func(ctx context.Context) (service.UsageStorer, error)

type Pipeline struct {
	batchSize     int
	flushInterval time.Duration

	queue    chan service.UsageRow
	flushSig chan struct{}
	fallback *FallbackSink

	store   service.UsageStorer
	factory StoreFactory
	// storeMu guards store and down during reconnects; Record's direct-insert
	// path reads them too.
	storeMu sync.Mutex
	down    bool

	wg     sync.WaitGroup
	cancel context.CancelFunc

	closed   bool
	closedMu sync.RWMutex
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithBatchSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

func WithFlushInterval(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.flushInterval = d
		}
	}
}

// WithStoreFactory enables pool re-creation after reconnect exhaustion.
func WithStoreFactory(f StoreFactory) Option {
	return func(p *Pipeline) {
		p.factory = f
	}
}

// New starts the worker goroutine. store may be nil; every row then goes to
// the fallback file until a factory-produced store appears.
func New(store service.UsageStorer, fallbackPath string, opts ...Option) *Pipeline {
	p := &Pipeline{
		batchSize:     DefaultBatchSize,
		flushInterval: DefaultFlushInterval,
		flushSig:      make(chan struct{}, 1),
		fallback:      NewFallbackSink(fallbackPath),
		store:         store,
		down:          store == nil,
	}

	for _, o := range opts {
		o(p)
	}

	p.queue = make(chan service.UsageRow, 2*p.batchSize)

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.wg.Add(1)
	go p.worker(ctx)

	return p
}

// Record enqueues one row without blocking. A full queue triggers one direct
// synchronous insert; if that also fails the row lands in the fallback file.
// The caller is never blocked longer than a single store round-trip.
func (p *Pipeline) Record(row service.UsageRow) {
	row.ExtraData = coerceMap(row.ExtraData)

	// The read lock spans the send so Shutdown's close of the queue cannot
	// race a concurrent enqueue.
	p.closedMu.RLock()
	if p.closed {
		p.closedMu.RUnlock()
		p.fallback.Write(row)

		return
	}

	select {
	case p.queue <- row:
		p.closedMu.RUnlock()

		return
	default:
	}
	p.closedMu.RUnlock()

	p.insertDirect(row)
}

func (p *Pipeline) insertDirect(row service.UsageRow) {
	store := p.currentStore()
	if store == nil {
		p.fallback.Write(row)

		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := store.InsertUsage(ctx, []service.UsageRow{row}); err != nil {
		slog.Warn("direct usage insert failed, using fallback", "error", err)
		p.markDown()
		p.fallback.Write(row)
	}
}

// Flush signals an immediate drain and returns without waiting for it.
func (p *Pipeline) Flush() {
	select {
	case p.flushSig <- struct{}{}:
	default:
	}
}

// Shutdown stops intake, drains what it can within the deadline, writes
// leftovers to the fallback file, and stops the worker.
func (p *Pipeline) Shutdown(ctx context.Context) {
	p.closedMu.Lock()
	if p.closed {
		p.closedMu.Unlock()

		return
	}
	p.closed = true
	close(p.queue)
	p.closedMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.cancel()
		<-done
	}
}

// ─── Worker ───

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()

	var batch []service.UsageRow
	lastFlush := time.Now()

	flush := func() {
		if len(batch) == 0 {
			lastFlush = time.Now()

			return
		}

		p.insertBatch(ctx, batch)
		batch = nil
		lastFlush = time.Now()
	}

	timer := time.NewTimer(pollInterval)
	defer timer.Stop()

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(pollInterval)

		select {
		case row, ok := <-p.queue:
			if !ok {
				// Shutdown: drain leftovers to fallback when the store is
				// down, otherwise try one final insert.
				flush()

				return
			}

			batch = append(batch, row)

		case <-p.flushSig:
			// Pull in everything already queued so the flush covers every
			// row recorded before Flush was called.
			for drained := false; !drained; {
				select {
				case row, ok := <-p.queue:
					if !ok {
						flush()

						return
					}
					batch = append(batch, row)
				default:
					drained = true
				}
			}
			flush()

			continue

		case <-timer.C:
			// Poll tick; fall through to the threshold checks.

		case <-ctx.Done():
			for _, row := range batch {
				p.fallback.Write(row)
			}
			for row := range p.queue {
				p.fallback.Write(row)
			}

			return
		}

		if len(batch) >= p.batchSize || (len(batch) > 0 && time.Since(lastFlush) >= p.flushInterval) {
			flush()
		}
	}
}

// insertBatch writes rows in one statement. On failure each row goes to the
// fallback sink; rows are never re-enqueued (the file provides the durable
// capture, not the primary store).
func (p *Pipeline) insertBatch(ctx context.Context, batch []service.UsageRow) {
	store := p.currentStore()
	if store == nil {
		store = p.reconnect(ctx)
	}

	if store != nil {
		insertCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := store.InsertUsage(insertCtx, batch)
		cancel()

		if err == nil {
			return
		}

		slog.Error("usage batch insert failed, routing to fallback", "rows", len(batch), "error", err)
		p.markDown()
	}

	for _, row := range batch {
		p.fallback.Write(row)
	}
}

func (p *Pipeline) currentStore() service.UsageStorer {
	p.storeMu.Lock()
	defer p.storeMu.Unlock()

	if p.down {
		return nil
	}

	return p.store
}

func (p *Pipeline) markDown() {
	p.storeMu.Lock()
	p.down = true
	p.storeMu.Unlock()
}

// reconnect tries to rebuild the store with exponential backoff: initial 1s,
// multiplier 2, capped at 60s, at most 5 attempts. After exhaustion every
// record goes to fallback until the next flush attempt retries.
func (p *Pipeline) reconnect(ctx context.Context) service.UsageStorer {
	if p.factory == nil {
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.MaxInterval = 60 * time.Second
	bo.RandomizationFactor = 0

	for attempt := 0; attempt < 5; attempt++ {
		store, err := p.factory(ctx)
		if err == nil {
			p.storeMu.Lock()
			p.store = store
			p.down = false
			p.storeMu.Unlock()

			slog.Info("usage store reconnected", "attempts", attempt+1)

			return store
		}

		slog.Warn("usage store reconnect failed", "attempt", attempt+1, "error", err)

		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			return nil
		}
	}

	return nil
}
