// Package batch implements the output batcher the I/O manager uses to
// group OutputRecords before calling FunctionPutOutputs: fewer, larger
// calls instead of one round trip per emitted value.
package batch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sparkfn/containerrt/internal/controlplane"
)

// Config controls when a pending batch of output records is flushed.
// The zero value is not usable directly; use NewOutputBatcher, which
// applies defaults.
type Config struct {
	// MaxRecords caps the number of output records per PutOutputs call.
	// Defaults to 16 if zero.
	MaxRecords int

	// MaxBytes caps the batch's accumulated Result.Data size. It is meant
	// to be set to the same MaxObjectSizeBytes threshold that decides
	// whether a single output is offloaded to the blob store, so a run of
	// many small outputs is flushed before their combined payload would
	// reach the size of one object at that threshold. Zero disables the
	// byte-size trigger, leaving MaxRecords/FlushInterval as the only
	// triggers.
	MaxBytes int64

	// FlushInterval bounds how long an incomplete batch waits before
	// being flushed anyway. Defaults to 50ms if zero.
	FlushInterval time.Duration

	// MaxConcurrency bounds the number of concurrent PutOutputs calls in
	// flight. Defaults to 1 if zero.
	MaxConcurrency int
}

// Processor delivers a batch of output records, e.g. via
// FunctionPutOutputs. Any returned error is surfaced to every Submit call
// waiting on that batch.
type Processor func(ctx context.Context, records []controlplane.OutputRecord) error

// OutputBatcher accepts output records one at a time and flushes them in
// batches, once MaxRecords or MaxBytes is reached or once FlushInterval
// elapses since the first record of the pending batch arrived.
type OutputBatcher struct {
	processor      Processor
	maxRecords     int
	maxBytes       int64
	flushInterval  time.Duration
	maxConcurrency int

	ctx    context.Context
	cancel context.CancelFunc

	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	itemCh  chan controlplane.OutputRecord
	batchCh chan *pendingBatch
	state   *pendingBatch
}

type pendingBatch struct {
	err     error
	done    chan struct{}
	records []controlplane.OutputRecord
	bytes   int64
}

// Result lets a Submit caller wait for its record's batch to complete.
type Result struct {
	Record controlplane.OutputRecord
	p      *pendingBatch
}

// recordBytes estimates a record's contribution toward MaxBytes: the size
// of its inline payload, which is what actually inflates a PutOutputs
// call (a blob-offloaded output carries only a small id, regardless of
// the size of the object it references).
func recordBytes(r controlplane.OutputRecord) int64 {
	return int64(len(r.Result.Data))
}

// NewOutputBatcher starts an OutputBatcher. cfg may be nil to accept all
// defaults. Panics if processor is nil or every flush trigger is disabled.
func NewOutputBatcher(cfg *Config, processor Processor) *OutputBatcher {
	if processor == nil {
		panic("batch: nil processor")
	}

	b := OutputBatcher{
		processor:      processor,
		maxRecords:     16,
		flushInterval:  50 * time.Millisecond,
		maxConcurrency: 1,
		state:          newPendingBatch(),
		done:           make(chan struct{}),
		stopped:        make(chan struct{}),
		itemCh:         make(chan controlplane.OutputRecord),
		batchCh:        make(chan *pendingBatch),
	}

	if cfg != nil {
		if cfg.MaxRecords != 0 {
			b.maxRecords = cfg.MaxRecords
		}
		if cfg.MaxBytes != 0 {
			b.maxBytes = cfg.MaxBytes
		}
		if cfg.FlushInterval != 0 {
			b.flushInterval = cfg.FlushInterval
		}
		if cfg.MaxConcurrency != 0 {
			b.maxConcurrency = cfg.MaxConcurrency
		}
	}

	if b.maxRecords <= 0 && b.maxBytes <= 0 && b.flushInterval <= 0 {
		panic("batch: one of MaxRecords, MaxBytes or FlushInterval must be positive")
	}

	b.ctx, b.cancel = context.WithCancel(context.Background())

	go b.run()

	return &b
}

// Shutdown stops accepting new records and waits for already-submitted
// ones to flush. If ctx is canceled first, remaining work is abandoned.
func (b *OutputBatcher) Shutdown(ctx context.Context) error {
	b.stopOnce.Do(func() { close(b.stopped) })

	select {
	case <-ctx.Done():
		b.cancel()
		<-b.done
		return ctx.Err()
	case <-b.done:
		return nil
	}
}

// Close cancels any in-flight batch immediately.
func (b *OutputBatcher) Close() error {
	b.cancel()
	<-b.done
	return nil
}

// Submit enqueues a record, returning a Result that resolves once its
// batch has been processed.
func (b *OutputBatcher) Submit(ctx context.Context, record controlplane.OutputRecord) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.ctx.Done():
		return nil, b.ctx.Err()
	case <-b.stopped:
		return nil, context.Canceled
	case b.itemCh <- record:
		p := <-b.batchCh
		return &Result{Record: record, p: p}, nil
	}
}

func (b *OutputBatcher) run() {
	defer close(b.done)
	defer b.cancel()

	var wg sync.WaitGroup
	wg.Add(1)

	var inFlight chan struct{}
	if b.maxConcurrency > 0 {
		inFlight = make(chan struct{}, b.maxConcurrency)
	}

	flush := func() {
		if len(b.state.records) == 0 {
			return
		}
		p := b.state
		b.state = newPendingBatch()

		wg.Add(1)
		if inFlight != nil {
			inFlight <- struct{}{}
		}
		go func() {
			defer func() {
				if inFlight != nil {
					<-inFlight
				}
				wg.Done()
			}()
			_ = p.run(b.ctx, b.processor)
		}()
	}

	var drainPending func()
	drainPending = func() {
		drainPending = nil
		flush()
		wg.Done()
		wg.Wait()
	}

	defer func() {
		b.cancel()
		if drainPending != nil {
			drainPending()
		}
	}()

	flushCh := make(chan *pendingBatch)

	for {
		select {
		case <-b.ctx.Done():
			return

		case <-b.stopped:
			drainPending()
			return

		case record := <-b.itemCh:
			b.batchCh <- b.state
			b.state.records = append(b.state.records, record)
			b.state.bytes += recordBytes(record)

			switch {
			case b.maxRecords > 0 && len(b.state.records) >= b.maxRecords:
				flush()
			case b.maxBytes > 0 && b.state.bytes >= b.maxBytes:
				flush()
			case b.flushInterval > 0 && len(b.state.records) == 1:
				p := b.state
				timer := time.NewTimer(b.flushInterval)
				go func() {
					defer timer.Stop()
					select {
					case <-b.ctx.Done():
					case <-b.stopped:
					case <-p.done:
					case <-timer.C:
						select {
						case <-b.ctx.Done():
						case <-b.stopped:
						case <-p.done:
						case flushCh <- p:
						}
					}
				}()
			}

		case p := <-flushCh:
			if p == b.state {
				flush()
			}
		}
	}
}

func newPendingBatch() *pendingBatch {
	return &pendingBatch{done: make(chan struct{})}
}

func (p *pendingBatch) run(ctx context.Context, processor Processor) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.err = errors.New("batch: panic in Processor")
	defer close(p.done)

	p.err = processor(ctx, p.records)
	return p.err
}

// Wait blocks until the Result's batch has been processed, returning any
// error the Processor reported for that batch.
func (r *Result) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.p.done:
		return r.p.err
	}
}
