package lanes

import (
	"context"
	"log"
	"sync"

	"chatbroker/internal/types"
)

// fastQueueSize bounds the inbound queue; a full queue means the fast
// lane is running hotter than its worker pool can drain and Submit
// applies backpressure to the caller rather than growing unbounded.
const fastQueueSize = 4096

// FastLane hands envelopes to the Processor as soon as possible with
// best-effort ordering (spec §4.5): it drains batches of up to
// batchSize with zero delay and processes every item in a batch in
// parallel. It generalizes src/worker_pool.go's fixed-goroutine-pool
// discipline, but drains in batches instead of one task at a time so
// that parallelism is explicit per batch rather than incidental across
// the whole pool.
type FastLane struct {
	proc      Processor
	sink      DeadLetterSink
	threshold int
	batchSize int
	logger    *log.Logger

	queue  chan types.Envelope
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFastLane builds a fast lane. batchSize should be 10 per spec §6's
// configurable limit (a non-positive value falls back to 10). There is
// no batching-delay setting: batches are always drained with zero delay.
func NewFastLane(proc Processor, sink DeadLetterSink, deadLetterThreshold, batchSize int, logger *log.Logger) *FastLane {
	if batchSize <= 0 {
		batchSize = 10
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &FastLane{
		proc:      proc,
		sink:      sink,
		threshold: deadLetterThreshold,
		batchSize: batchSize,
		logger:    logger,
		queue:     make(chan types.Envelope, fastQueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
	l.wg.Add(1)
	go l.run()
	return l
}

// Submit enqueues env for the next batch.
func (l *FastLane) Submit(ctx context.Context, env types.Envelope) error {
	select {
	case l.queue <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.ctx.Done():
		return l.ctx.Err()
	}
}

// run drains up to batchSize items with zero batching delay and
// dispatches the whole batch to the Processor in parallel, waiting for
// every item before pulling the next batch. Ordering across batches, or
// within a batch, is unspecified (spec §4.5: "ordering is best-effort
// across the whole lane").
func (l *FastLane) run() {
	defer l.wg.Done()
	for {
		select {
		case <-l.ctx.Done():
			return
		case first := <-l.queue:
			batch := []types.Envelope{first}
			for len(batch) < l.batchSize {
				select {
				case env := <-l.queue:
					batch = append(batch, env)
				default:
					goto dispatch
				}
			}
		dispatch:
			l.dispatchBatch(batch)
		}
	}
}

func (l *FastLane) dispatchBatch(batch []types.Envelope) {
	var wg sync.WaitGroup
	wg.Add(len(batch))
	for _, env := range batch {
		env := env
		go func() {
			defer wg.Done()
			err := l.proc.Process(l.ctx, env)
			redeliverOrDrop(l.ctx, func(e types.Envelope) error {
				select {
				case l.queue <- e:
					return nil
				default:
					return errQueueFull
				}
			}, l.sink, l.threshold, env, err)
		}()
	}
	wg.Wait()
}

// Shutdown stops the batch dispatcher. In-flight items are abandoned.
func (l *FastLane) Shutdown() {
	l.cancel()
	l.wg.Wait()
}
