// Package lanes implements the two delivery lanes (spec §4.4, §4.5): an
// ordered lane with per-group FIFO and content dedup, and a fast lane
// with best-effort ordering and parallel dispatch. Both lanes derive from
// the queueing discipline the teacher used in src/worker_pool.go
// (goroutines draining a bounded buffered channel): a full queue makes
// Submit block until there is room or its context ends, and only a
// redelivery that finds the queue full is sent to the dead-letter sink.
// The lanes diverge in batch size and per-item vs per-group
// serialization, which is the property this package exists to get right.
package lanes

import (
	"context"
	"log"
	"time"

	"chatbroker/internal/brokererr"
	"chatbroker/internal/types"
)

// Processor is implemented by internal/processor.Processor. Lanes never
// know what a Processor does with an envelope; they only know how to
// get envelopes to it in the right order with the right parallelism.
type Processor interface {
	Process(ctx context.Context, env types.Envelope) error
}

// Lane is the common submission surface both lanes expose to
// internal/publish.
type Lane interface {
	// Submit enqueues env for processing. It returns once the item is
	// queued, not once it is processed — processing outcome surfaces
	// through redelivery/dead-letter, not through this call, matching
	// the spec's asynchronous lane contract.
	Submit(ctx context.Context, env types.Envelope) error
	Shutdown()
}

// DeadLetterSink receives envelopes that exhausted their redelivery
// budget (spec §7 "exhausted"). The broker logs and alerts; it does not
// reply to any caller, since the originating publish already returned.
type DeadLetterSink interface {
	DeadLetter(env types.Envelope, cause error)
}

// LoggingDeadLetterSink is the default sink: it logs at a distinct
// prefix an operator can alert on. Production deployments would swap
// this for a durable dead-letter subject/queue.
type LoggingDeadLetterSink struct {
	Logger *log.Logger
}

func (s *LoggingDeadLetterSink) DeadLetter(env types.Envelope, cause error) {
	s.Logger.Printf("[DEAD-LETTER] messageId=%s chatId=%s retryCount=%d cause=%v",
		env.MessageID, env.ChatID, env.RetryCount, cause)
}

// redeliverOrDrop applies the common retry/dead-letter decision used by
// both lanes: retriable failures increment RetryCount and are requeued
// up to threshold; anything else (including success) ends the item's
// lifecycle in this lane.
func redeliverOrDrop(ctx context.Context, resubmit func(types.Envelope) error, sink DeadLetterSink, threshold int, env types.Envelope, procErr error) {
	if procErr == nil {
		return
	}
	if !brokererr.Retriable(procErr) {
		// validation/forbidden/gone are not lane-level failures by the
		// time they reach here; the processor already resolved them.
		return
	}
	env.RetryCount++
	if env.RetryCount >= threshold {
		sink.DeadLetter(env, procErr)
		return
	}
	// Brief backoff before requeue; keeps a hot failure loop from
	// spinning the group/worker goroutine at 100% CPU.
	time.Sleep(time.Duration(env.RetryCount) * 20 * time.Millisecond)
	if err := resubmit(env); err != nil {
		sink.DeadLetter(env, err)
	}
}
