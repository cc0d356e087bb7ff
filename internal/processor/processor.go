// Package processor implements the Processor / fan-out stage (spec
// §4.7): sequence assignment, recipient resolution, single
// serialization, parallel fan-out across recipients, and durable history
// append. It generalizes the teacher
// hub's broadcastMessage (pkg/websocket/hub.go), which fanned out to
// every client unconditionally, into a chat-scoped fan-out with
// registry-driven reaping.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"chatbroker/internal/brokererr"
	"chatbroker/internal/registry"
	"chatbroker/internal/types"
)

// Registry is the subset of *registry.Registry the processor needs.
type Registry interface {
	Subscribers(chatID string) []registry.Subscriber
	Drop(connectionID string)
	SendTo(connectionID string, frame []byte) bool
}

// Acker is the subset of ack.Registry the processor needs to fulfill a
// requested acknowledgement once an envelope is durably processed.
type Acker interface {
	Take(ackID string) (connectionID string, ok bool)
}

// Sequencer is the subset of *sequence.Service the processor needs.
type Sequencer interface {
	Next(scope string) int64
}

// History is the subset of *history.Store the processor needs.
type History interface {
	Put(env types.Envelope) error
}

// Relay is the subset of natsbroker.Client the processor uses to hand a
// just-processed envelope to other broker instances, so a chat's
// subscribers spread across a horizontally scaled deployment all see
// it without each instance re-running sequencing or history append.
// Nil disables relaying (single-instance deployments).
type Relay interface {
	PublishJSON(subject string, obj interface{}) error
}

// Processor fans an envelope out to every current subscriber of its
// chat and durably appends it, per spec §4.7.
type Processor struct {
	registry     Registry
	sequencer    Sequencer
	history      History
	relay        Relay
	relaySubject func(chatID string) string
	acker        Acker
	logger       *log.Logger
}

// Cross-envelope concurrency (strictly sequential on the ordered lane,
// parallel on the fast lane) is the calling lane's responsibility, not
// the processor's; the processor always fans a single envelope out to
// its recipients in parallel, per spec §4.7.

// New builds a Processor with no cross-instance relay.
func New(reg Registry, seq Sequencer, hist History, logger *log.Logger) *Processor {
	return &Processor{registry: reg, sequencer: seq, history: hist, logger: logger}
}

// WithRelay attaches a Relay and the subject-builder used to publish
// locally-processed envelopes for other instances to pick up.
func (p *Processor) WithRelay(relay Relay, subjectFor func(chatID string) string) *Processor {
	p.relay = relay
	p.relaySubject = subjectFor
	return p
}

// WithAcker attaches the Pending ACK tracker used to fulfill
// acknowledgement requests once processing durably completes.
func (p *Processor) WithAcker(acker Acker) *Processor {
	p.acker = acker
	return p
}

// wantsSequence reports whether the envelope requests sequencing: any
// ordered-lane message gets a per-chat sequence number assigned after
// lane ordering (spec §4.7 step 1).
func wantsSequence(env types.Envelope) bool {
	return env.MessageType == types.LaneOrdered
}

// Process resolves recipients, serializes once, fans out, and persists.
// It returns an error only when the processor itself could not complete
// the work for reasons other than a "gone" recipient — a "gone"
// recipient is reaped and fan-out continues (spec §4.7 step 6).
func (p *Processor) Process(ctx context.Context, env types.Envelope) error {
	if wantsSequence(env) && env.SequenceNumber == nil {
		seq := p.sequencer.Next(env.ChatID)
		env.SequenceNumber = &seq
	}

	subscribers := p.registry.Subscribers(env.ChatID)

	frame, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("serialize envelope: %w", err)
	}

	p.fanOut(ctx, subscribers, frame)

	if err := p.history.Put(env); err != nil {
		return fmt.Errorf("%w: history append: %v", brokererr.ErrUnavailable, err)
	}

	if p.relay != nil {
		if err := p.relay.PublishJSON(p.relaySubject(env.ChatID), env); err != nil {
			p.logger.Printf("relay publish failed for messageId=%s: %v", env.MessageID, err)
		}
	}

	p.sendAck(env)

	return nil
}

// sendAck fulfills a Pending ACK entry if env's publisher requested one
// (spec §4.7 step 6). A missing or already-expired entry, or a send
// that finds the connection gone, is not an envelope failure: per spec,
// "if the ACK send itself fails, log and continue — the message is
// still delivered."
func (p *Processor) sendAck(env types.Envelope) {
	if env.AckID == "" || p.acker == nil {
		return
	}
	connID, ok := p.acker.Take(env.AckID)
	if !ok {
		return
	}
	frame, err := json.Marshal(types.AckFrame{
		Type:        "ack",
		AckID:       env.AckID,
		Status:      "success",
		MessageID:   env.MessageID,
		MessageType: env.MessageType,
		Timestamp:   time.Now(),
	})
	if err != nil {
		p.logger.Printf("ack serialize failed for ackId=%s: %v", env.AckID, err)
		return
	}
	if !p.registry.SendTo(connID, frame) {
		p.logger.Printf("ack send failed, connection gone for ackId=%s connectionId=%s", env.AckID, connID)
	}
}

// ApplyRemote fans out an envelope that was already sequenced,
// fanned-out, and persisted by the broker instance that originally
// processed it. It only needs to reach this instance's own
// subscribers; re-running Process would re-append to history
// (harmless, Put is idempotent by messageId) but would also re-relay,
// looping the envelope around the cluster forever.
func (p *Processor) ApplyRemote(ctx context.Context, env types.Envelope) error {
	subscribers := p.registry.Subscribers(env.ChatID)
	if len(subscribers) == 0 {
		return nil
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("serialize envelope: %w", err)
	}
	p.fanOut(ctx, subscribers, frame)
	return nil
}

// fanOut transmits frame to every recipient concurrently and awaits
// them together (spec §4.7 step 4), reaping any recipient whose writer
// channel is full — a full bounded channel is the broker's proxy for a
// "gone" peer per spec §5's shared-resource policy.
func (p *Processor) fanOut(ctx context.Context, subscribers []registry.Subscriber, frame []byte) {
	var wg sync.WaitGroup
	wg.Add(len(subscribers))
	for _, sub := range subscribers {
		sub := sub
		go func() {
			defer wg.Done()
			select {
			case sub.Writer <- frame:
			default:
				// Writer full: treat as gone and reap, per spec §4.7
				// step 4 and §5's backpressure policy.
				p.registry.Drop(sub.ConnectionID)
			}
		}()
	}
	wg.Wait()
}
