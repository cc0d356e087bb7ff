// Package publish implements the Publishers (spec §4.6): the shared
// validate -> authorize -> stamp -> route contract used by both the
// WebSocket sendMessage frame and POST /publish. It generalizes the
// teacher auth+server pairing (internal/auth/jwt.go WebSocketAuth,
// internal/server/server.go handleWebSocket) into a transport-agnostic
// publisher the two ingress handlers both call into.
package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"chatbroker/internal/brokererr"
	"chatbroker/internal/types"
)

// Authorizer is the subset of permissions.Resolver a publisher needs.
type Authorizer interface {
	May(userID, chatID string) bool
}

// Lane is the subset of lanes.Lane a publisher routes into.
type Lane interface {
	Submit(ctx context.Context, env types.Envelope) error
}

// AckRegistry is the subset of ack.Registry a publisher needs to stand
// up the Pending ACK entry before handing the envelope to a lane.
type AckRegistry interface {
	Register(ackID, connectionID string)
}

// Publisher implements the common contract of spec §4.6.
type Publisher struct {
	authz       Authorizer
	orderedLane Lane
	fastLane    Lane
	pendingAck  AckRegistry
	now         func() time.Time
}

// New builds a Publisher. nowFn defaults to time.Now if nil, letting
// tests stamp a fixed publish time. pendingAck may be nil, in which
// case requestAck is accepted but never fulfilled (no connection to
// deliver to, as from POST /publish).
func New(authz Authorizer, orderedLane, fastLane Lane, nowFn func() time.Time) *Publisher {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Publisher{authz: authz, orderedLane: orderedLane, fastLane: fastLane, now: nowFn}
}

// WithAckRegistry attaches the Pending ACK tracker used by WebSocket
// ingress.
func (p *Publisher) WithAckRegistry(reg AckRegistry) *Publisher {
	p.pendingAck = reg
	return p
}

// Publish validates, authorizes, stamps, and routes req on behalf of
// principal (the authenticated userId from either ingress path), per
// spec §4.6 steps 1-5. originConnectionID is the WebSocket connection
// to deliver an eventual ACK frame to; pass "" for ingress paths with
// no persistent connection (POST /publish), in which case requestAck
// is still accepted but never fulfilled.
func (p *Publisher) Publish(ctx context.Context, principal, originConnectionID string, req types.PublishRequest) (types.PublishResult, error) {
	if err := validate(req); err != nil {
		return types.PublishResult{}, err
	}

	if !p.authz.May(principal, req.Payload.ChatID) {
		return types.PublishResult{}, brokererr.ErrForbidden
	}

	laneType := types.LaneFast
	switch req.MessageType {
	case "", "fast", "standard":
		laneType = types.LaneFast
	case "ordered", "fifo":
		laneType = types.LaneOrdered
	}

	groupID := req.MessageGroupID
	if laneType == types.LaneOrdered && groupID == "" {
		groupID = req.Payload.ChatID
	}

	env := types.Envelope{
		MessageID:              uuid.NewString(),
		ChatID:                 req.Payload.ChatID,
		EventType:              req.Payload.EventType,
		Content:                req.Payload.Content,
		PublishTimestamp:       p.now(),
		ClientPublishTimestamp: req.Payload.ClientPublishTimestamp,
		MessageType:            laneType,
		MessageGroupID:         groupID,
		MultiPartMetadata:      req.Payload.MultiPartMetadata,
	}

	if req.RequestAck && originConnectionID != "" {
		env.AckID = req.AckID
		env.OriginConnectionID = originConnectionID
		if p.pendingAck != nil {
			p.pendingAck.Register(req.AckID, originConnectionID)
		}
	}

	lane := p.fastLane
	if laneType == types.LaneOrdered {
		lane = p.orderedLane
	}

	if err := lane.Submit(ctx, env); err != nil {
		if ctx.Err() != nil {
			return types.PublishResult{}, brokererr.ErrTimeout
		}
		return types.PublishResult{}, fmt.Errorf("%w: %v", brokererr.ErrUnavailable, err)
	}

	return types.PublishResult{MessageID: env.MessageID}, nil
}

// validate implements spec §4.6 step 1.
func validate(req types.PublishRequest) error {
	if req.TargetChannel == "" {
		return fmt.Errorf("%w: targetChannel is required", brokererr.ErrValidation)
	}
	if req.Payload.ChatID == "" {
		return fmt.Errorf("%w: payload.chatId is required", brokererr.ErrValidation)
	}
	if req.Payload.EventType == "" {
		return fmt.Errorf("%w: payload.eventType is required", brokererr.ErrValidation)
	}
	switch req.MessageType {
	case "", "fifo", "ordered", "standard", "fast":
	default:
		return fmt.Errorf("%w: messageType must be one of fifo/ordered or standard/fast", brokererr.ErrValidation)
	}
	if req.RequestAck && req.AckID == "" {
		return fmt.Errorf("%w: ackId is required when requestAck is true", brokererr.ErrValidation)
	}
	if m := req.Payload.MultiPartMetadata; m != nil && !m.Valid() {
		return fmt.Errorf("%w: multiPartMetadata.partNumber out of range", brokererr.ErrValidation)
	}
	return nil
}
