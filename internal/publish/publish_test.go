package publish

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"chatbroker/internal/brokererr"
	"chatbroker/internal/types"
)

type stubAuthz struct {
	allow bool
}

func (s stubAuthz) May(userID, chatID string) bool { return s.allow }

type stubLane struct {
	submitted []types.Envelope
	err       error
}

func (s *stubLane) Submit(ctx context.Context, env types.Envelope) error {
	if s.err != nil {
		return s.err
	}
	s.submitted = append(s.submitted, env)
	return nil
}

func validRequest() types.PublishRequest {
	return types.PublishRequest{
		TargetChannel: "WebSocket",
		Payload: types.PublishPayload{
			ChatID:    "chat-a",
			EventType: "note",
			Content:   []byte(`"hi"`),
		},
	}
}

func TestPublishRejectsMissingChatID(t *testing.T) {
	p := New(stubAuthz{allow: true}, &stubLane{}, &stubLane{}, nil)
	req := validRequest()
	req.Payload.ChatID = ""

	_, err := p.Publish(context.Background(), "u1", "", req)
	if brokererr.Kind(err) != brokererr.ErrValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestPublishRejectsMissingTargetChannel(t *testing.T) {
	p := New(stubAuthz{allow: true}, &stubLane{}, &stubLane{}, nil)
	req := validRequest()
	req.TargetChannel = ""

	_, err := p.Publish(context.Background(), "u1", "", req)
	if brokererr.Kind(err) != brokererr.ErrValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestPublishRejectsInvalidMessageType(t *testing.T) {
	p := New(stubAuthz{allow: true}, &stubLane{}, &stubLane{}, nil)
	req := validRequest()
	req.MessageType = "bogus"

	_, err := p.Publish(context.Background(), "u1", "", req)
	if brokererr.Kind(err) != brokererr.ErrValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestPublishDeniesWithoutPermission(t *testing.T) {
	p := New(stubAuthz{allow: false}, &stubLane{}, &stubLane{}, nil)
	_, err := p.Publish(context.Background(), "u1", "", validRequest())
	if brokererr.Kind(err) != brokererr.ErrForbidden {
		t.Fatalf("expected forbidden error, got %v", err)
	}
}

func TestPublishRoutesOrderedByDefaultGroupID(t *testing.T) {
	ordered := &stubLane{}
	fast := &stubLane{}
	p := New(stubAuthz{allow: true}, ordered, fast, nil)

	req := validRequest()
	req.MessageType = "fifo"

	res, err := p.Publish(context.Background(), "u1", "", req)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if res.MessageID == "" {
		t.Fatal("expected a messageId to be assigned")
	}
	if len(ordered.submitted) != 1 || len(fast.submitted) != 0 {
		t.Fatalf("expected ordered lane to receive the message")
	}
	if ordered.submitted[0].MessageGroupID != "chat-a" {
		t.Fatalf("expected default group id to be chatId, got %q", ordered.submitted[0].MessageGroupID)
	}
}

func TestPublishDefaultsToFastLane(t *testing.T) {
	ordered := &stubLane{}
	fast := &stubLane{}
	p := New(stubAuthz{allow: true}, ordered, fast, nil)

	_, err := p.Publish(context.Background(), "u1", "", validRequest())
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(fast.submitted) != 1 || len(ordered.submitted) != 0 {
		t.Fatal("expected default routing to the fast lane")
	}
}

func TestPublishRejectsInvalidMultiPartMetadata(t *testing.T) {
	p := New(stubAuthz{allow: true}, &stubLane{}, &stubLane{}, nil)
	req := validRequest()
	req.Payload.MultiPartMetadata = &types.MultiPartMetadata{GroupID: "g", TotalParts: 3, PartNumber: 5}

	_, err := p.Publish(context.Background(), "u1", "", req)
	if brokererr.Kind(err) != brokererr.ErrValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestPublishSurfacesLaneUnavailable(t *testing.T) {
	fast := &stubLane{err: errors.New("substrate down")}
	p := New(stubAuthz{allow: true}, &stubLane{}, fast, nil)

	_, err := p.Publish(context.Background(), "u1", "", validRequest())
	if brokererr.Kind(err) != brokererr.ErrUnavailable {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

func TestPublishRequiresAckIDWhenAckRequested(t *testing.T) {
	p := New(stubAuthz{allow: true}, &stubLane{}, &stubLane{}, nil)
	req := validRequest()
	req.RequestAck = true

	_, err := p.Publish(context.Background(), "u1", "", req)
	if brokererr.Kind(err) != brokererr.ErrValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

type stubAckRegistry struct {
	registered map[string]string
}

func (s *stubAckRegistry) Register(ackID, connectionID string) {
	if s.registered == nil {
		s.registered = make(map[string]string)
	}
	s.registered[ackID] = connectionID
}

func TestPublishRegistersPendingAckWhenOriginConnectionKnown(t *testing.T) {
	fast := &stubLane{}
	acks := &stubAckRegistry{}
	p := New(stubAuthz{allow: true}, &stubLane{}, fast, nil).WithAckRegistry(acks)

	req := validRequest()
	req.RequestAck = true
	req.AckID = "ack-1"

	if _, err := p.Publish(context.Background(), "u1", "conn-1", req); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if acks.registered["ack-1"] != "conn-1" {
		t.Fatalf("expected ack-1 registered to conn-1, got %+v", acks.registered)
	}
	if fast.submitted[0].AckID != "ack-1" || fast.submitted[0].OriginConnectionID != "conn-1" {
		t.Fatalf("expected envelope to carry ack metadata, got %+v", fast.submitted[0])
	}
}

func TestPublishSkipsPendingAckWithoutOriginConnection(t *testing.T) {
	fast := &stubLane{}
	acks := &stubAckRegistry{}
	p := New(stubAuthz{allow: true}, &stubLane{}, fast, nil).WithAckRegistry(acks)

	req := validRequest()
	req.RequestAck = true
	req.AckID = "ack-1"

	if _, err := p.Publish(context.Background(), "u1", "", req); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(acks.registered) != 0 {
		t.Fatalf("expected no pending ack registered without a connection, got %+v", acks.registered)
	}
}

func TestPublishReturnsTimeoutAsServiceUnavailable(t *testing.T) {
	fast := &stubLane{err: context.DeadlineExceeded}
	p := New(stubAuthz{allow: true}, &stubLane{}, fast, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Publish(ctx, "u1", "", validRequest())
	if brokererr.Kind(err) != brokererr.ErrTimeout {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if status := brokererr.HTTPStatus(err); status != http.StatusServiceUnavailable {
		t.Fatalf("expected timeout to map to 503 per spec §7, got %d", status)
	}
}
