package processor

import (
	"context"
	"log"
	"os"
	"strings"
	"testing"

	"chatbroker/internal/history"
	"chatbroker/internal/registry"
	"chatbroker/internal/sequence"
	"chatbroker/internal/types"
)

func testLogger() *log.Logger {
	return log.New(os.Stdout, "[test] ", 0)
}

func TestProcessAssignsSequenceForOrderedLane(t *testing.T) {
	reg := registry.New()
	w, _ := reg.Register("c1", "u1", []string{"chat-a"})
	seq := sequence.New()
	hist := history.New(0, 50, 100)
	p := New(reg, seq, hist, testLogger())

	env := types.Envelope{MessageID: "m1", ChatID: "chat-a", MessageType: types.LaneOrdered}
	if err := p.Process(context.Background(), env); err != nil {
		t.Fatalf("process: %v", err)
	}

	select {
	case frame := <-w:
		if len(frame) == 0 {
			t.Fatal("expected non-empty frame")
		}
	default:
		t.Fatal("expected frame delivered to subscriber")
	}
	if got := seq.Current("chat-a"); got != 1 {
		t.Fatalf("expected sequence number 1 assigned for ordered lane, current=%d", got)
	}
}

func TestProcessSkipsSequenceForFastLane(t *testing.T) {
	reg := registry.New()
	reg.Register("c1", "u1", []string{"chat-a"})
	seq := sequence.New()
	hist := history.New(0, 50, 100)
	p := New(reg, seq, hist, testLogger())

	env := types.Envelope{MessageID: "m1", ChatID: "chat-a", MessageType: types.LaneFast}
	p.Process(context.Background(), env)

	if got := seq.Current("chat-a"); got != 0 {
		t.Fatalf("expected no sequence assigned for fast lane, current=%d", got)
	}
}

func TestProcessReapsGoneRecipientWithoutFailingEnvelope(t *testing.T) {
	reg := registry.New()
	w, _ := reg.Register("stale", "u1", []string{"chat-a"})
	// Fill the writer channel to simulate a stuck/gone peer.
	for {
		select {
		case w <- []byte("x"):
			continue
		default:
		}
		break
	}

	seq := sequence.New()
	hist := history.New(0, 50, 100)
	p := New(reg, seq, hist, testLogger())

	env := types.Envelope{MessageID: "m1", ChatID: "chat-a", MessageType: types.LaneFast}
	if err := p.Process(context.Background(), env); err != nil {
		t.Fatalf("expected gone recipient not to fail the envelope, got %v", err)
	}

	if subs := reg.Subscribers("chat-a"); len(subs) != 0 {
		t.Fatalf("expected stale connection reaped, got %+v", subs)
	}
}

type stubAcker struct {
	taken map[string]string
}

func (s *stubAcker) Take(ackID string) (string, bool) {
	connID, ok := s.taken[ackID]
	return connID, ok
}

func TestProcessSendsAckToOriginConnection(t *testing.T) {
	reg := registry.New()
	w, _ := reg.Register("origin", "u1", []string{"chat-a"})
	seq := sequence.New()
	hist := history.New(0, 50, 100)
	acker := &stubAcker{taken: map[string]string{"ack-1": "origin"}}
	p := New(reg, seq, hist, testLogger()).WithAcker(acker)

	env := types.Envelope{MessageID: "m1", ChatID: "chat-a", MessageType: types.LaneFast, AckID: "ack-1"}
	if err := p.Process(context.Background(), env); err != nil {
		t.Fatalf("process: %v", err)
	}

	// origin is itself subscribed to chat-a, so it receives the fanned-out
	// envelope first and the ack frame after it.
	if got := len(w); got != 2 {
		t.Fatalf("expected two frames (envelope, then ack) on origin's writer, got %d", got)
	}
	<-w
	if ackFrame := string(<-w); !strings.Contains(ackFrame, `"type":"ack"`) || !strings.Contains(ackFrame, `"ackId":"ack-1"`) {
		t.Fatalf("expected second frame to be the ack for ack-1, got %s", ackFrame)
	}
}

func TestProcessSkipsAckWhenNotPending(t *testing.T) {
	reg := registry.New()
	w, _ := reg.Register("origin", "u1", []string{"chat-a"})
	seq := sequence.New()
	hist := history.New(0, 50, 100)
	acker := &stubAcker{taken: map[string]string{}}
	p := New(reg, seq, hist, testLogger()).WithAcker(acker)

	env := types.Envelope{MessageID: "m1", ChatID: "chat-a", MessageType: types.LaneFast, AckID: "expired"}
	if err := p.Process(context.Background(), env); err != nil {
		t.Fatalf("process: %v", err)
	}

	// The only frame is the fanned-out envelope; no ack follows it.
	if got := len(w); got != 1 {
		t.Fatalf("expected only the envelope frame and no ack for an unresolved ackId, got %d frames", got)
	}
}

func TestProcessPersistsToHistory(t *testing.T) {
	reg := registry.New()
	seq := sequence.New()
	hist := history.New(0, 50, 100)
	p := New(reg, seq, hist, testLogger())

	env := types.Envelope{MessageID: "m1", ChatID: "chat-a", MessageType: types.LaneFast}
	p.Process(context.Background(), env)

	page, err := hist.List(history.Query{ChatID: "chat-a", Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].MessageID != "m1" {
		t.Fatalf("expected persisted message m1, got %+v", page.Items)
	}
}
