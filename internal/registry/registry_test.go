package registry

import (
	"sync"
	"testing"
)

func TestRegisterSubscribersAndUnregister(t *testing.T) {
	r := New()

	w1, ok := r.Register("c1", "u1", []string{"chat-a", "chat-b"})
	if !ok {
		t.Fatal("expected register to succeed")
	}
	_, ok = r.Register("c2", "u2", []string{"chat-a"})
	if !ok {
		t.Fatal("expected register to succeed")
	}

	subs := r.Subscribers("chat-a")
	if len(subs) != 2 {
		t.Fatalf("expected 2 subscribers on chat-a, got %d", len(subs))
	}

	subs = r.Subscribers("chat-b")
	if len(subs) != 1 || subs[0].ConnectionID != "c1" {
		t.Fatalf("expected only c1 on chat-b, got %+v", subs)
	}

	r.Unregister("c1")

	if _, ok := <-w1; ok {
		t.Fatal("expected writer channel to be closed after unregister")
	}

	subs = r.Subscribers("chat-a")
	if len(subs) != 1 || subs[0].ConnectionID != "c2" {
		t.Fatalf("expected only c2 remaining on chat-a, got %+v", subs)
	}

	subs = r.Subscribers("chat-b")
	if len(subs) != 0 {
		t.Fatalf("expected chat-b empty after c1 removed, got %+v", subs)
	}
}

func TestRegisterDuplicateConnectionID(t *testing.T) {
	r := New()
	if _, ok := r.Register("dup", "u1", []string{"chat-a"}); !ok {
		t.Fatal("expected first register to succeed")
	}
	if _, ok := r.Register("dup", "u2", []string{"chat-a"}); ok {
		t.Fatal("expected second register with same id to fail")
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	r := New()
	r.Register("c1", "u1", []string{"chat-a"})
	r.Unregister("c1")
	r.Unregister("c1") // must not panic (double close)
}

func TestSubscribersUnknownChat(t *testing.T) {
	r := New()
	if subs := r.Subscribers("nope"); subs != nil {
		t.Fatalf("expected nil for unknown chat, got %+v", subs)
	}
}

func TestDropEquivalentToUnregister(t *testing.T) {
	r := New()
	r.Register("c1", "u1", []string{"chat-a"})
	r.Drop("c1")
	if subs := r.Subscribers("chat-a"); len(subs) != 0 {
		t.Fatalf("expected chat-a empty after drop, got %+v", subs)
	}
}

func TestSendToDeliversToWriter(t *testing.T) {
	r := New()
	w, _ := r.Register("c1", "u1", []string{"chat-a"})

	if !r.SendTo("c1", []byte("frame")) {
		t.Fatal("expected send to succeed")
	}
	if got := <-w; string(got) != "frame" {
		t.Fatalf("expected frame, got %q", got)
	}
}

func TestSendToUnknownConnectionReturnsFalse(t *testing.T) {
	r := New()
	if r.SendTo("nope", []byte("x")) {
		t.Fatal("expected send to unknown connection to fail")
	}
}

func TestSendToFullWriterDropsConnection(t *testing.T) {
	r := New()
	r.Register("c1", "u1", []string{"chat-a"})
	for i := 0; i < writerBuffer; i++ {
		r.SendTo("c1", []byte("x"))
	}
	if r.SendTo("c1", []byte("overflow")) {
		t.Fatal("expected overflow send to fail")
	}
	if subs := r.Subscribers("chat-a"); len(subs) != 0 {
		t.Fatalf("expected connection dropped after full writer, got %+v", subs)
	}
}

func TestConcurrentRegisterAndSubscribe(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i%26))
			r.Register(id+string(rune(i)), "u", []string{"chat-a"})
			r.Subscribers("chat-a")
		}(i)
	}
	wg.Wait()
}
