package lanes

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatbroker/internal/types"
)

type countingProcessor struct {
	count    int64
	parallel int64
	maxSeen  int64
	mu       sync.Mutex
}

func (p *countingProcessor) Process(ctx context.Context, env types.Envelope) error {
	atomic.AddInt64(&p.count, 1)
	cur := atomic.AddInt64(&p.parallel, 1)
	p.mu.Lock()
	if cur > p.maxSeen {
		p.maxSeen = cur
	}
	p.mu.Unlock()
	time.Sleep(10 * time.Millisecond)
	atomic.AddInt64(&p.parallel, -1)
	return nil
}

func TestFastLaneDeliversAllMessages(t *testing.T) {
	proc := &countingProcessor{}
	sink := &LoggingDeadLetterSink{Logger: testLogger()}
	lane := NewFastLane(proc, sink, 3, 10, testLogger())
	defer lane.Shutdown()

	ctx := context.Background()
	for i := 0; i < 100; i++ {
		env := types.Envelope{MessageID: string(rune(i)), ChatID: "c2"}
		if err := lane.Submit(ctx, env); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt64(&proc.count) == 100 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if got := atomic.LoadInt64(&proc.count); got != 100 {
		t.Fatalf("expected 100 processed envelopes, got %d", got)
	}
}

func TestFastLaneProcessesBatchInParallel(t *testing.T) {
	proc := &countingProcessor{}
	sink := &LoggingDeadLetterSink{Logger: testLogger()}
	lane := NewFastLane(proc, sink, 3, 10, testLogger())
	defer lane.Shutdown()

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		lane.Submit(ctx, types.Envelope{MessageID: string(rune(i)), ChatID: "c2"})
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt64(&proc.count) == 10 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	proc.mu.Lock()
	maxSeen := proc.maxSeen
	proc.mu.Unlock()
	if maxSeen < 2 {
		t.Fatalf("expected batch items to run concurrently, max parallelism observed was %d", maxSeen)
	}
}
