package mqttsink

import (
	"sync"
	"testing"
	"time"
)

func TestTopicQueueDropsDuplicatePayload(t *testing.T) {
	var mu sync.Mutex
	var published []string
	block := make(chan struct{})
	q := newTopicQueue("t/values", 4, func(topic string, payload []byte) {
		<-block
		mu.Lock()
		published = append(published, string(payload))
		mu.Unlock()
	})
	defer q.Close()

	q.Enqueue([]byte("a"))
	q.Enqueue([]byte("a"))
	close(block)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(published) != 1 {
		t.Fatalf("published = %v, want exactly one publish of the deduped payload", published)
	}
}

func TestTopicQueueDropsOldestOnOverflow(t *testing.T) {
	block := make(chan struct{})
	var mu sync.Mutex
	var published []string
	q := newTopicQueue("t/values", 2, func(topic string, payload []byte) {
		<-block
		mu.Lock()
		published = append(published, string(payload))
		mu.Unlock()
	})
	defer q.Close()

	// The drain worker is stuck waiting on block, so these all queue up:
	// one held in flight plus the bounded backlog.
	q.Enqueue([]byte("1"))
	time.Sleep(10 * time.Millisecond) // let the worker pick up "1" and block on it
	q.Enqueue([]byte("2"))
	q.Enqueue([]byte("3"))
	q.Enqueue([]byte("4")) // overflows capacity 2, drops "2"

	if got := q.Dropped(); got != 1 {
		t.Fatalf("Dropped() = %d, want 1", got)
	}

	close(block)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"1", "3", "4"}
	if len(published) != len(want) {
		t.Fatalf("published = %v, want %v", published, want)
	}
	for i := range want {
		if published[i] != want[i] {
			t.Fatalf("published = %v, want %v", published, want)
		}
	}
}

func TestTopicQueueCloseStopsWorker(t *testing.T) {
	calls := 0
	q := newTopicQueue("t/x", 4, func(topic string, payload []byte) { calls++ })
	q.Enqueue([]byte("a"))
	time.Sleep(20 * time.Millisecond)
	q.Close()
	q.Close() // idempotent
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}
