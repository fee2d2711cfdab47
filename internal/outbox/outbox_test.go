package outbox

import (
	"context"
	"sync"
	"testing"
	"time"
)

func callReturning(calls *[]string, label string, mu *sync.Mutex) Caller {
	return func(ctx context.Context) (any, time.Duration, error) {
		mu.Lock()
		*calls = append(*calls, label)
		mu.Unlock()
		return label, 0, nil
	}
}

// waitQueued waits until an op of kind is pending on channelID's queue.
func waitQueued(t *testing.T, o *Outbox, channelID string, kind OpKind) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		o.mu.Lock()
		cq := o.channels[channelID]
		o.mu.Unlock()
		if cq != nil {
			cq.mu.Lock()
			for _, op := range cq.pending {
				if op.Kind == kind {
					cq.mu.Unlock()
					return
				}
			}
			cq.mu.Unlock()
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("no %s op queued on %s", kind, channelID)
}

func TestEditsCoalesceToLatest(t *testing.T) {
	o := New(nil, nil)
	var mu sync.Mutex
	var calls []string

	blockFirst := make(chan struct{})
	released := make(chan struct{})
	first := &Op{Kind: OpEdit, ChannelID: "c1", MessageID: "m1", Call: func(ctx context.Context) (any, time.Duration, error) {
		close(blockFirst)
		<-released
		mu.Lock()
		calls = append(calls, "first")
		mu.Unlock()
		return nil, 0, nil
	}}
	_, _ = o.Enqueue(context.Background(), first)

	<-blockFirst
	o.Enqueue(context.Background(), &Op{Kind: OpEdit, ChannelID: "c1", MessageID: "m1", Call: callReturning(&calls, "second", &mu)})
	o.Enqueue(context.Background(), &Op{Kind: OpEdit, ChannelID: "c1", MessageID: "m1", Call: callReturning(&calls, "third", &mu)})
	close(released)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	found := map[string]bool{}
	for _, c := range calls {
		found[c] = true
	}
	if !found["first"] || !found["third"] {
		t.Errorf("expected first and third to run, got %v", calls)
	}
	if found["second"] {
		t.Errorf("expected second to be coalesced away, got %v", calls)
	}
}

func TestSendRunsBeforeQueuedEdit(t *testing.T) {
	o := New(nil, nil)
	var mu sync.Mutex
	var calls []string

	blockFirst := make(chan struct{})
	released := make(chan struct{})
	first := &Op{Kind: OpEdit, ChannelID: "c1", MessageID: "m0", Call: func(ctx context.Context) (any, time.Duration, error) {
		close(blockFirst)
		<-released
		return nil, 0, nil
	}}
	o.Enqueue(context.Background(), first)
	<-blockFirst

	o.Enqueue(context.Background(), &Op{Kind: OpEdit, ChannelID: "c1", MessageID: "m1", Call: callReturning(&calls, "edit", &mu)})
	// A Send always blocks until it has run, so it is enqueued from its own
	// goroutine while the first edit still holds the channel worker.
	go o.Enqueue(context.Background(), &Op{Kind: OpSend, ChannelID: "c1", Call: callReturning(&calls, "send", &mu)})
	waitQueued(t, o, "c1", OpSend)
	close(released)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(calls) < 2 || calls[0] != "send" {
		t.Errorf("expected send to run before the queued edit, got %v", calls)
	}
}

func TestDeleteInvalidatesPendingEditsForSameMessage(t *testing.T) {
	o := New(nil, nil)
	var mu sync.Mutex
	var calls []string

	blockFirst := make(chan struct{})
	released := make(chan struct{})
	first := &Op{Kind: OpEdit, ChannelID: "c1", MessageID: "m0", Call: func(ctx context.Context) (any, time.Duration, error) {
		close(blockFirst)
		<-released
		return nil, 0, nil
	}}
	o.Enqueue(context.Background(), first)
	<-blockFirst

	o.Enqueue(context.Background(), &Op{Kind: OpEdit, ChannelID: "c1", MessageID: "m1", Call: callReturning(&calls, "edit-m1", &mu)})
	// A Delete always blocks until it has run, so it is enqueued from its
	// own goroutine while the first edit still holds the channel worker.
	go o.Enqueue(context.Background(), &Op{Kind: OpDelete, ChannelID: "c1", MessageID: "m1", Call: callReturning(&calls, "delete-m1", &mu)})
	waitQueued(t, o, "c1", OpDelete)
	close(released)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	for _, c := range calls {
		if c == "edit-m1" {
			t.Errorf("expected edit-m1 to be invalidated by the delete, got %v", calls)
		}
	}
	found := false
	for _, c := range calls {
		if c == "delete-m1" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected delete-m1 to run, got %v", calls)
	}
}

func TestEditWaitFalseReturnsImmediately(t *testing.T) {
	o := New(nil, nil)
	started := make(chan struct{})
	slow := &Op{Kind: OpEdit, ChannelID: "c1", MessageID: "m1", Wait: false, Call: func(ctx context.Context) (any, time.Duration, error) {
		close(started)
		time.Sleep(100 * time.Millisecond)
		return "done", 0, nil
	}}

	done := make(chan struct{})
	go func() {
		o.Enqueue(context.Background(), slow)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(20 * time.Millisecond):
		t.Fatal("expected non-blocking edit to return immediately")
	}
	<-started
}

func TestRetryAfterBlocksChannelAndRetries(t *testing.T) {
	o := New(nil, nil)
	var mu sync.Mutex
	attempts := 0

	op := &Op{Kind: OpSend, ChannelID: "c1", Wait: true, Call: func(ctx context.Context) (any, time.Duration, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			return nil, 10 * time.Millisecond, nil
		}
		return "ok", 0, nil
	}}

	result, err := o.Enqueue(context.Background(), op)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" {
		t.Errorf("expected eventual success, got %v", result)
	}
	if attempts != 2 {
		t.Errorf("expected exactly one retry, got %d attempts", attempts)
	}
}
