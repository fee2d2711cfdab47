package turnqueue

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestWithinKeyRunsInFIFOOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string

	s := New(func(ctx context.Context, job Job) {
		mu.Lock()
		order = append(order, job.Text)
		mu.Unlock()
	}, nil)

	s.Enqueue("claude:s1", Job{Text: "one"})
	s.Enqueue("claude:s1", Job{Text: "two"})
	s.Enqueue("claude:s1", Job{Text: "three"})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	want := []string{"one", "two", "three"}
	for i, w := range want {
		if order[i] != w {
			t.Errorf("order[%d] = %q, want %q (full: %v)", i, order[i], w, order)
		}
	}
}

func TestDifferentKeysRunConcurrently(t *testing.T) {
	started := make(chan string, 2)
	release := make(chan struct{})

	s := New(func(ctx context.Context, job Job) {
		started <- job.Text
		<-release
	}, nil)

	s.Enqueue("claude:s1", Job{Text: "a"})
	s.Enqueue("codex:s2", Job{Text: "b"})

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case name := <-started:
			seen[name] = true
		case <-time.After(time.Second):
			t.Fatal("expected both keys to start concurrently")
		}
	}
	close(release)
	if !seen["a"] || !seen["b"] {
		t.Errorf("expected both jobs to start, got %v", seen)
	}
}

func TestBusyGateHoldsQueueUntilThreadKnownClears(t *testing.T) {
	var mu sync.Mutex
	var ran []string

	s := New(func(ctx context.Context, job Job) {
		mu.Lock()
		ran = append(ran, job.Text)
		mu.Unlock()
	}, nil)

	doneCh := make(chan struct{})
	s.NoteThreadKnown("claude:s1", doneCh)
	s.Enqueue("claude:s1", Job{Text: "follow-up"})

	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	gotEarly := len(ran)
	mu.Unlock()
	if gotEarly != 0 {
		t.Fatalf("expected job to wait behind the gate, but %d ran", gotEarly)
	}

	close(doneCh)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ran) == 1
	})
}

func TestWorkerRetiresWhenQueueEmpties(t *testing.T) {
	done := make(chan struct{})
	s := New(func(ctx context.Context, job Job) { close(done) }, nil)
	s.Enqueue("claude:s1", Job{Text: "solo"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected job to run")
	}

	time.Sleep(20 * time.Millisecond)
	s.mu.Lock()
	_, exists := s.keys["claude:s1"]
	s.mu.Unlock()
	if exists {
		t.Error("expected retired key to be removed once its queue emptied")
	}
}

func TestJobPanicDoesNotPoisonQueue(t *testing.T) {
	var mu sync.Mutex
	var ran []string

	s := New(func(ctx context.Context, job Job) {
		if job.Text == "boom" {
			panic("job failure")
		}
		mu.Lock()
		ran = append(ran, job.Text)
		mu.Unlock()
	}, nil)

	s.Enqueue("claude:s1", Job{Text: "boom"})
	s.Enqueue("claude:s1", Job{Text: "survivor"})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ran) == 1
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
