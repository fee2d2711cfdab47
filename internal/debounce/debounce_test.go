package debounce

import (
	"testing"
	"time"
)

func TestAddMessageQueuesAndResetsDeadline(t *testing.T) {
	d := New(200 * time.Millisecond)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d.clock = func() time.Time { return now }

	ready := d.AddMessage("t1", PendingMessage{MessageID: "m1", Text: "hello"})
	if ready != nil {
		t.Fatalf("expected no immediate batch, got %v", ready)
	}

	deadline1, ok := d.NextDeadline()
	if !ok {
		t.Fatal("expected a pending deadline")
	}

	now = now.Add(100 * time.Millisecond)
	d.AddMessage("t1", PendingMessage{MessageID: "m2", Text: "world"})
	deadline2, _ := d.NextDeadline()
	if !deadline2.After(deadline1) {
		t.Error("expected deadline to be pushed out by the second message")
	}
}

func TestExpiryCombinesMessagesInArrivalOrder(t *testing.T) {
	d := New(50 * time.Millisecond)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d.clock = func() time.Time { return now }

	d.AddMessage("t1", PendingMessage{MessageID: "m1", Text: "first", ReplyTo: "r0"})
	d.AddMessage("t1", PendingMessage{MessageID: "m2", Text: "second"})

	now = now.Add(60 * time.Millisecond)
	batches := d.CheckExpired()
	if len(batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(batches))
	}
	b := batches[0]
	if b.CombinedText != "first\nsecond" {
		t.Errorf("expected joined text, got %q", b.CombinedText)
	}
	if b.FirstReplyTo != "r0" {
		t.Errorf("expected first message's reply_to preserved, got %q", b.FirstReplyTo)
	}
	if b.LastMessageID != "m2" {
		t.Errorf("expected last_message_id m2, got %q", b.LastMessageID)
	}
	if len(b.MessageIDs) != 2 || b.MessageIDs[0] != "m1" || b.MessageIDs[1] != "m2" {
		t.Errorf("expected message ids in arrival order, got %v", b.MessageIDs)
	}
}

func TestSlashCommandFlushesPendingThenReturnsOwnBatch(t *testing.T) {
	d := New(200 * time.Millisecond)

	d.AddMessage("t1", PendingMessage{MessageID: "m1", Text: "queued text"})
	batches := d.AddMessage("t1", PendingMessage{MessageID: "m2", Text: "/cancel"})

	if len(batches) != 2 {
		t.Fatalf("expected flush + slash batches, got %d", len(batches))
	}
	if batches[0].CombinedText != "queued text" {
		t.Errorf("expected first batch to be the flushed pending message, got %q", batches[0].CombinedText)
	}
	if batches[1].CombinedText != "/cancel" || len(batches[1].MessageIDs) != 1 {
		t.Errorf("expected second batch to be the slash command alone, got %+v", batches[1])
	}
}

func TestSlashCommandWithNoPendingReturnsSingleBatch(t *testing.T) {
	d := New(200 * time.Millisecond)
	batches := d.AddMessage("t1", PendingMessage{MessageID: "m1", Text: "/help"})
	if len(batches) != 1 {
		t.Fatalf("expected a single batch, got %d", len(batches))
	}
}

func TestFlushAllDrainsEveryTopic(t *testing.T) {
	d := New(time.Hour)
	d.AddMessage("t1", PendingMessage{MessageID: "m1", Text: "a"})
	d.AddMessage("t2", PendingMessage{MessageID: "m2", Text: "b"})

	batches := d.FlushAll()
	if len(batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(batches))
	}
	if d.HasPending() {
		t.Error("expected no pending messages after FlushAll")
	}
}
