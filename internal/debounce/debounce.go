// Package debounce batches rapid-fire messages per topic into a single
// combined turn, with slash commands bypassing the window entirely.
package debounce

import (
	"strings"
	"sync"
	"time"
)

// PendingMessage is one message waiting in a topic's debounce queue.
type PendingMessage struct {
	MessageID string
	Text      string
	ReplyTo   string // reply-target message ID, if the message is a reply
}

// Batch is a combined, ready-to-dispatch set of messages for one topic.
type Batch struct {
	TopicID       string
	MessageIDs    []string
	CombinedText  string
	FirstReplyTo  string
	LastMessageID string
}

// Debouncer batches messages per topic within a fixed window, resetting
// the deadline on every new message for that topic.
type Debouncer struct {
	window time.Duration
	clock  func() time.Time

	mu        sync.Mutex
	pending   map[string][]PendingMessage
	deadlines map[string]time.Time
}

// New creates a Debouncer with the given window (spec default 200ms).
func New(window time.Duration) *Debouncer {
	return &Debouncer{
		window:    window,
		clock:     time.Now,
		pending:   make(map[string][]PendingMessage),
		deadlines: make(map[string]time.Time),
	}
}

func isSlashCommand(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), "/")
}

// AddMessage adds msg to topicID's pending queue, returning any batches
// that must dispatch immediately as a side effect of this call. A slash
// command flushes the topic's pending batch (if any) first, then returns
// as its own single-message batch; both are returned in dispatch order. A
// non-slash message is queued and the topic's deadline resets to now+window.
func (d *Debouncer) AddMessage(topicID string, msg PendingMessage) []Batch {
	d.mu.Lock()
	defer d.mu.Unlock()

	if isSlashCommand(msg.Text) {
		var ready []Batch
		if pending := d.pending[topicID]; len(pending) > 0 {
			ready = append(ready, d.flushLocked(topicID))
		}
		ready = append(ready, Batch{
			TopicID:       topicID,
			MessageIDs:    []string{msg.MessageID},
			CombinedText:  msg.Text,
			FirstReplyTo:  msg.ReplyTo,
			LastMessageID: msg.MessageID,
		})
		return ready
	}

	d.pending[topicID] = append(d.pending[topicID], msg)
	d.deadlines[topicID] = d.clock().Add(d.window)
	return nil
}

// CheckExpired returns batches for every topic whose deadline has passed.
func (d *Debouncer) CheckExpired() []Batch {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock()
	var expired []string
	for topicID, deadline := range d.deadlines {
		if !now.Before(deadline) {
			expired = append(expired, topicID)
		}
	}

	var ready []Batch
	for _, topicID := range expired {
		if len(d.pending[topicID]) > 0 {
			ready = append(ready, d.flushLocked(topicID))
		}
	}
	return ready
}

// FlushAll immediately flushes every topic with pending messages,
// regardless of deadline. Used on shutdown so nothing is silently dropped.
func (d *Debouncer) FlushAll() []Batch {
	d.mu.Lock()
	defer d.mu.Unlock()

	var ready []Batch
	for topicID := range d.pending {
		if len(d.pending[topicID]) > 0 {
			ready = append(ready, d.flushLocked(topicID))
		}
	}
	return ready
}

// NextDeadline returns the earliest pending deadline across all topics,
// and false if nothing is pending.
func (d *Debouncer) NextDeadline() (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var earliest time.Time
	found := false
	for _, deadline := range d.deadlines {
		if !found || deadline.Before(earliest) {
			earliest = deadline
			found = true
		}
	}
	return earliest, found
}

// HasPending reports whether any topic has an unflushed message queued.
func (d *Debouncer) HasPending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, msgs := range d.pending {
		if len(msgs) > 0 {
			return true
		}
	}
	return false
}

func (d *Debouncer) flushLocked(topicID string) Batch {
	messages := d.pending[topicID]
	delete(d.pending, topicID)
	delete(d.deadlines, topicID)
	return combine(topicID, messages)
}

func combine(topicID string, messages []PendingMessage) Batch {
	texts := make([]string, len(messages))
	ids := make([]string, len(messages))
	for i, m := range messages {
		texts[i] = m.Text
		ids[i] = m.MessageID
	}
	var firstReplyTo, lastID string
	if len(messages) > 0 {
		firstReplyTo = messages[0].ReplyTo
		lastID = messages[len(messages)-1].MessageID
	}
	return Batch{
		TopicID:       topicID,
		MessageIDs:    ids,
		CombinedText:  strings.Join(texts, "\n"),
		FirstReplyTo:  firstReplyTo,
		LastMessageID: lastID,
	}
}
