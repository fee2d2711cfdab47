// Package outbox paces and orders outgoing transport calls per channel: a
// strict priority order (send > edit > delete), same-message edit
// coalescing, delete-invalidates-edit, and retry-after backoff.
package outbox

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// OpKind orders operations within a channel's queue. Lower value runs first.
type OpKind int

const (
	OpSend OpKind = iota
	OpEdit
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpSend:
		return "send"
	case OpEdit:
		return "edit"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Caller is the transport-specific call a queued Op ultimately issues.
// Implementations return (result, retryAfter, err): a non-zero retryAfter
// with a nil error signals a platform rate-limit the outbox should honor
// and retry; any other error is terminal for that call.
type Caller func(ctx context.Context) (result any, retryAfter time.Duration, err error)

// Op is one queued transport call.
type Op struct {
	Kind      OpKind
	ChannelID string
	MessageID string // empty for Send
	Wait      bool   // Edit(wait=true) blocks the caller until the round-trip completes
	Call      Caller

	done chan opResult
	seq  uint64
}

type opResult struct {
	result any
	err    error
}

// IntervalFunc resolves the minimum inter-call interval for a channel
// (e.g. 500ms for a private chat, 1s for a group chat).
type IntervalFunc func(channelID string) time.Duration

// Outbox paces and sequences operations across channels, one worker
// goroutine per channel, created on first enqueue and torn down once its
// queue drains.
type Outbox struct {
	intervalFor IntervalFunc
	logger      *slog.Logger

	mu       sync.Mutex
	channels map[string]*channelQueue
	seq      uint64
	closed   bool
}

type channelQueue struct {
	mu      sync.Mutex
	pending []*Op
	wake    chan struct{}
	blocked time.Time // channel is paced/backed-off until this time
}

// New creates an Outbox. intervalFor is consulted before every call on a
// channel; a nil func applies no pacing.
func New(intervalFor IntervalFunc, logger *slog.Logger) *Outbox {
	if intervalFor == nil {
		intervalFor = func(string) time.Duration { return 0 }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Outbox{
		intervalFor: intervalFor,
		logger:      logger,
		channels:    make(map[string]*channelQueue),
	}
}

// Enqueue queues op. If op.Wait (or op.Kind != OpEdit, which always
// blocks), Enqueue returns once the call has completed; otherwise it
// returns immediately and the result is discarded.
func (o *Outbox) Enqueue(ctx context.Context, op *Op) (any, error) {
	blocking := op.Kind != OpEdit || op.Wait
	if blocking {
		op.done = make(chan opResult, 1)
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, context.Canceled
	}
	o.seq++
	op.seq = o.seq
	cq, ok := o.channels[op.ChannelID]
	if !ok {
		cq = &channelQueue{wake: make(chan struct{}, 1)}
		o.channels[op.ChannelID] = cq
		go o.runChannel(op.ChannelID, cq)
	}
	o.mu.Unlock()

	cq.mu.Lock()
	cq.enqueueLocked(op)
	cq.mu.Unlock()
	select {
	case cq.wake <- struct{}{}:
	default:
	}

	if !blocking {
		return nil, nil
	}
	select {
	case res := <-op.done:
		return res.result, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// enqueueLocked applies coalescing and delete-invalidation before appending op.
func (cq *channelQueue) enqueueLocked(op *Op) {
	if op.Kind == OpEdit && op.MessageID != "" {
		for i, existing := range cq.pending {
			if existing.Kind == OpEdit && existing.MessageID == op.MessageID {
				// A strictly more recent edit replaces the queued one; the
				// superseded edit never runs and never wakes a blocked caller.
				cq.pending[i] = op
				return
			}
		}
	}
	if op.Kind == OpDelete && op.MessageID != "" {
		kept := cq.pending[:0]
		for _, existing := range cq.pending {
			if existing.Kind == OpEdit && existing.MessageID == op.MessageID {
				continue
			}
			kept = append(kept, existing)
		}
		cq.pending = kept
	}
	cq.pending = append(cq.pending, op)
}

// popLocked returns the next op to run, in Send > Edit > Delete order,
// FIFO within a kind.
func (cq *channelQueue) popLocked() *Op {
	for _, kind := range []OpKind{OpSend, OpEdit, OpDelete} {
		for i, op := range cq.pending {
			if op.Kind == kind {
				cq.pending = append(cq.pending[:i], cq.pending[i+1:]...)
				return op
			}
		}
	}
	return nil
}

func (o *Outbox) runChannel(channelID string, cq *channelQueue) {
	for {
		cq.mu.Lock()
		op := cq.popLocked()
		cq.mu.Unlock()

		if op == nil {
			// Re-check under the outbox lock: an enqueue racing the empty
			// check above would otherwise be stranded with no worker.
			o.mu.Lock()
			cq.mu.Lock()
			stillEmpty := len(cq.pending) == 0
			cq.mu.Unlock()
			if stillEmpty {
				delete(o.channels, channelID)
				o.mu.Unlock()
				return
			}
			o.mu.Unlock()
			continue
		}

		o.waitForPacing(channelID, cq)
		o.execute(channelID, op)
	}
}

func (o *Outbox) waitForPacing(channelID string, cq *channelQueue) {
	cq.mu.Lock()
	blockedUntil := cq.blocked
	cq.mu.Unlock()
	if d := time.Until(blockedUntil); d > 0 {
		time.Sleep(d)
	}
	if iv := o.intervalFor(channelID); iv > 0 {
		time.Sleep(iv)
	}
}

// execute runs op.Call, retrying indefinitely on a retry-after signal: the
// op is treated as re-queued at the head by retrying in place rather than
// letting other queued ops of lower priority jump ahead.
func (o *Outbox) execute(channelID string, op *Op) {
	ctx := context.Background()
	for {
		result, retryAfter, err := op.Call(ctx)
		if retryAfter > 0 {
			o.logger.Warn("outbox rate limited, backing off",
				"channel", channelID, "kind", op.Kind.String(), "retry_after", retryAfter)
			o.blockChannel(channelID, retryAfter)
			time.Sleep(retryAfter)
			continue
		}
		if err != nil {
			o.logger.Error("outbox call failed",
				"channel", channelID, "kind", op.Kind.String(), "error", err)
		}
		if op.done != nil {
			op.done <- opResult{result: result, err: err}
		}
		return
	}
}

func (o *Outbox) blockChannel(channelID string, d time.Duration) {
	o.mu.Lock()
	cq, ok := o.channels[channelID]
	o.mu.Unlock()
	if !ok {
		return
	}
	cq.mu.Lock()
	until := time.Now().Add(d)
	if until.After(cq.blocked) {
		cq.blocked = until
	}
	cq.mu.Unlock()
}

// Close marks the outbox closed; later Enqueue calls return
// context.Canceled. Callers already blocked in Enqueue keep waiting for
// their op, and in-flight worker goroutines drain their remaining queues
// naturally.
func (o *Outbox) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
}
