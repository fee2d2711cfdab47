// Package turnqueue schedules engine turns per thread key, guaranteeing
// within-key FIFO and cross-key parallelism, with a busy-gate that holds a
// key's queue while an external "already running" signal is registered.
package turnqueue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/dohr-michael/ozzie-gateway/internal/ids"
)

// Job carries the inputs needed to run one turn.
type Job struct {
	ChannelID     string
	UserMessageID string
	Text          string
	Resume        string // resume token value, empty if this is a fresh thread
}

// ThreadKey returns the scheduling key for a job: engine + ":" + resume
// value. Two jobs with the same key never run concurrently.
func ThreadKey(engine ids.EngineId, resumeValue string) string {
	return string(engine) + ":" + resumeValue
}

// Runner executes one job. Returning leaves the worker free to pop the
// next queued job for the same key.
type Runner func(ctx context.Context, job Job)

// Scheduler guarantees within-key FIFO, cross-key parallelism, and a
// busy-gate per key.
type Scheduler struct {
	run    Runner
	logger *slog.Logger

	mu   sync.Mutex
	keys map[string]*keyState
}

type keyState struct {
	mu      sync.Mutex
	pending []Job
	wake    chan struct{}
	gated   bool // true while an external busy signal holds this key
}

// New creates a Scheduler that invokes run for each job it dequeues.
func New(run Runner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		run:    run,
		logger: logger,
		keys:   make(map[string]*keyState),
	}
}

// Enqueue appends job to its key's queue, starting a worker if the key has
// none. Jobs queued while the key is gated wait until NoteThreadKnown
// clears the gate or the gate was never set.
func (s *Scheduler) Enqueue(key string, job Job) {
	s.mu.Lock()
	ks, ok := s.keys[key]
	if !ok {
		ks = &keyState{wake: make(chan struct{}, 1)}
		s.keys[key] = ks
		go s.runKey(key, ks)
	}
	s.mu.Unlock()

	ks.mu.Lock()
	ks.pending = append(ks.pending, job)
	ks.mu.Unlock()
	select {
	case ks.wake <- struct{}{}:
	default:
	}
}

// NoteThreadKnown sets the busy-gate for key. A job is learned to belong
// to key mid-run — the first turn of a conversation has no resume token at
// enqueue time — so the driver calls this once the engine's Started event
// reveals the real key.
//
// doneCh, if non-nil, is closed by the caller when the run finishes;
// NoteThreadKnown spawns a goroutine that clears the gate when doneCh
// closes. With a nil doneCh the gate stays set.
func (s *Scheduler) NoteThreadKnown(key string, doneCh <-chan struct{}) {
	s.mu.Lock()
	ks, ok := s.keys[key]
	if !ok {
		ks = &keyState{wake: make(chan struct{}, 1)}
		s.keys[key] = ks
		go s.runKey(key, ks)
	}
	s.mu.Unlock()

	ks.mu.Lock()
	ks.gated = true
	ks.mu.Unlock()

	if doneCh != nil {
		go func() {
			<-doneCh
			ks.mu.Lock()
			ks.gated = false
			ks.mu.Unlock()
			select {
			case ks.wake <- struct{}{}:
			default:
			}
		}()
	}
}

func (s *Scheduler) runKey(key string, ks *keyState) {
	for {
		ks.mu.Lock()
		if ks.gated || len(ks.pending) == 0 {
			empty := len(ks.pending) == 0
			ks.mu.Unlock()
			if empty && !ks.gated {
				if s.tryRetire(key, ks) {
					return
				}
				continue
			}
			<-ks.wake
			continue
		}
		job := ks.pending[0]
		ks.pending = ks.pending[1:]
		ks.mu.Unlock()

		s.runOne(key, job)
	}
}

func (s *Scheduler) runOne(key string, job Job) {
	defer func() {
		if r := recover(); r != nil {
			// A job failure does not poison its queue; only a panic in the
			// scheduler's own bookkeeping is fatal, never the job body.
			s.logger.Error("turnqueue job panicked", "key", key, "panic", r)
		}
	}()
	s.run(context.Background(), job)
}

// tryRetire removes an idle, empty, ungated key's worker. Returns true if
// the worker should exit.
func (s *Scheduler) tryRetire(key string, ks *keyState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if len(ks.pending) != 0 || ks.gated {
		return false
	}
	delete(s.keys, key)
	return true
}
