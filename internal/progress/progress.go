// Package progress reduces a runner's event stream into immutable
// snapshots consumed by the presenter.
package progress

import (
	"sort"

	"github.com/dohr-michael/ozzie-gateway/internal/ids"
	"github.com/dohr-michael/ozzie-gateway/internal/runnerevents"
)

// ActionState is the tracker's internal view of one action, reconciled
// across however many ActionEvents it has seen.
type ActionState struct {
	Action        runnerevents.Action
	Phase         runnerevents.Phase
	OK            *bool
	DisplayPhase  runnerevents.Phase
	Completed     bool
	FirstSeenSeq  int
	LastUpdateSeq int
}

// State is an immutable snapshot produced on demand by the Tracker.
type State struct {
	Engine      ids.EngineId
	ActionCount int
	Actions     []ActionState // ordered by FirstSeenSeq
	Resume      *runnerevents.ResumeToken
	ResumeLine  string
}

// Tracker consumes events in order and reduces them into State snapshots.
// Owned by one turn; discarded at turn end.
type Tracker struct {
	engine      ids.EngineId
	resume      *runnerevents.ResumeToken
	actions     map[string]ActionState
	actionCount int
	seq         int
}

// New creates a Tracker for one turn against engine.
func New(engine ids.EngineId) *Tracker {
	return &Tracker{
		engine:  engine,
		actions: make(map[string]ActionState),
	}
}

// Note processes one event and updates internal state. Returns true if the
// event changed observable state (used by callers deciding whether a
// progress edit is worth sending).
func (t *Tracker) Note(e runnerevents.Event) bool {
	switch {
	case e.Started != nil:
		t.resume = e.Started.Resume
		return true
	case e.Action != nil:
		return t.noteAction(*e.Action)
	default:
		return false
	}
}

func (t *Tracker) noteAction(e runnerevents.ActionEvent) bool {
	if e.Action.Kind == runnerevents.ActionTurn {
		return false
	}
	id := e.Action.ID
	if id == "" {
		return false
	}

	completed := e.Phase == runnerevents.PhaseCompleted
	existing, hadExisting := t.actions[id]
	hasOpen := hadExisting && !existing.Completed
	isUpdate := e.Phase == runnerevents.PhaseUpdated || (e.Phase == runnerevents.PhaseStarted && hasOpen)

	displayPhase := e.Phase
	if isUpdate && !completed {
		displayPhase = runnerevents.PhaseUpdated
	}

	t.seq++
	seq := t.seq

	firstSeen := seq
	if hadExisting {
		firstSeen = existing.FirstSeenSeq
	} else {
		t.countNew()
	}

	t.actions[id] = ActionState{
		Action:        e.Action,
		Phase:         e.Phase,
		OK:            e.OK,
		DisplayPhase:  displayPhase,
		Completed:     completed,
		FirstSeenSeq:  firstSeen,
		LastUpdateSeq: seq,
	}
	return true
}

func (t *Tracker) countNew() {
	t.actionCount++
}

// SetResume records an externally-resolved resume token (e.g. from a
// Completed event), taking precedence only when non-nil.
func (t *Tracker) SetResume(tok *runnerevents.ResumeToken) {
	if tok != nil {
		t.resume = tok
	}
}

// Snapshot produces an immutable State. resumeFormatter, if non-nil, is
// used to pre-format the resume line for the presenter.
func (t *Tracker) Snapshot(resumeFormatter func(runnerevents.ResumeToken) string) State {
	actions := make([]ActionState, 0, len(t.actions))
	for _, a := range t.actions {
		actions = append(actions, a)
	}
	sort.Slice(actions, func(i, j int) bool {
		return actions[i].FirstSeenSeq < actions[j].FirstSeenSeq
	})

	var resumeLine string
	if t.resume != nil && resumeFormatter != nil {
		resumeLine = resumeFormatter(*t.resume)
	}

	return State{
		Engine:      t.engine,
		ActionCount: t.actionCount,
		Actions:     actions,
		Resume:      t.resume,
		ResumeLine:  resumeLine,
	}
}
