// Package runnerevents defines the normalized event algebra emitted by a
// runner as it drives an engine subprocess, and the resume-token codec used
// to make sessions continuable across turns.
package runnerevents

import "github.com/dohr-michael/ozzie-gateway/internal/ids"

// ActionKind classifies a step an engine reports during a turn.
type ActionKind string

const (
	ActionTool       ActionKind = "tool"
	ActionCommand    ActionKind = "command"
	ActionFileChange ActionKind = "file_change"
	ActionWebSearch  ActionKind = "web_search"
	ActionTurn       ActionKind = "turn"
	ActionWarning    ActionKind = "warning"
	ActionTodo       ActionKind = "todo"
)

// Action is one step the engine reports within a turn.
type Action struct {
	ID     string
	Kind   ActionKind
	Title  string
	Detail map[string]any
}

// Phase describes where an action stands relative to its lifecycle.
type Phase string

const (
	PhaseStarted   Phase = "started"
	PhaseUpdated   Phase = "updated"
	PhaseCompleted Phase = "completed"
)

// ResumeToken opaquely identifies a continuable engine session. Value is
// engine-defined (a UUID, a thread ID, a log-file path); the core never
// interprets it. Equality is structural.
type ResumeToken struct {
	Engine ids.EngineId
	Value  string
}

// Usage reports token accounting for a completed turn, when the engine
// reports it.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Event is the tagged union the runner emits for one subprocess turn.
// Exactly one field is non-nil per value produced by New*.
type Event struct {
	Started   *StartedEvent
	Action    *ActionEvent
	Completed *CompletedEvent
}

// StartedEvent is emitted once per run, before any Completed, when the
// engine has begun and (usually) allocated a session.
type StartedEvent struct {
	Engine ids.EngineId
	Resume *ResumeToken
	Title  string
	Meta   map[string]any
}

// ActionEvent reports the lifecycle of one Action.
type ActionEvent struct {
	Engine  ids.EngineId
	Action  Action
	Phase   Phase
	OK      *bool
	Message string
	Level   string // "" (normal), "warning"
}

// CompletedEvent terminates the event stream for a run.
type CompletedEvent struct {
	Engine ids.EngineId
	OK     bool
	Answer string
	Resume *ResumeToken
	Error  string
	Usage  *Usage
}

// NewStarted builds an Event wrapping a StartedEvent.
func NewStarted(e StartedEvent) Event { return Event{Started: &e} }

// NewAction builds an Event wrapping an ActionEvent.
func NewAction(e ActionEvent) Event { return Event{Action: &e} }

// NewCompleted builds an Event wrapping a CompletedEvent.
func NewCompleted(e CompletedEvent) Event { return Event{Completed: &e} }
