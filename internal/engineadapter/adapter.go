// Package engineadapter defines the plugin contract an engine backend
// implements: build a Runner for a configured engine, and the Runner
// itself translates one engine's subprocess protocol into the common
// event algebra.
package engineadapter

import (
	"github.com/dohr-michael/ozzie-gateway/internal/ids"
	"github.com/dohr-michael/ozzie-gateway/internal/runnerevents"
)

// State is opaque per-run state a Runner threads through its own calls
// (e.g. a session directory, a temp file path). The runner subprocess
// driver never inspects it.
type State any

// Adapter is what an engine plugin exports. BuildRunner is called once per
// configured engine instance (a workspace may configure the same backend
// under two different engine ids with different configs).
type Adapter interface {
	ID() ids.EngineId
	BuildRunner(engineConfig map[string]any, configPath string) (Runner, error)
	CLICmd() string // empty if the backend has no companion CLI
	InstallCmd() string
}

// Runner is one configured engine's subprocess contract.
type Runner interface {
	Engine() ids.EngineId

	// FormatResume renders a resume token as this engine's own footer
	// signature. Engines without a native signature use
	// runnerevents.FormatResume.
	FormatResume(token runnerevents.ResumeToken) string
	// ExtractResume recognizes this engine's resume signature within text.
	ExtractResume(text string) (runnerevents.ResumeToken, bool)
	IsResumeLine(line string) bool

	// Command is the executable name to spawn.
	Command() string
	// BuildArgs builds the argv (excluding argv[0]) for one run.
	BuildArgs(prompt string, resume *runnerevents.ResumeToken, state State) []string
	// StdinPayload builds the bytes written to the subprocess's stdin.
	StdinPayload(prompt string, resume *runnerevents.ResumeToken, state State) []byte
	// Env returns additional environment variables for the subprocess, or
	// nil if none are needed beyond the ambient environment.
	Env(state State) map[string]string

	// Translate converts one decoded JSON line into zero or more events.
	// expectedResume, if non-nil, is the session the caller expects this
	// run to continue; foundSession, if non-nil, is the session already
	// observed earlier in this run (set by the runner wrapper, not the
	// Runner itself, once the first Started event is seen).
	Translate(decoded map[string]any, state State, expectedResume, foundSession *runnerevents.ResumeToken) ([]runnerevents.Event, error)

	// NewState constructs the per-run State for one invocation.
	NewState(prompt string, resume *runnerevents.ResumeToken) State
}
