// Package runner drives one engine subprocess invocation: spawn, stream
// stdout line-by-line as JSON translated into events, drain stderr, and
// enforce single-flight-per-session and cancellation semantics.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/dohr-michael/ozzie-gateway/internal/engineadapter"
	"github.com/dohr-michael/ozzie-gateway/internal/ids"
	"github.com/dohr-michael/ozzie-gateway/internal/runnerevents"
)

// KillGrace is how long a cancelled subprocess is given to exit after
// SIGTERM before it's hard-killed.
const KillGrace = 5 * time.Second

// ErrSessionDrift is returned when a second, different Started event
// arrives mid-run, or a run's first Started names a session other than
// the one the caller expected to resume.
var ErrSessionDrift = errors.New("runner: session drift")

// sessionLocks serializes concurrent runs against the same (engine,
// resume.value) pair. Runs with no resume token never serialize against
// each other — the scheduler handles pre-resume coordination instead.
var sessionLocks sync.Map // map[string]*sync.Mutex

func lockFor(engine ids.EngineId, resumeValue string) *sync.Mutex {
	key := string(engine) + "\x00" + resumeValue
	mu, _ := sessionLocks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Driver runs one engineadapter.Runner invocation end to end.
type Driver struct {
	runner engineadapter.Runner
	logger *slog.Logger
}

// New creates a Driver for r.
func New(r engineadapter.Runner, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{runner: r, logger: logger}
}

// Run spawns the subprocess and streams its output into events, calling
// onEvent for each one as it's produced. expectedResume, if non-nil, is
// the session this run must continue; a Started naming a different
// session fails the run with ErrSessionDrift.
//
// Run blocks until the subprocess exits (or ctx is cancelled) and returns
// the terminal error, if any; a Completed{ok:false} event is always
// delivered via onEvent before Run returns on any failure path, so
// callers never need to synthesize their own failure message.
func (d *Driver) Run(ctx context.Context, prompt string, expectedResume *runnerevents.ResumeToken, onEvent func(runnerevents.Event)) error {
	state := d.runner.NewState(prompt, expectedResume)

	if expectedResume != nil {
		mu := lockFor(d.runner.Engine(), expectedResume.Value)
		mu.Lock()
		defer mu.Unlock()
	}

	args := d.runner.BuildArgs(prompt, expectedResume, state)
	cmd := exec.CommandContext(ctx, d.runner.Command(), args...)
	// On cancellation, SIGTERM first and give the engine KillGrace to exit
	// cleanly; os/exec escalates to SIGKILL itself once WaitDelay elapses.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = KillGrace
	if env := d.runner.Env(state); len(env) > 0 {
		for k, v := range env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return d.fail(onEvent, "failed to open stdin: "+err.Error())
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return d.fail(onEvent, "failed to open stdout: "+err.Error())
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return d.fail(onEvent, "failed to open stderr: "+err.Error())
	}

	if err := cmd.Start(); err != nil {
		return d.fail(onEvent, "failed to start engine: "+err.Error())
	}

	payload := d.runner.StdinPayload(prompt, expectedResume, state)
	go func() {
		defer stdin.Close()
		_, _ = stdin.Write(payload)
	}()

	var stderrWg sync.WaitGroup
	stderrWg.Add(1)
	go d.drainStderr(stderr, &stderrWg)

	var foundSession *runnerevents.ResumeToken
	var completed bool
	driftErr := d.streamStdout(stdout, state, expectedResume, &foundSession, &completed, onEvent)

	waitErr := cmd.Wait()
	stderrWg.Wait()

	if driftErr != nil {
		onEvent(runnerevents.NewCompleted(runnerevents.CompletedEvent{
			Engine: d.runner.Engine(), OK: false, Error: driftErr.Error(),
		}))
		return driftErr
	}

	if ctx.Err() != nil {
		onEvent(runnerevents.NewCompleted(runnerevents.CompletedEvent{
			Engine: d.runner.Engine(), OK: false, Error: "cancelled",
		}))
		return ctx.Err()
	}

	if !completed {
		reason := "finished without a result"
		if waitErr != nil {
			onEvent(runnerevents.NewAction(runnerevents.ActionEvent{
				Engine:  d.runner.Engine(),
				Action:  runnerevents.Action{ID: "exit", Kind: runnerevents.ActionWarning, Title: "engine exited with an error"},
				Phase:   runnerevents.PhaseCompleted,
				OK:      boolPtr(false),
				Message: waitErr.Error(),
			}))
			reason = waitErr.Error()
		}
		onEvent(runnerevents.NewCompleted(runnerevents.CompletedEvent{
			Engine: d.runner.Engine(), OK: false, Error: reason,
		}))
	}

	return waitErr
}

func (d *Driver) fail(onEvent func(runnerevents.Event), message string) error {
	err := errors.New(message)
	onEvent(runnerevents.NewCompleted(runnerevents.CompletedEvent{
		Engine: d.runner.Engine(), OK: false, Error: message,
	}))
	return err
}

// streamStdout reads one JSON object per line, translating each into
// events. Invalid lines produce a warning action instead of failing the
// run. Returns a non-nil error on session drift or when Translate fails.
func (d *Driver) streamStdout(stdout io.Reader, state engineadapter.State, expectedResume *runnerevents.ResumeToken, foundSession **runnerevents.ResumeToken, completed *bool, onEvent func(runnerevents.Event)) error {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var decoded map[string]any
		if err := json.Unmarshal(line, &decoded); err != nil {
			onEvent(runnerevents.NewAction(runnerevents.ActionEvent{
				Engine:  d.runner.Engine(),
				Action:  runnerevents.Action{ID: "parse-error", Kind: runnerevents.ActionWarning, Title: "unparseable engine output"},
				Phase:   runnerevents.PhaseCompleted,
				OK:      boolPtr(false),
				Message: string(line),
			}))
			continue
		}

		events, err := d.runner.Translate(decoded, state, expectedResume, *foundSession)
		if err != nil {
			return err
		}

		for _, e := range events {
			if e.Started != nil {
				if drift := d.reconcileSession(e.Started, expectedResume, foundSession); drift != nil {
					return drift
				}
			}
			if e.Completed != nil {
				*completed = true
			}
			onEvent(e)
		}
	}
	return nil
}

// reconcileSession applies the Started-handling rules: the first Started
// is recorded, duplicates for the same session are suppressed by the
// caller (not here — the event is still delivered so a driver can ignore
// it), and a Started for a different session than expected or already
// found is session drift.
func (d *Driver) reconcileSession(started *runnerevents.StartedEvent, expectedResume *runnerevents.ResumeToken, foundSession **runnerevents.ResumeToken) error {
	if started.Resume == nil {
		return nil
	}
	if expectedResume != nil && started.Resume.Value != expectedResume.Value {
		return ErrSessionDrift
	}
	if *foundSession != nil && (*foundSession).Value != started.Resume.Value {
		return ErrSessionDrift
	}
	if *foundSession == nil {
		*foundSession = started.Resume
	}
	return nil
}

func (d *Driver) drainStderr(stderr io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		d.logger.Info("engine stderr", "engine", d.runner.Engine(), "line", scanner.Text())
	}
}

func boolPtr(b bool) *bool { return &b }
