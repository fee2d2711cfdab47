// Package driver runs the main message loop: poll the platform, debounce,
// route, and schedule turns, then drive each turn from its initial
// progress message through to a final render.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dohr-michael/ozzie-gateway/internal/debounce"
	"github.com/dohr-michael/ozzie-gateway/internal/engineadapter"
	"github.com/dohr-michael/ozzie-gateway/internal/ids"
	"github.com/dohr-michael/ozzie-gateway/internal/outbox"
	"github.com/dohr-michael/ozzie-gateway/internal/pluginregistry"
	"github.com/dohr-michael/ozzie-gateway/internal/presenter"
	"github.com/dohr-michael/ozzie-gateway/internal/progress"
	"github.com/dohr-michael/ozzie-gateway/internal/router"
	"github.com/dohr-michael/ozzie-gateway/internal/runner"
	"github.com/dohr-michael/ozzie-gateway/internal/runnerevents"
	"github.com/dohr-michael/ozzie-gateway/internal/turnqueue"
	"github.com/dohr-michael/ozzie-gateway/internal/workspace"
)

// ProgressEditEvery is the default cadence for re-rendering an in-flight
// progress message (spec §4.7).
const ProgressEditEvery = 1 * time.Second

// ChatUpdate is one normalized inbound event from a transport plugin.
type ChatUpdate struct {
	ChannelID        string
	ThreadID         string // topic id; empty means the General topic
	MessageID        string
	Text             string
	UserID           string
	ReplyToMessageID string
}

// MessageRef identifies one sent message for later edit/delete.
type MessageRef struct {
	ChannelID string
	ThreadID  string
	MessageID string
}

// RetryAfterError signals a platform rate limit; the outbox retries the
// call after the given delay instead of treating it as a terminal error.
type RetryAfterError struct {
	Delay time.Duration
}

func (e *RetryAfterError) Error() string { return fmt.Sprintf("retry after %s", e.Delay) }

// Transport is the platform-specific half of the loop: polling for
// updates and issuing the raw send/edit/delete primitives the outbox
// paces and sequences.
type Transport interface {
	// Poll blocks for the next update, or returns ok=false on its own
	// internal timeout so the driver can service debounce deadlines.
	Poll(ctx context.Context) (update ChatUpdate, ok bool, err error)
	Send(ctx context.Context, channelID, threadID, text string) (MessageRef, error)
	Edit(ctx context.Context, ref MessageRef, text string) error
	Delete(ctx context.Context, ref MessageRef) error
	IntervalFor(channelID string) time.Duration

	// DefaultChannel is where the startup message and pending-topic
	// creation run (SUPPLEMENTED FEATURES "Startup message",
	// "Pending-topic creation") before any update has told the driver
	// which channel a workspace actually lives in.
	DefaultChannel() string
	// CreateTopic creates a new topic/thread under channelID named name
	// and returns its platform id, completing a folder registered with
	// pendingTopic=true.
	CreateTopic(ctx context.Context, channelID, name string) (topicID string, err error)
}

// Workspace is the subset of workspace configuration the driver needs to
// route and run a turn. internal/workspace provides the concrete
// implementation; it is kept as an interface here so driver logic can be
// tested against a fake.
type Workspace interface {
	Folders() []*router.Folder
	RegisteredEngines() []ids.EngineId
	DefaultEngine() ids.EngineId
	// ResolveCwd returns the directory a turn against folder/branch should
	// run in, materializing a worktree first if branch names something
	// other than the folder's current checkout.
	ResolveCwd(folder *router.Folder, branch string) (string, error)
	OrchestratorPreamble() string
	EditFinalInPlace() bool
	RalphMaxIterations() int
	RalphAlwaysOn() bool
	// EngineConfig returns the opaque per-engine config bag configured for
	// id (workspace.Config.PluginConfigs[id]), or nil if none is set.
	EngineConfig(id ids.EngineId) map[string]any

	// The methods below back the workspace admin slash commands
	// (SUPPLEMENTED FEATURES "Workspace admin slash commands").
	Name() string
	Root() string
	AdminFolders() []*workspace.Folder
	FolderByName(name string) (*workspace.Folder, bool)
	AddFolder(name, path string, pendingTopic bool) error
	RemoveFolder(name string) error

	// The methods below back the startup message and pending-topic
	// creation (SUPPLEMENTED FEATURES "Startup message", "Pending-topic
	// creation").
	StartupMessage(availableEngines, unavailableEngines []ids.EngineId) string
	PendingFolders() []*workspace.Folder
	UpdateFolderTopicID(name, topicID string) error
}

// turnMeta is the routing context a job needs beyond the four fields
// turnqueue.Job carries; correlated by the triggering message's ID since
// turnqueue.Runner only receives the Job itself.
type turnMeta struct {
	channelID string
	threadID  string
	folder    *router.Folder
	branch    string
	engine    ids.EngineId
	preamble  string
}

// Driver wires the debouncer, router, scheduler, outbox, and engine runner
// together into the end-to-end loop described in spec §4.7.
type Driver struct {
	transport Transport
	workspace Workspace
	registry  *pluginregistry.Registry
	logger    *slog.Logger

	outbox    *outbox.Outbox
	scheduler *turnqueue.Scheduler
	debouncer *debounce.Debouncer
	router    *router.Router
	presenter *presenter.Presenter

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // progress message id -> cancel
	meta    map[string]turnMeta           // triggering message id -> routing context
	sent    map[string]string             // sent message id -> rendered text (for reply-context lookup)

	observe func(key string, e runnerevents.Event) // optional; see SetEventObserver
}

// SetEventObserver registers a callback invoked for every runnerevents.Event
// produced during a turn, keyed by channel+topic. Used to fan turns out to
// the admin event bus and the sqlite event history without coupling the
// turn loop itself to either.
func (d *Driver) SetEventObserver(fn func(key string, e runnerevents.Event)) {
	d.observe = fn
}

// New creates a Driver. registry must already have its engines loaded.
func New(transport Transport, workspace Workspace, registry *pluginregistry.Registry, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Driver{
		transport: transport,
		workspace: workspace,
		registry:  registry,
		logger:    logger,
		debouncer: debounce.New(0), // window set by caller via SetDebounceWindow if non-default
		presenter: presenter.New(),
		cancels:   make(map[string]context.CancelFunc),
		meta:      make(map[string]turnMeta),
		sent:      make(map[string]string),
	}
	d.outbox = outbox.New(transport.IntervalFor, logger)
	d.scheduler = turnqueue.New(d.runTurn, logger)
	d.router = router.New(workspace.Folders(), workspace.RalphAlwaysOn())
	return d
}

// SetDebounceWindow overrides the debounce window (defaults to 0 — no
// batching — if never called).
func (d *Driver) SetDebounceWindow(window time.Duration) {
	d.debouncer = debounce.New(window)
}

// backlogDrainWindow bounds how long Run spends discarding updates that
// were already queued on the transport before this process started
// (SUPPLEMENTED FEATURES "Backlog draining"), so messages sent while the
// gateway was down don't replay as a flood of turns once it comes back up.
const backlogDrainWindow = 500 * time.Millisecond

// Run services the main loop until ctx is cancelled. A Ctrl-C style
// shutdown should cancel ctx; Run drains the debouncer and flushes the
// outbox best-effort before returning.
func (d *Driver) Run(ctx context.Context) error {
	d.drainBacklog(ctx)
	d.sendStartupMessage(ctx)
	d.createPendingTopics(ctx)

	for {
		if ctx.Err() != nil {
			d.shutdown()
			return ctx.Err()
		}

		update, ok, err := d.transport.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				d.shutdown()
				return ctx.Err()
			}
			d.logger.Error("platform poll failed", "error", err)
			continue
		}
		if ok {
			d.handleUpdate(ctx, update)
		}
		d.drainExpired(ctx)
	}
}

func (d *Driver) shutdown() {
	for _, b := range d.debouncer.FlushAll() {
		d.logger.Warn("dropping unprocessed batch on shutdown", "topic", b.TopicID, "messages", len(b.MessageIDs))
	}
	d.outbox.Close()
}

// drainBacklog discards whatever updates the transport already has queued,
// within backlogDrainWindow, before the loop starts dispatching anything
// (SUPPLEMENTED FEATURES "Backlog draining").
func (d *Driver) drainBacklog(ctx context.Context) {
	dctx, cancel := context.WithTimeout(ctx, backlogDrainWindow)
	defer cancel()

	dropped := 0
	for {
		_, ok, err := d.transport.Poll(dctx)
		if err != nil || !ok {
			break
		}
		dropped++
	}
	if dropped > 0 {
		d.logger.Info("dropped backlog messages on startup", "count", dropped)
	}
}

// sendStartupMessage posts the one-shot workspace summary to the General
// topic of the transport's default channel (SUPPLEMENTED FEATURES "Startup
// message").
func (d *Driver) sendStartupMessage(ctx context.Context) {
	var available, unavailable []ids.EngineId
	for _, e := range d.workspace.RegisteredEngines() {
		if _, ok := d.registry.Engine(string(e)); ok {
			available = append(available, e)
		} else {
			unavailable = append(unavailable, e)
		}
	}
	msg := d.workspace.StartupMessage(available, unavailable)
	if _, err := d.sendNow(ctx, d.transport.DefaultChannel(), "", msg); err != nil {
		d.logger.Warn("startup message send failed", "error", err)
	}
}

// createPendingTopics completes folders registered by /clone, /create, or
// /add: each still needs a platform topic before it can be routed to
// (SUPPLEMENTED FEATURES "Pending-topic creation").
func (d *Driver) createPendingTopics(ctx context.Context) {
	for _, f := range d.workspace.PendingFolders() {
		topicID, err := d.transport.CreateTopic(ctx, d.transport.DefaultChannel(), f.Name)
		if err != nil {
			d.logger.Warn("pending topic creation failed", "folder", f.Name, "error", err)
			continue
		}
		if err := d.workspace.UpdateFolderTopicID(f.Name, topicID); err != nil {
			d.logger.Warn("recording created topic failed", "folder", f.Name, "error", err)
			continue
		}
		d.logger.Info("pending topic created", "folder", f.Name, "topic_id", topicID)
	}
}

func (d *Driver) drainExpired(ctx context.Context) {
	for _, b := range d.debouncer.CheckExpired() {
		d.dispatchBatch(ctx, b)
	}
}

// topicKey scopes debounce/routing state by channel as well as topic, so
// two channels never share a General-topic batch.
func topicKey(channelID, threadID string) string { return channelID + "\x00" + threadID }

func (d *Driver) handleUpdate(ctx context.Context, u ChatUpdate) {
	key := topicKey(u.ChannelID, u.ThreadID)
	batches := d.debouncer.AddMessage(key, debounce.PendingMessage{
		MessageID: u.MessageID,
		Text:      u.Text,
		ReplyTo:   u.ReplyToMessageID,
	})

	for _, b := range batches {
		d.dispatchBatch(ctx, b)
	}
}

func (d *Driver) dispatchBatch(ctx context.Context, b debounce.Batch) {
	channelID, threadID := splitTopicKey(b.TopicID)

	if cmd, _ := router.ParseSlashCommand(b.CombinedText); cmd == "cancel" {
		d.cancelTurn(b.FirstReplyTo)
		return
	}

	replyText := d.replyTextFor(b.FirstReplyTo)
	route := d.router.Route(threadID, b.CombinedText, replyText)

	if route.IsUnboundTopic {
		d.replyError(ctx, channelID, threadID, "this topic isn't bound to a folder")
		return
	}

	if route.IsSlashCommand {
		if d.dispatchCommand(ctx, channelID, threadID, route) {
			return
		}
	}

	if d.router.ShouldUseRalph(route) {
		d.runRalphLoop(ctx, channelID, threadID, route, b.LastMessageID)
		return
	}

	d.buildAndEnqueue(channelID, threadID, route, replyText, b.LastMessageID)
}

func splitTopicKey(key string) (channelID, threadID string) {
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

// dispatchCommand runs an in-process command backend for a General-topic
// slash command. Returns false if the command isn't a known in-process
// handler, so the caller falls through to the normal engine path.
func (d *Driver) dispatchCommand(ctx context.Context, channelID, threadID string, route router.Route) bool {
	if !route.IsGeneral {
		return false
	}
	if router.IsGeneralSlashCommand(route) {
		reply := d.handleAdminCommand(route)
		_, _ = d.sendNow(ctx, channelID, threadID, reply)
		return true
	}
	backend, ok := d.registry.Command(route.Command)
	if !ok {
		return false
	}
	reply, err := backend.Handle(ctx, route.CommandArgs)
	if err != nil {
		reply = "command failed: " + err.Error()
	}
	_, _ = d.sendNow(ctx, channelID, threadID, reply)
	return true
}

func (d *Driver) replyError(ctx context.Context, channelID, threadID, message string) {
	_, _ = d.sendNow(ctx, channelID, threadID, "⚠ "+message)
}

func (d *Driver) replyTextFor(messageID string) string {
	if messageID == "" {
		return ""
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sent[messageID]
}

func (d *Driver) cancelTurn(progressMessageID string) {
	d.mu.Lock()
	cancel, ok := d.cancels[progressMessageID]
	d.mu.Unlock()
	if ok {
		cancel()
	}
}

// buildAndEnqueue resolves the engine/cwd for a routed message and hands
// it to the scheduler.
func (d *Driver) buildAndEnqueue(channelID, threadID string, route router.Route, replyText, triggerMessageID string) {
	engines := d.workspace.RegisteredEngines()

	var commandEngine ids.EngineId
	if route.IsSlashCommand && !router.IsGeneralSlashCommand(route) {
		commandEngine = ids.EngineId(route.Command)
	}
	directiveEngine := route.EngineDirective
	resume, haveResume := router.ResolveResume(engines, route.PromptText, replyText)

	var expected *runnerevents.ResumeToken
	if haveResume {
		expected = &resume
	}
	engine := router.ResolveEngine(expected, commandEngine, directiveEngine, d.workspace.DefaultEngine())

	prompt := router.StripResumeLines(route.PromptText)
	preamble := ""
	if route.IsGeneral && !haveResume {
		preamble = d.workspace.OrchestratorPreamble()
	}

	resumeValue := ""
	if haveResume {
		resumeValue = resume.Value
	}

	d.mu.Lock()
	d.meta[triggerMessageID] = turnMeta{
		channelID: channelID,
		threadID:  threadID,
		folder:    route.Folder,
		branch:    route.Branch,
		engine:    engine,
		preamble:  preamble,
	}
	d.mu.Unlock()

	d.scheduler.Enqueue(turnqueue.ThreadKey(engine, resumeValue), turnqueue.Job{
		ChannelID:     channelID,
		UserMessageID: triggerMessageID,
		Text:          prompt,
		Resume:        resumeValue,
	})
}

// runTurn is the turnqueue.Runner: it owns one engine invocation end to
// end, per spec §4.7 step 4.
func (d *Driver) runTurn(ctx context.Context, job turnqueue.Job) {
	d.mu.Lock()
	meta, ok := d.meta[job.UserMessageID]
	delete(d.meta, job.UserMessageID)
	d.mu.Unlock()
	if !ok {
		d.logger.Error("turnqueue job missing routing metadata", "message_id", job.UserMessageID)
		return
	}

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	adapter, ok := d.registry.Engine(string(meta.engine))
	if !ok {
		d.replyError(turnCtx, meta.channelID, meta.threadID, fmt.Sprintf("engine %s unavailable: not found on PATH", meta.engine))
		return
	}

	cwd := ""
	if meta.folder != nil {
		var err error
		cwd, err = d.workspace.ResolveCwd(meta.folder, meta.branch)
		if err != nil {
			d.replyError(turnCtx, meta.channelID, meta.threadID, "failed to prepare working directory: "+err.Error())
			return
		}
	}

	engineRunner, err := adapter.BuildRunner(d.workspace.EngineConfig(meta.engine), cwd)
	if err != nil {
		d.replyError(turnCtx, meta.channelID, meta.threadID, fmt.Sprintf("engine %s unavailable: %v", meta.engine, err))
		return
	}

	var expected *runnerevents.ResumeToken
	if job.Resume != "" {
		expected = &runnerevents.ResumeToken{Engine: meta.engine, Value: job.Resume}
	}

	prompt := router.StripResumeLines(job.Text)
	if meta.preamble != "" {
		prompt = meta.preamble + "\n\n" + prompt
	}

	folderName := ""
	if meta.folder != nil {
		folderName = meta.folder.Name
	}
	rc := presenter.RunContext{Folder: folderName, Branch: meta.branch}

	progressRef, err := d.sendNow(turnCtx, meta.channelID, meta.threadID, "Working… (0s)")
	if err != nil {
		d.logger.Error("failed to send initial progress message", "error", err)
		return
	}
	d.mu.Lock()
	d.cancels[progressRef.MessageID] = cancel
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.cancels, progressRef.MessageID)
		d.mu.Unlock()
	}()

	tracker := progress.New(meta.engine)
	start := time.Now()

	editDone := make(chan struct{})
	stopEdit := make(chan struct{})
	go d.progressEditLoop(turnCtx, tracker, rc, engineRunner, start, progressRef, stopEdit, editDone)

	var answer string
	var answerOK bool
	var noted bool
	doneCh := make(chan struct{})

	onEvent := func(e runnerevents.Event) {
		tracker.Note(e)
		if d.observe != nil {
			d.observe(topicKey(meta.channelID, meta.threadID), e)
		}
		if e.Started != nil && e.Started.Resume != nil && !noted {
			noted = true
			d.scheduler.NoteThreadKnown(turnqueue.ThreadKey(meta.engine, e.Started.Resume.Value), doneCh)
		}
		if e.Completed != nil {
			answer = e.Completed.Answer
			answerOK = e.Completed.OK
			if !answerOK && e.Completed.Error != "" {
				answer = e.Completed.Error
			}
		}
	}

	rd := runner.New(engineRunner, d.logger)
	runErr := rd.Run(turnCtx, prompt, expected, onEvent)

	close(stopEdit)
	<-editDone
	close(doneCh)

	status := "Done"
	switch {
	case errors.Is(turnCtx.Err(), context.Canceled):
		status = "Cancelled"
	case runErr != nil:
		status = "Failed"
		if answer == "" {
			answer = runErr.Error()
		}
	case !answerOK:
		status = "Failed"
	}

	elapsed := time.Since(start).Seconds()
	snap := tracker.Snapshot(engineRunner.FormatResume)
	final := d.presenter.RenderFinal(snap, rc, elapsed, status, answer)
	d.deliverFinal(ctx, meta.channelID, meta.threadID, progressRef, final)
}

func (d *Driver) progressEditLoop(ctx context.Context, tracker *progress.Tracker, rc presenter.RunContext, engineRunner engineadapter.Runner, start time.Time, ref MessageRef, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(ProgressEditEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := tracker.Snapshot(engineRunner.FormatResume)
			msg := d.presenter.RenderProgress(snap, rc, time.Since(start).Seconds(), "Working")
			text := renderText(msg)
			_, _ = d.outbox.Enqueue(ctx, &outbox.Op{
				Kind:      outbox.OpEdit,
				ChannelID: ref.ChannelID,
				MessageID: ref.MessageID,
				Wait:      false,
				Call:      d.editCaller(ref, text),
			})
		}
	}
}

// deliverFinal edits the progress message in place, or sends a new final
// message and deletes the progress one, per workspace configuration.
func (d *Driver) deliverFinal(ctx context.Context, channelID, threadID string, progressRef MessageRef, final presenter.Message) {
	text := renderText(final)
	if d.workspace.EditFinalInPlace() {
		_, err := d.outbox.Enqueue(ctx, &outbox.Op{
			Kind:      outbox.OpEdit,
			ChannelID: progressRef.ChannelID,
			MessageID: progressRef.MessageID,
			Wait:      true,
			Call:      d.editCaller(progressRef, text),
		})
		if err != nil {
			d.logger.Error("failed to deliver final message", "error", err)
			return
		}
		d.rememberSent(progressRef.MessageID, text)
		return
	}

	ref, err := d.sendNow(ctx, channelID, threadID, text)
	if err != nil {
		d.logger.Error("failed to send final message", "error", err)
		return
	}
	d.rememberSent(ref.MessageID, text)

	_, _ = d.outbox.Enqueue(ctx, &outbox.Op{
		Kind:      outbox.OpDelete,
		ChannelID: progressRef.ChannelID,
		MessageID: progressRef.MessageID,
		Call: func(ctx context.Context) (any, time.Duration, error) {
			return nil, 0, d.transport.Delete(ctx, progressRef)
		},
	})
}

func renderText(m presenter.Message) string {
	out := m.Header
	if m.Body != "" {
		out += "\n" + m.Body
	}
	if m.Footer != "" {
		out += "\n" + m.Footer
	}
	return out
}

func (d *Driver) rememberSent(messageID, text string) {
	d.mu.Lock()
	d.sent[messageID] = text
	d.mu.Unlock()
}

func (d *Driver) sendNow(ctx context.Context, channelID, threadID, text string) (MessageRef, error) {
	result, err := d.outbox.Enqueue(ctx, &outbox.Op{
		Kind:      outbox.OpSend,
		ChannelID: channelID,
		Wait:      true,
		Call: func(ctx context.Context) (any, time.Duration, error) {
			ref, err := d.transport.Send(ctx, channelID, threadID, text)
			var ra *RetryAfterError
			if errors.As(err, &ra) {
				return nil, ra.Delay, nil
			}
			return ref, 0, err
		},
	})
	if err != nil {
		return MessageRef{}, err
	}
	ref, _ := result.(MessageRef)
	d.rememberSent(ref.MessageID, text)
	return ref, nil
}

func (d *Driver) editCaller(ref MessageRef, text string) outbox.Caller {
	return func(ctx context.Context) (any, time.Duration, error) {
		err := d.transport.Edit(ctx, ref, text)
		var ra *RetryAfterError
		if errors.As(err, &ra) {
			return nil, ra.Delay, nil
		}
		return nil, 0, err
	}
}

// runRalphLoop drives a bounded, self-continuing run confined to one
// folder (spec §4.7, GLOSSARY "Ralph loop"). Each iteration resumes the
// previous one; the loop stops on the iteration cap, a failed iteration,
// or cancellation. It runs the engine directly rather than through the
// scheduler: a ralph run already is the single in-flight turn for its
// session, and internal/runner's per-(engine,resume) lock still prevents
// it from overlapping a regular turn that resolves to the same session.
func (d *Driver) runRalphLoop(ctx context.Context, channelID, threadID string, route router.Route, triggerMessageID string) {
	var commandEngine ids.EngineId
	if route.IsSlashCommand && !router.IsGeneralSlashCommand(route) {
		commandEngine = ids.EngineId(route.Command)
	}
	engine := router.ResolveEngine(nil, commandEngine, route.EngineDirective, d.workspace.DefaultEngine())

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	adapter, ok := d.registry.Engine(string(engine))
	if !ok {
		d.replyError(turnCtx, channelID, threadID, fmt.Sprintf("engine %s unavailable: not found on PATH", engine))
		return
	}

	cwd := ""
	if route.Folder != nil {
		var err error
		cwd, err = d.workspace.ResolveCwd(route.Folder, route.Branch)
		if err != nil {
			d.replyError(turnCtx, channelID, threadID, "failed to prepare working directory: "+err.Error())
			return
		}
	}
	engineRunner, err := adapter.BuildRunner(d.workspace.EngineConfig(engine), cwd)
	if err != nil {
		d.replyError(turnCtx, channelID, threadID, fmt.Sprintf("engine %s unavailable: %v", engine, err))
		return
	}

	folderName := ""
	if route.Folder != nil {
		folderName = route.Folder.Name
	}
	rc := presenter.RunContext{Folder: folderName, Branch: route.Branch}

	progressRef, err := d.sendNow(turnCtx, channelID, threadID, "Ralph loop starting… (0s)")
	if err != nil {
		d.logger.Error("failed to send initial ralph progress message", "error", err)
		return
	}
	d.mu.Lock()
	d.cancels[progressRef.MessageID] = cancel
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.cancels, progressRef.MessageID)
		d.mu.Unlock()
	}()

	rd := runner.New(engineRunner, d.logger)
	start := time.Now()
	max := d.workspace.RalphMaxIterations()

	var resume *runnerevents.ResumeToken
	var tracker *progress.Tracker
	var answer string
	var answerOK bool
	var iterErr error
	prompt := router.StripResumeLines(route.PromptText)

	for i := 0; max <= 0 || i < max; i++ {
		tracker = progress.New(engine)
		answer, answerOK = "", false

		onEvent := func(e runnerevents.Event) {
			tracker.Note(e)
			if d.observe != nil {
				d.observe(topicKey(channelID, threadID), e)
			}
			if e.Started != nil && e.Started.Resume != nil {
				resume = e.Started.Resume
			}
			if e.Completed != nil {
				answer = e.Completed.Answer
				answerOK = e.Completed.OK
				if !answerOK && e.Completed.Error != "" {
					answer = e.Completed.Error
				}
			}
		}

		iterErr = rd.Run(turnCtx, prompt, resume, onEvent)

		snap := tracker.Snapshot(engineRunner.FormatResume)
		elapsed := time.Since(start).Seconds()
		progressMsg := d.presenter.RenderProgress(snap, rc, elapsed, fmt.Sprintf("Ralph iteration %d", i+1))
		_, _ = d.outbox.Enqueue(turnCtx, &outbox.Op{
			Kind:      outbox.OpEdit,
			ChannelID: progressRef.ChannelID,
			MessageID: progressRef.MessageID,
			Wait:      false,
			Call:      d.editCaller(progressRef, renderText(progressMsg)),
		})

		if turnCtx.Err() != nil || iterErr != nil || !answerOK {
			break
		}
		prompt = "continue"
	}

	status := "Done"
	switch {
	case errors.Is(turnCtx.Err(), context.Canceled):
		status = "Cancelled"
	case iterErr != nil || !answerOK:
		status = "Failed"
		if answer == "" && iterErr != nil {
			answer = iterErr.Error()
		}
	}

	elapsed := time.Since(start).Seconds()
	var snap progress.State
	if tracker != nil {
		snap = tracker.Snapshot(engineRunner.FormatResume)
	}
	final := d.presenter.RenderFinal(snap, rc, elapsed, status, answer)
	d.deliverFinal(ctx, channelID, threadID, progressRef, final)
}
