package commands

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dohr-michael/ozzie-gateway/internal/driver"
	"github.com/dohr-michael/ozzie-gateway/internal/eventlog"
	"github.com/dohr-michael/ozzie-gateway/internal/gateway"
	"github.com/dohr-michael/ozzie-gateway/internal/pluginregistry"
	"github.com/dohr-michael/ozzie-gateway/internal/runnerevents"
	"github.com/dohr-michael/ozzie-gateway/internal/sessions"
	"github.com/dohr-michael/ozzie-gateway/internal/workspace"
)

// cliTransportBackend is the built-in "cli" transport: it bridges the
// driver's message loop to the process's own stdin/stdout, for running a
// workspace locally without a real chat platform.
type cliTransportBackend struct {
	ws           *workspace.Workspace
	registry     *pluginregistry.Registry
	bus          *gateway.Bus
	evLog        *eventlog.Log
	sessionStore sessions.Store
	logger       *slog.Logger
}

func newCLITransportBackend(
	ws *workspace.Workspace,
	registry *pluginregistry.Registry,
	bus *gateway.Bus,
	evLog *eventlog.Log,
	sessionStore sessions.Store,
	logger *slog.Logger,
) *cliTransportBackend {
	return &cliTransportBackend{
		ws:           ws,
		registry:     registry,
		bus:          bus,
		evLog:        evLog,
		sessionStore: sessionStore,
		logger:       logger,
	}
}

func (b *cliTransportBackend) ID() string { return "cli" }

// CheckSetup has nothing to verify: stdin/stdout are always available.
func (b *cliTransportBackend) CheckSetup(ctx context.Context) error { return nil }

// LockToken is empty: the cli transport owns no external resource another
// process could contend for.
func (b *cliTransportBackend) LockToken() string { return "" }

func (b *cliTransportBackend) BuildAndRun(ctx context.Context, config map[string]any) error {
	transport := newCLIStdioTransport(b.logger)
	d := driver.New(transport, b.ws, b.registry, b.logger)

	tracker := newSessionTracker(b.sessionStore)
	d.SetEventObserver(func(key string, e runnerevents.Event) {
		b.bus.Publish(gateway.Notice{Key: key, Event: e})
		if b.evLog != nil {
			if err := b.evLog.Append(ctx, key, e); err != nil {
				b.logger.Warn("event log append failed", "key", key, "error", err)
			}
		}
		tracker.observe(key, e)
	})

	fmt.Println("ozzie-gateway cli transport: type a message and press enter")
	return d.Run(ctx)
}

// sessionTracker mirrors turn events into the session store, one session
// per topic key, created on that topic's first Started or Completed event.
type sessionTracker struct {
	store sessions.Store

	mu       sync.Mutex
	sessions map[string]string // topic key -> session id
}

func newSessionTracker(store sessions.Store) *sessionTracker {
	return &sessionTracker{store: store, sessions: make(map[string]string)}
}

func (t *sessionTracker) observe(key string, e runnerevents.Event) {
	switch {
	case e.Started != nil:
		t.ensureSession(key, e.Started.Title)
	case e.Completed != nil:
		id := t.ensureSession(key, "")
		role := "assistant"
		content := e.Completed.Answer
		if !e.Completed.OK {
			content = e.Completed.Error
			role = "error"
		}
		if err := t.store.AppendMessage(id, sessions.Message{
			Role:    role,
			Content: content,
			Ts:      time.Now(),
		}); err != nil {
			slog.Warn("session append failed", "session", id, "error", err)
			return
		}
		if s, err := t.store.Get(id); err == nil {
			if e.Completed.Usage != nil {
				s.TokenUsage.Input += e.Completed.Usage.InputTokens
				s.TokenUsage.Output += e.Completed.Usage.OutputTokens
			}
			if s.Title == "" && len(content) > 0 {
				s.Title = content
			}
			_ = t.store.UpdateMeta(s)
		}
	}
}

func (t *sessionTracker) ensureSession(key, title string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id, ok := t.sessions[key]; ok {
		return id
	}
	s, err := t.store.Create()
	if err != nil {
		slog.Warn("session create failed", "key", key, "error", err)
		return ""
	}
	if title != "" {
		s.Title = title
		_ = t.store.UpdateMeta(s)
	}
	t.sessions[key] = s.ID
	return s.ID
}

// cliStdioTransport implements driver.Transport over the process's own
// stdin/stdout: one line in is one ChatUpdate, one Send/Edit is one line
// out. There is no real message identity to edit or delete, so those are
// best-effort prints rather than in-place updates.
type cliStdioTransport struct {
	logger *slog.Logger
	lines  chan string
}

func newCLIStdioTransport(logger *slog.Logger) *cliStdioTransport {
	t := &cliStdioTransport{
		logger: logger,
		lines:  make(chan string),
	}
	go t.readLoop()
	return t
}

func (t *cliStdioTransport) readLoop() {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		t.lines <- scanner.Text()
	}
	close(t.lines)
}

func (t *cliStdioTransport) Poll(ctx context.Context) (driver.ChatUpdate, bool, error) {
	select {
	case <-ctx.Done():
		return driver.ChatUpdate{}, false, ctx.Err()
	case line, open := <-t.lines:
		if !open {
			<-ctx.Done()
			return driver.ChatUpdate{}, false, ctx.Err()
		}
		return driver.ChatUpdate{
			ChannelID: "cli",
			ThreadID:  "",
			MessageID: line,
			Text:      line,
			UserID:    "local",
		}, true, nil
	}
}

func (t *cliStdioTransport) Send(ctx context.Context, channelID, threadID, text string) (driver.MessageRef, error) {
	fmt.Println(text)
	return driver.MessageRef{ChannelID: channelID, ThreadID: threadID}, nil
}

func (t *cliStdioTransport) Edit(ctx context.Context, ref driver.MessageRef, text string) error {
	fmt.Println(text)
	return nil
}

func (t *cliStdioTransport) Delete(ctx context.Context, ref driver.MessageRef) error {
	return nil
}

func (t *cliStdioTransport) IntervalFor(channelID string) time.Duration {
	return 200 * time.Millisecond
}

// DefaultChannel is the only channel the cli transport ever sees.
func (t *cliStdioTransport) DefaultChannel() string { return "cli" }

// CreateTopic has no real forum/topic concept over stdio, so it just
// announces the new folder and reuses its name as a stable topic id.
func (t *cliStdioTransport) CreateTopic(ctx context.Context, channelID, name string) (string, error) {
	fmt.Printf("[topic created: %s]\n", name)
	return name, nil
}
