// Package presenter renders a progress snapshot into a platform-agnostic
// message body, leaving the concrete chat-platform wire format to a
// transport plugin.
package presenter

import (
	"fmt"
	"strings"

	"github.com/dohr-michael/ozzie-gateway/internal/progress"
	"github.com/dohr-michael/ozzie-gateway/internal/runnerevents"
)

// MaxBodyActions is the default number of most-recent actions rendered in
// the body (spec §4.6).
const MaxBodyActions = 5

// RunContext is echoed in every final message footer so a reply is
// routable back to the same working directory.
type RunContext struct {
	Folder string
	Branch string
}

// String renders the canonical `` `ctx: folder @ branch` `` footer line.
func (c RunContext) String() string {
	if c.Branch == "" {
		return fmt.Sprintf("`ctx: %s`", c.Folder)
	}
	return fmt.Sprintf("`ctx: %s @ %s`", c.Folder, c.Branch)
}

// ParseRunContext parses a context footer line produced by String.
func ParseRunContext(line string) (RunContext, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "`ctx: ") || !strings.HasSuffix(line, "`") {
		return RunContext{}, false
	}
	inner := strings.TrimSuffix(strings.TrimPrefix(line, "`ctx: "), "`")
	if idx := strings.Index(inner, " @ "); idx >= 0 {
		return RunContext{Folder: inner[:idx], Branch: inner[idx+len(" @ "):]}, true
	}
	return RunContext{Folder: inner}, true
}

// Message is the rendered output, still platform-agnostic: a transport
// plugin concatenates/escapes these as its wire format requires.
type Message struct {
	Header string
	Body   string
	Footer string
}

// Presenter renders ProgressState snapshots for a specific max body length.
type Presenter struct {
	MaxBodyActions int
	MaxLength      int // 0 = unbounded
}

// New creates a Presenter with spec defaults.
func New() *Presenter {
	return &Presenter{MaxBodyActions: MaxBodyActions}
}

// RenderProgress renders an in-flight progress message.
func (p *Presenter) RenderProgress(state progress.State, ctx RunContext, elapsedSeconds float64, label string) Message {
	header := fmt.Sprintf("%s (%.0fs)", label, elapsedSeconds)
	body := p.renderActions(state.Actions)

	var footerLines []string
	footerLines = append(footerLines, ctx.String())
	if state.ResumeLine != "" {
		footerLines = append(footerLines, state.ResumeLine)
	}
	footer := strings.Join(footerLines, "\n")

	return p.truncate(Message{Header: header, Body: body, Footer: footer})
}

// RenderFinal renders the terminal message for a turn: the engine's answer
// plus a status line. The resume line is stripped out of the answer body —
// the engine's own inline signature is not user-facing — but re-appended to
// the footer when the run learned one, so a later reply can still resolve
// it and a cancelled-but-resumed turn doesn't lose its session.
func (p *Presenter) RenderFinal(state progress.State, ctx RunContext, elapsedSeconds float64, status string, answer string) Message {
	header := fmt.Sprintf("%s (%.0fs)", status, elapsedSeconds)
	body := stripResumeLines(answer)

	footerLines := []string{ctx.String()}
	if state.ResumeLine != "" {
		footerLines = append(footerLines, state.ResumeLine)
	}
	footer := strings.Join(footerLines, "\n")

	return p.truncate(Message{Header: header, Body: body, Footer: footer})
}

func stripResumeLines(text string) string {
	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, l := range lines {
		if runnerevents.IsResumeLine(l) {
			continue
		}
		out = append(out, l)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func (p *Presenter) renderActions(actions []progress.ActionState) string {
	max := p.MaxBodyActions
	if max <= 0 {
		max = MaxBodyActions
	}
	start := 0
	if len(actions) > max {
		start = len(actions) - max
	}

	var lines []string
	for _, a := range actions[start:] {
		lines = append(lines, renderOneAction(a))
	}
	return strings.Join(lines, "\n")
}

func renderOneAction(a progress.ActionState) string {
	marker := "•"
	switch a.DisplayPhase {
	case runnerevents.PhaseCompleted:
		if a.OK != nil && !*a.OK {
			marker = "✗"
		} else {
			marker = "✓"
		}
	case runnerevents.PhaseUpdated:
		marker = "…"
	}

	switch a.Action.Kind {
	case runnerevents.ActionWarning:
		return fmt.Sprintf("%s ⚠ %s", marker, a.Action.Title)
	case runnerevents.ActionFileChange:
		return fmt.Sprintf("%s edited %s", marker, a.Action.Title)
	case runnerevents.ActionCommand:
		return fmt.Sprintf("%s ran `%s`", marker, a.Action.Title)
	case runnerevents.ActionWebSearch:
		return fmt.Sprintf("%s searched %s", marker, a.Action.Title)
	default:
		return fmt.Sprintf("%s %s", marker, a.Action.Title)
	}
}

// truncate middle-out truncates Body when MaxLength is set, leaving Header
// and Footer untouched, and closing any formatting entities (backtick code
// spans) that straddle the cut.
func (p *Presenter) truncate(m Message) Message {
	if p.MaxLength <= 0 {
		return m
	}
	overhead := len(m.Header) + len(m.Footer) + 4 // separators
	budget := p.MaxLength - overhead
	if budget < 0 {
		budget = 0
	}
	if len(m.Body) <= budget {
		return m
	}

	half := budget / 2
	head := m.Body[:half]
	tail := m.Body[len(m.Body)-(budget-half):]
	m.Body = closeEntities(head) + "\n…\n" + closeEntities(tail)
	return m
}

// closeEntities ensures an odd number of backticks in s gets one appended,
// so a code span opened before the cut doesn't bleed into surrounding text.
func closeEntities(s string) string {
	if strings.Count(s, "`")%2 == 1 {
		return s + "`"
	}
	return s
}
