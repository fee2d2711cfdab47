// Package router resolves an incoming message's topic, slash command,
// branch directive, and resume token into a single routing decision.
package router

import (
	"regexp"
	"strings"

	"github.com/dohr-michael/ozzie-gateway/internal/ids"
	"github.com/dohr-michael/ozzie-gateway/internal/presenter"
	"github.com/dohr-michael/ozzie-gateway/internal/runnerevents"
)

// branchDirectiveRe matches a leading @branch-name directive. It requires
// an alphanumeric first character so a bare "@" or "@@" never matches.
var branchDirectiveRe = regexp.MustCompile(`^@([a-zA-Z0-9][a-zA-Z0-9/_.-]*)\s*`)

// engineDirectiveRe matches a leading @engine:<id> directive, distinct from
// the bare @branch-name form above.
var engineDirectiveRe = regexp.MustCompile(`^@engine:([a-zA-Z0-9][a-zA-Z0-9_-]*)\s*`)

// Folder is the subset of folder config the router needs: its topic
// binding and identity. The workspace package owns the full type.
type Folder struct {
	Name    string
	TopicID string
}

// Route is the outcome of routing one message.
type Route struct {
	IsGeneral       bool
	Folder          *Folder
	IsSlashCommand  bool
	Command         string
	CommandArgs     string
	Branch          string
	EngineDirective ids.EngineId
	PromptText      string
	IsUnboundTopic  bool
}

// GeneralSlashCommands are commands on the General topic handled in-process
// rather than forwarded to an engine.
var GeneralSlashCommands = map[string]bool{
	"clone":  true,
	"create": true,
	"add":    true,
	"list":   true,
	"remove": true,
	"status": true,
	"help":   true,
}

// ParseSlashCommand splits a leading "/cmd[@botname] rest" first line from
// text, appending any subsequent lines to the returned args. Returns
// command="" if text doesn't start with "/".
func ParseSlashCommand(text string) (command, args string) {
	if !strings.HasPrefix(text, "/") {
		return "", text
	}

	firstLine, rest, hasRest := strings.Cut(text, "\n")
	fields := strings.SplitN(firstLine, " ", 2)
	command = strings.TrimPrefix(fields[0], "/")
	if at := strings.Index(command, "@"); at >= 0 {
		command = command[:at]
	}

	if len(fields) > 1 {
		args = fields[1]
	}
	if hasRest {
		if args != "" {
			args = args + "\n" + rest
		} else {
			args = rest
		}
	}
	return command, strings.TrimSpace(args)
}

// ParseBranchDirective parses a leading @branch-name directive from text.
// Returns branch="" if no directive is present.
func ParseBranchDirective(text string) (branch, remaining string) {
	if text == "" {
		return "", text
	}
	m := branchDirectiveRe.FindStringSubmatchIndex(text)
	if m == nil {
		return "", text
	}
	return text[m[2]:m[3]], strings.TrimSpace(text[m[1]:])
}

// ParseEngineDirective parses a leading @engine:<id> directive from text.
// Returns engine="" if no directive is present. Checked before
// ParseBranchDirective, since "@engine:x" would otherwise be consumed by
// the looser @branch-name pattern.
func ParseEngineDirective(text string) (engine, remaining string) {
	if text == "" {
		return "", text
	}
	m := engineDirectiveRe.FindStringSubmatchIndex(text)
	if m == nil {
		return "", text
	}
	return text[m[2]:m[3]], strings.TrimSpace(text[m[1]:])
}

// Router resolves topic_id -> Folder bindings and routes messages.
type Router struct {
	topicToFolder map[string]*Folder
	ralphEnabled  bool
}

// New creates a Router over the given topic->folder bindings.
func New(folders []*Folder, ralphEnabled bool) *Router {
	r := &Router{topicToFolder: make(map[string]*Folder), ralphEnabled: ralphEnabled}
	for _, f := range folders {
		if f.TopicID != "" {
			r.topicToFolder[f.TopicID] = f
		}
	}
	return r
}

// Route routes one message. topicID is "" or "1" for the General topic.
// replyText, if non-empty, is consulted for an inherited branch when the
// message itself carries no @branch directive.
func (r *Router) Route(topicID, text, replyText string) Route {
	command, commandArgs := ParseSlashCommand(text)
	isSlash := command != ""

	toParse := text
	if isSlash {
		toParse = commandArgs
	}
	engineDirective, afterEngine := ParseEngineDirective(toParse)
	branch, prompt := ParseBranchDirective(afterEngine)

	if branch == "" && replyText != "" {
		if ctx, ok := presenter.ParseRunContext(lastLine(replyText)); ok && ctx.Branch != "" {
			branch = ctx.Branch
		}
	}

	if topicID == "" || topicID == "1" {
		return Route{
			IsGeneral:       true,
			IsSlashCommand:  isSlash,
			Command:         command,
			CommandArgs:     commandArgs,
			Branch:          branch,
			EngineDirective: ids.EngineId(engineDirective),
			PromptText:      prompt,
		}
	}

	folder, ok := r.topicToFolder[topicID]
	if !ok {
		return Route{
			IsSlashCommand:  isSlash,
			Command:         command,
			CommandArgs:     commandArgs,
			Branch:          branch,
			EngineDirective: ids.EngineId(engineDirective),
			PromptText:      prompt,
			IsUnboundTopic:  true,
		}
	}

	return Route{
		Folder:          folder,
		IsSlashCommand:  isSlash,
		Command:         command,
		CommandArgs:     commandArgs,
		Branch:          branch,
		EngineDirective: ids.EngineId(engineDirective),
		PromptText:      prompt,
	}
}

// IsRalphCommand reports whether route is an explicit /ralph invocation.
func IsRalphCommand(route Route) bool {
	return route.IsSlashCommand && route.Command == "ralph"
}

// ShouldUseRalph reports whether the ralph loop should handle route: either
// an explicit /ralph on a worker topic, or always-on ralph mode.
func (r *Router) ShouldUseRalph(route Route) bool {
	if route.IsGeneral {
		return false
	}
	if IsRalphCommand(route) {
		return true
	}
	return r.ralphEnabled
}

// IsGeneralSlashCommand reports whether route is a General-topic command
// handled in-process rather than forwarded to an engine.
func IsGeneralSlashCommand(route Route) bool {
	return route.IsGeneral && route.IsSlashCommand && GeneralSlashCommands[route.Command]
}

// ResolveResume scans text, then replyText, against every registered
// engine's resume signature, returning the first match in registration
// order. Deterministic when two engines could both match the same text.
func ResolveResume(engines []ids.EngineId, text, replyText string) (runnerevents.ResumeToken, bool) {
	for _, engine := range engines {
		for _, candidate := range []string{text, replyText} {
			if candidate == "" {
				continue
			}
			for _, line := range strings.Split(candidate, "\n") {
				if tok, ok := runnerevents.ExtractResume(line); ok && tok.Engine == engine {
					return tok, true
				}
			}
		}
	}
	return runnerevents.ResumeToken{}, false
}

func engineRegistered(engines []ids.EngineId, engine ids.EngineId) bool {
	for _, e := range engines {
		if e == engine {
			return true
		}
	}
	return false
}

// StripResumeLines removes every line of text that any registered engine
// would recognize as its own resume signature, substituting the literal
// "continue" if doing so leaves the prompt empty.
func StripResumeLines(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if runnerevents.IsResumeLine(l) {
			continue
		}
		kept = append(kept, l)
	}
	stripped := strings.TrimSpace(strings.Join(kept, "\n"))
	if stripped == "" {
		return "continue"
	}
	return stripped
}

// ResolveEngine picks the engine for a turn by precedence: resume token's
// engine, then an explicit /engine command, then an explicit @engine
// directive, then the workspace default.
func ResolveEngine(resume *runnerevents.ResumeToken, commandEngine, directiveEngine, defaultEngine ids.EngineId) ids.EngineId {
	if resume != nil {
		return resume.Engine
	}
	if commandEngine != "" {
		return commandEngine
	}
	if directiveEngine != "" {
		return directiveEngine
	}
	return defaultEngine
}

func lastLine(text string) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	return lines[len(lines)-1]
}
