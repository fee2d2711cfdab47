package router

import (
	"testing"

	"github.com/dohr-michael/ozzie-gateway/internal/ids"
	"github.com/dohr-michael/ozzie-gateway/internal/runnerevents"
)

func TestParseSlashCommandStripsBotnameAndAppendsLines(t *testing.T) {
	cmd, args := ParseSlashCommand("/engine@mybot claude\nextra line")
	if cmd != "engine" {
		t.Errorf("got command %q, want engine", cmd)
	}
	if args != "claude\nextra line" {
		t.Errorf("got args %q", args)
	}
}

func TestParseSlashCommandNonCommand(t *testing.T) {
	cmd, rest := ParseSlashCommand("hello there")
	if cmd != "" {
		t.Errorf("expected no command, got %q", cmd)
	}
	if rest != "hello there" {
		t.Errorf("expected text unchanged, got %q", rest)
	}
}

func TestParseBranchDirective(t *testing.T) {
	cases := []struct {
		text       string
		wantBranch string
		wantRest   string
	}{
		{"@feat/new-feature implement this", "feat/new-feature", "implement this"},
		{"@fix-123 debug", "fix-123", "debug"},
		{"no directive here", "", "no directive here"},
		{"@ alone", "", "@ alone"},
	}
	for _, c := range cases {
		branch, rest := ParseBranchDirective(c.text)
		if branch != c.wantBranch || rest != c.wantRest {
			t.Errorf("ParseBranchDirective(%q) = (%q, %q), want (%q, %q)", c.text, branch, rest, c.wantBranch, c.wantRest)
		}
	}
}

func TestParseEngineDirective(t *testing.T) {
	cases := []struct {
		text       string
		wantEngine string
		wantRest   string
	}{
		{"@engine:claude do the thing", "claude", "do the thing"},
		{"@engine:codex-mini fix it", "codex-mini", "fix it"},
		{"no directive here", "", "no directive here"},
		{"@feat/branch implement this", "", "@feat/branch implement this"},
	}
	for _, c := range cases {
		engine, rest := ParseEngineDirective(c.text)
		if engine != c.wantEngine || rest != c.wantRest {
			t.Errorf("ParseEngineDirective(%q) = (%q, %q), want (%q, %q)", c.text, engine, rest, c.wantEngine, c.wantRest)
		}
	}
}

func TestRouteParsesEngineDirectiveBeforeBranch(t *testing.T) {
	r := New(nil, false)
	route := r.Route("1", "@engine:codex @feat/x implement this", "")
	if route.EngineDirective != ids.EngineId("codex") {
		t.Errorf("got EngineDirective %q, want codex", route.EngineDirective)
	}
	if route.Branch != "feat/x" {
		t.Errorf("got Branch %q, want feat/x", route.Branch)
	}
	if route.PromptText != "implement this" {
		t.Errorf("got PromptText %q, want %q", route.PromptText, "implement this")
	}
}

func TestRouteGeneralTopic(t *testing.T) {
	r := New(nil, false)
	route := r.Route("", "/help", "")
	if !route.IsGeneral {
		t.Error("expected empty topic id to route to General")
	}
	if route.Command != "help" {
		t.Errorf("got command %q", route.Command)
	}

	route1 := r.Route("1", "hi", "")
	if !route1.IsGeneral {
		t.Error("expected topic id \"1\" to route to General")
	}
}

func TestRouteUnboundTopic(t *testing.T) {
	r := New(nil, false)
	route := r.Route("42", "hello", "")
	if !route.IsUnboundTopic {
		t.Error("expected unmapped topic to be flagged unbound")
	}
}

func TestRouteBoundTopic(t *testing.T) {
	r := New([]*Folder{{Name: "site", TopicID: "42"}}, false)
	route := r.Route("42", "hello", "")
	if route.IsUnboundTopic {
		t.Error("expected bound topic to not be unbound")
	}
	if route.Folder == nil || route.Folder.Name != "site" {
		t.Errorf("expected folder site, got %+v", route.Folder)
	}
}

func TestRouteInheritsBranchFromReplyContextFooter(t *testing.T) {
	r := New([]*Folder{{Name: "site", TopicID: "42"}}, false)
	route := r.Route("42", "continue please", "some prior answer\n`ctx: site @ feature/x`")
	if route.Branch != "feature/x" {
		t.Errorf("expected inherited branch feature/x, got %q", route.Branch)
	}
}

func TestShouldUseRalph(t *testing.T) {
	r := New([]*Folder{{Name: "site", TopicID: "42"}}, false)

	general := r.Route("", "/ralph", "")
	if r.ShouldUseRalph(general) {
		t.Error("expected General topic to never use ralph")
	}

	explicit := r.Route("42", "/ralph", "")
	if !r.ShouldUseRalph(explicit) {
		t.Error("expected explicit /ralph on a worker topic to use ralph")
	}

	always := New([]*Folder{{Name: "site", TopicID: "42"}}, true)
	plain := always.Route("42", "hello", "")
	if !always.ShouldUseRalph(plain) {
		t.Error("expected always-on ralph config to apply to plain messages")
	}
}

func TestResolveResumeFirstEngineWins(t *testing.T) {
	engines := []ids.EngineId{"claude", "codex"}
	text := "reply\n`codex resume s1`\n`claude resume s2`"
	tok, ok := ResolveResume(engines, text, "")
	if !ok {
		t.Fatal("expected a resume match")
	}
	if tok.Engine != "claude" {
		t.Errorf("expected first registered engine claude, got %s", tok.Engine)
	}
}

func TestResolveResumeIgnoresUnregisteredEngine(t *testing.T) {
	engines := []ids.EngineId{"claude"}
	tok, ok := ResolveResume(engines, "`codex resume s1`", "")
	if ok {
		t.Errorf("expected no match for unregistered engine, got %+v", tok)
	}
}

func TestStripResumeLinesSubstitutesContinue(t *testing.T) {
	out := StripResumeLines("`claude resume s1`")
	if out != "continue" {
		t.Errorf("expected continue for an empty-after-strip prompt, got %q", out)
	}
}

func TestStripResumeLinesKeepsOtherText(t *testing.T) {
	out := StripResumeLines("do the thing\n`claude resume s1`")
	if out != "do the thing" {
		t.Errorf("expected resume line stripped, got %q", out)
	}
}

func TestResolveEnginePrecedence(t *testing.T) {
	resume := &runnerevents.ResumeToken{Engine: "claude", Value: "s1"}
	if got := ResolveEngine(resume, "codex", "gemini", "default"); got != "claude" {
		t.Errorf("expected resume token to win, got %s", got)
	}
	if got := ResolveEngine(nil, "codex", "gemini", "default"); got != "codex" {
		t.Errorf("expected command engine to win over directive, got %s", got)
	}
	if got := ResolveEngine(nil, "", "gemini", "default"); got != "gemini" {
		t.Errorf("expected directive engine to win over default, got %s", got)
	}
	if got := ResolveEngine(nil, "", "", "default"); got != "default" {
		t.Errorf("expected default engine as fallback, got %s", got)
	}
}
