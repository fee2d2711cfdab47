package runnerevents

import (
	"testing"

	"github.com/dohr-michael/ozzie-gateway/internal/ids"
)

func TestFormatExtractRoundTrip(t *testing.T) {
	tok := ResumeToken{Engine: ids.EngineId("claude"), Value: "abc-123-def"}
	line := FormatResume(tok)

	if line != "`claude resume abc-123-def`" {
		t.Fatalf("unexpected format: %q", line)
	}

	got, ok := ExtractResume(line)
	if !ok {
		t.Fatal("expected extract to succeed")
	}
	if got != tok {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, tok)
	}
}

func TestExtractResumeRejectsGarbage(t *testing.T) {
	cases := []string{
		"",
		"claude resume abc",             // missing backticks
		"`claude resumes abc`",          // wrong verb
		"`Claude resume abc`",           // uppercase engine
		"just some text with ` in it`",
	}
	for _, c := range cases {
		if _, ok := ExtractResume(c); ok {
			t.Errorf("ExtractResume(%q) unexpectedly succeeded", c)
		}
	}
}

func TestIsResumeLine(t *testing.T) {
	if !IsResumeLine("`codex resume sess-1`") {
		t.Error("expected resume line to be recognized")
	}
	if IsResumeLine("hello world") {
		t.Error("expected plain text to not be a resume line")
	}
}

func TestScanTextFindsFirstMatch(t *testing.T) {
	text := "continue please\n`claude resume s1`\nmore text"
	tok, ok := ScanText(text)
	if !ok {
		t.Fatal("expected a match")
	}
	if tok.Value != "s1" {
		t.Errorf("got value %q", tok.Value)
	}
}
