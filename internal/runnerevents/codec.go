package runnerevents

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dohr-michael/ozzie-gateway/internal/ids"
)

// resumeLineRe matches the canonical footer line `` `<engine> resume <value>` ``
// on its own line, inside a code span, produced by FormatResume.
var resumeLineRe = regexp.MustCompile("^`([a-z0-9_]{1,32}) resume (\\S+)`$")

// FormatResume renders a ResumeToken as the canonical footer line. Every
// built-in adapter that doesn't define its own signature uses this format;
// adapters with an engine-native signature (e.g. a CLI's own "resume <id>"
// phrasing) implement their own Runner.FormatResume instead.
func FormatResume(token ResumeToken) string {
	return fmt.Sprintf("`%s resume %s`", token.Engine, token.Value)
}

// ExtractResume parses a single line produced by FormatResume. Returns
// ok=false if the line doesn't match the canonical signature.
func ExtractResume(line string) (ResumeToken, bool) {
	m := resumeLineRe.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return ResumeToken{}, false
	}
	return ResumeToken{Engine: ids.EngineId(m[1]), Value: m[2]}, true
}

// IsResumeLine reports whether line matches the canonical resume signature.
func IsResumeLine(line string) bool {
	_, ok := ExtractResume(line)
	return ok
}

// ScanText scans every line of text for the canonical resume signature and
// returns the first match, with ok=false if no line matches.
// Used by callers that want to strip matched lines out of a prompt.
func ScanText(text string) (ResumeToken, bool) {
	for _, line := range strings.Split(text, "\n") {
		if tok, ok := ExtractResume(line); ok {
			return tok, true
		}
	}
	return ResumeToken{}, false
}
