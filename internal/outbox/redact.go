package outbox

import "regexp"

// botTokenRe matches a Telegram-style bot token (`<digits>:<35 base64url chars>`)
// wherever it appears in a string, e.g. embedded in a request URL.
var botTokenRe = regexp.MustCompile(`\bbot\d+:[A-Za-z0-9_-]{30,}\b`)

// RedactSecrets scrubs bot credentials out of a string before it reaches a
// log sink, matching the canonical `bot[REDACTED]` signature every
// transport's logging must produce.
func RedactSecrets(s string) string {
	return botTokenRe.ReplaceAllString(s, "bot[REDACTED]")
}
