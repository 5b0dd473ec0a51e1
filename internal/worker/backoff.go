package worker

import (
	"regexp"
	"time"
	"unicode/utf8"
)

// Backoff is a fixed retry delay table indexed by zero-based attempt number.
type Backoff []time.Duration

// DefaultBackoff waits 2s, 5s and then 10s for every later attempt.
var DefaultBackoff = Backoff{2 * time.Second, 5 * time.Second, 10 * time.Second}

// Delay returns the wait before retrying after the given attempt. Indexes past
// the end of the table reuse the last entry.
func (b Backoff) Delay(attempt int) time.Duration {
	if len(b) == 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(b) {
		attempt = len(b) - 1
	}
	return b[attempt]
}

const redacted = "[REDACTED]"

var secretPatterns = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=-]+`), "Bearer " + redacted},
	{regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{8,}`), redacted},
	{regexp.MustCompile(`(?i)\b(api[_-]?key|access[_-]?token|token|secret|password)=[^\s&"']+`), "${1}=" + redacted},
}

// SanitizeError redacts credentials from msg and truncates it to max runes.
func SanitizeError(msg string, max int) string {
	for _, p := range secretPatterns {
		msg = p.re.ReplaceAllString(msg, p.repl)
	}
	if max > 0 && utf8.RuneCountInString(msg) > max {
		msg = string([]rune(msg)[:max])
	}
	return msg
}
