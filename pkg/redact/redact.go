// Package redact scrubs PII from transcripts and replies before they
// reach logs, artifacts or the run archive. Spoken text routinely
// contains dictated email addresses and phone numbers; audio itself is
// never logged, so text is the only leak path.
package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
)

var enabled atomic.Bool

type pattern struct {
	re          *regexp.Regexp
	replacement string
}

var patterns = []pattern{
	{regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b\+?\d[\d\s\-]{7,}\d\b`), "[REDACTED_PHONE]"},
}

// SetEnabled toggles redaction process-wide.
func SetEnabled(v bool) {
	enabled.Store(v)
}

func Enabled() bool {
	return enabled.Load()
}

// Text scrubs emails and phone numbers when redaction is on; a no-op
// passthrough otherwise.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := in
	for _, p := range patterns {
		out = p.re.ReplaceAllString(out, p.replacement)
	}
	return out
}
