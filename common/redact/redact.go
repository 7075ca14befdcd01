// Package redact keeps credentials out of log output.
//
// The bridge handles two classes of bearer tokens: the Matrix application
// service tokens and every user's Gitter OAuth access token.  None of them
// may appear in:
//   - Log lines emitted by the bridge
//   - Error messages relayed into Matrix rooms
//
// Redaction is best-effort: it operates on string representations and relies
// on callers to pass the right set of sensitive terms.  It is NOT a
// substitute for keeping secrets out of log call-sites in the first place.
package redact

import "strings"

const placeholder = "[REDACTED]"

// String replaces every occurrence of each sensitive value in s with
// [REDACTED].  Values shorter than 4 characters are skipped to avoid
// spurious redaction of common substrings.
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}
