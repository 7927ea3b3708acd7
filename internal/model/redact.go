package model

import "regexp"

// Redaction patterns applied to error text before it leaves the bus.
// Credentials are masked before paths so key=/path/x collapses correctly.
var (
	redactURI  = regexp.MustCompile(`[a-zA-Z0-9+.-]+://[^\s<>"]+`)
	redactCred = regexp.MustCompile(`(?i)(key|secret|token|password|auth|pwd)=[^ \n\r\t,;]+`)
	redactPath = regexp.MustCompile(`/(?:[a-zA-Z0-9._-]+/)+[a-zA-Z0-9._-]+`)
)

// RedactError masks URIs, credential assignments and absolute paths in an
// error message so sensitive configuration never reaches callers.
func RedactError(msg string) string {
	out := redactURI.ReplaceAllString(msg, "[REDACTED_URI]")
	out = redactCred.ReplaceAllString(out, "$1=[REDACTED]")
	out = redactPath.ReplaceAllString(out, "[REDACTED_PATH]")
	return out
}
