package llm

import "regexp"

// maxErrorLen bounds how much of a provider error body is surfaced in
// logs and responses.
const maxErrorLen = 300

var secretTokenRe = regexp.MustCompile(`sk-[A-Za-z0-9_-]+`)

// Redact masks API-key shaped tokens in provider error text and
// truncates it so raw upstream bodies never leak whole into logs or
// client-facing debug fields.
func Redact(s string) string {
	s = secretTokenRe.ReplaceAllString(s, "sk-***")
	if len(s) > maxErrorLen {
		s = s[:maxErrorLen] + "..."
	}
	return s
}
