package connector

import (
	"regexp"
	"strings"
)

// Refusal detection inspects successful (HTTP 200) backend responses for
// content-policy refusals dressed up as results. The offending sentence is
// echoed verbatim, including any provider request id, so operators can chase
// the incident without access to the raw response.

var refusalTextPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bI('m| am)? (sorry,? )?(but )?(I )?(can(no|')t|unable to|won'?t) (generate|create|produce|assist|help|comply)`),
	regexp.MustCompile(`(?i)\bcannot (generate|create|produce|fulfill)\b`),
	regexp.MustCompile(`(?i)\bunable to (generate|create|process)\b`),
	regexp.MustCompile(`(?i)\bpolicy violation`),
	regexp.MustCompile(`(?i)\b(violates?|against) (our |the )?(content|usage|safety) polic(y|ies)`),
	regexp.MustCompile(`(?i)\binappropriate\b`),
	regexp.MustCompile(`(?i)\bnot allowed\b`),
	regexp.MustCompile(`(?i)\brefused\b`),
	regexp.MustCompile(`(?i)\bdeclined\b`),
	regexp.MustCompile(`(?i)moderation_blocked`),
	regexp.MustCompile(`(?i)\bmoderation (system |filter )?(blocked|flagged|rejected)`),
	regexp.MustCompile(`(?i)\bsafety (system|filter|guidelines?)\b`),
	regexp.MustCompile(`(?i)\bcontent (was |has been )?(flagged|blocked|filtered|rejected)`),
	regexp.MustCompile(`(?i)\brequest (was )?(declined|refused|denied|rejected)\b`),
}

var requestIDPattern = regexp.MustCompile(`\b(wfr|req|chatcmpl)_[A-Za-z0-9]+\b`)

const maxRefusalDescription = 500

// DetectRefusal scans text for refusal language. On a match it returns a
// description built from the matched sentence plus any provider request id
// found anywhere in the text, and true.
func DetectRefusal(text string) (string, bool) {
	for _, p := range refusalTextPatterns {
		loc := p.FindStringIndex(text)
		if loc == nil {
			continue
		}
		desc := refusalSentence(text, loc[0])
		if id := requestIDPattern.FindString(text); id != "" && !strings.Contains(desc, id) {
			desc += " (request id " + id + ")"
		}
		return desc, true
	}
	return "", false
}

// refusalSentence extracts the sentence surrounding the match, capped so
// attestations stay small.
func refusalSentence(text string, at int) string {
	start := strings.LastIndexAny(text[:at], ".!?\n") + 1
	rest := text[start:]
	end := strings.IndexAny(rest, ".!?\n")
	if end == -1 {
		end = len(rest)
	} else {
		end++
	}
	s := strings.TrimSpace(rest[:end])
	if len(s) > maxRefusalDescription {
		s = s[:maxRefusalDescription] + "..."
	}
	return s
}
