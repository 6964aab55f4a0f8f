package failure

import (
	"reflect"
	"regexp"
	"strings"
)

// ScrubbedPlaceholder replaces base64 blobs in attestation payloads.
const ScrubbedPlaceholder = "[SCRUBBED_BASE64_DATA]"

// CircularPlaceholder breaks reference cycles during scrubbing.
const CircularPlaceholder = "[CIRCULAR]"

var base64Run = regexp.MustCompile(`^[A-Za-z0-9+/=]{200,}$`)

// Scrub walks v and replaces embedded base64 payloads so attestations stay
// small and free of image bytes. A string is scrubbed when it is a long
// base64 run, carries a data:…;base64, prefix, or sits under a key whose
// name contains "base64". URLs and short strings are preserved. Cycles are
// replaced with CircularPlaceholder. Scrubbing is idempotent.
func Scrub(v any) any {
	return scrub(v, "", map[uintptr]bool{})
}

func scrub(v any, key string, seen map[uintptr]bool) any {
	switch val := v.(type) {
	case string:
		return scrubString(val, key)
	case map[string]any:
		p := reflect.ValueOf(val).Pointer()
		if seen[p] {
			return CircularPlaceholder
		}
		seen[p] = true
		defer delete(seen, p)
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = scrub(item, k, seen)
		}
		return out
	case []any:
		if len(val) == 0 {
			return []any{}
		}
		p := reflect.ValueOf(val).Pointer()
		if seen[p] {
			return CircularPlaceholder
		}
		seen[p] = true
		defer delete(seen, p)
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = scrub(item, key, seen)
		}
		return out
	default:
		return v
	}
}

func scrubString(s, key string) string {
	if s == ScrubbedPlaceholder {
		return s
	}
	if strings.Contains(strings.ToLower(key), "base64") {
		return ScrubbedPlaceholder
	}
	if isDataURI(s) {
		return ScrubbedPlaceholder
	}
	if base64Run.MatchString(s) {
		return ScrubbedPlaceholder
	}
	return s
}

func isDataURI(s string) bool {
	if !strings.HasPrefix(s, "data:") {
		return false
	}
	head, _, ok := strings.Cut(s, ",")
	return ok && strings.HasSuffix(head, ";base64")
}
