package failure

import (
	"strings"
	"testing"
)

func TestScrubLongBase64Run(t *testing.T) {
	blob := strings.Repeat("A", 250) + "=="
	got := Scrub(map[string]any{"image": blob})
	m := got.(map[string]any)
	if m["image"] != ScrubbedPlaceholder {
		t.Errorf("long base64 run not scrubbed: %v", m["image"])
	}
}

func TestScrubDataURI(t *testing.T) {
	got := Scrub("data:image/png;base64,iVBORw0KGgo")
	if got != ScrubbedPlaceholder {
		t.Errorf("data URI not scrubbed: %v", got)
	}
}

func TestScrubKeyBasedDetection(t *testing.T) {
	got := Scrub(map[string]any{"image_base64": "short"})
	m := got.(map[string]any)
	if m["image_base64"] != ScrubbedPlaceholder {
		t.Errorf("base64-named key not scrubbed: %v", m["image_base64"])
	}
}

func TestScrubPreservesURLsAndShortStrings(t *testing.T) {
	in := map[string]any{
		"url":    "https://example.com/path?q=1",
		"prompt": "a cat on a mat",
		"count":  float64(3),
	}
	got := Scrub(in).(map[string]any)
	for k, v := range in {
		if got[k] != v {
			t.Errorf("key %s changed: %v -> %v", k, v, got[k])
		}
	}
}

func TestScrubNestedAndSlices(t *testing.T) {
	blob := strings.Repeat("Q", 300)
	in := map[string]any{
		"outputs": []any{
			map[string]any{"data": blob},
			"plain",
		},
	}
	got := Scrub(in).(map[string]any)
	outputs := got["outputs"].([]any)
	inner := outputs[0].(map[string]any)
	if inner["data"] != ScrubbedPlaceholder {
		t.Errorf("nested blob not scrubbed: %v", inner["data"])
	}
	if outputs[1] != "plain" {
		t.Errorf("plain string changed: %v", outputs[1])
	}
}

func TestScrubIdempotent(t *testing.T) {
	blob := strings.Repeat("B", 300)
	once := Scrub(map[string]any{"payload": blob})
	twice := Scrub(once)
	m := twice.(map[string]any)
	if m["payload"] != ScrubbedPlaceholder {
		t.Errorf("second scrub changed placeholder: %v", m["payload"])
	}
}

func TestScrubBreaksCycles(t *testing.T) {
	m := map[string]any{}
	m["self"] = m
	got := Scrub(m).(map[string]any)
	if got["self"] != CircularPlaceholder {
		t.Errorf("cycle not replaced: %v", got["self"])
	}
}
