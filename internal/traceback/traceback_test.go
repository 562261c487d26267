package traceback

import (
	"strings"
	"testing"
)

func level3() Traceback {
	return Capture(0, "ValueError: nope")
}

func level2() Traceback {
	return level3()
}

func level1() Traceback {
	return level2()
}

func TestCaptureProducesFramesAndText(t *testing.T) {
	tb := level1()

	if tb.Repr != "ValueError: nope" {
		t.Fatalf("got repr %q", tb.Repr)
	}
	if !strings.Contains(tb.Text, "ValueError: nope") {
		t.Fatalf("text missing repr: %q", tb.Text)
	}
	if len(tb.Frames) < 3 {
		t.Fatalf("expected at least 3 frames, got %d: %#v", len(tb.Frames), tb.Frames)
	}

	var sawLevel2, sawLevel3 bool
	for _, f := range tb.Frames {
		if strings.Contains(f.Function, "level2") {
			sawLevel2 = true
		}
		if strings.Contains(f.Function, "level3") {
			sawLevel3 = true
		}
	}
	if !sawLevel2 || !sawLevel3 {
		t.Fatalf("expected level2/level3 in frames: %#v", tb.Frames)
	}
}

func TestCaptureLineCacheHasSourceText(t *testing.T) {
	tb := level1()

	if len(tb.LineCache) == 0 {
		t.Fatal("expected a non-empty line cache")
	}

	for key, text := range tb.LineCache {
		if key.File == "" || key.Line <= 0 {
			t.Fatalf("invalid line key: %#v", key)
		}
		if strings.TrimSpace(text) == "" {
			t.Fatalf("empty source text for %#v", key)
		}
	}
}

func TestWithLocalsSummaryAttachesToInnermostFrame(t *testing.T) {
	tb := level1()
	tb = tb.WithLocalsSummary("x=1, y='hello'")

	if tb.Frames[0].LocalsSummary != "x=1, y='hello'" {
		t.Fatalf("got %q", tb.Frames[0].LocalsSummary)
	}
	for _, f := range tb.Frames[1:] {
		if f.LocalsSummary != "" {
			t.Fatalf("expected only the innermost frame to carry a summary, got %#v", f)
		}
	}
}

func TestWithLocalsSummaryNoFramesIsNoop(t *testing.T) {
	var tb Traceback
	tb = tb.WithLocalsSummary("unused")
	if len(tb.Frames) != 0 {
		t.Fatal("expected no frames")
	}
}
