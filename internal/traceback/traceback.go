// Package traceback captures Go stack traces in the structured shape the
// control plane expects: a frame list plus a line cache mapping (file, line)
// to source text, so a remote consumer without access to the container's
// filesystem can still render a readable trace.
//
// This is implemented directly against runtime/runtime.Callers rather than a
// third-party library: stack-frame walking and source-line lookup are a thin
// enough wrapper over the standard library that pulling in a dependency
// would not buy anything, and none of the adapted libraries in this module
// address it.
package traceback

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strings"
)

// Frame describes one level of a captured stack trace. LocalsSummary is
// best-effort and frequently empty: Go does not expose local variables to
// runtime.Callers the way a dynamic-language interpreter can, so it is
// populated only when the caller explicitly attaches one (e.g. a handler
// that annotates its own panic value).
type Frame struct {
	File          string
	Line          int
	Function      string
	LocalsSummary string
}

// LineKey identifies one source line for the line cache.
type LineKey struct {
	File string
	Line int
}

// LineCache maps a source location to its source text, captured at the time
// of the traceback so it survives even if the consumer has no access to the
// container's filesystem.
type LineCache map[LineKey]string

// Traceback is the structured capture of a failure: a human-readable repr
// and formatted text (always present, even if the frame walk fails) plus the
// structured frames and their accompanying line cache.
type Traceback struct {
	Repr      string
	Text      string
	Frames    []Frame
	LineCache LineCache
}

// Capture walks the calling goroutine's stack, starting skip frames above
// its own caller, and renders it into a Traceback. repr is the short
// exception-style description (e.g. "ValueError: nope" in spirit, though
// this runtime reports Go errors) to attach as Repr.
func Capture(skip int, repr string) Traceback {
	const maxFrames = 64

	pc := make([]uintptr, maxFrames)
	n := runtime.Callers(skip+2, pc)
	pc = pc[:n]

	frames := runtime.CallersFrames(pc)

	tb := Traceback{
		Repr:      repr,
		LineCache: LineCache{},
	}

	var text strings.Builder
	fmt.Fprintf(&text, "%s\n", repr)

	cache := map[string][]string{} // file -> lines, read once per file

	for {
		f, more := frames.Next()
		if f.Function == "" && f.File == "" {
			if !more {
				break
			}
			continue
		}

		frame := Frame{
			File:     f.File,
			Line:     f.Line,
			Function: f.Function,
		}
		tb.Frames = append(tb.Frames, frame)

		fmt.Fprintf(&text, "  File %q, line %d, in %s\n", f.File, f.Line, f.Function)

		if line, ok := sourceLine(cache, f.File, f.Line); ok {
			tb.LineCache[LineKey{File: f.File, Line: f.Line}] = line
			fmt.Fprintf(&text, "    %s\n", strings.TrimSpace(line))
		}

		if !more {
			break
		}
	}

	tb.Text = text.String()
	return tb
}

// sourceLine returns the 1-indexed line from file, reading and caching the
// whole file the first time it is requested. Missing or unreadable files
// simply contribute nothing to the line cache, matching the best-effort
// nature of traceback capture.
func sourceLine(cache map[string][]string, file string, line int) (string, bool) {
	if file == "" || line <= 0 {
		return "", false
	}

	lines, ok := cache[file]
	if !ok {
		lines = readLines(file)
		cache[file] = lines
	}

	if line > len(lines) {
		return "", false
	}
	return lines[line-1], true
}

func readLines(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}

// WithLocalsSummary attaches a best-effort locals summary to the innermost
// (first) frame of tb, if any frame is present. Handlers that want to
// surface argument values on failure can call this after Capture.
func (tb Traceback) WithLocalsSummary(summary string) Traceback {
	if len(tb.Frames) == 0 {
		return tb
	}
	tb.Frames[0].LocalsSummary = summary
	return tb
}
