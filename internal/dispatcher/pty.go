package dispatcher

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/creack/pty"
)

// Keystrokes typically arrive in small, bursty chunks (one or a few bytes
// per keypress); these constants bound how many chunks/how long the pty
// pump waits before coalescing whatever has arrived into one Write call,
// trading a little latency for far fewer syscalls during a burst of
// keystrokes.
const (
	keystrokeMinChunks      = 4
	keystrokeMaxBytes       = 4096
	keystrokePartialTimeout = 10 * time.Millisecond
)

// KeystrokeSource delivers raw keystroke bytes from wherever the control
// plane streams them in from, one chunk at a time. A buffered channel is
// the simplest implementation; in production this is fed by Subscribing to
// a controlplane.PTYStream and unwrapping each *controlplane.PTYKeystroke
// into its Data field.
type KeystrokeSource <-chan []byte

// pumpKeystrokes coalesces bursts of chunks from src into single Write
// calls to w: it waits for keystrokeMinChunks chunks (or until
// keystrokePartialTimeout elapses), then greedily appends whatever more is
// immediately available up to keystrokeMaxBytes, and writes the whole
// accumulated batch at once. It repeats until src is closed (returning
// io.EOF), ctx is canceled, or a write to w fails.
func pumpKeystrokes(ctx context.Context, src KeystrokeSource, w io.Writer) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var buf []byte
		var timer *time.Timer
		var timeoutCh <-chan time.Time

	minChunksLoop:
		for n := 0; n < keystrokeMinChunks; {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return ctx.Err()

			case <-timeoutCh:
				break minChunksLoop

			case chunk, ok := <-src:
				if !ok {
					if timer != nil {
						timer.Stop()
					}
					return writeRemainder(w, buf)
				}
				buf = append(buf, chunk...)
				n++
				if n == 1 {
					timer = time.NewTimer(keystrokePartialTimeout)
					timeoutCh = timer.C
				}
			}
		}
		if timer != nil {
			timer.Stop()
		}

	maxBytesLoop:
		for len(buf) < keystrokeMaxBytes {
			select {
			case chunk, ok := <-src:
				if !ok {
					return writeRemainder(w, buf)
				}
				buf = append(buf, chunk...)

			default:
				break maxBytesLoop
			}
		}

		if len(buf) == 0 {
			continue
		}
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
}

// writeRemainder flushes whatever was accumulated before src closed, then
// reports io.EOF (or a write failure, if that takes priority).
func writeRemainder(w io.Writer, buf []byte) error {
	if len(buf) == 0 {
		return io.EOF
	}
	if _, err := w.Write(buf); err != nil {
		return err
	}
	return io.EOF
}

// WithPTY wraps inner in a shim that opens a pseudo-terminal pair before
// invoking it, and forwards keystrokes from src into the pty master for the
// duration of the call. The slave's fd is passed to inner via kwargs, under
// "__pty_slave_fd", so a handler can hand it to whatever it execs.
func WithPTY(inner ScalarFunc, src KeystrokeSource) ScalarFunc {
	return func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		ptmx, tty, err := pty.Open()
		if err != nil {
			return nil, fmt.Errorf("dispatcher: opening pty: %w", err)
		}
		defer ptmx.Close()
		defer tty.Close()

		pumpCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		pumpDone := make(chan struct{})
		go func() {
			defer close(pumpDone)
			_ = pumpKeystrokes(pumpCtx, src, ptmx)
		}()

		merged := make(map[string]any, len(kwargs)+1)
		for k, v := range kwargs {
			merged[k] = v
		}
		merged["__pty_slave_fd"] = int64(tty.Fd())

		v, err := inner(ctx, args, merged)

		cancel()
		<-pumpDone

		return v, err
	}
}
