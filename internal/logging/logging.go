// Package logging builds the root structured logger shared by every
// component, backed by zerolog through the logiface adapter layer.
package logging

import (
	"io"
	"os"

	"github.com/joeycumines/logiface"
	izerolog "github.com/joeycumines/logiface-zerolog"
	"github.com/rs/zerolog"
)

// Logger is the type every component depends on. It is always the generic
// logiface.Logger[logiface.Event] view, so components never need to know
// which backend is wired underneath.
type Logger = logiface.Logger[logiface.Event]

// New builds a Logger writing JSON lines to w at the given minimum level.
// w defaults to os.Stderr if nil.
func New(w io.Writer, level logiface.Level) *Logger {
	if w == nil {
		w = os.Stderr
	}

	zl := zerolog.New(w).With().Timestamp().Logger()

	typed := izerolog.L.New(
		izerolog.L.WithZerolog(zl),
		izerolog.L.WithLevel(level),
	)

	return typed.Logger()
}
