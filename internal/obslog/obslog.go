// Package obslog wires every structured diagnostic event in the firmware
// core through a single logiface/stumpy logger, so that no component ever
// falls back to a bare log line for something the cloud should know about
// (spec.md §9: "sample dropped with only a log line").
package obslog

import (
	"io"
	"os"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the concrete logiface logger type used throughout the firmware
// core. It is passed explicitly to every component's constructor rather
// than referenced as a package-level global, so tests can capture events.
type Logger = logiface.Logger[*stumpy.Event]

// New builds a Logger writing newline-delimited JSON to w (os.Stderr in
// production, a bytes.Buffer in tests).
func New(w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return stumpy.L.New(
		stumpy.L.WithStumpy(),
		stumpy.L.WithWriter(logiface.WriterFunc[*stumpy.Event](func(e *stumpy.Event) error {
			_, err := w.Write(append(append([]byte(nil), e.Bytes()...), '\n'))
			return err
		})),
	)
}

// Fields is a convenience alias for attaching a bag of key/value pairs to a
// single event without chaining dozens of .Str/.Int calls at call sites that
// build reports dynamically (the health report, session summaries).
type Fields map[string]any

// Apply writes every field in Fields to a builder, in this package because
// both the health report and the fault-recovery reporter need it.
func Apply[E logiface.Event](b *logiface.Builder[E], f Fields) *logiface.Builder[E] {
	for k, v := range f {
		b = b.Field(k, v)
	}
	return b
}
