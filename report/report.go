// Package report implements the read-only observer. A reporter either
// displays results (region snapshot, FIFO stream, or socket subscription)
// or requests coordinator shutdown; it never mutates shared state on the
// display path.
package report

import (
	"io"
	"os"

	"go.uber.org/zap"
)

type options struct {
	Log *zap.SugaredLogger
	Out io.Writer
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
		Out: os.Stdout,
	}
}

// Option is a function that configures a reporter.
type Option func(*options)

// WithLog sets the logger for the reporter.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithOutput redirects the display output. Defaults to standard output.
func WithOutput(out io.Writer) Option {
	return func(o *options) {
		o.Out = out
	}
}
