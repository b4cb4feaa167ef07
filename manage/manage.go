// Package manage implements the coordinator: it owns the lifecycle of a
// search run for each of the three coordination methods. The pipes
// coordinator pre-partitions the range and fans worker output into the
// reporter FIFO, the shared-memory coordinator owns the region that workers
// pull work from, and the socket coordinator hands out ranges on demand over
// TCP.
package manage

import "go.uber.org/zap"

type options struct {
	Log *zap.SugaredLogger
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// Option is a function that configures a coordinator.
type Option func(*options)

// WithLog sets the logger for the coordinator.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}
