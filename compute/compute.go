// Package compute implements the worker side of the perfect-number search:
// one loop per coordination method, all sharing the divisor-sum predicate.
package compute

import "go.uber.org/zap"

type options struct {
	Log *zap.SugaredLogger
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// Option is a function that configures a worker.
type Option func(*options)

// WithLog sets the logger for the worker.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}
