package compute

import (
	"context"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/perfnum-platform/perfnum/internal/perfect"
	"github.com/perfnum-platform/perfnum/internal/wire"
)

// PipeWorker tests a pre-partitioned range and reports over its standard
// output, which the pipes coordinator wired to the shared pipe before exec.
type PipeWorker struct {
	start int32
	end   int32
	out   io.Writer
	log   *zap.SugaredLogger
}

// NewPipeWorker creates a worker for the inclusive range [start, end]
// writing records to out.
func NewPipeWorker(start, end int32, out io.Writer, options ...Option) *PipeWorker {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	return &PipeWorker{
		start: start,
		end:   end,
		out:   out,
		log:   opts.Log,
	}
}

// Run tests every candidate in ascending order. Each hit is sent
// immediately; exhaustion ends with Done, a shutdown request with Closed.
func (m *PipeWorker) Run(ctx context.Context) error {
	pid := int32(os.Getpid())

	m.log.Infow("testing range", zap.Int32("start", m.start), zap.Int32("end", m.end))

	for n := m.start; n <= m.end; n++ {
		if ctx.Err() != nil {
			m.log.Infow("interrupted mid-range", zap.Int32("next", n))
			return wire.Write(m.out, wire.NewClosed(pid))
		}

		if perfect.Perfect(n) {
			m.log.Infow("found perfect number", zap.Int32("n", n))
			if err := wire.Write(m.out, wire.NewPerfnum(n)); err != nil {
				return err
			}
		}
	}

	return wire.Write(m.out, wire.NewDone(pid))
}
