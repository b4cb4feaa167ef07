package compute

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/perfnum-platform/perfnum/internal/perfect"
	"github.com/perfnum-platform/perfnum/internal/shm"
)

// ShmWorker pulls candidates from the shared claim bitmap until it is
// exhausted or the worker is asked to stop.
type ShmWorker struct {
	region *shm.Region
	log    *zap.SugaredLogger
}

// NewShmWorker creates a worker over an already-mounted region.
func NewShmWorker(region *shm.Region, options ...Option) *ShmWorker {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	return &ShmWorker{
		region: region,
		log:    opts.Log,
	}
}

// Run joins the roster, then claims and tests candidates one at a time.
// The roster slot is cleared on every normal return; a crash leaves it
// stale for the coordinator's teardown to deal with.
func (m *ShmWorker) Run(ctx context.Context) error {
	slot, err := m.region.InsertWorker(int32(os.Getpid()))
	if err != nil {
		return fmt.Errorf("failed to join the worker roster: %w", err)
	}
	defer m.region.ClearWorker(slot)

	cancel := func() bool { return ctx.Err() != nil }

	var after int32
	for {
		if ctx.Err() != nil {
			m.log.Info("interrupted")
			return nil
		}

		n, err := m.region.Claim(after, cancel)
		if err != nil {
			if errors.Is(err, shm.ErrInterrupted) {
				return nil
			}
			return err
		}
		if n == 0 {
			m.log.Info("no untested candidates remain")
			return nil
		}
		after = n

		if perfect.Perfect(n) {
			m.log.Infow("found perfect number", zap.Int32("n", n))
			m.region.AddFound(slot)
			if err := m.region.AppendResult(n, cancel); err != nil {
				if errors.Is(err, shm.ErrInterrupted) {
					return nil
				}
				return err
			}
		}
		m.region.AddTested(slot)
	}
}
