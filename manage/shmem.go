package manage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/perfnum-platform/perfnum/internal/shm"
)

// ShmManager owns the shared region for the shared-memory method. The
// workers pull work themselves, so the coordinator simply holds the region
// open until it is told to stop, then signals the roster and tears the
// region down.
type ShmManager struct {
	cfg   *Config
	limit int32
	log   *zap.SugaredLogger
}

// NewShmManager creates a coordinator for the shared-memory method.
func NewShmManager(limit int32, cfg *Config, options ...Option) *ShmManager {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	return &ShmManager{
		cfg:   cfg,
		limit: limit,
		log:   opts.Log,
	}
}

// Run creates the region and blocks until shutdown is requested.
func (m *ShmManager) Run(ctx context.Context) error {
	region, err := shm.Create(m.cfg.SharedMemory.Path, m.limit, shm.WithLog(m.log))
	if err != nil {
		return fmt.Errorf("failed to create the shared region: %w", err)
	}

	m.log.Infow("region ready, waiting for shutdown", zap.Int32("limit", m.limit))
	<-ctx.Done()

	return region.Destroy()
}
