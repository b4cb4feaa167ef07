package manage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/perfnum-platform/perfnum/internal/shm"
)

func TestShmManagerLifecycle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SharedMemory.Path = filepath.Join(t.TempDir(), "albertd")

	m := NewShmManager(100, cfg, WithLog(zaptest.NewLogger(t).Sugar()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	// The region appears once the coordinator is up.
	require.Eventually(t, func() bool {
		region, err := shm.Mount(cfg.SharedMemory.Path)
		if err != nil {
			return false
		}
		region.Close()
		return true
	}, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	// Teardown unlinked the region.
	_, err := shm.Mount(cfg.SharedMemory.Path)
	require.Error(t, err)
}
