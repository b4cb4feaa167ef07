package compute

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/perfnum-platform/perfnum/internal/shm"
)

func TestShmWorkersCoverEveryCandidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "albertd")
	region, err := shm.Create(path, 100, shm.WithLog(zaptest.NewLogger(t).Sugar()))
	require.NoError(t, err)
	defer region.Close()

	var wg errgroup.Group
	for range 3 {
		w := NewShmWorker(region, WithLog(zaptest.NewLogger(t).Sugar()))
		wg.Go(func() error {
			return w.Run(context.Background())
		})
	}
	require.NoError(t, wg.Wait())

	assert.ElementsMatch(t, []int32{6, 28}, region.Results())
	assert.Zero(t, region.NextUntested())
	assert.Empty(t, region.Workers())
}

func TestShmWorkerInterrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "albertd")
	region, err := shm.Create(path, 100, shm.WithLog(zaptest.NewLogger(t).Sugar()))
	require.NoError(t, err)
	defer region.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := NewShmWorker(region, WithLog(zaptest.NewLogger(t).Sugar()))
	require.NoError(t, w.Run(ctx))

	// The worker left without testing anything, and cleared its slot.
	assert.Equal(t, int32(1), region.NextUntested())
	assert.Empty(t, region.Workers())
}
