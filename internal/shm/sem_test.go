package shm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestSemMutualExclusion(t *testing.T) {
	region := testRegion(t, 10)
	sem := region.BitmapSem()

	counter := 0
	var wg errgroup.Group
	for range 8 {
		wg.Go(func() error {
			for range 100 {
				if err := sem.Acquire(nil); err != nil {
					return err
				}
				counter++
				sem.Release()
			}
			return nil
		})
	}
	require.NoError(t, wg.Wait())

	assert.Equal(t, 800, counter)
	assert.Equal(t, uint32(1), sem.Value())
}

func TestSemAcquireInterrupted(t *testing.T) {
	region := testRegion(t, 10)
	sem := region.ResultSem()

	require.NoError(t, sem.Acquire(nil))
	defer sem.Release()

	err := sem.Acquire(func() bool { return true })
	assert.ErrorIs(t, err, ErrInterrupted)
}
