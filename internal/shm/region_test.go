package shm

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

func testRegion(t *testing.T, limit int32) *Region {
	t.Helper()

	path := filepath.Join(t.TempDir(), "albertd")
	region, err := Create(path, limit, WithLog(zaptest.NewLogger(t).Sugar()))
	require.NoError(t, err)
	t.Cleanup(func() { region.Close() })

	return region
}

func TestSize(t *testing.T) {
	// limit 8: one bitmap byte padded to the next word.
	assert.Equal(t, 16+4+NPerfNums*4+NProcs*procSize, Size(8))
	// limit 100: 13 bitmap bytes padded to 16.
	assert.Equal(t, 28+4+NPerfNums*4+NProcs*procSize, Size(100))
	// limit 96: 12 bitmap bytes, already aligned.
	assert.Equal(t, 24+4+NPerfNums*4+NProcs*procSize, Size(96))
}

func TestCreateRejectsBadLimit(t *testing.T) {
	_, err := Create(filepath.Join(t.TempDir(), "albertd"), 0)
	require.Error(t, err)
}

func TestCreateAndMount(t *testing.T) {
	region := testRegion(t, 500)

	info, err := os.Stat(region.Path())
	require.NoError(t, err)
	assert.Equal(t, int64(Size(500)), info.Size())

	mounted, err := Mount(region.Path())
	require.NoError(t, err)
	defer mounted.Close()

	assert.Equal(t, int32(500), mounted.Limit())
	assert.Equal(t, int32(os.Getpid()), mounted.ManagePID())
}

func TestMountRejectsForeignRegion(t *testing.T) {
	region := testRegion(t, 500)
	require.NoError(t, os.Truncate(region.Path(), int64(Size(500))+8))

	_, err := Mount(region.Path())
	require.ErrorIs(t, err, ErrForeignRegion)
}

func TestMountRejectsMissingRegion(t *testing.T) {
	_, err := Mount(filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
}

func TestMountNeverCreates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent")
	_, err := Mount(path)
	require.Error(t, err)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestClaimExclusivity(t *testing.T) {
	const limit = 200
	region := testRegion(t, limit)

	var mu sync.Mutex
	counts := make(map[int32]int)

	var wg errgroup.Group
	for range 4 {
		wg.Go(func() error {
			var after int32
			for {
				n, err := region.Claim(after, nil)
				if err != nil {
					return err
				}
				if n == 0 {
					return nil
				}
				after = n

				mu.Lock()
				counts[n]++
				mu.Unlock()
			}
		})
	}
	require.NoError(t, wg.Wait())

	// Every candidate was claimed by exactly one claimer.
	require.Len(t, counts, limit)
	for n, c := range counts {
		assert.Equal(t, 1, c, "candidate %d", n)
	}
	assert.Zero(t, region.NextUntested())
}

func TestNextUntested(t *testing.T) {
	region := testRegion(t, 10)
	assert.Equal(t, int32(1), region.NextUntested())

	n, err := region.Claim(0, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), n)
	assert.Equal(t, int32(2), region.NextUntested())
}

func TestResultSlotDiscipline(t *testing.T) {
	region := testRegion(t, 10)

	require.NoError(t, region.AppendResult(6, nil))
	require.NoError(t, region.AppendResult(28, nil))
	assert.Equal(t, []int32{6, 28}, region.Results())

	for i := 2; i < NPerfNums; i++ {
		require.NoError(t, region.AppendResult(int32(100+i), nil))
	}
	assert.ErrorIs(t, region.AppendResult(999, nil), ErrResultsFull)

	// A full table never loses its earliest entries.
	assert.Equal(t, []int32{6, 28}, region.Results()[:2])
}

func TestRoster(t *testing.T) {
	region := testRegion(t, 10)

	slot, err := region.InsertWorker(4242)
	require.NoError(t, err)
	region.AddTested(slot)
	region.AddTested(slot)
	region.AddFound(slot)

	want := []Proc{{PID: 4242, Found: 1, Tested: 2}}
	if diff := cmp.Diff(want, region.Workers()); diff != "" {
		t.Errorf("roster mismatch (-want +got):\n%s", diff)
	}

	region.ClearWorker(slot)
	assert.Empty(t, region.Workers())
}

func TestRosterFull(t *testing.T) {
	region := testRegion(t, 10)

	for i := range NProcs {
		_, err := region.InsertWorker(int32(1000 + i))
		require.NoError(t, err)
	}

	_, err := region.InsertWorker(2000)
	assert.ErrorIs(t, err, ErrRosterFull)
}

func TestDestroyUnlinks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "albertd")
	region, err := Create(path, 50, WithLog(zaptest.NewLogger(t).Sugar()))
	require.NoError(t, err)

	require.NoError(t, region.Destroy())

	_, err = Mount(path)
	require.Error(t, err)
}

func TestMountersMayNotDestroy(t *testing.T) {
	region := testRegion(t, 10)

	mounted, err := Mount(region.Path())
	require.NoError(t, err)
	defer mounted.Close()

	require.Error(t, mounted.Destroy())
}
