package report

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/perfnum-platform/perfnum/internal/shm"
	"github.com/perfnum-platform/perfnum/internal/wire"
)

func testConfig(t *testing.T) *Config {
	t.Helper()

	cfg := DefaultConfig()
	cfg.SharedMemory.Path = filepath.Join(t.TempDir(), "albertd")
	return cfg
}

func TestShmReporterDisplay(t *testing.T) {
	cfg := testConfig(t)

	region, err := shm.Create(cfg.SharedMemory.Path, 8, shm.WithLog(zaptest.NewLogger(t).Sugar()))
	require.NoError(t, err)
	defer region.Close()

	n, err := region.Claim(0, nil)
	require.NoError(t, err)
	require.Equal(t, int32(1), n)
	n, err = region.Claim(n, nil)
	require.NoError(t, err)
	require.Equal(t, int32(2), n)

	slot, err := region.InsertWorker(4242)
	require.NoError(t, err)
	region.AddTested(slot)
	region.AddTested(slot)
	region.AddFound(slot)
	require.NoError(t, region.AppendResult(6, nil))

	var out bytes.Buffer
	r := NewShmReporter(cfg, WithOutput(&out), WithLog(zaptest.NewLogger(t).Sugar()))
	require.NoError(t, r.Display())

	want := "6\n" +
		"compute(4242): tested 2, found 1\n" +
		"Total tested: 2\n" +
		"Remaining: 6\n" +
		"Next untested integer: 3\n"
	assert.Equal(t, want, out.String())
}

func TestShmReporterDisplayComplete(t *testing.T) {
	cfg := testConfig(t)

	region, err := shm.Create(cfg.SharedMemory.Path, 8, shm.WithLog(zaptest.NewLogger(t).Sugar()))
	require.NoError(t, err)
	defer region.Close()

	var after int32
	for {
		n, err := region.Claim(after, nil)
		require.NoError(t, err)
		if n == 0 {
			break
		}
		after = n
	}
	require.NoError(t, region.AppendResult(6, nil))

	var out bytes.Buffer
	r := NewShmReporter(cfg, WithOutput(&out))
	require.NoError(t, r.Display())

	want := "6\n" +
		"Total tested: 0\n" +
		"Remaining: 8\n" +
		"Testing complete\n"
	assert.Equal(t, want, out.String())
}

func TestPipesReporterFollow(t *testing.T) {
	const managePID = 999

	var stream bytes.Buffer
	require.NoError(t, wire.Write(&stream, wire.NewPerfnum(6)))
	require.NoError(t, wire.Write(&stream, wire.NewPerfnum(28)))
	require.NoError(t, wire.Write(&stream, wire.NewClosed(555)))
	require.NoError(t, wire.Write(&stream, wire.NewDone(managePID)))

	var out bytes.Buffer
	r := NewPipesReporter(DefaultConfig(), WithOutput(&out), WithLog(zaptest.NewLogger(t).Sugar()))
	require.NoError(t, r.follow(&stream, managePID))

	want := "6\n" +
		"28\n" +
		"A compute process exited prematurely; some results may have been lost\n" +
		"Computation complete\n"
	assert.Equal(t, want, out.String())
}

func TestPipesReporterFollowManagerDeath(t *testing.T) {
	const managePID = 999

	var stream bytes.Buffer
	require.NoError(t, wire.Write(&stream, wire.NewPerfnum(6)))
	require.NoError(t, wire.Write(&stream, wire.NewClosed(managePID)))
	// Anything after the coordinator's own farewell is never read.
	require.NoError(t, wire.Write(&stream, wire.NewPerfnum(28)))

	var out bytes.Buffer
	r := NewPipesReporter(DefaultConfig(), WithOutput(&out))
	require.NoError(t, r.follow(&stream, managePID))

	want := "6\n" +
		"Manage was shut down before execution could complete\n"
	assert.Equal(t, want, out.String())
}
