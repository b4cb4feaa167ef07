package manage

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/perfnum-platform/perfnum/compute"
	"github.com/perfnum-platform/perfnum/internal/wire"
	"github.com/perfnum-platform/perfnum/report"
)

func startServer(t *testing.T, limit, assign int32) *SocketManager {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Socket.ListenAddr = "127.0.0.1:0"
	if assign != 0 {
		cfg.Socket.Assign = assign
	}

	m := NewSocketManager(limit, cfg, WithLog(zaptest.NewLogger(t).Sugar()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	<-m.Ready()
	return m
}

func dialServer(t *testing.T, m *SocketManager) net.Conn {
	t.Helper()

	conn, err := net.Dial("tcp", m.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return conn
}

func TestSocketManagerGrantsRanges(t *testing.T) {
	m := startServer(t, 2500, 1000)
	conn := dialServer(t, m)

	expect := []wire.Record{
		wire.NewRange(1, 1000),
		wire.NewRange(1001, 2000),
		// The final grant is clipped to the limit.
		wire.NewRange(2001, 2500),
		wire.NewRefuse(),
	}
	for _, want := range expect {
		require.NoError(t, wire.Write(conn, wire.NewDone(77)))
		got, err := wire.Read(conn)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestSocketManagerNotifyReplay(t *testing.T) {
	m := startServer(t, 30, 0)

	worker := dialServer(t, m)
	require.NoError(t, wire.Write(worker, wire.NewPerfnum(6)))
	require.NoError(t, wire.Write(worker, wire.NewPerfnum(28)))

	// Exhaust the range so the subscription replay ends with Done.
	require.NoError(t, wire.Write(worker, wire.NewDone(77)))
	rec, err := wire.Read(worker)
	require.NoError(t, err)
	require.Equal(t, wire.TagRange, rec.Tag)
	require.NoError(t, wire.Write(worker, wire.NewDone(77)))
	rec, err = wire.Read(worker)
	require.NoError(t, err)
	require.Equal(t, wire.TagRefuse, rec.Tag)

	subscriber := dialServer(t, m)
	require.NoError(t, wire.Write(subscriber, wire.NewNotify()))

	var got []wire.Record
	for range 4 {
		rec, err := wire.Read(subscriber)
		require.NoError(t, err)
		got = append(got, rec)
	}
	want := []wire.Record{
		wire.NewAccept(),
		wire.NewPerfnum(6),
		wire.NewPerfnum(28),
	}
	assert.Equal(t, want, got[:3])
	assert.Equal(t, wire.TagDone, got[3].Tag)
}

func TestSocketManagerSecondSubscriberRefused(t *testing.T) {
	m := startServer(t, 100, 0)

	first := dialServer(t, m)
	require.NoError(t, wire.Write(first, wire.NewNotify()))
	rec, err := wire.Read(first)
	require.NoError(t, err)
	require.Equal(t, wire.TagAccept, rec.Tag)

	second := dialServer(t, m)
	require.NoError(t, wire.Write(second, wire.NewNotify()))
	rec, err = wire.Read(second)
	require.NoError(t, err)
	assert.Equal(t, wire.TagRefuse, rec.Tag)
}

func TestSocketManagerForwardsWorkerDeath(t *testing.T) {
	m := startServer(t, 100, 0)

	worker := dialServer(t, m)
	require.NoError(t, wire.Write(worker, wire.NewClosed(wire.PIDClient)))

	// A late subscriber is told about the death before the replay.
	subscriber := dialServer(t, m)
	require.NoError(t, wire.Write(subscriber, wire.NewNotify()))

	rec, err := wire.Read(subscriber)
	require.NoError(t, err)
	require.Equal(t, wire.TagAccept, rec.Tag)

	rec, err = wire.Read(subscriber)
	require.NoError(t, err)
	assert.Equal(t, wire.NewClosed(wire.PIDClient), rec)
}

func TestSocketManagerKill(t *testing.T) {
	m := startServer(t, 1000, 0)

	worker := dialServer(t, m)
	require.NoError(t, wire.Write(worker, wire.NewDone(77)))
	rec, err := wire.Read(worker)
	require.NoError(t, err)
	require.Equal(t, wire.TagRange, rec.Tag)

	reporter := dialServer(t, m)
	require.NoError(t, wire.Write(reporter, wire.NewKill()))

	// Every connected peer gets the server's farewell, then EOF.
	for _, conn := range []net.Conn{worker, reporter} {
		rec, err := wire.Read(conn)
		require.NoError(t, err)
		assert.Equal(t, wire.NewClosed(wire.PIDServer), rec)

		_, err = wire.Read(conn)
		assert.ErrorIs(t, err, io.EOF)
	}
}

func TestSocketEndToEnd(t *testing.T) {
	m := startServer(t, 500, 100)
	port := uint16(m.Addr().(*net.TCPAddr).Port)

	rcfg := report.DefaultConfig()
	rcfg.Socket.Port = port
	var out bytes.Buffer
	reporter := report.NewSocketReporter("127.0.0.1", rcfg,
		report.WithLog(zaptest.NewLogger(t).Sugar()),
		report.WithOutput(&out))

	worker := compute.NewSocketWorker("127.0.0.1",
		compute.SocketConfig{Port: port, DialAttempts: 3},
		compute.WithLog(zaptest.NewLogger(t).Sugar()))

	var wg errgroup.Group
	wg.Go(func() error { return reporter.Display(context.Background()) })
	wg.Go(func() error { return worker.Run(context.Background()) })
	require.NoError(t, wg.Wait())

	assert.Equal(t, "6\n28\n496\nComputation complete\n", out.String())
}
