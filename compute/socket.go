package compute

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/perfnum-platform/perfnum/internal/perfect"
	"github.com/perfnum-platform/perfnum/internal/wire"
)

// SocketWorker requests work ranges from the coordinator over TCP. The Done
// record doubles as "ready for work": one is sent right after connecting,
// before any range was ever assigned, and again after each finished range.
type SocketWorker struct {
	addr         string
	dialAttempts int
	log          *zap.SugaredLogger
}

// readSlice bounds a single blocking wait for the first byte of a record so
// a shutdown request is noticed promptly.
const readSlice = 100 * time.Millisecond

// NewSocketWorker creates a worker that connects to serverIP on the
// configured port.
func NewSocketWorker(serverIP string, cfg SocketConfig, options ...Option) *SocketWorker {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	return &SocketWorker{
		addr:         net.JoinHostPort(serverIP, strconv.Itoa(int(cfg.Port))),
		dialAttempts: max(cfg.DialAttempts, 1),
		log:          opts.Log,
	}
}

// Run connects and then alternates work requests with range runs until the
// coordinator refuses, terminates, or a shutdown request arrives.
func (m *SocketWorker) Run(ctx context.Context) error {
	conn, err := m.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	pid := int32(os.Getpid())

	if err := wire.Write(conn, wire.NewDone(pid)); err != nil {
		return err
	}

	for {
		rec, err := m.read(ctx, conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				m.log.Info("coordinator went away")
				return nil
			}
			if ctx.Err() != nil {
				_ = wire.Write(conn, wire.NewClosed(wire.PIDClient))
				return nil
			}
			return fmt.Errorf("failed to read from coordinator: %w", err)
		}

		switch rec.Tag {
		case wire.TagRange:
			interrupted, err := m.runRange(ctx, conn, rec.Start(), rec.End(), pid)
			if err != nil {
				return err
			}
			if interrupted {
				return nil
			}
		case wire.TagRefuse:
			m.log.Info("no work remains")
			return nil
		case wire.TagClosed:
			m.log.Info("coordinator terminated")
			return nil
		default:
			m.log.Warnw("ignoring unexpected record", zap.Stringer("tag", rec.Tag))
		}
	}
}

// runRange tests [start, end] in order, streaming hits, and requests more
// work when the range is exhausted. On a shutdown request it announces the
// premature exit instead.
func (m *SocketWorker) runRange(ctx context.Context, conn net.Conn, start, end, pid int32) (bool, error) {
	m.log.Infow("testing range", zap.Int32("start", start), zap.Int32("end", end))

	for n := start; n <= end; n++ {
		if ctx.Err() != nil {
			m.log.Infow("interrupted mid-range", zap.Int32("next", n))
			return true, wire.Write(conn, wire.NewClosed(wire.PIDClient))
		}

		if perfect.Perfect(n) {
			m.log.Infow("found perfect number", zap.Int32("n", n))
			if err := wire.Write(conn, wire.NewPerfnum(n)); err != nil {
				return false, err
			}
		}
	}

	return false, wire.Write(conn, wire.NewDone(pid))
}

// read blocks for the next record. The wait for the first byte happens in
// deadline slices so ctx cancellation is noticed; once a record has begun
// arriving the remainder is read without a deadline to keep record framing
// intact.
func (m *SocketWorker) read(ctx context.Context, conn net.Conn) (wire.Record, error) {
	var first [1]byte
	for {
		if err := conn.SetReadDeadline(time.Now().Add(readSlice)); err != nil {
			return wire.Record{}, err
		}

		_, err := io.ReadFull(conn, first[:])
		if err == nil {
			break
		}

		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			if ctx.Err() != nil {
				return wire.Record{}, ctx.Err()
			}
			continue
		}
		return wire.Record{}, err
	}

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return wire.Record{}, err
	}
	return wire.Read(io.MultiReader(bytes.NewReader(first[:]), conn))
}

func (m *SocketWorker) dial(ctx context.Context) (net.Conn, error) {
	dialBackoff := backoff.ExponentialBackOff{
		InitialInterval:     backoff.DefaultInitialInterval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         2 * time.Second,
	}
	dialBackoff.Reset()

	var d net.Dialer
	for attempt := 1; ; attempt++ {
		conn, err := d.DialContext(ctx, "tcp", m.addr)
		if err == nil {
			m.log.Infow("connected to coordinator", zap.String("addr", m.addr))
			return conn, nil
		}
		if attempt >= m.dialAttempts {
			return nil, fmt.Errorf("failed to connect to %q: %w", m.addr, err)
		}

		m.log.Warnw("connect failed, retrying",
			zap.String("addr", m.addr), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(dialBackoff.NextBackOff()):
		}
	}
}
