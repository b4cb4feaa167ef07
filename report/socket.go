package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	"go.uber.org/zap"

	"github.com/perfnum-platform/perfnum/internal/wire"
)

// SocketReporter subscribes to the socket coordinator's event stream, or
// sends it the kill record.
type SocketReporter struct {
	addr string
	out  io.Writer
	log  *zap.SugaredLogger
}

// NewSocketReporter creates a reporter that connects to serverIP on the
// configured port.
func NewSocketReporter(serverIP string, cfg *Config, options ...Option) *SocketReporter {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	return &SocketReporter{
		addr: net.JoinHostPort(serverIP, strconv.Itoa(int(cfg.Socket.Port))),
		out:  opts.Out,
		log:  opts.Log,
	}
}

// Display subscribes with Notify and, once accepted, prints the historical
// replay followed by live events.
func (m *SocketReporter) Display(ctx context.Context) error {
	conn, err := m.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := wire.Write(conn, wire.NewNotify()); err != nil {
		return err
	}

	rec, err := wire.Read(conn)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to read the subscription reply: %w", err)
	}
	switch rec.Tag {
	case wire.TagAccept:
	case wire.TagRefuse:
		fmt.Fprintln(m.out, "Another reporter is already registered")
		return nil
	default:
		return fmt.Errorf("unexpected reply to subscription: %s", rec.Tag)
	}

	if err := m.follow(conn); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	return nil
}

func (m *SocketReporter) follow(conn net.Conn) error {
	for {
		rec, err := wire.Read(conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read the event stream: %w", err)
		}

		switch rec.Tag {
		case wire.TagPerfnum:
			fmt.Fprintf(m.out, "%d\n", rec.Value())

		case wire.TagDone:
			fmt.Fprintln(m.out, "Computation complete")
			return nil

		case wire.TagClosed:
			if rec.Pid() == wire.PIDServer {
				fmt.Fprintln(m.out, "Manage was shut down before execution could complete")
				return nil
			}
			fmt.Fprintln(m.out, "A compute process exited prematurely; some results may have been lost")

		default:
			m.log.Warnw("ignoring unexpected record", zap.Stringer("tag", rec.Tag))
		}
	}
}

// Kill asks the coordinator to shut down.
func (m *SocketReporter) Kill(ctx context.Context) error {
	conn, err := m.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := wire.Write(conn, wire.NewKill()); err != nil {
		return err
	}

	m.log.Info("asked the coordinator to shut down")
	return nil
}

func (m *SocketReporter) dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", m.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %q: %w", m.addr, err)
	}
	return conn, nil
}
