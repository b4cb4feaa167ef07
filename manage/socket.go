package manage

import (
	"context"
	"fmt"
	"net"
	"os"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/perfnum-platform/perfnum/internal/wire"
)

// maxClients bounds the connection table. Connections past the cap are
// closed on accept.
const maxClients = 20

// SocketManager hands out work ranges over TCP and streams results to at
// most one subscribed reporter.
//
// The single event loop owns all protocol state (client table, high-water
// mark, result history, subscription), so state transitions stay
// single-threaded; per-connection reader goroutines only decode records and
// feed the loop.
type SocketManager struct {
	cfg     *Config
	limit   int32
	clients [maxClients]*socketClient
	ready   chan struct{}
	addr    net.Addr
	log     *zap.SugaredLogger
}

type socketClient struct {
	conn net.Conn
	slot int
}

type socketEvent struct {
	client *socketClient
	rec    wire.Record
	err    error
}

// NewSocketManager creates a coordinator for the socket method.
func NewSocketManager(limit int32, cfg *Config, options ...Option) *SocketManager {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	return &SocketManager{
		cfg:   cfg,
		limit: limit,
		ready: make(chan struct{}),
		log:   opts.Log,
	}
}

// Ready is closed once the listener is bound; Addr is valid after that.
func (m *SocketManager) Ready() <-chan struct{} {
	return m.ready
}

// Addr returns the bound listen address.
func (m *SocketManager) Addr() net.Addr {
	return m.addr
}

// Run binds the listener and serves the control protocol until a Kill
// record or shutdown request arrives.
func (m *SocketManager) Run(ctx context.Context) error {
	lc := net.ListenConfig{Control: reuseAddr}
	ln, err := lc.Listen(ctx, "tcp", m.cfg.Socket.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to bind %q: %w", m.cfg.Socket.ListenAddr, err)
	}
	defer ln.Close()

	m.addr = ln.Addr()
	close(m.ready)
	m.log.Infow("listening", zap.Stringer("addr", ln.Addr()))

	loopDone := make(chan struct{})
	defer close(loopDone)

	conns := make(chan net.Conn)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				// Listener closed.
				return
			}
			select {
			case conns <- conn:
			case <-loopDone:
				conn.Close()
				return
			}
		}
	}()

	events := make(chan socketEvent)
	assign := m.cfg.Socket.Assign
	serverPID := int32(os.Getpid())

	var subscriber *socketClient
	var high int32
	var history []int32
	done := false
	workerDied := false

	for {
		select {
		case <-ctx.Done():
			m.log.Info("shutdown requested")
			m.closeAll()
			return nil

		case conn := <-conns:
			slot := m.freeSlot()
			if slot < 0 {
				m.log.Warnw("client table full, refusing connection",
					zap.Stringer("peer", conn.RemoteAddr()))
				conn.Close()
				continue
			}
			c := &socketClient{conn: conn, slot: slot}
			m.clients[slot] = c
			m.log.Infow("client connected", zap.Stringer("peer", conn.RemoteAddr()))

			go func() {
				for {
					rec, err := wire.Read(c.conn)
					select {
					case events <- socketEvent{client: c, rec: rec, err: err}:
					case <-loopDone:
						return
					}
					if err != nil {
						return
					}
				}
			}()

		case ev := <-events:
			if ev.err != nil {
				if subscriber == ev.client {
					m.log.Info("subscriber detached")
					subscriber = nil
				}
				m.dropClient(ev.client)
				continue
			}

			switch ev.rec.Tag {
			case wire.TagPerfnum:
				n := ev.rec.Value()
				m.log.Infow("perfect number reported", zap.Int32("n", n))
				history = append(history, n)
				if subscriber != nil {
					m.send(subscriber, ev.rec)
				}

			case wire.TagDone:
				if high < m.limit {
					grant := wire.NewRange(high+1, min(high+assign, m.limit))
					m.send(ev.client, grant)
					// The mark advances by the full grant even when the
					// tail was clipped; once past the limit only the
					// exhaustion check below looks at it.
					high += assign
					m.log.Infow("granted range",
						zap.Int32("start", grant.Start()), zap.Int32("end", grant.End()))
				} else {
					done = true
					m.send(ev.client, wire.NewRefuse())
					if subscriber != nil {
						m.send(subscriber, wire.NewDone(serverPID))
					}
				}

			case wire.TagClosed:
				m.log.Warnw("worker died mid-range", zap.Int32("pid", ev.rec.Pid()))
				workerDied = true
				if subscriber != nil {
					m.send(subscriber, ev.rec)
				}

			case wire.TagKill:
				m.log.Info("kill requested by reporter")
				m.closeAll()
				return nil

			case wire.TagNotify:
				if subscriber != nil {
					m.send(ev.client, wire.NewRefuse())
					continue
				}
				subscriber = ev.client
				m.log.Infow("subscriber registered",
					zap.Stringer("peer", ev.client.conn.RemoteAddr()))
				m.send(subscriber, wire.NewAccept())
				if workerDied {
					m.send(subscriber, wire.NewClosed(wire.PIDClient))
				}
				for _, n := range history {
					m.send(subscriber, wire.NewPerfnum(n))
				}
				if done {
					m.send(subscriber, wire.NewDone(serverPID))
				}

			default:
				m.log.Warnw("ignoring unexpected record", zap.Stringer("tag", ev.rec.Tag))
			}
		}
	}
}

func (m *SocketManager) freeSlot() int {
	for slot, c := range m.clients {
		if c == nil {
			return slot
		}
	}
	return -1
}

func (m *SocketManager) dropClient(c *socketClient) {
	m.clients[c.slot] = nil
	c.conn.Close()
}

func (m *SocketManager) send(c *socketClient, rec wire.Record) {
	if err := wire.Write(c.conn, rec); err != nil {
		m.log.Warnw("failed to write to client",
			zap.Stringer("peer", c.conn.RemoteAddr()), zap.Error(err))
	}
}

// closeAll announces the server's end to every connected peer and drops the
// connections.
func (m *SocketManager) closeAll() {
	for slot, c := range m.clients {
		if c == nil {
			continue
		}
		_ = wire.Write(c.conn, wire.NewClosed(wire.PIDServer))
		c.conn.Close()
		m.clients[slot] = nil
	}
}

func reuseAddr(network, address string, c syscall.RawConn) error {
	var serr error
	if err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return serr
}
