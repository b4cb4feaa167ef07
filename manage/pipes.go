package manage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/perfnum-platform/perfnum/internal/wire"
)

// shutdownWindow bounds how long straggling workers get to exit after being
// signalled.
const shutdownWindow = 5 * time.Second

// blockRange is one contiguous work assignment.
type blockRange struct {
	Start int32
	End   int32
}

// partition splits [1, limit] into count contiguous ascending blocks. The
// first block absorbs the remainder: that worker is started first and
// warmed fastest.
func partition(limit, count int32) []blockRange {
	block := limit / count

	out := make([]blockRange, 0, count)
	out = append(out, blockRange{Start: 1, End: block + limit%count})
	next := out[0].End + 1
	for i := int32(1); i < count; i++ {
		out = append(out, blockRange{Start: next, End: next + block - 1})
		next += block
	}
	return out
}

// PipesManager pre-partitions the range among exec'd workers, multiplexes
// their output over one anonymous pipe and forwards results into the
// reporter FIFO.
type PipesManager struct {
	cfg     *Config
	limit   int32
	nprocs  int32
	history []int32
	reapWG  sync.WaitGroup
	log     *zap.SugaredLogger
}

// NewPipesManager creates a coordinator for the pipes method with nprocs
// workers.
func NewPipesManager(limit, nprocs int32, cfg *Config, options ...Option) *PipesManager {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	return &PipesManager{
		cfg:    cfg,
		limit:  limit,
		nprocs: nprocs,
		log:    opts.Log,
	}
}

// History returns the perfect numbers collected so far, in arrival order.
func (m *PipesManager) History() []int32 {
	return m.history
}

type pipeChild struct {
	cmd  *exec.Cmd
	live bool
}

// Run spawns the workers, then forwards records until every worker exited,
// shutdown was requested, or the reporter went away.
func (m *PipesManager) Run(ctx context.Context) error {
	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("failed to create the worker pipe: %w", err)
	}
	defer r.Close()

	children := make(map[int32]*pipeChild, m.nprocs)
	for _, blk := range partition(m.limit, m.nprocs) {
		cmd := exec.Command(m.cfg.Pipes.ComputeBin, "p",
			strconv.FormatInt(int64(blk.Start), 10),
			strconv.FormatInt(int64(blk.End), 10))
		cmd.Stdout = w
		cmd.Stderr = os.Stderr

		if err := cmd.Start(); err != nil {
			w.Close()
			m.killAll(children)
			return fmt.Errorf("failed to start worker %q: %w", m.cfg.Pipes.ComputeBin, err)
		}

		children[int32(cmd.Process.Pid)] = &pipeChild{cmd: cmd, live: true}
		m.log.Infow("started worker",
			zap.Int("pid", cmd.Process.Pid),
			zap.Int32("start", blk.Start),
			zap.Int32("end", blk.End))
	}
	// The children hold the write end now; dropping ours means the read
	// side sees EOF once the last worker exits.
	w.Close()

	pidPath := m.cfg.Pipes.PIDFile
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		m.killAll(children)
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	fifoPath := m.cfg.Pipes.FIFOPath
	if err := unix.Mkfifo(fifoPath, 0o666); err != nil {
		if err != unix.EEXIST {
			m.killAll(children)
			return fmt.Errorf("failed to create FIFO %q: %w", fifoPath, err)
		}
		m.log.Warnw("reusing stale FIFO", zap.String("path", fifoPath))
	}
	defer os.Remove(fifoPath)

	m.log.Infow("waiting for the reporter to open the FIFO", zap.String("path", fifoPath))
	fifo, err := m.openFIFO(ctx, fifoPath)
	if err != nil {
		m.killAll(children)
		return fmt.Errorf("failed to open FIFO for writing: %w", err)
	}
	if fifo == nil {
		// Shutdown was requested before a reporter ever showed up.
		m.killAll(children)
		return nil
	}
	defer fifo.Close()

	loopDone := make(chan struct{})
	defer close(loopDone)

	records := make(chan wire.Record)
	go func() {
		defer close(records)
		for {
			rec, err := wire.Read(r)
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
					m.log.Warnw("worker pipe read failed", zap.Error(err))
				}
				return
			}
			select {
			case records <- rec:
			case <-loopDone:
				return
			}
		}
	}()

	exited := int32(0)
	signalled := false
	brokenPipe := false

loop:
	for exited < m.nprocs {
		select {
		case <-ctx.Done():
			signalled = true
			break loop

		case rec, ok := <-records:
			if !ok {
				// Pipe EOF: every writer is gone.
				break loop
			}

			switch rec.Tag {
			case wire.TagPerfnum:
				m.log.Infow("perfect number reported", zap.Int32("n", rec.Value()))
				m.history = append(m.history, rec.Value())
				if err := wire.Write(fifo, rec); err != nil {
					m.log.Warnw("reporter went away", zap.Error(err))
					brokenPipe = true
					break loop
				}

			case wire.TagDone:
				m.log.Infow("worker finished", zap.Int32("pid", rec.Pid()))
				m.reap(children, rec.Pid())
				exited++

			case wire.TagClosed:
				m.log.Warnw("worker exited prematurely", zap.Int32("pid", rec.Pid()))
				if err := wire.Write(fifo, rec); err != nil {
					m.log.Warnw("reporter went away", zap.Error(err))
					brokenPipe = true
					break loop
				}
				m.reap(children, rec.Pid())
				exited++

			default:
				m.log.Warnw("ignoring unexpected record", zap.Stringer("tag", rec.Tag))
			}
		}
	}

	if !brokenPipe {
		rec := wire.NewDone(int32(os.Getpid()))
		if signalled {
			rec = wire.NewClosed(int32(os.Getpid()))
		}
		if err := wire.Write(fifo, rec); err != nil {
			m.log.Warnw("failed to notify the reporter", zap.Error(err))
		}
	}

	m.killAll(children)

	// Give the off-loop reaps the same bounded window to finish.
	reaped := make(chan struct{})
	go func() {
		m.reapWG.Wait()
		close(reaped)
	}()
	select {
	case <-reaped:
	case <-time.After(shutdownWindow):
		m.log.Warn("some workers were not reaped within the shutdown window")
	}

	return nil
}

// openFIFO waits for the reporter to open the read side. Opening write-only
// and nonblocking fails with ENXIO while no reader exists, which keeps the
// wait interruptible; once the reader is there the flag is cleared again so
// writes block like on a plain FIFO. Returns nil, nil when shutdown was
// requested first.
func (m *PipesManager) openFIFO(ctx context.Context, path string) (*os.File, error) {
	for {
		fifo, err := os.OpenFile(path, os.O_WRONLY|syscall.O_NONBLOCK, 0)
		if err == nil {
			flags, ferr := unix.FcntlInt(fifo.Fd(), unix.F_GETFL, 0)
			if ferr == nil {
				_, ferr = unix.FcntlInt(fifo.Fd(), unix.F_SETFL, flags&^unix.O_NONBLOCK)
			}
			if ferr != nil {
				fifo.Close()
				return nil, fmt.Errorf("failed to restore blocking writes: %w", ferr)
			}
			return fifo, nil
		}
		if !errors.Is(err, syscall.ENXIO) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, nil
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// reap collects the exit status of a worker that announced its own end. The
// wait happens off the record loop so a slow-exiting worker cannot stall
// forwarding for the others.
func (m *PipesManager) reap(children map[int32]*pipeChild, pid int32) {
	child, ok := children[pid]
	if !ok {
		m.log.Warnw("record from unknown worker", zap.Int32("pid", pid))
		return
	}
	if !child.live {
		return
	}
	child.live = false

	m.reapWG.Add(1)
	go func() {
		defer m.reapWG.Done()
		if err := child.cmd.Wait(); err != nil {
			m.log.Warnw("worker exited with failure", zap.Int32("pid", pid), zap.Error(err))
		}
	}()
}

// killAll interrupts every still-live worker and reaps it within the
// shutdown window.
func (m *PipesManager) killAll(children map[int32]*pipeChild) {
	for pid, child := range children {
		if !child.live {
			continue
		}
		if err := child.cmd.Process.Signal(syscall.SIGINT); err != nil {
			m.log.Warnw("failed to signal worker", zap.Int32("pid", pid), zap.Error(err))
		}
	}

	deadline := time.After(shutdownWindow)
	for pid, child := range children {
		if !child.live {
			continue
		}
		child.live = false

		waited := make(chan struct{})
		go func() {
			_ = child.cmd.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-deadline:
			m.log.Warnw("worker did not exit within the shutdown window", zap.Int32("pid", pid))
		}
	}
}
