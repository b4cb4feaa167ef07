package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/perfnum-platform/perfnum/internal/wire"
)

// PipesReporter follows the coordinator's result stream over the FIFO.
type PipesReporter struct {
	cfg *Config
	out io.Writer
	log *zap.SugaredLogger
}

// NewPipesReporter creates a reporter for the pipes method.
func NewPipesReporter(cfg *Config, options ...Option) *PipesReporter {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	return &PipesReporter{
		cfg: cfg,
		out: opts.Out,
		log: opts.Log,
	}
}

// Display opens the FIFO and prints the stream until the coordinator
// announces completion or its own premature end.
func (m *PipesReporter) Display(ctx context.Context) error {
	managePID, err := m.readManagePID()
	if err != nil {
		return err
	}

	fifo, err := os.OpenFile(m.cfg.Pipes.FIFOPath, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("failed to open FIFO %q (is manage running?): %w", m.cfg.Pipes.FIFOPath, err)
	}
	defer fifo.Close()

	// A shutdown request unblocks the stream read by poisoning the fd.
	stop := context.AfterFunc(ctx, func() { fifo.Close() })
	defer stop()

	if err := m.follow(fifo, managePID); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	return nil
}

func (m *PipesReporter) follow(r io.Reader, managePID int32) error {
	for {
		rec, err := wire.Read(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read the result stream: %w", err)
		}

		switch rec.Tag {
		case wire.TagPerfnum:
			fmt.Fprintf(m.out, "%d\n", rec.Value())

		case wire.TagDone:
			fmt.Fprintln(m.out, "Computation complete")
			return nil

		case wire.TagClosed:
			if rec.Pid() == managePID {
				fmt.Fprintln(m.out, "Manage was shut down before execution could complete")
				return nil
			}
			fmt.Fprintln(m.out, "A compute process exited prematurely; some results may have been lost")

		default:
			m.log.Warnw("ignoring unexpected record", zap.Stringer("tag", rec.Tag))
		}
	}
}

// Kill reads the coordinator pid from the pid file and sends it the quit
// signal.
func (m *PipesReporter) Kill() error {
	pid, err := m.readManagePID()
	if err != nil {
		return err
	}

	if err := unix.Kill(int(pid), unix.SIGQUIT); err != nil {
		return fmt.Errorf("failed to signal the coordinator (pid %d): %w", pid, err)
	}

	m.log.Infow("asked the coordinator to shut down", zap.Int32("pid", pid))
	return nil
}

func (m *PipesReporter) readManagePID() (int32, error) {
	data, err := os.ReadFile(m.cfg.Pipes.PIDFile)
	if err != nil {
		return 0, fmt.Errorf("failed to read pid file %q (is manage running?): %w", m.cfg.Pipes.PIDFile, err)
	}

	pid, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("pid file %q is corrupt: %w", m.cfg.Pipes.PIDFile, err)
	}
	return int32(pid), nil
}
