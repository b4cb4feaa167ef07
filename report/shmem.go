package report

import (
	"fmt"
	"io"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/perfnum-platform/perfnum/internal/shm"
)

// ShmReporter prints a point-in-time snapshot of the shared region, or asks
// the coordinator that owns it to shut down.
type ShmReporter struct {
	cfg *Config
	out io.Writer
	log *zap.SugaredLogger
}

// NewShmReporter creates a reporter for the shared-memory method.
func NewShmReporter(cfg *Config, options ...Option) *ShmReporter {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	return &ShmReporter{
		cfg: cfg,
		out: opts.Out,
		log: opts.Log,
	}
}

// Display mounts the region and prints results, the worker roster and the
// scan progress.
func (m *ShmReporter) Display() error {
	region, err := shm.Mount(m.cfg.SharedMemory.Path, shm.WithLog(m.log))
	if err != nil {
		return fmt.Errorf("failed to mount the shared region: %w", err)
	}
	defer region.Close()

	m.display(region)
	return nil
}

func (m *ShmReporter) display(region *shm.Region) {
	for _, n := range region.Results() {
		fmt.Fprintf(m.out, "%d\n", n)
	}

	var tested int64
	for _, w := range region.Workers() {
		fmt.Fprintf(m.out, "compute(%d): tested %d, found %d\n", w.PID, w.Tested, w.Found)
		tested += int64(w.Tested)
	}
	fmt.Fprintf(m.out, "Total tested: %d\n", tested)
	fmt.Fprintf(m.out, "Remaining: %d\n", int64(region.Limit())-tested)

	if next := region.NextUntested(); next != 0 {
		fmt.Fprintf(m.out, "Next untested integer: %d\n", next)
	} else {
		fmt.Fprintln(m.out, "Testing complete")
	}
}

// Kill reads the coordinator pid from the region header and sends it the
// quit signal.
func (m *ShmReporter) Kill() error {
	region, err := shm.Mount(m.cfg.SharedMemory.Path, shm.WithLog(m.log))
	if err != nil {
		return fmt.Errorf("failed to mount the shared region: %w", err)
	}
	defer region.Close()

	pid := region.ManagePID()
	if err := unix.Kill(int(pid), unix.SIGQUIT); err != nil {
		return fmt.Errorf("failed to signal the coordinator (pid %d): %w", pid, err)
	}

	m.log.Infow("asked the coordinator to shut down", zap.Int32("pid", pid))
	return nil
}
