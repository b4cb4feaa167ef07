// Package shm implements the shared-memory region the shared-memory method
// coordinates through: a header naming the search limit and the coordinator,
// a claim bitmap, a result table and a worker roster, with two futex-backed
// semaphores guarding the bitmap and the results.
//
// The region is a mapped file. The coordinator creates and later unlinks it;
// workers and the reporter only mount an existing region and must verify
// that its size matches the size derived from the limit in the header.
package shm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/c2h5oh/datasize"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Fixed capacities of the region's tables.
const (
	// NPerfNums is the number of result slots. The five perfect numbers
	// below 10^9 fit with room to spare.
	NPerfNums = 20
	// NProcs is the number of worker roster slots.
	NProcs = 20
)

// SentinelPID marks an unused roster slot.
const SentinelPID int32 = -1

// DefaultObjectPath is the well-known location of the region.
const DefaultObjectPath = "/dev/shm/albertd"

// Region layout. Everything is 4-byte aligned; the bitmap is padded up to a
// word boundary so its atomic word accesses never touch the result
// semaphore.
const (
	offLimit     = 0
	offManagePID = 4
	offBitmapSem = 8
	offBitmap    = 12

	procSize = 12 // pid, found, tested
)

const (
	fieldPID = iota
	fieldFound
	fieldTested
)

// destroyWindow bounds how long teardown waits for stragglers inside a
// critical section.
const destroyWindow = 5 * time.Second

// ErrForeignRegion reports that the object at the well-known path does not
// have the size its own header implies, so it was not created by a
// compatible coordinator.
var ErrForeignRegion = errors.New("region size does not match its limit")

// ErrResultsFull reports that every result slot is occupied.
var ErrResultsFull = errors.New("result table is full")

// ErrRosterFull reports that every roster slot is occupied.
var ErrRosterFull = errors.New("worker roster is full")

func align4(n int) int {
	return (n + 3) &^ 3
}

func bitmapBytes(limit int32) int {
	return (int(limit) + 7) / 8
}

// Size returns the total byte size of a region sized for limit candidates.
func Size(limit int32) int {
	resultSem := align4(offBitmap + bitmapBytes(limit))
	return resultSem + 4 + NPerfNums*4 + NProcs*procSize
}

// Region is one process's mapping of the shared object.
type Region struct {
	path    string
	data    []byte
	limit   int32
	creator bool
	log     *zap.SugaredLogger
}

type options struct {
	Log *zap.SugaredLogger
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// Option configures a Region.
type Option func(*options)

// WithLog sets the logger for the region.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// Create builds a fresh region at path, sized for limit. Any stale object at
// the path is unlinked first. The caller becomes the region's owner and must
// eventually call Destroy.
func Create(path string, limit int32, options ...Option) (*Region, error) {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	if limit < 1 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}

	if err := unix.Unlink(path); err != nil && err != unix.ENOENT {
		return nil, fmt.Errorf("failed to unlink stale region %q: %w", path, err)
	}

	size := Size(limit)

	fd, err := unix.Open(path, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR, 0o666)
	if err != nil {
		return nil, fmt.Errorf("failed to create region %q: %w", path, err)
	}

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		unix.Unlink(path)
		return nil, fmt.Errorf("failed to size region to %d bytes: %w", size, err)
	}

	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	unix.Close(fd)
	if err != nil {
		unix.Unlink(path)
		return nil, fmt.Errorf("failed to map region: %w", err)
	}

	m := &Region{
		path:    path,
		data:    data,
		limit:   limit,
		creator: true,
		log:     opts.Log,
	}

	atomic.StoreInt32(m.int32At(offLimit), limit)
	atomic.StoreInt32(m.int32At(offManagePID), int32(os.Getpid()))
	m.BitmapSem().init(1)
	m.ResultSem().init(1)
	for slot := range NProcs {
		atomic.StoreInt32(m.rosterField(slot, fieldPID), SentinelPID)
	}

	m.log.Infow("created shared region",
		zap.String("path", path),
		zap.Int32("limit", limit),
		zap.Stringer("size", datasize.ByteSize(size)))

	return m, nil
}

// Mount maps an existing region. The size derived from the limit in the
// header must match the on-disk size exactly, otherwise the object is
// foreign or corrupt and ErrForeignRegion is returned.
func Mount(path string, options ...Option) (*Region, error) {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open region %q: %w", path, err)
	}

	var hdr [4]byte
	if _, err := unix.Pread(fd, hdr[:], offLimit); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to read region header: %w", err)
	}
	limit := int32(binary.NativeEndian.Uint32(hdr[:]))
	if limit < 1 {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: header limit %d", ErrForeignRegion, limit)
	}

	want := int64(Size(limit))
	have, err := unix.Seek(fd, 0, io.SeekEnd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to measure region: %w", err)
	}
	if have != want {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: limit %d implies %d bytes, object has %d", ErrForeignRegion, limit, want, have)
	}

	data, err := unix.Mmap(fd, 0, int(want), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	unix.Close(fd)
	if err != nil {
		return nil, fmt.Errorf("failed to map region: %w", err)
	}

	return &Region{
		path:  path,
		data:  data,
		limit: limit,
		log:   opts.Log,
	}, nil
}

// Limit returns the search limit the region was sized for.
func (m *Region) Limit() int32 {
	return m.limit
}

// Path returns the filesystem path backing the region.
func (m *Region) Path() string {
	return m.path
}

// ManagePID returns the pid of the coordinator that created the region.
func (m *Region) ManagePID() int32 {
	return atomic.LoadInt32(m.int32At(offManagePID))
}

// BitmapSem guards claim-bit transitions.
func (m *Region) BitmapSem() *Sem {
	return &Sem{word: m.uint32At(offBitmapSem)}
}

// ResultSem guards result-slot insertions.
func (m *Region) ResultSem() *Sem {
	return &Sem{word: m.uint32At(m.resultSemOff())}
}

func (m *Region) resultSemOff() int {
	return align4(offBitmap + bitmapBytes(m.limit))
}

func (m *Region) resultsOff() int {
	return m.resultSemOff() + 4
}

func (m *Region) rosterOff() int {
	return m.resultsOff() + NPerfNums*4
}

func (m *Region) int32At(off int) *int32 {
	return (*int32)(unsafe.Pointer(&m.data[off]))
}

func (m *Region) uint32At(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&m.data[off]))
}

func (m *Region) rosterField(slot, field int) *int32 {
	return m.int32At(m.rosterOff() + slot*procSize + field*4)
}

// Bitmap bits are accessed through aligned words so both the unlocked fast
// scan and the locked re-check observe whole-word atomic state.
func (m *Region) bitWord(idx int32) *uint32 {
	return m.uint32At(offBitmap + int(idx/32)*4)
}

func (m *Region) bitSet(idx int32) bool {
	return atomic.LoadUint32(m.bitWord(idx))&(1<<uint(idx%32)) != 0
}

// setBit requires the bitmap semaphore.
func (m *Region) setBit(idx int32) {
	w := m.bitWord(idx)
	atomic.StoreUint32(w, atomic.LoadUint32(w)|1<<uint(idx%32))
}

// Claim claims the lowest untested candidate greater than after and returns
// it, or 0 when every candidate up to the limit is already claimed. The scan
// reads bits without the semaphore as a fast path; the decisive re-check and
// the set happen under it, so exactly one claimer observes each zero-to-one
// transition. Passing the previously claimed candidate as after is sound
// because set bits never clear while the region is live.
func (m *Region) Claim(after int32, cancel func() bool) (int32, error) {
	for n := after + 1; n <= m.limit; n++ {
		idx := n - 1
		if m.bitSet(idx) {
			continue
		}

		if err := m.BitmapSem().Acquire(cancel); err != nil {
			return 0, err
		}
		if m.bitSet(idx) {
			// Lost the race for this candidate, keep scanning.
			m.BitmapSem().Release()
			continue
		}
		m.setBit(idx)
		m.BitmapSem().Release()
		return n, nil
	}
	return 0, nil
}

// NextUntested returns the lowest candidate whose claim bit is still clear,
// or 0 when testing is complete.
func (m *Region) NextUntested() int32 {
	for idx := int32(0); idx < m.limit; idx++ {
		if !m.bitSet(idx) {
			return idx + 1
		}
	}
	return 0
}

// AppendResult stores n into the first empty result slot. Occupied slots are
// never overwritten.
func (m *Region) AppendResult(n int32, cancel func() bool) error {
	if err := m.ResultSem().Acquire(cancel); err != nil {
		return err
	}
	defer m.ResultSem().Release()

	for slot := range NPerfNums {
		p := m.int32At(m.resultsOff() + slot*4)
		if atomic.LoadInt32(p) == 0 {
			atomic.StoreInt32(p, n)
			return nil
		}
	}
	return ErrResultsFull
}

// Results snapshots the occupied result slots in insertion order.
func (m *Region) Results() []int32 {
	out := make([]int32, 0, NPerfNums)
	for slot := range NPerfNums {
		if v := atomic.LoadInt32(m.int32At(m.resultsOff() + slot*4)); v != 0 {
			out = append(out, v)
		}
	}
	return out
}

// Close unmaps the region without touching the backing object. Mounters
// call this; the creator uses Destroy.
func (m *Region) Close() error {
	if m.data == nil {
		return nil
	}
	data := m.data
	m.data = nil
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("failed to unmap region: %w", err)
	}
	return nil
}

// Destroy tears the region down: every live worker is sent the interactive
// interrupt, both semaphores are drained so nobody is left inside a critical
// section, the mapping is dropped and the object unlinked.
func (m *Region) Destroy() error {
	if !m.creator {
		return errors.New("only the creating coordinator may destroy the region")
	}

	for _, w := range m.Workers() {
		if err := unix.Kill(int(w.PID), unix.SIGINT); err != nil {
			m.log.Warnw("failed to signal worker",
				zap.Int32("pid", w.PID), zap.Error(err))
		}
	}

	m.drainSem(m.BitmapSem(), "bitmap")
	m.drainSem(m.ResultSem(), "result")

	if err := m.Close(); err != nil {
		return err
	}
	if err := unix.Unlink(m.path); err != nil {
		return fmt.Errorf("failed to unlink region %q: %w", m.path, err)
	}

	m.log.Infow("destroyed shared region", zap.String("path", m.path))
	return nil
}

// drainSem reacquires a semaphore so no worker still holds it when the
// mapping goes away, bounded by the shutdown window.
func (m *Region) drainSem(s *Sem, name string) {
	deadline := time.Now().Add(destroyWindow)
	err := s.Acquire(func() bool { return time.Now().After(deadline) })
	if err != nil {
		m.log.Warnw("semaphore still in use at teardown", zap.String("sem", name))
		return
	}
	s.Release()
}
