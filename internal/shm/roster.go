package shm

import "sync/atomic"

// Proc is one worker roster entry.
type Proc struct {
	PID    int32
	Found  int32
	Tested int32
}

// InsertWorker claims the first unused roster slot for pid and returns its
// index. The pid field is claimed with a compare-and-swap so two workers
// starting at once cannot share a slot.
func (m *Region) InsertWorker(pid int32) (int, error) {
	for slot := range NProcs {
		if atomic.CompareAndSwapInt32(m.rosterField(slot, fieldPID), SentinelPID, pid) {
			atomic.StoreInt32(m.rosterField(slot, fieldFound), 0)
			atomic.StoreInt32(m.rosterField(slot, fieldTested), 0)
			return slot, nil
		}
	}
	return 0, ErrRosterFull
}

// ClearWorker releases the slot on normal worker exit. An abnormal exit
// leaves the slot stale; teardown deals with it.
func (m *Region) ClearWorker(slot int) {
	atomic.StoreInt32(m.rosterField(slot, fieldPID), SentinelPID)
}

// AddFound bumps the worker's found counter.
func (m *Region) AddFound(slot int) {
	atomic.AddInt32(m.rosterField(slot, fieldFound), 1)
}

// AddTested bumps the worker's tested counter.
func (m *Region) AddTested(slot int) {
	atomic.AddInt32(m.rosterField(slot, fieldTested), 1)
}

// Workers snapshots the live roster entries.
func (m *Region) Workers() []Proc {
	out := make([]Proc, 0, NProcs)
	for slot := range NProcs {
		pid := atomic.LoadInt32(m.rosterField(slot, fieldPID))
		if pid == SentinelPID {
			continue
		}
		out = append(out, Proc{
			PID:    pid,
			Found:  atomic.LoadInt32(m.rosterField(slot, fieldFound)),
			Tested: atomic.LoadInt32(m.rosterField(slot, fieldTested)),
		})
	}
	return out
}
