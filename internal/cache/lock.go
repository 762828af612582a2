package cache

import "sync"

// AcquireMode is one of the five acquisition modes blocks are locked under
// (§4.5 "Acquisition modes"). A write-intent upgrades to write by waiting
// out current readers; no lock is ever held across an unbounded wait for a
// different block.
type AcquireMode int

const (
	// ModeReadShared allows any number of concurrent readers, excludes writers.
	ModeReadShared AcquireMode = iota
	// ModeIntent is an upgradable read: at most one intent holder at a
	// time, compatible with concurrent ModeReadShared readers, and upgrades
	// to ModeWrite once they drain.
	ModeIntent
	// ModeWrite is exclusive: no concurrent readers, writers, or intent holders.
	ModeWrite
	// ModeReadOutdatedOK is a weak/snapshot-like read that never waits: it
	// is satisfied immediately against whatever image is current, even if a
	// write is in flight.
	ModeReadOutdatedOK
	// ModeReadSync waits out any in-flight write before proceeding, then
	// behaves like ModeReadShared.
	ModeReadSync
)

// frameLock implements the mode matrix above with a mutex + condition
// variable, the same primitive taskQueue in internal/fiber uses for its own
// FIFO. A waiting acquisition blocks its goroutine on the condition
// variable; neither this lock nor Txn.Acquire parks fibers.
type frameLock struct {
	mu      sync.Mutex
	cond    *sync.Cond
	readers int
	intent  bool
	writer  bool
}

func newFrameLock() *frameLock {
	l := &frameLock{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *frameLock) lock(mode AcquireMode) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch mode {
	case ModeReadShared, ModeReadSync:
		for l.writer {
			l.cond.Wait()
		}
		l.readers++
	case ModeIntent:
		for l.intent || l.writer {
			l.cond.Wait()
		}
		l.intent = true
	case ModeWrite:
		for l.readers > 0 || l.intent || l.writer {
			l.cond.Wait()
		}
		l.writer = true
	case ModeReadOutdatedOK:
		l.readers++
	}
}

func (l *frameLock) unlock(mode AcquireMode) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch mode {
	case ModeReadShared, ModeReadSync, ModeReadOutdatedOK:
		l.readers--
	case ModeIntent:
		l.intent = false
	case ModeWrite:
		l.writer = false
	}
	l.cond.Broadcast()
}

// upgrade converts a held intent lock into a write lock by waiting out
// current readers (§4.5 "a write-intent upgrades to write by waiting out
// readers").
func (l *frameLock) upgrade() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.readers > 0 {
		l.cond.Wait()
	}
	l.intent = false
	l.writer = true
}
