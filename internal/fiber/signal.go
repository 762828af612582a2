package fiber

import (
	"sync"
	"time"
)

// Signal is a one-shot pulse that can be waited on by any number of fibers
// (an interruptor, or the basis for a timeout). Pulse is idempotent.
type Signal struct {
	once sync.Once
	ch   chan struct{}
}

// NewSignal returns an unpulsed signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Pulse fires the signal, waking every fiber currently waiting on it.
func (s *Signal) Pulse() {
	s.once.Do(func() { close(s.ch) })
}

// C exposes the underlying channel for select-based waits.
func (s *Signal) C() <-chan struct{} { return s.ch }

// Pulsed reports whether Pulse has already fired.
func (s *Signal) Pulsed() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// NewTimeout returns a Signal that pulses itself after d, and a stop
// function to cancel the timer if it's no longer needed. Passed as a Wait
// interruptor it turns the wait into a timed one, reusing the mechanism
// cancellation uses, per §4.1 ("Timeouts are built from a signal pulsed by
// a timer"). No other package calls it.
func NewTimeout(d time.Duration) (*Signal, func()) {
	s := NewSignal()
	t := time.AfterFunc(d, s.Pulse)
	return s, func() { t.Stop() }
}
