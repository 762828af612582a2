package store

import "sync"

// orderToken is a ticket handed out by an orderSource at check-in time.
// Operations sharing a causal thread (e.g. one connection) check in in
// the order they're issued; the matching orderSink then admits them to
// the slice in that same order regardless of which goroutine eventually
// submits each one (§4.7 "order source / order sink").
type orderToken uint64

// orderSource issues strictly increasing tokens to a single slice's
// callers. One source is shared by every caller of a shard; a causal
// thread establishes program order simply by calling CheckIn before
// doing anything that might race with a concurrent caller.
type orderSource struct {
	next uint64 // atomic
	mu   sync.Mutex
}

func (o *orderSource) CheckIn() orderToken {
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.next
	o.next++
	return orderToken(t)
}

// orderSink is the turnstile on the slice side: it admits tokens strictly
// in the order orderSource issued them, parking any caller whose token
// isn't next yet. This is what makes "writes issued to the same slice by
// the same order source execute in the order they were issued" hold even
// when the issuing goroutines interleave arbitrarily before reaching the
// sink.
type orderSink struct {
	mu   sync.Mutex
	cond *sync.Cond
	next uint64
}

func newOrderSink() *orderSink {
	s := &orderSink{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// CheckOut blocks until tok is next in line, then returns. The caller
// must call Done once its operation on the slice has completed, which
// admits the following token.
func (s *orderSink) CheckOut(tok orderToken) {
	s.mu.Lock()
	for uint64(tok) != s.next {
		s.cond.Wait()
	}
	s.mu.Unlock()
}

// Done advances the turnstile past tok and wakes every parked waiter so
// whichever one is next can re-check its condition.
func (s *orderSink) Done(tok orderToken) {
	s.mu.Lock()
	s.next = uint64(tok) + 1
	s.mu.Unlock()
	s.cond.Broadcast()
}
