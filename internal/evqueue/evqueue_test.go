package evqueue

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestWatchDispatchesReadable(t *testing.T) {
	q, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer q.Close()

	fds := make([]int, 2)
	if err := unix.Pipe(fds); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	fired := make(chan Mask, 1)
	if err := q.Watch(fds[0], In, func(ready Mask) {
		fired <- ready
	}, nil); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if _, err := unix.Write(fds[1], []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := q.Pump(1000); err != nil {
		t.Fatalf("Pump: %v", err)
	}

	select {
	case m := <-fired:
		if m&In == 0 {
			t.Fatalf("want In bit set, got %v", m)
		}
	default:
		t.Fatal("callback was not invoked")
	}
}

func TestForgetStopsDelivery(t *testing.T) {
	q, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer q.Close()

	fds := make([]int, 2)
	if err := unix.Pipe(fds); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	called := false
	q.Watch(fds[0], In, func(Mask) { called = true }, nil)
	q.Forget(fds[0])

	unix.Write(fds[1], []byte("x"))
	q.Pump(100)

	if called {
		t.Fatal("callback fired after Forget")
	}
}
