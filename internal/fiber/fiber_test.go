package fiber

import (
	"testing"
	"time"
)

func TestSpawnNowRunsSynchronously(t *testing.T) {
	rt := NewRuntime(1)
	defer rt.Stop()

	done := make(chan struct{})
	rt.SpawnOn(rt.Thread(0), func(f *Fiber) {
		order := []int{}
		SpawnNow(f, func(*Fiber) {
			order = append(order, 1)
		})
		order = append(order, 2)
		if len(order) != 2 || order[0] != 1 || order[1] != 2 {
			t.Errorf("spawn_now did not run to completion before returning: %v", order)
		}
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestGateWaitNotify(t *testing.T) {
	rt := NewRuntime(2)
	defer rt.Stop()

	var gate Gate
	woke := make(chan struct{})

	rt.SpawnOn(rt.Thread(0), func(f *Fiber) {
		if err := gate.Wait(f, nil); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		close(woke)
	})

	// give the waiter a moment to park.
	time.Sleep(20 * time.Millisecond)

	rt.SpawnOn(rt.Thread(1), func(f *Fiber) {
		gate.Notify()
	})

	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("notify did not wake waiter")
	}
}

func TestGateWaitInterrupted(t *testing.T) {
	rt := NewRuntime(1)
	defer rt.Stop()

	var gate Gate
	sig := NewSignal()
	result := make(chan error, 1)

	rt.SpawnOn(rt.Thread(0), func(f *Fiber) {
		result <- gate.Wait(f, sig)
	})

	time.Sleep(20 * time.Millisecond)
	sig.Pulse()

	select {
	case err := <-result:
		if err != ErrInterrupted {
			t.Fatalf("want ErrInterrupted, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("interrupt did not wake waiter")
	}
}

func TestMoveToThread(t *testing.T) {
	rt := NewRuntime(2)
	defer rt.Stop()

	done := make(chan ThreadID, 1)
	rt.SpawnOn(rt.Thread(0), func(f *Fiber) {
		MoveToThread(f, rt.Thread(1))
		done <- f.Thread().ID()
	})

	select {
	case id := <-done:
		if id != 1 {
			t.Fatalf("want thread 1, got %d", id)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestAssertFiniteTripsOnWait(t *testing.T) {
	rt := NewRuntime(1)
	defer rt.Stop()

	var gate Gate
	tripped := make(chan struct{})

	rt.SpawnOn(rt.Thread(0), func(f *Fiber) {
		defer func() {
			if recover() != nil {
				close(tripped)
			}
		}()
		end := AssertFinite(f)
		defer end()
		gate.Wait(f, nil)
	})

	select {
	case <-tripped:
	case <-time.After(time.Second):
		t.Fatal("no-waiting assertion did not trip")
	}
}
