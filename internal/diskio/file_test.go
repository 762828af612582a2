package diskio

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestReadWriteBlockingRoundTrip(t *testing.T) {
	dir := t.TempDir()
	f, err := Open(filepath.Join(dir, "data"), true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	buf := make([]byte, DeviceBlockSize)
	for i := range buf {
		buf[i] = byte(i)
	}
	if _, err := f.WriteBlocking(0, buf); err != nil {
		t.Fatalf("WriteBlocking: %v", err)
	}

	got := make([]byte, DeviceBlockSize)
	if _, err := f.ReadBlocking(0, got); err != nil {
		t.Fatalf("ReadBlocking: %v", err)
	}
	for i := range got {
		if got[i] != buf[i] {
			t.Fatalf("mismatch at %d: got %d want %d", i, got[i], buf[i])
		}
	}
}

func TestReadAsyncRejectsUnalignedOffset(t *testing.T) {
	dir := t.TempDir()
	f, err := Open(filepath.Join(dir, "data"), true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	acct := NewAccount("test", PriorityNormal, 1, 4, 0)
	f.RegisterAccount(acct)

	done := make(chan error, 1)
	f.ReadAsync(context.Background(), 1, make([]byte, DeviceBlockSize), acct, func(n int, err error) {
		done <- err
	})
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("want alignment error, got nil")
		}
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}
}

func TestThreadFallbackWriteThenRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data")
	// pre-create so os.OpenFile without O_CREATE in the fallback still works.
	if err := os.WriteFile(path, make([]byte, DeviceBlockSize), 0644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	f, err := Open(path, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	acct := NewAccount("writer", PriorityHigh, 2, 4, 0)
	f.RegisterAccount(acct)

	payload := make([]byte, DeviceBlockSize)
	for i := range payload {
		payload[i] = 0x42
	}

	wdone := make(chan error, 1)
	f.WriteAsync(context.Background(), 0, payload, acct, func(n int, err error) { wdone <- err })
	if err := <-wdone; err != nil {
		t.Fatalf("WriteAsync: %v", err)
	}

	got := make([]byte, DeviceBlockSize)
	rdone := make(chan error, 1)
	f.ReadAsync(context.Background(), 0, got, acct, func(n int, err error) { rdone <- err })
	if err := <-rdone; err != nil {
		t.Fatalf("ReadAsync: %v", err)
	}
	for i := range got {
		if got[i] != 0x42 {
			t.Fatalf("mismatch at %d", i)
		}
	}
}
