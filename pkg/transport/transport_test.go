package transport

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"
)

type recordingWriter struct {
	mu    sync.Mutex
	blobs [][]byte
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.blobs = append(w.blobs, append([]byte{}, b...))
	return len(b), nil
}

func TestSendConsumesCredit(t *testing.T) {
	w := &recordingWriter{}
	tr := New(w, 2)

	if err := tr.Send(context.Background(), []byte("a")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := tr.AvailableCredit(); got != 1 {
		t.Fatalf("AvailableCredit = %d, want 1", got)
	}
	if err := tr.Send(context.Background(), []byte("b")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := tr.AvailableCredit(); got != 0 {
		t.Fatalf("AvailableCredit = %d, want 0", got)
	}
}

func TestSendBlocksUntilCreditReturned(t *testing.T) {
	w := &recordingWriter{}
	tr := New(w, 1)
	if err := tr.Send(context.Background(), []byte("a")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- tr.Send(context.Background(), []byte("b")) }()

	select {
	case <-done:
		t.Fatalf("Send returned before credit was available")
	case <-time.After(50 * time.Millisecond):
	}

	tr.ReturnCredit(1)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Send never unblocked after ReturnCredit")
	}

	if len(w.blobs) != 2 || !bytes.Equal(w.blobs[1], []byte("b")) {
		t.Fatalf("unexpected writes: %v", w.blobs)
	}
}

func TestSendRespectsContextCancellation(t *testing.T) {
	w := &recordingWriter{}
	tr := New(w, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := tr.Send(ctx, []byte("a"))
	if err == nil {
		t.Fatalf("expected Send to fail once the context deadline passes with no credit")
	}
}

func TestReturnCreditClampsToMax(t *testing.T) {
	w := &recordingWriter{}
	tr := New(w, 2)
	tr.ReturnCredit(10)
	if got := tr.AvailableCredit(); got != 2 {
		t.Fatalf("AvailableCredit = %d, want clamp to maxCredit 2", got)
	}
}

func TestCloseUnblocksPendingSend(t *testing.T) {
	w := &recordingWriter{}
	tr := New(w, 0)

	done := make(chan error, 1)
	go func() { done <- tr.Send(context.Background(), []byte("a")) }()

	time.Sleep(20 * time.Millisecond)
	tr.Close()

	select {
	case err := <-done:
		if err != ErrClosed {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Close did not unblock pending Send")
	}
}
