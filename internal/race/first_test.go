package race

import (
	"context"
	"testing"
	"time"
)

func TestFirstPicksSendingSource(t *testing.T) {
	a := make(chan struct{}, 1)
	b := make(chan struct{}, 1)
	b <- struct{}{}

	out, err := First(context.Background(), a, b)
	if err != nil {
		t.Fatalf("First() error = %v", err)
	}
	if out.Index != 1 {
		t.Fatalf("Index = %d, want 1", out.Index)
	}
	if out.Closed {
		t.Fatalf("Closed = true, want false for a send")
	}
}

func TestFirstPicksClosedSource(t *testing.T) {
	a := make(chan struct{})
	b := make(chan struct{})
	close(a)

	out, err := First(context.Background(), a, b)
	if err != nil {
		t.Fatalf("First() error = %v", err)
	}
	if out.Index != 0 || !out.Closed {
		t.Fatalf("outcome = %+v, want index 0 closed", out)
	}
}

func TestFirstTimerBeatsSilentCallback(t *testing.T) {
	callback := make(chan struct{}) // never fires
	start := time.Now()

	out, err := First(context.Background(), callback, After(30*time.Millisecond))
	if err != nil {
		t.Fatalf("First() error = %v", err)
	}
	if out.Index != 1 {
		t.Fatalf("Index = %d, want timer to win", out.Index)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("took %s, expected prompt timer resolution", elapsed)
	}
}

func TestFirstContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := First(ctx, make(chan struct{})); err == nil {
		t.Fatalf("First() error = nil, want context error")
	}
}
