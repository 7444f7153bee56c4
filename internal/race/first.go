// Package race picks the first of several completion signals. Platform
// callbacks in this engine are not trustworthy (a TTS "finished" event may
// simply never arrive), so anything waiting on one races it against a
// computed deadline instead of blocking forever.
package race

import (
	"context"
	"time"
)

// Outcome reports which source fired first.
type Outcome struct {
	// Index is the position of the winning source as passed to First.
	Index int
	// Closed is true when the winning source was closed rather than sent on.
	Closed bool
}

// First blocks until one of the sources fires (receives a value or is
// closed) or ctx is done. The watcher goroutines exit once a winner is
// picked or ctx is cancelled, so callers must cancel ctx when done.
func First(ctx context.Context, sources ...<-chan struct{}) (Outcome, error) {
	if len(sources) == 0 {
		<-ctx.Done()
		return Outcome{}, ctx.Err()
	}

	winner := make(chan Outcome, len(sources))
	for i, src := range sources {
		go func(idx int, ch <-chan struct{}) {
			select {
			case _, ok := <-ch:
				winner <- Outcome{Index: idx, Closed: !ok}
			case <-ctx.Done():
			}
		}(i, src)
	}

	select {
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case out := <-winner:
		return out, nil
	}
}

// After adapts a duration into a race source.
func After(d time.Duration) <-chan struct{} {
	ch := make(chan struct{})
	time.AfterFunc(d, func() { close(ch) })
	return ch
}
