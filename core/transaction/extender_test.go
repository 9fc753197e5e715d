package transaction

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestExtenderStopIsIdempotent(t *testing.T) {
	requested, fire := stubTimeAfter(t)

	var calls atomic.Int32
	e := startExtender(time.Second, func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})

	waitFor(t, requested, "first schedule")
	fire <- time.Now()
	waitFor(t, requested, "second schedule")

	e.Stop()
	e.Stop()

	if got := calls.Load(); got != 1 {
		t.Fatalf("expected exactly one extension, got %d", got)
	}
}

func TestExtenderStopCancelsInFlightExtension(t *testing.T) {
	requested, fire := stubTimeAfter(t)

	started := make(chan struct{})
	e := startExtender(time.Second, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	waitFor(t, requested, "schedule")
	fire <- time.Now()
	<-started

	done := make(chan struct{})
	go func() {
		e.Stop()
		close(done)
	}()

	waitFor(t, done, "stop to return")
}
