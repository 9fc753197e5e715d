package transaction

import (
	"context"
	"sync"
	"time"
)

// timeAfter is swapped in tests to drive the extender deterministically.
var timeAfter = time.After

// ttlExtender periodically keeps a server side transaction alive until
// stopped. Stop is idempotent and waits for an in-flight extension to
// return, so no extension fires after Stop.
type ttlExtender struct {
	interval time.Duration
	extend   func(ctx context.Context) error

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func startExtender(interval time.Duration, extend func(ctx context.Context) error) *ttlExtender {
	ctx, cancel := context.WithCancel(context.Background())
	e := &ttlExtender{
		interval: interval,
		extend:   extend,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go e.run(ctx)
	return e
}

func (e *ttlExtender) run(ctx context.Context) {
	defer close(e.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-timeAfter(e.interval):
			if ctx.Err() != nil {
				return
			}

			err := e.extend(ctx)
			if err != nil && ctx.Err() == nil {
				log.Warnw("ttl extension failed", "error", err)
			}
		}
	}
}

func (e *ttlExtender) Stop() {
	e.once.Do(e.cancel)
	<-e.done
}
