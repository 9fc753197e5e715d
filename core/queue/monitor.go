package queue

import (
	"context"
	"time"
)

// Monitor periodically recovers abandoned leases and sweeps expired entries.
type Monitor struct {
	queue    *Queue
	interval time.Duration
}

func NewMonitor(queue *Queue, interval time.Duration) *Monitor {
	return &Monitor{queue: queue, interval: interval}
}

// Start runs one pass immediately and then one per interval until ctx is
// cancelled.
func (m *Monitor) Start(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	log.Infow("starting queue monitor", "interval", m.interval)
	m.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Infow("shutting down queue monitor")
			return nil
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

func (m *Monitor) RunOnce(ctx context.Context) {
	now := m.queue.opts.Now()

	recovered, err := m.queue.RecoverAbandonedLeases(ctx, now)
	if err != nil {
		log.Errorw("lease recovery failed", "error", err)
	}

	swept, err := m.queue.SweepExpired(ctx, now)
	if err != nil {
		log.Errorw("expiration sweep failed", "error", err)
	}

	if recovered > 0 || swept > 0 {
		log.Infow("queue maintenance", "recovered", recovered, "swept", swept)
	}
}
