package orchestrator

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	defaultQueueTick  = 5 * time.Second
	defaultCleanupTick = 60 * time.Second
)

// MaintenanceOpts configures the two maintenance tickers.
type MaintenanceOpts struct {
	QueueTick   time.Duration
	CleanupTick time.Duration
}

// RunMaintenance runs the queue-statistics loop (T_q) and the
// expired-task cleanup loop (T_c) as two goroutines under one
// errgroup.Group, so a single ctx cancellation stops both cleanly.
// Neither loop reads or updates worker records.
func (o *Orchestrator) RunMaintenance(ctx context.Context, opts MaintenanceOpts) error {
	qTick := opts.QueueTick
	if qTick <= 0 {
		qTick = defaultQueueTick
	}
	cTick := opts.CleanupTick
	if cTick <= 0 {
		cTick = defaultCleanupTick
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(qTick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				o.queueTick(ctx)
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(cTick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				o.cleanupTick(ctx)
			}
		}
	})

	return g.Wait()
}

// queueTick publishes queue statistics and scans pending tasks in
// priority desc, created_at asc order, logging backlog depth.
func (o *Orchestrator) queueTick(ctx context.Context) {
	pending, err := o.store.ListPending(ctx)
	if err != nil {
		o.log.Warn("queue tick: list pending: %v", err)
		return
	}
	o.log.Info("queue depth: %d pending/queued", len(pending))
}

// cleanupTick deletes tasks past expires_at.
func (o *Orchestrator) cleanupTick(ctx context.Context) {
	n, err := o.store.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		o.log.Warn("cleanup tick: delete expired: %v", err)
		return
	}
	if n > 0 {
		o.log.Info("cleanup: removed %d expired tasks", n)
	}
}
