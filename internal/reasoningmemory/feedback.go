package reasoningmemory

import (
	"context"
	"sync"
	"time"

	"github.com/normanking/taskengine/internal/logging"
)

// FeedbackLoop runs a background cycle that logs a get_stats() summary at
// info level (§4.4 expansion). Observability only -- it never mutates
// memory content, only reads the attribution counters retrieval/outcome
// already updated.
type FeedbackLoop struct {
	svc      *Service
	interval time.Duration
	log      *logging.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewFeedbackLoop(svc *Service, interval time.Duration) *FeedbackLoop {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &FeedbackLoop{
		svc:      svc,
		interval: interval,
		log:      logging.Global().WithComponent("ReasoningMemory"),
	}
}

func (f *FeedbackLoop) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return
	}
	f.running = true
	f.stopCh = make(chan struct{})
	f.doneCh = make(chan struct{})
	go f.run(ctx)
}

func (f *FeedbackLoop) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return
	}
	close(f.stopCh)
	<-f.doneCh
	f.running = false
}

func (f *FeedbackLoop) run(ctx context.Context) {
	defer close(f.doneCh)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.logSummary(ctx)
		}
	}
}

func (f *FeedbackLoop) logSummary(ctx context.Context) {
	stats, err := f.svc.GetStats(ctx)
	if err != nil {
		f.log.Warn("stats cycle failed: %v", err)
		return
	}

	var top string
	if len(stats.TopPerformers) > 0 {
		top = stats.TopPerformers[0].Title
	}
	f.log.Info("total=%d avg_success_rate=%.2f top_performer=%q by_category=%v",
		stats.Total, stats.AvgSuccessRate, top, stats.ByCategory)
}
