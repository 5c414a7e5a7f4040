package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultUploadTTL matches how long the vendor keeps signed file URLs valid.
const DefaultUploadTTL = 24 * time.Hour

// Retention prunes expired upload registry entries on a cron schedule.
type Retention struct {
	store  *Store
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewRetention creates a pruner that removes uploads older than ttl.
func NewRetention(store *Store, ttl time.Duration) *Retention {
	if ttl <= 0 {
		ttl = DefaultUploadTTL
	}
	return &Retention{
		store:  store,
		ttl:    ttl,
		now:    time.Now,
		logger: slog.Default().With("component", "storage.retention"),
	}
}

// Prune runs one pruning pass.
func (r *Retention) Prune(ctx context.Context) (int64, error) {
	return r.store.PruneUploads(ctx, r.now().Add(-r.ttl))
}

// Start schedules Prune until ctx is done. An empty schedule does nothing.
func (r *Retention) Start(ctx context.Context, schedule string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if schedule == "" {
		r.logger.Info("upload prune schedule not configured, skipping")
		return nil
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
	}

	r.cron = cron.New()
	if _, err := r.cron.AddFunc(schedule, func() { r.run(ctx) }); err != nil {
		return fmt.Errorf("scheduling upload pruning: %w", err)
	}
	r.cron.Start()
	r.running = true
	r.logger.Info("upload pruning scheduled", "schedule", schedule, "ttl", r.ttl)

	go func() {
		<-ctx.Done()
		r.Stop()
	}()
	return nil
}

func (r *Retention) run(ctx context.Context) {
	n, err := r.Prune(ctx)
	if err != nil {
		r.logger.Error("scheduled upload pruning failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("pruned expired uploads", "deleted_count", n)
	}
}

// Stop halts the schedule and waits for a running pass to finish.
func (r *Retention) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil && r.running {
		<-r.cron.Stop().Done()
		r.running = false
		r.logger.Info("upload pruning stopped")
	}
}
