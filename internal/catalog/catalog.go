package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/kalambet/qwenbridge/internal/upstream"
)

// Entry is one model the vendor offers.
type Entry struct {
	ID        string
	CreatedAt int64
	OwnedBy   string
}

// DefaultRetryInterval bounds how often an empty catalog is refetched on the
// request path.
const DefaultRetryInterval = time.Minute

// Catalog is a read-mostly cache of the vendor model list. A failed load
// leaves the previous list in place; an empty list is retried lazily, at most
// once per retry interval.
type Catalog struct {
	client *upstream.Client
	logger *slog.Logger

	mu       sync.RWMutex
	entries  []Entry
	index    map[string]struct{}
	loadedAt time.Time

	sf          singleflight.Group
	onRefresh   func(n int)
	retryEvery  time.Duration
	attemptMu   sync.Mutex
	lastAttempt time.Time

	cronMu  sync.Mutex
	cron    *cron.Cron
	running bool
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithRefreshHook registers fn to be called with the model count after every
// successful refresh.
func WithRefreshHook(fn func(n int)) Option {
	return func(c *Catalog) { c.onRefresh = fn }
}

// WithRetryInterval sets the minimum time between lazy loads of an empty
// catalog.
func WithRetryInterval(d time.Duration) Option {
	return func(c *Catalog) { c.retryEvery = d }
}

func New(client *upstream.Client, opts ...Option) *Catalog {
	c := &Catalog{
		client:     client,
		logger:     slog.Default().With("component", "catalog"),
		index:      make(map[string]struct{}),
		retryEvery: DefaultRetryInterval,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Load performs the startup fetch. Failure is logged and the catalog starts
// empty so the proxy can still serve requests with the default model.
func (c *Catalog) Load(ctx context.Context) {
	if err := c.Refresh(ctx); err != nil {
		c.logger.Warn("model catalog unavailable, starting empty", "error", err)
	}
}

// Refresh fetches the model list and replaces the cached one. Concurrent
// callers share a single upstream request.
func (c *Catalog) Refresh(ctx context.Context) error {
	_, err, _ := c.sf.Do("models", func() (any, error) {
		c.attemptMu.Lock()
		c.lastAttempt = time.Now()
		c.attemptMu.Unlock()

		entries, err := c.fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.replace(entries)
		if c.onRefresh != nil {
			c.onRefresh(len(entries))
		}
		c.logger.Info("model catalog loaded", "models", len(entries))
		return nil, nil
	})
	return err
}

func (c *Catalog) fetch(ctx context.Context) ([]Entry, error) {
	resp, err := c.client.GetJSON(ctx, upstream.PathModels)
	if err != nil {
		return nil, fmt.Errorf("fetching models: %w", err)
	}
	var list upstream.ModelList
	if err := upstream.DecodeJSON(resp, &list); err != nil {
		return nil, fmt.Errorf("decoding models: %w", err)
	}

	entries := make([]Entry, 0, len(list.Data))
	for _, m := range list.Data {
		if m.ID == "" {
			continue
		}
		entries = append(entries, Entry{ID: m.ID, CreatedAt: m.Info.CreatedAt, OwnedBy: m.OwnedBy})
	}
	return entries, nil
}

func (c *Catalog) replace(entries []Entry) {
	index := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		index[e.ID] = struct{}{}
	}
	c.mu.Lock()
	c.entries = entries
	c.index = index
	c.loadedAt = time.Now()
	c.mu.Unlock()
}

func (c *Catalog) empty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries) == 0
}

// retryDue reports whether enough time has passed since the last fetch
// attempt to try again from the request path.
func (c *Catalog) retryDue() bool {
	c.attemptMu.Lock()
	defer c.attemptMu.Unlock()
	return c.lastAttempt.IsZero() || time.Since(c.lastAttempt) >= c.retryEvery
}

// ensure lazily loads an empty catalog. Between retries an empty catalog is
// served as is and recovery is left to the scheduled refresh.
func (c *Catalog) ensure(ctx context.Context) {
	if !c.empty() || !c.retryDue() {
		return
	}
	if err := c.Refresh(ctx); err != nil {
		c.logger.Warn("lazy model catalog load failed", "error", err)
	}
}

// List returns a copy of the cached models, loading them first when empty.
func (c *Catalog) List(ctx context.Context) []Entry {
	c.ensure(ctx)
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Has reports whether id is a known vendor model.
func (c *Catalog) Has(ctx context.Context, id string) bool {
	c.ensure(ctx)
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.index[id]
	return ok
}

// LoadedAt returns when the list was last replaced; zero if never.
func (c *Catalog) LoadedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loadedAt
}

// StartRefresh refreshes the catalog on schedule until ctx is done. An empty
// schedule disables periodic refresh.
func (c *Catalog) StartRefresh(ctx context.Context, schedule string) error {
	c.cronMu.Lock()
	defer c.cronMu.Unlock()

	if schedule == "" {
		c.logger.Info("catalog refresh schedule not configured")
		return nil
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
	}

	c.cron = cron.New()
	if _, err := c.cron.AddFunc(schedule, func() {
		if err := c.Refresh(ctx); err != nil {
			c.logger.Error("scheduled catalog refresh failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("scheduling catalog refresh: %w", err)
	}
	c.cron.Start()
	c.running = true
	c.logger.Info("catalog refresh scheduled", "schedule", schedule)

	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	return nil
}

// Stop halts periodic refresh and waits for a running refresh to finish.
func (c *Catalog) Stop() {
	c.cronMu.Lock()
	defer c.cronMu.Unlock()
	if c.cron != nil && c.running {
		<-c.cron.Stop().Done()
		c.running = false
	}
}
