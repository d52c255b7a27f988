// Package scheduler runs the retention sweep: completed processes older than
// the configured retention period are purged from the store on a cron
// schedule.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/onboard/internal/store"
	"github.com/rendis/onboard/pkg/schema"
)

// Config controls the retention sweep.
type Config struct {
	// CronExpression is a standard 5-field cron spec, e.g. "0 3 * * *".
	CronExpression string

	// RetentionYears is how long finished processes are kept. Running
	// processes are never purged regardless of age.
	RetentionYears int

	// BatchLimit caps how many processes one sweep removes. Zero means
	// unbounded.
	BatchLimit int
}

// RetentionSweeper periodically deletes finished processes that have aged
// past the retention period. Each purged process leaves a tombstone event so
// an audit can tell purged ids from ids that never existed.
type RetentionSweeper struct {
	store    store.Store
	schedule cron.Schedule
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRetentionSweeper parses the cron expression and builds the sweeper.
func NewRetentionSweeper(s store.Store, cfg Config, logger *slog.Logger) (*RetentionSweeper, error) {
	if cfg.RetentionYears <= 0 {
		cfg.RetentionYears = 7
	}
	if cfg.CronExpression == "" {
		cfg.CronExpression = "0 3 * * *"
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cfg.CronExpression)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", cfg.CronExpression, err)
	}

	return &RetentionSweeper{
		store:    s,
		schedule: schedule,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Start launches the background sweep loop.
func (r *RetentionSweeper) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.done != nil {
		r.mu.Unlock()
		return fmt.Errorf("retention sweeper already started")
	}
	sweepCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.mu.Unlock()

	go r.loop(sweepCtx)
	r.logger.Info("retention sweeper started",
		slog.String("schedule", r.cfg.CronExpression),
		slog.Int("retention_years", r.cfg.RetentionYears))
	return nil
}

func (r *RetentionSweeper) loop(ctx context.Context) {
	defer close(r.done)

	for {
		next := r.schedule.Next(r.now())
		timer := time.NewTimer(next.Sub(r.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := r.SweepNow(ctx); err != nil {
				r.logger.Error("retention sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// SweepNow runs one sweep immediately and returns how many processes were
// purged. Also used by the loop on each cron tick.
func (r *RetentionSweeper) SweepNow(ctx context.Context) (int, error) {
	cutoff := r.now().UTC().AddDate(-r.cfg.RetentionYears, 0, 0)
	ids, err := r.store.ListExpired(ctx, cutoff, r.cfg.BatchLimit)
	if err != nil {
		return 0, fmt.Errorf("list expired processes: %w", err)
	}

	purged := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return purged, err
		}
		if err := r.store.DeleteProcess(ctx, id); err != nil {
			r.logger.Error("failed to purge process",
				slog.String("process_id", id), slog.String("error", err.Error()))
			continue
		}
		r.appendTombstone(ctx, id, cutoff)
		purged++
	}

	if purged > 0 {
		r.logger.Info("retention sweep purged processes",
			slog.Int("count", purged),
			slog.Time("cutoff", cutoff))
	}
	return purged, nil
}

// appendTombstone records the purge on the event log. The process row and its
// own events are already gone; the tombstone is the only remaining trace.
func (r *RetentionSweeper) appendTombstone(ctx context.Context, id string, cutoff time.Time) {
	payload, _ := json.Marshal(map[string]any{
		"cutoff":          cutoff.Format(time.RFC3339),
		"retention_years": r.cfg.RetentionYears,
	})
	err := r.store.AppendEvent(ctx, &store.Event{
		ProcessID: id,
		Type:      schema.EventRetentionPurged,
		Payload:   payload,
		CreatedAt: r.now().UTC(),
	})
	if err != nil {
		r.logger.Warn("failed to record purge tombstone",
			slog.String("process_id", id), slog.String("error", err.Error()))
	}
}

// NextRun reports when the next sweep is due.
func (r *RetentionSweeper) NextRun() time.Time {
	return r.schedule.Next(r.now())
}

// Stop shuts the sweep loop down and waits for the in-flight sweep to end.
func (r *RetentionSweeper) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel == nil {
		return nil
	}
	r.cancel()
	<-r.done
	r.cancel = nil
	r.done = nil

	r.logger.Info("retention sweeper stopped")
	return nil
}
