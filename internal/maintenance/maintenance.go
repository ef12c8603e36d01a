// ABOUTME: Cron-scheduled database maintenance: WAL checkpoint, vacuum and orphaned blob pruning
// ABOUTME: Runs sequentially on each tick; failures are logged and retried on the next tick

package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/2389/coven-courier/internal/audit"
	"github.com/2389/coven-courier/internal/content"
	"github.com/2389/coven-courier/internal/metrics"
	"github.com/2389/coven-courier/internal/storage"
)

// retryDelay is the pause after a failed next-tick computation.
const retryDelay = 30 * time.Second

// RefSource lists the content refs still referenced by stored rows.
type RefSource interface {
	ContentRefs(ctx context.Context) (map[string]bool, error)
}

// Options configures New.
type Options struct {
	DB          *storage.DB
	Content     *content.Store // optional; pruning is skipped without it
	Refs        RefSource      // required with Content
	OrphanGrace time.Duration
	Schedule    string // cron expression
	Audit       audit.Sink
	Logger      *slog.Logger
	Now         func() time.Time
}

// Scheduler runs maintenance on a cron schedule.
type Scheduler struct {
	db          *storage.DB
	content     *content.Store
	refs        RefSource
	orphanGrace time.Duration
	schedule    string
	audit       audit.Sink
	logger      *slog.Logger
	now         func() time.Time
}

// Report describes one maintenance run.
type Report struct {
	Storage  *storage.MaintenanceResult
	Pruned   *content.PruneResult
	FileSize int64
	Duration time.Duration
}

// New validates the schedule and returns a scheduler.
func New(opts Options) (*Scheduler, error) {
	if opts.DB == nil {
		return nil, errors.New("maintenance: database is required")
	}
	if !gronx.IsValid(opts.Schedule) {
		return nil, fmt.Errorf("invalid maintenance cron expression: %q", opts.Schedule)
	}
	if opts.Content != nil && opts.Refs == nil {
		return nil, errors.New("maintenance: content pruning needs a ref source")
	}
	s := &Scheduler{
		db:          opts.DB,
		content:     opts.Content,
		refs:        opts.Refs,
		orphanGrace: opts.OrphanGrace,
		schedule:    opts.Schedule,
		audit:       opts.Audit,
		logger:      opts.Logger,
		now:         opts.Now,
	}
	if s.audit == nil {
		s.audit = audit.Nop{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "maintenance")
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Next returns the first scheduled run strictly after t.
func (s *Scheduler) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.schedule, t.UTC(), false)
}

// Run blocks, running maintenance at every tick, until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("maintenance scheduler started", "schedule", s.schedule)
	for {
		next, err := s.Next(s.now())
		wait := retryDelay
		if err != nil {
			s.logger.Error("computing next maintenance tick", "schedule", s.schedule, "error", err)
		} else {
			wait = max(next.Sub(s.now()), 0)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("maintenance scheduler stopping")
			return nil
		case <-timer.C:
		}
		if err != nil {
			continue
		}

		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("maintenance run failed", "error", err)
		}
	}
}

// RunOnce checkpoints and vacuums the database, then prunes content blobs
// no row references.
func (s *Scheduler) RunOnce(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{}

	res, err := s.db.Maintenance(ctx)
	if err != nil {
		s.finish(ctx, "failure", err, report)
		return nil, err
	}
	report.Storage = res

	if s.content != nil {
		refs, err := s.refs.ContentRefs(ctx)
		if err != nil {
			s.finish(ctx, "failure", err, report)
			return nil, fmt.Errorf("listing content refs: %w", err)
		}
		pruned, err := s.content.Prune(ctx, func(ref string) bool { return refs[ref] }, s.orphanGrace)
		if err != nil {
			s.finish(ctx, "failure", err, report)
			return nil, err
		}
		report.Pruned = pruned
		metrics.BlobsPruned.Add(float64(pruned.Removed))
	}

	if info, err := s.db.Info(ctx); err == nil {
		report.FileSize = info.FileSize + info.WALSize
		metrics.DatabaseBytes.Set(float64(report.FileSize))
	}
	report.Duration = time.Since(start)

	outcome := "success"
	if res.Checkpoint.Busy {
		outcome = "busy"
	}
	s.finish(ctx, outcome, nil, report)
	return report, nil
}

func (s *Scheduler) finish(ctx context.Context, outcome string, err error, r *Report) {
	metrics.MaintenanceRuns.WithLabelValues(outcome).Inc()

	detail := map[string]any{"outcome": outcome}
	if r.Storage != nil {
		detail["checkpoint_busy"] = r.Storage.Checkpoint.Busy
		detail["pages_freed"] = r.Storage.FreePagesFreed
	}
	if r.Pruned != nil {
		detail["blobs_removed"] = r.Pruned.Removed
	}
	ev := audit.Event{
		Actor:      audit.SystemActor,
		Action:     audit.ActionMaintenance,
		TargetType: "database",
		TargetID:   s.db.Path(),
		Detail:     detail,
	}
	if err != nil {
		ev.Outcome = audit.OutcomeFailure
		detail["error"] = err.Error()
	}
	s.audit.Record(ctx, ev)
}
