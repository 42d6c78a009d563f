// Package librarian schedules periodic audit sweeps over the overlay
// database (supplementing component C2, grounded on original_source's
// "librarian audit trio" and scheduled here via github.com/robfig/cron/v3
// rather than a hand-rolled ticker loop).
package librarian

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/logging"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/overlay"
)

// SweepFunc performs one librarian sweep: it may retype memories,
// restructure templates, or add causal edges, and must report its own
// stats. Implementations call back into *overlay.DB to log changes/edges.
type SweepFunc func(ctx context.Context, db *overlay.DB, sweepID string) (stats map[string]any, err error)

// Scheduler runs SweepFunc on a cron schedule against an overlay DB.
type Scheduler struct {
	db     *overlay.DB
	sweep  SweepFunc
	logger *logging.Logger
	cron   *cron.Cron
}

// NewScheduler creates a librarian scheduler. spec is a standard 5-field cron
// expression (default callers use "0 3 * * *", daily at 03:00).
func NewScheduler(db *overlay.DB, sweep SweepFunc, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Scheduler{
		db:     db,
		sweep:  sweep,
		logger: logger,
		cron:   cron.New(),
	}
}

// Start registers the sweep job on the given schedule and starts the cron
// runner in the background. Returns an error if the schedule cannot be
// parsed.
func (s *Scheduler) Start(ctx context.Context, schedule string) error {
	_, err := s.cron.AddFunc(schedule, func() {
		s.runOnce(ctx)
	})
	if err != nil {
		return fmt.Errorf("parsing librarian cron schedule %q: %w", schedule, err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight sweep to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// RunNow triggers a sweep immediately, outside the cron schedule (used by
// tests and the "service doctor" on-demand sweep command).
func (s *Scheduler) RunNow(ctx context.Context) {
	s.runOnce(ctx)
}

func (s *Scheduler) runOnce(ctx context.Context) {
	now := time.Now()
	runID := uuid.NewString()
	args, _ := json.Marshal(map[string]string{"trigger": "scheduled"})

	sweepID, err := s.db.StartSweep(ctx, runID, string(args), now)
	if err != nil {
		s.logger.Error("librarian sweep failed to start", "error", err)
		return
	}

	stats, err := s.sweep(ctx, s.db, sweepID)
	if err != nil {
		if failErr := s.db.FailSweep(ctx, sweepID, err.Error(), time.Now()); failErr != nil {
			s.logger.Error("librarian sweep failed to record failure", "error", failErr)
		}
		return
	}

	statsJSON, _ := json.Marshal(stats)
	if err := s.db.CompleteSweep(ctx, sweepID, string(statsJSON), time.Now()); err != nil {
		s.logger.Error("librarian sweep failed to record completion", "error", err)
	}
}
