// Package scheduler runs the manager's background sweeps: the small set of
// fixed-period loops that keep agent/task/reservation state honest without
// an operator or agent having to ask for it. It wraps gocron exactly the way
// the teacher's policy scheduler did, but there is no per-policy schedule
// here — every sweep runs on its own fixed interval, forever, for the life
// of the process.
//
// Four sweeps are registered:
//   - offline marker:     flips agents whose heartbeat has gone stale to offline
//   - timeout sweeper:    flips running client tasks past their deadline to timed_out
//   - reservation cleanup: releases port reservations left behind by terminal
//     or abandoned tasks
//   - exercise auto-ender: stamps ended_at on exercises whose tasks have all
//     reached a terminal status and enqueues kill_all for their agents
//
// Each runs in singleton mode: if a tick is still running when the next one
// fires, the new tick is skipped rather than queued, so a slow database
// never causes overlapping sweeps of the same kind.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ifperf/ifperf/manager/internal/metrics"
	"github.com/ifperf/ifperf/manager/internal/repository"
)

// Sweep periods and cutoffs, per the fixed orchestration rules — these are
// not operator-configurable.
const (
	offlineSweepPeriod    = 5 * time.Second
	offlineCutoff         = 15 * time.Second
	timeoutSweepPeriod    = 5 * time.Second
	reservationSweepPeriod = 60 * time.Second
	reservationStaleAfter  = 2 * time.Hour
	autoEndSweepPeriod    = 5 * time.Second
)

// Staggered start offsets, applied in registration order, so the four
// sweeps' first ticks don't land on the same instant and contend for the
// same rows.
var startOffsets = []time.Duration{
	500 * time.Millisecond,
	1000 * time.Millisecond,
	1500 * time.Millisecond,
	2000 * time.Millisecond,
}

// Scheduler wraps gocron and owns the four sweep jobs. The zero value is not
// usable — create instances with New.
type Scheduler struct {
	cron  gocron.Scheduler
	clock clockwork.Clock

	agents           repository.AgentRepository
	tasks            repository.TaskRepository
	exercises        repository.ExerciseRepository
	portReservations repository.PortReservationRepository

	metrics *metrics.Manager
	logger  *zap.Logger
}

// New creates and configures a new Scheduler. Call Start to begin running
// sweeps. metricsMgr may be nil, in which case gauge refresh is skipped.
func New(
	agents repository.AgentRepository,
	tasks repository.TaskRepository,
	exercises repository.ExerciseRepository,
	portReservations repository.PortReservationRepository,
	metricsMgr *metrics.Manager,
	logger *zap.Logger,
) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Scheduler{
		cron:             s,
		clock:            clockwork.NewRealClock(),
		agents:           agents,
		tasks:            tasks,
		exercises:        exercises,
		portReservations: portReservations,
		metrics:          metricsMgr,
		logger:           logger.Named("scheduler"),
	}, nil
}

// withClock overrides the scheduler's clock, for deterministic tests of the
// sweep methods. Not exposed outside the package.
func (s *Scheduler) withClock(clock clockwork.Clock) *Scheduler {
	s.clock = clock
	return s
}

// Start registers all four sweeps with staggered first-tick offsets and
// starts the underlying gocron scheduler. Call once at manager startup,
// after the database connection is established.
func (s *Scheduler) Start(ctx context.Context) error {
	sweeps := []struct {
		name   string
		period time.Duration
		fn     func(context.Context)
	}{
		{"offline_marker", offlineSweepPeriod, s.sweepOffline},
		{"timeout_sweeper", timeoutSweepPeriod, s.sweepTimeouts},
		{"reservation_cleanup", reservationSweepPeriod, s.sweepReservations},
		{"exercise_autoender", autoEndSweepPeriod, s.sweepExerciseAutoEnd},
	}

	for i, sweep := range sweeps {
		if err := s.addSweep(ctx, sweep.name, sweep.period, startOffsets[i], sweep.fn); err != nil {
			return fmt.Errorf("failed to register sweep %s: %w", sweep.name, err)
		}
	}

	s.logger.Info("scheduler started", zap.Int("sweeps_registered", len(sweeps)))
	s.cron.Start()
	return nil
}

// Stop gracefully shuts down the underlying gocron scheduler, waiting for
// any currently running sweep to finish before returning.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler shutdown error: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// addSweep registers a single fixed-period job in singleton mode, with its
// first tick delayed by offset to stagger sweep startup.
func (s *Scheduler) addSweep(ctx context.Context, name string, period, offset time.Duration, fn func(context.Context)) error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(period),
		gocron.NewTask(fn, ctx),
		gocron.WithName(name),
		gocron.WithTags(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartDateTime(time.Now().Add(offset))),
	)
	return err
}

// sweepOffline flips every agent whose last heartbeat has gone stale (or was
// never seen) to offline.
func (s *Scheduler) sweepOffline(ctx context.Context) {
	cutoff := s.clock.Now().Add(-offlineCutoff)
	n, err := s.agents.MarkOfflineStale(ctx, cutoff)
	if err != nil {
		s.logger.Error("offline sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("marked agents offline", zap.Int64("count", n))
	}

	if s.metrics == nil {
		return
	}
	online, err := s.agents.CountOnline(ctx)
	if err != nil {
		s.logger.Error("failed to refresh online-agents gauge", zap.Error(err))
		return
	}
	s.metrics.OnlineAgents.Set(float64(online))
}

// sweepTimeouts flips every running client task past its deadline to
// timed_out.
func (s *Scheduler) sweepTimeouts(ctx context.Context) {
	n, err := s.tasks.MarkRunningTimedOut(ctx, s.clock.Now())
	if err != nil {
		s.logger.Error("timeout sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("marked tasks timed out", zap.Int64("count", n))
	}

	if s.metrics == nil {
		return
	}
	counts, err := s.tasks.CountByStatus(ctx)
	if err != nil {
		s.logger.Error("failed to refresh tasks-by-status gauge", zap.Error(err))
		return
	}
	for status, count := range counts {
		s.metrics.TasksByStatus.WithLabelValues(status).Set(float64(count))
	}
}

// sweepReservations releases port reservations whose task has reached a
// terminal status, plus any reservation that has simply gone stale
// regardless of its task's status.
func (s *Scheduler) sweepReservations(ctx context.Context) {
	now := s.clock.Now()

	terminal, err := s.portReservations.ReleaseTerminal(ctx, now)
	if err != nil {
		s.logger.Error("reservation cleanup (terminal) failed", zap.Error(err))
	} else if terminal > 0 {
		s.logger.Info("released terminal-task reservations", zap.Int64("count", terminal))
	}

	stale, err := s.portReservations.ReleaseStale(ctx, now.Add(-reservationStaleAfter), now)
	if err != nil {
		s.logger.Error("reservation cleanup (stale) failed", zap.Error(err))
	} else if stale > 0 {
		s.logger.Info("released stale reservations", zap.Int64("count", stale))
	}
}

// sweepExerciseAutoEnd stamps ended_at on every started, not-yet-ended
// exercise whose tasks have all reached a terminal status, then enqueues a
// kill_all task for every agent that exercise touched.
func (s *Scheduler) sweepExerciseAutoEnd(ctx context.Context) {
	exercises, err := s.exercises.ListUnterminatedExercises(ctx)
	if err != nil {
		s.logger.Error("exercise auto-end sweep failed to list exercises", zap.Error(err))
		return
	}

	for _, ex := range exercises {
		done, err := s.exercises.AllTasksTerminal(ctx, ex.ID)
		if err != nil {
			s.logger.Error("failed to check task terminality", zap.String("exercise_id", ex.ID.String()), zap.Error(err))
			continue
		}
		if !done {
			continue
		}

		now := s.clock.Now()
		agentIDs, err := s.exercises.StopExercise(ctx, ex.ID, now)
		if err != nil {
			s.logger.Error("failed to auto-end exercise", zap.String("exercise_id", ex.ID.String()), zap.Error(err))
			continue
		}

		if len(agentIDs) > 0 {
			if err := s.tasks.EnqueueKillAll(ctx, agentIDs); err != nil {
				s.logger.Error("failed to enqueue kill_all after auto-end", zap.String("exercise_id", ex.ID.String()), zap.Error(err))
			}
		}

		s.logger.Info("exercise auto-ended", zap.String("exercise_id", ex.ID.String()), zap.Int("agents_notified", len(agentIDs)))
	}
}
