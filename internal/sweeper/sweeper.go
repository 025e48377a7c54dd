// Package sweeper flips sessions and machines to inactive when their
// heartbeats stop. Clients that disconnect cleanly send their own
// end-of-life signals; the sweeper covers the ones that vanish.
package sweeper

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/consortium-dev/consortium/internal/events"
	"github.com/consortium-dev/consortium/internal/repository"
)

const (
	// sweepInterval is how often stale rows are scanned for.
	sweepInterval = 30 * time.Second

	// staleAfter is how long a heartbeat may be missing before the row is
	// considered inactive. Matches the heartbeat acceptance window so a
	// valid late heartbeat can always revive the row.
	staleAfter = 10 * time.Minute
)

// Sweeper owns the periodic inactivity scan.
type Sweeper struct {
	scheduler gocron.Scheduler
	sessions  repository.SessionRepository
	machines  repository.MachineRepository
	emitter   *events.Emitter
	logger    *zap.Logger
}

// New creates a Sweeper. Call Start to begin sweeping.
func New(
	sessions repository.SessionRepository,
	machines repository.MachineRepository,
	emitter *events.Emitter,
	logger *zap.Logger,
) (*Sweeper, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	return &Sweeper{
		scheduler: scheduler,
		sessions:  sessions,
		machines:  machines,
		emitter:   emitter,
		logger:    logger.Named("sweeper"),
	}, nil
}

// Start registers the sweep job and starts the scheduler.
func (s *Sweeper) Start(ctx context.Context) error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(sweepInterval),
		gocron.NewTask(func() { s.sweep(ctx) }),
	)
	if err != nil {
		return err
	}
	s.scheduler.Start()
	return nil
}

// Stop shuts the scheduler down, waiting for a running sweep to finish.
func (s *Sweeper) Stop() error {
	return s.scheduler.Shutdown()
}

// sweep deactivates every session and machine whose last heartbeat is
// older than the staleness cutoff, announcing each flip as an ephemeral.
func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-staleAfter).UnixMilli()

	sessions, err := s.sessions.ListStaleActive(ctx, cutoff)
	if err != nil {
		s.logger.Error("stale session scan failed", zap.Error(err))
	}
	for i := range sessions {
		sess := &sessions[i]
		if err := s.sessions.SetActivity(ctx, sess.AccountID, sess.ID, false, 0); err != nil {
			s.logger.Error("failed to deactivate session",
				zap.String("session_id", sess.ID.String()), zap.Error(err))
			continue
		}
		s.emitter.EmitEphemeral(sess.AccountID.String(),
			events.SessionActivity(sess.ID.String(), false, sess.LastActiveAt.UnixMilli(), false),
			events.UserScopedOnly())
	}

	machines, err := s.machines.ListStaleActive(ctx, cutoff)
	if err != nil {
		s.logger.Error("stale machine scan failed", zap.Error(err))
	}
	for i := range machines {
		m := &machines[i]
		if err := s.machines.SetActivity(ctx, m.AccountID, m.ID, false, 0); err != nil {
			s.logger.Error("failed to deactivate machine",
				zap.String("machine_id", m.ID), zap.Error(err))
			continue
		}
		s.emitter.EmitEphemeral(m.AccountID.String(),
			events.MachineActivity(m.ID, false, m.LastActiveAt.UnixMilli()),
			events.UserScopedOnly())
	}

	if len(sessions) > 0 || len(machines) > 0 {
		s.logger.Info("inactivity sweep complete",
			zap.Int("sessions", len(sessions)),
			zap.Int("machines", len(machines)),
		)
	}
}
