package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"supply-notifier/internal/config"
	"supply-notifier/internal/notifier"
	"supply-notifier/internal/refresher"
	"supply-notifier/internal/scheduler"
	"supply-notifier/internal/storage"
)

// Refresher runs one extraction and reconciliation.
type Refresher interface {
	Refresh(ctx context.Context) (refresher.Stats, error)
}

// Dispatcher runs one notification pass over a transport.
type Dispatcher interface {
	Run(ctx context.Context, transport notifier.Transport) (int, error)
}

// Service runs the refresh and notify cycles, each guarded by its own advisory lock so
// that concurrent processes never run the same operation at once.
type Service struct {
	refresher  Refresher
	dispatcher Dispatcher
	transport  notifier.Transport
	locker     storage.AdvisoryLocker
	refreshKey int64
	notifyKey  int64
	logger     zerolog.Logger
}

// New constructs the service. store enables advisory locking when it implements
// storage.AdvisoryLocker.
func New(cfg config.SchedulerConfig, store any, refresher Refresher, dispatcher Dispatcher, transport notifier.Transport, logger zerolog.Logger) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		refresher:  refresher,
		dispatcher: dispatcher,
		transport:  transport,
		locker:     locker,
		refreshKey: cfg.Refresh.AdvisoryLockKey,
		notifyKey:  cfg.Notify.AdvisoryLockKey,
		logger:     logger.With().Str("component", "service").Logger(),
	}
}

// RunRefresh drives RefreshCycle with sched until ctx is cancelled.
func (s *Service) RunRefresh(ctx context.Context, sched *scheduler.Scheduler) error {
	if sched == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return sched.Run(ctx, s.RefreshCycle)
}

// RunNotify drives DispatchCycle with sched until ctx is cancelled.
func (s *Service) RunNotify(ctx context.Context, sched *scheduler.Scheduler) error {
	if sched == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return sched.Run(ctx, s.DispatchCycle)
}

// RefreshCycle merges the current order source into the store.
func (s *Service) RefreshCycle(ctx context.Context, at time.Time) error {
	if s.refresher == nil {
		return fmt.Errorf("refresher not configured")
	}

	unlock, proceed, err := s.acquireLock(ctx, s.refreshKey)
	if err != nil {
		return err
	}
	if !proceed {
		s.cycleLogger(ctx).Debug().Time("at", at).Msg("skip refresh because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	stats, err := s.refresher.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("refresh orders: %w", err)
	}

	s.cycleLogger(ctx).Info().
		Time("at", at).
		Int("orders", stats.Fresh).
		Int("inserted", stats.Inserted).
		Int("rescheduled", stats.Rescheduled).
		Int64("deleted", stats.Deleted).
		Msg("refresh cycle complete")
	return nil
}

// DispatchCycle sends pending notifications over the configured transport.
func (s *Service) DispatchCycle(ctx context.Context, at time.Time) error {
	if s.dispatcher == nil || s.transport == nil {
		return fmt.Errorf("dispatcher not configured")
	}

	unlock, proceed, err := s.acquireLock(ctx, s.notifyKey)
	if err != nil {
		return err
	}
	if !proceed {
		s.cycleLogger(ctx).Debug().Time("at", at).Msg("skip dispatch because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	sent, err := s.dispatcher.Run(ctx, s.transport)
	if err != nil {
		return fmt.Errorf("dispatch notifications (%d sent): %w", sent, err)
	}

	s.cycleLogger(ctx).Info().
		Time("at", at).
		Str("channel", string(s.transport.Channel())).
		Int("sent", sent).
		Msg("dispatch cycle complete")
	return nil
}

// cycleLogger prefers the scheduler's cycle-scoped logger when present.
func (s *Service) cycleLogger(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &s.logger
}

func (s *Service) acquireLock(ctx context.Context, key int64) (func(), bool, error) {
	if key == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
