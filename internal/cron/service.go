package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/angelmondragon/billing-reconciler/pkg/logger"
	"github.com/angelmondragon/billing-reconciler/pkg/metrics"
)

const defaultInterval = 15 * time.Minute

var (
	// ErrLocked means another worker holds the cron lock.
	ErrLocked = errors.New("cron lock held by another worker")
	// ErrLockLost means the lock expired or was taken over mid-cycle.
	ErrLockLost = errors.New("cron lock lost")
)

type ServiceParams struct {
	Logger   *logger.Logger
	Registry *Registry
	Lock     Lock
	Metrics  *metrics.CronJobMetrics
	Interval time.Duration
	// Heartbeat is how often a held lock is extended. Defaults to a third
	// of the lock TTL.
	Heartbeat time.Duration
}

// Service runs every registered job once per interval on whichever worker
// wins the lock.
type Service struct {
	logg      *logger.Logger
	registry  *Registry
	lock      Lock
	metrics   *metrics.CronJobMetrics
	interval  time.Duration
	heartbeat time.Duration
}

func NewService(params ServiceParams) (*Service, error) {
	switch {
	case params.Logger == nil:
		return nil, fmt.Errorf("logger required")
	case params.Lock == nil:
		return nil, fmt.Errorf("lock required")
	}
	registry := params.Registry
	if registry == nil {
		registry = &Registry{}
	}
	s := &Service{
		logg:      params.Logger,
		registry:  registry,
		lock:      params.Lock,
		metrics:   params.Metrics,
		interval:  params.Interval,
		heartbeat: params.Heartbeat,
	}
	if s.interval <= 0 {
		s.interval = defaultInterval
	}
	if s.heartbeat <= 0 {
		s.heartbeat = params.Lock.TTL() / 3
	}
	if s.heartbeat <= 0 {
		s.heartbeat = time.Minute
	}
	return s, nil
}

// Run executes a cycle immediately and then on every tick until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if err := s.runCycle(ctx); err != nil && ctx.Err() == nil {
			s.logg.Error(ctx, "cron.cycle_failed", err)
		}
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "cron.stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// runCycle runs all jobs even when some fail and returns their combined
// error.
func (s *Service) runCycle(ctx context.Context) error {
	err := s.withLock(ctx, func(ctx context.Context) error {
		start := time.Now()
		s.logg.Info(ctx, "cron.cycle_started")
		var errs error
		for _, job := range s.registry.Jobs() {
			if ctx.Err() != nil {
				errs = multierr.Append(errs, context.Cause(ctx))
				break
			}
			errs = multierr.Append(errs, s.runJob(ctx, job))
		}
		done := s.logg.WithFields(ctx, map[string]any{
			"duration_ms": time.Since(start).Milliseconds(),
			"failed":      len(multierr.Errors(errs)),
		})
		s.logg.Info(done, "cron.cycle_done")
		return errs
	})
	if errors.Is(err, ErrLocked) {
		s.metrics.ObserveSkipped("cycle")
		s.logg.Info(ctx, "cron.cycle_skipped")
		return nil
	}
	return err
}

// RunJob runs one job by name under the lock.
func (s *Service) RunJob(ctx context.Context, name string) error {
	job := s.registry.Find(name)
	if job == nil {
		return fmt.Errorf("unknown cron job %q (have %v)", name, s.registry.Names())
	}
	return s.withLock(ctx, func(ctx context.Context) error {
		return s.runJob(ctx, job)
	})
}

// withLock holds the lock for the duration of fn, extending it on every
// heartbeat. Losing the lock cancels fn's context with ErrLockLost.
func (s *Service) withLock(ctx context.Context, fn func(context.Context) error) error {
	locked, err := s.lock.Acquire(ctx)
	if err != nil {
		return err
	}
	if !locked {
		return ErrLocked
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		s.keepAlive(runCtx, cancel)
	}()
	defer func() {
		cancel(nil)
		<-stopped
		if err := s.lock.Release(context.WithoutCancel(ctx)); err != nil {
			s.logg.Error(ctx, "cron.lock_release_failed", err)
		}
	}()
	return fn(runCtx)
}

func (s *Service) keepAlive(ctx context.Context, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		ok, err := s.lock.Extend(ctx)
		if err != nil {
			// a transient Redis error is not proof the lock is gone
			s.logg.Error(ctx, "cron.lock_extend_failed", err)
			continue
		}
		if !ok {
			s.logg.Warn(ctx, "cron.lock_lost")
			cancel(ErrLockLost)
			return
		}
	}
}

func (s *Service) runJob(ctx context.Context, job Job) error {
	name := job.Name()
	ctx = s.logg.WithField(ctx, "job", name)
	s.logg.Info(ctx, "cron.job_started")

	start := time.Now()
	err := job.Run(ctx)
	elapsed := time.Since(start)
	s.metrics.ObserveRun(name, elapsed, err)

	ctx = s.logg.WithField(ctx, "duration_ms", elapsed.Milliseconds())
	if err != nil {
		s.logg.Error(ctx, "cron.job_failed", err)
		return fmt.Errorf("%s: %w", name, err)
	}
	s.logg.Info(ctx, "cron.job_done")
	return nil
}
