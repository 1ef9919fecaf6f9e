// Package scheduler runs the entitle sweeps on cron schedules.
//
// Every run takes a Locker lock named after the job, so with a shared
// RedisLocker only one replica sweeps at a time. A run that cannot take
// the lock is skipped, never queued.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/xraph/entitle"
)

// Job names, also used as lock keys.
const (
	JobExpiry             = "expiry"
	JobRenewalEligibility = "renewal_eligibility"
	JobRetention          = "retention"
)

// Default schedules in standard five-field cron syntax.
const (
	DefaultExpirySchedule      = "0 0,12 * * *"
	DefaultEligibilitySchedule = "0 3 * * *"
	DefaultRetentionSchedule   = "0 4 * * 0"

	DefaultLockTTL    = 30 * time.Minute
	DefaultJobTimeout = 25 * time.Minute
)

// ErrUnknownJob is returned by RunNow for a name that is not a job.
var ErrUnknownJob = errors.New("scheduler: unknown job")

// Sweeper is the part of the engine the scheduler drives.
type Sweeper interface {
	SweepExpiry(ctx context.Context) (entitle.ExpiryReport, error)
	SweepRenewalEligibility(ctx context.Context) (entitle.EligibilityReport, error)
	RetentionCleanup(ctx context.Context) (entitle.RetentionReport, error)
}

// Schedules holds one cron spec per job. An empty spec disables the job.
type Schedules struct {
	Expiry             string `json:"expiry" mapstructure:"expiry" yaml:"expiry"`
	RenewalEligibility string `json:"renewal_eligibility" mapstructure:"renewal_eligibility" yaml:"renewal_eligibility"`
	Retention          string `json:"retention" mapstructure:"retention" yaml:"retention"`
}

// DefaultSchedules returns the stock schedules.
func DefaultSchedules() Schedules {
	return Schedules{
		Expiry:             DefaultExpirySchedule,
		RenewalEligibility: DefaultEligibilitySchedule,
		Retention:          DefaultRetentionSchedule,
	}
}

// Scheduler owns a cron instance and the sweep jobs registered on it.
type Scheduler struct {
	sweeper   Sweeper
	cron      *cron.Cron
	logger    *slog.Logger
	locker    Locker
	schedules Schedules

	lockTTL          time.Duration
	jobTimeout       time.Duration
	runExpiryOnStart bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger. cron's own output goes through it too.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithLocker sets the Locker. Defaults to a LocalLocker.
func WithLocker(l Locker) Option {
	return func(s *Scheduler) { s.locker = l }
}

// WithSchedules replaces the cron specs.
func WithSchedules(sch Schedules) Option {
	return func(s *Scheduler) { s.schedules = sch }
}

// WithLockTTL sets how long a job lock lives if never released.
func WithLockTTL(d time.Duration) Option {
	return func(s *Scheduler) { s.lockTTL = d }
}

// WithJobTimeout bounds a single job run.
func WithJobTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.jobTimeout = d }
}

// WithRunExpiryOnStart runs the expiry sweep once when Start is called.
func WithRunExpiryOnStart(on bool) Option {
	return func(s *Scheduler) { s.runExpiryOnStart = on }
}

// New creates a Scheduler for sweeper.
func New(sweeper Sweeper, opts ...Option) *Scheduler {
	s := &Scheduler{
		sweeper:          sweeper,
		logger:           slog.Default(),
		schedules:        DefaultSchedules(),
		lockTTL:          DefaultLockTTL,
		jobTimeout:       DefaultJobTimeout,
		runExpiryOnStart: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.locker == nil {
		s.locker = NewLocalLocker()
	}

	cronLogger := cron.PrintfLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelInfo))
	s.cron = cron.New(cron.WithChain(cron.Recover(cronLogger)))
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Start registers the jobs and starts the cron loop. An invalid schedule
// fails Start before anything runs.
func (s *Scheduler) Start() error {
	jobs := []struct {
		name string
		spec string
	}{
		{JobExpiry, s.schedules.Expiry},
		{JobRenewalEligibility, s.schedules.RenewalEligibility},
		{JobRetention, s.schedules.Retention},
	}

	for _, j := range jobs {
		if j.spec == "" {
			s.logger.Info("sweep job disabled", "job", j.name)
			continue
		}
		name := j.name
		if _, err := s.cron.AddFunc(j.spec, func() { s.run(s.ctx, name) }); err != nil {
			return fmt.Errorf("scheduler: schedule %s job %q: %w", name, j.spec, err)
		}
		s.logger.Info("scheduled sweep job", "job", name, "schedule", j.spec)
	}

	s.cron.Start()

	if s.runExpiryOnStart {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.run(s.ctx, JobExpiry)
		}()
	}
	return nil
}

// Stop stops scheduling and waits for running jobs until ctx is done, at
// which point running jobs are cancelled.
func (s *Scheduler) Stop(ctx context.Context) error {
	cronDone := s.cron.Stop()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

// RunNow runs job immediately under its lock. It reports whether the job
// ran; a held lock is not an error.
func (s *Scheduler) RunNow(ctx context.Context, job string) (bool, error) {
	fn, err := s.job(job)
	if err != nil {
		return false, err
	}
	return s.locked(ctx, job, fn)
}

func (s *Scheduler) run(ctx context.Context, job string) {
	fn, err := s.job(job)
	if err != nil {
		s.logger.Error("sweep job failed", "job", job, "error", err)
		return
	}
	if _, err := s.locked(ctx, job, fn); err != nil {
		s.logger.Error("sweep job failed", "job", job, "error", err)
	}
}

func (s *Scheduler) locked(ctx context.Context, job string, fn func(context.Context) error) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.jobTimeout)
	defer cancel()

	release, ok, err := s.locker.TryLock(ctx, job, s.lockTTL)
	if err != nil {
		return false, fmt.Errorf("scheduler: lock %s: %w", job, err)
	}
	if !ok {
		s.logger.Info("sweep job skipped, lock held elsewhere", "job", job)
		return false, nil
	}
	defer release()

	s.logger.Info("starting sweep job", "job", job)
	start := time.Now()
	if err := fn(ctx); err != nil {
		return true, err
	}
	s.logger.Info("sweep job finished", "job", job, "elapsed", time.Since(start))
	return true, nil
}

func (s *Scheduler) job(name string) (func(context.Context) error, error) {
	switch name {
	case JobExpiry:
		return func(ctx context.Context) error {
			_, err := s.sweeper.SweepExpiry(ctx)
			return err
		}, nil
	case JobRenewalEligibility:
		return func(ctx context.Context) error {
			_, err := s.sweeper.SweepRenewalEligibility(ctx)
			return err
		}, nil
	case JobRetention:
		return func(ctx context.Context) error {
			_, err := s.sweeper.RetentionCleanup(ctx)
			return err
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
}
