// Package sweeper bulk-deactivates links whose policy state makes them
// permanently unusable. Resolution never depends on it having run.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Job names
const (
	JobExpired    = "expired"
	JobClickLimit = "click_limit"
)

// Default schedules, in standard five-field cron syntax
const (
	DefaultExpiredSchedule    = "0 3 * * *"
	DefaultClickLimitSchedule = "30 3 * * *"
	DefaultTimeout            = 5 * time.Minute
)

// ErrUnknownJob is returned when a job name is not registered
var ErrUnknownJob = errors.New("unknown sweep job")

// Deactivator is the part of the link store the sweeper drives
type Deactivator interface {
	DeactivateExpired(ctx context.Context, now time.Time) (int64, error)
	DeactivateClickLimited(ctx context.Context, now time.Time) (int64, error)
}

// Result reports one job run
type Result struct {
	Job         string        `json:"job"`
	Deactivated int64         `json:"deactivated"`
	Skipped     bool          `json:"skipped"`
	Duration    time.Duration `json:"-"`
	DurationMs  int64         `json:"durationMs"`
	Error       string        `json:"error,omitempty"`
}

type job struct {
	name    string
	run     func(ctx context.Context, now time.Time) (int64, error)
	running atomic.Bool
}

// Sweeper runs the deactivation jobs on a cron schedule or on demand
type Sweeper struct {
	jobs    map[string]*job
	locker  Locker
	cron    *cron.Cron
	timeout time.Duration
	now     func() time.Time
	log     *slog.Logger
}

// Option configures a Sweeper
type Option func(*Sweeper)

// WithLocker sets the cross-instance locker
func WithLocker(l Locker) Option {
	return func(s *Sweeper) {
		if l != nil {
			s.locker = l
		}
	}
}

// WithTimeout bounds a single job run
func WithTimeout(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithClock replaces the wall clock
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		s.now = now
	}
}

// New creates a sweeper over store
func New(store Deactivator, log *slog.Logger, opts ...Option) *Sweeper {
	s := &Sweeper{
		locker:  NewLocalLocker(),
		timeout: DefaultTimeout,
		now:     time.Now,
		log:     log,
	}
	s.jobs = map[string]*job{
		JobExpired:    {name: JobExpired, run: store.DeactivateExpired},
		JobClickLimit: {name: JobClickLimit, run: store.DeactivateClickLimited},
	}
	for _, opt := range opts {
		opt(s)
	}

	cl := cronLogger{log: log}
	s.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)
	return s
}

// Schedule registers a job on a cron expression
func (s *Sweeper) Schedule(name, expr string) error {
	if _, ok := s.jobs[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	_, err := s.cron.AddFunc(expr, func() {
		s.RunJob(context.Background(), name)
	})
	if err != nil {
		return fmt.Errorf("schedule %s %q: %w", name, expr, err)
	}
	s.log.Info("sweep job scheduled", "job", name, "schedule", expr)
	return nil
}

// Start begins running scheduled jobs in the background
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for running jobs or ctx
func (s *Sweeper) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Jobs lists the registered job names
func (s *Sweeper) Jobs() []string {
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunJob runs one job now. Overlapping runs, here or on another instance, are
// skipped rather than queued. Store failures are logged and reported in the
// result; they are not returned as errors.
func (s *Sweeper) RunJob(ctx context.Context, name string) (Result, error) {
	j, ok := s.jobs[name]
	if !ok {
		return Result{Job: name}, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	res := Result{Job: name}

	if !j.running.CompareAndSwap(false, true) {
		s.log.Info("sweep job already running, skipping", "job", name)
		res.Skipped = true
		return res, nil
	}
	defer j.running.Store(false)

	unlock, locked, err := s.locker.TryLock(ctx, name, s.timeout+time.Minute)
	if err != nil {
		s.log.Error("sweep lock unavailable, skipping", "job", name, "error", err)
		res.Skipped = true
		res.Error = "lock unavailable"
		return res, nil
	}
	if !locked {
		s.log.Info("sweep job held elsewhere, skipping", "job", name)
		res.Skipped = true
		return res, nil
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	n, err := j.run(ctx, s.now().UTC())
	res.Duration = time.Since(start)
	res.DurationMs = res.Duration.Milliseconds()
	if err != nil {
		s.log.Error("sweep job failed", "job", name, "error", err, "duration", res.Duration)
		res.Error = "store unavailable"
		return res, nil
	}

	res.Deactivated = n
	s.log.Info("sweep job finished", "job", name, "deactivated", n, "duration", res.Duration)
	return res, nil
}

// RunAll runs every job once, in name order
func (s *Sweeper) RunAll(ctx context.Context) []Result {
	names := s.Jobs()
	results := make([]Result, 0, len(names))
	for _, name := range names {
		res, _ := s.RunJob(ctx, name)
		results = append(results, res)
	}
	return results
}

// cronLogger adapts slog to cron.Logger
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
