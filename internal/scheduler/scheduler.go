// Package scheduler decides when background work runs. Every job runs periodically
// on an interval floored at a platform minimum, gated on network availability,
// with bounded exponential backoff when a run asks to be retried. Jobs can also be
// triggered immediately; a trigger that arrives while one is pending replaces it.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/storage"
)

// Trigger names what started a run.
type Trigger string

const (
	TriggerImmediate Trigger = "immediate"
	TriggerPeriodic  Trigger = "periodic"
)

// Outcome is the verdict of one run.
type Outcome int

const (
	Done  Outcome = iota // Success, or nothing left worth retrying soon
	Retry                // Try again after backoff
)

// Job is one kind of background work.
type Job struct {
	Name     string
	Interval time.Duration // Periodic interval, raised to Options.MinInterval
	Run      func(ctx context.Context, trigger Trigger) Outcome
}

// Options tunes the scheduler.
type Options struct {
	MinInterval     time.Duration  // Platform floor of periodic intervals
	BackoffMin      time.Duration  // First retry delay
	BackoffMax      time.Duration  // Retry delay ceiling
	ImmediateWindow time.Duration  // How long an immediate trigger keeps retrying before leaving work to the periodic run
	Network         NetworkMonitor // Nil means always online
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		MinInterval:     15 * time.Minute,
		BackoffMin:      10 * time.Second,
		BackoffMax:      5 * time.Minute,
		ImmediateWindow: 30 * time.Minute,
	}
}

// Scheduler runs registered jobs until its context ends.
type Scheduler struct {
	store  storage.Store // Persists the next eligible periodic run per job
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	jobs    map[string]Job
	pending map[string]chan struct{} // Buffered with capacity one; a full channel means a trigger is pending
	running bool
}

// New creates a Scheduler. Zero option fields take their defaults.
func New(store storage.Store, opts Options, logger *slog.Logger) *Scheduler {
	def := DefaultOptions()
	if opts.MinInterval <= 0 {
		opts.MinInterval = def.MinInterval
	}
	if opts.BackoffMin <= 0 {
		opts.BackoffMin = def.BackoffMin
	}
	if opts.BackoffMax < opts.BackoffMin {
		opts.BackoffMax = max(def.BackoffMax, opts.BackoffMin)
	}
	if opts.ImmediateWindow <= 0 {
		opts.ImmediateWindow = def.ImmediateWindow
	}
	if opts.Network == nil {
		opts.Network = AlwaysOnline{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:   store,
		opts:    opts,
		logger:  logger.With("component", "scheduler"),
		now:     time.Now,
		jobs:    make(map[string]Job),
		pending: make(map[string]chan struct{}),
	}
}

// Register adds a job. It must be called before Run.
func (s *Scheduler) Register(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("scheduler already running")
	}
	if job.Name == "" || job.Run == nil {
		return errors.New("job needs a name and a run function")
	}
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("job %q already registered", job.Name)
	}
	if job.Interval < s.opts.MinInterval {
		job.Interval = s.opts.MinInterval
	}
	s.jobs[job.Name] = job
	s.pending[job.Name] = make(chan struct{}, 1)
	return nil
}

// Trigger requests an immediate run of the named job. It never blocks and reports
// false when a trigger is already pending, in which case the two collapse into one.
func (s *Scheduler) Trigger(name string) bool {
	s.mu.Lock()
	ch, ok := s.pending[name]
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// Run drives every registered job until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("scheduler already running")
	}
	s.running = true
	jobs := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, job := range jobs {
		g.Go(func() error { return s.periodicLoop(ctx, job) })
		g.Go(func() error { return s.immediateLoop(ctx, job) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// NextRun returns the persisted next eligible periodic run of a job.
func (s *Scheduler) NextRun(ctx context.Context, name string) (time.Time, error) {
	return s.store.GetNextRun(ctx, name)
}

func (s *Scheduler) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.BackoffMin
	b.MaxInterval = s.opts.BackoffMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// delay clamps the jittered backoff into [BackoffMin, BackoffMax].
func (s *Scheduler) delay(b *backoff.ExponentialBackOff) time.Duration {
	d := b.NextBackOff()
	return min(max(d, s.opts.BackoffMin), s.opts.BackoffMax)
}

// runGated runs job unless the network is down, which counts as Retry.
func (s *Scheduler) runGated(ctx context.Context, job Job, trigger Trigger) Outcome {
	if !s.opts.Network.Available(ctx) {
		s.logger.Debug("network unavailable, run deferred", "job", job.Name, "trigger", trigger)
		return Retry
	}
	return job.Run(ctx, trigger)
}

func (s *Scheduler) periodicLoop(ctx context.Context, job Job) error {
	b := s.newBackoff()
	log := s.logger.With("job", job.Name)

	next, err := s.store.GetNextRun(ctx, job.Name)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Warn("next run unreadable, running now", "error", err)
		}
		next = s.now()
	}
	if limit := s.now().Add(job.Interval); next.After(limit) {
		next = limit
	}

	for {
		if err := sleepUntil(ctx, next, s.now); err != nil {
			return err
		}

		var wait time.Duration
		if s.runGated(ctx, job, TriggerPeriodic) == Retry {
			wait = s.delay(b)
			log.Info("periodic run will retry", "in", wait.String())
		} else {
			b.Reset()
			wait = job.Interval
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		next = s.now().Add(wait)
		if err := s.store.SetNextRun(ctx, job.Name, next); err != nil {
			log.Warn("failed to persist next run", "error", err)
		}
	}
}

func (s *Scheduler) immediateLoop(ctx context.Context, job Job) error {
	s.mu.Lock()
	pending := s.pending[job.Name]
	s.mu.Unlock()
	log := s.logger.With("job", job.Name)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pending:
		}

		b := s.newBackoff()
		started := s.now()
		for s.runGated(ctx, job, TriggerImmediate) == Retry {
			if s.now().Sub(started) >= s.opts.ImmediateWindow {
				log.Info("immediate run gave up, periodic run takes over")
				break
			}
			wait := s.delay(b)
			log.Debug("immediate run will retry", "in", wait.String())

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-pending:
				// A fresh trigger replaces the pending retry
				timer.Stop()
				b.Reset()
				started = s.now()
			case <-timer.C:
			}
		}
	}
}

func sleepUntil(ctx context.Context, at time.Time, now func() time.Time) error {
	d := at.Sub(now())
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
