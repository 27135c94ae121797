// Package scheduler triggers the periodic passes in-process.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Func runs one pass.
type Func func(ctx context.Context) error

type job struct {
	name     string
	interval time.Duration // ticker jobs
	at       string        // daily jobs, local "HH:MM"
	run      Func
	mu       sync.Mutex
}

// Scheduler runs passes on tickers and daily local-time slots. Overlapping runs of the
// same job are skipped.
type Scheduler struct {
	loc     *time.Location
	timeout time.Duration
	jobs    []*job
	now     func() time.Time
}

// New creates a Scheduler for slots in loc. Each run is bounded by timeout.
func New(loc *time.Location, timeout time.Duration) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Scheduler{loc: loc, timeout: timeout, now: time.Now}
}

// Every runs fn on a fixed interval.
func (s *Scheduler) Every(name string, interval time.Duration, fn Func) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}
	s.jobs = append(s.jobs, &job{name: name, interval: interval, run: fn})
	return nil
}

// Daily runs fn every day at the local clock time hhmm.
func (s *Scheduler) Daily(name, hhmm string, fn Func) error {
	if _, err := time.Parse("15:04", hhmm); err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	s.jobs = append(s.jobs, &job{name: name, at: hhmm, run: fn})
	return nil
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.jobs) == 0 {
		return errors.New("no jobs scheduled")
	}
	names := make([]string, 0, len(s.jobs))
	for _, j := range s.jobs {
		names = append(names, j.name)
	}
	sort.Strings(names)
	log.Info().Strs("jobs", names).Str("timezone", s.loc.String()).Msg("Scheduler started")

	g, ctx := errgroup.WithContext(ctx)
	for _, j := range s.jobs {
		g.Go(func() error {
			if j.interval > 0 {
				s.loopEvery(ctx, j)
			} else {
				s.loopDaily(ctx, j)
			}
			return nil
		})
	}
	err := g.Wait()
	log.Info().Msg("Scheduler stopped")
	return err
}

func (s *Scheduler) loopEvery(ctx context.Context, j *job) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, j)
		}
	}
}

func (s *Scheduler) loopDaily(ctx context.Context, j *job) {
	for {
		next, err := NextDaily(s.now(), j.at, s.loc)
		if err != nil {
			log.Error().Err(err).Str("job", j.name).Msg("Invalid daily slot, job disabled")
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.runOnce(ctx, j)
		}
	}
}

// runOnce runs j unless a previous run is still in progress. It reports whether j ran.
func (s *Scheduler) runOnce(ctx context.Context, j *job) bool {
	if !j.mu.TryLock() {
		log.Warn().Str("job", j.name).Msg("Previous run still in progress, skipping")
		return false
	}
	defer j.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	if err := j.run(ctx); err != nil {
		log.Error().Err(err).Str("job", j.name).Dur("dur", time.Since(start)).Msg("Scheduled run failed")
		return true
	}
	log.Debug().Str("job", j.name).Dur("dur", time.Since(start)).Msg("Scheduled run finished")
	return true
}

// NextDaily returns the first instant strictly after now at which the local clock in loc reads hhmm.
func NextDaily(now time.Time, hhmm string, loc *time.Location) (time.Time, error) {
	at, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, err
	}
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), at.Hour(), at.Minute(), 0, 0, loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, at.Hour(), at.Minute(), 0, 0, loc)
	}
	return next, nil
}
