// Package scheduler runs the relay's periodic jobs: host polling,
// transcript scraping, idle sweeping, orphan reaping, and heartbeats.
// Each job ticks on its own interval; repeated failures degrade the
// component on the event bus.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aily-sh/aily/internal/metrics"
	"github.com/aily-sh/aily/internal/relay/bus"
)

// degradeAfter is the number of consecutive failures before a job is
// reported as degraded on the bus.
const degradeAfter = 3

// Job is one periodic task. Run is invoked on every tick with a
// deadline; a non-nil error counts against the job's health.
type Job struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) error
}

// Scheduler drives a set of Jobs until its context is cancelled.
type Scheduler struct {
	bus  *bus.Bus
	log  *slog.Logger
	jobs []Job
	wg   sync.WaitGroup
}

func New(b *bus.Bus, log *slog.Logger) *Scheduler {
	return &Scheduler{bus: b, log: log.With("component", "scheduler")}
}

// Add registers a job. Must be called before Start.
func (s *Scheduler) Add(j Job) {
	s.jobs = append(s.jobs, j)
}

// Start launches one goroutine per job. Each job runs once immediately
// and then on its interval.
func (s *Scheduler) Start(ctx context.Context) {
	for _, j := range s.jobs {
		j := j
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runLoop(ctx, j)
		}()
	}
}

// Wait blocks until all job goroutines have exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) runLoop(ctx context.Context, j Job) {
	ticker := time.NewTicker(j.Every)
	defer ticker.Stop()

	failures := 0
	degraded := false
	tick := func() {
		jctx, cancel := context.WithTimeout(ctx, j.Every+10*time.Second)
		err := j.Run(jctx)
		cancel()
		if err == nil {
			if degraded {
				s.log.Info("job recovered", "job", j.Name)
				s.bus.Publish(bus.Event{
					Kind:    bus.ComponentDegraded,
					Payload: map[string]any{"component": j.Name, "degraded": false},
				})
			}
			failures, degraded = 0, false
			return
		}
		if ctx.Err() != nil {
			return
		}

		failures++
		metrics.SchedulerFailures.WithLabelValues(j.Name).Inc()
		s.log.Warn("job failed", "job", j.Name, "failures", failures, "error", err)
		if failures >= degradeAfter && !degraded {
			degraded = true
			s.bus.Publish(bus.Event{
				Kind: bus.ComponentDegraded,
				Payload: map[string]any{
					"component": j.Name,
					"degraded":  true,
					"failures":  failures,
					"error":     err.Error(),
				},
			})
		}
	}

	tick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick()
		}
	}
}
