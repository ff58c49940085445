package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aily-sh/aily/internal/relay/bus"
	"github.com/aily-sh/aily/internal/relay/fault"
	"github.com/aily-sh/aily/internal/relay/registry"
	"github.com/aily-sh/aily/internal/relay/router"
	"github.com/aily-sh/aily/internal/relay/store"
)

// eventRetention bounds the dashboard activity feed.
const eventRetention = 7 * 24 * time.Hour

// HostExecutor is the slice of the SSH executor the jobs drive.
type HostExecutor interface {
	Hosts() []string
	ListSessions(ctx context.Context, host string) ([]string, error)
	WorkingDir(ctx context.Context, host, name string) (string, error)
	LatestFile(ctx context.Context, host, glob string) (string, error)
	TailFile(ctx context.Context, host, path string, maxBytes int) (string, error)
}

// Relay is the slice of the router the jobs feed.
type Relay interface {
	HandleAgentEvent(ctx context.Context, ev router.AgentEvent) error
	KillSession(ctx context.Context, name string) (bool, error)
}

// Jobs bundles the dependencies shared by the periodic tasks.
type Jobs struct {
	store    *store.Store
	registry *registry.Registry
	bus      *bus.Bus
	exec     HostExecutor
	relay    Relay
	log      *slog.Logger

	orphanRetention time.Duration
	started         time.Time

	scraper *scraper
}

func NewJobs(st *store.Store, reg *registry.Registry, b *bus.Bus,
	exec HostExecutor, relay Relay, orphanRetention time.Duration, log *slog.Logger) *Jobs {

	return &Jobs{
		store:           st,
		registry:        reg,
		bus:             b,
		exec:            exec,
		relay:           relay,
		log:             log,
		orphanRetention: orphanRetention,
		started:         time.Now(),
		scraper:         newScraper(exec, relay, log),
	}
}

// Register wires every job into the scheduler on the given intervals.
func (j *Jobs) Register(s *Scheduler, poll, scrape time.Duration) {
	s.Add(Job{Name: "host-poller", Every: poll, Run: j.PollHosts})
	s.Add(Job{Name: "transcript-scraper", Every: scrape, Run: j.ScrapeTranscripts})
	s.Add(Job{Name: "idle-sweeper", Every: time.Minute, Run: j.SweepIdle})
	s.Add(Job{Name: "orphan-reaper", Every: 5 * time.Minute, Run: j.ReapOrphans})
	s.Add(Job{Name: "heartbeat", Every: 25 * time.Second, Run: j.Heartbeat})
	s.Add(Job{Name: "events-pruner", Every: time.Hour, Run: j.PruneEvents})
}

// PollHosts reconciles the registry with the live tmux session list on
// every host. An unreachable host demotes its sessions rather than
// failing the job.
func (j *Jobs) PollHosts(ctx context.Context) error {
	var firstErr error
	for _, host := range j.exec.Hosts() {
		names, err := j.exec.ListSessions(ctx, host)
		if err != nil {
			if errors.Is(err, fault.ErrUnreachable) {
				if derr := j.registry.HostDown(ctx, host); derr != nil && firstErr == nil {
					firstErr = derr
				}
				continue
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("poll %s: %w", host, err)
			}
			continue
		}

		live := make(map[string]bool, len(names))
		for _, name := range names {
			if !registry.ValidName(name) || registry.IsInfra(name) {
				continue
			}
			live[name] = true
			if _, err := j.registry.Upsert(ctx, registry.Observation{
				Name:    name,
				Host:    host,
				OverSSH: true,
			}); err != nil && firstErr == nil {
				firstErr = err
			}
		}

		known, err := j.store.ListSessions(ctx, store.SessionFilter{Host: host})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, sess := range known {
			if live[sess.Name] {
				continue
			}
			switch sess.Status {
			case registry.StatusActive, registry.StatusWaiting, registry.StatusIdle, registry.StatusError:
				if _, _, err := j.registry.Transition(ctx, sess.Name, registry.EventSSHMissing); err != nil && firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	j.registry.RefreshGauges(ctx)
	return firstErr
}

// ScrapeTranscripts tails the agent transcript of every live session
// and feeds new lines to the router.
func (j *Jobs) ScrapeTranscripts(ctx context.Context) error {
	sessions, err := j.store.ListSessions(ctx, store.SessionFilter{})
	if err != nil {
		return err
	}
	var firstErr error
	for _, sess := range sessions {
		switch sess.Status {
		case registry.StatusActive, registry.StatusWaiting:
		default:
			continue
		}
		if err := j.scraper.scrape(ctx, sess); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("scrape %s: %w", sess.Name, err)
		}
	}
	return firstErr
}

// SweepIdle demotes silent active sessions to idle.
func (j *Jobs) SweepIdle(ctx context.Context) error {
	n, err := j.registry.SweepIdle(ctx, time.Now())
	if n > 0 {
		j.log.Info("sessions idled", "count", n)
	}
	return err
}

// ReapOrphans closes the threads of orphaned sessions past retention.
func (j *Jobs) ReapOrphans(ctx context.Context) error {
	sessions, err := j.store.ListSessions(ctx, store.SessionFilter{Status: registry.StatusOrphaned})
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-j.orphanRetention)
	var firstErr error
	for _, sess := range sessions {
		if sess.LastActivityAt.After(cutoff) {
			continue
		}
		j.log.Info("reaping orphaned session", "session", sess.Name, "last_activity", sess.LastActivityAt)
		if _, err := j.relay.KillSession(ctx, sess.Name); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		j.scraper.forget(sess.Name)
	}
	return firstErr
}

// SyncSession re-reads one session's transcript from the beginning of
// the tail window, bypassing the unchanged-tail cache. Backs the
// dashboard's sync endpoint.
func (j *Jobs) SyncSession(ctx context.Context, name string) error {
	sess, err := j.registry.Get(ctx, name)
	if err != nil {
		return err
	}
	j.scraper.forget(name)
	return j.scraper.scrape(ctx, sess)
}

// Heartbeat publishes a liveness event for dashboard clients.
func (j *Jobs) Heartbeat(ctx context.Context) error {
	j.bus.Publish(bus.Event{
		Kind: bus.SystemHeartbeat,
		Payload: map[string]any{
			"uptime_sec": int64(time.Since(j.started).Seconds()),
		},
	})
	return nil
}

// PruneEvents trims the persisted activity feed.
func (j *Jobs) PruneEvents(ctx context.Context) error {
	_, err := j.store.PruneEvents(ctx, time.Now().Add(-eventRetention))
	return err
}
