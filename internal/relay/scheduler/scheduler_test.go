package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aily-sh/aily/internal/relay/bus"
	"github.com/aily-sh/aily/internal/relay/db"
	"github.com/aily-sh/aily/internal/relay/fault"
	"github.com/aily-sh/aily/internal/relay/registry"
	"github.com/aily-sh/aily/internal/relay/router"
	"github.com/aily-sh/aily/internal/relay/store"
	"github.com/aily-sh/aily/internal/util/testutil"
)

type fakeExec struct {
	mu       sync.Mutex
	hosts    []string
	sessions map[string][]string // host -> live names
	listErr  map[string]error
	wd       string
	latest   string
	lastGlob string
	tail     string
	tailErr  error
}

func (f *fakeExec) Hosts() []string { return f.hosts }

func (f *fakeExec) ListSessions(ctx context.Context, host string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.listErr[host]; err != nil {
		return nil, err
	}
	return f.sessions[host], nil
}

func (f *fakeExec) WorkingDir(ctx context.Context, host, name string) (string, error) {
	return f.wd, nil
}

func (f *fakeExec) LatestFile(ctx context.Context, host, glob string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastGlob = glob
	return f.latest, nil
}

func (f *fakeExec) TailFile(ctx context.Context, host, path string, maxBytes int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tail, f.tailErr
}

type fakeRelay struct {
	mu     sync.Mutex
	events []router.AgentEvent
	killed []string
}

func (f *fakeRelay) HandleAgentEvent(ctx context.Context, ev router.AgentEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeRelay) KillSession(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, name)
	return true, nil
}

type env struct {
	store    *store.Store
	registry *registry.Registry
	bus      *bus.Bus
	exec     *fakeExec
	relay    *fakeRelay
	jobs     *Jobs
}

func newEnv(t *testing.T, exec *fakeExec) *env {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(sqlDB))

	st := store.New(sqlDB)
	t.Cleanup(func() {
		st.Close()
		_ = sqlDB.Close()
	})

	b := bus.New()
	reg := registry.New(st, b, 15*time.Minute, slog.Default())
	relay := &fakeRelay{}
	return &env{
		store:    st,
		registry: reg,
		bus:      b,
		exec:     exec,
		relay:    relay,
		jobs:     NewJobs(st, reg, b, exec, relay, 24*time.Hour, slog.Default()),
	}
}

func TestPollHosts_ReconcilesLiveAndMissing(t *testing.T) {
	exec := &fakeExec{
		hosts:    []string{"dev-box"},
		sessions: map[string][]string{"dev-box": {"alpha", "agent-bridge"}},
	}
	e := newEnv(t, exec)
	ctx := context.Background()

	// beta was seen before but is no longer live.
	_, err := e.registry.Upsert(ctx, registry.Observation{Name: "beta", Host: "dev-box", OverSSH: true})
	require.NoError(t, err)

	require.NoError(t, e.jobs.PollHosts(ctx))

	alpha, err := e.registry.Get(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusActive, alpha.Status)
	assert.Equal(t, "dev-box", alpha.Host)

	beta, err := e.registry.Get(ctx, "beta")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusOrphaned, beta.Status)

	_, err = e.registry.Get(ctx, "agent-bridge")
	assert.Error(t, err, "infra sessions are never registered")
}

func TestPollHosts_UnreachableHostDemotesSessions(t *testing.T) {
	exec := &fakeExec{
		hosts:   []string{"dev-box"},
		listErr: map[string]error{"dev-box": fmt.Errorf("dial: %w", fault.ErrUnreachable)},
	}
	e := newEnv(t, exec)
	ctx := context.Background()

	_, err := e.registry.Upsert(ctx, registry.Observation{Name: "alpha", Host: "dev-box", OverSSH: true})
	require.NoError(t, err)

	require.NoError(t, e.jobs.PollHosts(ctx), "an unreachable host is a condition, not a job failure")

	alpha, err := e.registry.Get(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusUnreachable, alpha.Status)
}

func TestPollHosts_RecoveryReactivates(t *testing.T) {
	exec := &fakeExec{
		hosts:   []string{"dev-box"},
		listErr: map[string]error{"dev-box": fmt.Errorf("dial: %w", fault.ErrUnreachable)},
	}
	e := newEnv(t, exec)
	ctx := context.Background()

	_, err := e.registry.Upsert(ctx, registry.Observation{Name: "alpha", Host: "dev-box", OverSSH: true})
	require.NoError(t, err)
	require.NoError(t, e.jobs.PollHosts(ctx))

	exec.mu.Lock()
	exec.listErr = nil
	exec.sessions = map[string][]string{"dev-box": {"alpha"}}
	exec.mu.Unlock()
	require.NoError(t, e.jobs.PollHosts(ctx))

	alpha, err := e.registry.Get(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusActive, alpha.Status)
}

func TestScrapeTranscripts_FeedsNewLines(t *testing.T) {
	tail := `{"type":"assistant","message":{"content":[{"type":"text","text":"done with the refactor"}]}}
{"type":"user","message":{"content":"looks good"}}
{"type":"summary","summary":"ignored"}
not json at all
`
	exec := &fakeExec{
		hosts:    []string{"dev-box"},
		sessions: map[string][]string{"dev-box": {"alpha"}},
		wd:       "/srv/app",
		latest:   "/home/u/.claude/projects/-srv-app/abc.jsonl",
		tail:     tail,
	}
	e := newEnv(t, exec)
	ctx := context.Background()

	_, err := e.registry.Upsert(ctx, registry.Observation{
		Name: "alpha", Host: "dev-box", AgentType: "claude", OverSSH: true,
	})
	require.NoError(t, err)

	require.NoError(t, e.jobs.ScrapeTranscripts(ctx))

	assert.Equal(t, "$HOME/.claude/projects/-srv-app/*.jsonl", exec.lastGlob)
	require.Len(t, e.relay.events, 2)
	assert.Equal(t, store.RoleAssistant, e.relay.events[0].Role)
	assert.Equal(t, "done with the refactor", e.relay.events[0].Content)
	assert.Equal(t, store.RoleUser, e.relay.events[1].Role)
	assert.Equal(t, "looks good", e.relay.events[1].Content)
	for _, ev := range e.relay.events {
		assert.Equal(t, store.SourceJSONL, ev.Source)
		assert.Len(t, ev.ExternalID, 16)
	}

	// An unchanged tail produces nothing on the next tick.
	require.NoError(t, e.jobs.ScrapeTranscripts(ctx))
	assert.Len(t, e.relay.events, 2)
}

func TestSyncSession_BypassesTailCache(t *testing.T) {
	exec := &fakeExec{
		hosts:    []string{"dev-box"},
		sessions: map[string][]string{"dev-box": {"alpha"}},
		wd:       "/srv/app",
		latest:   "/home/u/.claude/projects/-srv-app/abc.jsonl",
		tail:     `{"type":"user","message":{"content":"ship it"}}`,
	}
	e := newEnv(t, exec)
	ctx := context.Background()

	_, err := e.registry.Upsert(ctx, registry.Observation{
		Name: "alpha", Host: "dev-box", AgentType: "claude", OverSSH: true,
	})
	require.NoError(t, err)

	require.NoError(t, e.jobs.ScrapeTranscripts(ctx))
	require.NoError(t, e.jobs.ScrapeTranscripts(ctx))
	require.Len(t, e.relay.events, 1, "unchanged tail is cached")

	// A forced sync replays the tail; downstream dedup absorbs it.
	require.NoError(t, e.jobs.SyncSession(ctx, "alpha"))
	assert.Len(t, e.relay.events, 2)

	err = e.jobs.SyncSession(ctx, "ghost")
	assert.Error(t, err)
}

func TestScrapeTranscripts_SkipsUnknownAgents(t *testing.T) {
	exec := &fakeExec{hosts: []string{"dev-box"}, tail: `{"type":"user","message":{"content":"hi"}}`}
	e := newEnv(t, exec)
	ctx := context.Background()

	_, err := e.registry.Upsert(ctx, registry.Observation{
		Name: "plain", Host: "dev-box", AgentType: "shell", OverSSH: true,
	})
	require.NoError(t, err)

	require.NoError(t, e.jobs.ScrapeTranscripts(ctx))
	assert.Empty(t, e.relay.events)
}

func TestParseTranscriptLine(t *testing.T) {
	entry, ok := parseTranscriptLine(`{"type":"assistant","message":{"content":[{"type":"text","text":"a"},{"type":"tool_use","id":"t1"},{"type":"text","text":"b"}]}}`)
	require.True(t, ok)
	assert.Equal(t, "a\nb", entry.content)

	_, ok = parseTranscriptLine(`{"type":"summary","summary":"s"}`)
	assert.False(t, ok)

	_, ok = parseTranscriptLine(`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t1"}]}}`)
	assert.False(t, ok, "tool-only content carries no text")

	_, ok = parseTranscriptLine(`{broken`)
	assert.False(t, ok)
}

func TestParseTranscriptLine_TruncatesLongContent(t *testing.T) {
	long := make([]byte, scrapeContentCap+100)
	for i := range long {
		long[i] = 'x'
	}
	entry, ok := parseTranscriptLine(
		fmt.Sprintf(`{"type":"user","message":{"content":"%s"}}`, long))
	require.True(t, ok)
	assert.Len(t, []rune(entry.content), scrapeContentCap+len("...(truncated)"))
}

func TestReapOrphans_KillsOnlyStale(t *testing.T) {
	exec := &fakeExec{hosts: []string{"dev-box"}}
	e := newEnv(t, exec)
	ctx := context.Background()

	for _, name := range []string{"stale", "fresh"} {
		_, err := e.registry.Upsert(ctx, registry.Observation{Name: name})
		require.NoError(t, err)
	}
	require.NoError(t, e.registry.Touch(ctx, "stale", time.Now().Add(-48*time.Hour)))

	require.NoError(t, e.jobs.ReapOrphans(ctx))
	assert.Equal(t, []string{"stale"}, e.relay.killed)
}

func TestHeartbeat_PublishesToAllSubscribers(t *testing.T) {
	exec := &fakeExec{}
	e := newEnv(t, exec)
	sub := e.bus.Subscribe([]string{"some-session"})

	require.NoError(t, e.jobs.Heartbeat(context.Background()))

	select {
	case ev := <-sub.C():
		assert.Equal(t, bus.SystemHeartbeat, ev.Kind)
	default:
		t.Fatal("heartbeat not delivered to filtered subscriber")
	}
}

func TestScheduler_DegradesAfterConsecutiveFailures(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(nil)
	s := New(b, slog.Default())

	var mu sync.Mutex
	fail := true
	runs := 0
	s.Add(Job{Name: "flaky", Every: 5 * time.Millisecond, Run: func(ctx context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		runs++
		if fail {
			return fmt.Errorf("boom")
		}
		return nil
	}})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	testutil.RequireEventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs >= degradeAfter
	})

	var degradedSeen, recoveredSeen bool
	deadline := time.After(time.Second)
	for !degradedSeen {
		select {
		case ev := <-sub.C():
			if ev.Kind != bus.ComponentDegraded {
				continue
			}
			p := ev.Payload.(map[string]any)
			if p["degraded"] == true {
				degradedSeen = true
			}
		case <-deadline:
			t.Fatal("no component.degraded event")
		}
	}

	mu.Lock()
	fail = false
	mu.Unlock()

	deadline = time.After(time.Second)
	for !recoveredSeen {
		select {
		case ev := <-sub.C():
			if ev.Kind != bus.ComponentDegraded {
				continue
			}
			p := ev.Payload.(map[string]any)
			if p["degraded"] == false {
				recoveredSeen = true
			}
		case <-deadline:
			t.Fatal("no recovery event")
		}
	}

	cancel()
	s.Wait()
}
