package registry_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aily-sh/aily/internal/relay/bus"
	"github.com/aily-sh/aily/internal/relay/db"
	"github.com/aily-sh/aily/internal/relay/fault"
	"github.com/aily-sh/aily/internal/relay/registry"
	"github.com/aily-sh/aily/internal/relay/store"
)

func newTestRegistry(t *testing.T) (*registry.Registry, *bus.Bus) {
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
	return registry.New(st, b, 15*time.Minute, slog.Default()), b
}

func TestUpsert_NewSSHSessionStartsActive(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	sess, err := r.Upsert(ctx, registry.Observation{
		Name: "fix-auth", Host: "dev-box", AgentType: "claude", OverSSH: true,
	})
	require.NoError(t, err)
	assert.Equal(t, registry.StatusActive, sess.Status)
	assert.Equal(t, "dev-box", sess.Host)
}

func TestUpsert_PlatformOnlySessionStartsOrphaned(t *testing.T) {
	r, _ := newTestRegistry(t)

	sess, err := r.Upsert(context.Background(), registry.Observation{
		Name: "ghost", OverSSH: false,
	})
	require.NoError(t, err)
	assert.Equal(t, registry.StatusOrphaned, sess.Status)
}

func TestUpsert_MergesFieldsLastWriterWins(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Upsert(ctx, registry.Observation{
		Name: "s1", Host: "dev-box", AgentType: "claude", OverSSH: true,
	})
	require.NoError(t, err)

	sess, err := r.Upsert(ctx, registry.Observation{
		Name: "s1", WorkingDir: "/srv/app", OverSSH: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "dev-box", sess.Host, "empty fields do not clobber")
	assert.Equal(t, "claude", sess.AgentType)
	assert.Equal(t, "/srv/app", sess.WorkingDir)
}

func TestUpsert_RejectsInvalidAndInfraNames(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Upsert(ctx, registry.Observation{Name: "has space"})
	assert.ErrorIs(t, err, fault.ErrInvalidArgument)

	_, err = r.Upsert(ctx, registry.Observation{Name: "agent-bridge", OverSSH: true})
	assert.ErrorIs(t, err, fault.ErrInvalidArgument)
}

func TestTransition_Table(t *testing.T) {
	cases := []struct {
		from, event, want string
	}{
		{registry.StatusActive, registry.EventAskQuestion, registry.StatusWaiting},
		{registry.StatusActive, registry.EventSSHMissing, registry.StatusOrphaned},
		{registry.StatusActive, registry.EventHostDown, registry.StatusUnreachable},
		{registry.StatusWaiting, registry.EventMsgInbound, registry.StatusActive},
		{registry.StatusIdle, registry.EventSSHSeen, registry.StatusActive},
		{registry.StatusOrphaned, registry.EventSSHSeen, registry.StatusActive},
		{registry.StatusOrphaned, registry.EventMsgInbound, registry.StatusOrphaned},
		{registry.StatusUnreachable, registry.EventSSHSeen, registry.StatusActive},
		{registry.StatusUnreachable, registry.EventMsgInbound, registry.StatusUnreachable},
		{registry.StatusActive, registry.EventLifecycleClose, registry.StatusArchived},
		{registry.StatusArchived, registry.EventSSHSeen, registry.StatusArchived},
		{registry.StatusArchived, registry.EventMsgInbound, registry.StatusArchived},
	}

	for _, tc := range cases {
		t.Run(tc.from+"_"+tc.event, func(t *testing.T) {
			r, _ := newTestRegistry(t)
			ctx := context.Background()

			_, err := r.Upsert(ctx, registry.Observation{Name: "s1", OverSSH: true})
			require.NoError(t, err)
			forceStatus(t, r, "s1", tc.from)

			old, now, err := r.Transition(ctx, "s1", tc.event)
			require.NoError(t, err)
			assert.Equal(t, tc.from, old)
			assert.Equal(t, tc.want, now)

			sess, err := r.Get(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, tc.want, sess.Status)
		})
	}
}

// forceStatus walks a session into the wanted state through valid
// transitions, since status is not directly assignable.
func forceStatus(t *testing.T, r *registry.Registry, name, status string) {
	t.Helper()
	ctx := context.Background()
	path := map[string][]string{
		registry.StatusActive:      nil,
		registry.StatusWaiting:     {registry.EventAskQuestion},
		registry.StatusOrphaned:    {registry.EventSSHMissing},
		registry.StatusUnreachable: {registry.EventHostDown},
		registry.StatusArchived:    {registry.EventLifecycleClose},
	}
	if status == registry.StatusIdle {
		require.NoError(t, r.Touch(ctx, name, time.Now().Add(-time.Hour)))
		n, err := r.SweepIdle(ctx, time.Now())
		require.NoError(t, err)
		require.Equal(t, 1, n)
		return
	}
	for _, ev := range path[status] {
		_, _, err := r.Transition(ctx, name, ev)
		require.NoError(t, err)
	}
	sess, err := r.Get(ctx, name)
	require.NoError(t, err)
	require.Equal(t, status, sess.Status)
}

func TestTransition_ArchiveSetsClosedAt(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Upsert(ctx, registry.Observation{Name: "s1", OverSSH: true})
	require.NoError(t, err)

	_, _, err = r.Transition(ctx, "s1", registry.EventLifecycleClose)
	require.NoError(t, err)

	sess, err := r.Get(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, sess.ClosedAt)
}

func TestTransition_PublishesStatusChange(t *testing.T) {
	r, b := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Upsert(ctx, registry.Observation{Name: "s1", OverSSH: true})
	require.NoError(t, err)

	sub := b.Subscribe(nil)
	defer b.Unsubscribe(sub)

	_, _, err = r.Transition(ctx, "s1", registry.EventAskQuestion)
	require.NoError(t, err)

	select {
	case e := <-sub.C():
		assert.Equal(t, bus.SessionStatusChanged, e.Kind)
		assert.Equal(t, "s1", e.SessionName)
	case <-time.After(time.Second):
		t.Fatal("no status event published")
	}
}

func TestTransition_MissingSession(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, _, err := r.Transition(context.Background(), "nope", registry.EventSSHSeen)
	assert.True(t, errors.Is(err, fault.ErrNotFound))
}

func TestSweepIdle_DemotesStaleActive(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Upsert(ctx, registry.Observation{
		Name: "stale", OverSSH: true, At: time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)
	_, err = r.Upsert(ctx, registry.Observation{Name: "fresh", OverSSH: true})
	require.NoError(t, err)

	n, err := r.SweepIdle(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stale, _ := r.Get(ctx, "stale")
	assert.Equal(t, registry.StatusIdle, stale.Status)
	fresh, _ := r.Get(ctx, "fresh")
	assert.Equal(t, registry.StatusActive, fresh.Status)
}

func TestTouch_RestoresActiveFromIdle(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Upsert(ctx, registry.Observation{
		Name: "s1", OverSSH: true, At: time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)
	_, err = r.SweepIdle(ctx, time.Now())
	require.NoError(t, err)

	require.NoError(t, r.Touch(ctx, "s1", time.Now()))
	sess, err := r.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusActive, sess.Status)
}

func TestMarkError_AndRecovery(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Upsert(ctx, registry.Observation{Name: "s1", OverSSH: true})
	require.NoError(t, err)

	require.NoError(t, r.MarkError(ctx, "s1", errors.New("inject failed")))
	sess, _ := r.Get(ctx, "s1")
	assert.Equal(t, registry.StatusError, sess.Status)

	// Next sighting over SSH clears the error.
	sess, err = r.Upsert(ctx, registry.Observation{Name: "s1", OverSSH: true})
	require.NoError(t, err)
	assert.Equal(t, registry.StatusActive, sess.Status)
}

func TestHostDown_MarksAllSessionsOnHost(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	for _, name := range []string{"a", "b"} {
		_, err := r.Upsert(ctx, registry.Observation{Name: name, Host: "h1", OverSSH: true})
		require.NoError(t, err)
	}
	_, err := r.Upsert(ctx, registry.Observation{Name: "c", Host: "h2", OverSSH: true})
	require.NoError(t, err)

	require.NoError(t, r.HostDown(ctx, "h1"))

	for _, name := range []string{"a", "b"} {
		sess, err := r.Get(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, registry.StatusUnreachable, sess.Status)
	}
	other, err := r.Get(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusActive, other.Status)
}
