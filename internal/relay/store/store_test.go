package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aily-sh/aily/internal/relay/db"
	"github.com/aily-sh/aily/internal/relay/fault"
	"github.com/aily-sh/aily/internal/relay/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(sqlDB))

	s := store.New(sqlDB)
	t.Cleanup(func() {
		s.Close()
		_ = sqlDB.Close()
	})
	return s
}

func putSession(t *testing.T, s *store.Store, name string) {
	t.Helper()
	now := time.Now()
	require.NoError(t, s.PutSession(context.Background(), store.Session{
		Name:           name,
		Host:           "dev-box",
		AgentType:      "claude",
		Status:         "active",
		CreatedAt:      now,
		LastActivityAt: now,
	}))
}

func TestSessions_CRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	putSession(t, s, "fix-auth")

	sess, err := s.GetSession(ctx, "fix-auth")
	require.NoError(t, err)
	assert.Equal(t, "dev-box", sess.Host)
	assert.Equal(t, "active", sess.Status)

	_, err = s.GetSession(ctx, "nope")
	assert.ErrorIs(t, err, fault.ErrNotFound)

	sess.Status = "idle"
	require.NoError(t, s.PutSession(ctx, sess))
	got, err := s.GetSession(ctx, "fix-auth")
	require.NoError(t, err)
	assert.Equal(t, "idle", got.Status)

	list, err := s.ListSessions(ctx, store.SessionFilter{Status: "idle"})
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, s.DeleteSession(ctx, "fix-auth"))
	_, err = s.GetSession(ctx, "fix-auth")
	assert.ErrorIs(t, err, fault.ErrNotFound)
}

func TestAppend_AssignsIncreasingIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	putSession(t, s, "s1")

	var last int64
	for i := 0; i < 5; i++ {
		id, err := s.Append(ctx, store.Message{
			SessionName: "s1",
			Role:        store.RoleUser,
			Source:      store.SourceDiscord,
			Content:     "message " + string(rune('a'+i)),
			ExternalID:  "ext-" + string(rune('a'+i)),
		})
		require.NoError(t, err)
		assert.Greater(t, id, last, "IDs must be strictly increasing")
		last = id
	}
}

func TestAppend_DedupByExternalID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	putSession(t, s, "s1")

	msg := store.Message{
		SessionName: "s1",
		Role:        store.RoleAssistant,
		Source:      store.SourceHook,
		Content:     "done",
		ExternalID:  "dup1",
	}
	_, err := s.Append(ctx, msg)
	require.NoError(t, err)

	_, err = s.Append(ctx, msg)
	assert.ErrorIs(t, err, fault.ErrDuplicate)

	_, total, err := s.Page(ctx, "s1", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestAppend_DedupFallbackBucketsBySecond(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	putSession(t, s, "s1")

	ts := time.Now().Truncate(time.Second)
	msg := store.Message{
		SessionName: "s1",
		Role:        store.RoleAssistant,
		Source:      store.SourceTmux,
		Content:     "echo",
		Timestamp:   ts,
	}
	_, err := s.Append(ctx, msg)
	require.NoError(t, err)

	// Same content in the same second is suppressed.
	msg.Timestamp = ts.Add(200 * time.Millisecond)
	_, err = s.Append(ctx, msg)
	assert.ErrorIs(t, err, fault.ErrDuplicate)

	// A second later it is a distinct message.
	msg.Timestamp = ts.Add(1100 * time.Millisecond)
	_, err = s.Append(ctx, msg)
	require.NoError(t, err)
}

func TestAppend_UpdatesSessionPreview(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	putSession(t, s, "s1")

	_, err := s.Append(ctx, store.Message{
		SessionName: "s1",
		Role:        store.RoleAssistant,
		Source:      store.SourceHook,
		Content:     "finished   the\nrefactor",
		ExternalID:  "x1",
	})
	require.NoError(t, err)

	sess, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "finished the refactor", sess.LastMessagePreview)
}

func TestPage_NewestFirstWithTotal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	putSession(t, s, "s1")

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 7; i++ {
		_, err := s.Append(ctx, store.Message{
			SessionName: "s1",
			Role:        store.RoleUser,
			Source:      store.SourceDiscord,
			Content:     "m",
			ExternalID:  "e" + string(rune('0'+i)),
			Timestamp:   base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	page, total, err := s.Page(ctx, "s1", 3, 0)
	require.NoError(t, err)
	assert.Equal(t, 7, total)
	require.Len(t, page, 3)
	assert.Equal(t, "e6", page[0].ExternalID, "newest first")

	page2, _, err := s.Page(ctx, "s1", 3, 3)
	require.NoError(t, err)
	assert.Equal(t, "e3", page2[0].ExternalID)
}

func TestPageBefore_Cursor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	putSession(t, s, "s1")

	var ids []int64
	for i := 0; i < 5; i++ {
		id, err := s.Append(ctx, store.Message{
			SessionName: "s1", Role: store.RoleUser, Source: store.SourceSlack,
			Content: "m", ExternalID: "c" + string(rune('0'+i)),
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	page, err := s.PageBefore(ctx, "s1", ids[3], 10)
	require.NoError(t, err)
	require.Len(t, page, 3)
	for _, m := range page {
		assert.Less(t, m.ID, ids[3])
	}
}

func TestSearch_SnippetAndScope(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	putSession(t, s, "s1")
	putSession(t, s, "s2")

	_, err := s.Append(ctx, store.Message{
		SessionName: "s1", Role: store.RoleAssistant, Source: store.SourceHook,
		Content: "the deployment pipeline is green", ExternalID: "a",
	})
	require.NoError(t, err)
	_, err = s.Append(ctx, store.Message{
		SessionName: "s2", Role: store.RoleAssistant, Source: store.SourceHook,
		Content: "deployment failed on staging", ExternalID: "b",
	})
	require.NoError(t, err)

	all, err := s.Search(ctx, "", "deployment", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Contains(t, all[0].Snippet, "[deployment]")

	scoped, err := s.Search(ctx, "s2", "deployment", 10)
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "s2", scoped[0].Message.SessionName)

	_, err = s.Search(ctx, "", "", 10)
	assert.ErrorIs(t, err, fault.ErrInvalidArgument)
}

func TestBindings_CRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b := store.Binding{Platform: "discord", SessionName: "s1", ThreadRef: "t-123"}
	require.NoError(t, s.PutBinding(ctx, b))

	got, err := s.GetBinding(ctx, "discord", "s1")
	require.NoError(t, err)
	assert.Equal(t, "t-123", got.ThreadRef)
	assert.False(t, got.Archived)

	byThread, err := s.FindBindingByThread(ctx, "discord", "t-123")
	require.NoError(t, err)
	assert.Equal(t, "s1", byThread.SessionName)

	// Rebinding replaces the thread ref.
	b.ThreadRef = "t-456"
	require.NoError(t, s.PutBinding(ctx, b))
	got, err = s.GetBinding(ctx, "discord", "s1")
	require.NoError(t, err)
	assert.Equal(t, "t-456", got.ThreadRef)

	require.NoError(t, s.MarkBindingArchived(ctx, "discord", "s1", true))
	got, _ = s.GetBinding(ctx, "discord", "s1")
	assert.True(t, got.Archived)

	require.NoError(t, s.DeleteBinding(ctx, "discord", "s1"))
	_, err = s.GetBinding(ctx, "discord", "s1")
	assert.ErrorIs(t, err, fault.ErrNotFound)
}

func TestPreferences(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Preference(ctx, "theme")
	assert.ErrorIs(t, err, fault.ErrNotFound)

	require.NoError(t, s.SetPreference(ctx, "theme", "dark"))
	v, err := s.Preference(ctx, "theme")
	require.NoError(t, err)
	assert.Equal(t, "dark", v)

	require.NoError(t, s.SetPreference(ctx, "theme", "light"))
	all, err := s.Preferences(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"theme": "light"}, all)
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	putSession(t, s, "s1")
	putSession(t, s, "s2")

	_, err := s.Append(ctx, store.Message{
		SessionName: "s1", Role: store.RoleUser, Source: store.SourceDiscord,
		Content: "hi", ExternalID: "x",
	})
	require.NoError(t, err)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Sessions)
	assert.Equal(t, 2, st.SessionsByState["active"])
	assert.Equal(t, 1, st.Messages)
}

func TestEvents_AppendAndPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendEvent(ctx, "session.created", "s1", `{"host":"dev-box"}`))
	require.NoError(t, s.AppendEvent(ctx, "message.new", "s1", `{}`))

	evs, err := s.ListEvents(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "message.new", evs[0].EventType, "newest first")

	n, err := s.PruneEvents(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestAppend_Cancelled(t *testing.T) {
	s := newTestStore(t)
	putSession(t, s, "s1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Append(ctx, store.Message{
		SessionName: "s1", Role: store.RoleUser, Source: store.SourceDiscord, Content: "x",
	})
	if err == nil {
		// The write may have been queued before cancellation was
		// observed. Either outcome is acceptable; an error must be
		// the context error.
		return
	}
	assert.True(t, errors.Is(err, context.Canceled) || errors.Is(err, fault.ErrDuplicate))
}
