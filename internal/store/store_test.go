package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/paseo-sh/paseo/internal/common/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(config.StorageConfig{Driver: "sqlite"}, filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAgentRepository_SaveGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	rec := &AgentRecord{
		ID:                "ag_1",
		Provider:          "claude",
		Cwd:               "/tmp/x",
		Title:             "A",
		Status:            "idle",
		ModeID:            "default",
		Model:             "sonnet",
		ProviderSessionID: "sess-1",
		Epoch:             2,
		Labels:            map[string]string{"ui": "true", "team": "core"},
		CreatedAt:         now,
		LastActivityAt:    now,
	}
	require.NoError(t, s.Agents().Save(ctx, rec))

	got, err := s.Agents().Get(ctx, "ag_1")
	require.NoError(t, err)
	require.Equal(t, "claude", got.Provider)
	require.Equal(t, "/tmp/x", got.Cwd)
	require.Equal(t, int64(2), got.Epoch)
	require.Equal(t, map[string]string{"ui": "true", "team": "core"}, got.Labels)
	require.Nil(t, got.ArchivedAt)
	require.WithinDuration(t, now, got.CreatedAt, time.Second)
}

func TestAgentRepository_SaveIsUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	rec := &AgentRecord{ID: "ag_1", Provider: "codex", Cwd: "/tmp/x", Status: "idle", CreatedAt: now, LastActivityAt: now}
	require.NoError(t, s.Agents().Save(ctx, rec))

	rec.Title = "renamed"
	rec.Status = "running"
	rec.Epoch = 1
	require.NoError(t, s.Agents().Save(ctx, rec))

	got, err := s.Agents().Get(ctx, "ag_1")
	require.NoError(t, err)
	require.Equal(t, "renamed", got.Title)
	require.Equal(t, "running", got.Status)
	require.Equal(t, int64(1), got.Epoch)

	all, err := s.Agents().List(ctx, true)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestAgentRepository_GetNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Agents().Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAgentRepository_ListExcludesArchived(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Agents().Save(ctx, &AgentRecord{
		ID: "ag_live", Provider: "claude", Cwd: "/tmp/a", Status: "idle",
		CreatedAt: now, LastActivityAt: now,
	}))
	archived := now.Add(-time.Hour)
	require.NoError(t, s.Agents().Save(ctx, &AgentRecord{
		ID: "ag_gone", Provider: "claude", Cwd: "/tmp/b", Status: "archived",
		ArchivedAt: &archived, CreatedAt: now, LastActivityAt: now,
	}))

	live, err := s.Agents().List(ctx, false)
	require.NoError(t, err)
	require.Len(t, live, 1)
	require.Equal(t, "ag_live", live[0].ID)

	all, err := s.Agents().List(ctx, true)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestAgentRepository_ListUserFacing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Agents().Save(ctx, &AgentRecord{
		ID: "ag_ui", Provider: "claude", Cwd: "/tmp/a", Status: "idle",
		Labels:    map[string]string{"ui": "true"},
		CreatedAt: now, LastActivityAt: now,
	}))
	require.NoError(t, s.Agents().Save(ctx, &AgentRecord{
		ID: "ag_headless", Provider: "claude", Cwd: "/tmp/b", Status: "idle",
		CreatedAt: now, LastActivityAt: now,
	}))

	ui, err := s.Agents().ListUserFacing(ctx)
	require.NoError(t, err)
	require.Len(t, ui, 1)
	require.Equal(t, "ag_ui", ui[0].ID)
}

func TestAgentRepository_DeleteCascadesTimeline(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Agents().Save(ctx, &AgentRecord{
		ID: "ag_1", Provider: "claude", Cwd: "/tmp/a", Status: "idle",
		CreatedAt: now, LastActivityAt: now,
	}))
	require.NoError(t, s.Timeline().Append(ctx, &TimelineItemRecord{
		AgentID: "ag_1", Epoch: 0, Seq: 0, ItemType: "turn_started",
		Payload: []byte(`{"type":"turn_started"}`), CreatedAt: now,
	}))

	require.NoError(t, s.Agents().Delete(ctx, "ag_1"))

	_, err := s.Agents().Get(ctx, "ag_1")
	require.ErrorIs(t, err, ErrNotFound)

	items, err := s.Timeline().Tail(ctx, "ag_1", 10)
	require.NoError(t, err)
	require.Empty(t, items)

	require.ErrorIs(t, s.Agents().Delete(ctx, "ag_1"), ErrNotFound)
}

func TestTimelineRepository_TailAscending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for seq := int64(0); seq < 5; seq++ {
		require.NoError(t, s.Timeline().Append(ctx, &TimelineItemRecord{
			AgentID: "ag_1", Epoch: 0, Seq: seq, ItemType: "assistant_message",
			Payload: []byte(`{}`), CreatedAt: now,
		}))
	}

	items, err := s.Timeline().Tail(ctx, "ag_1", 3)
	require.NoError(t, err)
	require.Len(t, items, 3)
	require.Equal(t, int64(2), items[0].Seq)
	require.Equal(t, int64(3), items[1].Seq)
	require.Equal(t, int64(4), items[2].Seq)
}

func TestTimelineRepository_TailSpansEpochs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Timeline().Append(ctx, &TimelineItemRecord{
		AgentID: "ag_1", Epoch: 0, Seq: 7, ItemType: "turn_completed", Payload: []byte(`{}`), CreatedAt: now,
	}))
	require.NoError(t, s.Timeline().Append(ctx, &TimelineItemRecord{
		AgentID: "ag_1", Epoch: 1, Seq: 0, ItemType: "session_rehydrated", Payload: []byte(`{}`), CreatedAt: now,
	}))

	items, err := s.Timeline().Tail(ctx, "ag_1", 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, int64(0), items[0].Epoch)
	require.Equal(t, int64(1), items[1].Epoch)
}

func TestTimelineRepository_AfterWithinEpoch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for seq := int64(0); seq < 4; seq++ {
		require.NoError(t, s.Timeline().Append(ctx, &TimelineItemRecord{
			AgentID: "ag_1", Epoch: 1, Seq: seq, ItemType: "assistant_message",
			Payload: []byte(`{}`), CreatedAt: now,
		}))
	}
	// A later epoch must not leak into epoch-1 queries.
	require.NoError(t, s.Timeline().Append(ctx, &TimelineItemRecord{
		AgentID: "ag_1", Epoch: 2, Seq: 0, ItemType: "assistant_message",
		Payload: []byte(`{}`), CreatedAt: now,
	}))

	items, err := s.Timeline().After(ctx, "ag_1", 1, 1, 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, int64(2), items[0].Seq)
	require.Equal(t, int64(3), items[1].Seq)

	limited, err := s.Timeline().After(ctx, "ag_1", 1, -1, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	require.Equal(t, int64(0), limited[0].Seq)
}

func TestTimelineRepository_MaxCursor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, found, err := s.Timeline().MaxCursor(ctx, "ag_1")
	require.NoError(t, err)
	require.False(t, found)

	now := time.Now().UTC()
	require.NoError(t, s.Timeline().Append(ctx, &TimelineItemRecord{
		AgentID: "ag_1", Epoch: 0, Seq: 3, ItemType: "turn_completed", Payload: []byte(`{}`), CreatedAt: now,
	}))
	require.NoError(t, s.Timeline().Append(ctx, &TimelineItemRecord{
		AgentID: "ag_1", Epoch: 1, Seq: 1, ItemType: "turn_completed", Payload: []byte(`{}`), CreatedAt: now,
	}))

	epoch, seq, found, err := s.Timeline().MaxCursor(ctx, "ag_1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(1), epoch)
	require.Equal(t, int64(1), seq)
}

func TestPushTokenRepository_RegisterIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PushTokens().Register(ctx, "tok-1", "ios", "phone"))
	require.NoError(t, s.PushTokens().Register(ctx, "tok-1", "ios", "renamed phone"))

	tokens, err := s.PushTokens().List(ctx)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	require.Equal(t, "renamed phone", tokens[0].DeviceName)

	require.NoError(t, s.PushTokens().Delete(ctx, "tok-1"))
	tokens, err = s.PushTokens().List(ctx)
	require.NoError(t, err)
	require.Empty(t, tokens)
}
