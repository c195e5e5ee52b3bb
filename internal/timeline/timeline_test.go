package timeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paseo-sh/paseo/pkg/protocol"
)

func userMsg(text string) *protocol.TimelineItem {
	return &protocol.TimelineItem{
		Type:        protocol.ItemUserMessage,
		UserMessage: &protocol.UserMessage{Text: text},
	}
}

func toolCall(callID string, status protocol.ToolCallStatus) *protocol.TimelineItem {
	return &protocol.TimelineItem{
		Type: protocol.ItemToolCall,
		ToolCall: &protocol.ToolCall{
			CallID: callID,
			Name:   "Bash",
			Status: status,
			Detail: protocol.ToolDetail{Kind: protocol.ToolDetailShell, Command: "ls"},
		},
	}
}

func TestAppendAssignsGaplessSequence(t *testing.T) {
	log := New("a1", 1)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		cur, err := log.Append(ctx, userMsg(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
		assert.Equal(t, int64(1), cur.Epoch)
		assert.Equal(t, int64(i), cur.Seq)
	}
	assert.Equal(t, protocol.Cursor{Epoch: 1, Seq: 5}, log.Cursor())
}

func TestTailReturnsLastNAscending(t *testing.T) {
	log := New("a1", 1)
	ctx := context.Background()
	for i := 1; i <= 10; i++ {
		_, err := log.Append(ctx, userMsg(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}

	events, err := log.Read(ctx, Query{Direction: DirectionTail, Limit: 3})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(8), events[0].Entry.Cursor.Seq)
	assert.Equal(t, int64(10), events[2].Entry.Cursor.Seq)
}

func TestAfterCursor(t *testing.T) {
	log := New("a1", 1)
	ctx := context.Background()
	for i := 1; i <= 6; i++ {
		_, err := log.Append(ctx, userMsg(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}

	events, err := log.Read(ctx, Query{
		Direction: DirectionAfter,
		Cursor:    &protocol.Cursor{Epoch: 1, Seq: 4},
	})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(5), events[0].Entry.Cursor.Seq)
	assert.Equal(t, int64(6), events[1].Entry.Cursor.Seq)
}

func TestAfterStaleEpochYieldsSentinel(t *testing.T) {
	log := New("a1", 1)
	ctx := context.Background()
	_, err := log.Append(ctx, userMsg("before"))
	require.NoError(t, err)

	_, err = log.BumpEpoch(ctx)
	require.NoError(t, err)

	events, err := log.Read(ctx, Query{
		Direction: DirectionAfter,
		Cursor:    &protocol.Cursor{Epoch: 1, Seq: 1},
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].EpochBumped)
	assert.Equal(t, int64(2), events[0].Entry.Cursor.Epoch)
}

func TestBumpEpochAppendsRehydrationMarker(t *testing.T) {
	log := New("a1", 1)
	ctx := context.Background()

	cur, err := log.BumpEpoch(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.Cursor{Epoch: 2, Seq: 1}, cur)

	events, err := log.Read(ctx, Query{Direction: DirectionTail})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, protocol.ItemSessionRehydrated, events[0].Entry.Item.Type)
}

func TestProjectionCollapsesToolCallUpdates(t *testing.T) {
	log := New("a1", 1)
	ctx := context.Background()

	_, err := log.Append(ctx, userMsg("run ls"))
	require.NoError(t, err)
	_, err = log.Append(ctx, toolCall("c1", protocol.ToolCallRunning))
	require.NoError(t, err)
	_, err = log.Append(ctx, userMsg("between"))
	require.NoError(t, err)
	_, err = log.Append(ctx, toolCall("c1", protocol.ToolCallCompleted))
	require.NoError(t, err)

	projected, err := log.Read(ctx, Query{Direction: DirectionTail, Projection: ProjectionProjected})
	require.NoError(t, err)
	require.Len(t, projected, 3)
	assert.Equal(t, protocol.ToolCallCompleted, projected[1].Entry.Item.ToolCall.Status)

	raw, err := log.Read(ctx, Query{Direction: DirectionTail, Projection: ProjectionRaw})
	require.NoError(t, err)
	assert.Len(t, raw, 4)
}

func TestSubscribeReplayThenLive(t *testing.T) {
	log := New("a1", 1)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		_, err := log.Append(ctx, userMsg(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}

	sub, err := log.Subscribe(ctx, &protocol.Cursor{Epoch: 1, Seq: 1})
	require.NoError(t, err)
	defer sub.Close()

	_, err = log.Append(ctx, userMsg("m4"))
	require.NoError(t, err)

	var seqs []int64
	for i := 0; i < 3; i++ {
		ev := <-sub.Events()
		seqs = append(seqs, ev.Entry.Cursor.Seq)
	}
	assert.Equal(t, []int64{2, 3, 4}, seqs)
}

func TestSubscribeStaleEpochReplaysFromSentinel(t *testing.T) {
	log := New("a1", 2)
	ctx := context.Background()
	_, err := log.Append(ctx, userMsg("fresh"))
	require.NoError(t, err)

	sub, err := log.Subscribe(ctx, &protocol.Cursor{Epoch: 1, Seq: 40})
	require.NoError(t, err)
	defer sub.Close()

	first := <-sub.Events()
	assert.True(t, first.EpochBumped)
	second := <-sub.Events()
	assert.Equal(t, protocol.Cursor{Epoch: 2, Seq: 1}, second.Entry.Cursor)
}

func TestLaggingSubscriberIsClosed(t *testing.T) {
	log := New("a1", 1)
	ctx := context.Background()

	sub, err := log.Subscribe(ctx, nil)
	require.NoError(t, err)

	for i := 0; i < subscriptionBuffer+10; i++ {
		_, err := log.Append(ctx, userMsg("x"))
		require.NoError(t, err)
	}

	// Drain; the channel must be closed after the overflow.
	n := 0
	for range sub.Events() {
		n++
	}
	assert.Equal(t, subscriptionBuffer, n)
}

func TestMemoryWindowTrims(t *testing.T) {
	log := New("a1", 1, WithMaxItems(5))
	ctx := context.Background()
	for i := 1; i <= 8; i++ {
		_, err := log.Append(ctx, userMsg(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}

	events, err := log.Read(ctx, Query{Direction: DirectionTail})
	require.NoError(t, err)
	require.Len(t, events, 5)
	assert.Equal(t, int64(4), events[0].Entry.Cursor.Seq)
}
