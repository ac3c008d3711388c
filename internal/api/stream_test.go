package api

import (
	"context"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doravidan/vibing2-sub003/internal/runstore"
	"github.com/doravidan/vibing2-sub003/pkg/types"
)

func storedEvent(seq int64, typ types.EventType) *types.Event {
	return &types.Event{
		ID:        strconv.FormatInt(seq, 10),
		Seq:       seq,
		Type:      typ,
		Timestamp: time.Now().UTC(),
	}
}

func TestEventStreamFillsDroppedLiveEvents(t *testing.T) {
	ctx := context.Background()
	store := runstore.NewMemoryStore(nil)
	id, err := store.CreateWorkflow(ctx, &types.Workflow{
		Name:   "burst",
		Tasks:  []types.Task{{ID: "a", AgentName: "ui-designer", Prompt: "draw"}},
		Config: types.DefaultExecuteConfig(),
	})
	require.NoError(t, err)

	h := &Handlers{store: store, logger: slog.Default()}
	stream, err := h.openStream(ctx, id, "")
	require.NoError(t, err)
	defer stream.cleanup()

	// Nobody reads while the workflow runs, so the subscriber buffer overflows.
	const total = 151
	for seq := int64(1); seq < total; seq++ {
		require.NoError(t, store.AppendEvent(ctx, id, storedEvent(seq, types.EventTaskStart)))
	}
	require.NoError(t, store.AppendEvent(ctx, id, storedEvent(total, types.EventWorkflowResults)))
	require.NoError(t, store.CompleteWorkflow(ctx, id, &types.WorkflowResult{WorkflowID: id, Status: types.WorkflowStatusCompleted}))

	delivered := stream.drainBacklog()
	for evt := range stream.live {
		delivered = append(delivered, stream.next(ctx, evt)...)
	}
	delivered = append(delivered, stream.catchUp(ctx)...)

	require.Len(t, delivered, total)
	for i, e := range delivered {
		assert.Equal(t, int64(i+1), e.Seq)
	}
	assert.Equal(t, types.EventWorkflowResults, delivered[total-1].Type)
}

func TestEventStreamNextSkipsDuplicates(t *testing.T) {
	ctx := context.Background()
	store := runstore.NewMemoryStore(nil)
	id, err := store.CreateWorkflow(ctx, &types.Workflow{
		Name:   "dupes",
		Tasks:  []types.Task{{ID: "a", AgentName: "ui-designer", Prompt: "draw"}},
		Config: types.DefaultExecuteConfig(),
	})
	require.NoError(t, err)
	for seq := int64(1); seq <= 3; seq++ {
		require.NoError(t, store.AppendEvent(ctx, id, storedEvent(seq, types.EventTaskStart)))
	}

	h := &Handlers{store: store, logger: slog.Default()}
	stream, err := h.openStream(ctx, id, "1")
	require.NoError(t, err)
	defer stream.cleanup()

	assert.Len(t, stream.drainBacklog(), 2)
	assert.Empty(t, stream.next(ctx, storedEvent(2, types.EventTaskStart)))

	require.NoError(t, store.AppendEvent(ctx, id, storedEvent(4, types.EventTaskStart)))
	require.NoError(t, store.AppendEvent(ctx, id, storedEvent(5, types.EventTaskComplete)))
	got := stream.next(ctx, storedEvent(5, types.EventTaskComplete))
	require.Len(t, got, 2)
	assert.Equal(t, int64(4), got[0].Seq)
	assert.Equal(t, int64(5), got[1].Seq)
}
