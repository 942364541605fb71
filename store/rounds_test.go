package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/chatflow/testutil"
	"github.com/BaSui01/chatflow/types"
)

func TestCreateRoundSingleActive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := testutil.OpenStore(t)

	conv := testutil.Conversation(t, st, types.OrderList)
	a1 := testutil.Agent(t, st, conv.ID, 0, 0.5)
	a2 := testutil.Agent(t, st, conv.ID, 1, 0.5)

	round, err := st.CreateRound(ctx, conv.ID, []string{a1.ID, a2.ID})
	require.NoError(t, err)
	require.Len(t, round.Slots, 2)

	_, err = st.CreateRound(ctx, conv.ID, []string{a1.ID})
	require.Error(t, err)
	assert.True(t, types.IsConflict(err))

	got, err := st.ActiveRound(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, round.ID, got.ID)
	assert.Equal(t, 0, got.Cursor)
	require.Len(t, got.Slots, 2)
	assert.Equal(t, a1.ID, got.Slots[0].ParticipantID)
	assert.Equal(t, a2.ID, got.Slots[1].ParticipantID)
}

func TestRoundCursorOnlyMovesWhileActive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := testutil.OpenStore(t)

	conv := testutil.Conversation(t, st, types.OrderList)
	a1 := testutil.Agent(t, st, conv.ID, 0, 0.5)
	a2 := testutil.Agent(t, st, conv.ID, 1, 0.5)

	round, err := st.CreateRound(ctx, conv.ID, []string{a1.ID, a2.ID})
	require.NoError(t, err)

	require.NoError(t, st.SetRoundCursor(ctx, round.ID, 1))
	require.NoError(t, st.FinishRound(ctx, round.ID))

	err = st.SetRoundCursor(ctx, round.ID, 2)
	require.Error(t, err)
	assert.True(t, types.IsConflict(err))

	err = st.FinishRound(ctx, round.ID)
	require.Error(t, err)
	assert.True(t, types.IsConflict(err))

	// A finished round frees the slot for the next one.
	got, err := st.ActiveRound(ctx, conv.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
	_, err = st.CreateRound(ctx, conv.ID, []string{a1.ID})
	require.NoError(t, err)
}

func TestCancelRoundReportsFirstWinner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := testutil.OpenStore(t)

	conv := testutil.Conversation(t, st, types.OrderList)
	a1 := testutil.Agent(t, st, conv.ID, 0, 0.5)

	round, err := st.CreateRound(ctx, conv.ID, []string{a1.ID})
	require.NoError(t, err)

	done, err := st.CancelRound(ctx, round.ID, "stopped by user")
	require.NoError(t, err)
	assert.True(t, done)

	done, err = st.CancelRound(ctx, round.ID, "again")
	require.NoError(t, err)
	assert.False(t, done)
}
