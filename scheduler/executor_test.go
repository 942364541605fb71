package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/chatflow/scheduler"
	"github.com/BaSui01/chatflow/store"
	"github.com/BaSui01/chatflow/testutil"
	"github.com/BaSui01/chatflow/types"
)

// captureSink records published events for assertions.
type captureSink struct {
	mu     sync.Mutex
	events []types.Event
}

func (c *captureSink) Publish(_ context.Context, ev types.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *captureSink) kinds() []types.EventKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.EventKind, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Kind
	}
	return out
}

func newExecutor(t *testing.T, provider *testutil.FakeProvider) (*store.Store, *scheduler.Planner, *scheduler.Executor, *captureSink) {
	t.Helper()
	st := testutil.OpenStore(t)
	sink := &captureSink{}
	planner := scheduler.NewPlanner(st, nil, nil)
	exec := scheduler.NewExecutor(st, provider, testutil.NewEchoAssembler(st), planner, sink, nil, nil)
	return st, planner, exec, sink
}

func TestExecuteSuccessPersistsMessageAndAdvances(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	provider := &testutil.FakeProvider{Reply: "a considered reply"}
	st, p, exec, sink := newExecutor(t, provider)

	conv := testutil.Conversation(t, st, types.OrderList)
	h := testutil.Human(t, st, conv.ID, 0)
	a1 := testutil.Agent(t, st, conv.ID, 1, 0.5)
	a2 := testutil.Agent(t, st, conv.ID, 2, 0.5)
	msg := testutil.Say(t, st, conv.ID, h, "hello")

	res, err := p.Advance(ctx, conv.ID, h.ID, &msg.ID)
	require.NoError(t, err)
	require.NotNil(t, res.Run)
	require.Equal(t, a1.ID, res.Run.SpeakerID)

	require.NoError(t, exec.Execute(ctx, res.Run.ID))

	run, err := st.GetRun(ctx, res.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunSucceeded, run.Status)

	tail, err := st.TailMessage(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, tail)
	assert.Equal(t, "a considered reply", tail.Content)
	assert.Equal(t, a1.ID, tail.ParticipantID)
	require.NotNil(t, tail.RunID)
	assert.Equal(t, run.ID, *tail.RunID)

	swipes, err := st.ListSwipes(ctx, tail.ID)
	require.NoError(t, err)
	require.Len(t, swipes, 1)
	assert.Equal(t, 0, swipes[0].Position)
	assert.Equal(t, tail.Content, swipes[0].Content)

	// The round moved on to the second slot.
	queued, err := st.QueuedRun(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, queued)
	assert.Equal(t, a2.ID, queued.SpeakerID)
	assert.Equal(t, types.TriggerAutoContinue, queued.Trigger)

	kinds := sink.kinds()
	assert.Contains(t, kinds, types.EventTypingStarted)
	assert.Contains(t, kinds, types.EventContentDelta)
	assert.Contains(t, kinds, types.EventRunSucceeded)
	assert.Contains(t, kinds, types.EventTypingStopped)
	assert.Contains(t, kinds, types.EventQueueChanged)
}

func TestExecuteProviderFailureMarksRunFailed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	provider := &testutil.FakeProvider{Err: errors.New("upstream exploded")}
	st, p, exec, sink := newExecutor(t, provider)

	conv := testutil.Conversation(t, st, types.OrderList)
	h := testutil.Human(t, st, conv.ID, 0)
	testutil.Agent(t, st, conv.ID, 1, 0.5)
	msg := testutil.Say(t, st, conv.ID, h, "hello")

	res, err := p.Advance(ctx, conv.ID, h.ID, &msg.ID)
	require.NoError(t, err)

	require.NoError(t, exec.Execute(ctx, res.Run.ID))

	run, err := st.GetRun(ctx, res.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunFailed, run.Status)
	assert.Contains(t, run.Error, "start stream")

	// No assistant message was written.
	tail, err := st.TailMessage(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, tail.ID)

	assert.Contains(t, sink.kinds(), types.EventRunFailed)
}

func TestExecuteCooperativeCancelDiscardsContent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	provider := &testutil.FakeProvider{Reply: "this content will be discarded before persisting"}
	st, p, exec, sink := newExecutor(t, provider)

	conv := testutil.Conversation(t, st, types.OrderList)
	h := testutil.Human(t, st, conv.ID, 0)
	testutil.Agent(t, st, conv.ID, 1, 0.5)
	testutil.Agent(t, st, conv.ID, 2, 0.5)
	msg := testutil.Say(t, st, conv.ID, h, "hello")

	res, err := p.Advance(ctx, conv.ID, h.ID, &msg.ID)
	require.NoError(t, err)
	runID := res.Run.ID

	// Request cancellation as soon as the stream starts flowing. The
	// executor honors it at its next safe point, at the latest before
	// persisting.
	provider.OnChunk = func(i int) {
		if i == 0 {
			require.NoError(t, st.RequestCancel(ctx, runID))
		}
	}

	require.NoError(t, exec.Execute(ctx, runID))

	run, err := st.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, types.RunCanceled, run.Status)

	tail, err := st.TailMessage(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, tail.ID)

	assert.Contains(t, sink.kinds(), types.EventRunCanceled)
}

func TestExecuteLostClaimIsNoOp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	provider := &testutil.FakeProvider{Reply: "never sent"}
	st, _, exec, sink := newExecutor(t, provider)

	conv := testutil.Conversation(t, st, types.OrderList)
	a1 := testutil.Agent(t, st, conv.ID, 0, 0.5)

	run := &types.Run{ConversationID: conv.ID, SpeakerID: a1.ID, SchedulerOwned: true}
	require.NoError(t, st.CreateQueuedRun(ctx, run))

	claimed, err := st.ClaimRun(ctx, run.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, exec.Execute(ctx, run.ID))

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunRunning, got.Status)
	assert.Empty(t, sink.kinds())
}

func TestExecuteSpeakerLostEligibility(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	provider := &testutil.FakeProvider{Reply: "never sent"}
	st, p, exec, _ := newExecutor(t, provider)

	conv := testutil.Conversation(t, st, types.OrderList)
	h := testutil.Human(t, st, conv.ID, 0)
	a1 := testutil.Agent(t, st, conv.ID, 1, 0.5)
	msg := testutil.Say(t, st, conv.ID, h, "hello")

	res, err := p.Advance(ctx, conv.ID, h.ID, &msg.ID)
	require.NoError(t, err)
	require.Equal(t, a1.ID, res.Run.SpeakerID)

	require.NoError(t, st.SetParticipantStatus(ctx, a1.ID, types.ParticipantRemoved))
	require.NoError(t, exec.Execute(ctx, res.Run.ID))

	run, err := st.GetRun(ctx, res.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunCanceled, run.Status)
	assert.Equal(t, "speaker no longer eligible", run.Error)
	assert.Equal(t, int64(0), provider.Chunks.Load())
}

func TestExecuteChargesBoundedQuota(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	provider := &testutil.FakeProvider{Reply: "last automated turn"}
	st, p, exec, sink := newExecutor(t, provider)

	conv := testutil.Conversation(t, st, types.OrderList)
	h := testutil.Human(t, st, conv.ID, 0)
	bounded := &types.Participant{
		ConversationID: conv.ID,
		Name:           "bounded",
		Kind:           types.KindAgent,
		Position:       1,
		AutoMode:       types.AutoBounded,
		AutoStepsLeft:  1,
	}
	require.NoError(t, st.AddParticipant(ctx, bounded))
	msg := testutil.Say(t, st, conv.ID, h, "hello")

	res, err := p.Advance(ctx, conv.ID, h.ID, &msg.ID)
	require.NoError(t, err)
	require.Equal(t, bounded.ID, res.Run.SpeakerID)

	require.NoError(t, exec.Execute(ctx, res.Run.ID))

	got, err := st.GetParticipant(ctx, bounded.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AutoBounded, got.AutoMode)
	assert.Equal(t, 0, got.AutoStepsLeft)
	assert.False(t, got.Eligible())

	assert.Contains(t, sink.kinds(), types.EventModeDisabled)
}
