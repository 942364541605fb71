package chatflow_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/chatflow"
	"github.com/BaSui01/chatflow/config"
	"github.com/BaSui01/chatflow/llm"
	"github.com/BaSui01/chatflow/testutil"
	"github.com/BaSui01/chatflow/types"
)

type staticAssembler struct{}

func (staticAssembler) Build(_ context.Context, _ *types.Conversation, speaker *types.Participant, _ int64) ([]llm.Message, error) {
	return []llm.Message{{Role: types.RoleSystem, Content: "You are " + speaker.Name + "."}}, nil
}

func TestOpenRequiresCollaborators(t *testing.T) {
	cfg := config.Default()
	cfg.Database.DSN = "file:open_req?mode=memory&cache=shared"

	_, err := chatflow.Open(cfg, chatflow.WithLogger(zap.NewNop()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider")

	_, err = chatflow.Open(cfg,
		chatflow.WithLogger(zap.NewNop()),
		chatflow.WithProvider(&testutil.FakeProvider{Reply: "x"}),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "assembler")
}

func TestOpenWiresWorkingScheduler(t *testing.T) {
	ctx := context.Background()

	cfg := config.Default()
	cfg.Database.DSN = "file:open_e2e?mode=memory&cache=shared"

	app, err := chatflow.Open(cfg,
		chatflow.WithLogger(zap.NewNop()),
		chatflow.WithProvider(&testutil.FakeProvider{Reply: "wired reply"}),
		chatflow.WithAssembler(staticAssembler{}),
		chatflow.WithMetricsNamespace("chatflow_open_test"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	require.NoError(t, app.Pool.Ping(ctx))

	conv := &types.Conversation{ReplyOrder: types.OrderList}
	require.NoError(t, app.Store.CreateConversation(ctx, conv))
	h := &types.Participant{ConversationID: conv.ID, Name: "alice", Kind: types.KindHuman, Position: 0}
	require.NoError(t, app.Store.AddParticipant(ctx, h))
	a := &types.Participant{ConversationID: conv.ID, Name: "bot", Kind: types.KindAgent, Position: 1}
	require.NoError(t, app.Store.AddParticipant(ctx, a))

	msg := &types.Message{ConversationID: conv.ID, ParticipantID: h.ID, Role: types.RoleUser, Content: "hello"}
	require.NoError(t, app.Store.AppendMessage(ctx, msg))

	res, err := app.Scheduler.Advance(ctx, conv.ID, h.ID, &msg.ID)
	require.NoError(t, err)
	require.NotNil(t, res.Run)

	require.NoError(t, app.Scheduler.Execute(ctx, res.Run.ID))

	tail, err := app.Store.TailMessage(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, tail)
	assert.Equal(t, "wired reply", tail.Content)
	assert.Equal(t, a.ID, tail.ParticipantID)
}
