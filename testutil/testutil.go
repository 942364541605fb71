// Package testutil provides shared fixtures for chatflow tests: an
// in-memory store, a scripted provider and a trivial assembler.
package testutil

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/chatflow/llm"
	"github.com/BaSui01/chatflow/store"
	"github.com/BaSui01/chatflow/types"
)

// OpenStore returns a migrated sqlite in-memory store. Each call gets a
// private database so parallel tests never share state.
func OpenStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=busy_timeout(10000)", uuid.NewString())
	st, err := store.Open(store.DialectSQLite, dsn, nil)
	require.NoError(t, err)
	require.NoError(t, st.Migrate())
	return st
}

// Conversation creates a conversation with the given policy.
func Conversation(t *testing.T, st *store.Store, order types.ReplyOrder) *types.Conversation {
	t.Helper()
	conv := &types.Conversation{ReplyOrder: order}
	require.NoError(t, st.CreateConversation(context.Background(), conv))
	return conv
}

// Human adds an active human participant at the given position.
func Human(t *testing.T, st *store.Store, convID string, pos int) *types.Participant {
	t.Helper()
	p := &types.Participant{
		ConversationID: convID,
		Name:           fmt.Sprintf("human-%d", pos),
		Kind:           types.KindHuman,
		Position:       pos,
	}
	require.NoError(t, st.AddParticipant(context.Background(), p))
	return p
}

// Agent adds an active agent participant.
func Agent(t *testing.T, st *store.Store, convID string, pos int, weight float64) *types.Participant {
	t.Helper()
	p := &types.Participant{
		ConversationID:       convID,
		Name:                 fmt.Sprintf("agent-%d", pos),
		Kind:                 types.KindAgent,
		Position:             pos,
		DefaultTalkativeness: weight,
	}
	require.NoError(t, st.AddParticipant(context.Background(), p))
	return p
}

// Say appends a message authored by the participant.
func Say(t *testing.T, st *store.Store, convID string, p *types.Participant, content string) *types.Message {
	t.Helper()
	role := types.RoleAssistant
	if p.Kind == types.KindHuman {
		role = types.RoleUser
	}
	msg := &types.Message{
		ConversationID: convID,
		ParticipantID:  p.ID,
		Role:           role,
		Content:        content,
	}
	require.NoError(t, st.AppendMessage(context.Background(), msg))
	return msg
}

// FakeProvider streams a scripted reply, or fails when Err is set.
// Chunks counts how many deltas were emitted, for cancellation tests.
type FakeProvider struct {
	Reply  string
	Err    error
	Chunks atomic.Int64

	// ChunkSize splits Reply into deltas of this many bytes (default 4).
	ChunkSize int

	// OnChunk, when set, runs before each delta is sent; tests use it to
	// request cancellation mid-stream.
	OnChunk func(i int)
}

// Completion implements llm.Provider.
func (f *FakeProvider) Completion(_ context.Context, _ *llm.ChatRequest) (*llm.ChatResponse, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return &llm.ChatResponse{Content: f.Reply, FinishReason: "stop"}, nil
}

// Stream implements llm.Provider.
func (f *FakeProvider) Stream(ctx context.Context, _ *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	size := f.ChunkSize
	if size <= 0 {
		size = 4
	}
	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)
		reply := f.Reply
		for i := 0; len(reply) > 0; i++ {
			if f.OnChunk != nil {
				f.OnChunk(i)
			}
			n := size
			if n > len(reply) {
				n = len(reply)
			}
			chunk := llm.StreamChunk{Delta: reply[:n]}
			reply = reply[n:]
			if len(reply) == 0 {
				chunk.FinishReason = "stop"
			}
			select {
			case out <- chunk:
				f.Chunks.Add(1)
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Name implements llm.Provider.
func (f *FakeProvider) Name() string { return "fake" }

// EchoAssembler builds a minimal prompt from the stored timeline.
type EchoAssembler struct {
	store *store.Store
}

// NewEchoAssembler creates an EchoAssembler over st.
func NewEchoAssembler(st *store.Store) *EchoAssembler {
	return &EchoAssembler{store: st}
}

// Build implements llm.Assembler.
func (a *EchoAssembler) Build(ctx context.Context, conv *types.Conversation, speaker *types.Participant, cutoff int64) ([]llm.Message, error) {
	history, err := a.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	out := []llm.Message{{Role: types.RoleSystem, Content: "You are " + speaker.Name + "."}}
	for _, m := range history {
		if cutoff > 0 && m.Seq > cutoff {
			break
		}
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	return out, nil
}
