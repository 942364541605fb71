package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/BaSui01/chatflow/llm"
	"github.com/BaSui01/chatflow/types"
)

// The daemon is transport for whatever provider the deployment injects;
// out of the box it ships a loopback provider so the scheduling machinery
// can be exercised without credentials. CHATFLOW_LOOPBACK_DELAY slows the
// stream down for watching cancellation behave.

type loopbackProvider struct {
	delay time.Duration
}

func providerFromEnv() llm.Provider {
	delay := 50 * time.Millisecond
	if v := os.Getenv("CHATFLOW_LOOPBACK_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			delay = d
		}
	}
	return &loopbackProvider{delay: delay}
}

func (p *loopbackProvider) Completion(_ context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{Content: p.reply(req), FinishReason: "stop"}, nil
}

func (p *loopbackProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)
		reply := p.reply(req)
		for len(reply) > 0 {
			n := 8
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
			case <-ctx.Done():
				return
			}
			select {
			case <-time.After(p.delay):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (p *loopbackProvider) Name() string { return "loopback" }

func (p *loopbackProvider) reply(req *llm.ChatRequest) string {
	last := ""
	for _, m := range req.Messages {
		if m.Role == types.RoleUser {
			last = m.Content
		}
	}
	return fmt.Sprintf("(loopback) heard: %s", last)
}

// assemblerStub satisfies the wiring requirement until a deployment
// injects its real prompt assembly. It emits a single system prompt.
type assemblerStub struct{}

func (assemblerStub) Build(_ context.Context, conv *types.Conversation, speaker *types.Participant, _ int64) ([]llm.Message, error) {
	return []llm.Message{
		{Role: types.RoleSystem, Content: fmt.Sprintf("You are %s in conversation %s.", speaker.Name, conv.Title)},
	}, nil
}
