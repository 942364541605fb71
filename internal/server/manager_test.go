package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunShutsDownOnContextCancel(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	m := NewManager(cfg, http.NewServeMux(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	// Give the listener a moment to come up, then stop it.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestRunFailsOnBadAddress(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Addr = "256.256.256.256:99999"
	m := NewManager(cfg, http.NewServeMux(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.Error(t, m.Run(ctx))
}
