package app

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/codelens/codelens/pkg/server"
	"github.com/codelens/codelens/pkg/server/api"
)

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(context.Background(), server.DefaultConfig(), nil, zerolog.Nop())
	require.Error(t, err)

	_, err = New(context.Background(), server.DefaultConfig(), &api.Deps{}, zerolog.Nop())
	require.Error(t, err)
}

func TestApp_RunAndShutdown(t *testing.T) {
	cfg := server.DefaultConfig()
	cfg.Port = 19987

	deps := &api.Deps{Ready: &atomic.Bool{}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(ctx, cfg, deps, zerolog.Nop())
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() {
		runErr <- a.Run(ctx)
	}()

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(baseURL + "/healthz")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond, "server did not start in time")

	require.True(t, deps.Ready.Load())

	resp, err := http.Get(baseURL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down in time")
	}
	require.False(t, deps.Ready.Load())
}

func TestApp_ListenError(t *testing.T) {
	cfg := server.DefaultConfig()
	cfg.Port = 19988

	deps := &api.Deps{Ready: &atomic.Bool{}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, err := New(ctx, cfg, deps, zerolog.Nop())
	require.NoError(t, err)
	go first.Run(ctx)

	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/healthz", cfg.Port))
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}, 5*time.Second, 50*time.Millisecond)

	second, err := New(ctx, cfg, &api.Deps{Ready: &atomic.Bool{}}, zerolog.Nop())
	require.NoError(t, err)
	require.Error(t, second.Run(ctx))
}
