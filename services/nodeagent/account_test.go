package nodeagent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gpunode/crypto"
	"gpunode/relay"
)

func newAccountRelay(t *testing.T, handler http.Handler) *relay.HTTPRelay {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	r, err := relay.NewHTTPRelay(relay.Config{BaseURL: srv.URL, Timeout: time.Second}, key)
	require.NoError(t, err)
	return r
}

func TestAccountRefresh(t *testing.T) {
	r := newAccountRelay(t, &registryServer{})
	account := NewAccount(r, nil)

	before := account.Info()
	require.Equal(t, r.NodeAddress(), before.Address)
	require.Zero(t, before.Balance.Sign())
	require.True(t, before.UpdatedAt.IsZero())

	require.NoError(t, account.Refresh(context.Background()))
	info := account.Info()
	require.Equal(t, "1000000000000000000000", info.Balance.String())
	require.Equal(t, "400000000000000000000", info.Staking.String())
	require.False(t, info.UpdatedAt.IsZero())

	// Info hands out copies.
	info.Balance.SetInt64(1)
	require.Equal(t, "1000000000000000000000", account.Info().Balance.String())
}

func TestAccountRefreshKeepsLastValueOnFailure(t *testing.T) {
	registry := &registryServer{}
	var broken atomic.Bool
	r := newAccountRelay(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if broken.Load() && strings.HasPrefix(req.URL.Path, "/v1/staking/") {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		registry.ServeHTTP(w, req)
	}))
	account := NewAccount(r, nil)
	require.NoError(t, account.Refresh(context.Background()))
	stamp := account.Info().UpdatedAt

	broken.Store(true)
	require.Error(t, account.Refresh(context.Background()))
	info := account.Info()
	require.Equal(t, stamp, info.UpdatedAt)
	require.Equal(t, "400000000000000000000", info.Staking.String())
}

func TestAccountRunStopsOnCancel(t *testing.T) {
	registry := &registryServer{}
	r := newAccountRelay(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if strings.HasPrefix(req.URL.Path, "/v1/staking/") {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		registry.ServeHTTP(w, req)
	}))
	account := NewAccount(r, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- account.Run(ctx, 5*time.Millisecond) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return")
	}
	require.True(t, account.Info().UpdatedAt.IsZero())
}
