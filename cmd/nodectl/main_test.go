package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"gpunode/crypto"
	"gpunode/models"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

type registryServer struct {
	mu     sync.Mutex
	status models.ChainNodeStatus
	posts  []string
}

func (s *registryServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var data any
	switch {
	case r.Method == http.MethodPost:
		s.posts = append(s.posts, r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:])
		switch {
		case strings.HasSuffix(r.URL.Path, "/quit"):
			s.status = models.ChainNodePendingQuit
		case strings.HasSuffix(r.URL.Path, "/pause"):
			s.status = models.ChainNodePaused
		}
	case strings.HasPrefix(r.URL.Path, "/v1/balance/"):
		data = "5"
	case strings.HasPrefix(r.URL.Path, "/v1/node/"):
		data = map[string]any{"status": int(s.status), "qos_score": 0.5}
		if s.status == models.ChainNodePendingQuit {
			s.status = models.ChainNodeQuit
		}
	default:
		http.NotFound(w, r)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"message": "success", "data": data})
}

func writeConfig(t *testing.T, relayURL string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `relay_url: ` + relayURL + `
db:
  driver: memory
model_cache_path: ` + filepath.Join(dir, "models.db") + `
ethereum:
  provider: http://127.0.0.1:8545
  privkey: "0x` + testKeyHex + `"
node:
  gpu_name: RTX 4090
  gpu_vram: 24
  version: 2.5.0
  wait_interval: 1ms
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	require.ErrorContains(t, run(context.Background(), []string{"reboot"}, &out), "unknown command")
	require.Contains(t, out.String(), "import-keystore")
	require.Error(t, run(context.Background(), nil, &out))
}

func TestStopWaitsForRegistry(t *testing.T) {
	registry := &registryServer{status: models.ChainNodeAvailable}
	srv := httptest.NewServer(registry)
	defer srv.Close()

	var out bytes.Buffer
	err := run(context.Background(), []string{"stop", "-config", writeConfig(t, srv.URL)}, &out)
	require.NoError(t, err)
	require.Equal(t, []string{"quit"}, registry.posts)
	require.Contains(t, out.String(), "stop accepted")
	require.Contains(t, out.String(), "node is stopped")
}

func TestPauseRejectedWhenStopped(t *testing.T) {
	registry := &registryServer{status: models.ChainNodeQuit}
	srv := httptest.NewServer(registry)
	defer srv.Close()

	var out bytes.Buffer
	err := run(context.Background(), []string{"pause", "-config", writeConfig(t, srv.URL), "-no-wait"}, &out)
	require.ErrorContains(t, err, "cannot pause node")
	require.Empty(t, registry.posts)
}

func TestStatusReportsRemoteState(t *testing.T) {
	registry := &registryServer{status: models.ChainNodeBusy}
	srv := httptest.NewServer(registry)
	defer srv.Close()

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"status", "-config", writeConfig(t, srv.URL)}, &out))
	text := out.String()
	require.Contains(t, text, "remote status:  busy")
	require.Contains(t, text, "balance (wei):  5")
	require.Contains(t, text, "stake required: 400000000000000000000")
	require.NotContains(t, text, "on-chain stake")
}

func TestImportKeystore(t *testing.T) {
	cfgPath := writeConfig(t, "https://relay.example")
	keystorePath := filepath.Join(t.TempDir(), "node.keystore")
	t.Setenv("NODECTL_TEST_PASS", "correct horse")

	var out bytes.Buffer
	require.NoError(t, importKeystore(cfgPath, keystorePath, "NODECTL_TEST_PASS", false, &out))
	key, err := crypto.LoadFromKeystore(keystorePath, "correct horse")
	require.NoError(t, err)
	require.Equal(t, "0x"+testKeyHex, key.Hex())
	require.Contains(t, out.String(), "keystore_passphrase_env: NODECTL_TEST_PASS")

	err = importKeystore(cfgPath, keystorePath, "NODECTL_TEST_PASS", false, &out)
	require.ErrorContains(t, err, "already exists")
}
