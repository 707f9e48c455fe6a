package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"gpunode/crypto"
	"gpunode/models"
	"gpunode/observability"
	"gpunode/observability/logging"
)

// Config defines the HTTP client settings for the relay.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// HTTPOption customises an HTTPRelay.
type HTTPOption func(*HTTPRelay)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(r *HTTPRelay) {
		if client != nil {
			r.httpClient = client
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) HTTPOption {
	return func(r *HTTPRelay) {
		if logger != nil {
			r.logger = logging.Component(logger, "relay")
		}
	}
}

// HTTPRelay implements Relay over the relay's JSON API.
type HTTPRelay struct {
	baseURL    string
	address    common.Address
	signer     *Signer
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *observability.RelayMetrics
}

// NewHTTPRelay constructs a client that signs requests with key.
func NewHTTPRelay(cfg Config, key *crypto.PrivateKey, opts ...HTTPOption) (*HTTPRelay, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, fmt.Errorf("relay: base url required")
	}
	if key == nil {
		return nil, crypto.ErrEmptyPrivateKey
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	r := &HTTPRelay{
		baseURL:    strings.TrimRight(base, "/"),
		address:    key.Address(),
		signer:     NewSigner(key),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.Component(nil, "relay"),
		metrics:    observability.Relay(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

type envelope struct {
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// NodeAddress returns the node account.
func (r *HTTPRelay) NodeAddress() common.Address { return r.address }

func (r *HTTPRelay) nodePath(suffix string) string {
	return "/v1/node/" + r.address.Hex() + suffix
}

// NodeGetNodeInfo fetches the registry entry of the node.
func (r *HTTPRelay) NodeGetNodeInfo(ctx context.Context) (models.NodeInfo, error) {
	var info models.NodeInfo
	err := r.do(ctx, http.MethodGet, r.nodePath(""), "nodeGetNodeInfo", nil, &info)
	return info, err
}

// NodeGetNodeStatus fetches the registry status of the node.
func (r *HTTPRelay) NodeGetNodeStatus(ctx context.Context) (models.ChainNodeStatus, error) {
	info, err := r.NodeGetNodeInfo(ctx)
	if err != nil {
		return 0, err
	}
	return info.Status, nil
}

// NodeJoin registers the node with its hardware and stake.
func (r *HTTPRelay) NodeJoin(ctx context.Context, gpuName string, gpuVram uint64, modelIDs []string, version string, staking *big.Int) error {
	if modelIDs == nil {
		modelIDs = []string{}
	}
	stake := "0"
	if staking != nil {
		stake = staking.String()
	}
	input := map[string]any{
		"address":   r.address.Hex(),
		"gpu_name":  gpuName,
		"gpu_vram":  gpuVram,
		"model_ids": modelIDs,
		"version":   version,
		"staking":   stake,
	}
	body := map[string]any{
		"gpu_name":  gpuName,
		"gpu_vram":  gpuVram,
		"model_ids": modelIDs,
		"version":   version,
		"staking":   stake,
	}
	return r.signed(ctx, r.nodePath("/join"), "nodeJoin", input, body)
}

// NodeQuit asks the registry to remove the node.
func (r *HTTPRelay) NodeQuit(ctx context.Context) error {
	return r.signed(ctx, r.nodePath("/quit"), "nodeQuit", map[string]any{"address": r.address.Hex()}, nil)
}

// NodePause asks the registry to stop scheduling work on the node.
func (r *HTTPRelay) NodePause(ctx context.Context) error {
	return r.signed(ctx, r.nodePath("/pause"), "nodePause", map[string]any{"address": r.address.Hex()}, nil)
}

// NodeResume undoes NodePause.
func (r *HTTPRelay) NodeResume(ctx context.Context) error {
	return r.signed(ctx, r.nodePath("/resume"), "nodeResume", map[string]any{"address": r.address.Hex()}, nil)
}

// NodeReportModelDownloaded announces a locally cached model.
func (r *HTTPRelay) NodeReportModelDownloaded(ctx context.Context, modelID string) error {
	input := map[string]any{"address": r.address.Hex(), "model_id": modelID}
	return r.signed(ctx, r.nodePath("/model"), "nodeReportModelDownload", input, map[string]any{"model_id": modelID})
}

// NodeUpdateVersion reports the running node version.
func (r *HTTPRelay) NodeUpdateVersion(ctx context.Context, version string) error {
	input := map[string]any{"address": r.address.Hex(), "version": version}
	return r.signed(ctx, r.nodePath("/version"), "nodeUpdateNodeVersion", input, map[string]any{"version": version})
}

// GetBalance returns the balance of addr in wei.
func (r *HTTPRelay) GetBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	var v bigValue
	if err := r.do(ctx, http.MethodGet, "/v1/balance/"+addr.Hex(), "getBalance", nil, &v); err != nil {
		return nil, err
	}
	return v.Int, nil
}

// GetStakingAmount returns the node's stake in wei.
func (r *HTTPRelay) GetStakingAmount(ctx context.Context) (*big.Int, error) {
	var v bigValue
	if err := r.do(ctx, http.MethodGet, "/v1/staking/"+r.address.Hex(), "getStakingAmount", nil, &v); err != nil {
		return nil, err
	}
	return v.Int, nil
}

// Now returns the relay's clock.
func (r *HTTPRelay) Now(ctx context.Context) (time.Time, error) {
	var payload struct {
		Now int64 `json:"now"`
	}
	if err := r.do(ctx, http.MethodGet, "/v1/now", "now", nil, &payload); err != nil {
		return time.Time{}, err
	}
	return time.Unix(payload.Now, 0), nil
}

// Close releases idle connections.
func (r *HTTPRelay) Close() error {
	r.httpClient.CloseIdleConnections()
	return nil
}

func (r *HTTPRelay) signed(ctx context.Context, path, method string, input, body map[string]any) error {
	timestamp, signature, err := r.signer.Sign(input)
	if err != nil {
		return err
	}
	if body == nil {
		body = map[string]any{}
	}
	body["timestamp"] = timestamp
	body["signature"] = signature
	return r.do(ctx, http.MethodPost, path, method, body, nil)
}

func (r *HTTPRelay) do(ctx context.Context, httpMethod, path, method string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("relay: %s: encode: %w", method, err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, httpMethod, r.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("relay: %s: request: %w", method, err)
	}
	requestID := uuid.NewString()
	req.Header.Set("X-Request-ID", requestID)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := r.httpClient.Do(req)
	if err != nil {
		r.metrics.Observe(method, 0, time.Since(start))
		return fmt.Errorf("%w: %s: %w", ErrUnavailable, method, err)
	}
	defer resp.Body.Close()
	r.metrics.Observe(method, resp.StatusCode, time.Since(start))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%w: %s: read body: %w", ErrUnavailable, method, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		relayErr := &Error{StatusCode: resp.StatusCode, Method: method, Message: errorMessage(resp, raw)}
		r.logger.Debug("relay rejected request", "method", method, "status", resp.StatusCode, "request_id", requestID)
		return relayErr
	}
	if out == nil {
		return nil
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("relay: %s: decode: %w", method, err)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("relay: %s: decode data: %w", method, err)
	}
	return nil
}

// errorMessage extracts the relay's explanation. Only 400 responses carry a
// structured body; other statuses fall back to the status text.
func errorMessage(resp *http.Response, raw []byte) string {
	fallback := fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	if resp.StatusCode != http.StatusBadRequest {
		return fallback
	}
	var content map[string]json.RawMessage
	if err := json.Unmarshal(raw, &content); err != nil {
		return fallback
	}
	if data, ok := content["data"]; ok {
		return string(data)
	}
	if msg, ok := content["message"]; ok {
		var text string
		if err := json.Unmarshal(msg, &text); err == nil {
			return text
		}
		return string(msg)
	}
	return string(raw)
}

// bigValue decodes integers sent either as JSON numbers or decimal strings.
type bigValue struct {
	*big.Int
}

func (v *bigValue) UnmarshalJSON(data []byte) error {
	text := strings.Trim(strings.TrimSpace(string(data)), `"`)
	n, ok := new(big.Int).SetString(text, 10)
	if !ok {
		return fmt.Errorf("invalid integer %s", data)
	}
	v.Int = n
	return nil
}
