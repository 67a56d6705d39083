// Package rollupclient implements the HTTP/SSE surface consumed from the
// rollup node (spec §6): batch injection, durable value reads,
// simulation, the rollup address, and the delayed-inbox/kernel-upgrade
// feed the Follower polls. Grounded on the teacher's ethclient (request
// shape, context-aware http.Client use) generalized from JSON-RPC to
// this node's plain-JSON REST surface.
package rollupclient

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/mr-tron/base58"

	"github.com/luxfi/evmseq/evmtypes"
)

// Client is a thin, context-aware HTTP client for one rollup node.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Client against baseURL (e.g. "http://127.0.0.1:8932").
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: baseURL, http: httpClient}
}

func (c *Client) url(path string, query url.Values) string {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// StatusError records a non-2xx HTTP response so callers can distinguish
// permanent (4xx) from transient (5xx/network) failures per spec §4.4.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rollupclient: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Permanent reports whether this status should be treated as a fatal,
// non-retryable error (any 4xx) rather than a transient one.
func (e *StatusError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

func (c *Client) do(ctx context.Context, method, target string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("rollupclient: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rollupclient: %s %s: %w", method, target, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("rollupclient: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return data, &StatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

// InjectBatch implements POST /injection/batch: submits raw transactions
// hex-encoded and returns the (ignored per spec) L2 message ids.
func (c *Client) InjectBatch(ctx context.Context, rawTxs [][]byte) ([]string, error) {
	hexTxs := make([]string, len(rawTxs))
	for i, raw := range rawTxs {
		hexTxs[i] = "0x" + hex.EncodeToString(raw)
	}
	payload, err := json.Marshal(hexTxs)
	if err != nil {
		return nil, fmt.Errorf("rollupclient: encode batch: %w", err)
	}
	data, err := c.do(ctx, http.MethodPost, c.url("/injection/batch", nil), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("rollupclient: decode batch response: %w", err)
	}
	return ids, nil
}

// DurableValue implements GET .../durable/wasm_2_0_0/value?key=<path>.
func (c *Client) DurableValue(ctx context.Context, key string) ([]byte, bool, error) {
	q := url.Values{"key": {key}}
	data, err := c.do(ctx, http.MethodGet, c.url("/global/block/head/durable/wasm_2_0_0/value", q), nil)
	if err != nil {
		var statusErr *StatusError
		if asStatusError(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	if len(data) == 0 {
		return nil, false, nil
	}
	var hexVal *string
	if err := json.Unmarshal(data, &hexVal); err != nil {
		return nil, false, fmt.Errorf("rollupclient: decode durable value: %w", err)
	}
	if hexVal == nil {
		return nil, false, nil
	}
	raw, err := decodeHex(*hexVal)
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func asStatusError(err error, target **StatusError) bool {
	se, ok := err.(*StatusError)
	if !ok {
		return false
	}
	*target = se
	return true
}

// SimulateInput mirrors spec §6's JSON request body for /simulate.
type SimulateInput struct {
	Messages         []string        `json:"messages"`
	RevealPages      []string        `json:"reveal_pages,omitempty"`
	InsightRequests  []InsightSpec   `json:"insight_requests,omitempty"`
	LogKernelDebug   *string         `json:"log_kernel_debug_file,omitempty"`
}

// InsightSpec names one durable storage key path to inspect.
type InsightSpec struct {
	DurableStorageKey []string `json:"durable_storage_key"`
}

// EvalResult mirrors spec §6's /simulate response.
type EvalResult struct {
	Insights []*string `json:"insights"`
}

// Simulate implements POST /global/block/head/simulate.
func (c *Client) Simulate(ctx context.Context, in SimulateInput) (EvalResult, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return EvalResult{}, fmt.Errorf("rollupclient: encode simulate input: %w", err)
	}
	data, err := c.do(ctx, http.MethodPost, c.url("/global/block/head/simulate", nil), bytes.NewReader(payload))
	if err != nil {
		return EvalResult{}, err
	}
	var out EvalResult
	if err := json.Unmarshal(data, &out); err != nil {
		return EvalResult{}, fmt.Errorf("rollupclient: decode simulate result: %w", err)
	}
	return out, nil
}

// RollupAddress implements GET /global/smart_rollup_address.
func (c *Client) RollupAddress(ctx context.Context) (evmtypes.RollupAddress, error) {
	data, err := c.do(ctx, http.MethodGet, c.url("/global/smart_rollup_address", nil), nil)
	if err != nil {
		return evmtypes.RollupAddress{}, err
	}
	var encoded string
	if err := json.Unmarshal(data, &encoded); err != nil {
		return evmtypes.RollupAddress{}, fmt.Errorf("rollupclient: decode rollup address: %w", err)
	}
	raw, err := base58.Decode(encoded)
	if err != nil {
		return evmtypes.RollupAddress{}, fmt.Errorf("rollupclient: decode rollup address base58: %w", err)
	}
	if len(raw) != evmtypes.AddressLength {
		return evmtypes.RollupAddress{}, fmt.Errorf("rollupclient: rollup address has length %d, want %d", len(raw), evmtypes.AddressLength)
	}
	var addr evmtypes.RollupAddress
	copy(addr[:], raw)
	return addr, nil
}

// AckedBlueprintLevel reports the highest blueprint number the rollup
// node has actually observed incorporated on L1, used by the publisher
// to compute its lag (spec §4.4).
func (c *Client) AckedBlueprintLevel(ctx context.Context) (uint64, error) {
	data, err := c.do(ctx, http.MethodGet, c.url("/injection/last_seen", nil), nil)
	if err != nil {
		return 0, err
	}
	var level uint64
	if err := json.Unmarshal(data, &level); err != nil {
		return 0, fmt.Errorf("rollupclient: decode last_seen level: %w", err)
	}
	return level, nil
}

// Event kinds delivered by DelayedInboxSince.
const (
	DelayedTransactionKind = "new_delayed_transaction"
	KernelUpgradeKind      = "kernel_upgrade"
)

// InboxEvent is one delayed-inbox or upgrade event observed at L1Level.
type InboxEvent struct {
	Kind    string
	L1Level uint64
	Hash    evmtypes.TxHash
	Raw     []byte
}

type inboxEventWire struct {
	Kind    string `json:"kind"`
	L1Level uint64 `json:"l1_level"`
	Hash    string `json:"hash,omitempty"`
	Raw     string `json:"raw"`
}

// DelayedInboxSince implements the follower's poll: returns every event
// observed strictly after since, plus the new cursor value to persist.
func (c *Client) DelayedInboxSince(ctx context.Context, since uint64) ([]InboxEvent, uint64, error) {
	q := url.Values{"since": {strconv.FormatUint(since, 10)}}
	data, err := c.do(ctx, http.MethodGet, c.url("/global/delayed_inbox", q), nil)
	if err != nil {
		return nil, since, err
	}
	if len(data) == 0 {
		return nil, since, nil
	}
	var wire []inboxEventWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, since, fmt.Errorf("rollupclient: decode inbox events: %w", err)
	}
	events := make([]InboxEvent, 0, len(wire))
	cursor := since
	for _, w := range wire {
		raw, err := decodeHex(w.Raw)
		if err != nil {
			return nil, since, err
		}
		ev := InboxEvent{Kind: w.Kind, L1Level: w.L1Level, Raw: raw}
		if w.Hash != "" {
			hashBytes, err := decodeHex(w.Hash)
			if err != nil {
				return nil, since, err
			}
			copy(ev.Hash[:], hashBytes)
		}
		events = append(events, ev)
		if w.L1Level > cursor {
			cursor = w.L1Level
		}
	}
	return events, cursor, nil
}

func decodeHex(s string) ([]byte, error) {
	s = trimHexPrefix(s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("rollupclient: malformed hex %q: %w", s, err)
	}
	return b, nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
