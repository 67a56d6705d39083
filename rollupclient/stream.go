package rollupclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/r3labs/sse"

	"github.com/luxfi/evmseq/evmtypes"
)

// blueprintWire mirrors the newline-delimited JSON BlueprintWithEvents
// shape from spec §6's monitor_blueprints stream.
type blueprintWire struct {
	Number              string   `json:"number"`
	Timestamp           int64    `json:"timestamp"`
	ParentHash          string   `json:"parent_hash"`
	Payload             string   `json:"payload"`
	DelayedTransactions []string `json:"delayed_transactions"`
}

func (w blueprintWire) decode() (evmtypes.BlueprintWithEvents, error) {
	var out evmtypes.BlueprintWithEvents
	number, err := strconv.ParseUint(w.Number, 10, 64)
	if err != nil {
		return out, fmt.Errorf("rollupclient: malformed blueprint number %q: %w", w.Number, err)
	}
	payload, err := decodeHex(w.Payload)
	if err != nil {
		return out, err
	}
	parentRaw, err := decodeHex(w.ParentHash)
	if err != nil {
		return out, err
	}
	var parent evmtypes.BlockHash
	copy(parent[:], parentRaw)

	out.Blueprint = evmtypes.Blueprint{
		Number:     evmtypes.NewQuantity(number),
		Timestamp:  w.Timestamp,
		Payload:    payload,
		ParentHash: parent,
	}
	for _, raw := range w.DelayedTransactions {
		txRaw, err := decodeHex(raw)
		if err != nil {
			return out, err
		}
		out.DelayedTransactions = append(out.DelayedTransactions, evmtypes.DelayedTx{
			Hash: evmtypes.TxHash(evmtypes.HashBytes(txRaw)),
			Raw:  txRaw,
		})
	}
	return out, nil
}

// MonitorBlueprints subscribes to monitor_blueprints?from=<from> and
// invokes onBlueprint for every event until ctx is cancelled, the
// stream errors, or an event fails to decode or onBlueprint returns an
// error, at which point it returns the error so the observer loop can
// decide whether to reconnect (spec §4.7).
func (c *Client) MonitorBlueprints(ctx context.Context, from uint64, onBlueprint func(evmtypes.BlueprintWithEvents) error) error {
	endpoint := c.url("/monitor_blueprints", map[string][]string{"from": {strconv.FormatUint(from, 10)}})
	client := sse.NewClient(endpoint)
	client.Connection = c.http

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var handlerErr error
	err := client.SubscribeRawWithContext(subCtx, func(ev *sse.Event) {
		defer func() {
			if handlerErr != nil {
				cancel()
			}
		}()
		if handlerErr != nil || len(ev.Data) == 0 {
			return
		}
		var wire blueprintWire
		if err := json.Unmarshal(ev.Data, &wire); err != nil {
			handlerErr = fmt.Errorf("rollupclient: decode blueprint event: %w", err)
			return
		}
		decoded, err := wire.decode()
		if err != nil {
			handlerErr = err
			return
		}
		if err := onBlueprint(decoded); err != nil {
			handlerErr = err
		}
	})
	if handlerErr != nil {
		return handlerErr
	}
	return err
}
