package webhook

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/hellmoyy/futurepilot-ledger/internal/domain/model"
)

// Providers deliver transfers in two shapes: a flat object, and the same
// fields nested under event.transfer. Field names also drift between
// providers (tx_hash vs chain_tx_id, value vs amount), so normalization
// probes aliases instead of binding one struct.

type payloadError struct {
	field string
}

func (e *payloadError) Error() string {
	return fmt.Sprintf("payload missing required field %q", e.field)
}

// Normalize maps a raw provider payload onto a TransferEvent. It returns a
// *payloadError when a required field is absent in every known alias.
func Normalize(body []byte, defaultNetworkID string) (model.TransferEvent, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return model.TransferEvent{}, fmt.Errorf("malformed payload: %w", err)
	}

	// Unwrap the nested shape.
	if inner, ok := raw["event"]; ok {
		var evt map[string]json.RawMessage
		if err := json.Unmarshal(inner, &evt); err != nil {
			return model.TransferEvent{}, fmt.Errorf("malformed event object: %w", err)
		}
		if transfer, ok := evt["transfer"]; ok {
			if err := json.Unmarshal(transfer, &raw); err != nil {
				return model.TransferEvent{}, fmt.Errorf("malformed transfer object: %w", err)
			}
		} else {
			raw = evt
		}
	}

	ev := model.TransferEvent{
		ChainTxID:   stringField(raw, "chain_tx_id", "tx_hash", "txHash", "transaction_hash"),
		FromAddress: stringField(raw, "from_address", "from", "fromAddress"),
		ToAddress:   stringField(raw, "to_address", "to", "toAddress"),
		Amount:      stringField(raw, "amount", "value"),
		BlockNumber: intField(raw, "block_number", "blockNumber"),
		NetworkID:   stringField(raw, "network_id", "network", "chain"),
	}
	if ev.NetworkID == "" {
		ev.NetworkID = defaultNetworkID
	}

	switch {
	case ev.ChainTxID == "":
		return model.TransferEvent{}, &payloadError{field: "chain_tx_id"}
	case ev.ToAddress == "":
		return model.TransferEvent{}, &payloadError{field: "to_address"}
	case ev.Amount == "":
		return model.TransferEvent{}, &payloadError{field: "amount"}
	}
	return ev, nil
}

// stringField returns the first alias present, accepting JSON strings and
// bare numbers (some providers send amounts unquoted).
func stringField(raw map[string]json.RawMessage, aliases ...string) string {
	for _, key := range aliases {
		v, ok := raw[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			return s
		}
		var n json.Number
		if err := json.Unmarshal(v, &n); err == nil {
			return n.String()
		}
	}
	return ""
}

func intField(raw map[string]json.RawMessage, aliases ...string) int64 {
	for _, key := range aliases {
		v, ok := raw[key]
		if !ok {
			continue
		}
		var n int64
		if err := json.Unmarshal(v, &n); err == nil {
			return n
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			if parsed, err := strconv.ParseInt(s, 10, 64); err == nil {
				return parsed
			}
		}
	}
	return 0
}
