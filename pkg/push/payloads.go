package push

import (
	"encoding/json"
	"fmt"
)

// Event names pushed by the remote authority.
const (
	EventCollectionOrders = "kit_collection_orders"
	EventPayoutOrders     = "kit_payout_orders"
)

// ListPayload is the common {chain?, list: [...]} envelope of order pushes.
type ListPayload[T any] struct {
	Chain string `json:"chain,omitempty"`
	List  []T    `json:"list"`
}

// DecodeList unmarshals an order push. A payload that is a bare array is accepted too.
func DecodeList[T any](ev Event) (ListPayload[T], error) {
	var p ListPayload[T]
	if len(ev.Payload) == 0 {
		return p, nil
	}
	if ev.Payload[0] == '[' {
		if err := json.Unmarshal(ev.Payload, &p.List); err != nil {
			return p, fmt.Errorf("decode %s: %w", ev.Name, err)
		}
		return p, nil
	}
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return p, fmt.Errorf("decode %s: %w", ev.Name, err)
	}
	return p, nil
}
