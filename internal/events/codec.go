package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrMissingOrderID = errors.New("payload has no orderId")

func MustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// Decode unmarshals a payload into T.
func Decode[T any](payload []byte) (T, error) {
	var t T
	if err := json.Unmarshal(payload, &t); err != nil {
		return t, fmt.Errorf("decode payload: %w", err)
	}
	return t, nil
}

// DecodeOrderID extracts a positive orderId from any order-scoped payload.
func DecodeOrderID(payload []byte) (int64, error) {
	p, err := Decode[struct {
		OrderID int64 `json:"orderId"`
	}](payload)
	if err != nil {
		return 0, err
	}
	if p.OrderID <= 0 {
		return 0, ErrMissingOrderID
	}
	return p.OrderID, nil
}
