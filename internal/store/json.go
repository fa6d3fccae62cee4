package store

import (
	"encoding/json"
	"fmt"
)

func encodeJSONMap[V any](m map[string]V) ([]byte, error) {
	if m == nil {
		m = map[string]V{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding json column: %w", err)
	}
	return data, nil
}

func decodeJSONMap[V any](data []byte, into *map[string]V) error {
	if len(data) == 0 {
		*into = map[string]V{}
		return nil
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("decoding json column: %w", err)
	}
	return nil
}
