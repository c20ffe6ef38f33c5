package gamecloud

import (
	"bytes"
	"encoding/json"
)

// DecodeList decodes a JSON array into a slice. Any other JSON value,
// including null and objects, yields an empty slice.
func DecodeList[T any](body []byte) ([]T, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		if len(trimmed) > 0 {
			var v any
			if err := json.Unmarshal(trimmed, &v); err != nil {
				return nil, err
			}
		}

		return []T{}, nil
	}

	var items []T
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, err
	}

	if items == nil {
		items = []T{}
	}

	return items, nil
}

// DecodeObjectOrList decodes a single JSON object into a one-element slice
// and an array as-is. Anything else yields an empty slice.
func DecodeObjectOrList[T any](body []byte) ([]T, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return DecodeList[T](trimmed)
	}

	var item T
	if err := json.Unmarshal(trimmed, &item); err != nil {
		return nil, err
	}

	return []T{item}, nil
}
