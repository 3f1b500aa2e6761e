package types

import (
	"encoding/json"
	"strings"
)

// RawObject is a duck-typed view over an ActivityPub document whose shape is
// not known in advance. Inbound federation payloads vary wildly between
// implementations, so lookups go through dotted paths instead of a struct.
type RawObject struct {
	data map[string]any
}

func LoadAsRawObject(raw []byte) (*RawObject, error) {
	var data map[string]any
	err := json.Unmarshal(raw, &data)
	return &RawObject{data}, err
}

func (r *RawObject) GetData() map[string]any {
	return r.data
}

func (r *RawObject) get(key string) (any, bool) {
	keys := strings.Split(key, ".")
	var value any = r.data
	for _, k := range keys {
		if value == nil {
			return nil, false
		}
		m, ok := value.(map[string]any)
		if !ok {
			return nil, false
		}
		value, ok = m[k]
		if !ok {
			return nil, false
		}
	}
	return value, true
}

func (r *RawObject) GetRaw(key string) (*RawObject, bool) {
	value, ok := r.get(key)
	if !ok {
		return nil, false
	}
	m, ok := value.(map[string]any)
	if !ok {
		return nil, false
	}
	return &RawObject{m}, true
}

func (r *RawObject) GetString(key string) (string, bool) {
	value, ok := r.get(key)
	if !ok {
		return "", false
	}

	if arr, ok := value.([]any); ok && len(arr) > 0 {
		value = arr[0]
	}

	str, ok := value.(string)
	return str, ok
}

func (r *RawObject) MustGetString(key string) string {
	str, ok := r.GetString(key)
	if !ok {
		return ""
	}
	return str
}
