package commsutil

import "encoding/json"

// EncodePayload serializes a value to JSON bytes. json.RawMessage and []byte values are
// treated as already-encoded payloads and passed through unchanged.
func EncodePayload(v interface{}) ([]byte, error) {
	switch p := v.(type) {
	case json.RawMessage:
		if len(p) == 0 {
			return []byte("null"), nil
		}
		return p, nil
	case []byte:
		if len(p) == 0 {
			return []byte("null"), nil
		}
		return p, nil
	}
	return json.Marshal(v)
}

// DecodePayload deserializes JSON bytes into the given target.
func DecodePayload(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
