package codec

import (
	json "github.com/goccy/go-json"
)

// JSONCodec encodes params as a JSON object.
// goccy/go-json is a drop-in for encoding/json with the same semantics
// (numbers decode into float64 inside map[string]any).
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
