package codec

import (
	jsoniter "github.com/json-iterator/go"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// JSONCodec encodes with json-iterator in its standard-library compatible
// configuration, so struct tags and json.RawMessage behave as in encoding/json.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return jsonAPI.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return jsonAPI.Unmarshal(data, v)
}

func (c *JSONCodec) Name() string {
	return "json"
}
