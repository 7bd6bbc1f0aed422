package codec

import (
	"encoding/json"
)

// JSONCodec uses encoding/json. Byte-string arguments are base64 encoded by the
// standard library, so the argument contents survive untouched.
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
