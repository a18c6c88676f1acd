package codec

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// JSONCodec is the human-readable codec (tag 1). Unknown fields on input are
// ignored; nil-valued fields are omitted on output via the payload types'
// omitempty tags.
type JSONCodec struct {
	api jsoniter.API
}

func NewJSONCodec() *JSONCodec {
	return &JSONCodec{api: jsoniter.ConfigCompatibleWithStandardLibrary}
}

func (c *JSONCodec) Name() string { return "json" }
func (c *JSONCodec) Tag() byte    { return TagJSON }

func (c *JSONCodec) Encode(v interface{}) ([]byte, error) {
	data, err := c.api.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: json encode: %v", ErrSerialization, err)
	}
	return data, nil
}

func (c *JSONCodec) Decode(data []byte, v interface{}) error {
	if err := c.api.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: json decode: %v", ErrSerialization, err)
	}
	return nil
}
