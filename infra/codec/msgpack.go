package codec

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// MsgpackCodec is the portable self-describing binary codec (tag 2). Structs
// are encoded as field-name maps, so the bytes carry their own type
// information and survive field reordering.
type MsgpackCodec struct{}

func NewMsgpackCodec() *MsgpackCodec { return &MsgpackCodec{} }

func (c *MsgpackCodec) Name() string { return "msgpack" }
func (c *MsgpackCodec) Tag() byte    { return TagMsgpack }

func (c *MsgpackCodec) Encode(v interface{}) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: msgpack encode: %v", ErrSerialization, err)
	}
	return data, nil
}

func (c *MsgpackCodec) Decode(data []byte, v interface{}) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: msgpack decode: %v", ErrSerialization, err)
	}
	return nil
}

// CompactCodec is the compact binary codec (tag 3). Structs are encoded as
// positional arrays; the field schema is derived by reflection and cached per
// type inside the msgpack runtime, so no predeclared schema files are needed.
type CompactCodec struct{}

func NewCompactCodec() *CompactCodec { return &CompactCodec{} }

func (c *CompactCodec) Name() string { return "compact" }
func (c *CompactCodec) Tag() byte    { return TagCompact }

func (c *CompactCodec) Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseArrayEncodedStructs(true)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("%w: compact encode: %v", ErrSerialization, err)
	}
	return buf.Bytes(), nil
}

func (c *CompactCodec) Decode(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: compact decode: %v", ErrSerialization, err)
	}
	return nil
}
