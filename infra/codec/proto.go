package codec

import (
	"fmt"

	"google.golang.org/protobuf/proto"
)

// ProtoCodec (tag 4) serializes payloads that are protobuf messages. It is
// for applications that already model their payloads as proto.Message; any
// other value is a serialization error.
type ProtoCodec struct{}

func NewProtoCodec() *ProtoCodec { return &ProtoCodec{} }

func (c *ProtoCodec) Name() string { return "proto" }
func (c *ProtoCodec) Tag() byte    { return TagProto }

func (c *ProtoCodec) Encode(v interface{}) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("%w: proto encode: %T is not a proto.Message", ErrSerialization, v)
	}
	data, err := proto.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: proto encode: %v", ErrSerialization, err)
	}
	return data, nil
}

func (c *ProtoCodec) Decode(data []byte, v interface{}) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("%w: proto decode: %T is not a proto.Message", ErrSerialization, v)
	}
	if err := proto.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("%w: proto decode: %v", ErrSerialization, err)
	}
	return nil
}
