package codec

import (
	"fmt"

	"github.com/phuhao00/pandarpc/infra/extension"
)

// Capability is the extension-loader capability name for codecs.
const Capability = "codec"

func init() {
	extension.RegisterFactory("pandarpc/codec.JSON", func() (interface{}, error) {
		return NewJSONCodec(), nil
	})
	extension.RegisterFactory("pandarpc/codec.Msgpack", func() (interface{}, error) {
		return NewMsgpackCodec(), nil
	})
	extension.RegisterFactory("pandarpc/codec.Compact", func() (interface{}, error) {
		return NewCompactCodec(), nil
	})
	extension.RegisterFactory("pandarpc/codec.Proto", func() (interface{}, error) {
		return NewProtoCodec(), nil
	})
}

// ByExtensionName resolves a codec through the process-global extension
// loader. An empty name resolves the default extension (json).
func ByExtensionName(name string) (Codec, error) {
	var (
		inst interface{}
		err  error
	)
	if name == "" {
		inst, err = extension.Default(Capability)
	} else {
		inst, err = extension.Get(Capability, name)
	}
	if err != nil {
		return nil, err
	}
	c, ok := inst.(Codec)
	if !ok {
		return nil, fmt.Errorf("extension %s/%s is %T, not a codec", Capability, name, inst)
	}
	return c, nil
}
