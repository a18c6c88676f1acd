package compress

import (
	"fmt"

	"github.com/phuhao00/pandarpc/infra/extension"
)

// Capability is the extension-loader capability name for compressors.
const Capability = "compressor"

func init() {
	extension.RegisterFactory("pandarpc/compress.None", func() (interface{}, error) {
		return NewNoneCompressor(), nil
	})
	extension.RegisterFactory("pandarpc/compress.Gzip", func() (interface{}, error) {
		return NewGzipCompressor(), nil
	})
	extension.RegisterFactory("pandarpc/compress.Snappy", func() (interface{}, error) {
		return NewSnappyCompressor(), nil
	})
	extension.RegisterFactory("pandarpc/compress.LZ4", func() (interface{}, error) {
		return NewLZ4Compressor(), nil
	})
}

// ByExtensionName resolves a compressor through the process-global extension
// loader. An empty name resolves the default extension (none).
func ByExtensionName(name string) (Compressor, error) {
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
	c, ok := inst.(Compressor)
	if !ok {
		return nil, fmt.Errorf("extension %s/%s is %T, not a compressor", Capability, name, inst)
	}
	return c, nil
}
