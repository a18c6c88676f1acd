package registryx

import (
	"fmt"

	"github.com/phuhao00/pandarpc/config"
)

// NewFromConfig builds the registry backend named by cfg.Kind.
func NewFromConfig(cfg config.RegistryConfig, sel Selector) (Registry, error) {
	switch cfg.Kind {
	case "zookeeper", "":
		return NewZKRegistry(cfg, sel)
	case "consul":
		return NewConsulRegistry(cfg, sel)
	case "static":
		// Endpoints are supplied by Register calls; useful for direct
		// addressing and tests.
		return NewStaticRegistry(nil, sel), nil
	default:
		return nil, fmt.Errorf("unknown registry kind %q", cfg.Kind)
	}
}
