package balancer

import (
	"fmt"

	"github.com/phuhao00/pandarpc/infra/extension"
	"github.com/phuhao00/pandarpc/infra/registryx"
)

// Capability is the extension-loader capability name for load balancers.
const Capability = "balancer"

// Balancer selects one endpoint per request. Implementations must tolerate
// empty input (return nil) and single-element input (return the sole
// element), and must be safe for concurrent callers.
type Balancer = registryx.Selector

func init() {
	extension.RegisterFactory("pandarpc/balancer.Random", func() (interface{}, error) {
		return NewRandom(), nil
	})
	extension.RegisterFactory("pandarpc/balancer.RoundRobin", func() (interface{}, error) {
		return NewRoundRobin(), nil
	})
	extension.RegisterFactory("pandarpc/balancer.ConsistentHash", func() (interface{}, error) {
		return NewConsistentHash()
	})
}

// ByName resolves a balancer through the process-global extension loader.
// An empty name resolves the default extension (the first declared, random).
func ByName(name string) (Balancer, error) {
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
	b, ok := inst.(Balancer)
	if !ok {
		return nil, fmt.Errorf("extension %s/%s is %T, not a balancer", Capability, name, inst)
	}
	return b, nil
}
