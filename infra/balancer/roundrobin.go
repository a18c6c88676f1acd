package balancer

import (
	"go.uber.org/atomic"

	"github.com/phuhao00/pandarpc/infra/protocol"
	"github.com/phuhao00/pandarpc/infra/registryx"
)

// RoundRobin cycles through the endpoint list with an atomic counter, so
// concurrent callers never starve an endpoint. Ties follow the natural order
// of the list, which the registry cache keeps sorted.
type RoundRobin struct {
	next atomic.Uint64
}

// NewRoundRobin builds a round-robin balancer starting at the first
// endpoint.
func NewRoundRobin() *RoundRobin { return &RoundRobin{} }

func (b *RoundRobin) Name() string { return "roundrobin" }

func (b *RoundRobin) Select(endpoints []registryx.Endpoint, _ *protocol.Request) *registryx.Endpoint {
	switch len(endpoints) {
	case 0:
		return nil
	case 1:
		return &endpoints[0]
	}
	n := b.next.Add(1) - 1
	return &endpoints[n%uint64(len(endpoints))]
}
