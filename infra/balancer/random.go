package balancer

import (
	"math/rand"
	"sync"

	"github.com/phuhao00/pandarpc/infra/protocol"
	"github.com/phuhao00/pandarpc/infra/registryx"
)

// Random selects endpoints uniformly at random. It is stateless apart from
// its seeded source, which is guarded for concurrent callers.
type Random struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandom builds a random balancer with its own time-seeded source.
func NewRandom() *Random {
	return &Random{rng: rand.New(rand.NewSource(rand.Int63()))}
}

func (b *Random) Name() string { return "random" }

func (b *Random) Select(endpoints []registryx.Endpoint, _ *protocol.Request) *registryx.Endpoint {
	switch len(endpoints) {
	case 0:
		return nil
	case 1:
		return &endpoints[0]
	}
	b.mu.Lock()
	i := b.rng.Intn(len(endpoints))
	b.mu.Unlock()
	return &endpoints[i]
}
