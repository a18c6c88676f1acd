package balancer

import (
	"fmt"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/phuhao00/pandarpc/help"
	"github.com/phuhao00/pandarpc/infra/protocol"
	"github.com/phuhao00/pandarpc/infra/registryx"
)

// VirtualNodes is the number of ring entries per physical endpoint.
const VirtualNodes = 160

// ringCacheSize bounds the number of rings kept when endpoint sets churn.
const ringCacheSize = 64

// ConsistentHash maps requests onto a hash ring of virtual nodes, so a fixed
// endpoint set and request key always select the same endpoint, and endpoint
// churn remaps only a 1/N share of keys. Rings are cached per canonical
// endpoint set and rebuilt when the set changes.
type ConsistentHash struct {
	rings *lru.Cache[string, *hashRing]
}

type hashRing struct {
	// hashes is the sorted ring positions; addrs[i] owns hashes[i].
	hashes []uint64
	addrs  []string
}

// NewConsistentHash builds a consistent-hash balancer with an empty ring
// cache.
func NewConsistentHash() (*ConsistentHash, error) {
	cache, err := lru.New[string, *hashRing](ringCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create ring cache: %w", err)
	}
	return &ConsistentHash{rings: cache}, nil
}

func (b *ConsistentHash) Name() string { return "consistenthash" }

// requestKey derives the selection key:
// interface#method#version#group#hash(firstParam).
func requestKey(req *protocol.Request) string {
	return fmt.Sprintf("%s#%s#%s#%s#%d",
		req.Interface, req.Method, req.Version, req.Group, help.HashKey64(req.FirstParam()))
}

// canonicalKey identifies an endpoint set independent of its order.
func canonicalKey(endpoints []registryx.Endpoint) string {
	addrs := make([]string, len(endpoints))
	for i, ep := range endpoints {
		addrs[i] = ep.Addr()
	}
	sort.Strings(addrs)
	return strings.Join(addrs, ",")
}

func buildRing(endpoints []registryx.Endpoint) *hashRing {
	ring := &hashRing{
		hashes: make([]uint64, 0, len(endpoints)*VirtualNodes),
		addrs:  make([]string, 0, len(endpoints)*VirtualNodes),
	}
	type entry struct {
		hash uint64
		addr string
	}
	entries := make([]entry, 0, len(endpoints)*VirtualNodes)
	for _, ep := range endpoints {
		addr := ep.Addr()
		for i := 0; i < VirtualNodes; i++ {
			entries = append(entries, entry{
				hash: help.HashKey64(fmt.Sprintf("%s#VN%d", addr, i)),
				addr: addr,
			})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].hash < entries[j].hash })
	for _, e := range entries {
		ring.hashes = append(ring.hashes, e.hash)
		ring.addrs = append(ring.addrs, e.addr)
	}
	return ring
}

// pick returns the address owning the ceiling entry for h, wrapping to the
// first entry past the end of the ring.
func (r *hashRing) pick(h uint64) string {
	i := sort.Search(len(r.hashes), func(i int) bool { return r.hashes[i] >= h })
	if i == len(r.hashes) {
		i = 0
	}
	return r.addrs[i]
}

func (b *ConsistentHash) Select(endpoints []registryx.Endpoint, req *protocol.Request) *registryx.Endpoint {
	switch len(endpoints) {
	case 0:
		return nil
	case 1:
		return &endpoints[0]
	}
	key := canonicalKey(endpoints)
	ring, ok := b.rings.Get(key)
	if !ok {
		ring = buildRing(endpoints)
		b.rings.Add(key, ring)
	}
	addr := ring.pick(help.HashKey64(requestKey(req)))
	for i := range endpoints {
		if endpoints[i].Addr() == addr {
			return &endpoints[i]
		}
	}
	// The ring only ever contains addresses from the set it was built for.
	return &endpoints[0]
}
