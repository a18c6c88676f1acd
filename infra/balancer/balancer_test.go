package balancer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phuhao00/pandarpc/infra/protocol"
	"github.com/phuhao00/pandarpc/infra/registryx"
)

func endpoints(ports ...int) []registryx.Endpoint {
	eps := make([]registryx.Endpoint, len(ports))
	for i, p := range ports {
		eps[i] = registryx.Endpoint{Host: "127.0.0.1", Port: p}
	}
	return eps
}

func helloRequest(param string) *protocol.Request {
	return &protocol.Request{
		Interface: "hello",
		Method:    "sayHello",
		Version:   "1.0",
		Group:     "default",
		Params:    [][]byte{[]byte(param)},
	}
}

func TestEmptyAndSingleInputs(t *testing.T) {
	ch, err := NewConsistentHash()
	require.NoError(t, err)
	req := helloRequest("user123")
	for _, b := range []Balancer{NewRandom(), NewRoundRobin(), ch} {
		assert.Nil(t, b.Select(nil, req), b.Name())
		sole := endpoints(8001)
		got := b.Select(sole, req)
		require.NotNil(t, got, b.Name())
		assert.Equal(t, 8001, got.Port, b.Name())
	}
}

func TestRandomUniformEnough(t *testing.T) {
	b := NewRandom()
	eps := endpoints(8001, 8002, 8003)
	req := helloRequest("x")
	counts := make(map[int]int)
	for i := 0; i < 3000; i++ {
		counts[b.Select(eps, req).Port]++
	}
	for _, port := range []int{8001, 8002, 8003} {
		assert.Greater(t, counts[port], 500, "port %d starved", port)
	}
}

func TestRoundRobinDeterministicSequence(t *testing.T) {
	b := NewRoundRobin()
	eps := endpoints(8001, 8002, 8003)
	req := helloRequest("x")
	var got []int
	for i := 0; i < 6; i++ {
		got = append(got, b.Select(eps, req).Port)
	}
	assert.Equal(t, []int{8001, 8002, 8003, 8001, 8002, 8003}, got)
}

func TestRoundRobinConcurrentNoStarvation(t *testing.T) {
	b := NewRoundRobin()
	eps := endpoints(8001, 8002, 8003)
	req := helloRequest("x")
	var mu sync.Mutex
	counts := make(map[int]int)
	var wg sync.WaitGroup
	for g := 0; g < 6; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 600; i++ {
				port := b.Select(eps, req).Port
				mu.Lock()
				counts[port]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	// 3600 selections over 3 endpoints: exactly even.
	assert.Equal(t, 1200, counts[8001])
	assert.Equal(t, 1200, counts[8002])
	assert.Equal(t, 1200, counts[8003])
}

func TestConsistentHashStability(t *testing.T) {
	b, err := NewConsistentHash()
	require.NoError(t, err)
	eps := endpoints(8001, 8002, 8003)
	req := helloRequest("user123")

	first := b.Select(eps, req)
	second := b.Select(eps, req)
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Equal(t, first.Port, second.Port)

	// Removing an unused endpoint must not move the chosen key.
	var reduced []registryx.Endpoint
	for _, ep := range eps {
		if ep.Port != first.Port {
			reduced = append(reduced, ep)
		}
	}
	require.Len(t, reduced, 2)
	// Drop one of the unused endpoints only.
	after := b.Select(append([]registryx.Endpoint{{Host: "127.0.0.1", Port: first.Port}}, reduced[0]), req)
	require.NotNil(t, after)
	assert.Equal(t, first.Port, after.Port)
}

func TestConsistentHashMinimalRemapping(t *testing.T) {
	b, err := NewConsistentHash()
	require.NoError(t, err)
	before := endpoints(8001, 8002, 8003, 8004)
	after := endpoints(8001, 8002, 8003, 8004, 8005)

	keys := 2000
	moved := 0
	for i := 0; i < keys; i++ {
		req := helloRequest("user" + string(rune('a'+i%26)) + string(rune('0'+i%10)) + string(rune('0'+(i/10)%10)) + string(rune('0'+(i/100)%10)))
		a := b.Select(before, req)
		z := b.Select(after, req)
		if a.Port != z.Port {
			moved++
		}
	}
	// Adding one of five endpoints should remap roughly 1/5 of keys; allow
	// generous slack for hash variance.
	assert.Less(t, moved, keys/2)
}

func TestConsistentHashDistinctParamsSpread(t *testing.T) {
	b, err := NewConsistentHash()
	require.NoError(t, err)
	eps := endpoints(8001, 8002, 8003)
	seen := make(map[int]bool)
	for i := 0; i < 200; i++ {
		req := helloRequest("user" + string(rune('A'+i%26)) + string(rune('0'+i/26)))
		seen[b.Select(eps, req).Port] = true
	}
	assert.Greater(t, len(seen), 1, "all keys landed on one endpoint")
}

func TestByNameExtensionLookup(t *testing.T) {
	b, err := ByName("roundrobin")
	require.NoError(t, err)
	assert.Equal(t, "roundrobin", b.Name())

	// The default extension is the first declared: random.
	b, err = ByName("")
	require.NoError(t, err)
	assert.Equal(t, "random", b.Name())

	_, err = ByName("weighted")
	assert.Error(t, err)
}
