package interceptor

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/phuhao00/pandarpc/infra/protocol"
)

// Interceptor hooks into server-side dispatch. PreProcess returning false
// short-circuits the request; the interceptor must already have filled the
// response's code and message. PostProcess runs after dispatch in reverse
// order; OnException observes dispatch panics and errors.
type Interceptor interface {
	Name() string
	// Priority orders the chain; smaller runs earlier.
	Priority() int
	PreProcess(req *protocol.Request, resp *protocol.Response) bool
	PostProcess(req *protocol.Request, resp *protocol.Response)
	OnException(req *protocol.Request, resp *protocol.Response, err error)
}

// Chain is the ordered interceptor list attached to a server.
type Chain struct {
	mu           sync.RWMutex
	interceptors []Interceptor
}

// NewChain builds a chain from the given interceptors, sorted by priority.
func NewChain(interceptors ...Interceptor) *Chain {
	c := &Chain{}
	for _, i := range interceptors {
		c.Add(i)
	}
	return c
}

// Add inserts an interceptor, keeping the chain sorted by priority.
func (c *Chain) Add(i Interceptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interceptors = append(c.interceptors, i)
	sort.SliceStable(c.interceptors, func(a, b int) bool {
		return c.interceptors[a].Priority() < c.interceptors[b].Priority()
	})
	logrus.Debugf("interceptor %s registered at priority %d", i.Name(), i.Priority())
}

func (c *Chain) snapshot() []Interceptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Interceptor, len(c.interceptors))
	copy(out, c.interceptors)
	return out
}

// PreProcess runs the chain in order. It returns the interceptors that ran
// and accepted, plus false when one rejected the request.
func (c *Chain) PreProcess(req *protocol.Request, resp *protocol.Response) ([]Interceptor, bool) {
	ran := make([]Interceptor, 0, 4)
	for _, i := range c.snapshot() {
		if !i.PreProcess(req, resp) {
			logrus.Debugf("interceptor %s rejected %s.%s", i.Name(), req.Interface, req.Method)
			return ran, false
		}
		ran = append(ran, i)
	}
	return ran, true
}

// PostProcess runs the accepted interceptors in reverse order.
func (c *Chain) PostProcess(ran []Interceptor, req *protocol.Request, resp *protocol.Response) {
	for i := len(ran) - 1; i >= 0; i-- {
		ran[i].PostProcess(req, resp)
	}
}

// OnException notifies the accepted interceptors of a dispatch failure, in
// reverse order.
func (c *Chain) OnException(ran []Interceptor, req *protocol.Request, resp *protocol.Response, err error) {
	for i := len(ran) - 1; i >= 0; i-- {
		ran[i].OnException(req, resp, err)
	}
}
