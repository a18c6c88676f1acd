package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"

	"github.com/phuhao00/pandarpc/config"
	"github.com/phuhao00/pandarpc/infra/breaker"
	"github.com/phuhao00/pandarpc/infra/codec"
	"github.com/phuhao00/pandarpc/infra/compress"
	"github.com/phuhao00/pandarpc/infra/metrics"
	"github.com/phuhao00/pandarpc/infra/network"
	"github.com/phuhao00/pandarpc/infra/pool"
	"github.com/phuhao00/pandarpc/infra/protocol"
	"github.com/phuhao00/pandarpc/infra/registryx"
	"github.com/phuhao00/pandarpc/infra/retryx"
	"github.com/phuhao00/pandarpc/infra/tracing"
)

// Error kinds surfaced by the client.
var (
	// ErrRequestTimeout and ErrTransport live in retryx so the retry
	// classifier can name them without an import cycle.
	ErrRequestTimeout = retryx.ErrRequestTimeout
	ErrTransport      = retryx.ErrTransport
	ErrSaturated      = errors.New("client saturated")
	ErrClientClosed   = errors.New("client closed")
)

// frameWriter is what the client needs from a pooled transport.
type frameWriter interface {
	pool.Transport
	WriteFrame(*protocol.Frame) error
}

type callResult struct {
	resp *protocol.Response
	err  error
}

// pendingCall is one outstanding request awaiting its response frame.
type pendingCall struct {
	id         uint64
	done       chan callResult
	enqueuedAt time.Time
	completed  atomic.Bool
}

func (p *pendingCall) complete(res callResult) bool {
	if !p.completed.CompareAndSwap(false, true) {
		return false
	}
	p.done <- res
	return true
}

// Result is the outcome of an asynchronous call.
type Result struct {
	Response *protocol.Response
	Err      error
}

// Options wires the client's collaborators. Registry is required. Config is
// used as given: empty codec or compressor names, a zero timeout-check
// interval and a zero pending cap are not defaulted (config.Default supplies
// a complete set). Nil Breakers, Tracer and Metrics switch those features
// off, a nil Retry means no retries and a nil Clock means the real clock.
type Options struct {
	Config   config.ClientConfig
	Pool     config.PoolConfig
	Registry registryx.Registry
	Breakers *breaker.Manager
	Retry    retryx.Policy
	Tracer   *tracing.Manager
	Metrics  *metrics.Manager
	Clock    clockwork.Clock
	// MaxFrameSize of 0 means the protocol default.
	MaxFrameSize uint32
}

// Client multiplexes concurrent requests over pooled connections,
// correlating responses strictly by request ID. One client owns its
// request-ID allocator, pending map and timeout sweeper.
type Client struct {
	cfg     config.ClientConfig
	mcodec  *protocol.MessageCodec
	codecTag    byte
	compressTag byte

	registry registryx.Registry
	pools    *pool.Manager
	breakers *breaker.Manager
	retry    retryx.Policy
	tracer   *tracing.Manager
	metrics  *metrics.Manager
	clock    clockwork.Clock

	nextID  atomic.Uint64
	pending sync.Map // uint64 -> *pendingCall
	sem     *semaphore.Weighted

	stop     chan struct{}
	stopOnce sync.Once
	closed   atomic.Bool
}

// New builds a client from options.
func New(opts Options) (*Client, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("client requires a registry")
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	mcodec := protocol.NewMessageCodec(codec.NewRegistry(), compress.NewRegistry())
	if opts.MaxFrameSize != 0 {
		mcodec.MaxFrame = opts.MaxFrameSize
	}
	chosenCodec, err := mcodec.Codecs.ByName(opts.Config.Codec)
	if err != nil {
		return nil, err
	}
	chosenCompressor, err := mcodec.Compressors.ByName(opts.Config.Compressor)
	if err != nil {
		return nil, err
	}
	retryPolicy := opts.Retry
	if retryPolicy == nil {
		retryPolicy = retryx.NoRetry{}
	}
	c := &Client{
		cfg:         opts.Config,
		mcodec:      mcodec,
		codecTag:    chosenCodec.Tag(),
		compressTag: chosenCompressor.Tag(),
		registry:    opts.Registry,
		breakers:    opts.Breakers,
		retry:       retryPolicy,
		tracer:      opts.Tracer,
		metrics:     opts.Metrics,
		clock:       clock,
		sem:         semaphore.NewWeighted(2 * int64(opts.Config.MaxPendingRequests)),
		stop:        make(chan struct{}),
	}
	c.pools = pool.NewManager(opts.Pool, c.dial, clock)
	go c.sweepLoop()
	return c, nil
}

// dial opens a framed connection whose inbound frames feed the pending map.
func (c *Client) dial(ctx context.Context, addr string) (pool.Transport, error) {
	conn, err := network.Dial(ctx, addr, c.mcodec.MaxFrame, c.dispatch)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// dispatch routes one inbound frame to its pending call. Responses on one
// connection arrive in any order; correlation is by request ID only.
func (c *Client) dispatch(frame *protocol.Frame) {
	if frame.Type != protocol.MessageTypeResponse {
		return
	}
	v, ok := c.pending.LoadAndDelete(frame.RequestID)
	if !ok {
		logrus.Warnf("response for unknown request id %d dropped", frame.RequestID)
		return
	}
	pc := v.(*pendingCall)
	var resp protocol.Response
	if err := c.mcodec.DecodeMessage(frame, &resp); err != nil {
		pc.complete(callResult{err: fmt.Errorf("%w: %v", ErrTransport, err)})
		return
	}
	pc.complete(callResult{resp: &resp})
}

// sweepLoop reclaims pending entries whose callers are gone: anything older
// than the request timeout fails with ErrRequestTimeout and leaves the map.
func (c *Client) sweepLoop() {
	ticker := c.clock.NewTicker(c.cfg.RequestTimeoutCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

func (c *Client) sweep() {
	now := c.clock.Now()
	c.pending.Range(func(key, value interface{}) bool {
		pc := value.(*pendingCall)
		if now.Sub(pc.enqueuedAt) > c.cfg.RequestTimeout {
			c.pending.Delete(key)
			if pc.complete(callResult{err: fmt.Errorf("%w: request %d swept after %s", ErrRequestTimeout, pc.id, c.cfg.RequestTimeout)}) {
				logrus.Warnf("request %d reclaimed by timeout sweeper", pc.id)
			}
		}
		return true
	})
}

// Call performs one RPC, running the full admission, retry, encode, write
// and await pipeline. The response's status code is the service's answer;
// transport-level failures surface as errors.
func (c *Client) Call(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if req.TimestampMs == 0 {
		req.TimestampMs = c.clock.Now().UnixMilli()
	}
	serviceKey := req.ServiceKey()

	if c.tracer != nil {
		var span *tracing.Span
		ctx, span = c.tracer.StartChildTrace(ctx, serviceKey, req.Method)
		span.AddTag("component", "client")
	}

	start := c.clock.Now()
	resp, err := c.callWithRetry(ctx, serviceKey, req)
	latency := c.clock.Now().Sub(start)

	success := err == nil && resp.Code < protocol.StatusError
	if c.metrics != nil {
		c.metrics.Record(serviceKey, req.Method, latency, success)
	}
	if c.tracer != nil {
		if err != nil {
			c.tracer.FinishTraceWithError(ctx, err)
		} else if !resp.OK() {
			c.tracer.FinishTraceWithError(ctx, errors.New(resp.Message))
		} else {
			c.tracer.FinishTrace(ctx)
		}
	}
	return resp, err
}

// callWithRetry re-enters the whole admission/encode/write/await pipeline
// for every attempt, sleeping the policy's delay in between.
func (c *Client) callWithRetry(ctx context.Context, serviceKey string, req *protocol.Request) (*protocol.Response, error) {
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.retry.Delay(attempt-1)); err != nil {
				return nil, err
			}
			logrus.Debugf("retrying %s.%s, attempt %d", serviceKey, req.Method, attempt)
		}
		resp, err := c.attempt(ctx, serviceKey, req)
		if err == nil {
			return resp, nil
		}
		if !c.retry.ShouldRetry(attempt, err) {
			return nil, err
		}
	}
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := c.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.Chan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stop:
		return ErrClientClosed
	}
}

// attempt runs one admission/encode/write/await pass.
func (c *Client) attempt(ctx context.Context, serviceKey string, req *protocol.Request) (*protocol.Response, error) {
	if c.breakers != nil {
		if err := c.breakers.Allow(serviceKey); err != nil {
			return nil, err
		}
	}
	resp, err := c.send(ctx, req)
	if c.breakers != nil {
		c.breakers.Record(serviceKey, err == nil && resp.Code < protocol.StatusError)
	}
	return resp, err
}

func (c *Client) send(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	endpoint, err := c.registry.SelectEndpoint(req)
	if err != nil {
		return nil, err
	}

	id := c.nextID.Inc()
	pc := &pendingCall{id: id, done: make(chan callResult, 1), enqueuedAt: c.clock.Now()}
	c.pending.Store(id, pc)
	defer c.pending.Delete(id)

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	frame, err := c.mcodec.BuildFrame(protocol.MessageTypeRequest, id, req, c.codecTag, c.compressTag)
	if err != nil {
		return nil, err
	}

	conn, err := c.pools.Acquire(callCtx, endpoint.Addr())
	if err != nil {
		return nil, err
	}
	writer, ok := conn.Transport().(frameWriter)
	if !ok {
		c.pools.Release(conn, false)
		return nil, fmt.Errorf("%w: transport cannot write frames", ErrTransport)
	}
	writeErr := writer.WriteFrame(frame)
	// The connection goes back as soon as the write finishes, success or
	// failure; responses arrive on the shared read loop.
	c.pools.Release(conn, writeErr == nil)
	if writeErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, writeErr)
	}

	select {
	case res := <-pc.done:
		return res.resp, res.err
	case <-callCtx.Done():
		pc.completed.Store(true)
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: request %d after %s", ErrRequestTimeout, id, c.cfg.RequestTimeout)
		}
		return nil, callCtx.Err()
	case <-c.stop:
		pc.completed.Store(true)
		return nil, ErrClientClosed
	}
}

// CallAsync runs Call on its own goroutine, bounded by the backpressure
// semaphore. When the in-flight budget is exhausted it fails fast with
// ErrSaturated instead of blocking.
func (c *Client) CallAsync(ctx context.Context, req *protocol.Request) (<-chan Result, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if !c.sem.TryAcquire(1) {
		return nil, fmt.Errorf("%w: %d requests in flight", ErrSaturated, 2*c.cfg.MaxPendingRequests)
	}
	out := make(chan Result, 1)
	go func() {
		defer c.sem.Release(1)
		resp, err := c.Call(ctx, req)
		out <- Result{Response: resp, Err: err}
	}()
	return out, nil
}

// PendingCount reports the number of in-flight requests, for tests and
// introspection.
func (c *Client) PendingCount() int {
	n := 0
	c.pending.Range(func(_, _ interface{}) bool { n++; return true })
	return n
}

// Close stops the sweeper, fails outstanding calls and closes the pools.
// Idempotent.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.stopOnce.Do(func() { close(c.stop) })
	c.pending.Range(func(key, value interface{}) bool {
		c.pending.Delete(key)
		value.(*pendingCall).complete(callResult{err: ErrClientClosed})
		return true
	})
	c.pools.Close()
	return nil
}
