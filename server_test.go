package pandarpc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phuhao00/pandarpc/config"
	"github.com/phuhao00/pandarpc/infra/auth"
	"github.com/phuhao00/pandarpc/infra/client"
	"github.com/phuhao00/pandarpc/infra/interceptor"
	"github.com/phuhao00/pandarpc/infra/metrics"
	"github.com/phuhao00/pandarpc/infra/protocol"
	"github.com/phuhao00/pandarpc/infra/ratelimit"
	"github.com/phuhao00/pandarpc/infra/registryx"
	"github.com/phuhao00/pandarpc/infra/tracing"
)

const greeterKey = "greeter#default#1.0"

func greeterHandlers() map[string]Handler {
	return map[string]Handler{
		"sayHello": func(_ context.Context, req *protocol.Request) ([]byte, error) {
			return append([]byte("hello "), req.Params[0]...), nil
		},
		"getGreeting": func(_ context.Context, req *protocol.Request) ([]byte, error) {
			return []byte("greetings"), nil
		},
		"fail": func(_ context.Context, _ *protocol.Request) ([]byte, error) {
			return nil, errors.New("greeting machine jammed")
		},
	}
}

func startServer(t *testing.T, opts ServerOptions) *Server {
	t.Helper()
	opts.Config.Host = "127.0.0.1"
	opts.Config.Port = 0
	srv := NewServer(opts)
	srv.RegisterService("greeter", "default", "1.0", greeterHandlers())
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv
}

func dialClient(t *testing.T, srv *Server) *client.Client {
	t.Helper()
	ep, err := registryx.ParseEndpoint(srv.Addr())
	require.NoError(t, err)
	cfg := config.Default()
	cfg.Client.RequestTimeout = 2 * time.Second
	cfg.Pool.HealthCheckEnabled = false
	c, err := client.New(client.Options{
		Config: cfg.Client,
		Pool:   cfg.Pool,
		Registry: registryx.NewStaticRegistry(
			map[string][]registryx.Endpoint{greeterKey: {ep}}, soleSelector{}),
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

type soleSelector struct{}

func (soleSelector) Name() string { return "sole" }
func (soleSelector) Select(eps []registryx.Endpoint, _ *protocol.Request) *registryx.Endpoint {
	if len(eps) == 0 {
		return nil
	}
	return &eps[0]
}

func greet(method, param, token string) *protocol.Request {
	return &protocol.Request{
		Interface: "greeter",
		Group:     "default",
		Version:   "1.0",
		Method:    method,
		Params:    [][]byte{[]byte(param)},
		Token:     token,
	}
}

func TestEndToEndCall(t *testing.T) {
	var _ IServer = (*Server)(nil)
	srv := startServer(t, ServerOptions{Name: "greeter-server"})
	assert.Equal(t, "greeter-server", srv.GetServerName())

	c := dialClient(t, srv)
	resp, err := c.Call(context.Background(), greet("sayHello", "world", ""))
	require.NoError(t, err)
	require.True(t, resp.OK())
	assert.Equal(t, "hello world", string(resp.Data))
}

func TestEndToEndBusinessError(t *testing.T) {
	srv := startServer(t, ServerOptions{})
	c := dialClient(t, srv)

	resp, err := c.Call(context.Background(), greet("fail", "x", ""))
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusError, resp.Code)
	assert.Equal(t, "greeting machine jammed", resp.Message)
	assert.Equal(t, "BUSINESS_ERROR", resp.Extension(protocol.ExtErrorCode))
}

func TestEndToEndUnknownMethod(t *testing.T) {
	srv := startServer(t, ServerOptions{})
	c := dialClient(t, srv)

	req := greet("sayHello", "x", "")
	req.Interface = "greeter" // known service, unknown method
	req.Method = "dance"
	resp, err := c.Call(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusError, resp.Code)
	assert.Equal(t, "METHOD_NOT_FOUND", resp.Extension(protocol.ExtErrorCode))
}

func TestEndToEndSecurityChain(t *testing.T) {
	authMgr, err := auth.NewManager(config.AuthConfig{
		Secret:      "e2e-secret",
		TokenExpiry: time.Hour,
		KeyExpiry:   time.Hour,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { authMgr.Close() })

	limiter := ratelimit.NewManager(config.RateLimitConfig{
		Kind: "token_bucket", Rate: 100, Capacity: 200,
	}, nil)
	chain := interceptor.NewChain(interceptor.NewSecurity(authMgr), interceptor.NewRateLimit(limiter))

	srv := startServer(t, ServerOptions{Chain: chain})
	c := dialClient(t, srv)

	// No token: 401 MISSING_TOKEN.
	resp, err := c.Call(context.Background(), greet("sayHello", "x", ""))
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusUnauthorized, resp.Code)
	assert.Equal(t, auth.CodeMissingToken, resp.Extension(protocol.ExtErrorCode))

	// Read-role token may call getGreeting but not sayHello.
	token, err := authMgr.GenerateToken("alice", []string{auth.RoleRead}, 0)
	require.NoError(t, err)

	resp, err = c.Call(context.Background(), greet("getGreeting", "x", token))
	require.NoError(t, err)
	assert.True(t, resp.OK())

	resp, err = c.Call(context.Background(), greet("sayHello", "x", token))
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusUnauthorized, resp.Code)
	assert.Equal(t, auth.CodeInsufficientPermissions, resp.Extension(protocol.ExtErrorCode))

	// Service-role token passes everywhere.
	svcToken, err := authMgr.GenerateToken("svc", []string{auth.RoleService}, 0)
	require.NoError(t, err)
	resp, err = c.Call(context.Background(), greet("sayHello", "x", svcToken))
	require.NoError(t, err)
	assert.True(t, resp.OK())
}

func TestEndToEndRateLimit429(t *testing.T) {
	limiter := ratelimit.NewManager(config.RateLimitConfig{
		Kind: "token_bucket", Rate: 2, Capacity: 2,
	}, nil)
	chain := interceptor.NewChain(interceptor.NewRateLimit(limiter))

	srv := startServer(t, ServerOptions{Chain: chain})
	c := dialClient(t, srv)

	sawLimited := false
	for i := 0; i < 5; i++ {
		resp, err := c.Call(context.Background(), greet("sayHello", "x", ""))
		require.NoError(t, err)
		if resp.Code == protocol.StatusRateLimited {
			sawLimited = true
			assert.NotEmpty(t, resp.Extension(protocol.ExtRetryAfter))
		}
	}
	assert.True(t, sawLimited, "bursting past the bucket must yield a 429")
}

func TestEndToEndObservability(t *testing.T) {
	tracer := tracing.NewManager(nil)
	sink := &captureCollector{}
	tracer.AddCollector(sink)
	metricsMgr := metrics.NewManager(nil)

	srv := startServer(t, ServerOptions{Tracer: tracer, Metrics: metricsMgr})
	c := dialClient(t, srv)

	resp, err := c.Call(context.Background(), greet("sayHello", "world", ""))
	require.NoError(t, err)
	require.True(t, resp.OK())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(sink.all()) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	spans := sink.all()
	require.NotEmpty(t, spans)
	assert.Equal(t, greeterKey, spans[0].Service)
	assert.Equal(t, tracing.StatusSuccess, spans[0].Status)

	snap := metricsMgr.ServiceSnapshot(greeterKey)
	assert.Equal(t, int64(1), snap.Total)
	assert.Equal(t, int64(1), snap.Success)
}

type captureCollector struct {
	mu    sync.Mutex
	spans []*tracing.Span
}

func (c *captureCollector) Collect(span *tracing.Span) {
	c.mu.Lock()
	c.spans = append(c.spans, span)
	c.mu.Unlock()
}

func (c *captureCollector) all() []*tracing.Span {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*tracing.Span{}, c.spans...)
}
