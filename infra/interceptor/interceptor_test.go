package interceptor

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phuhao00/pandarpc/config"
	"github.com/phuhao00/pandarpc/infra/auth"
	"github.com/phuhao00/pandarpc/infra/protocol"
	"github.com/phuhao00/pandarpc/infra/ratelimit"
)

// recorder is a test interceptor that records hook invocations.
type recorder struct {
	name     string
	priority int
	accept   bool
	events   *[]string
}

func (r *recorder) Name() string  { return r.name }
func (r *recorder) Priority() int { return r.priority }
func (r *recorder) PreProcess(req *protocol.Request, resp *protocol.Response) bool {
	*r.events = append(*r.events, "pre:"+r.name)
	if !r.accept {
		resp.Code = protocol.StatusError
		resp.Message = r.name + " rejected"
	}
	return r.accept
}
func (r *recorder) PostProcess(*protocol.Request, *protocol.Response) {
	*r.events = append(*r.events, "post:"+r.name)
}
func (r *recorder) OnException(_ *protocol.Request, _ *protocol.Response, err error) {
	*r.events = append(*r.events, "exc:"+r.name)
}

func TestChainOrderAndReversedPost(t *testing.T) {
	var events []string
	c := NewChain(
		&recorder{name: "b", priority: 20, accept: true, events: &events},
		&recorder{name: "a", priority: 10, accept: true, events: &events},
	)
	req := &protocol.Request{Interface: "hello"}
	resp := &protocol.Response{Code: protocol.StatusOK}

	ran, ok := c.PreProcess(req, resp)
	require.True(t, ok)
	c.PostProcess(ran, req, resp)

	assert.Equal(t, []string{"pre:a", "pre:b", "post:b", "post:a"}, events)
}

func TestChainShortCircuits(t *testing.T) {
	var events []string
	c := NewChain(
		&recorder{name: "a", priority: 10, accept: true, events: &events},
		&recorder{name: "b", priority: 20, accept: false, events: &events},
		&recorder{name: "c", priority: 30, accept: true, events: &events},
	)
	req := &protocol.Request{Interface: "hello"}
	resp := &protocol.Response{Code: protocol.StatusOK}

	ran, ok := c.PreProcess(req, resp)
	assert.False(t, ok)
	assert.Len(t, ran, 1, "only the accepting interceptor ran to completion")
	assert.Equal(t, []string{"pre:a", "pre:b"}, events)
	assert.Equal(t, protocol.StatusError, resp.Code)
	assert.Equal(t, "b rejected", resp.Message)
}

func TestChainExceptionHooks(t *testing.T) {
	var events []string
	c := NewChain(
		&recorder{name: "a", priority: 10, accept: true, events: &events},
		&recorder{name: "b", priority: 20, accept: true, events: &events},
	)
	req := &protocol.Request{Interface: "hello"}
	resp := &protocol.Response{}
	ran, ok := c.PreProcess(req, resp)
	require.True(t, ok)

	c.OnException(ran, req, resp, errors.New("dispatch blew up"))
	assert.Equal(t, []string{"pre:a", "pre:b", "exc:b", "exc:a"}, events)
}

func newSecurityFixture(t *testing.T) (*Security, *auth.Manager) {
	t.Helper()
	m, err := auth.NewManager(config.AuthConfig{
		Secret:         "test-secret",
		TokenExpiry:    time.Hour,
		KeyExpiry:      time.Hour,
		PublicPatterns: []string{`^public\.`},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return NewSecurity(m), m
}

func TestSecurityPublicBypass(t *testing.T) {
	s, _ := newSecurityFixture(t)
	req := &protocol.Request{Interface: "public.echo", Method: "echo"}
	resp := &protocol.Response{Code: protocol.StatusOK}
	assert.True(t, s.PreProcess(req, resp))
}

func TestSecurityMissingToken(t *testing.T) {
	s, _ := newSecurityFixture(t)
	req := &protocol.Request{Interface: "orders", Method: "getOrder"}
	resp := &protocol.Response{Code: protocol.StatusOK}

	assert.False(t, s.PreProcess(req, resp))
	assert.Equal(t, protocol.StatusUnauthorized, resp.Code)
	assert.Equal(t, auth.CodeMissingToken, resp.Extension(protocol.ExtErrorCode))
}

func TestSecurityValidTokenAndRoles(t *testing.T) {
	s, m := newSecurityFixture(t)
	token, err := m.GenerateToken("alice", []string{auth.RoleRead}, 0)
	require.NoError(t, err)

	req := &protocol.Request{Interface: "orders", Method: "getOrder", Token: token}
	resp := &protocol.Response{Code: protocol.StatusOK}
	require.True(t, s.PreProcess(req, resp))
	assert.Equal(t, "alice", req.Attachment(AttachmentPrincipal))

	// Same principal denied on a write-intent method.
	req = &protocol.Request{Interface: "orders", Method: "createOrder", Token: token}
	resp = &protocol.Response{Code: protocol.StatusOK}
	assert.False(t, s.PreProcess(req, resp))
	assert.Equal(t, protocol.StatusUnauthorized, resp.Code)
	assert.Equal(t, auth.CodeInsufficientPermissions, resp.Extension(protocol.ExtErrorCode))
}

func TestSecurityInvalidToken(t *testing.T) {
	s, _ := newSecurityFixture(t)
	req := &protocol.Request{Interface: "orders", Method: "getOrder", Token: "aa.bb.cc"}
	resp := &protocol.Response{Code: protocol.StatusOK}
	assert.False(t, s.PreProcess(req, resp))
	assert.Equal(t, auth.CodeInvalidToken, resp.Extension(protocol.ExtErrorCode))
}

func TestRateLimitInterceptor(t *testing.T) {
	m := ratelimit.NewManager(config.RateLimitConfig{
		Kind: "token_bucket", Rate: 3, Capacity: 3, WindowMs: 1000, WindowSlices: 10,
	}, clockwork.NewFakeClock())
	r := NewRateLimit(m)

	req := &protocol.Request{
		Interface: "orders", Group: "default", Version: "1.0",
		Method: "getOrder", ClientAddr: "10.1.2.3:55000",
	}
	for i := 0; i < 3; i++ {
		resp := &protocol.Response{Code: protocol.StatusOK}
		require.True(t, r.PreProcess(req, resp), "request %d", i)
	}
	resp := &protocol.Response{Code: protocol.StatusOK}
	assert.False(t, r.PreProcess(req, resp))
	assert.Equal(t, protocol.StatusRateLimited, resp.Code)
	assert.NotEmpty(t, resp.Extension(protocol.ExtRetryAfter))
}

func TestDefaultChainOrder(t *testing.T) {
	s, _ := newSecurityFixture(t)
	rl := NewRateLimit(ratelimit.NewManager(config.RateLimitConfig{Kind: "token_bucket", Rate: 100, Capacity: 200}, nil))
	c := NewChain(rl, s)

	req := &protocol.Request{Interface: "public.echo", Method: "echo"}
	resp := &protocol.Response{Code: protocol.StatusOK}
	ran, ok := c.PreProcess(req, resp)
	require.True(t, ok)
	require.Len(t, ran, 2)
	assert.Equal(t, "security", ran[0].Name(), "security must run before rate limiting")
	assert.Equal(t, "ratelimit", ran[1].Name())
}
