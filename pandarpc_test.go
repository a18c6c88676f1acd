package pandarpc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phuhao00/pandarpc/config"
	"github.com/phuhao00/pandarpc/infra/registryx"
)

func runtimeConfig() *config.RPCConfig {
	cfg := config.Default()
	cfg.Registry.Kind = "static"
	cfg.Server.Host = "127.0.0.1"
	cfg.Auth.Secret = "runtime-secret"
	cfg.Client.RequestTimeout = 2 * time.Second
	cfg.Pool.HealthCheckEnabled = false
	return cfg
}

func TestRuntimeWiring(t *testing.T) {
	rt, err := NewRuntime(runtimeConfig(), nil)
	require.NoError(t, err)
	require.NotNil(t, rt.Breakers)
	require.NotNil(t, rt.Limiters)
	require.NotNil(t, rt.Auth)
	require.NotNil(t, rt.Tracer)
	require.NotNil(t, rt.Metrics)
	require.NoError(t, rt.Close())
	require.NoError(t, rt.Close(), "runtime close is idempotent")
}

func TestRuntimeWithoutSecretSkipsAuth(t *testing.T) {
	cfg := runtimeConfig()
	cfg.Auth.Secret = ""
	rt, err := NewRuntime(cfg, nil)
	require.NoError(t, err)
	defer rt.Close()
	assert.Nil(t, rt.Auth)
	assert.NotNil(t, rt.DefaultChain())
}

func TestRuntimeEndToEnd(t *testing.T) {
	rt, err := NewRuntime(runtimeConfig(), nil)
	require.NoError(t, err)
	defer rt.Close()

	reg, err := rt.BuildRegistry()
	require.NoError(t, err)

	srv := rt.BuildServer("runtime-server", reg)
	srv.RegisterService("greeter", "default", "1.0", greeterHandlers())
	require.NoError(t, srv.Start())

	// The static registry learned the endpoint from Start's registration.
	eps, err := reg.Lookup(greeterKey)
	require.NoError(t, err)
	require.Len(t, eps, 1)

	c, err := rt.BuildClient(reg)
	require.NoError(t, err)

	token, err := rt.Auth.GenerateToken("ops", []string{"admin"}, 0)
	require.NoError(t, err)

	resp, err := c.Call(context.Background(), greet("sayHello", "runtime", token))
	require.NoError(t, err)
	require.True(t, resp.OK(), "unexpected response: %d %s", resp.Code, resp.Message)
	assert.Equal(t, "hello runtime", string(resp.Data))

	// Stop deregisters the endpoint from the registry.
	srv.Stop()
	_, err = reg.Lookup(greeterKey)
	assert.ErrorIs(t, err, registryx.ErrNoEndpoints)
}

func TestRuntimeDefaultConfig(t *testing.T) {
	rt, err := NewRuntime(nil, nil)
	require.NoError(t, err)
	defer rt.Close()
	assert.Equal(t, config.DefaultMaxPerEndpoint, rt.Config.Pool.MaxPerEndpoint)
}
