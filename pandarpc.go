package pandarpc

import (
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/phuhao00/pandarpc/config"
	"github.com/phuhao00/pandarpc/infra/auth"
	"github.com/phuhao00/pandarpc/infra/balancer"
	"github.com/phuhao00/pandarpc/infra/breaker"
	"github.com/phuhao00/pandarpc/infra/client"
	"github.com/phuhao00/pandarpc/infra/interceptor"
	"github.com/phuhao00/pandarpc/infra/metrics"
	"github.com/phuhao00/pandarpc/infra/ratelimit"
	"github.com/phuhao00/pandarpc/infra/registryx"
	"github.com/phuhao00/pandarpc/infra/retryx"
	"github.com/phuhao00/pandarpc/infra/shutdown"
	"github.com/phuhao00/pandarpc/infra/tracing"
)

// Shutdown-hook priorities: servers drain before the process-wide managers
// let go of their resources.
const (
	shutdownPriorityServer   = 10
	shutdownPriorityClient   = 20
	shutdownPriorityRegistry = 30
	shutdownPriorityManagers = 40
)

// Runtime owns the process-wide managers: breakers, limiters,
// authentication, tracing, metrics and graceful shutdown. It is initialized
// explicitly and passed down rather than hidden behind globals, and its
// lifecycle outlives individual clients and servers.
type Runtime struct {
	Config   *config.RPCConfig
	Breakers *breaker.Manager
	Limiters *ratelimit.Manager
	Auth     *auth.Manager
	Tracer   *tracing.Manager
	Metrics  *metrics.Manager
	Reporter *metrics.Reporter
	Shutdown *shutdown.Manager

	clock clockwork.Clock
}

// NewRuntime initializes the process-wide managers from cfg. The auth
// manager is only built when a signing secret is configured; everything
// else always comes up. A nil clock means the real one.
func NewRuntime(cfg *config.RPCConfig, clock clockwork.Clock) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	rt := &Runtime{
		Config:   cfg,
		Breakers: breaker.NewManager(cfg.Breaker, clock),
		Limiters: ratelimit.NewManager(cfg.RateLimit, clock),
		Tracer:   tracing.NewManager(clock),
		Metrics:  metrics.NewManager(clock),
		Shutdown: shutdown.NewManager(cfg.Shutdown.GraceTimeout),
		clock:    clock,
	}
	rt.Tracer.AddCollector(tracing.NewLogCollector())
	if cfg.NSQ.NSQDAddr != "" && cfg.NSQ.TraceTopic != "" {
		collector, err := tracing.NewNSQCollector(cfg.NSQ)
		if err != nil {
			return nil, err
		}
		rt.Tracer.AddCollector(collector)
		rt.Shutdown.RegisterFunc("nsq-trace-collector", shutdownPriorityManagers, func() error {
			collector.Stop()
			return nil
		})
	}

	rt.Reporter = metrics.NewReporter(rt.Metrics, cfg.Metrics, clock)
	if cfg.NSQ.NSQDAddr != "" && cfg.NSQ.MetricsTopic != "" {
		publisher, err := metrics.NewNSQPublisher(cfg.NSQ)
		if err != nil {
			return nil, err
		}
		rt.Reporter.AttachPublisher(publisher)
		rt.Shutdown.RegisterFunc("nsq-metrics-publisher", shutdownPriorityManagers, func() error {
			publisher.Stop()
			return nil
		})
	}
	if cfg.Metrics.ReportEnabled {
		rt.Reporter.Start()
		rt.Shutdown.RegisterFunc("metrics-reporter", shutdownPriorityManagers, func() error {
			rt.Reporter.Stop()
			return nil
		})
	}

	if cfg.Auth.Secret != "" {
		authMgr, err := auth.NewManager(cfg.Auth, clock)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize auth manager: %w", err)
		}
		rt.Auth = authMgr
		rt.Shutdown.RegisterFunc("auth-manager", shutdownPriorityManagers, func() error {
			return authMgr.Close()
		})
	}
	return rt, nil
}

// DefaultChain builds the default server interceptor chain: security first,
// then rate limiting. Without an auth manager only the rate limiter runs.
func (rt *Runtime) DefaultChain() *interceptor.Chain {
	chain := interceptor.NewChain(interceptor.NewRateLimit(rt.Limiters))
	if rt.Auth != nil {
		chain.Add(interceptor.NewSecurity(rt.Auth))
	} else {
		logrus.Warn("no auth secret configured; serving without the security interceptor")
	}
	return chain
}

// BuildRegistry constructs the configured registry backend with the
// configured balancer and ties its teardown to the runtime.
func (rt *Runtime) BuildRegistry() (registryx.Registry, error) {
	b, err := balancer.ByName(rt.Config.Registry.Balancer)
	if err != nil {
		return nil, err
	}
	reg, err := registryx.NewFromConfig(rt.Config.Registry, b)
	if err != nil {
		return nil, err
	}
	rt.Shutdown.RegisterFunc("registry", shutdownPriorityRegistry, reg.Close)
	return reg, nil
}

// BuildClient constructs a client over the given registry, wired to the
// runtime's breakers, tracer and metrics, with teardown registered.
func (rt *Runtime) BuildClient(reg registryx.Registry) (*client.Client, error) {
	c, err := client.New(client.Options{
		Config:       rt.Config.Client,
		Pool:         rt.Config.Pool,
		Registry:     reg,
		Breakers:     rt.Breakers,
		Retry:        retryx.FromConfig(rt.Config.Retry),
		Tracer:       rt.Tracer,
		Metrics:      rt.Metrics,
		Clock:        rt.clock,
		MaxFrameSize: rt.Config.Server.MaxFrameSize,
	})
	if err != nil {
		return nil, err
	}
	rt.Shutdown.RegisterFunc("rpc-client", shutdownPriorityClient, c.Close)
	return c, nil
}

// BuildServer constructs a server with the default interceptor chain, the
// runtime's observability managers and teardown registered.
func (rt *Runtime) BuildServer(name string, reg registryx.Registry) *Server {
	srv := NewServer(ServerOptions{
		Name:     name,
		Config:   rt.Config.Server,
		Chain:    rt.DefaultChain(),
		Registry: reg,
		Tracer:   rt.Tracer,
		Metrics:  rt.Metrics,
	})
	rt.Shutdown.RegisterFunc(name, shutdownPriorityServer, func() error {
		srv.Stop()
		return nil
	})
	return srv
}

// Close tears the runtime down by running the shutdown manager.
func (rt *Runtime) Close() error {
	return rt.Shutdown.Shutdown()
}
