package pandarpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/phuhao00/pandarpc/config"
	"github.com/phuhao00/pandarpc/help"
	"github.com/phuhao00/pandarpc/infra/codec"
	"github.com/phuhao00/pandarpc/infra/compress"
	"github.com/phuhao00/pandarpc/infra/interceptor"
	"github.com/phuhao00/pandarpc/infra/metrics"
	"github.com/phuhao00/pandarpc/infra/network"
	"github.com/phuhao00/pandarpc/infra/protocol"
	"github.com/phuhao00/pandarpc/infra/registryx"
	"github.com/phuhao00/pandarpc/infra/tracing"
)

// Diagnostic codes carried in response extensions for dispatch failures.
const (
	codeServiceNotFound = "SERVICE_NOT_FOUND"
	codeMethodNotFound  = "METHOD_NOT_FOUND"
	codeBusinessError   = "BUSINESS_ERROR"
)

// ErrServiceNotFound reports dispatch to an unregistered service identity.
var ErrServiceNotFound = errors.New("service not found")

// Handler is one exposed method: it receives the request and returns the
// serialized result payload. Dispatch is an explicit map lookup.
type Handler func(ctx context.Context, req *protocol.Request) ([]byte, error)

// ServiceStub is a registered service: the identity plus its name->handler
// map, built at registration time.
type ServiceStub struct {
	Interface string
	Group     string
	Version   string
	handlers  map[string]Handler
}

// Key returns the composite identity interface#group#version.
func (s *ServiceStub) Key() string {
	return protocol.ServiceKey(s.Interface, s.Group, s.Version)
}

// ServerOptions wires the server's collaborators. Everything but the config
// is optional: a nil registry skips registration, a nil chain skips
// interception.
type ServerOptions struct {
	Name     string
	Config   config.ServerConfig
	Chain    *interceptor.Chain
	Registry registryx.Registry
	Tracer   *tracing.Manager
	Metrics  *metrics.Manager
}

// Server hosts registered services behind the framed TCP listener. Inbound
// frames run decode -> interceptor chain -> method dispatch -> encode.
type Server struct {
	name     string
	cfg      config.ServerConfig
	mcodec   *protocol.MessageCodec
	chain    *interceptor.Chain
	registry registryx.Registry
	tracer   *tracing.Manager
	metrics  *metrics.Manager

	mu       sync.RWMutex
	services map[string]*ServiceStub

	transport *network.Server
	listener  net.Listener
	started   bool
}

// NewServer builds a server from options.
func NewServer(opts ServerOptions) *Server {
	mcodec := protocol.NewMessageCodec(codec.NewRegistry(), compress.NewRegistry())
	if opts.Config.MaxFrameSize != 0 {
		mcodec.MaxFrame = opts.Config.MaxFrameSize
	}
	name := opts.Name
	if name == "" {
		name = "pandarpc-server"
	}
	s := &Server{
		name:     name,
		cfg:      opts.Config,
		mcodec:   mcodec,
		chain:    opts.Chain,
		registry: opts.Registry,
		tracer:   opts.Tracer,
		metrics:  opts.Metrics,
		services: make(map[string]*ServiceStub),
	}
	s.transport = network.NewServer(s.handleFrame, opts.Config.MaxFrameSize)
	return s
}

// RegisterService exposes a handler map under the composite identity.
// Registering the same identity twice replaces the stub.
func (s *Server) RegisterService(iface, group, version string, handlers map[string]Handler) {
	stub := &ServiceStub{
		Interface: iface,
		Group:     group,
		Version:   version,
		handlers:  make(map[string]Handler, len(handlers)),
	}
	for name, h := range handlers {
		stub.handlers[name] = h
	}
	s.mu.Lock()
	s.services[stub.Key()] = stub
	s.mu.Unlock()
	logrus.Infof("service %s registered with %d methods", stub.Key(), len(handlers))
}

// handleFrame is the dispatch pipeline for one inbound request frame.
func (s *Server) handleFrame(frame *protocol.Frame, remote string) *protocol.Frame {
	if frame.Type != protocol.MessageTypeRequest {
		return nil
	}
	var req protocol.Request
	if err := s.mcodec.DecodeMessage(frame, &req); err != nil {
		logrus.Warnf("undecodable request %d from %s: %v", frame.RequestID, remote, err)
		return s.encodeReply(frame, protocol.NewErrorResponse(protocol.StatusError, fmt.Sprintf("decode failed: %v", err)))
	}
	req.ClientAddr = remote

	var ctx context.Context = context.Background()
	if s.tracer != nil {
		var span *tracing.Span
		ctx, span = s.tracer.StartTrace(ctx, req.ServiceKey(), req.Method)
		span.AddTag("component", "server")
		span.AddTag("clientAddr", remote)
	}

	start := time.Now()
	resp := &protocol.Response{Code: protocol.StatusOK, Message: "success"}
	err := s.dispatch(ctx, &req, resp)

	success := err == nil && resp.Code < protocol.StatusError
	if s.metrics != nil {
		s.metrics.Record(req.ServiceKey(), req.Method, time.Since(start), success)
	}
	if s.tracer != nil {
		if success {
			s.tracer.FinishTrace(ctx)
		} else {
			s.tracer.FinishTraceWithError(ctx, errors.New(resp.Message))
		}
	}
	return s.encodeReply(frame, resp)
}

// dispatch runs the interceptor chain around the handler lookup.
func (s *Server) dispatch(ctx context.Context, req *protocol.Request, resp *protocol.Response) error {
	var ran []interceptor.Interceptor
	if s.chain != nil {
		var ok bool
		ran, ok = s.chain.PreProcess(req, resp)
		if !ok {
			return fmt.Errorf("request rejected: %s", resp.Message)
		}
		defer s.chain.PostProcess(ran, req, resp)
	}

	s.mu.RLock()
	stub, ok := s.services[req.ServiceKey()]
	s.mu.RUnlock()
	if !ok {
		resp.Code = protocol.StatusError
		resp.Message = fmt.Sprintf("service %s not found", req.ServiceKey())
		resp.SetExtension(protocol.ExtErrorCode, codeServiceNotFound)
		return ErrServiceNotFound
	}
	handler, ok := stub.handlers[req.Method]
	if !ok {
		resp.Code = protocol.StatusError
		resp.Message = fmt.Sprintf("method %s not found on %s", req.Method, req.ServiceKey())
		resp.SetExtension(protocol.ExtErrorCode, codeMethodNotFound)
		return fmt.Errorf("method %s not found", req.Method)
	}

	result, err := handler(ctx, req)
	if err != nil {
		// Business failures surface verbatim and are never retried.
		resp.Code = protocol.StatusError
		resp.Message = err.Error()
		resp.SetExtension(protocol.ExtErrorCode, codeBusinessError)
		if s.chain != nil {
			s.chain.OnException(ran, req, resp, err)
		}
		return err
	}
	resp.Code = protocol.StatusOK
	resp.Message = "success"
	resp.Data = result
	return nil
}

// encodeReply answers with the request's codec; the compression policy
// re-decides per response payload.
func (s *Server) encodeReply(reqFrame *protocol.Frame, resp *protocol.Response) *protocol.Frame {
	out, err := s.mcodec.BuildFrame(protocol.MessageTypeResponse, reqFrame.RequestID, resp, reqFrame.CodecTag, reqFrame.CompressTag)
	if err == nil {
		return out
	}
	logrus.Errorf("failed to encode reply %d: %v", reqFrame.RequestID, err)
	// Last resort: a plain JSON failure frame.
	out, err = s.mcodec.BuildFrame(protocol.MessageTypeResponse, reqFrame.RequestID,
		protocol.NewErrorResponse(protocol.StatusError, "response encoding failed"),
		codec.TagJSON, compress.TagNone)
	if err != nil {
		return nil
	}
	return out
}

// Start binds the listener, begins serving and registers every service with
// the registry.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("server %s already started", s.name)
	}
	s.started = true
	s.mu.Unlock()

	addr := help.JoinHostPort(s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	go func() {
		if err := s.transport.Serve(listener); err != nil {
			logrus.Errorf("server %s stopped serving: %v", s.name, err)
		}
	}()

	if s.registry != nil {
		ep, err := s.endpoint()
		if err != nil {
			return err
		}
		for _, key := range s.serviceKeys() {
			if err := s.registry.Register(context.Background(), key, ep); err != nil {
				return fmt.Errorf("failed to register %s: %w", key, err)
			}
		}
	}
	logrus.Infof("server %s started on %s", s.name, listener.Addr())
	return nil
}

// Addr returns the bound address after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) endpoint() (registryx.Endpoint, error) {
	host, port, err := help.SplitHostPort(s.listener.Addr().String())
	if err != nil {
		return registryx.Endpoint{}, err
	}
	if s.cfg.Host != "" && s.cfg.Host != "0.0.0.0" {
		host = s.cfg.Host
	}
	return registryx.Endpoint{Host: host, Port: port}, nil
}

func (s *Server) serviceKeys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.services))
	for key := range s.services {
		keys = append(keys, key)
	}
	return keys
}

// Stop deregisters and closes the listener and all connections.
func (s *Server) Stop() {
	if s.registry != nil && s.listener != nil {
		if ep, err := s.endpoint(); err == nil {
			for _, key := range s.serviceKeys() {
				if err := s.registry.Unregister(context.Background(), key, ep); err != nil {
					logrus.Warnf("failed to unregister %s: %v", key, err)
				}
			}
		}
	}
	if err := s.transport.Close(); err != nil {
		logrus.Warnf("server %s close: %v", s.name, err)
	}
	logrus.Infof("server %s stopped", s.name)
}

// GetServerName returns the configured server name.
func (s *Server) GetServerName() string { return s.name }
