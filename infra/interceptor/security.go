package interceptor

import (
	"context"
	"errors"

	"github.com/phuhao00/pandarpc/infra/auth"
	"github.com/phuhao00/pandarpc/infra/protocol"
)

// Priorities of the default chain; security runs first, then rate limiting.
const (
	PrioritySecurity  = 10
	PriorityRateLimit = 20
)

// Attachment keys written for downstream interceptors and handlers.
const (
	AttachmentPrincipal = "auth.principal"
	AttachmentAuthType  = "auth.type"
)

// Security authenticates and authorizes requests through the auth manager.
// Public interfaces bypass it entirely.
type Security struct {
	manager *auth.Manager
}

// NewSecurity builds the security interceptor.
func NewSecurity(manager *auth.Manager) *Security {
	return &Security{manager: manager}
}

func (s *Security) Name() string  { return "security" }
func (s *Security) Priority() int { return PrioritySecurity }

func (s *Security) PreProcess(req *protocol.Request, resp *protocol.Response) bool {
	if s.manager.IsPublic(req.Interface) {
		return true
	}
	if req.Token == "" {
		reject(resp, protocol.StatusUnauthorized, auth.CodeMissingToken, "authentication required")
		return false
	}
	authCtx, err := s.manager.Authenticate(context.Background(), req.Token, req.Interface)
	if err != nil {
		reject(resp, protocol.StatusUnauthorized, authCode(err), err.Error())
		return false
	}
	if err := s.manager.Authorize(authCtx, req.Method); err != nil {
		reject(resp, protocol.StatusUnauthorized, authCode(err), err.Error())
		return false
	}
	req.SetAttachment(AttachmentPrincipal, authCtx.Principal)
	req.SetAttachment(AttachmentAuthType, string(authCtx.Type))
	return true
}

func (s *Security) PostProcess(*protocol.Request, *protocol.Response)          {}
func (s *Security) OnException(*protocol.Request, *protocol.Response, error)   {}

func authCode(err error) string {
	var ae *auth.Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return auth.CodeInvalidToken
}

func reject(resp *protocol.Response, status int, code, message string) {
	resp.Code = status
	resp.Message = message
	resp.SetExtension(protocol.ExtErrorCode, code)
}
