package interceptor

import (
	"net"

	"github.com/phuhao00/pandarpc/help"
	"github.com/phuhao00/pandarpc/infra/protocol"
	"github.com/phuhao00/pandarpc/infra/ratelimit"
)

// RateLimit admits requests through the limiter manager, checking the most
// specific scope last: IP, then user, then service, then method. The first
// denial short-circuits with a 429 carrying a retry-after hint.
type RateLimit struct {
	manager *ratelimit.Manager
}

// NewRateLimit builds the rate-limit interceptor.
func NewRateLimit(manager *ratelimit.Manager) *RateLimit {
	return &RateLimit{manager: manager}
}

func (r *RateLimit) Name() string  { return "ratelimit" }
func (r *RateLimit) Priority() int { return PriorityRateLimit }

func (r *RateLimit) PreProcess(req *protocol.Request, resp *protocol.Response) bool {
	if ip := clientIP(req.ClientAddr); ip != "" {
		if err := r.manager.CheckIP(ip); err != nil {
			return r.reject(resp, err)
		}
	}
	if user := req.Attachment(AttachmentPrincipal); user != "" {
		if err := r.manager.CheckUser(user); err != nil {
			return r.reject(resp, err)
		}
	}
	service := req.ServiceKey()
	if err := r.manager.CheckService(service); err != nil {
		return r.reject(resp, err)
	}
	if err := r.manager.CheckMethod(service, req.Method); err != nil {
		return r.reject(resp, err)
	}
	return true
}

func (r *RateLimit) PostProcess(*protocol.Request, *protocol.Response)        {}
func (r *RateLimit) OnException(*protocol.Request, *protocol.Response, error) {}

func (r *RateLimit) reject(resp *protocol.Response, err error) bool {
	resp.Code = protocol.StatusRateLimited
	resp.Message = err.Error()
	resp.SetExtension(protocol.ExtRetryAfter, help.Uint64ToString(uint64(r.manager.RetryAfterMs())))
	return false
}

func clientIP(addr string) string {
	if addr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
