package protocol

import (
	"fmt"
)

// Response status codes.
const (
	StatusOK           = 200
	StatusUnauthorized = 401
	StatusRateLimited  = 429
	StatusError        = 500
)

// Well-known response extension keys.
const (
	ExtErrorCode  = "errorCode"
	ExtRetryAfter = "retryAfter"
)

// Request is the logical RPC request carried in a frame payload. The
// composite service identity used for registration, discovery and dispatch is
// Interface#Group#Version.
type Request struct {
	Interface  string   `json:"interface" msgpack:"interface"`
	Method     string   `json:"method" msgpack:"method"`
	ParamTypes []string `json:"paramTypes,omitempty" msgpack:"paramTypes"`
	Params     [][]byte `json:"params,omitempty" msgpack:"params"`
	Version    string   `json:"version,omitempty" msgpack:"version"`
	Group      string   `json:"group,omitempty" msgpack:"group"`
	Token      string   `json:"token,omitempty" msgpack:"token"`
	// ClientAddr is populated by the server from the connection's remote
	// address; clients leave it empty.
	ClientAddr  string `json:"clientAddr,omitempty" msgpack:"clientAddr"`
	TimestampMs int64  `json:"timestampMs,omitempty" msgpack:"timestampMs"`
	// Attachments is interceptor scratch space. It travels with the request
	// but carries no call semantics of its own.
	Attachments map[string]string `json:"attachments,omitempty" msgpack:"attachments"`
}

// ServiceKey returns the composite identity interface#group#version.
func (r *Request) ServiceKey() string {
	return ServiceKey(r.Interface, r.Group, r.Version)
}

// ServiceKey builds the composite identity used by registry and dispatch.
func ServiceKey(iface, group, version string) string {
	return fmt.Sprintf("%s#%s#%s", iface, group, version)
}

// Attachment returns the named attachment, or "" when absent.
func (r *Request) Attachment(key string) string {
	if r.Attachments == nil {
		return ""
	}
	return r.Attachments[key]
}

// SetAttachment records interceptor scratch data on the request.
func (r *Request) SetAttachment(key, value string) {
	if r.Attachments == nil {
		r.Attachments = make(map[string]string)
	}
	r.Attachments[key] = value
}

// FirstParam returns the first parameter value as a string, or "" when the
// request carries none. Consistent-hash balancing keys on it.
func (r *Request) FirstParam() string {
	if len(r.Params) == 0 {
		return ""
	}
	return string(r.Params[0])
}

// Response is the logical RPC response carried in a frame payload.
type Response struct {
	Code    int    `json:"code" msgpack:"code"`
	Message string `json:"message,omitempty" msgpack:"message"`
	Data    []byte `json:"data,omitempty" msgpack:"data"`
	// Extensions carries error codes and retry hints by string key.
	Extensions map[string]string `json:"extensions,omitempty" msgpack:"extensions"`
}

// NewSuccessResponse builds a 200 response wrapping the serialized result.
func NewSuccessResponse(data []byte) *Response {
	return &Response{Code: StatusOK, Message: "success", Data: data}
}

// NewErrorResponse builds a failure response with the given status code.
func NewErrorResponse(code int, message string) *Response {
	return &Response{Code: code, Message: message}
}

// OK reports whether the response carries a success status.
func (r *Response) OK() bool { return r.Code == StatusOK }

// Extension returns the named extension value, or "" when absent.
func (r *Response) Extension(key string) string {
	if r.Extensions == nil {
		return ""
	}
	return r.Extensions[key]
}

// SetExtension records an extension value on the response.
func (r *Response) SetExtension(key, value string) {
	if r.Extensions == nil {
		r.Extensions = make(map[string]string)
	}
	r.Extensions[key] = value
}
