package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AuthType distinguishes the two credential mechanisms.
type AuthType string

const (
	AuthTypeSigned AuthType = "signed"
	AuthTypeOpaque AuthType = "opaque"
)

// Well-known roles.
const (
	RoleAdmin   = "admin"
	RoleService = "service"
	RoleRead    = "read"
	RoleWrite   = "write"
)

// Failure codes carried to callers in response extensions.
const (
	CodeMissingToken            = "MISSING_TOKEN"
	CodeInvalidToken            = "INVALID_TOKEN"
	CodeInsufficientPermissions = "INSUFFICIENT_PERMISSIONS"
)

// Error reports an authentication or authorization failure with its
// diagnostic code.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// Sentinel instances for errors.Is classification.
var (
	ErrMissingToken            = &Error{Code: CodeMissingToken, Message: "no token presented"}
	ErrInvalidToken            = &Error{Code: CodeInvalidToken, Message: "token rejected"}
	ErrInsufficientPermissions = &Error{Code: CodeInsufficientPermissions, Message: "role not permitted"}
)

// Is matches errors by code so wrapped instances classify against the
// sentinels.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// Context is the result of a successful authentication.
type Context struct {
	Principal string
	Roles     []string
	Type      AuthType
	ExpiresAt time.Time
}

// HasRole reports whether the context carries the role.
func (c *Context) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// tokenClaims is the signed-token payload: {sub, iat, exp, roles}.
type tokenClaims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// signToken issues an HMAC-SHA256 signed token for subject with the given
// roles and time-to-live.
func signToken(secret string, subject string, roles []string, ttl time.Duration, now time.Time) (string, error) {
	claims := tokenClaims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// LooksSigned reports whether a token has the three dot-separated segments
// of the signed format. The server interceptor tries the signed path first
// for such tokens.
func LooksSigned(token string) bool {
	return strings.Count(token, ".") == 2
}

// verifyToken checks format, signature and expiry against each accepted
// secret in order, and produces the authentication context.
func verifyToken(secrets []string, token string, now time.Time) (*Context, error) {
	if !LooksSigned(token) {
		return nil, &Error{Code: CodeInvalidToken, Message: "malformed token"}
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	var lastErr error
	for _, secret := range secrets {
		claims := &tokenClaims{}
		_, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
			return []byte(secret), nil
		})
		if err != nil {
			lastErr = err
			continue
		}
		var expires time.Time
		if claims.ExpiresAt != nil {
			expires = claims.ExpiresAt.Time
		}
		return &Context{
			Principal: claims.Subject,
			Roles:     claims.Roles,
			Type:      AuthTypeSigned,
			ExpiresAt: expires,
		}, nil
	}
	return nil, &Error{Code: CodeInvalidToken, Message: fmt.Sprintf("token rejected: %v", lastErr)}
}
