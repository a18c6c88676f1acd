package auth

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/phuhao00/pandarpc/config"
)

// cacheSweepInterval is how often expired validation-cache entries are
// purged.
const cacheSweepInterval = time.Minute

// readMethodPrefixes mark read-intent methods for the read role.
var readMethodPrefixes = []string{"get", "query", "find", "list", "search"}

// Manager issues and validates both credential mechanisms, caching
// successful validations keyed by token (plus service ID for opaque keys).
// It is process-global and lives until Close.
type Manager struct {
	cfg     config.AuthConfig
	secrets []string
	store   KeyStore
	cache   *gocache.Cache
	clock   clockwork.Clock
	public  []*regexp.Regexp
}

// NewManager builds an authentication manager. It refuses to start without
// a signing secret; the Redis store is used when configured, the in-memory
// store otherwise. A nil clock means the real one.
func NewManager(cfg config.AuthConfig, clock clockwork.Clock) (*Manager, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("auth requires a signing secret; configure auth.secret")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	secrets := append([]string{cfg.Secret}, cfg.VerifySecrets...)

	var store KeyStore
	var err error
	if cfg.Redis.Addr != "" {
		store, err = NewRedisKeyStore(cfg.Redis)
		if err != nil {
			return nil, err
		}
	} else {
		store = NewMemoryKeyStore()
	}

	public := make([]*regexp.Regexp, 0, len(cfg.PublicPatterns))
	for _, p := range cfg.PublicPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid public pattern %q: %w", p, err)
		}
		public = append(public, re)
	}

	return &Manager{
		cfg:     cfg,
		secrets: secrets,
		store:   store,
		cache:   gocache.New(gocache.NoExpiration, cacheSweepInterval),
		clock:   clock,
		public:  public,
	}, nil
}

// IsPublic reports whether an interface name matches a configured public
// pattern and so bypasses authentication.
func (m *Manager) IsPublic(interfaceName string) bool {
	for _, re := range m.public {
		if re.MatchString(interfaceName) {
			return true
		}
	}
	return false
}

// GenerateToken issues a signed token for subject. A zero ttl means the
// configured default expiry.
func (m *Manager) GenerateToken(subject string, roles []string, ttl time.Duration) (string, error) {
	if ttl == 0 {
		ttl = m.cfg.TokenExpiry
	}
	return signToken(m.cfg.Secret, subject, roles, ttl, m.clock.Now())
}

// GenerateAPIKey creates, registers and returns a new opaque key. A zero
// ttl means the configured default expiry.
func (m *Manager) GenerateAPIKey(ctx context.Context, serviceID string, roles []string, ttl time.Duration) (*APIKey, error) {
	if ttl == 0 {
		ttl = m.cfg.KeyExpiry
	}
	now := m.clock.Now()
	key := &APIKey{
		Key:       strings.ReplaceAll(uuid.NewString(), "-", ""),
		ServiceID: serviceID,
		Roles:     roles,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Enabled:   true,
	}
	if err := m.store.Put(ctx, key); err != nil {
		return nil, err
	}
	return key, nil
}

// RevokeAPIKey removes an opaque key from the registry and the cache.
func (m *Manager) RevokeAPIKey(ctx context.Context, key string) error {
	prefix := AuthTypeOpaque.cacheKey(key, "")
	for k := range m.cache.Items() {
		if strings.HasPrefix(k, prefix) {
			m.cache.Delete(k)
		}
	}
	return m.store.Delete(ctx, key)
}

func (t AuthType) cacheKey(token, serviceID string) string {
	if t == AuthTypeOpaque {
		return "opaque\x00" + token + "\x00" + serviceID
	}
	return "signed\x00" + token
}

// VerifyToken validates a signed token.
func (m *Manager) VerifyToken(token string) (*Context, error) {
	return m.cached(AuthTypeSigned.cacheKey(token, ""), func() (*Context, error) {
		return verifyToken(m.secrets, token, m.clock.Now())
	})
}

// VerifyAPIKey validates an opaque key, optionally binding it to a service
// ID.
func (m *Manager) VerifyAPIKey(ctx context.Context, token, serviceID string) (*Context, error) {
	return m.cached(AuthTypeOpaque.cacheKey(token, serviceID), func() (*Context, error) {
		k, err := m.store.Get(ctx, token)
		if err != nil {
			logrus.Warnf("api key lookup failed: %v", err)
			return nil, &Error{Code: CodeInvalidToken, Message: "key lookup failed"}
		}
		if k == nil {
			return nil, &Error{Code: CodeInvalidToken, Message: "unknown key"}
		}
		if !k.Enabled {
			return nil, &Error{Code: CodeInvalidToken, Message: "key disabled"}
		}
		if serviceID != "" && k.ServiceID != "" && k.ServiceID != serviceID {
			return nil, &Error{Code: CodeInvalidToken, Message: "key not valid for service"}
		}
		if !k.ExpiresAt.IsZero() && !m.clock.Now().Before(k.ExpiresAt) {
			return nil, &Error{Code: CodeInvalidToken, Message: "key expired"}
		}
		return &Context{
			Principal: k.ServiceID,
			Roles:     k.Roles,
			Type:      AuthTypeOpaque,
			ExpiresAt: k.ExpiresAt,
		}, nil
	})
}

// cached runs validate on cache miss and caches successes until they
// expire. Failures are never cached.
func (m *Manager) cached(key string, validate func() (*Context, error)) (*Context, error) {
	if v, ok := m.cache.Get(key); ok {
		authCtx := v.(*Context)
		if authCtx.ExpiresAt.IsZero() || m.clock.Now().Before(authCtx.ExpiresAt) {
			return authCtx, nil
		}
		m.cache.Delete(key)
		return nil, &Error{Code: CodeInvalidToken, Message: "credential expired"}
	}
	authCtx, err := validate()
	if err != nil {
		return nil, err
	}
	ttl := gocache.NoExpiration
	if !authCtx.ExpiresAt.IsZero() {
		if d := authCtx.ExpiresAt.Sub(m.clock.Now()); d > 0 {
			ttl = d
		}
	}
	m.cache.Set(key, authCtx, ttl)
	return authCtx, nil
}

// Authenticate resolves any token: three dot-separated segments try the
// signed path first, then the opaque path.
func (m *Manager) Authenticate(ctx context.Context, token, serviceID string) (*Context, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	if LooksSigned(token) {
		if authCtx, err := m.VerifyToken(token); err == nil {
			return authCtx, nil
		}
	}
	return m.VerifyAPIKey(ctx, token, serviceID)
}

// Authorize applies the role policy: admin and service pass everywhere,
// read passes only read-intent methods, write passes the rest.
func (m *Manager) Authorize(authCtx *Context, method string) error {
	if authCtx.HasRole(RoleAdmin) || authCtx.HasRole(RoleService) {
		return nil
	}
	if isReadMethod(method) {
		if authCtx.HasRole(RoleRead) {
			return nil
		}
	} else if authCtx.HasRole(RoleWrite) {
		return nil
	}
	return &Error{
		Code:    CodeInsufficientPermissions,
		Message: fmt.Sprintf("principal %s may not call %s", authCtx.Principal, method),
	}
}

func isReadMethod(method string) bool {
	lower := strings.ToLower(method)
	for _, p := range readMethodPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

// Close releases the key store.
func (m *Manager) Close() error {
	m.cache.Flush()
	return m.store.Close()
}
