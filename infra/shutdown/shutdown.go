package shutdown

import (
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// Hook is one unit of teardown work. Smaller priorities run earlier. A zero
// Timeout means the manager's global grace period applies. ShouldExecute
// lets a hook opt out at shutdown time.
type Hook interface {
	Name() string
	Priority() int
	Timeout() time.Duration
	ShouldExecute() bool
	Shutdown() error
}

// FuncHook adapts a plain function into a Hook.
type FuncHook struct {
	HookName     string
	HookPriority int
	HookTimeout  time.Duration
	Condition    func() bool
	Fn           func() error
}

func (h *FuncHook) Name() string           { return h.HookName }
func (h *FuncHook) Priority() int          { return h.HookPriority }
func (h *FuncHook) Timeout() time.Duration { return h.HookTimeout }
func (h *FuncHook) ShouldExecute() bool {
	if h.Condition == nil {
		return true
	}
	return h.Condition()
}
func (h *FuncHook) Shutdown() error { return h.Fn() }

// Manager runs registered hooks in priority order at process termination.
// Each hook runs on its own goroutine and is waited on up to its timeout,
// bounded overall by the global grace period.
type Manager struct {
	grace time.Duration

	mu       sync.Mutex
	hooks    []Hook
	done     bool
	sentinel sync.Once
}

// NewManager builds a shutdown manager with the given global grace period.
func NewManager(grace time.Duration) *Manager {
	return &Manager{grace: grace}
}

// Register adds a hook. Hooks registered after shutdown ran are ignored.
func (m *Manager) Register(h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done {
		logrus.Warnf("shutdown hook %s registered after shutdown; ignored", h.Name())
		return
	}
	m.hooks = append(m.hooks, h)
}

// RegisterFunc adds a function hook with the given name and priority.
func (m *Manager) RegisterFunc(name string, priority int, fn func() error) {
	m.Register(&FuncHook{HookName: name, HookPriority: priority, Fn: fn})
}

// InstallSignalSentinel arranges for Shutdown to run once on SIGINT or
// SIGTERM. Installing twice is a no-op.
func (m *Manager) InstallSignalSentinel() {
	m.sentinel.Do(func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-ch
			logrus.Infof("received %s, shutting down", sig)
			m.Shutdown()
		}()
	})
}

// Shutdown runs every eligible hook in priority order, each on its own
// worker, waiting up to the hook timeout (or the global grace period).
// Shutdown is idempotent; only the first call runs the hooks.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return nil
	}
	m.done = true
	hooks := make([]Hook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	sort.SliceStable(hooks, func(i, j int) bool { return hooks[i].Priority() < hooks[j].Priority() })

	deadline := time.Now().Add(m.grace)
	var result *multierror.Error
	for _, h := range hooks {
		if !h.ShouldExecute() {
			logrus.Debugf("shutdown hook %s skipped", h.Name())
			continue
		}
		timeout := h.Timeout()
		if timeout <= 0 {
			timeout = time.Until(deadline)
		}
		if remaining := time.Until(deadline); timeout > remaining {
			timeout = remaining
		}
		if timeout <= 0 {
			logrus.Warnf("shutdown grace period exhausted before hook %s", h.Name())
			result = multierror.Append(result, &timeoutError{hook: h.Name()})
			continue
		}

		errCh := make(chan error, 1)
		go func(h Hook) {
			errCh <- h.Shutdown()
		}(h)

		select {
		case err := <-errCh:
			if err != nil {
				logrus.Errorf("shutdown hook %s failed: %v", h.Name(), err)
				result = multierror.Append(result, err)
			} else {
				logrus.Infof("shutdown hook %s completed", h.Name())
			}
		case <-time.After(timeout):
			logrus.Warnf("shutdown hook %s timed out after %s", h.Name(), timeout)
			result = multierror.Append(result, &timeoutError{hook: h.Name()})
		}
	}
	return result.ErrorOrNil()
}

// ForceShutdown runs the hooks synchronously in the calling goroutine with
// no timeouts, for situations where waiting is not an option.
func (m *Manager) ForceShutdown() {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return
	}
	m.done = true
	hooks := make([]Hook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	sort.SliceStable(hooks, func(i, j int) bool { return hooks[i].Priority() < hooks[j].Priority() })
	for _, h := range hooks {
		if !h.ShouldExecute() {
			continue
		}
		if err := h.Shutdown(); err != nil {
			logrus.Errorf("shutdown hook %s failed: %v", h.Name(), err)
		}
	}
}

type timeoutError struct{ hook string }

func (e *timeoutError) Error() string { return "shutdown hook " + e.hook + " timed out" }
