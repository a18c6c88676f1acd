package shutdown

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHooksRunInPriorityOrder(t *testing.T) {
	m := NewManager(5 * time.Second)
	var mu sync.Mutex
	var order []string
	add := func(name string, prio int) {
		m.RegisterFunc(name, prio, func() error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		})
	}
	add("third", 30)
	add("first", 10)
	add("second", 20)

	require.NoError(t, m.Shutdown())
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestShutdownIsIdempotent(t *testing.T) {
	m := NewManager(time.Second)
	runs := 0
	m.RegisterFunc("once", 10, func() error { runs++; return nil })

	require.NoError(t, m.Shutdown())
	require.NoError(t, m.Shutdown())
	assert.Equal(t, 1, runs)
}

func TestShouldExecuteSkips(t *testing.T) {
	m := NewManager(time.Second)
	ran := false
	m.Register(&FuncHook{
		HookName: "skipped", HookPriority: 10,
		Condition: func() bool { return false },
		Fn:        func() error { ran = true; return nil },
	})
	require.NoError(t, m.Shutdown())
	assert.False(t, ran)
}

func TestHookErrorsAggregate(t *testing.T) {
	m := NewManager(time.Second)
	m.RegisterFunc("bad1", 10, func() error { return errors.New("first failure") })
	m.RegisterFunc("good", 20, func() error { return nil })
	m.RegisterFunc("bad2", 30, func() error { return errors.New("second failure") })

	err := m.Shutdown()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "first failure")
	assert.Contains(t, err.Error(), "second failure")
}

func TestHookTimeout(t *testing.T) {
	m := NewManager(5 * time.Second)
	m.Register(&FuncHook{
		HookName: "slow", HookPriority: 10, HookTimeout: 50 * time.Millisecond,
		Fn: func() error { time.Sleep(2 * time.Second); return nil },
	})
	completed := false
	m.RegisterFunc("after", 20, func() error { completed = true; return nil })

	start := time.Now()
	err := m.Shutdown()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.True(t, completed, "later hooks still run after a timeout")
	assert.Less(t, time.Since(start), time.Second)
}

func TestGlobalGraceBoundsEverything(t *testing.T) {
	m := NewManager(100 * time.Millisecond)
	m.Register(&FuncHook{
		HookName: "slow", HookPriority: 10,
		Fn: func() error { time.Sleep(5 * time.Second); return nil },
	})
	m.RegisterFunc("starved", 20, func() error { return nil })

	start := time.Now()
	err := m.Shutdown()
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestForceShutdownRunsSynchronously(t *testing.T) {
	m := NewManager(time.Second)
	ran := false
	m.RegisterFunc("sync", 10, func() error { ran = true; return nil })
	m.ForceShutdown()
	assert.True(t, ran)
	// Regular shutdown afterwards is a no-op.
	require.NoError(t, m.Shutdown())
}

func TestRegisterAfterShutdownIgnored(t *testing.T) {
	m := NewManager(time.Second)
	require.NoError(t, m.Shutdown())
	ran := false
	m.RegisterFunc("late", 10, func() error { ran = true; return nil })
	require.NoError(t, m.Shutdown())
	assert.False(t, ran)
}
