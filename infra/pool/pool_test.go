package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/phuhao00/pandarpc/config"
)

// fakeTransport is an in-memory Transport whose health the test controls.
type fakeTransport struct {
	unhealthy atomic.Bool
	closed    atomic.Bool
}

func (t *fakeTransport) Close() error  { t.closed.Store(true); return nil }
func (t *fakeTransport) Healthy() bool { return !t.unhealthy.Load() && !t.closed.Load() }

type fakeDialer struct {
	mu      sync.Mutex
	dialed  []*fakeTransport
	fail    atomic.Bool
	block   chan struct{} // when set, dials block until closed
}

func (d *fakeDialer) dial(ctx context.Context, addr string) (Transport, error) {
	if d.block != nil {
		select {
		case <-d.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.fail.Load() {
		return nil, errors.New("dial refused")
	}
	t := &fakeTransport{}
	d.mu.Lock()
	d.dialed = append(d.dialed, t)
	d.mu.Unlock()
	return t, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dialed)
}

func testPoolConfig() config.PoolConfig {
	return config.PoolConfig{
		Enabled:             true,
		MaxPerEndpoint:      3,
		IdleTimeout:         300 * time.Second,
		HealthCheckEnabled:  false,
		HealthCheckInterval: 30 * time.Second,
		MaxPendingAcquires:  2,
		ConnectTimeout:      2 * time.Second,
		WarmupConns:         2,
	}
}

func TestAcquireReuseRelease(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(testPoolConfig(), d.dial, nil)
	defer m.Close()

	ctx := context.Background()
	c1, err := m.Acquire(ctx, "127.0.0.1:9000")
	require.NoError(t, err)
	assert.Equal(t, StateInUse, c1.State())
	assert.Equal(t, int64(1), c1.UseCount())

	m.Release(c1, true)
	assert.Equal(t, StateAvailable, c1.State())

	c2, err := m.Acquire(ctx, "127.0.0.1:9000")
	require.NoError(t, err)
	assert.Equal(t, c1.ID(), c2.ID(), "released connection should be reused")
	assert.Equal(t, 1, d.count(), "no second dial expected")
	m.Release(c2, true)
}

func TestUnhealthyReleaseCloses(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(testPoolConfig(), d.dial, nil)
	defer m.Close()

	c, err := m.Acquire(context.Background(), "127.0.0.1:9000")
	require.NoError(t, err)
	m.Release(c, false)
	assert.Equal(t, StateClosed, c.State())

	stats := m.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, int64(1), stats[0].Created)
	assert.Equal(t, int64(1), stats[0].Closed)
	assert.Equal(t, 0, stats[0].Current)
}

func TestUnhealthyPoppedConnectionSkipped(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(testPoolConfig(), d.dial, nil)
	defer m.Close()

	ctx := context.Background()
	c1, err := m.Acquire(ctx, "127.0.0.1:9000")
	require.NoError(t, err)
	m.Release(c1, true)

	// Kill the idle transport behind the pool's back.
	c1.Transport().(*fakeTransport).unhealthy.Store(true)

	c2, err := m.Acquire(ctx, "127.0.0.1:9000")
	require.NoError(t, err)
	assert.NotEqual(t, c1.ID(), c2.ID())
	assert.Equal(t, StateClosed, c1.State())
	m.Release(c2, true)
}

func TestPoolCapAndWaiterQueue(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(testPoolConfig(), d.dial, nil)
	defer m.Close()

	ctx := context.Background()
	var held []*Conn
	for i := 0; i < 3; i++ {
		c, err := m.Acquire(ctx, "127.0.0.1:9000")
		require.NoError(t, err)
		held = append(held, c)
	}

	// Pool is at max; the next acquire waits until a release.
	got := make(chan *Conn, 1)
	go func() {
		c, err := m.Acquire(ctx, "127.0.0.1:9000")
		assert.NoError(t, err)
		got <- c
	}()
	select {
	case <-got:
		t.Fatal("acquire should have queued")
	case <-time.After(50 * time.Millisecond):
	}

	m.Release(held[0], true)
	select {
	case c := <-got:
		assert.Equal(t, held[0].ID(), c.ID(), "waiter should receive the released connection")
		m.Release(c, true)
	case <-time.After(time.Second):
		t.Fatal("waiter was not served")
	}
	m.Release(held[1], true)
	m.Release(held[2], true)
	assert.Equal(t, 3, d.count())
}

func TestPoolSaturated(t *testing.T) {
	d := &fakeDialer{}
	cfg := testPoolConfig()
	cfg.MaxPendingAcquires = 1
	m := NewManager(cfg, d.dial, nil)
	defer m.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := m.Acquire(ctx, "127.0.0.1:9000")
		require.NoError(t, err)
	}
	// One waiter fits the queue.
	go func() {
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		_, _ = m.Acquire(cctx, "127.0.0.1:9000")
	}()
	time.Sleep(50 * time.Millisecond)

	_, err := m.Acquire(ctx, "127.0.0.1:9000")
	assert.ErrorIs(t, err, ErrPoolSaturated)
}

func TestAcquireCancellation(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(testPoolConfig(), d.dial, nil)
	defer m.Close()

	ctx := context.Background()
	var held []*Conn
	for i := 0; i < 3; i++ {
		c, err := m.Acquire(ctx, "127.0.0.1:9000")
		require.NoError(t, err)
		held = append(held, c)
	}

	cctx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		_, err := m.Acquire(cctx, "127.0.0.1:9000")
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	// A release after cancellation must not hand the connection to the dead
	// waiter; it goes back to the available set.
	m.Release(held[0], true)
	c, err := m.Acquire(ctx, "127.0.0.1:9000")
	require.NoError(t, err)
	assert.Equal(t, held[0].ID(), c.ID())
}

func TestDialFailure(t *testing.T) {
	d := &fakeDialer{}
	d.fail.Store(true)
	m := NewManager(testPoolConfig(), d.dial, nil)
	defer m.Close()

	_, err := m.Acquire(context.Background(), "127.0.0.1:9000")
	assert.Error(t, err)

	stats := m.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, 0, stats[0].Current, "failed dial must not leak a slot")

	// The slot freed by the failed dial is usable again.
	d.fail.Store(false)
	c, err := m.Acquire(context.Background(), "127.0.0.1:9000")
	require.NoError(t, err)
	m.Release(c, true)
}

func TestIdleEviction(t *testing.T) {
	d := &fakeDialer{}
	cfg := testPoolConfig()
	cfg.HealthCheckEnabled = true
	cfg.IdleTimeout = 100 * time.Second
	cfg.HealthCheckInterval = 10 * time.Second
	clock := clockwork.NewFakeClock()
	m := NewManager(cfg, d.dial, clock)
	defer m.Close()

	c, err := m.Acquire(context.Background(), "127.0.0.1:9000")
	require.NoError(t, err)
	m.Release(c, true)

	clock.Advance(101 * time.Second)
	// Let the maintenance tick run.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == StateClosed {
			break
		}
		clock.Advance(10 * time.Second)
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, StateClosed, c.State(), "idle connection should be evicted")
}

func TestWarmup(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(testPoolConfig(), d.dial, nil)
	defer m.Close()

	m.Warmup("127.0.0.1:9000")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && d.count() < 2 {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 2, d.count())

	stats := m.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, 2, stats[0].Available)
}

func TestCloseCancelsWaitersAndIsIdempotent(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(testPoolConfig(), d.dial, nil)

	ctx := context.Background()
	var held []*Conn
	for i := 0; i < 3; i++ {
		c, err := m.Acquire(ctx, "127.0.0.1:9000")
		require.NoError(t, err)
		held = append(held, c)
	}
	errCh := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctx, "127.0.0.1:9000")
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)

	m.Close()
	assert.ErrorIs(t, <-errCh, ErrPoolClosed)
	for _, c := range held {
		assert.Equal(t, StateClosed, c.State())
	}

	m.Close() // idempotent
	_, err := m.Acquire(ctx, "127.0.0.1:9000")
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestInvariantCreatedMinusClosed(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(testPoolConfig(), d.dial, nil)
	defer m.Close()

	ctx := context.Background()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				c, err := m.Acquire(ctx, "127.0.0.1:9000")
				if err != nil {
					continue
				}
				m.Release(c, i%7 != 0)
			}
		}(g)
	}
	wg.Wait()

	stats := m.Stats()
	require.Len(t, stats, 1)
	s := stats[0]
	assert.Equal(t, s.Current, int(s.Created-s.Closed))
	assert.LessOrEqual(t, s.Current, 3)
}
