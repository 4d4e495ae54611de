package reconnect

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type powerRecorder struct {
	mu    sync.Mutex
	calls []bool
	fail  error
}

func (p *powerRecorder) SetAdapterPower(_ context.Context, _ string, on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, on)
	return p.fail
}

func (p *powerRecorder) Calls() []bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bool(nil), p.calls...)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestFlagAndBondLost(t *testing.T) {
	c := New(&powerRecorder{}, 0, quietLogger())

	assert.True(t, c.Flag("A"))
	assert.False(t, c.Flag("A"))
	assert.True(t, c.Flag("B"))
	assert.Equal(t, []string{"A", "B"}, c.Flagged())

	assert.True(t, c.BondLost("A"))
	assert.False(t, c.IsFlagged("A"))
	assert.False(t, c.Unflag("A"))
	assert.Equal(t, []string{"B"}, c.PowerOn())
}

func TestTryBegin_SingleFlight(t *testing.T) {
	c := New(&powerRecorder{}, 0, quietLogger())

	var wins atomic.Int32
	var token atomic.Uint64
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tok, ok := c.TryBegin("AA:BB:CC:DD:EE:FF"); ok {
				wins.Add(1)
				token.Store(tok)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.True(t, c.Connecting("AA:BB:CC:DD:EE:FF"))

	c.End("AA:BB:CC:DD:EE:FF", token.Load())
	assert.False(t, c.Connecting("AA:BB:CC:DD:EE:FF"))
	_, ok := c.TryBegin("AA:BB:CC:DD:EE:FF")
	assert.True(t, ok)
}

func TestEnd_IgnoresSupersededAttempt(t *testing.T) {
	c := New(&powerRecorder{}, 0, quietLogger())
	c.Flag("A")

	stale, ok := c.TryBegin("A")
	require.True(t, ok)
	c.PowerOff()

	fresh, ok := c.TryBegin("A")
	require.True(t, ok, "power-off clears the in-flight mark")
	assert.NotEqual(t, stale, fresh)

	c.End("A", stale)
	assert.True(t, c.Connecting("A"), "a late result must not clear the new attempt")
	_, ok = c.TryBegin("A")
	assert.False(t, ok)

	c.End("A", fresh)
	assert.False(t, c.Connecting("A"))
}

func TestSchedule_Fires(t *testing.T) {
	c := New(&powerRecorder{}, 0, quietLogger())
	defer c.Close()

	fired := make(chan struct{})
	c.Schedule(context.Background(), "A", 10*time.Millisecond, func() { close(fired) })
	assert.Equal(t, 1, c.Pending())

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("retry did not fire")
	}
	assert.Eventually(t, func() bool { return c.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSchedule_Cancel(t *testing.T) {
	c := New(&powerRecorder{}, 0, quietLogger())

	var fired atomic.Bool
	c.Schedule(context.Background(), "A", 50*time.Millisecond, func() { fired.Store(true) })
	assert.True(t, c.Cancel("A"))
	assert.False(t, c.Cancel("A"))

	c.Close()
	time.Sleep(80 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestSchedule_ReplacesPrevious(t *testing.T) {
	c := New(&powerRecorder{}, 0, quietLogger())
	defer c.Close()

	var count atomic.Int32
	c.Schedule(context.Background(), "A", 20*time.Millisecond, func() { count.Add(1) })
	c.Schedule(context.Background(), "A", 20*time.Millisecond, func() { count.Add(1) })

	assert.Eventually(t, func() bool { return count.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(1), count.Load())
}

func TestPowerOff_CancelsAllPendingWaits(t *testing.T) {
	c := New(&powerRecorder{}, 0, quietLogger())
	backoff := 10 * time.Second

	const n = 5
	addrs := []string{"A", "B", "C", "D", "E"}
	var fired atomic.Int32
	for _, a := range addrs {
		c.Flag(a)
		_, ok := c.TryBegin(a)
		require.True(t, ok)
		c.Schedule(context.Background(), a, backoff, func() { fired.Add(1) })
	}
	require.Equal(t, n, c.Pending())

	start := time.Now()
	cancelled := c.PowerOff()
	c.Close()
	elapsed := time.Since(start)

	assert.Equal(t, addrs, cancelled)
	assert.Zero(t, c.Pending())
	assert.Less(t, elapsed, time.Second, "waits must be woken, not run out")
	assert.Zero(t, fired.Load())
	for _, a := range addrs {
		assert.False(t, c.Connecting(a), "%s still marked connecting", a)
	}
	assert.Equal(t, addrs, c.PowerOn(), "flags survive a power cycle")
}

func TestRecover_MutuallyExclusive(t *testing.T) {
	p := &powerRecorder{}
	c := New(p, 50*time.Millisecond, quietLogger())

	done := make(chan error, 2)
	require.True(t, c.Recover(context.Background(), "hci0", func(err error) { done <- err }))
	assert.True(t, c.Recovering())
	assert.False(t, c.Recover(context.Background(), "hci0", func(err error) { done <- err }))

	// bookkeeping is not blocked by a running recovery
	assert.True(t, c.Flag("A"))
	_, ok := c.TryBegin("A")
	assert.True(t, ok)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("recovery did not finish")
	}
	c.Close()
	assert.Equal(t, []bool{false, true}, p.Calls())
	assert.False(t, c.Recovering())
	assert.True(t, c.Recover(context.Background(), "hci0", nil))
	c.Close()
}

func TestRecover_SettleIsCancellable(t *testing.T) {
	p := &powerRecorder{}
	c := New(p, 10*time.Second, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	require.True(t, c.Recover(ctx, "hci0", func(err error) { done <- err }))

	time.Sleep(20 * time.Millisecond)
	start := time.Now()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("settle wait not cancelled")
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, []bool{false}, p.Calls())
}

func TestRecover_PowerOffFailure(t *testing.T) {
	p := &powerRecorder{fail: errors.New("busy")}
	c := New(p, 0, quietLogger())

	done := make(chan error, 1)
	require.True(t, c.Recover(context.Background(), "hci0", func(err error) { done <- err }))
	assert.EqualError(t, <-done, "busy")
	c.Close()
}
