package liveness

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T) (*Tracker, *clock.Mock) {
	t.Helper()

	clk := clock.NewMock()
	tracker, err := NewTracker(WithClock(clk), WithHeartbeatInterval(10*time.Second))
	require.NoError(t, err)
	return tracker, clk
}

func TestTrackerOptions(t *testing.T) {
	t.Parallel()

	tracker, err := NewTracker()
	require.NoError(t, err)
	require.Equal(t, DefaultHeartbeatInterval, tracker.HeartbeatInterval())
	require.Equal(t, DefaultMissedHeartbeats*DefaultHeartbeatInterval, tracker.DeadTimeout())

	_, err = NewTracker(WithHeartbeatInterval(0))
	require.Error(t, err)

	_, err = NewTracker(WithHeartbeatInterval(time.Minute), WithDeadTimeout(time.Second))
	require.Error(t, err)
}

func TestStatusDecaysWithoutHeartbeats(t *testing.T) {
	t.Parallel()

	tracker, clk := newTestTracker(t)
	require.Equal(t, StatusUnknown, tracker.Status("10.0.0.1:4000"))

	tracker.Register("10.0.0.1:4000", "n1")
	require.Equal(t, StatusAlive, tracker.Status("10.0.0.1:4000"))

	// Freshness never improves while time passes without heartbeats.
	previous := tracker.Status("10.0.0.1:4000")
	for i := 0; i < 40; i++ {
		clk.Add(time.Second)
		current := tracker.Status("10.0.0.1:4000")
		require.GreaterOrEqual(t, current.Rank(), previous.Rank(), "status went from %s to %s", previous, current)
		previous = current
	}
	require.Equal(t, StatusDead, previous)
}

func TestStatusBoundaries(t *testing.T) {
	t.Parallel()

	tracker, clk := newTestTracker(t)
	tracker.Register("n1", "")

	clk.Add(10 * time.Second)
	require.Equal(t, StatusAlive, tracker.Status("n1"))
	clk.Add(time.Millisecond)
	require.Equal(t, StatusStale, tracker.Status("n1"))
	clk.Add(20*time.Second - time.Millisecond)
	require.Equal(t, StatusStale, tracker.Status("n1"))
	clk.Add(time.Millisecond)
	require.Equal(t, StatusDead, tracker.Status("n1"))

	tracker.Heartbeat("n1")
	require.Equal(t, StatusAlive, tracker.Status("n1"))
}

func TestRegisterIsIdempotent(t *testing.T) {
	t.Parallel()

	tracker, clk := newTestTracker(t)
	tracker.Register("n1", "")
	first, ok := tracker.Get("n1")
	require.True(t, ok)
	require.Equal(t, "n1", first.Label)

	clk.Add(5 * time.Second)
	tracker.Register("n1", "node one")
	second, ok := tracker.Get("n1")
	require.True(t, ok)
	require.Equal(t, "node one", second.Label)
	require.True(t, second.RegisteredAt.After(first.RegisteredAt))
	require.Len(t, tracker.Nodes(), 1)
}

func TestHeartbeatRegistersImplicitly(t *testing.T) {
	t.Parallel()

	tracker, _ := newTestTracker(t)
	require.True(t, tracker.Heartbeat("n1"))
	require.False(t, tracker.Heartbeat("n1"))

	rec, ok := tracker.Get("n1")
	require.True(t, ok)
	require.True(t, rec.Implicit)
	require.Equal(t, StatusAlive, rec.Status)

	tracker.Register("n1", "explicit")
	rec, ok = tracker.Get("n1")
	require.True(t, ok)
	require.False(t, rec.Implicit)
}

func TestEnsureDoesNotRefreshKnownNodes(t *testing.T) {
	t.Parallel()

	tracker, clk := newTestTracker(t)
	require.True(t, tracker.Ensure("n1"))
	clk.Add(31 * time.Second)
	require.False(t, tracker.Ensure("n1"))
	require.Equal(t, StatusDead, tracker.Status("n1"))
}

func TestSweepReportsEachDeathOnce(t *testing.T) {
	t.Parallel()

	tracker, clk := newTestTracker(t)
	tracker.Register("n1", "")
	tracker.Register("n2", "")
	require.Empty(t, tracker.Sweep())

	clk.Add(20 * time.Second)
	tracker.Heartbeat("n2")
	clk.Add(11 * time.Second)
	require.Equal(t, []string{"n1"}, tracker.Sweep())
	require.Empty(t, tracker.Sweep())

	// A node that comes back and dies again is reported again.
	tracker.Heartbeat("n1")
	require.Empty(t, tracker.Sweep())
	clk.Add(31 * time.Second)
	require.Equal(t, []string{"n1", "n2"}, tracker.Sweep())
}

func TestConcurrentHeartbeats(t *testing.T) {
	t.Parallel()

	tracker, _ := newTestTracker(t)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			addr := fmt.Sprintf("10.0.0.%d:4000", i%4)
			for j := 0; j < 100; j++ {
				tracker.Heartbeat(addr)
				_ = tracker.Status(addr)
				_ = tracker.Sweep()
			}
		}(i)
	}
	wg.Wait()

	nodes := tracker.Nodes()
	require.Len(t, nodes, 4)
	for _, node := range nodes {
		require.Equal(t, StatusAlive, node.Status)
	}
}
