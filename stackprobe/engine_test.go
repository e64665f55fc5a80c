package stackprobe

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stackprobe-dev/stackprobe-go/host"
	"github.com/stackprobe-dev/stackprobe-go/internal/driver"
	"github.com/stackprobe-dev/stackprobe-go/internal/hostsim"
)

// newTestEngine returns an engine whose driver never ticks on its own;
// tests drive broadcast rounds by hand.
func newTestEngine(t *testing.T, sim *hostsim.Host, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{
		WithInterval(time.Hour),
		WithMaxTraces(8),
		WithStackDepth(16),
		WithFrameTrim(2),
	}, opts...)
	e, err := New(sim, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Uninstall() })
	return e
}

// startThread registers the current scripted thread and turns sampling on
// with a window opening at the buffer's current position.
func startThread(t *testing.T, e *Engine, sim *hostsim.Host, id host.ThreadID) {
	t.Helper()
	sim.SetCurrent(id)
	require.True(t, e.RegisterThread())
	require.True(t, e.StartSampling())
	require.True(t, e.UpdateIndexes(0, 0))
}

// sampleOnce runs one broadcast round and pumps the resulting safe-point
// jobs.
func sampleOnce(e *Engine, sim *hostsim.Host) {
	e.broadcast()
	sim.PumpSafePoints()
}

func TestLifecycle(t *testing.T) {
	sim := hostsim.New()
	e := newTestEngine(t, sim)

	require.Equal(t, Uninstalled, e.Status())
	require.ErrorIs(t, e.Start(), ErrNotInstalled)
	require.ErrorIs(t, e.Uninstall(), ErrNotInstalled)

	require.NoError(t, e.Install())
	require.Equal(t, Installed, e.Status())
	require.ErrorIs(t, e.Install(), ErrInstalled)
	require.Equal(t, 1, sim.Installs())

	require.NoError(t, e.Start())
	require.Equal(t, Running, e.Status())
	require.NoError(t, e.Stop())
	require.Equal(t, Installed, e.Status())
	require.NoError(t, e.Start())

	require.NoError(t, e.Uninstall())
	require.Equal(t, Uninstalled, e.Status())
	require.ErrorIs(t, e.Uninstall(), ErrUninstalled)
	require.ErrorIs(t, e.Install(), ErrUninstalled)
	require.ErrorIs(t, e.Start(), ErrUninstalled)
	require.ErrorIs(t, e.Stop(), ErrUninstalled)
	require.Equal(t, 1, sim.Installs())
}

type flakyInstallHost struct {
	*hostsim.Host
	fail bool
}

func (h *flakyInstallHost) InstallHandler(handler host.Handler) error {
	if h.fail {
		return errors.New("queue unavailable")
	}
	return h.Host.InstallHandler(handler)
}

func TestInstallHostFailureAllowsRetry(t *testing.T) {
	sim := &flakyInstallHost{Host: hostsim.New(), fail: true}
	e, err := New(sim, WithInterval(time.Hour))
	require.NoError(t, err)

	err = e.Install()
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrInstalled)
	require.Equal(t, Uninstalled, e.Status())

	sim.fail = false
	require.NoError(t, e.Install())
	require.Equal(t, Installed, e.Status())
	require.NoError(t, e.Uninstall())
}

func TestConfigValidation(t *testing.T) {
	sim := hostsim.New()
	for _, opt := range []Option{
		WithInterval(0),
		WithMaxTraces(0),
		WithStackDepth(-1),
		WithFrameTrim(-1),
	} {
		_, err := New(sim, opt)
		require.Error(t, err)
	}
}

func TestSamplingRoundTrip(t *testing.T) {
	sim := hostsim.New()
	e := newTestEngine(t, sim)
	require.NoError(t, e.Install())
	require.NoError(t, e.Start())

	sim.SetStack(1, hostsim.Stack(100, 5))
	startThread(t, e, sim, 1)

	sampleOnce(e, sim)

	n, ok := e.CurrentTraceIndex()
	require.True(t, ok)
	require.Equal(t, 1, n)

	snaps, ok := e.ExtractFrames()
	require.True(t, ok)
	require.Len(t, snaps, 1)
	// Depth 5 with the default trim of 2: three frames survive, newest
	// first.
	require.Len(t, snaps[0].Frames, 3)
	require.Equal(t, host.FrameRef(100), snaps[0].Frames[0].Ref)

	// The window was drained; extracting again yields nothing.
	snaps, ok = e.ExtractFrames()
	require.True(t, ok)
	require.Empty(t, snaps)
}

func TestShallowStacksDiscarded(t *testing.T) {
	sim := hostsim.New()
	e := newTestEngine(t, sim)
	require.NoError(t, e.Install())
	require.NoError(t, e.Start())
	startThread(t, e, sim, 1)

	for _, depth := range []int{0, 1, 5, 5, 0} {
		sim.SetStack(1, hostsim.Stack(100, depth))
		sampleOnce(e, sim)
	}

	st, ok := e.SamplingStats()
	require.True(t, ok)
	require.Equal(t, 2, st.Count)
	require.Zero(t, st.SkippedCollector)
	require.Zero(t, st.SkippedSignal)
	require.Zero(t, st.SkippedCapacity)

	snaps, ok := e.ExtractFrames()
	require.True(t, ok)
	require.Len(t, snaps, 2)
	for _, s := range snaps {
		require.Len(t, s.Frames, 3)
	}
}

func TestBroadcastSkipsDeregisteredThread(t *testing.T) {
	sim := hostsim.New()
	e := newTestEngine(t, sim)
	require.NoError(t, e.Install())
	require.NoError(t, e.Start())

	startThread(t, e, sim, 1)
	startThread(t, e, sim, 2)
	require.Equal(t, 2, sim.RootCount())

	sim.SetCurrent(2)
	require.True(t, e.DeregisterThread())
	require.False(t, e.DeregisterThread())
	require.Equal(t, 1, sim.RootCount())

	e.broadcast()
	require.Equal(t, []host.ThreadID{1}, sim.Signals())

	// A signal already in flight for the deregistered thread finds no
	// probe and is dropped.
	e.dispatch(2)
	require.Equal(t, 1, sim.PendingJobs())
}

func TestBroadcastSkipsDeadThread(t *testing.T) {
	sim := hostsim.New()
	e := newTestEngine(t, sim)
	require.NoError(t, e.Install())
	require.NoError(t, e.Start())

	startThread(t, e, sim, 1)
	startThread(t, e, sim, 2)
	sim.SetAlive(2, false)

	e.broadcast()
	require.Equal(t, []host.ThreadID{1}, sim.Signals())
	require.Equal(t, uint64(1), e.Stats().Unreachable)
}

func TestReentrantSignalDropped(t *testing.T) {
	sim := hostsim.New()
	e := newTestEngine(t, sim)
	require.NoError(t, e.Install())
	require.NoError(t, e.Start())
	sim.SetStack(1, hostsim.Stack(100, 5))
	startThread(t, e, sim, 1)

	// Two signals land before the thread reaches a safe point; only one
	// capture job may be pending.
	e.broadcast()
	e.broadcast()
	require.Equal(t, 1, sim.PendingJobs())

	sim.PumpSafePoints()
	st, _ := e.SamplingStats()
	require.Equal(t, 1, st.Count)
	require.Equal(t, uint64(1), st.SkippedSignal)

	// The pending slot was released; the next round samples again.
	sampleOnce(e, sim)
	st, _ = e.SamplingStats()
	require.Equal(t, 2, st.Count)
}

func TestRefusedSafePointReleasesPendingSlot(t *testing.T) {
	sim := hostsim.New()
	e := newTestEngine(t, sim)
	require.NoError(t, e.Install())
	require.NoError(t, e.Start())
	sim.SetStack(1, hostsim.Stack(100, 5))
	startThread(t, e, sim, 1)

	sim.RefuseSafePoints(true)
	e.broadcast()
	require.Zero(t, sim.PendingJobs())
	st, _ := e.SamplingStats()
	require.Equal(t, uint64(1), st.SkippedSignal)

	sim.RefuseSafePoints(false)
	sampleOnce(e, sim)
	st, _ = e.SamplingStats()
	require.Equal(t, 1, st.Count)
}

func TestCollectorDefersSample(t *testing.T) {
	sim := hostsim.New()
	e := newTestEngine(t, sim)
	require.NoError(t, e.Install())
	require.NoError(t, e.Start())
	sim.SetStack(1, hostsim.Stack(100, 5))
	startThread(t, e, sim, 1)

	e.broadcast()
	sim.SetCollector(true)
	sim.PumpSafePoints()

	st, _ := e.SamplingStats()
	require.Zero(t, st.Count)
	require.Equal(t, uint64(1), st.SkippedCollector)

	sim.SetCollector(false)
	sampleOnce(e, sim)
	st, _ = e.SamplingStats()
	require.Equal(t, 1, st.Count)
}

func TestCapacityBound(t *testing.T) {
	sim := hostsim.New()
	e := newTestEngine(t, sim, WithMaxTraces(2))
	require.NoError(t, e.Install())
	require.NoError(t, e.Start())
	sim.SetStack(1, hostsim.Stack(100, 5))
	startThread(t, e, sim, 1)

	for i := 0; i < 3; i++ {
		sampleOnce(e, sim)
	}

	st, _ := e.SamplingStats()
	require.Equal(t, 2, st.Count)
	require.Equal(t, uint64(1), st.SkippedCapacity)

	snaps, ok := e.ExtractFrames()
	require.True(t, ok)
	require.Len(t, snaps, 2)
}

func TestStopSamplingReset(t *testing.T) {
	sim := hostsim.New()
	e := newTestEngine(t, sim)
	require.NoError(t, e.Install())
	require.NoError(t, e.Start())
	sim.SetStack(1, hostsim.Stack(100, 5))
	startThread(t, e, sim, 1)

	sampleOnce(e, sim)
	require.True(t, e.StopSampling(false))

	// Disabled: signals are ignored without counting a drop.
	sampleOnce(e, sim)
	st, _ := e.SamplingStats()
	require.Equal(t, 1, st.Count)
	require.False(t, st.Enabled)
	require.Zero(t, st.SkippedSignal)

	require.True(t, e.StartSampling())
	e.broadcast()
	e.broadcast() // second one is dropped on the pending slot
	sim.PumpSafePoints()

	require.True(t, e.StopSampling(true))
	st, _ = e.SamplingStats()
	require.Zero(t, st.Count)
	require.Zero(t, st.SkippedSignal)
	require.Zero(t, st.SkippedCollector)
	require.Zero(t, st.SkippedCapacity)
}

func TestWindowNesting(t *testing.T) {
	sim := hostsim.New()
	e := newTestEngine(t, sim, WithFrameTrim(0))
	require.NoError(t, e.Install())
	require.NoError(t, e.Start())
	startThread(t, e, sim, 1)

	sim.SetStack(1, hostsim.Stack(10, 2))
	sampleOnce(e, sim)
	sim.SetStack(1, hostsim.Stack(20, 2))
	sampleOnce(e, sim)

	// Inner span: window opens at the current write position.
	innerTrace, ok := e.CurrentTraceIndex()
	require.True(t, ok)
	require.Equal(t, 2, innerTrace)
	require.True(t, e.UpdateIndexes(0, innerTrace))

	sim.SetStack(1, hostsim.Stack(30, 2))
	sampleOnce(e, sim)

	snaps, ok := e.ExtractFrames()
	require.True(t, ok)
	require.Len(t, snaps, 1)
	require.Equal(t, host.FrameRef(30), snaps[0].Frames[0].Ref)

	// The caller restores the outer window; earlier samples are intact.
	require.True(t, e.UpdateIndexes(0, 0))
	sim.SetStack(1, hostsim.Stack(40, 2))
	sampleOnce(e, sim)

	snaps, ok = e.ExtractFrames()
	require.True(t, ok)
	require.Len(t, snaps, 3)
	require.Equal(t, host.FrameRef(10), snaps[0].Frames[0].Ref)
	require.Equal(t, host.FrameRef(20), snaps[1].Frames[0].Ref)
	require.Equal(t, host.FrameRef(40), snaps[2].Frames[0].Ref)
}

func TestCurrentFrameIndex(t *testing.T) {
	sim := hostsim.New()
	e := newTestEngine(t, sim)
	require.NoError(t, e.Install())
	startThread(t, e, sim, 1)

	sim.SetStack(1, hostsim.Stack(100, 5))
	n, ok := e.CurrentFrameIndex()
	require.True(t, ok)
	require.Equal(t, 4, n)

	sim.SetStack(1, hostsim.Stack(100, 1))
	n, ok = e.CurrentFrameIndex()
	require.True(t, ok)
	require.Zero(t, n)

	sim.SetStack(1, nil)
	n, ok = e.CurrentFrameIndex()
	require.True(t, ok)
	require.Zero(t, n)
}

func TestOpsRequireRegistration(t *testing.T) {
	sim := hostsim.New()
	e := newTestEngine(t, sim)
	require.NoError(t, e.Install())
	sim.SetCurrent(9)

	require.False(t, e.StartSampling())
	require.False(t, e.StopSampling(true))
	require.False(t, e.UpdateIndexes(0, 0))
	_, ok := e.CurrentTraceIndex()
	require.False(t, ok)
	_, ok = e.CurrentFrameIndex()
	require.False(t, ok)
	_, ok = e.ExtractFrames()
	require.False(t, ok)
	_, ok = e.SamplingStats()
	require.False(t, ok)

	require.True(t, e.RegisterThread())
	require.False(t, e.RegisterThread())
}

func TestFrameClassPassthrough(t *testing.T) {
	sim := hostsim.New()
	e := newTestEngine(t, sim)
	sim.SetClass(100, "Widget")

	name, ok := e.FrameClass(100)
	require.True(t, ok)
	require.Equal(t, "Widget", name)

	_, ok = e.FrameClass(101)
	require.False(t, ok)
}

type manualTimer struct {
	ch chan time.Time
}

func (m *manualTimer) C() <-chan time.Time { return m.ch }
func (m *manualTimer) Reset(time.Duration) {}
func (m *manualTimer) Stop() bool          { return true }

func TestDriverEndToEnd(t *testing.T) {
	sim := hostsim.New()
	timer := &manualTimer{ch: make(chan time.Time)}
	e, err := New(sim,
		WithMaxTraces(8),
		WithStackDepth(16),
		withTimer(func(time.Duration) driver.Timer { return timer }),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Uninstall() })

	require.NoError(t, e.Install())
	sim.SetStack(1, hostsim.Stack(100, 5))
	startThread(t, e, sim, 1)

	// Not running yet: a tick schedules nothing.
	timer.ch <- time.Time{}
	require.NoError(t, e.Start())

	// Running: the tick queues one broadcast job.
	timer.ch <- time.Time{}
	require.Eventually(t, func() bool { return sim.PendingJobs() > 0 },
		time.Second, time.Millisecond)

	// Pumping runs the broadcast, which signals the thread, which queues
	// and then runs the capture.
	sim.PumpSafePoints()
	st, ok := e.SamplingStats()
	require.True(t, ok)
	require.Equal(t, 1, st.Count)
	require.Equal(t, uint64(1), e.Stats().SignalsSent)
}

func TestBufferedRefsStayPinned(t *testing.T) {
	sim := hostsim.New()
	e := newTestEngine(t, sim, WithFrameTrim(0))
	require.NoError(t, e.Install())
	require.NoError(t, e.Start())
	sim.SetStack(1, hostsim.Stack(100, 2))
	startThread(t, e, sim, 1)

	sampleOnce(e, sim)
	require.Equal(t, []host.FrameRef{100, 101}, sim.PinnedRefs())

	_, ok := e.ExtractFrames()
	require.True(t, ok)
	require.Empty(t, sim.PinnedRefs())

	require.True(t, e.DeregisterThread())
	require.Zero(t, sim.RootCount())
}
