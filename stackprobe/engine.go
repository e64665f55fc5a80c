// Package stackprobe implements a cross-thread sampling profiler engine
// for managed runtimes. A background driver periodically asks the host to
// broadcast a sampling signal to every registered thread; each thread's
// signal handler defers the actual stack capture to a safe point, where
// the sample is recorded into that thread's fixed-capacity buffer. Threads
// read their samples back in windows delimited by UpdateIndexes and
// ExtractFrames.
//
// The engine talks to the runtime exclusively through host.Runtime.
package stackprobe

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/stackprobe-dev/stackprobe-go/host"
	"github.com/stackprobe-dev/stackprobe-go/internal/driver"
	"github.com/stackprobe-dev/stackprobe-go/internal/registry"
	"github.com/stackprobe-dev/stackprobe-go/internal/tracebuf"
)

// Snapshot is one extracted stack sample, newest call first.
type Snapshot = tracebuf.Snapshot

// ThreadStats is a point-in-time copy of a thread's sampling cursors and
// drop counters.
type ThreadStats = tracebuf.Stats

// Option to configure the engine.
type Option interface {
	apply(*config)
}

type config struct {
	interval    time.Duration
	maxTraces   int
	stackDepth  int
	frameTrim   int
	errorLogger func(err error)
	newTimer    func(time.Duration) driver.Timer
}

const (
	defaultInterval   = time.Millisecond
	defaultMaxTraces  = 2000
	defaultStackDepth = 512
	defaultFrameTrim  = 2

	ENV_INTERVAL = "STACKPROBE_INTERVAL"
)

func makeDefaultConfig() config {
	cfg := config{
		interval:    defaultInterval,
		maxTraces:   defaultMaxTraces,
		stackDepth:  defaultStackDepth,
		frameTrim:   defaultFrameTrim,
		errorLogger: func(err error) {},
		newTimer:    driver.NewTimer,
	}
	if v := os.Getenv(ENV_INTERVAL); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.interval = d
		}
	}
	return cfg
}

type optionFunc func(cfg *config)

func (f optionFunc) apply(cfg *config) {
	f(cfg)
}

// WithInterval sets the sampling interval. Defaults to the
// STACKPROBE_INTERVAL environment variable if this option is not used, and
// to 1ms if that is not set either.
func WithInterval(d time.Duration) Option {
	return optionFunc(func(cfg *config) {
		cfg.interval = d
	})
}

// WithMaxTraces sets how many samples each thread's buffer holds before
// further samples are dropped.
func WithMaxTraces(n int) Option {
	return optionFunc(func(cfg *config) {
		cfg.maxTraces = n
	})
}

// WithStackDepth sets the maximum number of frames captured per sample.
func WithStackDepth(n int) Option {
	return optionFunc(func(cfg *config) {
		cfg.stackDepth = n
	})
}

// WithFrameTrim sets how many frames beyond the start frame index are cut
// from the bottom of every sample; samples with nothing left are dropped.
func WithFrameTrim(n int) Option {
	return optionFunc(func(cfg *config) {
		cfg.frameTrim = n
	})
}

// WithErrorLogger sets a function to be called with errors (for example
// for logging them).
func WithErrorLogger(f func(err error)) Option {
	return optionFunc(func(cfg *config) {
		cfg.errorLogger = f
	})
}

// withTimer overrides the driver's timer; a test seam.
func withTimer(f func(time.Duration) driver.Timer) Option {
	return optionFunc(func(cfg *config) {
		cfg.newTimer = f
	})
}

var (
	// ErrInstalled is returned by Install when the engine is already
	// installed.
	ErrInstalled = errors.New("engine already installed")
	// ErrNotInstalled is returned by operations that need a prior Install.
	ErrNotInstalled = errors.New("engine not installed")
	// ErrUninstalled is returned once Uninstall has retired the engine.
	ErrUninstalled = errors.New("engine uninstalled")
)

// Status describes the engine lifecycle state.
type Status int

const (
	// Uninstalled: before Install, and again for good after Uninstall.
	Uninstalled Status = iota
	// Installed: handler in place, sampling off.
	Installed
	// Running: sampling on.
	Running
)

func (s Status) String() string {
	switch s {
	case Uninstalled:
		return "uninstalled"
	case Installed:
		return "installed"
	case Running:
		return "running"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// EngineStats is a point-in-time copy of the engine-wide counters.
type EngineStats struct {
	Status      Status
	Threads     int
	Broadcasts  uint64
	SignalsSent uint64
	Unreachable uint64
}

// Engine ties the thread registry, the per-thread buffers and the
// broadcast driver to one host runtime. A process typically has exactly
// one.
type Engine struct {
	cfg config
	rt  host.Runtime
	id  uuid.UUID

	// Lifecycle flags. installed and uninstalled are sticky: once an
	// engine is uninstalled it cannot come back.
	installed   atomic.Bool
	uninstalled atomic.Bool
	running     atomic.Bool

	// threads lists registered thread ids for the broadcast walk; probes
	// maps them to their sampling state. probes is the only lookup
	// performed in the restricted handler context.
	threads registry.List[host.ThreadID]
	probes  sync.Map // host.ThreadID -> *probe

	drv *driver.Driver

	broadcasts  atomic.Uint64
	signals     atomic.Uint64
	unreachable atomic.Uint64
}

// New returns an engine bound to rt.
func New(rt host.Runtime, opts ...Option) (*Engine, error) {
	cfg := makeDefaultConfig()
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	if cfg.interval <= 0 {
		return nil, fmt.Errorf("invalid sampling interval %v", cfg.interval)
	}
	if cfg.maxTraces <= 0 {
		return nil, fmt.Errorf("invalid trace capacity %d", cfg.maxTraces)
	}
	if cfg.stackDepth <= 0 {
		return nil, fmt.Errorf("invalid stack depth %d", cfg.stackDepth)
	}
	if cfg.frameTrim < 0 {
		return nil, fmt.Errorf("invalid frame trim %d", cfg.frameTrim)
	}
	e := &Engine{
		cfg: cfg,
		rt:  rt,
		id:  uuid.New(),
	}
	e.drv = driver.New(driver.Config{
		Interval:  cfg.interval,
		Host:      rt,
		Running:   e.running.Load,
		Broadcast: e.broadcast,
		OnError:   cfg.errorLogger,
		NewTimer:  cfg.newTimer,
	})
	return e, nil
}

// ID identifies this engine instance.
func (e *Engine) ID() uuid.UUID {
	return e.id
}

// Install installs the sampling signal handler and launches the broadcast
// driver. It succeeds at most once per engine, and never again after
// Uninstall.
func (e *Engine) Install() error {
	if e.uninstalled.Load() {
		return ErrUninstalled
	}
	if !e.installed.CompareAndSwap(false, true) {
		return ErrInstalled
	}
	if err := e.rt.InstallHandler(e.dispatch); err != nil {
		// The handler never made it in; allow a later retry.
		e.installed.Store(false)
		return fmt.Errorf("installing sampling handler: %w", err)
	}
	e.drv.Start()
	return nil
}

// Start turns sampling on. Threads still opt in individually with
// StartSampling.
func (e *Engine) Start() error {
	if e.uninstalled.Load() {
		return ErrUninstalled
	}
	if !e.installed.Load() {
		return ErrNotInstalled
	}
	e.running.Store(true)
	return nil
}

// Stop turns sampling off. Per-thread buffers keep their contents.
func (e *Engine) Stop() error {
	if e.uninstalled.Load() {
		return ErrUninstalled
	}
	if !e.installed.Load() {
		return ErrNotInstalled
	}
	e.running.Store(false)
	return nil
}

// Uninstall retires the engine: sampling stops and the driver is told to
// exit. It does not wait for an in-flight broadcast to finish, and the
// engine cannot be installed again.
func (e *Engine) Uninstall() error {
	if !e.installed.Load() {
		return ErrNotInstalled
	}
	if !e.uninstalled.CompareAndSwap(false, true) {
		return ErrUninstalled
	}
	e.running.Store(false)
	e.drv.Stop()
	return nil
}

// Status returns the engine lifecycle state.
func (e *Engine) Status() Status {
	switch {
	case !e.installed.Load() || e.uninstalled.Load():
		return Uninstalled
	case e.running.Load():
		return Running
	default:
		return Installed
	}
}

// Stats returns the engine-wide counters.
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		Status:      e.Status(),
		Threads:     e.threads.Len(),
		Broadcasts:  e.broadcasts.Load(),
		SignalsSent: e.signals.Load(),
		Unreachable: e.unreachable.Load(),
	}
}

// dispatch is the installed sampling handler. Restricted context: a
// lock-free map lookup and atomic flag work, nothing else. A signal for a
// thread that deregistered while the signal was in flight finds no probe
// and is dropped here.
func (e *Engine) dispatch(id host.ThreadID) {
	v, ok := e.probes.Load(id)
	if !ok {
		return
	}
	v.(*probe).deliver()
}

// broadcast walks the registry and signals every live registered thread.
// It runs at a host safe point. When a registration or removal holds the
// registry lock, the whole round is skipped rather than waited for.
func (e *Engine) broadcast() {
	e.broadcasts.Add(1)
	e.threads.TryWalk(func(id host.ThreadID) {
		if !e.rt.ThreadAlive(id) {
			e.unreachable.Add(1)
			return
		}
		if err := e.rt.SignalThread(id); err != nil {
			e.unreachable.Add(1)
			e.cfg.errorLogger(fmt.Errorf("signaling thread %d: %w", id, err))
			return
		}
		e.signals.Add(1)
	})
}

// RegisterThread registers the calling thread for sampling: its buffer is
// allocated up front and pinned as a collector root. It reports false if
// the thread is already registered.
func (e *Engine) RegisterThread() bool {
	id := e.rt.CurrentThread()
	if _, ok := e.probes.Load(id); ok {
		return false
	}
	p := newProbe(e.rt, &e.cfg)
	if _, loaded := e.probes.LoadOrStore(id, p); loaded {
		return false
	}
	e.rt.RegisterRoot(p.buf)
	e.threads.Add(id)
	return true
}

// DeregisterThread removes the calling thread from sampling and releases
// its collector root. It reports false if the thread is not registered.
func (e *Engine) DeregisterThread() bool {
	id := e.rt.CurrentThread()
	// Leave the broadcast list first so no new signal is aimed at the
	// thread while its probe is being torn down.
	e.threads.Remove(id)
	v, ok := e.probes.LoadAndDelete(id)
	if !ok {
		return false
	}
	p := v.(*probe)
	p.buf.SetEnabled(false)
	e.rt.UnregisterRoot(p.buf)
	return true
}

func (e *Engine) probeSelf() *probe {
	v, ok := e.probes.Load(e.rt.CurrentThread())
	if !ok {
		return nil
	}
	return v.(*probe)
}

// StartSampling enables sampling for the calling thread.
func (e *Engine) StartSampling() bool {
	p := e.probeSelf()
	if p == nil {
		return false
	}
	p.buf.SetEnabled(true)
	return true
}

// StopSampling disables sampling for the calling thread. With reset, the
// buffered samples and the drop counters are discarded too.
func (e *Engine) StopSampling(reset bool) bool {
	p := e.probeSelf()
	if p == nil {
		return false
	}
	p.buf.SetEnabled(false)
	if reset {
		p.buf.Reset()
	}
	return true
}

// UpdateIndexes positions the calling thread's capture window: frameIndex
// is the stack depth where the span being measured starts, traceIndex the
// sample index where its samples begin. Callers nest spans by saving and
// restoring the two indexes around inner spans.
func (e *Engine) UpdateIndexes(frameIndex, traceIndex int) bool {
	p := e.probeSelf()
	if p == nil {
		return false
	}
	p.buf.UpdateIndexes(frameIndex, traceIndex)
	return true
}

// CurrentTraceIndex returns the number of samples the calling thread's
// buffer currently holds, which is where the next span's window starts.
func (e *Engine) CurrentTraceIndex() (int, bool) {
	p := e.probeSelf()
	if p == nil {
		return 0, false
	}
	return p.buf.Count(), true
}

// CurrentFrameIndex measures the calling thread's stack depth for use as a
// start frame index: one less than the captured depth, so the frame making
// this call is not charged to the span.
func (e *Engine) CurrentFrameIndex() (int, bool) {
	p := e.probeSelf()
	if p == nil {
		return 0, false
	}
	n := e.rt.CaptureStack(0, p.scratch)
	if n > 1 {
		return n - 1, true
	}
	return 0, true
}

// ExtractFrames drains the calling thread's current window and hands the
// samples back; the buffer's write position returns to the window start.
func (e *Engine) ExtractFrames() ([]Snapshot, bool) {
	p := e.probeSelf()
	if p == nil {
		return nil, false
	}
	return p.buf.Extract(), true
}

// SamplingStats returns the calling thread's cursors and drop counters.
func (e *Engine) SamplingStats() (ThreadStats, bool) {
	p := e.probeSelf()
	if p == nil {
		return ThreadStats{}, false
	}
	return p.buf.Stats(), true
}

// FrameClass resolves the name of the class defining the code of ref.
func (e *Engine) FrameClass(ref host.FrameRef) (string, bool) {
	return e.rt.FrameClass(ref)
}
