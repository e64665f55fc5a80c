// Package driver runs the sampling interval loop. On every tick it asks the
// host to run the broadcast callback at the next safe point, keeping at
// most one such job outstanding at a time.
package driver

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// ErrScheduleFailed is reported through the error callback when the host
// refuses a broadcast job.
var ErrScheduleFailed = errors.New("safe-point queue refused broadcast job")

// Host is the slice of the runtime surface the driver needs.
type Host interface {
	CollectorRunning() bool
	ScheduleSafePoint(fn func()) bool
}

// Timer abstracts time.Timer so tests can drive ticks deterministically.
type Timer interface {
	C() <-chan time.Time
	Reset(d time.Duration)
	Stop() bool
}

type realTimer struct {
	t *time.Timer
}

func (r realTimer) C() <-chan time.Time   { return r.t.C }
func (r realTimer) Reset(d time.Duration) { r.t.Reset(d) }
func (r realTimer) Stop() bool            { return r.t.Stop() }

// NewTimer returns a Timer backed by time.Timer.
func NewTimer(d time.Duration) Timer {
	return realTimer{t: time.NewTimer(d)}
}

// Config configures a Driver. Broadcast runs at a host safe point; it walks
// the thread registry and delivers the sampling signal.
type Config struct {
	Interval  time.Duration
	Host      Host
	Running   func() bool
	Broadcast func()
	OnError   func(error)
	// NewTimer is a test seam; nil means a real timer.
	NewTimer func(time.Duration) Timer
}

// Driver is the background interval loop. Start and Stop are each called at
// most once.
type Driver struct {
	cfg Config

	// jobRegistered is set while a broadcast job is queued or running, so
	// a slow safe point never accumulates a backlog of jobs.
	jobRegistered atomic.Bool

	cancel context.CancelFunc
}

// New returns a driver ready to Start.
func New(cfg Config) *Driver {
	if cfg.NewTimer == nil {
		cfg.NewTimer = NewTimer
	}
	if cfg.OnError == nil {
		cfg.OnError = func(error) {}
	}
	return &Driver{cfg: cfg}
}

// Start launches the interval loop on a new goroutine.
func (d *Driver) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	go d.run(ctx)
}

// Stop cancels the loop. It does not wait for an in-flight tick or
// broadcast to finish.
func (d *Driver) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
}

func (d *Driver) run(ctx context.Context) {
	t := d.cfg.NewTimer(d.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
		}
		d.tick()
		t.Reset(d.cfg.Interval)
	}
}

func (d *Driver) tick() {
	if !d.cfg.Running() {
		return
	}
	if d.cfg.Host.CollectorRunning() {
		return
	}
	if !d.jobRegistered.CompareAndSwap(false, true) {
		return
	}
	if !d.cfg.Host.ScheduleSafePoint(d.job) {
		d.jobRegistered.Store(false)
		d.cfg.OnError(ErrScheduleFailed)
	}
}

// job runs at a host safe point.
func (d *Driver) job() {
	defer d.jobRegistered.Store(false)
	d.cfg.Broadcast()
}
