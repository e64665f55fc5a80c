// Package gohost adapts pools of cooperating goroutines to the engine's
// host.Runtime surface, for embedders whose interpreter or worker loops run
// on goroutines. A goroutine joins with Attach and then calls Poll at its
// unit-of-work boundaries; Poll is the safe point where pending sampling
// signals are handled. Signal delivery is cooperative (a flag checked by
// Poll) because the Go runtime owns real signal handling.
package gohost

import (
	"bytes"
	"errors"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/stackprobe-dev/stackprobe-go/host"
)

// ErrNoThread is returned by SignalThread for ids that are not attached.
var ErrNoThread = errors.New("no such thread")

// ErrHandlerInstalled is returned by InstallHandler when a handler is
// already in place.
var ErrHandlerInstalled = errors.New("sampling handler already installed")

// Option to configure the adapter.
type Option interface {
	apply(*config)
}

type config struct {
	osThreads      bool
	collectorProbe func() bool
}

type optionFunc func(cfg *config)

func (f optionFunc) apply(cfg *config) {
	f(cfg)
}

// WithOSThreads pins attached goroutines to their OS threads and uses real
// thread ids, with liveness probed through the platform where supported.
// On platforms without thread id support the adapter falls back to
// synthetic ids.
func WithOSThreads() Option {
	return optionFunc(func(cfg *config) {
		cfg.osThreads = true
	})
}

// WithCollectorProbe sets the function backing CollectorRunning. The
// default reports false.
func WithCollectorProbe(f func() bool) Option {
	return optionFunc(func(cfg *config) {
		cfg.collectorProbe = f
	})
}

// Runtime implements host.Runtime over attached goroutines.
type Runtime struct {
	osThreads      bool
	collectorProbe func() bool

	handler atomic.Pointer[host.Handler]
	nextID  atomic.Uint64

	byGoid  sync.Map // goroutine id -> *Thread
	byID    sync.Map // host.ThreadID -> *Thread
	classes sync.Map // host.FrameRef -> string
}

// New returns an adapter ready for goroutines to Attach.
func New(opts ...Option) *Runtime {
	cfg := config{
		collectorProbe: func() bool { return false },
	}
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	return &Runtime{
		osThreads:      cfg.osThreads && osThreadsSupported,
		collectorProbe: cfg.collectorProbe,
	}
}

// Thread is one attached goroutine.
type Thread struct {
	r    *Runtime
	id   host.ThreadID
	goid uint64

	// signaled is the delivery bit: set by SignalThread, consumed by the
	// next Poll.
	signaled atomic.Bool
}

// ID returns the thread's identity.
func (t *Thread) ID() host.ThreadID { return t.id }

// Attach registers the calling goroutine and returns its thread. Attaching
// an already attached goroutine returns the existing thread. With OS
// threads enabled the goroutine is pinned to its thread until Detach.
func (r *Runtime) Attach() *Thread {
	gid := currentGoID()
	if v, ok := r.byGoid.Load(gid); ok {
		return v.(*Thread)
	}
	var id host.ThreadID
	if r.osThreads {
		runtime.LockOSThread()
		id = host.ThreadID(osThreadID())
	} else {
		id = host.ThreadID(r.nextID.Add(1))
	}
	t := &Thread{r: r, id: id, goid: gid}
	r.byGoid.Store(gid, t)
	r.byID.Store(id, t)
	return t
}

// Detach unregisters the thread. It must be called on the goroutine that
// attached, before it exits.
func (t *Thread) Detach() {
	t.r.byGoid.Delete(t.goid)
	t.r.byID.Delete(t.id)
	if t.r.osThreads {
		runtime.UnlockOSThread()
	}
}

// Poll is the thread's safe point. A sampling signal delivered since the
// last Poll is handled here, on this goroutine.
func (t *Thread) Poll() {
	if !t.signaled.CompareAndSwap(true, false) {
		return
	}
	h := t.r.handler.Load()
	if h == nil {
		return
	}
	(*h)(t.id)
}

const (
	// Frames from these packages are capture plumbing, not sampled code.
	adapterPkgPrefix = "github.com/stackprobe-dev/stackprobe-go/gohost."
	enginePkgPrefix  = "github.com/stackprobe-dev/stackprobe-go/stackprobe."

	// filterHeadroom is how many extra program counters are captured to
	// make room for the plumbing frames that get filtered back out.
	filterHeadroom = 32
)

func isPlumbingFrame(fn string) bool {
	return strings.HasPrefix(fn, adapterPkgPrefix) ||
		strings.HasPrefix(fn, enginePkgPrefix)
}

var pcPool = sync.Pool{
	New: func() any {
		b := make([]uintptr, 512+filterHeadroom)
		return &b
	},
}

// CaptureStack implements host.Runtime. Frame references are program
// counters; plumbing frames between the sampled code and the capture are
// excluded, so the newest frame is the caller of Poll (or of CaptureStack
// when called directly).
func (r *Runtime) CaptureStack(skip int, frames []host.Frame) int {
	bp := pcPool.Get().(*[]uintptr)
	pcs := *bp
	need := len(frames) + filterHeadroom
	if need > len(pcs) {
		pcs = make([]uintptr, need)
		*bp = pcs
	}
	// 2 skips runtime.Callers and CaptureStack itself.
	n := runtime.Callers(2, pcs[:need])
	iter := runtime.CallersFrames(pcs[:n])
	out := 0
	for out < len(frames) {
		fr, more := iter.Next()
		if fr.PC != 0 && !isPlumbingFrame(fr.Function) {
			if skip > 0 {
				skip--
			} else {
				r.classes.LoadOrStore(host.FrameRef(fr.PC), fr.Function)
				frames[out] = host.Frame{Ref: host.FrameRef(fr.PC), Line: int32(fr.Line)}
				out++
			}
		}
		if !more {
			break
		}
	}
	pcPool.Put(bp)
	return out
}

// CollectorRunning implements host.Runtime.
func (r *Runtime) CollectorRunning() bool { return r.collectorProbe() }

// RegisterRoot implements host.Runtime. Go's collector already scans the
// buffer storage itself and frame references are program counters, so
// there is nothing to pin.
func (r *Runtime) RegisterRoot(host.Root) {}

// UnregisterRoot implements host.Runtime.
func (r *Runtime) UnregisterRoot(host.Root) {}

// ScheduleSafePoint implements host.Runtime by running fn immediately: the
// installed handler only ever runs inside Poll, which is a safe point on
// the right goroutine, and the driver's broadcast jobs are thread
// agnostic.
func (r *Runtime) ScheduleSafePoint(fn func()) bool {
	fn()
	return true
}

// FrameClass implements host.Runtime: the fully qualified function name of
// the program counter.
func (r *Runtime) FrameClass(ref host.FrameRef) (string, bool) {
	if v, ok := r.classes.Load(ref); ok {
		return v.(string), true
	}
	iter := runtime.CallersFrames([]uintptr{uintptr(ref)})
	fr, _ := iter.Next()
	if fr.Function == "" {
		return "", false
	}
	r.classes.LoadOrStore(ref, fr.Function)
	return fr.Function, true
}

// CurrentThread implements host.Runtime. It returns 0 for goroutines that
// never attached.
func (r *Runtime) CurrentThread() host.ThreadID {
	v, ok := r.byGoid.Load(currentGoID())
	if !ok {
		return 0
	}
	return v.(*Thread).id
}

// ThreadAlive implements host.Runtime: the thread must still be attached,
// and with OS threads enabled its thread must also pass a no-op signal
// probe.
func (r *Runtime) ThreadAlive(id host.ThreadID) bool {
	if _, ok := r.byID.Load(id); !ok {
		return false
	}
	if r.osThreads {
		return osThreadAlive(uint64(id))
	}
	return true
}

// SignalThread implements host.Runtime by setting the thread's delivery
// bit; the handler runs at the thread's next Poll.
func (r *Runtime) SignalThread(id host.ThreadID) error {
	v, ok := r.byID.Load(id)
	if !ok {
		return ErrNoThread
	}
	v.(*Thread).signaled.Store(true)
	return nil
}

// InstallHandler implements host.Runtime.
func (r *Runtime) InstallHandler(h host.Handler) error {
	if !r.handler.CompareAndSwap(nil, &h) {
		return ErrHandlerInstalled
	}
	return nil
}

var goroutineSpace = []byte("goroutine ")

// currentGoID parses this goroutine's id from the first line of
// runtime.Stack output ("goroutine 123 [running]:").
func currentGoID() uint64 {
	var buf [48]byte
	n := runtime.Stack(buf[:], false)
	s := bytes.TrimPrefix(buf[:n], goroutineSpace)
	var id uint64
	for _, c := range s {
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + uint64(c-'0')
	}
	return id
}
