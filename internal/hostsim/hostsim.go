// Package hostsim provides a scripted host.Runtime. Signals are delivered
// synchronously, safe-point jobs queue until the test pumps them, stacks
// and class names are set by script. It exists so engine behavior can be
// tested without a real runtime underneath.
package hostsim

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/stackprobe-dev/stackprobe-go/host"
)

type job struct {
	thread host.ThreadID
	fn     func()
}

// Host implements host.Runtime under test control. All methods are safe for
// concurrent use.
type Host struct {
	collector atomic.Bool

	mu struct {
		sync.Mutex
		current  host.ThreadID
		handler  host.Handler
		installs int
		refuse   bool
		alive    map[host.ThreadID]bool
		stacks   map[host.ThreadID][]host.Frame
		classes  map[host.FrameRef]string
		roots    []host.Root
		pending  []job
		signals  []host.ThreadID
	}
}

func New() *Host {
	h := &Host{}
	h.mu.alive = make(map[host.ThreadID]bool)
	h.mu.stacks = make(map[host.ThreadID][]host.Frame)
	h.mu.classes = make(map[host.FrameRef]string)
	return h
}

// Stack builds a scripted stack of depth frames with references starting at
// base, newest call first.
func Stack(base host.FrameRef, depth int) []host.Frame {
	frames := make([]host.Frame, depth)
	for i := range frames {
		frames[i] = host.Frame{Ref: base + host.FrameRef(i), Line: int32(i + 1)}
	}
	return frames
}

// SetCurrent makes id the calling thread for subsequent operations and
// marks it alive.
func (h *Host) SetCurrent(id host.ThreadID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mu.current = id
	h.mu.alive[id] = true
}

// SetAlive scripts the liveness of id.
func (h *Host) SetAlive(id host.ThreadID, alive bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mu.alive[id] = alive
}

// SetStack scripts the stack returned by CaptureStack on id.
func (h *Host) SetStack(id host.ThreadID, frames []host.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mu.stacks[id] = frames
}

// SetClass scripts the class name of ref.
func (h *Host) SetClass(ref host.FrameRef, name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mu.classes[ref] = name
}

// SetCollector scripts the collector flag.
func (h *Host) SetCollector(on bool) { h.collector.Store(on) }

// RefuseSafePoints makes ScheduleSafePoint fail until turned off.
func (h *Host) RefuseSafePoints(refuse bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mu.refuse = refuse
}

// PumpSafePoints runs queued safe-point jobs, each on its recorded thread,
// until the queue is empty. It returns the number of jobs run.
func (h *Host) PumpSafePoints() int {
	n := 0
	for {
		h.mu.Lock()
		if len(h.mu.pending) == 0 {
			h.mu.Unlock()
			return n
		}
		j := h.mu.pending[0]
		h.mu.pending = h.mu.pending[1:]
		prev := h.mu.current
		h.mu.current = j.thread
		h.mu.Unlock()

		j.fn()

		h.mu.Lock()
		h.mu.current = prev
		h.mu.Unlock()
		n++
	}
}

// Signals returns the threads that received a signal, in delivery order.
func (h *Host) Signals() []host.ThreadID {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]host.ThreadID, len(h.mu.signals))
	copy(out, h.mu.signals)
	return out
}

// Installs returns how many times InstallHandler was called.
func (h *Host) Installs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mu.installs
}

// RootCount returns the number of registered roots.
func (h *Host) RootCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.mu.roots)
}

// PinnedRefs visits every registered root and returns the references it
// would keep alive, emulating a collector mark pass.
func (h *Host) PinnedRefs() []host.FrameRef {
	h.mu.Lock()
	roots := make([]host.Root, len(h.mu.roots))
	copy(roots, h.mu.roots)
	h.mu.Unlock()

	var refs []host.FrameRef
	for _, r := range roots {
		r.VisitFrames(func(ref host.FrameRef) { refs = append(refs, ref) })
	}
	return refs
}

// PendingJobs returns the number of queued safe-point jobs.
func (h *Host) PendingJobs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.mu.pending)
}

// CaptureStack implements host.Runtime.
func (h *Host) CaptureStack(skip int, frames []host.Frame) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	stack := h.mu.stacks[h.mu.current]
	if skip >= len(stack) {
		return 0
	}
	return copy(frames, stack[skip:])
}

// CollectorRunning implements host.Runtime.
func (h *Host) CollectorRunning() bool { return h.collector.Load() }

// RegisterRoot implements host.Runtime.
func (h *Host) RegisterRoot(r host.Root) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mu.roots = append(h.mu.roots, r)
}

// UnregisterRoot implements host.Runtime.
func (h *Host) UnregisterRoot(r host.Root) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, have := range h.mu.roots {
		if have == r {
			h.mu.roots = append(h.mu.roots[:i], h.mu.roots[i+1:]...)
			return
		}
	}
}

// ScheduleSafePoint implements host.Runtime. The job is tagged with the
// current thread and runs on it when the test pumps the queue.
func (h *Host) ScheduleSafePoint(fn func()) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.mu.refuse {
		return false
	}
	h.mu.pending = append(h.mu.pending, job{thread: h.mu.current, fn: fn})
	return true
}

// FrameClass implements host.Runtime.
func (h *Host) FrameClass(ref host.FrameRef) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	name, ok := h.mu.classes[ref]
	return name, ok
}

// CurrentThread implements host.Runtime.
func (h *Host) CurrentThread() host.ThreadID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mu.current
}

// ThreadAlive implements host.Runtime.
func (h *Host) ThreadAlive(id host.ThreadID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mu.alive[id]
}

// SignalThread implements host.Runtime. Delivery is synchronous: the
// installed handler runs before SignalThread returns, with the current
// thread switched to the target for its duration.
func (h *Host) SignalThread(id host.ThreadID) error {
	h.mu.Lock()
	if !h.mu.alive[id] {
		h.mu.Unlock()
		return fmt.Errorf("signal thread %d: no such thread", id)
	}
	handler := h.mu.handler
	prev := h.mu.current
	h.mu.current = id
	h.mu.signals = append(h.mu.signals, id)
	h.mu.Unlock()

	if handler != nil {
		handler(id)
	}

	h.mu.Lock()
	h.mu.current = prev
	h.mu.Unlock()
	return nil
}

// InstallHandler implements host.Runtime.
func (h *Host) InstallHandler(handler host.Handler) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mu.installs++
	if h.mu.handler != nil {
		return errors.New("sampling handler already installed")
	}
	h.mu.handler = handler
	return nil
}
