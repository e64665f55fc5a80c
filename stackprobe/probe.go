package stackprobe

import (
	"sync/atomic"

	"github.com/stackprobe-dev/stackprobe-go/host"
	"github.com/stackprobe-dev/stackprobe-go/internal/tracebuf"
)

// probe is the per-thread sampling state: the trace buffer plus the
// single-slot pending flag that connects the restricted handler context to
// the safe-point capture.
type probe struct {
	rt  host.Runtime
	buf *tracebuf.Buffer

	// inHandler is set from when a signal accepts a capture until that
	// capture finishes. A signal arriving while it is set is dropped.
	inHandler atomic.Bool

	// captureFn is capture, bound once at construction so deliver does
	// not allocate.
	captureFn func()

	// scratch backs CurrentFrameIndex captures. Owning thread only.
	scratch []host.Frame
}

func newProbe(rt host.Runtime, cfg *config) *probe {
	p := &probe{
		rt:      rt,
		buf:     tracebuf.New(cfg.maxTraces, cfg.stackDepth, cfg.frameTrim),
		scratch: make([]host.Frame, cfg.stackDepth),
	}
	p.captureFn = p.capture
	return p
}

// deliver handles the sampling signal in the restricted context of the
// probe's thread: atomic flag work and the safe-point enqueue, nothing
// else.
func (p *probe) deliver() {
	if !p.buf.Enabled() {
		return
	}
	if !p.inHandler.CompareAndSwap(false, true) {
		p.buf.SkipSignal()
		return
	}
	if !p.rt.ScheduleSafePoint(p.captureFn) {
		p.buf.SkipSignal()
		p.inHandler.Store(false)
	}
}

// capture records one sample. It runs at a safe point on the probe's
// thread.
func (p *probe) capture() {
	defer p.inHandler.Store(false)
	if !p.buf.Enabled() {
		return
	}
	if p.rt.CollectorRunning() {
		p.buf.SkipCollector()
		return
	}
	slot, ok := p.buf.Claim()
	if !ok {
		p.buf.SkipCapacity()
		return
	}
	n := p.rt.CaptureStack(0, slot)
	p.buf.Commit(n)
}
