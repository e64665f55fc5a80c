// Package tracebuf implements the per-thread sample buffer: a fixed
// capacity array of stack snapshots plus the atomic cursors that the
// sampling paths coordinate through.
//
// Every cursor is atomic because the fields are read across threads (the
// restricted signal handler reads the enabled flag, the collector reads the
// committed region through VisitFrames), but each cursor has a single
// writer: the thread that owns the buffer. Claim/Commit, Extract, Reset and
// the index setters must only be called on the owning thread. The skip
// counters are the exception; they are incremented wherever a sample is
// dropped, including from the restricted handler context, and atomic adds
// are the only operation used there.
package tracebuf

import (
	"sync/atomic"

	"github.com/stackprobe-dev/stackprobe-go/host"
)

// Snapshot is one extracted stack sample, newest call first.
type Snapshot struct {
	Frames []host.Frame
}

// Stats is a point-in-time copy of the buffer's cursors and drop counters.
type Stats struct {
	Enabled         bool
	Count           int
	StartTraceIndex int
	StartFrameIndex int

	SkippedCollector uint64
	SkippedSignal    uint64
	SkippedCapacity  uint64
}

// Buffer holds up to maxTraces snapshots of up to stackDepth frames each.
// Storage is allocated once, up front; the capture path never allocates.
type Buffer struct {
	maxTraces  int
	stackDepth int
	trim       int

	enabled    atomic.Bool
	startFrame atomic.Int32
	startTrace atomic.Int32
	count      atomic.Int32

	skipCollector atomic.Uint64
	skipSignal    atomic.Uint64
	skipCapacity  atomic.Uint64

	frames []host.Frame // maxTraces slots of stackDepth entries each
	lens   []int32      // committed length of each slot
}

// New returns a buffer for maxTraces snapshots of stackDepth frames.
// Snapshots shallower than trim frames beyond the start frame index are
// discarded at commit time, and trim frames are cut from the bottom of
// every kept snapshot.
func New(maxTraces, stackDepth, trim int) *Buffer {
	return &Buffer{
		maxTraces:  maxTraces,
		stackDepth: stackDepth,
		trim:       trim,
		frames:     make([]host.Frame, maxTraces*stackDepth),
		lens:       make([]int32, maxTraces),
	}
}

// Enabled reports whether sampling is on. Safe from the restricted handler
// context.
func (b *Buffer) Enabled() bool { return b.enabled.Load() }

// SetEnabled turns sampling on or off.
func (b *Buffer) SetEnabled(on bool) { b.enabled.Store(on) }

// UpdateIndexes positions the capture window: frame is the stack depth at
// which the current span started, trace the snapshot index where its
// samples begin.
func (b *Buffer) UpdateIndexes(frame, trace int) {
	b.startFrame.Store(int32(frame))
	b.startTrace.Store(int32(trace))
}

// Count returns the number of committed snapshots.
func (b *Buffer) Count() int { return int(b.count.Load()) }

// Claim returns the storage for the next snapshot slot, or false when the
// buffer is at capacity. The slot is not visible to readers until Commit.
func (b *Buffer) Claim() ([]host.Frame, bool) {
	i := int(b.count.Load())
	if i >= b.maxTraces {
		return nil, false
	}
	return b.frames[i*b.stackDepth : (i+1)*b.stackDepth], true
}

// Commit publishes the snapshot captured into the slot returned by Claim.
// n is the total number of frames captured. The frames below the start
// frame index belong to the enclosing scope and are cut, as are trim
// further frames at the bottom; if nothing remains the snapshot is
// discarded and Commit reports false.
func (b *Buffer) Commit(n int) bool {
	kept := n - int(b.startFrame.Load()) - b.trim
	if kept <= 0 {
		return false
	}
	i := b.count.Load()
	b.lens[i] = int32(kept)
	b.count.Store(i + 1)
	return true
}

// Extract returns the snapshots recorded since the window start and moves
// the write cursor back to it, so that an enclosing window keeps its
// earlier samples and loses nothing to the window just drained. A second
// Extract without new samples returns nothing.
func (b *Buffer) Extract() []Snapshot {
	start := int(b.startTrace.Load())
	count := int(b.count.Load())
	var out []Snapshot
	for i := start; i < count; i++ {
		n := int(b.lens[i])
		if n == 0 {
			continue
		}
		frames := make([]host.Frame, n)
		copy(frames, b.frames[i*b.stackDepth:i*b.stackDepth+n])
		out = append(out, Snapshot{Frames: frames})
	}
	if count > start {
		b.count.Store(int32(start))
	}
	return out
}

// Reset discards all committed snapshots and zeroes the drop counters.
func (b *Buffer) Reset() {
	b.count.Store(0)
	b.skipCollector.Store(0)
	b.skipSignal.Store(0)
	b.skipCapacity.Store(0)
}

// SkipCollector records a sample dropped because the collector was active.
func (b *Buffer) SkipCollector() { b.skipCollector.Add(1) }

// SkipSignal records a sample dropped in the restricted handler context,
// either because a capture was already pending or because the safe-point
// queue refused the job. Safe from the restricted handler context.
func (b *Buffer) SkipSignal() { b.skipSignal.Add(1) }

// SkipCapacity records a sample dropped because the buffer was full.
func (b *Buffer) SkipCapacity() { b.skipCapacity.Add(1) }

// Stats returns a copy of the cursors and counters.
func (b *Buffer) Stats() Stats {
	return Stats{
		Enabled:          b.enabled.Load(),
		Count:            int(b.count.Load()),
		StartTraceIndex:  int(b.startTrace.Load()),
		StartFrameIndex:  int(b.startFrame.Load()),
		SkippedCollector: b.skipCollector.Load(),
		SkippedSignal:    b.skipSignal.Load(),
		SkippedCapacity:  b.skipCapacity.Load(),
	}
}

// VisitFrames implements host.Root: it visits the frame references of every
// committed snapshot so the host's collector keeps them alive. It may run
// on the collector's thread concurrently with sampling; it only sees slots
// published by Commit.
func (b *Buffer) VisitFrames(fn func(host.FrameRef)) {
	count := int(b.count.Load())
	for i := 0; i < count; i++ {
		n := int(b.lens[i])
		base := i * b.stackDepth
		for j := 0; j < n; j++ {
			fn(b.frames[base+j].Ref)
		}
	}
}
