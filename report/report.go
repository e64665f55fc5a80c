// Package report turns extracted samples into aggregated batches at the
// reporting boundary. Identical stacks are folded into counted entries
// keyed by a 64-bit fingerprint, frame references are resolved to class
// names through a small cache, and batches can be rendered as pprof
// profiles or drained over the wire.
package report

import (
	"encoding/binary"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/minio/highwayhash"

	"github.com/stackprobe-dev/stackprobe-go/host"
	"github.com/stackprobe-dev/stackprobe-go/stackprobe"
)

// FrameClasser resolves frame references to class names. host.Runtime
// satisfies it.
type FrameClasser interface {
	FrameClass(ref host.FrameRef) (name string, ok bool)
}

// Frame is one resolved stack entry.
type Frame struct {
	Class string
	Line  int32
}

// Stack is a folded stack and how often it was observed, newest call
// first.
type Stack struct {
	Thread      host.ThreadID
	Fingerprint uint64
	Count       int64
	Frames      []Frame
}

// Batch is one flushed aggregation window.
type Batch struct {
	ID     uuid.UUID
	Start  time.Time
	End    time.Time
	Stacks []Stack
}

type stackKey struct {
	thread host.ThreadID
	fp     uint64
}

// Aggregator folds samples into the current window. Add and Flush are safe
// for concurrent use.
type Aggregator struct {
	res *resolver

	mu struct {
		sync.Mutex
		start  time.Time
		stacks map[stackKey]*Stack
	}
}

// NewAggregator returns an empty aggregator resolving classes through fc.
func NewAggregator(fc FrameClasser) *Aggregator {
	a := &Aggregator{res: newResolver(fc)}
	a.mu.start = time.Now()
	a.mu.stacks = make(map[stackKey]*Stack)
	return a
}

// Add folds snapshots extracted from thread into the current window.
func (a *Aggregator) Add(thread host.ThreadID, snaps []stackprobe.Snapshot) {
	for _, s := range snaps {
		if len(s.Frames) == 0 {
			continue
		}
		fp := fingerprint(s.Frames)
		key := stackKey{thread: thread, fp: fp}

		a.mu.Lock()
		if st, ok := a.mu.stacks[key]; ok {
			st.Count++
			a.mu.Unlock()
			continue
		}
		a.mu.Unlock()

		// First sighting: resolve outside the lock, the host lookup may
		// be slow.
		frames := make([]Frame, len(s.Frames))
		for i, f := range s.Frames {
			frames[i] = Frame{Class: a.res.class(f.Ref), Line: f.Line}
		}

		a.mu.Lock()
		if st, ok := a.mu.stacks[key]; ok {
			st.Count++
		} else {
			a.mu.stacks[key] = &Stack{
				Thread:      thread,
				Fingerprint: fp,
				Count:       1,
				Frames:      frames,
			}
		}
		a.mu.Unlock()
	}
}

// Flush closes the window and returns its batch, with stacks ordered by
// descending count.
func (a *Aggregator) Flush() Batch {
	a.mu.Lock()
	stacks := a.mu.stacks
	start := a.mu.start
	a.mu.stacks = make(map[stackKey]*Stack)
	a.mu.start = time.Now()
	a.mu.Unlock()

	out := make([]Stack, 0, len(stacks))
	for _, st := range stacks {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Fingerprint < out[j].Fingerprint
	})
	return Batch{ID: uuid.New(), Start: start, End: time.Now(), Stacks: out}
}

// hashKey is all zeros: the fingerprint dedups stacks within a process, it
// does not need to be unguessable.
var hashKey [32]byte

func fingerprint(frames []host.Frame) uint64 {
	// New64 only fails on a bad key length.
	h, _ := highwayhash.New64(hashKey[:])
	var buf [12]byte
	for _, f := range frames {
		binary.LittleEndian.PutUint64(buf[:8], uint64(f.Ref))
		binary.LittleEndian.PutUint32(buf[8:], uint32(f.Line))
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}
