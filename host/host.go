// Package host declares the capability surface that a managed runtime
// exposes to the sampling engine. The engine never walks stacks, delivers
// signals, or schedules work by itself; every operation that crosses into
// the runtime goes through the Runtime interface.
package host

// FrameRef is an opaque reference to an execution frame owned by the host.
// The engine stores and compares FrameRefs but never dereferences them.
type FrameRef uint64

// Frame is a single captured stack entry: the frame reference and the line
// number that was active in it at capture time.
type Frame struct {
	Ref  FrameRef
	Line int32
}

// ThreadID identifies a host thread registered with the engine.
type ThreadID uint64

// Handler is the process-wide sampling signal handler. The host invokes it
// on the thread that received the sampling signal, in a restricted context:
// the handler only performs atomic operations and must not allocate, lock,
// or re-enter the runtime.
type Handler func(ThreadID)

// Root pins buffered frame references for the host's collector. The engine
// registers one Root per thread buffer so that references held in
// not-yet-extracted samples stay valid.
type Root interface {
	// VisitFrames calls fn for every frame reference currently held by the
	// root. The host may call it at any time, concurrently with sampling.
	VisitFrames(fn func(FrameRef))
}

// Runtime is implemented by the embedding runtime. All methods are
// documented with the context they may be called from; the engine holds up
// its end of each contract.
type Runtime interface {
	// CaptureStack fills frames with the calling thread's stack, newest
	// call first, skipping skip frames at the top, and returns the number
	// of entries written (at most len(frames)). It must only be called on
	// the thread being captured, at a safe point.
	CaptureStack(skip int, frames []Frame) int

	// CollectorRunning reports whether the host's collector is currently
	// active. It must be cheap and non-blocking.
	CollectorRunning() bool

	// RegisterRoot makes the collector treat every reference visited by r
	// as live. UnregisterRoot undoes a prior registration.
	RegisterRoot(r Root)
	UnregisterRoot(r Root)

	// ScheduleSafePoint queues fn to run at the next safe point and
	// reports whether it was accepted. When called from the installed
	// Handler, fn runs on the same thread that received the signal, and
	// never concurrently with that thread's other jobs or with calls the
	// thread itself makes into the engine. It is safe to call from the
	// restricted handler context.
	ScheduleSafePoint(fn func()) bool

	// FrameClass resolves the name of the class (or equivalent container)
	// that defines the code of ref. ok is false when the reference is not
	// resolvable.
	FrameClass(ref FrameRef) (name string, ok bool)

	// CurrentThread returns the identity of the calling thread.
	CurrentThread() ThreadID

	// ThreadAlive reports whether id names a live host thread. It must not
	// deliver a signal or otherwise disturb the thread.
	ThreadAlive(id ThreadID) bool

	// SignalThread delivers the sampling signal to id, causing the
	// installed Handler to run on that thread.
	SignalThread(id ThreadID) error

	// InstallHandler installs h as the process-wide sampling handler. The
	// engine calls it at most once.
	InstallHandler(h Handler) error
}
