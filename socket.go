package corenet

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/iqhive/corenet/internal/pipe"
	"github.com/iqhive/corenet/internal/sysnet"
)

// sockType distinguishes the three descriptor roles spec.md §3 tracks.
type sockType uint8

const (
	typeAccept sockType = iota
	typeClient
	typePipe
)

// Bitset flags stored in TrackedSocket.flags, set and read with atomic
// ops since cleanup and the loop thread can touch them concurrently
// (spec.md §3/§4.1.1).
const (
	flagDeferAccept     uint32 = 1 << iota
	flagEPollRegistered        // read-side interest has been armed at least once
	flagDupRegistered          // write-side (dup fd) interest has been armed at least once
	flagShutdownSend
	flagShutdownReceive
)

// direction identifies which half of a connection CleanupSocket (spec.md
// §4.1.1) is being asked to tear down.
type direction uint32

const (
	directionSend    direction = direction(flagShutdownSend)
	directionReceive direction = direction(flagShutdownReceive)
)

// completion is the one-shot waker spec.md §3 calls a readable/writable
// waiter: a channel that's closed exactly once, carrying a single
// boolean outcome. stopping=true means the loop is shutting down and the
// awaiter should treat the wait as failed rather than retry.
type completion struct {
	ch       chan struct{}
	once     sync.Once
	stopping bool
}

func newCompletion() *completion {
	return &completion{ch: make(chan struct{})}
}

func (c *completion) complete(stopping bool) {
	c.once.Do(func() {
		c.stopping = stopping
		close(c.ch)
	})
}

// wait blocks until complete is called and reports whether the wait
// succeeded (false means the loop completed it with stopping=true).
func (c *completion) wait() bool {
	<-c.ch
	return !c.stopping
}

// TrackedSocket is spec.md §3's central per-descriptor record. It
// deliberately holds no reference back to the owning EventLoop — per
// spec.md §9's design note on cyclic references, the loop owns the
// registry and every socket-to-loop interaction goes through an
// explicit *EventLoop parameter instead of a stored pointer.
type TrackedSocket struct {
	key   int32 // registry key; equal to fd
	fd    int
	dupFD int32 // -1 until ensureDup succeeds

	typ   sockType
	flags uint32 // atomic
	refs  int32  // atomic, guards fd against close racing an in-flight syscall

	peer, local     sysnet.Endpoint
	hasPeer         bool
	hasLocal        bool

	mu             sync.Mutex
	readableWaiter *completion
	writableWaiter *completion

	appInput  pipe.Producer // receive task produces into this
	appOutput pipe.Consumer // send task consumes from this

	recvOutcome recvOutcome // result of the last receive iteration, set before completeReadable

	dupMu  sync.Mutex
	dupErr error
}

func newTrackedSocket(fd int, typ sockType) *TrackedSocket {
	return &TrackedSocket{
		key:   int32(fd),
		fd:    fd,
		dupFD: -1,
		typ:   typ,
	}
}

func (ts *TrackedSocket) setFlag(f uint32)    { atomicOr(&ts.flags, f) }
func (ts *TrackedSocket) hasFlag(f uint32) bool {
	return atomic.LoadUint32(&ts.flags)&f != 0
}

// atomicOr sets bits in *addr and returns the value immediately before
// the set, the same "OR returning previous value" primitive spec.md
// §4.1.1 relies on to decide first-vs-second cleanup. sync/atomic has no
// bitwise-or intrinsic, so this is a standard CAS retry loop.
func atomicOr(addr *uint32, bits uint32) uint32 {
	for {
		old := atomic.LoadUint32(addr)
		if old&bits == bits {
			return old
		}
		if atomic.CompareAndSwapUint32(addr, old, old|bits) {
			return old
		}
	}
}

// acquireFD increments the descriptor's reference count for the duration
// of a syscall that touches ts.fd, and returns a release func the caller
// must invoke on every exit path. closeGuarded spins until this count
// reaches zero before calling close(2), the scoped-guard re-expression
// of a dangerous-add/dangerous-release pattern spec.md §9 asks for.
func (ts *TrackedSocket) acquireFD() (fd int, release func()) {
	atomic.AddInt32(&ts.refs, 1)
	return ts.fd, func() { atomic.AddInt32(&ts.refs, -1) }
}

func (ts *TrackedSocket) closeGuarded() {
	for atomic.LoadInt32(&ts.refs) > 0 {
		runtime.Gosched()
	}
	_ = sysnet.Close(ts.fd)
}

// ensureDup lazily duplicates the primary descriptor the first time the
// send path needs to poll write-readiness independently of read
// readiness (spec.md §4.5). Safe to call concurrently; only the first
// caller performs the dup.
func (ts *TrackedSocket) ensureDup() (int, error) {
	if d := atomic.LoadInt32(&ts.dupFD); d >= 0 {
		return int(d), nil
	}
	ts.dupMu.Lock()
	defer ts.dupMu.Unlock()
	if d := atomic.LoadInt32(&ts.dupFD); d >= 0 {
		return int(d), nil
	}
	if ts.dupErr != nil {
		return -1, ts.dupErr
	}
	d, err := sysnet.Dup(ts.fd)
	if err != nil {
		ts.dupErr = err
		return -1, err
	}
	atomic.StoreInt32(&ts.dupFD, int32(d))
	return d, nil
}

func loadDupFD(ts *TrackedSocket) int32 {
	return atomic.LoadInt32(&ts.dupFD)
}

func (ts *TrackedSocket) completeReadable(stopping bool) {
	ts.mu.Lock()
	c := ts.readableWaiter
	ts.mu.Unlock()
	if c != nil {
		c.complete(stopping)
	}
}

func (ts *TrackedSocket) completeWritable(stopping bool) {
	ts.mu.Lock()
	c := ts.writableWaiter
	ts.mu.Unlock()
	if c != nil {
		c.complete(stopping)
	}
}
