package corenet

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/iqhive/corenet/internal/pipe"
	"github.com/iqhive/corenet/internal/slab"
	"github.com/iqhive/corenet/internal/sysnet"
)

// ConsumerHandle and ProducerHandle re-export the half-pipe types so
// application code never needs to import internal/pipe directly.
type ConsumerHandle = pipe.Consumer
type ProducerHandle = pipe.Producer

// OnConnectionFunc is the application callback spec.md §6 calls
// on_connection: invoked once per accepted connection, on the loop
// thread, with the two half-pipes the application reads from and writes
// to (note these are the opposite halves of the ones the loop itself
// holds — see internal/pipe's package doc).
type OnConnectionFunc func(Connection)

// Connection is what on_connection receives: the tracked socket (for
// Peer/Local address access) plus the application-facing halves of its
// two pipes.
type Connection struct {
	Tracked *TrackedSocket
	Input   ConsumerHandle
	Output  ProducerHandle
}

// Peer returns the remote endpoint of the accepted connection.
func (c Connection) Peer() (ep Endpoint, ok bool) { return c.Tracked.peer, c.Tracked.hasPeer }

// Local returns the local endpoint the connection was accepted on.
func (c Connection) Local() (ep Endpoint, ok bool) { return c.Tracked.local, c.Tracked.hasLocal }

// Endpoint is re-exported so callers of the public API never need to
// import internal/sysnet directly.
type Endpoint = sysnet.Endpoint

// coalesceQueue is the MPSC queue spec.md §4.4 describes: send tasks
// (producers, any goroutine) enqueue; the loop thread (sole consumer)
// drains it once per dispatch cycle by swapping out the whole backing
// slice, so the batch size it processes is always a snapshot taken at
// drain time, never more.
type coalesceQueue struct {
	mu    sync.Mutex
	items []*TrackedSocket
}

func (q *coalesceQueue) push(ts *TrackedSocket) {
	q.mu.Lock()
	q.items = append(q.items, ts)
	q.mu.Unlock()
}

func (q *coalesceQueue) drain() []*TrackedSocket {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	return items
}

// EventLoop is one per-CPU-core reactor: one epoll instance, one
// self-pipe, one registry, one buffer pool, pinned to a single OS
// thread. Cross-loop sharing of any of these is out of scope (spec.md
// §9).
type EventLoop struct {
	id     string
	cfg    LoopConfig
	logger *logrus.Entry
	metrics *metrics

	epfd               int
	selfRead, selfWrite int
	selfPipeSock       *TrackedSocket

	reg  *registry
	pool *slab.Pool

	recv *recvCache

	coalesce        coalesceQueue
	coalescePending int32 // atomic 0/1

	gate  sync.Mutex
	state LoopState

	stoppedCh     chan struct{}
	closeAcceptCh chan struct{}
	closeAcceptOnce sync.Once
	fatalErr      error

	listeners map[int32]*TrackedSocket

	onConnection OnConnectionFunc
}

func newEventLoop(id string, cfg LoopConfig, logger *logrus.Entry, reg *metrics) *EventLoop {
	return &EventLoop{
		id:            id,
		cfg:           cfg,
		logger:        logger,
		metrics:       reg,
		reg:           newRegistry(),
		stoppedCh:     make(chan struct{}),
		closeAcceptCh: make(chan struct{}),
		listeners:     make(map[int32]*TrackedSocket),
	}
}

// setup performs the loop-fatal-capable bring-up steps of spec.md §7e:
// epoll_create1, the self-pipe, and the buffer pool. It runs on whatever
// goroutine calls Transport.Start, before the dedicated loop goroutine
// is spawned, so setup errors can be returned synchronously instead of
// only surfacing through the stopped channel.
func (l *EventLoop) setup() error {
	epfd, err := sysnet.EpollCreate1()
	if err != nil {
		return fmt.Errorf("corenet: epoll_create1: %w", err)
	}
	l.epfd = epfd

	r, w, err := sysnet.Pipe2()
	if err != nil {
		sysnet.Close(epfd)
		return fmt.Errorf("corenet: self-pipe: %w", err)
	}
	l.selfRead, l.selfWrite = r, w
	l.selfPipeSock = newTrackedSocket(r, typePipe)

	if err := sysnet.EpollAdd(l.epfd, r, unix.EPOLLIN, uint32(l.selfPipeSock.key)); err != nil {
		sysnet.Close(epfd)
		sysnet.Close(r)
		sysnet.Close(w)
		return fmt.Errorf("corenet: arm self-pipe: %w", err)
	}
	l.reg.insert(l.selfPipeSock)

	poolBlocks := l.cfg.PoolBlocks
	if poolBlocks <= 0 {
		poolBlocks = 4096
	}
	pool, err := slab.New(poolBlocks)
	if err != nil {
		sysnet.Close(epfd)
		sysnet.Close(r)
		sysnet.Close(w)
		return fmt.Errorf("corenet: buffer pool: %w", err)
	}
	l.pool = pool
	l.recv = newRecvCache(pool)

	l.gate.Lock()
	l.state = Started
	l.gate.Unlock()
	return nil
}

// wakeSelfPipe writes exactly one wire-format byte (constants.go) to the
// self-pipe, ignoring EAGAIN: the pipe only ever needs to carry a wakeup,
// never a payload, so a full pipe means a wakeup is already pending.
func (l *EventLoop) wakeSelfPipe(b byte) {
	buf := [1]byte{b}
	_, err := unix.Write(l.selfWrite, buf[:])
	if err != nil && !sysnet.IsWouldBlock(err) {
		l.logger.WithError(err).Warn("self-pipe write failed")
	}
}

// armReadable issues EPOLL_CTL_ADD the first time a tracked socket's
// primary fd is registered for read interest, EPOLL_CTL_MOD every
// subsequent time (spec.md §4's one-shot arming discipline).
func (l *EventLoop) armReadable(ts *TrackedSocket) {
	events := uint32(unix.EPOLLIN | unix.EPOLLONESHOT)
	if ts.hasFlag(flagEPollRegistered) {
		if err := sysnet.EpollMod(l.epfd, ts.fd, events, uint32(ts.key)); err != nil {
			l.logger.WithError(err).WithField("fd", ts.fd).Debug("epoll mod (read) failed")
		}
		return
	}
	ts.setFlag(flagEPollRegistered)
	if err := sysnet.EpollAdd(l.epfd, ts.fd, events, uint32(ts.key)); err != nil {
		l.logger.WithError(err).WithField("fd", ts.fd).Debug("epoll add (read) failed")
	}
}

// armWritable arms write-readiness on the socket's duplicated
// descriptor, keyed with the write bit set so dispatch can tell it apart
// from read events on the same registry key (spec.md §4.5).
func (l *EventLoop) armWritable(ts *TrackedSocket, dupFD int) {
	events := uint32(unix.EPOLLOUT | unix.EPOLLONESHOT)
	key := uint32(encodeKey(ts.key, true))
	if ts.hasFlag(flagDupRegistered) {
		if err := sysnet.EpollMod(l.epfd, dupFD, events, key); err != nil {
			l.logger.WithError(err).WithField("fd", dupFD).Debug("epoll mod (write) failed")
		}
		return
	}
	ts.setFlag(flagDupRegistered)
	if err := sysnet.EpollAdd(l.epfd, dupFD, events, key); err != nil {
		l.logger.WithError(err).WithField("fd", dupFD).Debug("epoll add (write) failed")
	}
}

func (l *EventLoop) enqueueCoalesce(ts *TrackedSocket) {
	l.coalesce.push(ts)
	if atomic.CompareAndSwapInt32(&l.coalescePending, 0, 1) {
		l.wakeSelfPipe(wireCoalesce)
	}
}

// run is the dedicated reactor goroutine: one OS thread, pinned to
// cfg.CPU, looping over epoll_wait until the state machine reaches
// Stopping (spec.md §4.1).
func (l *EventLoop) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(l.stoppedCh)

	if err := sysnet.SchedSetaffinity(l.cfg.CPU); err != nil {
		l.logger.WithError(err).Warn("sched_setaffinity failed, continuing unpinned")
	}

	events := make([]unix.EpollEvent, maxEpollEvents)
	for {
		n, err := sysnet.EpollWait(l.epfd, events, -1)
		if err != nil {
			if sysnet.IsInterrupted(err) {
				continue
			}
			l.logger.WithError(err).Error("epoll_wait failed, stopping loop")
			l.fatalErr = fmt.Errorf("corenet: epoll_wait: %w", err)
			l.gate.Lock()
			l.state = Stopping
			l.gate.Unlock()
			l.finalizeShutdown()
			return
		}

		if atomic.CompareAndSwapInt32(&l.coalescePending, 1, 0) {
			for _, ts := range l.coalesce.drain() {
				ts.completeWritable(false)
			}
		}

		stop, closeAccept := l.dispatchBatch(events[:n])
		if closeAccept {
			l.doCloseAccept()
		}
		if stop {
			l.finalizeShutdown()
			return
		}
	}
}

// dispatchBatch handles one epoll_wait result set (spec.md §4.1's
// per-event switch). It returns whether the loop should stop and
// whether accept should be closed once the batch finishes, matching the
// spec's requirement that a state change observed mid-batch is applied
// only after the rest of the batch's already-ready events are handled.
func (l *EventLoop) dispatchBatch(events []unix.EpollEvent) (stop, closeAccept bool) {
	for _, ev := range events {
		key, isWrite := decodeKey(ev.Fd)
		ts, ok := l.reg.lookup(key)
		if !ok {
			continue
		}
		switch ts.typ {
		case typeAccept:
			if closeAccept {
				continue
			}
			l.handleAcceptable(ts)
		case typeClient:
			if isWrite {
				ts.completeWritable(false)
			} else {
				l.onReadable(ts)
			}
		case typePipe:
			b, rerr := l.readSelfPipeByte()
			if rerr != nil {
				continue
			}
			switch b {
			case wireStateChange:
				l.gate.Lock()
				switch l.state {
				case Stopping:
					stop = true
				case ClosingAccept:
					closeAccept = true
				}
				l.gate.Unlock()
			case wireCoalesce:
				// handled once per cycle before the batch, nothing to do.
			}
			// The self-pipe is armed once at setup with plain EPOLLIN
			// (level-triggered, not one-shot): unlike client sockets it
			// always wants to be notified again, so there is nothing to
			// re-arm here.
		}
	}
	return stop, closeAccept
}

func (l *EventLoop) readSelfPipeByte() (byte, error) {
	var buf [1]byte
	n, err := unix.Read(l.selfRead, buf[:])
	if err != nil {
		if sysnet.IsWouldBlock(err) {
			return 0, err
		}
		l.logger.WithError(err).Warn("self-pipe read failed")
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("corenet: self-pipe closed")
	}
	return buf[0], nil
}

// doCloseAccept implements spec.md §4.7: close every listening
// descriptor, remove it from the registry, and advance the state
// machine to AcceptClosed.
func (l *EventLoop) doCloseAccept() {
	l.gate.Lock()
	for key, ts := range l.listeners {
		sysnet.Close(ts.fd)
		l.reg.remove(key)
		delete(l.listeners, key)
	}
	l.state = AcceptClosed
	l.gate.Unlock()
	l.closeAcceptOnce.Do(func() { close(l.closeAcceptCh) })
}

// finalizeShutdown runs spec.md §4.6's ordered teardown once the state
// machine reaches Stopping: walk every remaining tracked socket,
// complete its waiters with stopping=true, cancel any pending
// pipe operations, release pool blocks, and dispose the pool.
func (l *EventLoop) finalizeShutdown() {
	l.gate.Lock()
	if len(l.listeners) > 0 {
		for key, ts := range l.listeners {
			sysnet.Close(ts.fd)
			l.reg.remove(key)
			delete(l.listeners, key)
		}
	}
	l.state = Stopped
	l.gate.Unlock()
	l.closeAcceptOnce.Do(func() { close(l.closeAcceptCh) })

	for _, ts := range l.reg.snapshotClients() {
		ts.completeReadable(true)
		ts.completeWritable(true)
		ts.appInput.CancelPendingFlush()
		ts.appOutput.CancelPendingRead()
	}

	l.recv.releaseAll()
	if l.pool != nil {
		_ = l.pool.Dispose()
	}
	sysnet.Close(l.selfRead)
	sysnet.Close(l.selfWrite)
	sysnet.Close(l.epfd)
}
