package corenet

import (
	"golang.org/x/sys/unix"

	"github.com/iqhive/corenet/internal/pipe"
	"github.com/iqhive/corenet/internal/sysnet"
)

// AcceptOn adds a new listening socket (spec.md §4.2/§6's accept_on).
// Legal only once the loop has reached Started; illegal calls return
// ErrInvalidState (spec.md §7f). The listening socket's own epoll
// registration is a plain level-triggered EPOLL_CTL_ADD, not one-shot:
// spec.md's one-shot discipline is scoped to "all client-socket
// interest".
func (l *EventLoop) AcceptOn(addr string) (Endpoint, error) {
	l.gate.Lock()
	state := l.state
	l.gate.Unlock()
	if state != Started {
		return Endpoint{}, ErrInvalidState
	}

	fd, bound, err := sysnet.Listen(addr, sysnet.ListenOptions{
		Backlog:     listenBacklog,
		ReusePort:   l.cfg.ReusePort,
		DeferAccept: l.cfg.DeferAccept,
		IncomingCPU: l.cfg.CPU,
	})
	if err != nil {
		return Endpoint{}, err
	}

	ts := newTrackedSocket(fd, typeAccept)
	ts.local, ts.hasLocal = bound, true
	if l.cfg.DeferAccept {
		ts.setFlag(flagDeferAccept)
	}

	if err := sysnet.EpollAdd(l.epfd, fd, unix.EPOLLIN, uint32(ts.key)); err != nil {
		sysnet.Close(fd)
		return Endpoint{}, err
	}

	l.gate.Lock()
	l.listeners[ts.key] = ts
	l.gate.Unlock()
	l.reg.insert(ts)

	l.logger.WithField("addr", bound.String()).Info("listening")
	return bound, nil
}

// handleAcceptable implements spec.md §4.2: accept exactly once per
// notification, apply TCP_NODELAY and architecture-specific buffer
// tuning, build the tracked socket and its two half-pipes, hand them to
// the application callback, then register and start its tasks.
func (l *EventLoop) handleAcceptable(listener *TrackedSocket) {
	fd, peer, err := sysnet.Accept4(listener.fd)
	if err != nil {
		if !sysnet.IsWouldBlock(err) {
			l.logger.WithError(err).Debug("accept4 failed")
		}
		return
	}

	l.metrics.acceptsTotal.Inc()
	_ = sysnet.SetNoDelay(fd, true)
	tuneAccepted(fd)

	client := newTrackedSocket(fd, typeClient)
	client.peer, client.hasPeer = peer, true
	client.local, client.hasLocal = listener.local, listener.hasLocal

	inputProd, inputCons := pipe.New(l.cfg.PipeCapacity)
	outputProd, outputCons := pipe.New(l.cfg.PipeCapacity)
	client.appInput = inputProd
	client.appOutput = outputCons

	if !l.invokeOnConnection(client, inputCons, outputProd) {
		// on_connection panicked: shutdown before dispose (SPEC_FULL.md's
		// adopted redesign of spec.md §9's open question), never register
		// or start tasks for a connection the application never saw
		// cleanly.
		_ = sysnet.Shutdown(fd, sysnet.ShutRDWR)
		_ = sysnet.Close(fd)
		return
	}

	l.reg.insert(client)
	l.metrics.activeConnections.Inc()
	go receiveLoop(l, client)
	go sendLoop(l, client)
}

func (l *EventLoop) invokeOnConnection(client *TrackedSocket, in ConsumerHandle, out ProducerHandle) (ok bool) {
	if l.onConnection == nil {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			l.logger.WithField("panic", r).Error("on_connection panicked")
			ok = false
		}
	}()
	l.onConnection(Connection{Tracked: client, Input: in, Output: out})
	return true
}
