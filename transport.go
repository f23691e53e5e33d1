package corenet

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Transport is the public lifecycle surface spec.md §6 describes:
// start/accept_on/close_accept/stop over a single per-core EventLoop.
// Running several Transports, one per configured CPU, is how an
// application fills a machine's cores; nothing is shared between them.
type Transport struct {
	loop *EventLoop
}

// New constructs a Transport bound to cfg, but performs no syscalls
// until Start is called.
func New(id string, cfg LoopConfig, logger *logrus.Logger, reg prometheus.Registerer) *Transport {
	entry := newLoopLogger(logger, id)
	m := newMetrics(id, reg)
	return &Transport{loop: newEventLoop(id, cfg, entry, m)}
}

// OnConnection sets the callback invoked for every accepted connection.
// Must be called before Start.
func (t *Transport) OnConnection(fn OnConnectionFunc) {
	t.loop.onConnection = fn
}

// Start brings the loop up (epoll, self-pipe, buffer pool) and launches
// its dedicated goroutine. It returns ErrInvalidState if the transport
// is not in the Initial state; any other non-nil error is a loop-fatal
// setup failure (spec.md §7e). Once Start returns nil the loop is in the
// Started state and AcceptOn can be called.
func (t *Transport) Start() error {
	t.loop.gate.Lock()
	if t.loop.state != Initial {
		t.loop.gate.Unlock()
		return ErrInvalidState
	}
	t.loop.state = Starting
	t.loop.gate.Unlock()

	if err := t.loop.setup(); err != nil {
		t.loop.gate.Lock()
		t.loop.state = Stopped
		t.loop.gate.Unlock()
		return err
	}
	go t.loop.run()
	return nil
}

// AcceptOn adds a listener. See EventLoop.AcceptOn.
func (t *Transport) AcceptOn(addr string) (Endpoint, error) {
	return t.loop.AcceptOn(addr)
}

// CloseAccept stops accepting new connections while leaving existing
// ones running, returning a channel closed once every listener has been
// torn down (spec.md §4.7).
func (t *Transport) CloseAccept() (<-chan struct{}, error) {
	if err := t.loop.requestCloseAccept(); err != nil {
		return nil, err
	}
	return t.loop.closeAcceptCh, nil
}

// Stop begins the full shutdown sequence (spec.md §4.6), returning a
// channel closed once the loop has reached Stopped and released every
// resource it owns.
func (t *Transport) Stop() (<-chan struct{}, error) {
	if err := t.loop.requestStop(); err != nil {
		return nil, err
	}
	return t.loop.stoppedCh, nil
}

// Wait blocks until the loop reaches Stopped or ctx is cancelled,
// whichever comes first. A convenience over threading the Stop()
// channel through call sites by hand.
func (t *Transport) Wait(ctx context.Context) error {
	select {
	case <-t.loop.stoppedCh:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the loop-fatal error that caused a stop, if any. Only
// meaningful after the channel from Stop (or Wait) has fired.
func (t *Transport) Err() error {
	return t.loop.fatalErr
}

// State returns the loop's current lifecycle state.
func (t *Transport) State() LoopState {
	t.loop.gate.Lock()
	defer t.loop.gate.Unlock()
	return t.loop.state
}

