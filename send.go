package corenet

import (
	"context"

	"github.com/iqhive/corenet/internal/sysnet"
)

// sendLoop is spec.md §4.4's send task. Unlike receive, the send path's
// iovecs are built fresh per call from whatever the application pipe
// currently has queued (spec.md §2 item 5: "a bounded number of iovecs
// on the stack", not a shared per-loop cache), so there is no shared
// mutable state requiring loop-thread confinement: the whole task can
// run on its own dedicated goroutine, performing writev directly.
func sendLoop(l *EventLoop, ts *TrackedSocket) {
	ctx := context.Background()
	var finalErr error

drain:
	for {
		view, err := ts.appOutput.ReadAsync(ctx)
		if err != nil {
			finalErr = err
			break
		}
		if view.IsCancelled {
			break
		}
		if view.Len() == 0 {
			if view.IsCompleted {
				break
			}
			continue
		}

		if l.cfg.Coalesce {
			if !ts.awaitCoalescing(l) {
				break
			}
			view, err = ts.appOutput.ReadAsync(ctx)
			if err != nil {
				finalErr = err
				break
			}
			if view.IsCancelled {
				break
			}
			if view.Len() == 0 && view.IsCompleted {
				break
			}
		}

		bufs := view.Segments
		if len(bufs) > writeIovecs {
			bufs = bufs[:writeIovecs]
		}
		n, werr := sysnet.Writev(ts.fd, bufs)
		if werr != nil {
			if sysnet.IsWouldBlock(werr) {
				l.metrics.eagainTotal.Inc()
				if !ts.awaitWritable(l) {
					break drain
				}
				continue
			}
			if sysnet.IsPeerTerminal(werr) {
				finalErr = nil
				break
			}
			finalErr = werr
			break
		}
		l.metrics.bytesSentTotal.Add(float64(n))
		ts.appOutput.Advance(n)
	}

	ts.appOutput.Complete(finalErr)
	CleanupSocket(l, ts, directionSend)
}

// awaitWritable lazily duplicates the socket's fd the first time write
// readiness must be polled independently of read readiness, arms it,
// and blocks until the loop thread observes EPOLLOUT or the loop stops
// (spec.md §4.5).
func (ts *TrackedSocket) awaitWritable(loop *EventLoop) bool {
	dupFD, err := ts.ensureDup()
	if err != nil {
		return false
	}
	c := newCompletion()
	ts.mu.Lock()
	ts.writableWaiter = c
	ts.mu.Unlock()
	loop.armWritable(ts, dupFD)
	return c.wait()
}

// awaitCoalescing enqueues this connection onto the loop's coalesce
// queue and blocks on the same writable waiter slot a real EPOLLOUT
// wait would use; the drain at the top of the next dispatch cycle
// completes it instead of epoll (spec.md §4.4's "await coalescing").
func (ts *TrackedSocket) awaitCoalescing(loop *EventLoop) bool {
	c := newCompletion()
	ts.mu.Lock()
	ts.writableWaiter = c
	ts.mu.Unlock()
	loop.enqueueCoalesce(ts)
	return c.wait()
}
