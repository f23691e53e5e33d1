package corenet

import "github.com/iqhive/corenet/internal/sysnet"

// CleanupSocket implements spec.md §4.1.1's merge procedure: the send
// task and the receive task each call this exactly once, for their own
// direction, when they finish (cleanly or with an error). Whichever call
// arrives second does the actual teardown; the atomic OR against the
// socket's flags is what lets either caller recognise, without a lock,
// whether it was first or second.
func CleanupSocket(loop *EventLoop, ts *TrackedSocket, dir direction) {
	_, release := ts.acquireFD()

	prev := atomicOr(&ts.flags, uint32(dir))

	opposite := uint32(directionSend) | uint32(directionReceive)
	opposite &^= uint32(dir)

	if prev&opposite != 0 {
		// Second cleanup: both directions are now shut down. Remove from
		// the registry before closing so a fd recycled by the kernel can
		// never collide with a still-registered key (spec.md §4.1.1 step
		// 3's ordering).
		loop.reg.remove(ts.key)
		// Drop this call's own reference first: closeGuarded waits for
		// the count to reach zero.
		release()
		ts.closeGuarded()
		if d := int(loadDupFD(ts)); d >= 0 {
			_ = sysnet.Close(d)
		}
		loop.metrics.activeConnections.Dec()
		loop.metrics.cleanupsTotal.Inc()
		return
	}

	// First cleanup: shut down only this direction so in-flight syscalls
	// on the other direction observe EOF/EPIPE rather than losing the fd
	// outright.
	how := sysnet.ShutRD
	if dir == directionSend {
		how = sysnet.ShutWR
	}
	_ = sysnet.Shutdown(ts.fd, how)
	release()
}
