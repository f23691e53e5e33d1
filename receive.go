package corenet

import (
	"context"

	"github.com/iqhive/corenet/internal/slab"
	"github.com/iqhive/corenet/internal/sysnet"
)

// recvCache is the per-loop, loop-thread-owned scratch area spec.md §2
// describes: up to readIovecs pool blocks rented lazily and reused
// across every connection's receive iterations on this loop. It is
// touched exclusively from the loop thread — see receiveLoop's comment
// for why that invariant holds even though receive tasks are goroutines.
type recvCache struct {
	pool   *slab.Pool
	blocks [readIovecs]*slab.Block
}

func newRecvCache(pool *slab.Pool) *recvCache {
	return &recvCache{pool: pool}
}

// fill rents blocks for every empty slot, returning the iovecs to pass
// to readv and the blocks they came from (same indexing). A slot left
// nil (pool exhausted) is simply skipped; Readv already elides
// zero-length iovecs.
func (c *recvCache) fill() (bufs [][]byte, blocks []*slab.Block) {
	bufs = make([][]byte, readIovecs)
	blocks = make([]*slab.Block, readIovecs)
	for i := range c.blocks {
		if c.blocks[i] == nil {
			blk, err := c.pool.Rent(slab.BlockSize)
			if err == nil {
				c.blocks[i] = blk
			}
		}
		if c.blocks[i] != nil {
			bufs[i] = c.blocks[i].Bytes()
			blocks[i] = c.blocks[i]
		}
	}
	return bufs, blocks
}

// consume removes slot i from the cache (the pipe now owns the block;
// spec.md §4.3 step 4) so the next fill rents a replacement.
func (c *recvCache) consume(i int) {
	c.blocks[i] = nil
}

func (c *recvCache) releaseAll() {
	for i, b := range c.blocks {
		if b != nil {
			b.Release()
			c.blocks[i] = nil
		}
	}
}

// recvOutcome is what one loop-thread receive iteration hands back to
// the blocked per-connection receive goroutine.
type recvOutcome struct {
	eof     bool
	err     error
	pending bool // a flush wait is in flight; the waiter will be completed later
}

// receiveLoop is spec.md §4.3's receive task. It runs on its own
// goroutine but every byte of actual I/O happens inside the loop
// thread's dispatch call to performReceiveIteration: awaitReadable only
// blocks this goroutine on a channel, it never touches l.recv itself, so
// the shared scratch cache is never read or written off the loop thread.
func receiveLoop(loop *EventLoop, ts *TrackedSocket) {
	var finalErr error
	for {
		ok := ts.awaitReadable(loop)
		if !ok {
			finalErr = nil
			break
		}
		outcome := ts.recvOutcome
		if outcome.err != nil {
			finalErr = outcome.err
			break
		}
		if outcome.eof {
			break
		}
	}
	ts.appInput.Complete(finalErr)
	CleanupSocket(loop, ts, directionReceive)
}

// awaitReadable arms read interest and blocks until the loop thread has
// completed one full receive iteration (or the loop is stopping).
func (ts *TrackedSocket) awaitReadable(loop *EventLoop) bool {
	c := newCompletion()
	ts.mu.Lock()
	ts.readableWaiter = c
	ts.mu.Unlock()
	loop.armReadable(ts)
	return c.wait()
}

// onReadable is dispatch's entry point for a read-readiness event on a
// client socket: it performs the iteration synchronously on the loop
// thread, then wakes the connection's receive goroutine with the
// outcome.
func (l *EventLoop) onReadable(ts *TrackedSocket) {
	outcome := l.performReceiveIteration(ts)
	if outcome.pending {
		return
	}
	ts.recvOutcome = outcome
	ts.completeReadable(false)
}

func (l *EventLoop) performReceiveIteration(ts *TrackedSocket) recvOutcome {
	bufs, blocks := l.recv.fill()
	rented := false
	for _, blk := range blocks {
		if blk != nil {
			rented = true
			break
		}
	}
	if !rented {
		// Pool exhausted: back off as on EAGAIN and retry on the next
		// readable notification instead of reading zero bytes as EOF.
		return recvOutcome{}
	}
	n, err := sysnet.Readv(ts.fd, bufs)
	switch {
	case err != nil && sysnet.IsWouldBlock(err):
		l.metrics.eagainTotal.Inc()
		return recvOutcome{}
	case err != nil && sysnet.IsInterrupted(err):
		return l.performReceiveIteration(ts)
	case err != nil && sysnet.IsPeerTerminal(err):
		return recvOutcome{eof: true}
	case err != nil:
		return recvOutcome{err: err}
	case n == 0:
		return recvOutcome{eof: true}
	}

	l.metrics.bytesReceivedTotal.Add(float64(n))
	remaining := n
	for i, blk := range blocks {
		if remaining <= 0 {
			break
		}
		if blk == nil {
			continue
		}
		take := blk.Len()
		if take > remaining {
			take = remaining
		}
		ts.appInput.AppendBlock(blk, 0, take)
		l.recv.consume(i)
		remaining -= take
	}

	wouldBlock, completed, cancelled, ferr := ts.appInput.TryFlush()
	if !wouldBlock {
		if completed || cancelled {
			return recvOutcome{eof: true, err: ferr}
		}
		return recvOutcome{}
	}
	go func() {
		completed, cancelled, ferr := ts.appInput.FlushAsync(context.Background())
		o := recvOutcome{}
		if completed || cancelled {
			o.eof = true
			o.err = ferr
		}
		ts.recvOutcome = o
		ts.completeReadable(false)
	}()
	// The goroutine above will complete the waiter; return a sentinel
	// that onReadable's caller ignores (onReadable's own completeReadable
	// call would race the goroutine's, so it must not fire here).
	return recvOutcome{pending: true}
}
