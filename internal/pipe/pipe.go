// Package pipe implements the half-pipe abstraction spec.md §3/§6 treats
// as an external collaborator bridging transport I/O and the application:
// a producer half that appends data (either a zero-copy slab block or a
// copied scratch region) and a consumer half that reads it back in order.
//
// Two independent Pipes make up one connection's duplex channel (see
// socket.go): the "input" pipe is produced by the loop's receive task and
// consumed by the application; the "output" pipe is produced by the
// application and consumed by the loop's send task. This matches spec.md
// §4.3 ("append to the application [input] pipe") and §4.4 ("reading from
// the application output pipe") — see DESIGN.md for the full resolution
// of spec.md §6's {input, output} naming.
package pipe

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by operations attempted after Complete has been
// called on the side performing them.
var ErrClosed = errors.New("pipe: closed")

type segment struct {
	data    []byte
	release func()
}

// View is a snapshot of the bytes currently available to a consumer.
// Segments preserves block boundaries so callers can build iovecs
// directly from it (spec.md §4.4 step 4) without copying.
type View struct {
	Segments    [][]byte
	IsCompleted bool
	IsCancelled bool
}

// Len returns the total number of bytes across all segments.
func (v View) Len() int {
	n := 0
	for _, s := range v.Segments {
		n += len(s)
	}
	return n
}

// Pipe is the shared state behind one Producer/Consumer pair.
type Pipe struct {
	mu        sync.Mutex
	segs      []segment
	queued    int
	maxQueued int // 0 = unbounded

	producerDone bool
	producerErr  error
	consumerDone bool
	consumerErr  error

	readCancelled  bool
	flushCancelled bool

	dataReady chan struct{} // re-created each time it's consumed; signals consumer
	roomReady chan struct{} // re-created each time it's consumed; signals producer
}

// New creates a Pipe and returns its Producer and Consumer halves.
// maxQueued <= 0 means unbounded (FlushAsync never blocks on space).
func New(maxQueued int) (Producer, Consumer) {
	p := &Pipe{
		maxQueued: maxQueued,
		dataReady: make(chan struct{}),
		roomReady: make(chan struct{}),
	}
	return Producer{p}, Consumer{p}
}

func (p *Pipe) wakeReaders() {
	close(p.dataReady)
	p.dataReady = make(chan struct{})
}

func (p *Pipe) wakeWriters() {
	close(p.roomReady)
	p.roomReady = make(chan struct{})
}

// Producer is the writable half of a Pipe.
type Producer struct{ p *Pipe }

// Alloc returns a fresh scratch region of at least min bytes for
// producers with no pool block of their own (the application writing
// arbitrary-sized payloads into its output pipe). The region becomes a
// queued segment only after Commit.
func (pr Producer) Alloc(min int) []byte {
	if min <= 0 {
		min = 1
	}
	return make([]byte, min)
}

// Commit queues buf[:n] (as returned by a prior Alloc) as a new segment
// available to the consumer.
func (pr Producer) Commit(buf []byte, n int) {
	if n <= 0 {
		return
	}
	pr.append(segment{data: buf[:n]})
}

// BlockReleaser matches *slab.Block's Release method without importing
// slab here, keeping this package free of a dependency on the concrete
// pool implementation (any fixed-size block allocator can plug in).
type BlockReleaser interface {
	Bytes() []byte
	Release()
}

// AppendBlock queues a zero-copy view over an externally owned block
// (spec.md §4.3 step 4: "each appended block is removed from the scratch
// cache (the pipe now owns it)"). The pipe releases the block exactly
// once, when the consumer has advanced past all of it.
func (pr Producer) AppendBlock(blk BlockReleaser, off, n int) {
	if n <= 0 {
		return
	}
	data := blk.Bytes()[off : off+n]
	pr.append(segment{data: data, release: blk.Release})
}

func (pr Producer) append(seg segment) {
	p := pr.p
	p.mu.Lock()
	p.segs = append(p.segs, seg)
	p.queued += len(seg.data)
	p.mu.Unlock()
	p.wakeReaders()
}

// FlushAsync waits until the consumer has drained the queue below the
// pipe's capacity (or the pipe is unbounded, in which case it returns
// immediately), providing the backpressure spec.md §4.3 calls "await
// flush". completed is true once the consumer has signalled Complete;
// cancelled is true if CancelPendingFlush fired first.
func (pr Producer) FlushAsync(ctx context.Context) (completed, cancelled bool, err error) {
	p := pr.p
	for {
		p.mu.Lock()
		if p.consumerDone {
			err = p.consumerErr
			p.mu.Unlock()
			return true, false, err
		}
		if p.flushCancelled {
			p.flushCancelled = false
			p.mu.Unlock()
			return false, true, nil
		}
		if p.maxQueued <= 0 || p.queued <= p.maxQueued {
			p.mu.Unlock()
			return false, false, nil
		}
		wait := p.roomReady
		p.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return false, false, ctx.Err()
		}
	}
}

// TryFlush is the non-blocking half of FlushAsync: it reports whether a
// call would have to wait (queue over capacity, neither side finished),
// without actually waiting. When it would not block, it returns the same
// resolved (completed, cancelled, err) FlushAsync would have returned, so
// a caller can always use the immediate result instead of spawning a
// waiter goroutine.
func (pr Producer) TryFlush() (wouldBlock, completed, cancelled bool, err error) {
	p := pr.p
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.consumerDone {
		return false, true, false, p.consumerErr
	}
	if p.flushCancelled {
		p.flushCancelled = false
		return false, false, true, nil
	}
	if p.maxQueued <= 0 || p.queued <= p.maxQueued {
		return false, false, false, nil
	}
	return true, false, false, nil
}

// CancelPendingFlush wakes a blocked FlushAsync call without waiting for
// the consumer, used by the loop's shutdown sequence (spec.md §4.6 step 3).
func (pr Producer) CancelPendingFlush() {
	p := pr.p
	p.mu.Lock()
	p.flushCancelled = true
	p.mu.Unlock()
	p.wakeWriters()
}

// Complete marks the producer side finished; a nil err means clean EOF.
// Idempotent.
func (pr Producer) Complete(err error) {
	p := pr.p
	p.mu.Lock()
	if p.producerDone {
		p.mu.Unlock()
		return
	}
	p.producerDone = true
	p.producerErr = err
	p.mu.Unlock()
	p.wakeReaders()
}

// Consumer is the readable half of a Pipe.
type Consumer struct{ p *Pipe }

// ReadAsync waits for at least one queued segment, or for the producer to
// complete, or for a pending cancellation, and returns a View over all
// currently queued bytes. An empty, non-completed, non-cancelled View is
// never returned.
func (c Consumer) ReadAsync(ctx context.Context) (View, error) {
	p := c.p
	for {
		p.mu.Lock()
		if p.readCancelled {
			p.readCancelled = false
			p.mu.Unlock()
			return View{IsCancelled: true}, nil
		}
		if len(p.segs) > 0 {
			segs := make([][]byte, len(p.segs))
			for i, s := range p.segs {
				segs[i] = s.data
			}
			p.mu.Unlock()
			return View{Segments: segs}, nil
		}
		if p.producerDone {
			err := p.producerErr
			p.mu.Unlock()
			return View{IsCompleted: true}, err
		}
		wait := p.dataReady
		p.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return View{}, ctx.Err()
		}
	}
}

// Advance consumes n bytes from the front of the queue, releasing any
// block fully consumed and waking a producer blocked in FlushAsync.
func (c Consumer) Advance(n int) {
	p := c.p
	p.mu.Lock()
	remaining := n
	for remaining > 0 && len(p.segs) > 0 {
		seg := &p.segs[0]
		if remaining < len(seg.data) {
			seg.data = seg.data[remaining:]
			p.queued -= remaining
			remaining = 0
			break
		}
		remaining -= len(seg.data)
		p.queued -= len(seg.data)
		if seg.release != nil {
			seg.release()
		}
		p.segs = p.segs[1:]
	}
	p.mu.Unlock()
	p.wakeWriters()
}

// CancelPendingRead wakes a blocked ReadAsync call, used by the loop's
// shutdown sequence (spec.md §4.6 step 3).
func (c Consumer) CancelPendingRead() {
	p := c.p
	p.mu.Lock()
	p.readCancelled = true
	p.mu.Unlock()
	p.wakeReaders()
}

// Complete marks the consumer side finished; producers observe this from
// FlushAsync so a write into an abandoned pipe doesn't block forever.
func (c Consumer) Complete(err error) {
	p := c.p
	p.mu.Lock()
	if p.consumerDone {
		p.mu.Unlock()
		return
	}
	p.consumerDone = true
	p.consumerErr = err
	p.mu.Unlock()
	p.wakeWriters()
}
