// Package slab implements the pinned buffer pool spec.md §3/§6 treats as
// an external collaborator: fixed-size blocks (B=4096 bytes) backed by
// page-aligned memory whose address is stable for the block's lifetime
// and suitable for vectored I/O, reference-counted by whichever half-pipe
// currently holds them. Pool size is fixed at construction time — per
// spec.md's Non-goals, dynamic resizing is out of scope.
package slab

import (
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// BlockSize is the fixed slab block size, spec.md §6's constant B.
const BlockSize = 4096

// ErrExhausted is returned by Rent when the pool has no free blocks. The
// pool never grows to satisfy a Rent call; callers are expected to treat
// this the same way they treat EAGAIN on a socket: back off and retry on
// the next loop iteration once blocks are returned.
var ErrExhausted = errors.New("slab: pool exhausted")

// Block is a single fixed-size, pinned region of memory. Its address
// (Bytes()'s backing array) does not move for the lifetime of the
// process; the pool never copies or moves live blocks.
type Block struct {
	pool *Pool
	buf  []byte
	refs int32
}

// Bytes returns the block's storage. Callers must not retain slices of it
// beyond a call to Release that drops the refcount to zero.
func (b *Block) Bytes() []byte { return b.buf }

// Len returns the block's capacity, always slab.BlockSize.
func (b *Block) Len() int { return len(b.buf) }

// Retain increments the block's refcount. Used when a single received
// block is referenced from more than one place (it normally is not —
// spec.md's receive path hands a block to the pipe exactly once — but the
// hook exists so the half-pipe can share blocks across partial reads
// without copying).
func (b *Block) Retain() {
	atomic.AddInt32(&b.refs, 1)
}

// Release decrements the block's refcount, returning it to the pool's
// free list when it reaches zero. Calling Release after the refcount has
// already reached zero is a caller bug and panics, matching the pack's
// convention of failing loudly on double-free (see gaio's aiocb pooling,
// which relies on exactly this kind of discipline via sync.Pool).
func (b *Block) Release() {
	n := atomic.AddInt32(&b.refs, -1)
	if n < 0 {
		panic("slab: block released more times than it was retained")
	}
	if n == 0 {
		b.pool.put(b)
	}
}

// Pool is a per-loop, single-threaded-owner slab allocator. Cross-loop
// sharing is forbidden (spec.md §9): each EventLoop constructs its own
// Pool and never hands blocks to another loop.
type Pool struct {
	mu     sync.Mutex
	region []byte
	blocks []*Block
	free   []*Block
}

// New allocates an anonymous, page-aligned mapping sized for count blocks
// of slab.BlockSize bytes and mlocks it so the pages are never swapped out
// from under an in-flight vectored I/O call.
func New(count int) (*Pool, error) {
	if count <= 0 {
		count = 1
	}
	size := count * BlockSize
	region, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	// Best effort: pinning failures (e.g. RLIMIT_MEMLOCK) don't prevent
	// the pool from working, they only mean pages could theoretically be
	// swapped.
	_ = unix.Mlock(region)

	p := &Pool{region: region}
	p.blocks = make([]*Block, count)
	p.free = make([]*Block, 0, count)
	for i := 0; i < count; i++ {
		blk := &Block{pool: p, buf: region[i*BlockSize : (i+1)*BlockSize : (i+1)*BlockSize]}
		p.blocks[i] = blk
		p.free = append(p.free, blk)
	}
	return p, nil
}

// Rent returns a free block, or ErrExhausted if none remain. minSize must
// not exceed slab.BlockSize; the pool only ever hands out fixed B-sized
// blocks (spec.md §3: "len == 4096 in practice").
func (p *Pool) Rent(minSize int) (*Block, error) {
	if minSize > BlockSize {
		return nil, errors.New("slab: requested size exceeds block size")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.free)
	if n == 0 {
		return nil, ErrExhausted
	}
	blk := p.free[n-1]
	p.free = p.free[:n-1]
	atomic.StoreInt32(&blk.refs, 1)
	return blk, nil
}

func (p *Pool) put(blk *Block) {
	p.mu.Lock()
	p.free = append(p.free, blk)
	p.mu.Unlock()
}

// Len reports how many blocks are currently free, for diagnostics/tests.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Dispose unmaps the pool's backing memory. The caller must ensure every
// block has been released first (spec.md §4.6 step 5: "release any
// receive-cache blocks back to the pool, dispose the pool").
func (p *Pool) Dispose() error {
	return unix.Munmap(p.region)
}
