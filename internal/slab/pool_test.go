package slab

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestRentReleaseRoundTrip(t *testing.T) {
	p, err := New(4)
	assert.NilError(t, err)
	defer p.Dispose()

	assert.Equal(t, p.Len(), 4)

	blk, err := p.Rent(BlockSize)
	assert.NilError(t, err)
	assert.Equal(t, p.Len(), 3)
	assert.Equal(t, len(blk.Bytes()), BlockSize)

	blk.Release()
	assert.Equal(t, p.Len(), 4)
}

func TestRentExhausted(t *testing.T) {
	p, err := New(1)
	assert.NilError(t, err)
	defer p.Dispose()

	_, err = p.Rent(BlockSize)
	assert.NilError(t, err)

	_, err = p.Rent(BlockSize)
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestRentTooLarge(t *testing.T) {
	p, err := New(1)
	assert.NilError(t, err)
	defer p.Dispose()

	_, err = p.Rent(BlockSize + 1)
	assert.ErrorContains(t, err, "exceeds block size")
}

func TestBlockAddressStable(t *testing.T) {
	p, err := New(2)
	assert.NilError(t, err)
	defer p.Dispose()

	blk, err := p.Rent(BlockSize)
	assert.NilError(t, err)
	addr := &blk.Bytes()[0]
	blk.Bytes()[0] = 0x42
	assert.Equal(t, &blk.Bytes()[0], addr)
	assert.Equal(t, blk.Bytes()[0], byte(0x42))
}

func TestRetainDefersRelease(t *testing.T) {
	p, err := New(1)
	assert.NilError(t, err)
	defer p.Dispose()

	blk, err := p.Rent(BlockSize)
	assert.NilError(t, err)
	blk.Retain()

	blk.Release()
	assert.Equal(t, p.Len(), 0, "block held by a second reference must not return to the pool yet")

	blk.Release()
	assert.Equal(t, p.Len(), 1)
}
