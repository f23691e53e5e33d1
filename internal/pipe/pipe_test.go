package pipe

import (
	"context"
	"errors"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestCommitThenRead(t *testing.T) {
	prod, cons := New(0)
	buf := prod.Alloc(5)
	copy(buf, "hello")
	prod.Commit(buf, 5)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	view, err := cons.ReadAsync(ctx)
	assert.NilError(t, err)
	assert.Equal(t, view.Len(), 5)
	assert.Equal(t, string(view.Segments[0]), "hello")
}

func TestAdvancePartialSegment(t *testing.T) {
	prod, cons := New(0)
	buf := prod.Alloc(5)
	copy(buf, "hello")
	prod.Commit(buf, 5)

	ctx := context.Background()
	view, err := cons.ReadAsync(ctx)
	assert.NilError(t, err)
	cons.Advance(2)

	view, err = cons.ReadAsync(ctx)
	assert.NilError(t, err)
	assert.Equal(t, string(view.Segments[0]), "llo")
}

func TestCompleteSurfacesAsEOF(t *testing.T) {
	prod, cons := New(0)
	prod.Complete(nil)

	view, err := cons.ReadAsync(context.Background())
	assert.NilError(t, err)
	assert.Equal(t, view.IsCompleted, true)
	assert.Equal(t, view.Len(), 0)
}

func TestCompleteWithErrorPropagates(t *testing.T) {
	prod, cons := New(0)
	sentinel := errors.New("boom")
	prod.Complete(sentinel)

	_, err := cons.ReadAsync(context.Background())
	assert.ErrorIs(t, err, sentinel)
}

func TestReadAsyncBlocksUntilData(t *testing.T) {
	prod, cons := New(0)
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := prod.Alloc(3)
		copy(buf, "abc")
		prod.Commit(buf, 3)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	view, err := cons.ReadAsync(ctx)
	assert.NilError(t, err)
	assert.Equal(t, view.Len(), 3)
	<-done
}

func TestFlushAsyncBlocksOverCapacityAndWakesOnAdvance(t *testing.T) {
	prod, cons := New(2)
	buf := prod.Alloc(5)
	copy(buf, "hello")
	prod.Commit(buf, 5)

	flushed := make(chan struct{})
	go func() {
		defer close(flushed)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		completed, cancelled, err := prod.FlushAsync(ctx)
		assert.NilError(t, err)
		assert.Equal(t, completed, false)
		assert.Equal(t, cancelled, false)
	}()

	select {
	case <-flushed:
		t.Fatal("FlushAsync returned before the consumer made room")
	case <-time.After(50 * time.Millisecond):
	}

	cons.Advance(5)
	select {
	case <-flushed:
	case <-time.After(time.Second):
		t.Fatal("FlushAsync never woke after Advance")
	}
}

func TestTryFlushNeverBlocks(t *testing.T) {
	prod, _ := New(2)
	buf := prod.Alloc(5)
	copy(buf, "hello")
	prod.Commit(buf, 5)

	wouldBlock, completed, cancelled, err := prod.TryFlush()
	assert.NilError(t, err)
	assert.Equal(t, wouldBlock, true)
	assert.Equal(t, completed, false)
	assert.Equal(t, cancelled, false)
}

func TestAppendBlockReleasesOnAdvance(t *testing.T) {
	prod, cons := New(0)
	blk := &fakeBlock{data: []byte("block-data")}
	prod.AppendBlock(blk, 0, len(blk.data))

	view, err := cons.ReadAsync(context.Background())
	assert.NilError(t, err)
	assert.Equal(t, string(view.Segments[0]), "block-data")

	cons.Advance(view.Len())
	assert.Equal(t, blk.released, true)
}

type fakeBlock struct {
	data     []byte
	released bool
}

func (b *fakeBlock) Bytes() []byte { return b.data }
func (b *fakeBlock) Release()      { b.released = true }
