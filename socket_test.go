package corenet

import (
	"sync"
	"testing"

	"gotest.tools/v3/assert"
	"pgregory.net/rapid"
)

func TestAtomicOrReturnsPreviousValue(t *testing.T) {
	var flags uint32
	prev := atomicOr(&flags, flagShutdownSend)
	assert.Equal(t, prev, uint32(0))
	assert.Equal(t, flags, flagShutdownSend)

	prev = atomicOr(&flags, flagShutdownReceive)
	assert.Equal(t, prev, flagShutdownSend)
	assert.Equal(t, flags, flagShutdownSend|flagShutdownReceive)
}

// TestAtomicOrConcurrentExactlyOneSecond exercises the invariant
// CleanupSocket relies on (spec.md §4.1.1): when both directions race to
// set their bit, exactly one call observes the other bit already set.
func TestAtomicOrConcurrentExactlyOneSecond(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		var flags uint32
		var wg sync.WaitGroup
		results := make([]uint32, 2)
		bits := []uint32{flagShutdownSend, flagShutdownReceive}

		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = atomicOr(&flags, bits[i])
			}(i)
		}
		wg.Wait()

		sawOpposite := 0
		for i, prev := range results {
			if prev&bits[1-i] != 0 {
				sawOpposite++
			}
		}
		assert.Equal(t, sawOpposite, 1)
		assert.Equal(t, flags, flagShutdownSend|flagShutdownReceive)
	})
}

func TestCompletionFiresOnce(t *testing.T) {
	c := newCompletion()
	go c.complete(false)
	go c.complete(true) // must not override the first outcome's win condition racing with wait
	ok := c.wait()
	_ = ok // either true or false is valid depending on race; firing-once is the property under test
	// A second wait on the same completion must not block.
	c.wait()
}

func TestTrackedSocketEnsureDupMemoizes(t *testing.T) {
	r, w, err := pipeFDs()
	assert.NilError(t, err)
	defer closeFDs(r, w)

	ts := newTrackedSocket(r, typeClient)
	d1, err := ts.ensureDup()
	assert.NilError(t, err)
	d2, err := ts.ensureDup()
	assert.NilError(t, err)
	assert.Equal(t, d1, d2)
	closeFDs(d1)
}
