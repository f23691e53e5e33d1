package corenet

import (
	"testing"

	"github.com/sirupsen/logrus"
	"gotest.tools/v3/assert"
)

func newTestLoop(t *testing.T) *EventLoop {
	t.Helper()
	logger := logrus.NewEntry(logrus.New())
	l := newEventLoop("test", DefaultLoopConfig(), logger, newMetrics("test", nil))
	return l
}

func TestCleanupSocketFirstCallOnlyShutsDownOneDirection(t *testing.T) {
	l := newTestLoop(t)
	r, w, err := pipeFDs()
	assert.NilError(t, err)
	defer closeFDs(w)

	ts := newTrackedSocket(r, typeClient)
	l.reg.insert(ts)

	CleanupSocket(l, ts, directionSend)

	_, ok := l.reg.lookup(ts.key)
	assert.Equal(t, ok, true, "registry entry must survive the first of two cleanup calls")
}

func TestCleanupSocketSecondCallRemovesFromRegistry(t *testing.T) {
	l := newTestLoop(t)
	r, w, err := pipeFDs()
	assert.NilError(t, err)
	_ = w

	ts := newTrackedSocket(r, typeClient)
	l.reg.insert(ts)

	CleanupSocket(l, ts, directionSend)
	CleanupSocket(l, ts, directionReceive)

	_, ok := l.reg.lookup(ts.key)
	assert.Equal(t, ok, false, "registry entry must be removed once both directions have cleaned up")
}

func TestCleanupSocketIsIdempotentPerDirection(t *testing.T) {
	l := newTestLoop(t)
	r, w, err := pipeFDs()
	assert.NilError(t, err)
	_ = w

	ts := newTrackedSocket(r, typeClient)
	l.reg.insert(ts)

	CleanupSocket(l, ts, directionSend)
	CleanupSocket(l, ts, directionSend) // a duplicate call for the same direction must not panic or double-close
	CleanupSocket(l, ts, directionReceive)

	_, ok := l.reg.lookup(ts.key)
	assert.Equal(t, ok, false)
}
