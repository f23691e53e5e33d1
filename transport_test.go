package corenet

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"gotest.tools/v3/assert"
)

// echoConnection copies a Connection's input pipe to its output pipe
// like cmd/corenetd's reference application does, for use from tests,
// but without that application's FlushAsync call after each copy.
func echoConnection(c Connection) {
	go func() {
		ctx := context.Background()
		for {
			view, err := c.Input.ReadAsync(ctx)
			if err != nil || view.IsCancelled || (view.Len() == 0 && view.IsCompleted) {
				c.Output.Complete(err)
				return
			}
			for _, seg := range view.Segments {
				buf := c.Output.Alloc(len(seg))
				n := copy(buf, seg)
				c.Output.Commit(buf, n)
			}
			c.Input.Advance(view.Len())
		}
	}()
}

// TestTransportEchoRoundTrip exercises spec.md §8 Scenario 1: a client
// connects, sends a short message, and receives it back unchanged; after
// the client closes, Stop completes with no loop-fatal error.
func TestTransportEchoRoundTrip(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	cfg := DefaultLoopConfig()
	cfg.PoolBlocks = 8
	tr := New("test-echo", cfg, logger, nil)
	tr.OnConnection(echoConnection)

	assert.NilError(t, tr.Start())
	bound, err := tr.AcceptOn("127.0.0.1:0")
	assert.NilError(t, err)

	conn, err := net.DialTimeout("tcp", bound.String(), time.Second)
	assert.NilError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello corenet"))
	assert.NilError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	assert.NilError(t, err)
	assert.Equal(t, string(buf[:n]), "hello corenet")

	conn.Close()

	done, err := tr.Stop()
	assert.NilError(t, err)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("transport did not stop in time")
	}
	assert.NilError(t, tr.Err())
}

// TestAcceptOnBeforeStartIsInvalidState covers spec.md §7f.
func TestAcceptOnBeforeStartIsInvalidState(t *testing.T) {
	tr := New("test-invalid", DefaultLoopConfig(), nil, nil)
	_, err := tr.AcceptOn("127.0.0.1:0")
	assert.ErrorIs(t, err, ErrInvalidState)
}

// TestCloseAcceptStopsNewConnectionsOnly covers spec.md §4.7: once
// CloseAccept's channel fires, the listener is gone and the transport
// sits in AcceptClosed until Stop is called.
func TestCloseAcceptStopsNewConnectionsOnly(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	cfg := DefaultLoopConfig()
	cfg.PoolBlocks = 4
	tr := New("test-close-accept", cfg, logger, nil)
	tr.OnConnection(echoConnection)

	assert.NilError(t, tr.Start())
	_, err := tr.AcceptOn("127.0.0.1:0")
	assert.NilError(t, err)

	done, err := tr.CloseAccept()
	assert.NilError(t, err)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("close_accept did not complete in time")
	}
	assert.Equal(t, tr.State(), AcceptClosed)

	stopped, err := tr.Stop()
	assert.NilError(t, err)
	<-stopped
}
