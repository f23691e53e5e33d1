package corenet

import (
	"testing"

	"gotest.tools/v3/assert"
	"pgregory.net/rapid"
)

func TestEncodeDecodeKeyRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		key := rapid.Int32Range(0, (1<<30)-1).Draw(rt, "key")
		write := rapid.Bool().Draw(rt, "write")

		raw := encodeKey(key, write)
		gotKey, gotWrite := decodeKey(raw)

		assert.Equal(t, gotKey, key)
		assert.Equal(t, gotWrite, write)
	})
}

func TestRegistryInsertLookupRemove(t *testing.T) {
	r := newRegistry()
	ts := newTrackedSocket(42, typeClient)
	r.insert(ts)

	got, ok := r.lookup(42)
	assert.Equal(t, ok, true)
	assert.Equal(t, got, ts)
	assert.Equal(t, r.len(), 1)

	r.remove(42)
	_, ok = r.lookup(42)
	assert.Equal(t, ok, false)
	assert.Equal(t, r.len(), 0)
}

func TestRegistrySnapshotClientsExcludesOtherTypes(t *testing.T) {
	r := newRegistry()
	client := newTrackedSocket(1, typeClient)
	listener := newTrackedSocket(2, typeAccept)
	r.insert(client)
	r.insert(listener)

	clients := r.snapshotClients()
	assert.Equal(t, len(clients), 1)
	assert.Equal(t, clients[0], client)
}
