package rpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryAllocatesFromZero(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	a, b := &request{}, &request{}

	assert.Equal(t, uint64(0), mustAdd(t, r, a))
	assert.Equal(t, uint64(1), mustAdd(t, r, b))
	assert.Equal(t, 2, r.len())

	got, ok := r.take(0)
	require.True(t, ok)
	assert.Same(t, a, got)
	assert.False(t, a.registered)

	_, ok = r.take(0)
	assert.False(t, ok, "take removes the entry")

	// identifiers keep growing after removal
	assert.Equal(t, uint64(2), mustAdd(t, r, a))
	assert.Equal(t, uint64(2), r.idOf(a))
}

func mustAdd(t *testing.T, r *registry, req *request) uint64 {
	t.Helper()

	id, ok := r.add(req)
	require.True(t, ok)
	return id
}

func TestRegistryAbandonTombstones(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	req := &request{}
	id := mustAdd(t, r, req)

	assert.True(t, r.abandon(req))
	assert.False(t, r.abandon(req), "second abandon is a no-op")
	assert.Equal(t, 0, r.len())

	assert.True(t, r.buried(id))
	assert.False(t, r.buried(id), "tombstones are consumed")

	assert.False(t, r.abandon(&request{}), "unregistered requests are not tombstoned")
	assert.False(t, r.buried(42))
	assert.Equal(t, 0, r.tombstoneCount())
}

func TestRegistryRefusesAbandonedRequest(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	req := &request{}

	assert.False(t, r.abandon(req))
	_, ok := r.add(req)
	assert.False(t, ok, "a request abandoned before registration is never stored")
	assert.Equal(t, 0, r.len())
	assert.Equal(t, uint64(0), mustAdd(t, r, &request{}), "no identifier was spent on it")
}

func TestRegistryTombstonesAreBounded(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	r.limit = 4
	for i := 0; i < 10; i++ {
		r.abandon(&request{})
		req := &request{}
		mustAdd(t, r, req)
		r.abandon(req)
	}

	assert.Equal(t, 4, r.tombstoneCount())
	assert.False(t, r.buried(0), "oldest tombstones are forgotten first")
	assert.True(t, r.buried(9))

	r.bury(100)
	r.forgetTombstones()
	assert.Equal(t, 0, r.tombstoneCount())
	assert.False(t, r.buried(100))
}

func TestRegistryDrain(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	for i := 0; i < 3; i++ {
		mustAdd(t, r, &request{})
	}

	drained := r.drain()
	assert.Len(t, drained, 3)
	assert.Equal(t, 0, r.len())
	for _, req := range drained {
		assert.False(t, req.registered)
	}
	assert.Equal(t, uint64(3), mustAdd(t, r, &request{}))
}

func TestAdmission(t *testing.T) {
	t.Parallel()

	a := newAdmission(2)
	assert.False(t, a.full())

	require.True(t, a.acquire(false))
	require.True(t, a.acquire(false))
	assert.True(t, a.full())
	assert.False(t, a.acquire(false))
	assert.True(t, a.acquire(true), "exempt requests always pass")
	assert.Equal(t, 2, a.count())

	a.release(true)
	assert.Equal(t, 2, a.count())
	a.release(false)
	assert.Equal(t, 1, a.count())
	assert.False(t, a.full())
}

func TestAdmissionNeverNegative(t *testing.T) {
	t.Parallel()

	a := newAdmission(1)
	a.release(false)
	assert.Equal(t, 0, a.count())
}

func TestRouter(t *testing.T) {
	t.Parallel()

	r := newRouter()
	var calls int
	r.register("m", func(json.RawMessage) { calls++ })

	assert.True(t, r.dispatch("m", json.RawMessage(`[]`), true))
	assert.False(t, r.dispatch("m", nil, false))
	assert.False(t, r.dispatch("other", json.RawMessage(`[]`), true))
	assert.Equal(t, 1, calls)

	r.register("m", nil)
	assert.False(t, r.dispatch("m", json.RawMessage(`[]`), true))
}
