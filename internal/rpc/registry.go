package rpc

import (
	"sync"
)

// maxTombstones bounds how many abandoned identifiers are remembered at
// once. The oldest are forgotten first.
const maxTombstones = 1024

// registry maps request identifiers to the calls awaiting their reply and
// owns identifier allocation.
type registry struct {
	mu     sync.Mutex
	nextID uint64
	calls  map[uint64]*request
	// tombstones remembers calls abandoned by their caller so that a late
	// reply is not mistaken for a desynchronised peer. buriedOrder holds the
	// same identifiers oldest first, possibly including consumed ones.
	tombstones  map[uint64]struct{}
	buriedOrder []uint64
	limit       int
}

func newRegistry() *registry {
	return &registry{
		calls:      make(map[uint64]*request),
		tombstones: make(map[uint64]struct{}),
		limit:      maxTombstones,
	}
}

// add allocates the next identifier for req and stores it. Identifiers start
// at zero and are never handed out twice. A request already abandoned is not
// stored and add returns false.
func (r *registry) add(req *request) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if req.abandoned {
		return 0, false
	}
	id := r.nextID
	r.nextID++
	req.id = id
	req.registered = true
	r.calls[id] = req
	return id, true
}

// take removes and returns the call registered under id.
func (r *registry) take(id uint64) (*request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.calls[id]
	if !ok {
		return nil, false
	}
	delete(r.calls, id)
	req.registered = false
	return req, true
}

// abandon marks req so that add refuses it from now on. If req is
// registered it is removed and its identifier tombstoned. It reports whether
// req was registered.
func (r *registry) abandon(req *request) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	req.abandoned = true
	if !req.registered {
		return false
	}
	delete(r.calls, req.id)
	req.registered = false
	r.buryLocked(req.id)
	return true
}

// bury tombstones id without it having been registered at the time.
func (r *registry) bury(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buryLocked(id)
}

func (r *registry) buryLocked(id uint64) {
	r.tombstones[id] = struct{}{}
	r.buriedOrder = append(r.buriedOrder, id)
	for len(r.buriedOrder) > r.limit {
		delete(r.tombstones, r.buriedOrder[0])
		r.buriedOrder = r.buriedOrder[1:]
	}
}

// forgetTombstones drops every tombstone. It is called when a new
// connection opens, after which no reply from the old one can arrive.
func (r *registry) forgetTombstones() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.tombstones)
	r.buriedOrder = nil
}

func (r *registry) tombstoneCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tombstones)
}

// idOf returns the identifier last allocated to req.
func (r *registry) idOf(req *request) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return req.id
}

// buried reports whether id belonged to an abandoned call, forgetting it.
func (r *registry) buried(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tombstones[id]; !ok {
		return false
	}
	delete(r.tombstones, id)
	return true
}

// drain removes every registered call and returns them.
func (r *registry) drain() []*request {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*request, 0, len(r.calls))
	for id, req := range r.calls {
		req.registered = false
		out = append(out, req)
		delete(r.calls, id)
	}
	return out
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}
