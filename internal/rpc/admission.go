package rpc

import "sync"

// admission counts non-exempt requests awaiting a reply against a ceiling.
type admission struct {
	mu       sync.Mutex
	ceiling  int
	inFlight int
}

func newAdmission(ceiling int) *admission {
	return &admission{ceiling: ceiling}
}

// full reports whether a non-exempt request would be rejected now.
func (a *admission) full() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inFlight >= a.ceiling
}

// acquire takes one unit of capacity for a non-exempt request. Exempt
// requests always succeed and are not counted.
func (a *admission) acquire(exempt bool) bool {
	if exempt {
		return true
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.inFlight >= a.ceiling {
		return false
	}
	a.inFlight++
	return true
}

// release gives back the unit taken by acquire.
func (a *admission) release(exempt bool) {
	if exempt {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.inFlight > 0 {
		a.inFlight--
	}
}

func (a *admission) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inFlight
}
