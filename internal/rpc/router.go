package rpc

import (
	"encoding/json"
	"sync"

	"github.com/luciancaetano/ariarpc"
)

// router holds at most one push handler per method name.
type router struct {
	mu       sync.RWMutex
	handlers map[string]ariarpc.NotifyHandler
}

func newRouter() *router {
	return &router{handlers: make(map[string]ariarpc.NotifyHandler)}
}

func (r *router) register(method string, handler ariarpc.NotifyHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if handler == nil {
		delete(r.handlers, method)
		return
	}
	r.handlers[method] = handler
}

// dispatch calls the handler for method. Pushes for unknown methods and
// pushes without params are ignored. It reports whether a handler ran.
func (r *router) dispatch(method string, params json.RawMessage, hasParams bool) bool {
	r.mu.RLock()
	handler, ok := r.handlers[method]
	r.mu.RUnlock()

	if !ok || !hasParams {
		return false
	}
	handler(params)
	return true
}
