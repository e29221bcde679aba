package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"

	"github.com/luciancaetano/ariarpc"
	"github.com/luciancaetano/ariarpc/internal/protocol"
)

// Request outcomes reported to the Observer.
const (
	OutcomeOK            = "ok"
	OutcomeRemoteError   = "remote_error"
	OutcomeRejected      = "rejected"
	OutcomeProtocolError = "protocol_error"
	OutcomeReset         = "reset"
	OutcomeCancelled     = "cancelled"
	OutcomeTimeout       = "timeout"
	OutcomeShutdown      = "shutdown"
	OutcomeSendError     = "send_error"
)

// Observer receives client events, typically to export metrics.
type Observer interface {
	RequestSent(method string)
	RequestDone(method, outcome string)
	InFlight(n int)
	Notification(method string)
	ProtocolError()
	Reconnect()
}

type noopObserver struct{}

func (noopObserver) RequestSent(string)         {}
func (noopObserver) RequestDone(string, string) {}
func (noopObserver) InFlight(int)               {}
func (noopObserver) Notification(string)        {}
func (noopObserver) ProtocolError()             {}
func (noopObserver) Reconnect()                 {}

// Config configures a Client. Zero values select the defaults.
type Config struct {
	// MaxInFlight is the admission ceiling for non-exempt requests.
	MaxInFlight int
	// RetryDelay is the wait between admission attempts while the
	// transport is not ready.
	RetryDelay time.Duration
	// RequestTimeout fails a call that has not completed in time. Zero
	// means calls wait until their context ends.
	RequestTimeout time.Duration
	// Preprocess, when set, rewrites reply results and push params before
	// they are delivered.
	Preprocess protocol.Preprocessor
	// OnProtocolError is called for every protocol error, in addition to
	// logging it.
	OnProtocolError func(err error)

	Clock    clock.Clock
	Logger   *slog.Logger
	Observer Observer
}

// Client implements ariarpc.Client on top of an ariarpc.Transport.
type Client struct {
	transport ariarpc.Transport
	registry  *registry
	admission *admission
	router    *router

	retryDelay      time.Duration
	requestTimeout  time.Duration
	preprocess      protocol.Preprocessor
	onProtocolError func(err error)
	clock           clock.Clock
	logger          *slog.Logger
	observer        Observer

	closed atomic.Bool
}

var _ ariarpc.Client = (*Client)(nil)

// request tracks one call from Go until it completes.
type request struct {
	call *ariarpc.Call
	ctx  context.Context

	once sync.Once
	done atomic.Bool

	mu    sync.Mutex
	stop  func() bool
	timer clock.Timer

	// guarded by registry.mu
	id         uint64
	registered bool
	abandoned  bool
}

func (r *request) watch(stop func() bool, timer clock.Timer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done.Load() {
		stop()
		if timer != nil {
			timer.Stop()
		}
		return
	}
	r.stop = stop
	r.timer = timer
}

func (r *request) unwatch() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stop != nil {
		r.stop()
	}
	if r.timer != nil {
		r.timer.Stop()
	}
}

// New creates a Client and attaches its message listener to transport. The
// transport is not opened.
func New(transport ariarpc.Transport, cfg Config) *Client {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = ariarpc.DefaultMaxInFlight
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = ariarpc.DefaultRetryDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = noopObserver{}
	}

	c := &Client{
		transport:       transport,
		registry:        newRegistry(),
		admission:       newAdmission(cfg.MaxInFlight),
		router:          newRouter(),
		retryDelay:      cfg.RetryDelay,
		requestTimeout:  cfg.RequestTimeout,
		preprocess:      cfg.Preprocess,
		onProtocolError: cfg.OnProtocolError,
		clock:           cfg.Clock,
		logger:          cfg.Logger,
		observer:        cfg.Observer,
	}

	transport.OnMessage(c.handleMessage)
	transport.OnOpen(c.registry.forgetTombstones)
	transport.OnClose(func(code int, reason string) {
		// replies cannot outlive the connection they were requested on, and
		// a closed connection delivers none late
		c.failPending(ariarpc.ErrConnectionReset, OutcomeReset, false)
	})
	return c
}

// Go issues a request; see ariarpc.Client.
func (c *Client) Go(ctx context.Context, method string, params any, opts ...ariarpc.CallOption) *ariarpc.Call {
	var o ariarpc.CallOptions
	for _, opt := range opts {
		opt(&o)
	}

	call := &ariarpc.Call{
		Method: method,
		Params: params,
		Exempt: o.Exempt,
		Done:   make(chan *ariarpc.Call, 1),
	}
	req := &request{call: call, ctx: ctx}

	if ctx.Err() != nil {
		c.finish(req, nil, context.Cause(ctx), OutcomeCancelled)
		return call
	}

	stop := context.AfterFunc(ctx, func() {
		c.abandon(req, context.Cause(ctx), OutcomeCancelled)
	})
	var timer clock.Timer
	if c.requestTimeout > 0 {
		timeout := c.requestTimeout
		timer = c.clock.AfterFunc(timeout, func() {
			err := fmt.Errorf("%s: no reply after %s: %w", method, timeout, context.DeadlineExceeded)
			c.abandon(req, err, OutcomeTimeout)
		})
	}
	req.watch(stop, timer)

	c.submit(req)
	return call
}

// Call issues a request and waits for it to complete.
func (c *Client) Call(ctx context.Context, method string, params any, result any, opts ...ariarpc.CallOption) error {
	call := <-c.Go(ctx, method, params, opts...).Done
	return call.Decode(result)
}

// submit takes the admission decision for req: reject, park until the
// transport is ready, or register and send.
func (c *Client) submit(req *request) {
	if req.done.Load() {
		return
	}
	if c.closed.Load() {
		c.finish(req, nil, ariarpc.ErrShutdown, OutcomeShutdown)
		return
	}

	method := req.call.Method
	exempt := req.call.Exempt

	if !exempt && c.admission.full() {
		c.reject(req)
		return
	}

	if !c.transport.Ready() {
		c.park(req)
		return
	}

	if !c.admission.acquire(exempt) {
		c.reject(req)
		return
	}

	id, ok := c.registry.add(req)
	if !ok {
		// abandoned before it could be registered
		c.admission.release(exempt)
		return
	}
	if req.done.Load() {
		// abandoned while we were registering it
		if c.registry.abandon(req) {
			c.admission.release(exempt)
		}
		return
	}

	data, err := protocol.EncodeRequest(id, method, req.call.Params)
	if err != nil {
		c.unregister(req, id)
		c.finish(req, nil, err, OutcomeSendError)
		return
	}

	c.observer.InFlight(c.admission.count())

	if err := c.transport.Send(req.ctx, data); err != nil {
		if !c.unregister(req, id) {
			// already completed by a reply, a cancellation or a reset
			return
		}
		if errors.Is(err, ariarpc.ErrNotReady) {
			c.park(req)
			return
		}
		c.finish(req, nil, fmt.Errorf("send %s: %w", method, err), OutcomeSendError)
		return
	}

	c.observer.RequestSent(method)
	c.logger.Debug("request sent", "id", id, "method", method, "exempt", exempt)
}

func (c *Client) reject(req *request) {
	c.logger.Debug("request rejected, too many in flight",
		"method", req.call.Method,
		"in_flight", c.admission.count(),
	)
	c.finish(req, nil, ariarpc.NewAdmissionError(), OutcomeRejected)
}

// park schedules another admission attempt after the retry delay.
func (c *Client) park(req *request) {
	c.logger.Debug("transport not ready, deferring request",
		"method", req.call.Method,
		"retry_in", c.retryDelay,
	)
	c.clock.AfterFunc(c.retryDelay, func() {
		c.submit(req)
	})
}

// unregister undoes registry.add after a failed send. It reports whether
// the request was still registered.
func (c *Client) unregister(req *request, id uint64) bool {
	if _, ok := c.registry.take(id); !ok {
		return false
	}
	c.admission.release(req.call.Exempt)
	c.observer.InFlight(c.admission.count())
	return true
}

// abandon completes req on behalf of its caller. A request already on the
// wire gives back its capacity and its identifier is tombstoned; one not yet
// registered never will be.
func (c *Client) abandon(req *request, err error, outcome string) {
	if c.registry.abandon(req) {
		c.admission.release(req.call.Exempt)
		c.observer.InFlight(c.admission.count())
	}
	c.finish(req, nil, err, outcome)
}

func (c *Client) finish(req *request, result json.RawMessage, err error, outcome string) {
	req.once.Do(func() {
		req.done.Store(true)
		req.unwatch()

		req.call.ID = c.registry.idOf(req)
		req.call.Result = result
		req.call.Error = err
		c.observer.RequestDone(req.call.Method, outcome)
		req.call.Done <- req.call
	})
}

// handleMessage is the transport's message listener.
func (c *Client) handleMessage(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		c.protocolError(err)
		return
	}

	switch env.Kind {
	case protocol.KindReply:
		c.resolve(env)
	case protocol.KindPush:
		c.notify(env)
	}
}

func (c *Client) resolve(env *protocol.Envelope) {
	req, ok := c.registry.take(env.ID)
	if !ok {
		if c.registry.buried(env.ID) {
			c.logger.Warn("dropping reply for abandoned request", "id", env.ID)
			return
		}
		id := env.ID
		c.protocolError(&ariarpc.ProtocolError{
			Reason: "unexpected reply: no pending request with this id",
			ID:     &id,
		})
		return
	}

	c.admission.release(req.call.Exempt)
	c.observer.InFlight(c.admission.count())

	if env.Error != nil {
		c.finish(req, nil, env.Error, OutcomeRemoteError)
		return
	}

	result, err := protocol.Transform(env.Result, c.preprocess)
	if err != nil {
		c.logger.Warn("preprocess failed, delivering raw result", "id", env.ID, "error", err)
		result = env.Result
	}
	c.finish(req, result, nil, OutcomeOK)
}

func (c *Client) notify(env *protocol.Envelope) {
	params := env.Params
	if env.HasParams {
		if p, err := protocol.Transform(params, c.preprocess); err == nil {
			params = p
		} else {
			c.logger.Warn("preprocess failed, delivering raw params", "method", env.Method, "error", err)
		}
	}

	c.observer.Notification(env.Method)
	if !c.router.dispatch(env.Method, params, env.HasParams) {
		c.logger.Debug("push ignored", "method", env.Method, "has_params", env.HasParams)
	}
}

// protocolError reports err loudly. When it names a pending request, that
// request fails with it.
func (c *Client) protocolError(err error) {
	var perr *ariarpc.ProtocolError
	if errors.As(err, &perr) && perr.ID != nil {
		if req, ok := c.registry.take(*perr.ID); ok {
			c.admission.release(req.call.Exempt)
			c.observer.InFlight(c.admission.count())
			c.finish(req, nil, err, OutcomeProtocolError)
		}
	}

	c.logger.Error("jsonrpc protocol error", "error", err)
	c.observer.ProtocolError()
	if c.onProtocolError != nil {
		c.onProtocolError(err)
	}
}

// OnNotify registers the push handler for method.
func (c *Client) OnNotify(method string, handler ariarpc.NotifyHandler) {
	c.router.register(method, handler)
}

func (c *Client) OnOpen(fn ariarpc.OpenFn)   { c.transport.OnOpen(fn) }
func (c *Client) OnError(fn ariarpc.ErrorFn) { c.transport.OnError(fn) }
func (c *Client) OnClose(fn ariarpc.CloseFn) { c.transport.OnClose(fn) }

// Ready reports whether the transport is open.
func (c *Client) Ready() bool {
	return c.transport.Ready()
}

// InFlight returns the number of non-exempt requests awaiting a reply.
func (c *Client) InFlight() int {
	return c.admission.count()
}

// Pending returns the number of requests awaiting a reply, exempt ones included.
func (c *Client) Pending() int {
	return c.registry.len()
}

// Reconnect fails every call awaiting a reply with ErrConnectionReset and
// asks the transport for a new connection. Parked calls are kept.
func (c *Client) Reconnect(ctx context.Context) error {
	if c.closed.Load() {
		return ariarpc.ErrShutdown
	}

	c.failPending(ariarpc.ErrConnectionReset, OutcomeReset, true)
	c.observer.Reconnect()
	c.logger.Info("reconnecting")

	if err := c.transport.Reconnect(ctx); err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}
	return nil
}

// Close fails every pending call with ErrShutdown and closes the transport.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.failPending(ariarpc.ErrShutdown, OutcomeShutdown, false)
	return c.transport.Close()
}

func (c *Client) failPending(err error, outcome string, tombstone bool) {
	for _, req := range c.registry.drain() {
		if tombstone {
			c.registry.bury(req.id)
		}
		c.admission.release(req.call.Exempt)
		c.finish(req, nil, err, outcome)
	}
	c.observer.InFlight(c.admission.count())
}
