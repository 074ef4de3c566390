// Package dispatch is the delivery coordination core: a priority queue of
// requests consumed by a single arbiter that owns the automation device and
// runs each protocol under retry and a per-endpoint circuit breaker.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"courier/internal/device"
	"courier/internal/endpoint"
	"courier/internal/eventbus"
	"courier/internal/protocol"
	"courier/internal/runtime/supervisor"
	"courier/internal/storage"
	logx "courier/pkg/logx"
)

type Options struct {
	Config   Config
	Registry *endpoint.Registry
	Device   device.Device
	Engine   *protocol.Engine
	Log      logx.Logger
	// Bus and Store are optional.
	Bus   eventbus.Bus
	Store storage.Store
}

// Coordinator owns the queue, the device gate and the arbiter. Build one
// per process and pass it to every caller.
type Coordinator struct {
	log    logx.Logger
	bus    eventbus.Bus
	store  storage.Store
	reg    *endpoint.Registry
	dev    device.Device
	engine *protocol.Engine

	cfgMu sync.RWMutex
	cfg   Config

	queue    *Queue
	gate     *DeviceGate
	tracker  *Tracker
	breakers *Breakers
	fault    *Fault
	limiter  *rate.Limiter

	pendMu  sync.Mutex
	pending map[string]*ticket

	recent     *Ring[DeliveryResult]
	errs       *Ring[DeliveryResult]
	broadcasts *Ring[BroadcastRecord]

	runMu   sync.Mutex
	sup     *supervisor.Supervisor
	stopped bool
}

func New(opts Options) (*Coordinator, error) {
	if opts.Registry == nil {
		return nil, errors.New("dispatch: registry is required")
	}
	if opts.Device == nil {
		return nil, errors.New("dispatch: device is required")
	}
	if opts.Engine == nil {
		opts.Engine = protocol.New(protocol.DefaultConfig(), opts.Log)
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop{}
	}
	cfg := opts.Config.withDefaults()
	log := opts.Log.With(logx.String("comp", "dispatch"))

	c := &Coordinator{
		log:        log,
		bus:        opts.Bus,
		store:      opts.Store,
		reg:        opts.Registry,
		dev:        opts.Device,
		engine:     opts.Engine,
		cfg:        cfg,
		gate:       NewDeviceGate(),
		tracker:    NewTracker(opts.Registry.IDs()),
		breakers:   NewBreakers(cfg.Breaker),
		limiter:    rate.NewLimiter(limitFor(cfg.RatePerSec), cfg.Burst),
		pending:    map[string]*ticket{},
		recent:     NewRing[DeliveryResult](cfg.HistorySize),
		errs:       NewRing[DeliveryResult](cfg.HistorySize),
		broadcasts: NewRing[BroadcastRecord](cfg.BroadcastHistory),
	}
	c.queue = NewQueue(cfg.QueueCapacity, c.tracker.Compliance)
	c.fault = NewFault(c.breakers, cfg.Retry, log)
	c.breakers.onChange = c.onBreakerChange
	return c, nil
}

func limitFor(perSec float64) rate.Limit {
	if perSec <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSec)
}

func (c *Coordinator) config() Config {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

// Apply swaps the runtime-tunable settings. Queue capacity and ledger sizes
// are fixed at construction.
func (c *Coordinator) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	c.cfgMu.Lock()
	c.cfg = cfg
	c.cfgMu.Unlock()

	c.fault.SetPolicy(cfg.Retry)
	c.breakers.SetConfig(cfg.Breaker)
	c.limiter.SetLimit(limitFor(cfg.RatePerSec))
	c.limiter.SetBurst(cfg.Burst)
	c.log.Info("dispatch config applied",
		logx.Int("max_retries", cfg.Retry.MaxRetries),
		logx.Int("failure_threshold", cfg.Breaker.FailureThreshold),
		logx.Duration("request_timeout", cfg.RequestTimeout),
		logx.Duration("queue_wait", cfg.QueueWait),
	)
}

// Start runs the arbiter under a supervisor derived from ctx.
func (c *Coordinator) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.stopped {
		return ErrStopped
	}
	if c.sup != nil {
		return nil
	}
	c.sup = supervisor.New(ctx, supervisor.WithLogger(c.log), supervisor.WithCancelOnError(true))
	c.sup.GoRestart("dispatch.arbiter", c.runArbiter,
		supervisor.WithRestartBackoff(250*time.Millisecond, 5*time.Second),
		supervisor.WithMaxRestarts(arbiterMaxRestarts),
		supervisor.WithStopOnCleanExit(true),
		supervisor.WithPublishFirstError(true),
	)
	// An arbiter that gave up cancels the supervisor; nothing queued can run after that.
	c.sup.Go0("dispatch.drain", func(ctx context.Context) {
		<-ctx.Done()
		c.runMu.Lock()
		stopped := c.stopped
		c.runMu.Unlock()
		if stopped {
			return
		}
		c.queue.Close()
		c.drain(fmt.Errorf("arbiter not running: %w", ErrStopped))
	})
	return nil
}

// Stop closes the queue, cancels the arbiter and fails everything still
// queued with ErrStopped.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.runMu.Lock()
	if c.stopped {
		c.runMu.Unlock()
		return nil
	}
	c.stopped = true
	sup := c.sup
	c.runMu.Unlock()

	c.queue.Close()
	var err error
	if sup != nil {
		err = sup.Stop(ctx)
	}
	c.drain(ErrStopped)
	c.log.Info("dispatch stopped")
	return err
}

// drain fails everything left in a closed queue with cause.
func (c *Coordinator) drain(cause error) {
	for _, req := range c.queue.Drain() {
		c.tracker.Release(req.EndpointID, req.ID)
		c.publish(eventbus.DeliveryCanceled, req)
		c.complete(resultFor(req, fmt.Errorf("request %s: %w", req.ID, cause)))
	}
}

type sendOptions struct {
	priority    int
	hasPriority bool
	broadcastID string
}

type SendOption func(*sendOptions)

// WithPriority overrides the mode's default priority.
func WithPriority(p int) SendOption {
	return func(o *sendOptions) { o.priority, o.hasPriority = p, true }
}

func withBroadcastID(id string) SendOption {
	return func(o *sendOptions) { o.broadcastID = id }
}

// Send delivers text to one endpoint and waits for the terminal result.
// The returned error is the result's error.
func (c *Coordinator) Send(ctx context.Context, endpointID, text string, mode protocol.Mode, opts ...SendOption) (DeliveryResult, error) {
	t, err := c.submit(endpointID, text, mode, opts...)
	if err != nil {
		res := resultFor(t.req, err)
		return res, err
	}
	res := c.await(ctx, t)
	return res, res.Err
}

// ticket follows one submitted request until its result is handed over.
// started is closed when the arbiter admits the request.
type ticket struct {
	req       Request
	res       chan DeliveryResult
	started   chan struct{}
	startedAt time.Time
}

// submit validates and enqueues one request. The ticket's res channel
// receives its result.
func (c *Coordinator) submit(endpointID, text string, mode protocol.Mode, opts ...SendOption) (*ticket, error) {
	var o sendOptions
	for _, fn := range opts {
		fn(&o)
	}
	endpointID = strings.TrimSpace(endpointID)
	req := Request{
		ID:          uuid.NewString(),
		EndpointID:  endpointID,
		Payload:     text,
		Mode:        mode,
		Priority:    mode.DefaultPriority(),
		BroadcastID: o.broadcastID,
	}
	if o.hasPriority {
		req.Priority = o.priority
	}

	t := &ticket{req: req}
	switch {
	case endpointID == AllEndpoints:
		return t, &ConfigurationError{EndpointID: endpointID, Reason: "use Broadcast to reach every endpoint"}
	case !mode.Valid():
		return t, &ConfigurationError{EndpointID: endpointID, Reason: fmt.Sprintf("unsupported mode %d", int(mode))}
	case strings.TrimSpace(text) == "":
		return t, &ConfigurationError{EndpointID: endpointID, Reason: "empty payload", Err: protocol.ErrEmptyPayload}
	}
	if _, err := c.reg.Resolve(endpointID); err != nil {
		return t, &ConfigurationError{EndpointID: endpointID, Reason: "unknown endpoint", Err: err}
	}

	// Stamped and announced before Enqueue: the arbiter may start it at once.
	req.EnqueuedAt = time.Now()
	t.req = req
	t.res = make(chan DeliveryResult, 1)
	t.started = make(chan struct{})
	c.pendMu.Lock()
	c.pending[req.ID] = t
	c.pendMu.Unlock()

	if req.BroadcastID != "" {
		c.tracker.MarkWaiting(endpointID, req.ID)
	}
	c.publish(eventbus.DeliveryQueued, req)
	if _, err := c.queue.Enqueue(req); err != nil {
		c.forget(req.ID)
		c.tracker.Release(endpointID, req.ID)
		c.publish(eventbus.DeliveryCanceled, req)
		if errors.Is(err, ErrQueueClosed) {
			err = ErrStopped
		}
		return t, err
	}
	return t, nil
}

// markStarted records the admission of a pending request.
func (c *Coordinator) markStarted(requestID string) {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()
	t, ok := c.pending[requestID]
	if !ok || !t.startedAt.IsZero() {
		return
	}
	t.startedAt = time.Now()
	close(t.started)
}

// forget drops the waiter for a request; a later result only reaches the ledger.
func (c *Coordinator) forget(requestID string) {
	c.pendMu.Lock()
	delete(c.pending, requestID)
	c.pendMu.Unlock()
}

// await blocks for the result of t. If ctx ends first the request is
// cancelled while still queued; an admitted request keeps running and its
// result lands in the ledger.
func (c *Coordinator) await(ctx context.Context, t *ticket) DeliveryResult {
	select {
	case res := <-t.res:
		return res
	case <-ctx.Done():
	}
	if c.Cancel(t.req.ID) {
		return <-t.res
	}
	c.forget(t.req.ID)
	select {
	case res := <-t.res:
		return res
	default:
	}
	return resultFor(t.req, fmt.Errorf("waiting for request %s: %w", t.req.ID, ctx.Err()))
}

// Cancel removes a request that has not been admitted yet.
func (c *Coordinator) Cancel(requestID string) bool {
	req, ok := c.queue.Cancel(requestID)
	if !ok {
		return false
	}
	c.tracker.Release(req.EndpointID, req.ID)
	c.publish(eventbus.DeliveryCanceled, req)
	c.complete(resultFor(req, fmt.Errorf("request %s canceled before admission: %w", req.ID, context.Canceled)))
	return true
}

// complete records res and hands it to the waiter, if any.
func (c *Coordinator) complete(res DeliveryResult) {
	c.recent.Push(res)
	if !res.Success {
		c.errs.Push(res)
	}
	if res.Success {
		c.publishData(eventbus.DeliveryFinished, res)
	} else {
		c.publishData(eventbus.DeliveryFailed, res)
	}

	c.pendMu.Lock()
	t, ok := c.pending[res.RequestID]
	delete(c.pending, res.RequestID)
	c.pendMu.Unlock()
	if ok {
		t.res <- res
	}
}

func (c *Coordinator) publish(topic string, req Request) { c.publishData(topic, req) }

func (c *Coordinator) publishData(topic string, data any) {
	c.bus.Publish(eventbus.Event{Type: topic, Data: data})
}

// BreakerChange is the payload of breaker.changed events.
type BreakerChange struct {
	EndpointID string        `json:"endpoint_id"`
	From       CircuitStatus `json:"from"`
	To         CircuitStatus `json:"to"`
}

func (c *Coordinator) onBreakerChange(id string, from, to CircuitStatus) {
	lvl := logx.LevelInfo
	if to == CircuitOpen {
		lvl = logx.LevelWarn
	}
	c.log.Log(lvl, "circuit state changed",
		logx.String("endpoint", id), logx.String("from", from.String()), logx.String("to", to.String()))
	c.publishData(eventbus.BreakerChanged, BreakerChange{EndpointID: id, From: from, To: to})
}

// Status is a snapshot for diagnosis.
func (c *Coordinator) Status() Status {
	st := Status{
		Endpoints:  c.tracker.Snapshot(),
		Breakers:   c.breakers.Snapshot(),
		QueueLen:   c.queue.Len(),
		GateHeld:   c.gate.Held(),
		Recent:     c.recent.Last(0),
		Errors:     c.errs.Last(0),
		Broadcasts: c.broadcasts.Last(0),
	}
	c.runMu.Lock()
	if c.sup != nil {
		st.Running = !c.stopped
		st.Supervisor = c.sup.Snapshot()
	}
	c.runMu.Unlock()
	return st
}

// Device returns the automation device driven by the arbiter.
func (c *Coordinator) Device() device.Device { return c.dev }

// Registry returns the endpoint registry.
func (c *Coordinator) Registry() *endpoint.Registry { return c.reg }
