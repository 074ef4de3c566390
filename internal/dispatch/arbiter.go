package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"courier/internal/device"
	"courier/internal/eventbus"
	"courier/internal/protocol"
	logx "courier/pkg/logx"
)

// DeviceGate is the process-wide exclusive hold on the automation device.
type DeviceGate struct {
	tok chan struct{}
}

func NewDeviceGate() *DeviceGate {
	g := &DeviceGate{tok: make(chan struct{}, 1)}
	g.tok <- struct{}{}
	return g
}

// Acquire takes the gate, waiting at most timeout (<= 0 waits for ctx only).
func (g *DeviceGate) Acquire(ctx context.Context, timeout time.Duration) error {
	select {
	case <-g.tok:
		return nil
	default:
	}

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-g.tok:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-expired:
		return &DeviceBusyError{Waited: timeout}
	}
}

func (g *DeviceGate) Release() {
	select {
	case g.tok <- struct{}{}:
	default:
		panic("dispatch: DeviceGate released without being held")
	}
}

// Held reports whether someone owns the gate right now.
func (g *DeviceGate) Held() bool { return len(g.tok) == 0 }

// arbiterMaxRestarts bounds how often a failing arbiter is restarted before
// the coordinator gives up and fails whatever is still queued.
const arbiterMaxRestarts = 10

// runArbiter is the single consumer of the queue. It returns nil once the
// queue is closed and empty.
func (c *Coordinator) runArbiter(ctx context.Context) error {
	c.log.Info("arbiter started", logx.String("device", c.dev.Name()))
	defer c.log.Info("arbiter stopped")
	for {
		req, err := c.queue.DequeueNext(ctx)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) {
				return nil
			}
			return err
		}
		c.complete(c.process(ctx, req))
	}
}

// process takes one dequeued request to a terminal result.
func (c *Coordinator) process(ctx context.Context, req Request) DeliveryResult {
	ep, err := c.reg.Resolve(req.EndpointID)
	if err != nil {
		c.tracker.Finish(req.EndpointID, false)
		return resultFor(req, &ConfigurationError{EndpointID: req.EndpointID, Reason: "unknown endpoint", Err: err})
	}

	cfg := c.config()
	if err := c.limiter.Wait(ctx); err != nil {
		c.tracker.Release(req.EndpointID, req.ID)
		return resultFor(req, fmt.Errorf("waiting for admission pacing: %w", err))
	}

	rctx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()

	log := c.log.With(
		logx.String("request_id", req.ID),
		logx.String("endpoint", req.EndpointID),
		logx.String("mode", req.Mode.String()),
	)

	admitted := false
	op := func(ctx context.Context, attempt int) error {
		if err := c.gate.Acquire(ctx, cfg.GateTimeout); err != nil {
			return err
		}
		defer c.gate.Release()

		if !admitted {
			if err := c.tracker.Admit(req.EndpointID, req.ID); err != nil {
				return NoRetry(err)
			}
			admitted = true
			c.markStarted(req.ID)
			c.publish(eventbus.DeliveryStarted, req)
			log.Debug("delivery admitted", logx.Int("priority", req.Priority))
		}

		err := c.engine.Deliver(ctx, c.dev, req.Mode, ep.Regions, req.Payload)
		if errors.Is(err, protocol.ErrEmptyPayload) || errors.Is(err, device.ErrUnavailable) {
			return NoRetry(err)
		}
		return err
	}

	res := c.fault.ExecuteProtected(rctx, req.EndpointID, op)
	if res.Err != nil && ctx.Err() == nil && errors.Is(rctx.Err(), context.DeadlineExceeded) {
		res.setErr(&RequestTimeoutError{RequestID: req.ID, After: cfg.RequestTimeout, Err: res.Err})
	}
	res.RequestID = req.ID
	res.BroadcastID = req.BroadcastID
	res.Mode = req.Mode
	res.EnqueuedAt = req.EnqueuedAt

	c.tracker.Finish(req.EndpointID, res.Success)
	if res.Success {
		log.Info("delivery completed", logx.Int("attempts", res.Attempts), logx.Duration("took", res.Duration()))
	} else {
		log.Warn("delivery failed",
			logx.String("kind", string(res.ErrorKind)), logx.Int("attempts", res.Attempts), logx.Err(res.Err))
	}
	return res
}
