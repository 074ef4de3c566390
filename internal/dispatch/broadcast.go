package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"courier/internal/eventbus"
	"courier/internal/protocol"
	"courier/internal/storage"
	logx "courier/pkg/logx"
)

const (
	persistTimeout = 5 * time.Second
	// stuckGrace is added to RequestTimeout before a broadcast stops waiting
	// on an admitted request. The arbiter normally reports the timeout itself.
	stuckGrace = time.Second
)

// Broadcast fans payload out to ids (every endpoint when empty) as
// independent requests sharing one broadcast id, then waits for all of them.
// Per-endpoint failures land in the record; the error is reserved for
// broadcasts that cannot start at all.
func (c *Coordinator) Broadcast(ctx context.Context, payload string, mode protocol.Mode, ids []string, opts ...SendOption) (BroadcastRecord, error) {
	if !mode.Valid() {
		return BroadcastRecord{}, &ConfigurationError{EndpointID: AllEndpoints, Reason: fmt.Sprintf("unsupported mode %d", int(mode))}
	}
	if strings.TrimSpace(payload) == "" {
		return BroadcastRecord{}, &ConfigurationError{EndpointID: AllEndpoints, Reason: "empty payload", Err: protocol.ErrEmptyPayload}
	}
	targets := c.targets(ids)
	if len(targets) == 0 {
		return BroadcastRecord{}, ErrNoEndpoints
	}

	rec := BroadcastRecord{
		BroadcastID: uuid.NewString(),
		Payload:     payload,
		Mode:        mode,
		Priority:    mode.DefaultPriority(),
		Results:     make(map[string]DeliveryResult, len(targets)),
		CreatedAt:   time.Now(),
	}
	log := c.log.With(logx.String("broadcast_id", rec.BroadcastID))
	log.Info("broadcast started", logx.Int("targets", len(targets)), logx.String("mode", mode.String()))

	opts = append(opts, withBroadcastID(rec.BroadcastID))
	tickets := make([]*ticket, 0, len(targets))
	for _, id := range targets {
		t, err := c.submit(id, payload, mode, opts...)
		rec.Priority = t.req.Priority
		if err != nil {
			rec.Results[id] = resultFor(t.req, err)
			continue
		}
		tickets = append(tickets, t)
	}

	for _, t := range tickets {
		rec.Results[t.req.EndpointID] = c.awaitMember(ctx, t)
	}

	for _, res := range rec.Results {
		if res.Success {
			rec.SuccessCount++
		} else {
			rec.FailCount++
		}
	}
	rec.FinishedAt = time.Now()
	c.broadcasts.Push(rec)
	c.persist(ctx, rec)
	c.publishData(eventbus.BroadcastFinished, rec)

	fields := []logx.Field{
		logx.Int("success", rec.SuccessCount),
		logx.Int("failed", rec.FailCount),
		logx.Duration("took", rec.FinishedAt.Sub(rec.CreatedAt)),
	}
	if rec.FailCount > 0 {
		log.Warn("broadcast finished with failures", append(fields, logx.Strings("failed_endpoints", failedIDs(rec)))...)
	} else {
		log.Info("broadcast finished", fields...)
	}
	return rec, nil
}

// targets resolves the requested ids, keeping order and dropping repeats.
// Unknown ids are kept so they show up as configuration errors.
func (c *Coordinator) targets(ids []string) []string {
	all := len(ids) == 0
	for _, id := range ids {
		if strings.TrimSpace(id) == AllEndpoints {
			all = true
		}
	}
	if all {
		return c.reg.IDs()
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// awaitMember waits for one broadcast request. Time spent queued behind
// other work only counts against QueueWait; the RequestTimeout clock starts
// when the arbiter admits the request.
func (c *Coordinator) awaitMember(ctx context.Context, t *ticket) DeliveryResult {
	select {
	case res := <-t.res:
		return res
	default:
	}

	var queued <-chan time.Time
	wait := c.config().QueueWait
	if wait > 0 {
		timer := time.NewTimer(time.Until(t.req.EnqueuedAt.Add(wait)))
		defer timer.Stop()
		queued = timer.C
	}
	for admitted := false; !admitted; {
		select {
		case res := <-t.res:
			return res
		case <-ctx.Done():
			return c.abandon(ctx, t, 0)
		case <-t.started:
			admitted = true
		case <-queued:
			queued = nil
			if c.Cancel(t.req.ID) {
				<-t.res
				return resultFor(t.req, &RequestTimeoutError{RequestID: t.req.ID, After: wait, Err: context.DeadlineExceeded})
			}
			// already dequeued, admission is imminent
		}
	}

	limit := c.config().RequestTimeout
	timer := time.NewTimer(time.Until(t.startedAt.Add(limit + stuckGrace)))
	defer timer.Stop()
	select {
	case res := <-t.res:
		return res
	case <-ctx.Done():
		return c.abandon(ctx, t, 0)
	case <-timer.C:
		return c.abandon(ctx, t, limit)
	}
}

// abandon gives up on a request the broadcast could not wait for. A
// still-queued request is cancelled; one already admitted keeps running
// and its result only reaches the ledger.
func (c *Coordinator) abandon(ctx context.Context, t *ticket, after time.Duration) DeliveryResult {
	if !c.Cancel(t.req.ID) {
		c.forget(t.req.ID)
	}
	select {
	case res := <-t.res:
		if res.Success || ctx.Err() == nil {
			return res
		}
	default:
	}

	var err error
	if ctx.Err() != nil {
		err = fmt.Errorf("broadcast %s: %w", t.req.BroadcastID, ctx.Err())
	} else {
		err = &RequestTimeoutError{RequestID: t.req.ID, After: after, Err: context.DeadlineExceeded}
	}
	return resultFor(t.req, err)
}

func (c *Coordinator) persist(ctx context.Context, rec BroadcastRecord) {
	if c.store == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	err := c.store.AppendBroadcast(pctx, storage.BroadcastEntry{
		Timestamp:    rec.FinishedAt,
		BroadcastID:  rec.BroadcastID,
		Message:      rec.Payload,
		Priority:     rec.Priority,
		SuccessCount: rec.SuccessCount,
		FailCount:    rec.FailCount,
		Method:       c.dev.Name(),
		Mode:         rec.Mode.String(),
	})
	if err != nil && !errors.Is(err, storage.ErrDisabled) {
		c.log.Warn("broadcast log append failed", logx.String("broadcast_id", rec.BroadcastID), logx.Err(err))
	}
}

// Broadcasts returns up to n recent broadcast records, newest first.
func (c *Coordinator) Broadcasts(n int) []BroadcastRecord { return c.broadcasts.Last(n) }

func failedIDs(rec BroadcastRecord) []string {
	var out []string
	for id, res := range rec.Results {
		if !res.Success {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
