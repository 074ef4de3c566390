package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	logx "courier/pkg/logx"
)

// RetryPolicy bounds attempts for one request. MaxRetries is the total
// number of attempts, the first one included.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Jitter adds a random share in [0, Jitter*delay] to each backoff.
	Jitter float64
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// Delay is the wait after failed attempt n (0-based):
// BaseDelay * 2^n capped at MaxDelay, plus jitter.
func (p RetryPolicy) Delay(attempt int, rng *rand.Rand) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 && rng != nil {
		d += time.Duration(rng.Float64() * p.Jitter * float64(d))
	}
	return d
}

// severityFor grades a failed attempt. The final attempt is always CRITICAL.
func severityFor(attempt, maxAttempts int) logx.Severity {
	switch {
	case attempt >= maxAttempts-1:
		return logx.SeverityCritical
	case attempt == 0:
		return logx.SeverityMedium
	default:
		return logx.SeverityHigh
	}
}

// Op is one protected attempt. attempt is 0-based.
type Op func(ctx context.Context, attempt int) error

// Fault composes retry inside the per-endpoint circuit breaker.
type Fault struct {
	breakers *Breakers
	log      logx.Logger

	mu     sync.Mutex
	policy RetryPolicy
	rng    *rand.Rand
}

func NewFault(b *Breakers, p RetryPolicy, log logx.Logger) *Fault {
	return &Fault{
		breakers: b,
		policy:   p.withDefaults(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		log:      log,
	}
}

func (f *Fault) SetPolicy(p RetryPolicy) {
	f.mu.Lock()
	f.policy = p.withDefaults()
	f.mu.Unlock()
}

func (f *Fault) Policy() RetryPolicy {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.policy
}

func (f *Fault) backoff(p RetryPolicy, attempt int) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return p.Delay(attempt, f.rng)
}

// ExecuteProtected runs op until it succeeds, the policy is exhausted, the
// breaker opens, op returns a NoRetry error or ctx is done. The breaker is
// consulted before every attempt and told about every outcome.
func (f *Fault) ExecuteProtected(ctx context.Context, endpointID string, op Op) DeliveryResult {
	p := f.Policy()
	res := DeliveryResult{EndpointID: endpointID, StartedAt: time.Now()}
	finish := func(err error) DeliveryResult {
		res.CompletedAt = time.Now()
		res.setErr(err)
		return res
	}

	var lastErr error
	for attempt := 0; attempt < p.MaxRetries; attempt++ {
		if err := f.breakers.Allow(endpointID); err != nil {
			f.log.Warn("delivery blocked by open circuit",
				logx.String("endpoint", endpointID), logx.Int("attempt", attempt+1), logx.Err(err))
			return finish(err)
		}

		res.Attempts = attempt + 1
		err := runOp(ctx, op, attempt)
		f.breakers.Record(endpointID, err)
		if err == nil {
			return finish(nil)
		}
		lastErr = err

		permanent := IsNoRetry(err)
		final := permanent || attempt == p.MaxRetries-1
		sev := severityFor(attempt, p.MaxRetries)
		if final {
			sev = logx.SeverityCritical
		}
		f.log.Log(sev.Level(), "delivery attempt failed",
			logx.Sev(sev),
			logx.String("endpoint", endpointID),
			logx.Int("attempt", attempt+1),
			logx.Int("max_attempts", p.MaxRetries),
			logx.Bool("permanent", permanent),
			logx.Err(err),
		)

		if permanent {
			var nr noRetryError
			if errors.As(err, &nr) {
				err = nr.err
			}
			return finish(err)
		}
		if ctx.Err() != nil {
			return finish(ctxErr(ctx, lastErr))
		}
		if final {
			break
		}

		delay := f.backoff(p, attempt)
		f.log.Debug("delivery retry scheduled",
			logx.String("endpoint", endpointID), logx.Int("next_attempt", attempt+2), logx.Duration("delay", delay))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return finish(ctxErr(ctx, lastErr))
		case <-t.C:
		}
	}
	return finish(&RetryExhaustedError{EndpointID: endpointID, Attempts: res.Attempts, Last: lastErr})
}

// runOp converts a panicking op into an error so one bad delivery cannot kill the arbiter.
func runOp(ctx context.Context, op Op, attempt int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return op(ctx, attempt)
}

// ctxErr puts the context error first so it classifies the result; the
// last attempt's error stays reachable through errors.Is/As.
func ctxErr(ctx context.Context, last error) error {
	cerr := ctx.Err()
	if last == nil || last == cerr {
		return cerr
	}
	return fmt.Errorf("%w (last error: %w)", cerr, last)
}
