package dispatch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

type CircuitStatus int

const (
	CircuitClosed CircuitStatus = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitStatus) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

func (s CircuitStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = time.Minute
	}
	return c
}

// circuit tracks consecutive failures for one endpoint.
//
//	CLOSED    --threshold failures-->  OPEN
//	OPEN      --recovery elapsed---->  HALF_OPEN (one trial)
//	HALF_OPEN --trial ok------------>  CLOSED (counters zeroed)
//	HALF_OPEN --trial failed-------->  OPEN (timer restarted)
type circuit struct {
	status        CircuitStatus
	failures      int
	successes     int
	lastFailureAt time.Time
	openedAt      time.Time
	trialInFlight bool
}

type BreakerSnapshot struct {
	EndpointID    string        `json:"endpoint_id"`
	Status        CircuitStatus `json:"status"`
	FailureCount  int           `json:"failure_count"`
	SuccessCount  int           `json:"success_count"`
	LastFailureAt time.Time     `json:"last_failure_at,omitempty"`
	RetryAt       time.Time     `json:"retry_at,omitempty"`
}

// Breakers holds one circuit per endpoint.
type Breakers struct {
	mu  sync.Mutex
	m   map[string]*circuit
	cfg BreakerConfig
	now func() time.Time

	// onChange runs outside the lock after every transition.
	onChange func(endpointID string, from, to CircuitStatus)
}

func NewBreakers(cfg BreakerConfig) *Breakers {
	return &Breakers{m: map[string]*circuit{}, cfg: cfg.withDefaults(), now: time.Now}
}

func (b *Breakers) SetConfig(cfg BreakerConfig) {
	b.mu.Lock()
	b.cfg = cfg.withDefaults()
	b.mu.Unlock()
}

func (b *Breakers) getLocked(id string) *circuit {
	c := b.m[id]
	if c == nil {
		c = &circuit{}
		b.m[id] = c
	}
	return c
}

// Allow returns a *CircuitOpenError when id must not be attempted now.
// Once the recovery timeout has elapsed exactly one caller is let through as
// the HALF_OPEN trial; everyone else keeps failing fast until it reports.
func (b *Breakers) Allow(id string) error { return b.allow(b.now(), id) }

func (b *Breakers) allow(now time.Time, id string) error {
	b.mu.Lock()
	c := b.getLocked(id)
	from := c.status
	var err error

	switch c.status {
	case CircuitClosed:
	case CircuitOpen:
		retryAt := c.openedAt.Add(b.cfg.RecoveryTimeout)
		if now.Before(retryAt) {
			err = &CircuitOpenError{EndpointID: id, RetryAt: retryAt}
			break
		}
		c.status = CircuitHalfOpen
		c.trialInFlight = true
	case CircuitHalfOpen:
		if c.trialInFlight {
			err = &CircuitOpenError{EndpointID: id}
			break
		}
		c.trialInFlight = true
	}
	to := c.status
	b.mu.Unlock()

	b.notify(id, from, to)
	return err
}

// Record reports the outcome of an attempt that Allow let through.
// Cancellation is not a verdict on the endpoint: it only frees the trial slot.
func (b *Breakers) Record(id string, err error) { b.record(b.now(), id, err) }

func (b *Breakers) record(now time.Time, id string, err error) {
	b.mu.Lock()
	c := b.getLocked(id)
	from := c.status

	canceled := errors.Is(err, context.Canceled)
	switch c.status {
	case CircuitClosed:
		switch {
		case canceled:
		case err == nil:
			c.failures = 0
			c.successes++
		default:
			c.failures++
			c.lastFailureAt = now
			if c.failures >= b.cfg.FailureThreshold {
				c.status = CircuitOpen
				c.openedAt = now
			}
		}
	case CircuitHalfOpen:
		c.trialInFlight = false
		switch {
		case canceled:
		case err == nil:
			c.status = CircuitClosed
			c.failures = 0
			c.successes = 0
			c.lastFailureAt = time.Time{}
			c.openedAt = time.Time{}
		default:
			c.status = CircuitOpen
			c.failures++
			c.lastFailureAt = now
			c.openedAt = now
		}
	case CircuitOpen:
		// Attempts are never let through while OPEN.
	}
	to := c.status
	b.mu.Unlock()

	b.notify(id, from, to)
}

func (b *Breakers) notify(id string, from, to CircuitStatus) {
	if from != to && b.onChange != nil {
		b.onChange(id, from, to)
	}
}

// State reports the circuit for id without changing it.
func (b *Breakers) State(id string) BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked(id, b.getLocked(id))
}

func (b *Breakers) snapshotLocked(id string, c *circuit) BreakerSnapshot {
	s := BreakerSnapshot{
		EndpointID:    id,
		Status:        c.status,
		FailureCount:  c.failures,
		SuccessCount:  c.successes,
		LastFailureAt: c.lastFailureAt,
	}
	if c.status == CircuitOpen {
		s.RetryAt = c.openedAt.Add(b.cfg.RecoveryTimeout)
	}
	return s
}

// Snapshot lists every known circuit sorted by endpoint id.
func (b *Breakers) Snapshot() []BreakerSnapshot {
	b.mu.Lock()
	out := make([]BreakerSnapshot, 0, len(b.m))
	for id, c := range b.m {
		out = append(out, b.snapshotLocked(id, c))
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].EndpointID < out[j].EndpointID })
	return out
}
