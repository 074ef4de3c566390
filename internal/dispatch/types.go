package dispatch

import (
	"time"

	"courier/internal/protocol"
	"courier/internal/runtime/supervisor"
)

// AllEndpoints targets every registered endpoint.
const AllEndpoints = "*"

// Config controls the coordinator. Zero values fall back to defaults.
//
// Defaults:
//   - GateTimeout: 5s
//   - RequestTimeout: 2m
//   - QueueWait: 0 (unbounded)
//   - HistorySize: 200
//   - BroadcastHistory: 50
//   - Retry: 3 attempts, 1s base, 30s cap
//   - Breaker: 5 failures, 1m recovery
type Config struct {
	QueueCapacity int

	GateTimeout time.Duration
	// RequestTimeout bounds one request from its admission by the arbiter.
	RequestTimeout time.Duration
	// QueueWait bounds how long a broadcast waits for one of its requests
	// to be admitted. A request still queued past it is canceled and
	// recorded as a timeout. 0 waits until the caller's context ends.
	QueueWait time.Duration

	// RatePerSec paces admissions to the device. <= 0 disables pacing.
	RatePerSec float64
	Burst      int

	HistorySize      int
	BroadcastHistory int

	Retry   RetryPolicy
	Breaker BreakerConfig
}

func (c Config) withDefaults() Config {
	if c.GateTimeout <= 0 {
		c.GateTimeout = 5 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 2 * time.Minute
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.BroadcastHistory <= 0 {
		c.BroadcastHistory = 50
	}
	c.Retry = c.Retry.withDefaults()
	c.Breaker = c.Breaker.withDefaults()
	return c
}

// Request is one queued delivery. It is never mutated after Enqueue.
type Request struct {
	ID          string        `json:"id"`
	EndpointID  string        `json:"endpoint_id"`
	Payload     string        `json:"payload"`
	Mode        protocol.Mode `json:"mode"`
	Priority    int           `json:"priority"`
	EnqueuedAt  time.Time     `json:"enqueued_at"`
	BroadcastID string        `json:"broadcast_id,omitempty"`
}

type DeliveryResult struct {
	RequestID   string        `json:"request_id"`
	EndpointID  string        `json:"endpoint_id"`
	BroadcastID string        `json:"broadcast_id,omitempty"`
	Mode        protocol.Mode `json:"mode"`
	Success     bool          `json:"success"`
	ErrorKind   ErrorKind     `json:"error_kind,omitempty"`
	Error       string        `json:"error,omitempty"`
	Attempts    int           `json:"attempts"`
	EnqueuedAt  time.Time     `json:"enqueued_at"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`

	// Err is the underlying error for in-process callers.
	Err error `json:"-"`
}

func (r DeliveryResult) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.CompletedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

func resultFor(req Request, err error) DeliveryResult {
	res := DeliveryResult{
		RequestID:   req.ID,
		EndpointID:  req.EndpointID,
		BroadcastID: req.BroadcastID,
		Mode:        req.Mode,
		EnqueuedAt:  req.EnqueuedAt,
		CompletedAt: time.Now(),
	}
	res.setErr(err)
	return res
}

func (r *DeliveryResult) setErr(err error) {
	r.Err = err
	r.Success = err == nil
	r.ErrorKind = KindOf(err)
	r.Error = ""
	if err != nil {
		r.Error = err.Error()
	}
}

type BroadcastRecord struct {
	BroadcastID  string                    `json:"broadcast_id"`
	Payload      string                    `json:"payload"`
	Mode         protocol.Mode             `json:"mode"`
	Priority     int                       `json:"priority"`
	Results      map[string]DeliveryResult `json:"results"`
	SuccessCount int                       `json:"success_count"`
	FailCount    int                       `json:"fail_count"`
	CreatedAt    time.Time                 `json:"created_at"`
	FinishedAt   time.Time                 `json:"finished_at"`
}

type EndpointStatus int

const (
	StatusIdle EndpointStatus = iota
	StatusWorking
	StatusWaiting
	StatusCompleted
	StatusError
)

func (s EndpointStatus) String() string {
	switch s {
	case StatusIdle:
		return "IDLE"
	case StatusWorking:
		return "WORKING"
	case StatusWaiting:
		return "WAITING"
	case StatusCompleted:
		return "COMPLETED"
	case StatusError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (s EndpointStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type EndpointState struct {
	EndpointID       string         `json:"endpoint_id"`
	Status           EndpointStatus `json:"status"`
	CurrentRequestID string         `json:"current_request_id,omitempty"`
	LastOutcome      EndpointStatus `json:"last_outcome"` // COMPLETED or ERROR; IDLE until something finished
	LastActivityAt   time.Time      `json:"last_activity_at"`
	Compliance       float64        `json:"compliance"`
}

// Status is a point-in-time view of the coordinator.
type Status struct {
	Endpoints  []EndpointState     `json:"endpoints"`
	Breakers   []BreakerSnapshot   `json:"breakers"`
	QueueLen   int                 `json:"queue_len"`
	GateHeld   bool                `json:"gate_held"`
	Running    bool                `json:"running"`
	Recent     []DeliveryResult    `json:"recent"`
	Errors     []DeliveryResult    `json:"errors"`
	Broadcasts []BroadcastRecord   `json:"broadcasts"`
	Supervisor supervisor.Snapshot `json:"supervisor"`
}
