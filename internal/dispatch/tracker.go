package dispatch

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	initialCompliance = 0.5
	complianceGain    = 0.05
	compliancePenalty = 0.02
)

// Tracker holds the runtime state of every endpoint.
//
// COMPLETED and ERROR are transient: Finish records the outcome in
// LastOutcome and the endpoint is IDLE again before the lock is released.
type Tracker struct {
	mu      sync.Mutex
	m       map[string]*EndpointState
	working string
	now     func() time.Time
}

func NewTracker(ids []string) *Tracker {
	t := &Tracker{m: map[string]*EndpointState{}, now: time.Now}
	for _, id := range ids {
		t.getLocked(id)
	}
	return t
}

func (t *Tracker) getLocked(id string) *EndpointState {
	st := t.m[id]
	if st == nil {
		st = &EndpointState{EndpointID: id, Status: StatusIdle, Compliance: initialCompliance}
		t.m[id] = st
	}
	return st
}

// MarkWaiting records that a broadcast request for id sits in the queue.
// A WORKING endpoint stays WORKING.
func (t *Tracker) MarkWaiting(id, requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.getLocked(id)
	if st.Status == StatusWorking {
		return
	}
	st.Status = StatusWaiting
	st.CurrentRequestID = requestID
	st.LastActivityAt = t.now()
}

// Release returns a WAITING endpoint to IDLE when its request left the
// queue without running.
func (t *Tracker) Release(id, requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.getLocked(id)
	if st.Status == StatusWaiting && st.CurrentRequestID == requestID {
		st.Status = StatusIdle
		st.CurrentRequestID = ""
		st.LastActivityAt = t.now()
	}
}

// Admit moves id from IDLE or WAITING to WORKING. It refuses while any
// endpoint is WORKING, so two admissions can never overlap.
func (t *Tracker) Admit(id, requestID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.working != "" {
		return fmt.Errorf("%w: %s", ErrAlreadyWorking, t.working)
	}
	st := t.getLocked(id)
	st.Status = StatusWorking
	st.CurrentRequestID = requestID
	st.LastActivityAt = t.now()
	t.working = id
	return nil
}

// Finish records COMPLETED or ERROR as the endpoint's last outcome, adjusts
// its compliance score and returns it to IDLE. It also applies to requests
// that were never admitted (breaker open).
func (t *Tracker) Finish(id string, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.getLocked(id)
	if t.working == id {
		t.working = ""
	}
	if success {
		st.LastOutcome = StatusCompleted
		st.Compliance = min(1, st.Compliance+complianceGain)
	} else {
		st.LastOutcome = StatusError
		st.Compliance = max(0, st.Compliance-compliancePenalty)
	}
	st.Status = StatusIdle
	st.CurrentRequestID = ""
	st.LastActivityAt = t.now()
}

// Compliance is the score used as a queue tie-break.
func (t *Tracker) Compliance(id string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.m[id]; ok {
		return st.Compliance
	}
	return initialCompliance
}

func (t *Tracker) State(id string) EndpointState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.getLocked(id)
}

// Working returns the endpoint currently WORKING, if any.
func (t *Tracker) Working() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.working
}

func (t *Tracker) Snapshot() []EndpointState {
	t.mu.Lock()
	out := make([]EndpointState, 0, len(t.m))
	for _, st := range t.m {
		out = append(out, *st)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].EndpointID < out[j].EndpointID })
	return out
}
