package dispatch

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"courier/internal/config"
	"courier/internal/device"
	"courier/internal/endpoint"
	"courier/internal/eventbus"
	"courier/internal/protocol"
	"courier/internal/storage"
	logx "courier/pkg/logx"

	"github.com/stretchr/testify/require"
)

type harness struct {
	c   *Coordinator
	rec *device.Recorder
	reg *endpoint.Registry
	bus *eventbus.MemBus
}

type harnessOpt func(*Options)

func withStore(s storage.Store) harnessOpt { return func(o *Options) { o.Store = s } }

// newHarness registers n endpoints E1..En side by side and wires a
// coordinator around a Recorder device.
func newHarness(t *testing.T, n int, tune func(*Config), hopts ...harnessOpt) *harness {
	t.Helper()

	entries := make([]config.EndpointConfig, 0, n)
	for i := 1; i <= n; i++ {
		entries = append(entries, config.EndpointConfig{ID: fmt.Sprintf("E%d", i), X: (i - 1) * 400, Y: 0, Width: 300, Height: 200})
	}
	reg, err := endpoint.New(entries)
	require.NoError(t, err)

	pcfg := protocol.DefaultConfig()
	pcfg.StepDelay = 0
	pcfg.ConfirmGap = time.Millisecond
	pcfg.SessionReadyDelay = time.Millisecond

	cfg := Config{
		GateTimeout:    time.Second,
		RequestTimeout: 5 * time.Second,
		Retry:          RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		Breaker:        BreakerConfig{FailureThreshold: 5, RecoveryTimeout: time.Hour},
	}
	if tune != nil {
		tune(&cfg)
	}

	rec := device.NewRecorder()
	bus := eventbus.New()
	opts := Options{
		Config:   cfg,
		Registry: reg,
		Device:   rec,
		Engine:   protocol.New(pcfg, logx.Nop()),
		Log:      logx.Nop(),
		Bus:      bus,
	}
	for _, o := range hopts {
		o(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	return &harness{c: c, rec: rec, reg: reg, bus: bus}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.c.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.c.Stop(ctx)
	})
}

func (h *harness) inputX(t *testing.T, id string) int {
	t.Helper()
	ep, err := h.reg.Resolve(id)
	require.NoError(t, err)
	return ep.Regions.Input.Center().X
}

// failOn makes every move to the listed endpoints' input areas fail.
func (h *harness) failOn(t *testing.T, ids ...string) *atomic.Int32 {
	xs := map[int]bool{}
	for _, id := range ids {
		xs[h.inputX(t, id)] = true
	}
	var hits atomic.Int32
	h.rec.Fail = func(a device.Action) error {
		if a.Kind == device.ActMove && xs[a.X] {
			hits.Add(1)
			return errBoom
		}
		return nil
	}
	return &hits
}

func TestSendDeliversNormalProtocol(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2, nil)
	h.start(t)

	res, err := h.c.Send(context.Background(), "E2", "hello", protocol.ModeNormal)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 1, res.Attempts)
	require.Equal(t, "E2", res.EndpointID)
	require.NotEmpty(t, res.RequestID)
	require.False(t, res.CompletedAt.Before(res.StartedAt))

	acts := h.rec.Actions()
	require.Len(t, acts, 6)
	require.Equal(t, device.ActMove, acts[0].Kind)
	require.Equal(t, h.inputX(t, "E2"), acts[0].X)
	require.Equal(t, "hello", acts[4].Text)
	require.Equal(t, device.ActKey, acts[5].Kind)

	st := h.c.Status()
	require.True(t, st.Running)
	require.Len(t, st.Recent, 1)
	require.Empty(t, st.Errors)
	e2 := findState(t, st.Endpoints, "E2")
	require.Equal(t, StatusIdle, e2.Status)
	require.Equal(t, StatusCompleted, e2.LastOutcome)
}

func findState(t *testing.T, states []EndpointState, id string) EndpointState {
	t.Helper()
	for _, s := range states {
		if s.EndpointID == id {
			return s
		}
	}
	t.Fatalf("no state for %s", id)
	return EndpointState{}
}

func TestSendRejectsBadInputWithoutQueueing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, nil)

	res, err := h.c.Send(context.Background(), "nope", "hi", protocol.ModeNormal)
	require.Error(t, err)
	require.Equal(t, KindConfiguration, res.ErrorKind)
	require.ErrorIs(t, err, endpoint.ErrNotFound)

	_, err = h.c.Send(context.Background(), "E1", "  \n", protocol.ModeNormal)
	require.Equal(t, KindConfiguration, KindOf(err))

	_, err = h.c.Send(context.Background(), "E1", "hi", protocol.Mode(42))
	require.Equal(t, KindConfiguration, KindOf(err))

	_, err = h.c.Send(context.Background(), AllEndpoints, "hi", protocol.ModeNormal)
	require.Equal(t, KindConfiguration, KindOf(err))

	require.Zero(t, h.c.Status().QueueLen)
	require.Empty(t, h.rec.Actions())
}

func TestConcurrentSendsNeverOverlap(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4, nil)
	h.rec.Latency = 200 * time.Microsecond
	h.start(t)

	const perEndpoint = 5
	var wg sync.WaitGroup
	errs := make(chan error, 4*perEndpoint)
	for i := 1; i <= 4; i++ {
		for j := 0; j < perEndpoint; j++ {
			wg.Add(1)
			go func(id string, j int) {
				defer wg.Done()
				_, err := h.c.Send(context.Background(), id, fmt.Sprintf("%s#%d", id, j), protocol.ModeNormal)
				errs <- err
			}(fmt.Sprintf("E%d", i), j)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, 1, h.rec.MaxInFlight())

	// Every protocol sequence is contiguous: move, click, select, clear, type, confirm.
	acts := h.rec.Actions()
	require.Len(t, acts, 4*perEndpoint*6)
	want := []device.ActionKind{device.ActMove, device.ActClick, device.ActSelectAll, device.ActClear, device.ActType, device.ActKey}
	for i := 0; i < len(acts); i += 6 {
		chunk := acts[i : i+6]
		for k, a := range chunk {
			require.Equal(t, want[k], a.Kind, "sequence %d step %d", i/6, k)
		}
		epID, _, _ := strings.Cut(chunk[4].Text, "#")
		require.Equal(t, h.inputX(t, epID), chunk[0].X, "sequence %d typed into another endpoint", i/6)
	}
}

func TestSendRetriesTransientPrimitiveFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, func(c *Config) { c.Retry.MaxRetries = 3 })
	var clicks atomic.Int32
	h.rec.Fail = func(a device.Action) error {
		if a.Kind == device.ActClick && clicks.Add(1) < 3 {
			return errBoom
		}
		return nil
	}
	h.start(t)

	res, err := h.c.Send(context.Background(), "E1", "third time", protocol.ModeNormal)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 3, res.Attempts)
}

func TestSendExhaustsRetries(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, nil)
	h.failOn(t, "E1")
	h.start(t)

	res, err := h.c.Send(context.Background(), "E1", "never", protocol.ModeNormal)
	require.Error(t, err)
	require.Equal(t, KindRetryExhausted, res.ErrorKind)
	require.Equal(t, 2, res.Attempts)

	var pe *PrimitiveActionError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, protocol.StepMove, pe.Step.Kind)

	st := h.c.Status()
	require.Len(t, st.Errors, 1)
	e1 := findState(t, st.Endpoints, "E1")
	require.Equal(t, StatusIdle, e1.Status)
	require.Equal(t, StatusError, e1.LastOutcome)
}

func TestOpenCircuitSkipsDevice(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2, func(c *Config) {
		c.Retry.MaxRetries = 1
		c.Breaker = BreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Hour}
	})
	hits := h.failOn(t, "E1")
	h.start(t)

	for i := 0; i < 2; i++ {
		res, _ := h.c.Send(context.Background(), "E1", "x", protocol.ModeNormal)
		require.Equal(t, KindRetryExhausted, res.ErrorKind)
	}
	require.EqualValues(t, 2, hits.Load())

	before := len(h.rec.Actions())
	res, err := h.c.Send(context.Background(), "E1", "x", protocol.ModeNormal)
	var co *CircuitOpenError
	require.ErrorAs(t, err, &co)
	require.Equal(t, KindCircuitOpen, res.ErrorKind)
	require.Zero(t, res.Attempts)
	require.EqualValues(t, 2, hits.Load())
	require.Len(t, h.rec.Actions(), before)

	// Other endpoints are unaffected.
	_, err = h.c.Send(context.Background(), "E2", "y", protocol.ModeNormal)
	require.NoError(t, err)

	st := h.c.Status()
	for _, b := range st.Breakers {
		if b.EndpointID == "E1" {
			require.Equal(t, CircuitOpen, b.Status)
		}
	}
}

func TestBroadcastIsolatesFailures(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "broadcasts.jsonl")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := newHarness(t, 8, nil, withStore(store))
	h.failOn(t, "E3", "E6")
	h.start(t)

	rec, err := h.c.Broadcast(context.Background(), "status update", protocol.ModeNormal, nil)
	require.NoError(t, err)
	require.Equal(t, 6, rec.SuccessCount)
	require.Equal(t, 2, rec.FailCount)
	require.Len(t, rec.Results, 8)
	require.NotEmpty(t, rec.BroadcastID)
	for id, res := range rec.Results {
		require.Equal(t, rec.BroadcastID, res.BroadcastID)
		if id == "E3" || id == "E6" {
			require.False(t, res.Success, id)
			require.Equal(t, KindRetryExhausted, res.ErrorKind, id)
		} else {
			require.True(t, res.Success, id)
		}
	}

	require.Len(t, h.c.Broadcasts(0), 1)
	entries, err := store.RecentBroadcasts(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, rec.BroadcastID, entries[0].BroadcastID)
	require.Equal(t, "status update", entries[0].Message)
	require.Equal(t, 6, entries[0].SuccessCount)
	require.Equal(t, 2, entries[0].FailCount)
	require.Equal(t, "dry_run", entries[0].Method)
	require.Equal(t, "NORMAL", entries[0].Mode)
}

func TestBroadcastUnknownTargetsAreReported(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2, nil)
	h.start(t)

	rec, err := h.c.Broadcast(context.Background(), "hi", protocol.ModeHighPriority, []string{"E1", "ghost", "E1"})
	require.NoError(t, err)
	require.Len(t, rec.Results, 2)
	require.Equal(t, 1, rec.SuccessCount)
	require.Equal(t, KindConfiguration, rec.Results["ghost"].ErrorKind)
	require.Equal(t, protocol.ModeHighPriority.DefaultPriority(), rec.Priority)

	_, err = h.c.Broadcast(context.Background(), "", protocol.ModeNormal, nil)
	require.Equal(t, KindConfiguration, KindOf(err))
}

func TestBroadcastTimesOutStuckRequests(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, nil)
	// Arbiter not started: nothing is ever admitted.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(50*time.Millisecond, cancel)

	rec, err := h.c.Broadcast(ctx, "hello", protocol.ModeNormal, nil)
	require.NoError(t, err)
	require.Equal(t, 3, rec.FailCount)
	for _, res := range rec.Results {
		require.Equal(t, KindCanceled, res.ErrorKind)
	}
	require.Zero(t, h.c.Status().QueueLen)

	h.c.Apply(Config{QueueWait: 10 * time.Millisecond})
	rec, err = h.c.Broadcast(context.Background(), "hello", protocol.ModeNormal, []string{"E1"})
	require.NoError(t, err)
	require.Equal(t, KindTimeout, rec.Results["E1"].ErrorKind)
	var te *RequestTimeoutError
	require.ErrorAs(t, rec.Results["E1"].Err, &te)
	require.Equal(t, 10*time.Millisecond, te.After)
	require.Equal(t, StatusIdle, findState(t, h.c.Status().Endpoints, "E1").Status)
	require.Zero(t, h.c.Status().QueueLen)
}

func TestBroadcastQueuedBehindAnotherBroadcastSucceeds(t *testing.T) {
	t.Parallel()

	// Each delivery fits the timeout; the first broadcast as a whole does not.
	h := newHarness(t, 7, func(c *Config) { c.RequestTimeout = 300 * time.Millisecond })
	h.rec.Latency = 15 * time.Millisecond
	h.start(t)

	type outcome struct {
		rec BroadcastRecord
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		rec, err := h.c.Broadcast(context.Background(), "first", protocol.ModeNormal, []string{"E1", "E2", "E3", "E4", "E5", "E6"})
		first <- outcome{rec, err}
	}()
	require.Eventually(t, func() bool { return h.c.Status().QueueLen >= 4 }, time.Second, time.Millisecond)

	second, err := h.c.Broadcast(context.Background(), "second", protocol.ModeNormal, []string{"E7"})
	require.NoError(t, err)
	require.Equal(t, 1, second.SuccessCount, second.Results["E7"].Error)
	require.Zero(t, second.FailCount)
	require.Greater(t, second.FinishedAt.Sub(second.CreatedAt), 300*time.Millisecond, "second broadcast should have waited in the queue")

	select {
	case o := <-first:
		require.NoError(t, o.err)
		require.Equal(t, 6, o.rec.SuccessCount)
	case <-time.After(5 * time.Second):
		t.Fatal("first broadcast did not finish")
	}
}

func TestSendCanceledWhileQueued(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res, err := h.c.Send(ctx, "E1", "late", protocol.ModeNormal)
	require.Error(t, err)
	require.Equal(t, KindCanceled, res.ErrorKind)
	require.Zero(t, h.c.Status().QueueLen)
	require.False(t, h.c.Cancel(res.RequestID))
}

func TestRequestTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, func(c *Config) {
		c.RequestTimeout = 30 * time.Millisecond
		c.Retry.MaxRetries = 1
	})
	h.rec.Latency = 100 * time.Millisecond
	h.start(t)

	res, err := h.c.Send(context.Background(), "E1", "slow", protocol.ModeNormal)
	require.Error(t, err)
	require.Equal(t, KindTimeout, res.ErrorKind)
	var te *RequestTimeoutError
	require.ErrorAs(t, err, &te)
}

func TestStopCancelsQueuedRequests(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, nil)
	done := make(chan error, 1)
	go func() {
		_, err := h.c.Send(context.Background(), "E1", "pending", protocol.ModeNormal)
		done <- err
	}()
	require.Eventually(t, func() bool { return h.c.Status().QueueLen == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.c.Stop(context.Background()))
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrStopped)
		require.Equal(t, KindCanceled, KindOf(err))
	case <-time.After(time.Second):
		t.Fatal("Send did not return after Stop")
	}

	_, err := h.c.Send(context.Background(), "E1", "after", protocol.ModeNormal)
	require.ErrorIs(t, err, ErrStopped)
	require.ErrorIs(t, h.c.Start(context.Background()), ErrStopped)
}

func TestLifecycleEvents(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, nil)
	events, unsubscribe := h.bus.Subscribe(16)
	defer unsubscribe()
	h.start(t)

	_, err := h.c.Send(context.Background(), "E1", "hi", protocol.ModeOnboarding)
	require.NoError(t, err)

	var got []string
	timeout := time.After(time.Second)
	for len(got) < 3 {
		select {
		case e := <-events:
			got = append(got, e.Type)
		case <-timeout:
			t.Fatalf("got only %v", got)
		}
	}
	require.Equal(t, []string{eventbus.DeliveryQueued, eventbus.DeliveryStarted, eventbus.DeliveryFinished}, got)
}

func TestBreakerChangeEvent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, func(c *Config) {
		c.Retry.MaxRetries = 1
		c.Breaker.FailureThreshold = 1
	})
	h.failOn(t, "E1")
	events, unsubscribe := h.bus.Subscribe(16)
	defer unsubscribe()
	h.start(t)

	_, err := h.c.Send(context.Background(), "E1", "x", protocol.ModeNormal)
	require.Error(t, err)

	deadline := time.After(time.Second)
	for {
		select {
		case e := <-events:
			if e.Type != eventbus.BreakerChanged {
				continue
			}
			ch, ok := e.Data.(BreakerChange)
			require.True(t, ok)
			require.Equal(t, CircuitOpen, ch.To)
			return
		case <-deadline:
			t.Fatal("no breaker.changed event")
		}
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Options{Device: device.NewRecorder()})
	require.Error(t, err)
	reg, err := endpoint.New(nil)
	require.NoError(t, err)
	_, err = New(Options{Registry: reg})
	require.Error(t, err)
	_, err = New(Options{Registry: reg, Device: device.NewRecorder()})
	require.NoError(t, err)
}
