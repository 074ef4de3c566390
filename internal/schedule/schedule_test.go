package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"courier/internal/dispatch"
	"courier/internal/protocol"
	logx "courier/pkg/logx"

	"github.com/stretchr/testify/require"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		raw    string
		kind   SpecKind
		source string
		every  time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron"},
		{name: "cron with seconds", raw: "0 30 9 * * 1-5", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@hourly", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", every: 10 * time.Minute},
		{name: "every prefix", raw: "every:45s", kind: SpecInterval, source: "duration", every: 45 * time.Second},
		{name: "interval prefix hhmm", raw: "interval: 02:30", kind: SpecInterval, source: "hhmm", every: 150 * time.Minute},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", every: 90 * time.Minute},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSchedule(tt.raw)
			require.NoError(t, err)
			require.Equal(t, tt.kind, got.Kind)
			require.Equal(t, tt.source, got.Source)
			if tt.kind == SpecInterval {
				require.Equal(t, tt.every, got.Every)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "not-a-schedule", "every:", "00:00", "01:75", "-5m", "cron:", "61 * * * *"} {
		_, err := ParseSchedule(raw)
		require.Error(t, err, raw)
	}
}

func TestCompileReportsEveryBadJob(t *testing.T) {
	t.Parallel()

	err := Compile([]Job{
		{Name: "ok", Spec: "5m"},
		{Name: "bad1", Spec: "nope"},
		{Name: "bad2", Spec: "99 * * * *"},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), `"bad1"`)
	require.Contains(t, err.Error(), `"bad2"`)
	require.NotContains(t, err.Error(), `"ok"`)
}

type fakeBroadcaster struct {
	mu    sync.Mutex
	calls []Job
}

func (f *fakeBroadcaster) Broadcast(_ context.Context, payload string, mode protocol.Mode, ids []string, _ ...dispatch.SendOption) (dispatch.BroadcastRecord, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Job{Message: payload, Mode: mode, Targets: ids})
	f.mu.Unlock()
	return dispatch.BroadcastRecord{
		BroadcastID:  "b1",
		SuccessCount: len(ids),
		FailCount:    1,
		Results:      map[string]dispatch.DeliveryResult{"x": {}},
	}, nil
}

func (f *fakeBroadcaster) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestServiceFiresBroadcast(t *testing.T) {
	t.Parallel()

	fb := &fakeBroadcaster{}
	s := New(fb, "UTC", logx.Nop())
	require.NoError(t, s.Apply([]Job{
		{Name: "tick", Spec: "every:1s", Message: "ping", Mode: protocol.ModeHighPriority, Targets: []string{"E1"}},
		{Name: "daily", Spec: "0 9 * * *", Message: "morning"},
	}, "UTC"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool { return fb.count() >= 1 }, 3*time.Second, 20*time.Millisecond)

	fb.mu.Lock()
	first := fb.calls[0]
	fb.mu.Unlock()
	require.Equal(t, "ping", first.Message)
	require.Equal(t, protocol.ModeHighPriority, first.Mode)
	require.Equal(t, []string{"E1"}, first.Targets)

	entries := s.Entries()
	require.Len(t, entries, 2)
	require.Equal(t, "daily", entries[0].Name)
	require.Equal(t, "cron", entries[0].Kind)
	require.False(t, entries[0].Next.IsZero())
	require.Equal(t, "tick", entries[1].Name)
	require.GreaterOrEqual(t, entries[1].Runs, 1)
	require.Contains(t, entries[1].LastError, "endpoints failed")
}

func TestApplyRejectsBadSpecAndKeepsOld(t *testing.T) {
	t.Parallel()

	s := New(&fakeBroadcaster{}, "", logx.Nop())
	require.NoError(t, s.Apply([]Job{{Name: "a", Spec: "1h", Message: "m"}}, ""))
	require.Error(t, s.Apply([]Job{{Name: "b", Spec: "garbage", Message: "m"}}, ""))

	entries := s.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, "a", entries[0].Name)
	require.Equal(t, "interval", entries[0].Kind)
}
