package protocol

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"courier/internal/device"
	"courier/internal/region"
	logx "courier/pkg/logx"

	"github.com/stretchr/testify/require"
)

func testEngine() *Engine {
	cfg := DefaultConfig()
	cfg.StepDelay = 0
	cfg.SessionReadyDelay = time.Millisecond
	cfg.ConfirmGap = time.Millisecond
	return New(cfg, logx.Nop())
}

func testRegions(t *testing.T) region.Regions {
	t.Helper()
	r, err := region.DeriveRegions(region.Point{X: 100, Y: 100}, 300, 200)
	require.NoError(t, err)
	return r
}

func kinds(steps []Step) []StepKind {
	out := make([]StepKind, len(steps))
	for i, s := range steps {
		out[i] = s.Kind
	}
	return out
}

func TestPlanNormal(t *testing.T) {
	t.Parallel()

	regs := testRegions(t)
	steps, err := testEngine().Plan(ModeNormal, regs, "hello")
	require.NoError(t, err)
	require.Equal(t, []StepKind{StepMove, StepClick, StepSelectAll, StepClear, StepType, StepConfirm}, kinds(steps))
	require.Equal(t, regs.Input.Center().X, steps[0].X)
	require.Equal(t, "input", steps[0].Target)
	require.Equal(t, "hello", steps[4].Text)
}

func TestPlanHighPriorityConfirmsTwice(t *testing.T) {
	t.Parallel()

	steps, err := testEngine().Plan(ModeHighPriority, testRegions(t), "fire")
	require.NoError(t, err)
	require.Equal(t, []StepKind{StepMove, StepClick, StepClear, StepType, StepConfirm, StepWait, StepConfirm}, kinds(steps))
	require.Equal(t, DefaultUrgentMarker+"fire", steps[3].Text)

	steps, err = testEngine().Plan(ModeHighPriority, testRegions(t), "fire\nnow")
	require.NoError(t, err)
	require.Equal(t, []StepKind{StepMove, StepClick, StepClear, StepType, StepSoftNewline, StepType, StepConfirm, StepWait, StepConfirm}, kinds(steps))
}

func TestPlanOnboarding(t *testing.T) {
	t.Parallel()

	regs := testRegions(t)
	steps, err := testEngine().Plan(ModeOnboarding, regs, "welcome")
	require.NoError(t, err)
	require.Equal(t, []StepKind{
		StepMove, StepClick, StepHotkey, StepWait, StepMove, StepClick, StepClear, StepType, StepConfirm,
	}, kinds(steps))
	require.Equal(t, "reset", steps[0].Target)
	require.Equal(t, regs.Reset.Center().Y, steps[4].Y)
	require.Equal(t, []string{"ctrl", "n"}, steps[2].Keys)
}

func TestPlanRejectsEmptyPayloadAndUnknownMode(t *testing.T) {
	t.Parallel()

	e := testEngine()
	_, err := e.Plan(ModeNormal, testRegions(t), "  \n ")
	require.ErrorIs(t, err, ErrEmptyPayload)

	_, err = e.Plan(Mode(42), testRegions(t), "x")
	require.ErrorContains(t, err, "unsupported mode")
}

func TestMultilineGivesOneConfirm(t *testing.T) {
	t.Parallel()

	for k := 1; k <= 6; k++ {
		lines := make([]string, k)
		for i := range lines {
			lines[i] = "line"
		}
		payload := strings.Join(lines, "\n")

		for _, mode := range []Mode{ModeNormal, ModeOnboarding} {
			rec := device.NewRecorder()
			require.NoError(t, testEngine().Deliver(context.Background(), rec, mode, testRegions(t), payload))

			var confirms, soft, typed int
			for _, a := range rec.Actions() {
				switch {
				case a.Kind == device.ActKey:
					confirms++
				case a.Kind == device.ActHotkey && strings.Join(a.Keys, "+") == "shift+Return":
					soft++
				case a.Kind == device.ActType:
					typed++
				}
			}
			require.Equal(t, 1, confirms, "mode %s k=%d", mode, k)
			require.Equal(t, k-1, soft, "mode %s k=%d", mode, k)
			require.Equal(t, k, typed, "mode %s k=%d", mode, k)

			last := rec.Actions()[len(rec.Actions())-1]
			require.Equal(t, device.ActKey, last.Kind)
		}
	}
}

func TestMultilineNormalizesCRLFAndKeepsBlankLines(t *testing.T) {
	t.Parallel()

	steps, err := testEngine().Plan(ModeNormal, testRegions(t), "a\r\n\r\nb")
	require.NoError(t, err)
	require.Equal(t, 2, Count(steps, StepSoftNewline))
	require.Equal(t, 2, Count(steps, StepType))
	require.Equal(t, 1, Count(steps, StepConfirm))
}

func TestRunAbortsOnPrimitiveFailure(t *testing.T) {
	t.Parallel()

	rec := device.NewRecorder()
	boom := errors.New("xdotool: no display")
	rec.Fail = func(a device.Action) error {
		if a.Kind == device.ActSelectAll {
			return boom
		}
		return nil
	}

	err := testEngine().Deliver(context.Background(), rec, ModeNormal, testRegions(t), "hi")
	var pe *PrimitiveActionError
	require.True(t, errors.As(err, &pe))
	require.Equal(t, StepSelectAll, pe.Step.Kind)
	require.Equal(t, 2, pe.Index)
	require.ErrorIs(t, err, boom)
	require.Len(t, rec.Actions(), 2, "no step after the failure may run")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.StepDelay = 0
	cfg.SessionReadyDelay = time.Hour
	e := New(cfg, logx.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	rec := device.NewRecorder()
	err := e.Deliver(ctx, rec, ModeOnboarding, testRegions(t), "hi")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, rec.Actions(), 3)
}

func TestApplySwapsConfig(t *testing.T) {
	t.Parallel()

	e := testEngine()
	cfg := DefaultConfig()
	cfg.UrgentMarker = ""
	cfg.ConfirmKey = "KP_Enter"
	e.Apply(cfg)

	steps, err := e.Plan(ModeHighPriority, testRegions(t), "x")
	require.NoError(t, err)
	require.Equal(t, "x", steps[3].Text)
	require.Equal(t, []string{"KP_Enter"}, steps[4].Keys)
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"normal", ModeNormal, false},
		{"", ModeNormal, false},
		{"HIGH", ModeHighPriority, false},
		{"high_priority", ModeHighPriority, false},
		{"urgent", ModeHighPriority, false},
		{"onboarding", ModeOnboarding, false},
		{"shout", ModeNormal, true},
	}
	for _, tc := range cases {
		got, err := ParseMode(tc.in)
		if tc.wantErr {
			require.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, got, tc.in)
	}

	require.Equal(t, 9, ModeHighPriority.DefaultPriority())
	require.Equal(t, 7, ModeOnboarding.DefaultPriority())
	require.Equal(t, 5, ModeNormal.DefaultPriority())

	b, err := ModeOnboarding.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "ONBOARDING", string(b))
}
