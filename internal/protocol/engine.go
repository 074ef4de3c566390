// Package protocol turns a delivery into the ordered list of automation
// primitives for its mode and runs that list against a device.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"courier/internal/device"
	"courier/internal/region"
	logx "courier/pkg/logx"
)

const DefaultUrgentMarker = "[URGENT] "

var ErrEmptyPayload = errors.New("payload is empty")

type Config struct {
	StepDelay         time.Duration
	SessionReadyDelay time.Duration
	ConfirmGap        time.Duration

	// UrgentMarker prefixes HIGH_PRIORITY payloads. Empty disables it.
	UrgentMarker string

	ConfirmKey  string
	SoftNewline []string
	NewSession  []string
}

func DefaultConfig() Config {
	return Config{
		StepDelay:         50 * time.Millisecond,
		SessionReadyDelay: 2 * time.Second,
		ConfirmGap:        300 * time.Millisecond,
		UrgentMarker:      DefaultUrgentMarker,
		ConfirmKey:        "Return",
		SoftNewline:       []string{"shift", "Return"},
		NewSession:        []string{"ctrl", "n"},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.ConfirmKey) == "" {
		c.ConfirmKey = def.ConfirmKey
	}
	if len(c.SoftNewline) == 0 {
		c.SoftNewline = def.SoftNewline
	}
	if len(c.NewSession) == 0 {
		c.NewSession = def.NewSession
	}
	if c.StepDelay < 0 {
		c.StepDelay = 0
	}
	if c.SessionReadyDelay < 0 {
		c.SessionReadyDelay = 0
	}
	if c.ConfirmGap < 0 {
		c.ConfirmGap = 0
	}
	return c
}

// Engine builds and runs protocol plans. Config can be swapped at runtime.
type Engine struct {
	mu  sync.RWMutex
	cfg Config
	log logx.Logger
}

func New(cfg Config, log logx.Logger) *Engine {
	return &Engine{cfg: cfg.withDefaults(), log: log.With(logx.String("comp", "protocol"))}
}

func (e *Engine) Apply(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg.withDefaults()
	e.mu.Unlock()
}

func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Plan returns the ordered steps for mode. Every plan ends with its confirm
// action(s); HIGH_PRIORITY confirms twice with ConfirmGap in between.
func (e *Engine) Plan(mode Mode, regs region.Regions, payload string) ([]Step, error) {
	if strings.TrimSpace(payload) == "" {
		return nil, ErrEmptyPayload
	}
	cfg := e.Config()
	input := regs.Input.Center()
	reset := regs.Reset.Center()
	confirm := Step{Kind: StepConfirm, Keys: []string{cfg.ConfirmKey}}

	var steps []Step
	switch mode {
	case ModeNormal:
		steps = append(steps,
			moveStep("input", input),
			Step{Kind: StepClick},
			Step{Kind: StepSelectAll},
			Step{Kind: StepClear},
		)
		steps = append(steps, lineSteps(payload, cfg.SoftNewline)...)
		steps = append(steps, confirm)
	case ModeHighPriority:
		steps = append(steps,
			moveStep("input", input),
			Step{Kind: StepClick},
			Step{Kind: StepClear},
		)
		steps = append(steps, lineSteps(cfg.UrgentMarker+payload, cfg.SoftNewline)...)
		// Multiline payloads still get both confirms.
		steps = append(steps, confirm, Step{Kind: StepWait, Delay: cfg.ConfirmGap}, confirm)
	case ModeOnboarding:
		steps = append(steps,
			moveStep("reset", reset),
			Step{Kind: StepClick},
			Step{Kind: StepHotkey, Keys: cfg.NewSession},
			Step{Kind: StepWait, Delay: cfg.SessionReadyDelay},
			moveStep("reset", reset),
			Step{Kind: StepClick},
			Step{Kind: StepClear},
		)
		steps = append(steps, lineSteps(payload, cfg.SoftNewline)...)
		steps = append(steps, confirm)
	default:
		return nil, fmt.Errorf("unsupported mode %s", mode)
	}
	return steps, nil
}

func moveStep(target string, p region.Point) Step {
	return Step{Kind: StepMove, Target: target, X: p.X, Y: p.Y}
}

// lineSteps types each line and separates lines with a soft newline.
// k lines always give k-1 soft newlines; empty lines are not typed.
func lineSteps(payload string, softNewline []string) []Step {
	payload = strings.ReplaceAll(payload, "\r\n", "\n")
	payload = strings.ReplaceAll(payload, "\r", "\n")
	lines := strings.Split(payload, "\n")

	steps := make([]Step, 0, 2*len(lines))
	for i, line := range lines {
		if line != "" {
			steps = append(steps, Step{Kind: StepType, Text: line})
		}
		if i < len(lines)-1 {
			steps = append(steps, Step{Kind: StepSoftNewline, Keys: softNewline})
		}
	}
	return steps
}

// Run executes steps in order. The first failing primitive aborts the run
// with a *PrimitiveActionError.
func (e *Engine) Run(ctx context.Context, dev device.Device, steps []Step) error {
	stepDelay := e.Config().StepDelay
	for i, st := range steps {
		if i > 0 && stepDelay > 0 && st.Kind != StepWait {
			if err := sleepCtx(ctx, stepDelay); err != nil {
				return err
			}
		}
		if err := e.exec(ctx, dev, st); err != nil {
			if st.Kind == StepWait {
				return err
			}
			return &PrimitiveActionError{Step: st, Index: i, Err: err}
		}
		e.log.Trace("step done", logx.Int("index", i), logx.String("step", st.String()))
	}
	return nil
}

// Deliver plans and runs mode against dev.
func (e *Engine) Deliver(ctx context.Context, dev device.Device, mode Mode, regs region.Regions, payload string) error {
	steps, err := e.Plan(mode, regs, payload)
	if err != nil {
		return err
	}
	return e.Run(ctx, dev, steps)
}

func (e *Engine) exec(ctx context.Context, dev device.Device, st Step) error {
	switch st.Kind {
	case StepMove:
		return dev.MoveTo(ctx, st.X, st.Y)
	case StepClick:
		return dev.Click(ctx)
	case StepSelectAll:
		return dev.SelectAll(ctx)
	case StepClear:
		return dev.Clear(ctx)
	case StepType:
		return dev.TypeOrPaste(ctx, st.Text)
	case StepSoftNewline, StepHotkey:
		return dev.PressHotkey(ctx, st.Keys...)
	case StepConfirm:
		return dev.PressKey(ctx, st.Keys[0])
	case StepWait:
		return sleepCtx(ctx, st.Delay)
	default:
		return fmt.Errorf("unknown step kind %d", int(st.Kind))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
