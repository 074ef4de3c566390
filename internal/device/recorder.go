package device

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	logx "courier/pkg/logx"
)

type ActionKind string

const (
	ActMove      ActionKind = "move"
	ActClick     ActionKind = "click"
	ActSelectAll ActionKind = "select_all"
	ActClear     ActionKind = "clear"
	ActType      ActionKind = "type"
	ActKey       ActionKind = "key"
	ActHotkey    ActionKind = "hotkey"
)

// Action is one recorded primitive.
type Action struct {
	Kind ActionKind `json:"kind"`
	X    int        `json:"x,omitempty"`
	Y    int        `json:"y,omitempty"`
	Text string     `json:"text,omitempty"`
	Keys []string   `json:"keys,omitempty"`
	At   time.Time  `json:"at"`
}

func (a Action) String() string {
	switch a.Kind {
	case ActMove:
		return fmt.Sprintf("move(%d,%d)", a.X, a.Y)
	case ActType:
		return fmt.Sprintf("type(%q)", a.Text)
	case ActKey, ActHotkey:
		return string(a.Kind) + "(" + strings.Join(a.Keys, "+") + ")"
	default:
		return string(a.Kind)
	}
}

// Recorder is an in-memory Device. It never touches the screen.
//
// Fail, when set, is consulted before each primitive; a non-nil error is
// returned to the caller and the action is not recorded.
type Recorder struct {
	Latency time.Duration
	Fail    func(a Action) error

	mu      sync.Mutex
	actions []Action

	inFlight    atomic.Int32
	maxInFlight atomic.Int32

	log logx.Logger
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Name() string { return "dry_run" }

func (r *Recorder) do(ctx context.Context, a Action) error {
	n := r.inFlight.Add(1)
	defer r.inFlight.Add(-1)
	for {
		m := r.maxInFlight.Load()
		if n <= m || r.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if r.Latency > 0 {
		t := time.NewTimer(r.Latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	a.At = time.Now()
	if r.Fail != nil {
		if err := r.Fail(a); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.actions = append(r.actions, a)
	r.mu.Unlock()
	r.log.Debug("dry-run action", logx.String("action", a.String()))
	return nil
}

func (r *Recorder) MoveTo(ctx context.Context, x, y int) error {
	return r.do(ctx, Action{Kind: ActMove, X: x, Y: y})
}
func (r *Recorder) Click(ctx context.Context) error { return r.do(ctx, Action{Kind: ActClick}) }
func (r *Recorder) SelectAll(ctx context.Context) error {
	return r.do(ctx, Action{Kind: ActSelectAll})
}
func (r *Recorder) Clear(ctx context.Context) error { return r.do(ctx, Action{Kind: ActClear}) }
func (r *Recorder) TypeOrPaste(ctx context.Context, text string) error {
	return r.do(ctx, Action{Kind: ActType, Text: text})
}
func (r *Recorder) PressKey(ctx context.Context, key string) error {
	return r.do(ctx, Action{Kind: ActKey, Keys: []string{key}})
}
func (r *Recorder) PressHotkey(ctx context.Context, keys ...string) error {
	return r.do(ctx, Action{Kind: ActHotkey, Keys: append([]string(nil), keys...)})
}

// Actions returns a copy of everything recorded so far.
func (r *Recorder) Actions() []Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Action(nil), r.actions...)
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.actions = nil
	r.mu.Unlock()
}

// MaxInFlight is the highest number of primitives observed running at once.
func (r *Recorder) MaxInFlight() int { return int(r.maxInFlight.Load()) }
