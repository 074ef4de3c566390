package protocol

import (
	"fmt"
	"strings"
	"time"
)

type StepKind int

const (
	StepMove StepKind = iota
	StepClick
	StepSelectAll
	StepClear
	StepType
	StepSoftNewline
	StepHotkey
	StepConfirm
	StepWait
)

func (k StepKind) String() string {
	switch k {
	case StepMove:
		return "move"
	case StepClick:
		return "click"
	case StepSelectAll:
		return "select_all"
	case StepClear:
		return "clear"
	case StepType:
		return "type"
	case StepSoftNewline:
		return "soft_newline"
	case StepHotkey:
		return "hotkey"
	case StepConfirm:
		return "confirm"
	case StepWait:
		return "wait"
	default:
		return fmt.Sprintf("step(%d)", int(k))
	}
}

// Step is one planned action. Only the fields relevant to Kind are set.
type Step struct {
	Kind   StepKind
	Target string // region name for moves
	X, Y   int
	Text   string
	Keys   []string
	Delay  time.Duration
}

func (s Step) String() string {
	switch s.Kind {
	case StepMove:
		return fmt.Sprintf("move->%s(%d,%d)", s.Target, s.X, s.Y)
	case StepType:
		return fmt.Sprintf("type(%d chars)", len(s.Text))
	case StepSoftNewline, StepHotkey, StepConfirm:
		return s.Kind.String() + "(" + strings.Join(s.Keys, "+") + ")"
	case StepWait:
		return "wait(" + s.Delay.String() + ")"
	default:
		return s.Kind.String()
	}
}

// Count returns how many steps have kind k.
func Count(steps []Step, k StepKind) int {
	n := 0
	for _, s := range steps {
		if s.Kind == k {
			n++
		}
	}
	return n
}

// PrimitiveActionError reports the automation step that failed.
type PrimitiveActionError struct {
	Step  Step
	Index int
	Err   error
}

func (e *PrimitiveActionError) Error() string {
	return fmt.Sprintf("primitive %s (step %d) failed: %v", e.Step, e.Index, e.Err)
}

func (e *PrimitiveActionError) Unwrap() error { return e.Err }
