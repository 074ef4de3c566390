package protocol

import (
	"fmt"
	"strings"
)

// Mode selects the input sequence used for a delivery.
type Mode int

const (
	ModeNormal Mode = iota
	ModeHighPriority
	ModeOnboarding
)

// Modes lists every mode in declaration order.
var Modes = []Mode{ModeNormal, ModeHighPriority, ModeOnboarding}

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "NORMAL"
	case ModeHighPriority:
		return "HIGH_PRIORITY"
	case ModeOnboarding:
		return "ONBOARDING"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// DefaultPriority is the queue priority used when a caller does not pick one.
func (m Mode) DefaultPriority() int {
	switch m {
	case ModeHighPriority:
		return 9
	case ModeOnboarding:
		return 7
	default:
		return 5
	}
}

func (m Mode) Valid() bool {
	switch m {
	case ModeNormal, ModeHighPriority, ModeOnboarding:
		return true
	}
	return false
}

// ParseMode accepts the canonical names plus short CLI aliases.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return ModeNormal, nil
	case "high", "high_priority", "high-priority", "urgent":
		return ModeHighPriority, nil
	case "onboarding", "onboard", "reset":
		return ModeOnboarding, nil
	default:
		return ModeNormal, fmt.Errorf("unknown mode %q", s)
	}
}

func (m Mode) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("invalid mode %d", int(m))
	}
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}
