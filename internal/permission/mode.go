package permission

import "fmt"

// Mode is the policy under which the child consults the capability server
// before executing sensitive tools.
type Mode string

const (
	ModeDefault     Mode = "default"
	ModeAcceptEdits Mode = "acceptEdits"
	ModePlan        Mode = "plan"
)

// NormalizeMode maps external spellings onto the canonical mode values.
// "normal" and "ask" are accepted for default; "auto-edit" and "autoEdit"
// for acceptEdits. An empty string normalizes to default.
func NormalizeMode(s string) (Mode, error) {
	switch s {
	case "", "default", "normal", "ask":
		return ModeDefault, nil
	case "acceptEdits", "auto-edit", "autoEdit":
		return ModeAcceptEdits, nil
	case "plan":
		return ModePlan, nil
	default:
		return "", fmt.Errorf("unknown permission mode: %q", s)
	}
}

// IsValid reports whether m is one of the canonical modes
func (m Mode) IsValid() bool {
	switch m {
	case ModeDefault, ModeAcceptEdits, ModePlan:
		return true
	}
	return false
}

func (m Mode) String() string {
	return string(m)
}
