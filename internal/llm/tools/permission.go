package tools

import (
	"fmt"
	"strings"
)

// Permission is the standing user decision for a tool
type Permission int

const (
	// PermissionApprove prompts the user, suggesting approval
	PermissionApprove Permission = iota
	// PermissionApproveAlways executes without prompting
	PermissionApproveAlways
	// PermissionDeny prompts the user, suggesting denial
	PermissionDeny
	// PermissionDenyNever hides the tool from the model and rejects every call
	PermissionDenyNever
)

func (p Permission) String() string {
	switch p {
	case PermissionApprove:
		return "APPROVE"
	case PermissionApproveAlways:
		return "APPROVE_ALWAYS"
	case PermissionDeny:
		return "DENY"
	case PermissionDenyNever:
		return "DENY_NEVER"
	default:
		return fmt.Sprintf("PERMISSION(%d)", int(p))
	}
}

// ParsePermission parses the String form of a permission
func ParsePermission(s string) (Permission, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "APPROVE":
		return PermissionApprove, nil
	case "APPROVE_ALWAYS", "ALWAYS":
		return PermissionApproveAlways, nil
	case "DENY":
		return PermissionDeny, nil
	case "DENY_NEVER", "NEVER":
		return PermissionDenyNever, nil
	}
	return PermissionApprove, fmt.Errorf("unknown tool permission %q", s)
}

// MarshalText implements encoding.TextMarshaler
func (p Permission) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (p *Permission) UnmarshalText(b []byte) error {
	v, err := ParsePermission(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// NeedsPrompt reports whether calls under this permission go to the prompter
func (p Permission) NeedsPrompt() bool {
	return p == PermissionApprove || p == PermissionDeny
}

// Outcome is the prompter's decision for one call
type Outcome int

const (
	OutcomeYes Outcome = iota
	OutcomeNo
	OutcomeAlways
	OutcomeNever
	OutcomeCancelled
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeYes:
		return "YES"
	case OutcomeNo:
		return "NO"
	case OutcomeAlways:
		return "ALWAYS"
	case OutcomeNever:
		return "NEVER"
	case OutcomeCancelled:
		return "CANCELLED"
	case OutcomeFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("OUTCOME(%d)", int(o))
	}
}

// DisplayName is the label shown to users for the outcome
func (o Outcome) DisplayName() string {
	switch o {
	case OutcomeYes:
		return "Approved (Single Turn)"
	case OutcomeNo:
		return "Denied (Single Turn)"
	case OutcomeAlways:
		return "Approved (Always)"
	case OutcomeNever:
		return "Denied (Never)"
	case OutcomeCancelled:
		return "Cancelled Batch"
	case OutcomeFailed:
		return "Execution Failed"
	default:
		return o.String()
	}
}

// Transition applies a prompt outcome to a standing permission. It returns the
// permission to store and whether the call executes.
func Transition(before Permission, outcome Outcome) (after Permission, execute bool) {
	switch before {
	case PermissionApproveAlways:
		return before, true
	case PermissionDenyNever:
		return before, false
	}

	switch outcome {
	case OutcomeYes:
		return before, true
	case OutcomeAlways:
		return PermissionApproveAlways, true
	case OutcomeNever:
		return PermissionDenyNever, false
	default:
		return before, false
	}
}
