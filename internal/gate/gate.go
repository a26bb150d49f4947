// Package gate is the security boundary consulted before any platform
// command runs. The executor asks the gate for every command input; a
// denial fails the act without retry.
package gate

import (
	"context"
)

// CommandRequest describes a pending platform command.
type CommandRequest struct {
	Platform  string         `json:"platform"`
	Command   string         `json:"command"`
	Args      map[string]any `json:"args,omitempty"`
	Actor     string         `json:"actor,omitempty"`
	Narrative string         `json:"narrative,omitempty"`
	Act       string         `json:"act,omitempty"`
}

// Decision is the gate's verdict. Reason is operator-facing and set on
// denials.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Rule    string `json:"rule,omitempty"`
}

// Gate decides whether a platform command may run. An error return means
// the gate itself failed, which callers must treat as a denial.
type Gate interface {
	Check(ctx context.Context, req CommandRequest) (Decision, error)
}

// AllowAll permits every command. Useful for tests and trusted deployments.
type AllowAll struct{}

func (AllowAll) Check(ctx context.Context, req CommandRequest) (Decision, error) {
	return Decision{Allowed: true}, nil
}

var _ Gate = AllowAll{}
