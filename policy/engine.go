// Package policy evaluates sandbox ownership authorization via OPA.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/v1/rego"
)

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.sandbox_ownership"),
		rego.Module("sandbox_ownership.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// OwnershipInput is the input document for an ownership decision. Empty
// identity fields must be omitted from the maps: the policy treats a present
// field as evidence and an absent one as nothing at all.
type OwnershipInput struct {
	Caller   map[string]string `json:"caller"`
	Metadata map[string]string `json:"metadata"`
}

// Authorize evaluates the ownership policy. It returns the decision and, when
// denied, a reason. The policy is fail-closed: a sandbox with no ownership
// metadata at all is denied with "unable to verify ownership".
func (e *Engine) Authorize(ctx context.Context, input OwnershipInput) (bool, string, error) {
	if input.Caller == nil {
		input.Caller = map[string]string{}
	}
	if input.Metadata == nil {
		input.Metadata = map[string]string{}
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, "", fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		// An empty result set means the policy produced no decision.
		// Fail closed.
		return false, "unable to verify ownership", nil
	}

	doc, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return false, "", fmt.Errorf("unexpected policy result type %T", results[0].Expressions[0].Value)
	}

	allowed, _ := doc["allow"].(bool)
	reason, _ := doc["reason"].(string)
	return allowed, reason, nil
}

// DefaultPolicy is the sandbox ownership policy. Any present ownership field
// that mismatches the caller denies the request; a sandbox with no ownership
// fields at all is also denied.
const DefaultPolicy = `
package sandbox_ownership

default allow := false
default reason := "unable to verify ownership"

user_mismatch if {
	input.metadata.user_id
	input.metadata.user_id != input.caller.user_id
}

team_mismatch if {
	input.metadata.team_id
	input.metadata.team_id != input.caller.team_id
}

run_mismatch if {
	input.metadata.task_run_id
	input.metadata.task_run_id != input.caller.task_run_id
}

verified if input.metadata.user_id
verified if input.metadata.team_id
verified if input.metadata.task_run_id

allow if {
	verified
	not user_mismatch
	not team_mismatch
	not run_mismatch
}

reason := "workspace belongs to another user" if {
	user_mismatch
} else := "workspace belongs to another team" if {
	team_mismatch
} else := "workspace belongs to another task run" if {
	run_mismatch
}
`
