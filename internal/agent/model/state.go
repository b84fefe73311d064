package model

import (
	"github.com/cloudwego/eino/schema"
)

// Guardrail actions requested by the input guardrail classifier.
const (
	ActionProceed  = "proceed"
	ActionRefuse   = "refuse"
	ActionMaskData = "mask_data"
)

// Verdict is the schema-constrained output of a classification stage.
// The guardrail populates IsSafe/Action; the scope router populates
// IsOutOfScope. Keeping the two results in separate state slots avoids
// overloading a single boolean with two meanings.
type Verdict struct {
	Reasoning    string `json:"reasoning"`
	IsSafe       bool   `json:"is_safe"`
	IsOutOfScope bool   `json:"is_out_of_scope"`
	Action       string `json:"action,omitempty"`
}

// TurnState stores per-turn state for the Eino graph.
// Concurrency model:
//   - Registered as graph local state via compose.WithGenLocalState.
//   - All reads/writes happen only inside Eino state handlers
//     (WithStatePreHandler, WithStatePostHandler, compose.ProcessState),
//     which Eino serializes, so no extra locking is needed.
//   - Do not touch TurnState outside handlers; persistence goes through
//     the ThreadRepository.
type TurnState struct {
	ThreadID string

	// Transcript is the persisted conversation including the new user
	// turn. Append-only; the query transform never rewrites it.
	Transcript []*schema.Message

	// AgentContext is the working message window for the agent loop:
	// system instruction, history with the rewritten latest query, and
	// accumulated tool results. Mutated only inside state handlers.
	AgentContext []*schema.Message

	Safety           *Verdict // set by the input guardrail parser
	Scope            *Verdict // set by the scope router parser
	TransformedQuery string   // set by the query transform stage

	// RetryCount counts agent-model invocations this turn. It is reset
	// unconditionally when the turn starts, even on a resumed thread.
	RetryCount           int
	RetryBudgetExhausted bool
	ToolCallIDSeq        int // synthesizes tool_call_id when the provider omits it

	// Accumulated LLM cost (USD) across model invocations for this turn.
	TotalCostUSD float64
}

// ShouldDeflect reports whether the turn must bypass the data pipeline
// and answer through general chat instead.
func (s *TurnState) ShouldDeflect() bool {
	if s.Safety != nil && (!s.Safety.IsSafe || s.Safety.Action == ActionRefuse) {
		return true
	}
	return s.Scope != nil && s.Scope.IsOutOfScope
}

// DeflectionReason returns the reasoning of whichever classifier decided
// to deflect, for the general-chat stage to explain itself with.
func (s *TurnState) DeflectionReason() string {
	if s.Safety != nil && (!s.Safety.IsSafe || s.Safety.Action == ActionRefuse) {
		return s.Safety.Reasoning
	}
	if s.Scope != nil {
		return s.Scope.Reasoning
	}
	return ""
}

// QueryInput represents one user turn addressed to a thread.
type QueryInput struct {
	ThreadID string `json:"thread_id"`
	Query    string `json:"query"`
}
