package nodes

import (
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/insight-agent/server/internal/agent/model"
	logx "github.com/insight-agent/server/pkg/logger"
)

const DefaultMaxRetries = 3

// ===== Small helpers to keep handlers simple/readable =====

// normalizeMaxRetries returns a sane default when the provided value is invalid.
func normalizeMaxRetries(n int) int {
	if n <= 0 {
		return DefaultMaxRetries
	}
	return n
}

// incrementRetryAndCheck counts one agent invocation and marks the budget
// exhausted once the final allowed invocation starts. Returns true when
// marked now, so the caller can append the wrap-up notice exactly once.
func incrementRetryAndCheck(state *model.TurnState, max int) bool {
	max = normalizeMaxRetries(max)
	state.RetryCount++
	if !state.RetryBudgetExhausted && state.RetryCount >= max {
		state.RetryBudgetExhausted = true
		return true
	}
	return false
}

// scopeKeywords force a query in scope regardless of the classifier's
// verdict. Keeps routing deterministic for the bread-and-butter asks.
var scopeKeywords = []string{
	"revenue",
	"sales",
	"sold",
	"order",
	"quantity",
	"inventory",
	"stock",
	"product",
	"customer",
	"policy",
	"policies",
	"regulation",
	"chart",
	"graph",
}

// MatchesScopeKeyword reports whether the text contains a mandatory
// in-scope keyword (case-insensitive substring match).
func MatchesScopeKeyword(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range scopeKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// applyUsageCost computes and logs the USD cost of one model invocation,
// attaches it to the message Extra, and accumulates the turn total.
func applyUsageCost(out *schema.Message, state *model.TurnState, node string, modelName string) {
	if !model.CostEnabled() || out == nil || out.ResponseMeta == nil || out.ResponseMeta.Usage == nil {
		return
	}
	pricing := model.ResolvePricing(modelName)
	inC, outC, totalC := model.ComputeCost(out.ResponseMeta.Usage, pricing)
	if out.Extra == nil {
		out.Extra = map[string]any{}
	}
	out.Extra["usage_cost"] = map[string]any{
		"currency":          "USD",
		"model":             modelName,
		"prompt_tokens":     out.ResponseMeta.Usage.PromptTokens,
		"completion_tokens": out.ResponseMeta.Usage.CompletionTokens,
		"total_tokens":      out.ResponseMeta.Usage.TotalTokens,
		"input_cost":        inC,
		"output_cost":       outC,
		"total_cost":        totalC,
	}
	logx.Debug().
		Str("thread_id", state.ThreadID).
		Str("node", node).
		Str("model", modelName).
		Int("prompt_tokens", out.ResponseMeta.Usage.PromptTokens).
		Int("completion_tokens", out.ResponseMeta.Usage.CompletionTokens).
		Int("total_tokens", out.ResponseMeta.Usage.TotalTokens).
		Float64("input_cost_usd", inC).
		Float64("output_cost_usd", outC).
		Float64("total_cost_usd", totalC).
		Msg("LLM usage")

	// Accumulate only total cost into state
	state.TotalCostUSD += totalC
	out.Extra["usage_cost_total_usd"] = state.TotalCostUSD
}
