package nodes

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/insight-agent/server/internal/agent/graph/conversations"
	"github.com/insight-agent/server/internal/agent/graph/parsers"
	"github.com/insight-agent/server/internal/agent/graph/prompts"
	"github.com/insight-agent/server/internal/agent/model"
	logx "github.com/insight-agent/server/pkg/logger"
)

// NewContextLoaderPreHandler resets the per-turn slots before anything
// else runs. The retry counter reset is unconditional: a resumed thread
// starts every turn with a full budget.
func NewContextLoaderPreHandler() func(context.Context, model.QueryInput, *model.TurnState) (model.QueryInput, error) {
	return func(ctx context.Context, in model.QueryInput, s *model.TurnState) (model.QueryInput, error) {
		s.ThreadID = in.ThreadID
		s.Transcript = nil
		s.AgentContext = nil
		s.Safety = nil
		s.Scope = nil
		s.TransformedQuery = ""
		s.RetryCount = 0
		s.RetryBudgetExhausted = false
		s.ToolCallIDSeq = 0
		s.TotalCostUSD = 0
		return in, nil
	}
}

// NewContextLoaderNode persists the incoming user message, loads the
// thread history into state, and prepares the guardrail model input.
func NewContextLoaderNode(mm *conversations.MessagesManager) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, input model.QueryInput) ([]*schema.Message, error) {
		history, err := mm.BeginTurn(ctx, input.ThreadID, input.Query)
		if err != nil {
			return nil, fmt.Errorf("begin turn: %w", err)
		}

		if err := compose.ProcessState(ctx, func(_ context.Context, s *model.TurnState) error {
			s.Transcript = history
			return nil
		}); err != nil {
			return nil, fmt.Errorf("store transcript in state: %w", err)
		}

		systemPrompt, err := prompts.RenderGuardrailSystem(ctx)
		if err != nil {
			return nil, fmt.Errorf("render guardrail system prompt: %w", err)
		}

		// The guardrail judges the latest message alone; the scope router
		// sees the conversation context later.
		return []*schema.Message{
			schema.SystemMessage(systemPrompt),
			schema.UserMessage(input.Query),
		}, nil
	})
}

// NewGuardrailModelPostHandler computes and logs usage cost for the guardrail model.
func NewGuardrailModelPostHandler(modelName string) func(context.Context, *schema.Message, *model.TurnState) (*schema.Message, error) {
	return func(ctx context.Context, out *schema.Message, state *model.TurnState) (*schema.Message, error) {
		applyUsageCost(out, state, NodeInputGuardrailModel, modelName)
		return out, nil
	}
}

// NewGuardrailParserNode decodes the guardrail's structured verdict.
// A malformed verdict fails the whole turn rather than guessing safe.
func NewGuardrailParserNode() *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, resp *schema.Message) (model.Verdict, error) {
		result, err := parsers.ParseSafetyVerdict(resp.Content)
		if err != nil {
			logx.Error().Err(err).Msg("Error parsing safety verdict")
			return model.Verdict{}, err
		}
		return *result, nil
	})
}

// NewGuardrailParserPostHandler stores the safety verdict in state.
func NewGuardrailParserPostHandler() func(context.Context, model.Verdict, *model.TurnState) (model.Verdict, error) {
	return func(ctx context.Context, out model.Verdict, state *model.TurnState) (model.Verdict, error) {
		verdict := out
		state.Safety = &verdict

		logx.Debug().
			Str("thread_id", state.ThreadID).
			Bool("is_safe", out.IsSafe).
			Str("action", out.Action).
			Msg("Input guardrail verdict")
		return out, nil
	}
}

// NewGuardrailCondition routes unsafe or refused turns to general chat.
func NewGuardrailCondition() func(context.Context, model.Verdict) (string, error) {
	return func(ctx context.Context, input model.Verdict) (string, error) {
		if !input.IsSafe || input.Action == model.ActionRefuse {
			logx.Debug().Str("reason", input.Reasoning).Msg("Routing to general chat - unsafe input")
			return NodeGeneralChatAssembler, nil
		}
		return NodeScopeAssembler, nil
	}
}

// NewScopeAssemblerNode builds the scope router input: recent
// conversation context plus the latest user message, both tagged.
func NewScopeAssemblerNode(mm *conversations.MessagesManager, now func() time.Time) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, _ model.Verdict) ([]*schema.Message, error) {
		var transcript []*schema.Message
		if err := compose.ProcessState(ctx, func(_ context.Context, s *model.TurnState) error {
			transcript = s.Transcript
			return nil
		}); err != nil {
			return nil, fmt.Errorf("failed to access state: %w", err)
		}

		systemPrompt, err := prompts.RenderScopeSystem(ctx, now().Format("2006-01-02"))
		if err != nil {
			return nil, fmt.Errorf("render scope system prompt: %w", err)
		}

		return []*schema.Message{
			schema.SystemMessage(systemPrompt),
			schema.UserMessage(mm.ClassifierContext(transcript)),
		}, nil
	})
}

// NewScopeModelPostHandler computes and logs usage cost for the scope router model.
func NewScopeModelPostHandler(modelName string) func(context.Context, *schema.Message, *model.TurnState) (*schema.Message, error) {
	return func(ctx context.Context, out *schema.Message, state *model.TurnState) (*schema.Message, error) {
		applyUsageCost(out, state, NodeScopeModel, modelName)
		return out, nil
	}
}

// NewScopeParserNode decodes the scope verdict and applies the keyword
// override: queries mentioning core business terms stay in scope no
// matter what the classifier said.
func NewScopeParserNode() *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, resp *schema.Message) (model.Verdict, error) {
		result, err := parsers.ParseScopeVerdict(resp.Content)
		if err != nil {
			logx.Error().Err(err).Msg("Error parsing scope verdict")
			return model.Verdict{}, err
		}

		if result.IsOutOfScope {
			var latest string
			if err := compose.ProcessState(ctx, func(_ context.Context, s *model.TurnState) error {
				latest = conversations.LatestUserContent(s.Transcript)
				return nil
			}); err != nil {
				return model.Verdict{}, fmt.Errorf("failed to access state: %w", err)
			}
			if MatchesScopeKeyword(latest) {
				logx.Debug().Msg("Scope keyword override - forcing in-scope")
				result.IsOutOfScope = false
			}
		}

		return *result, nil
	})
}

// NewScopeParserPostHandler stores the scope verdict in state.
func NewScopeParserPostHandler() func(context.Context, model.Verdict, *model.TurnState) (model.Verdict, error) {
	return func(ctx context.Context, out model.Verdict, state *model.TurnState) (model.Verdict, error) {
		verdict := out
		state.Scope = &verdict

		logx.Debug().
			Str("thread_id", state.ThreadID).
			Bool("is_out_of_scope", out.IsOutOfScope).
			Msg("Scope router verdict")
		return out, nil
	}
}

// NewScopeCondition routes out-of-scope turns to general chat.
func NewScopeCondition() func(context.Context, model.Verdict) (string, error) {
	return func(ctx context.Context, input model.Verdict) (string, error) {
		if input.IsOutOfScope {
			logx.Debug().Str("reason", input.Reasoning).Msg("Routing to general chat - out of scope")
			return NodeGeneralChatAssembler, nil
		}
		return NodeTransformAssembler, nil
	}
}

// NewTransformAssemblerNode builds the query transform input from the
// recent conversation context.
func NewTransformAssemblerNode(mm *conversations.MessagesManager, now func() time.Time) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, _ model.Verdict) ([]*schema.Message, error) {
		var transcript []*schema.Message
		if err := compose.ProcessState(ctx, func(_ context.Context, s *model.TurnState) error {
			transcript = s.Transcript
			return nil
		}); err != nil {
			return nil, fmt.Errorf("failed to access state: %w", err)
		}

		systemPrompt, err := prompts.RenderTransformSystem(ctx, now().Format("2006-01-02"))
		if err != nil {
			return nil, fmt.Errorf("render transform system prompt: %w", err)
		}

		return []*schema.Message{
			schema.SystemMessage(systemPrompt),
			schema.UserMessage(mm.ClassifierContext(transcript)),
		}, nil
	})
}

// NewTransformModelPostHandler records the rewritten query in state.
// The persisted transcript keeps the user's original words; only the
// agent's working window sees the transformed form.
func NewTransformModelPostHandler(modelName string) func(context.Context, *schema.Message, *model.TurnState) (*schema.Message, error) {
	return func(ctx context.Context, out *schema.Message, state *model.TurnState) (*schema.Message, error) {
		applyUsageCost(out, state, NodeTransformModel, modelName)

		if out != nil {
			state.TransformedQuery = strings.TrimSpace(out.Content)
		}
		if state.TransformedQuery == "" {
			// Fall back to the raw query rather than sending the agent
			// an empty user message.
			state.TransformedQuery = conversations.LatestUserContent(state.Transcript)
			logx.Warn().Str("thread_id", state.ThreadID).Msg("Empty transformed query - using original")
		}

		logx.Debug().
			Str("thread_id", state.ThreadID).
			Str("transformed_query", state.TransformedQuery).
			Msg("Query transform complete")
		return out, nil
	}
}

// NewAgentAssemblerNode builds the agent's working window: system
// instruction, recent history with the latest user message swapped for
// the transformed query.
func NewAgentAssemblerNode(mm *conversations.MessagesManager, agentSystemPrompt string) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, _ *schema.Message) ([]*schema.Message, error) {
		var (
			transcript  []*schema.Message
			transformed string
		)
		if err := compose.ProcessState(ctx, func(_ context.Context, s *model.TurnState) error {
			transcript = s.Transcript
			transformed = s.TransformedQuery
			return nil
		}); err != nil {
			return nil, fmt.Errorf("failed to access state: %w", err)
		}

		return mm.AgentMessages(transcript, agentSystemPrompt, transformed), nil
	})
}

// NewAgentModelPreHandler accumulates the agent context, counts the
// invocation against the retry budget, and appends the wrap-up notice
// when the budget runs out.
func NewAgentModelPreHandler(maxRetries int, agentSystemPrompt string) func(context.Context, []*schema.Message, *model.TurnState) ([]*schema.Message, error) {
	return func(ctx context.Context, in []*schema.Message, state *model.TurnState) ([]*schema.Message, error) {
		// Heuristic fix for Gemini: ensure tool results carry tool_call_id
		if len(in) > 0 {
			last := in[len(in)-1]
			if last != nil && last.Role == schema.Tool && strings.TrimSpace(last.ToolCallID) == "" {
				for i := len(state.AgentContext) - 1; i >= 0; i-- {
					msg := state.AgentContext[i]
					if msg == nil || msg.Role != schema.Assistant || len(msg.ToolCalls) == 0 {
						continue
					}
					if id := strings.TrimSpace(msg.ToolCalls[0].ID); id != "" {
						last.ToolCallID = id
					}
					break
				}
			}
		}

		state.AgentContext = append(state.AgentContext, in...)

		// The model contract requires the system instruction first.
		if len(state.AgentContext) == 0 || state.AgentContext[0] == nil || state.AgentContext[0].Role != schema.System {
			state.AgentContext = append([]*schema.Message{schema.SystemMessage(agentSystemPrompt)}, state.AgentContext...)
		}

		if incrementRetryAndCheck(state, maxRetries) {
			maxRetries = normalizeMaxRetries(maxRetries)
			wrapUp := &schema.Message{
				Role: schema.System,
				Content: fmt.Sprintf(
					"SYSTEM NOTICE: You have reached the maximum number of attempts (%d). "+
						"Do not call any more tools. Synthesize the best possible answer from the data you have already gathered, "+
						"and state clearly which parts of the question you could not answer.",
					maxRetries,
				),
			}
			state.AgentContext = append(state.AgentContext, wrapUp)

			logx.Warn().
				Int("retry_count", state.RetryCount).
				Int("max_retries", maxRetries).
				Str("thread_id", state.ThreadID).
				Msg("Retry budget exhausted - forcing wrap-up")
		}

		logx.Debug().
			Int("retry_count", state.RetryCount).
			Str("thread_id", state.ThreadID).
			Msg("Agent thinking...")

		return state.AgentContext, nil
	}
}

// NewAgentModelPostHandler normalizes tool call IDs and appends the
// agent's output to the working context.
func NewAgentModelPostHandler(modelName string) func(context.Context, *schema.Message, *model.TurnState) (*schema.Message, error) {
	return func(ctx context.Context, out *schema.Message, state *model.TurnState) (*schema.Message, error) {
		applyUsageCost(out, state, NodeAgentModel, modelName)

		// Normalize tool calls: Gemini may omit tool_call IDs.
		if out != nil && len(out.ToolCalls) > 0 {
			for i := range out.ToolCalls {
				if strings.TrimSpace(out.ToolCalls[i].ID) == "" {
					state.ToolCallIDSeq++
					out.ToolCalls[i].ID = fmt.Sprintf("call_%d", state.ToolCallIDSeq)
				}
			}
		}

		state.AgentContext = append(state.AgentContext, out)

		if len(out.ToolCalls) > 0 {
			logx.Debug().Int("tool_count", len(out.ToolCalls)).Msg("Calling tools")
		} else {
			logx.Debug().Msg("Agent draft ready")
		}
		return out, nil
	}
}

// NewAgentCondition routes the agent's output: tool calls go to the
// executor, anything else (or an exhausted budget) goes to finalization.
func NewAgentCondition() func(context.Context, *schema.Message) (string, error) {
	return func(ctx context.Context, input *schema.Message) (string, error) {
		var exhausted bool
		err := compose.ProcessState(ctx, func(_ context.Context, state *model.TurnState) error {
			exhausted = state.RetryBudgetExhausted
			return nil
		})
		if err != nil {
			return "", fmt.Errorf("failed to access state: %w", err)
		}

		return routeAgentOutput(exhausted, input), nil
	}
}

func routeAgentOutput(exhausted bool, input *schema.Message) string {
	if exhausted {
		logx.Debug().Msg("Retry budget spent - routing to final answer")
		return NodeFinalAnswerAssembler
	}

	if len(input.ToolCalls) > 0 {
		logx.Debug().Int("tool_count", len(input.ToolCalls)).Msg("Routing to tool executor")
		return NodeToolExecutor
	}

	logx.Debug().Msg("No tool calls - routing to final answer")
	return NodeFinalAnswerAssembler
}

// NewToolExecutorPreHandler logs the dispatched batch.
func NewToolExecutorPreHandler() func(context.Context, *schema.Message, *model.TurnState) (*schema.Message, error) {
	return func(ctx context.Context, in *schema.Message, state *model.TurnState) (*schema.Message, error) {
		names := make([]string, 0, len(in.ToolCalls))
		for _, tc := range in.ToolCalls {
			names = append(names, tc.Function.Name)
		}
		logx.Debug().
			Strs("tools", names).
			Int("retry_count", state.RetryCount).
			Str("thread_id", state.ThreadID).
			Msg("Executing tool batch")
		return in, nil
	}
}

// NewFinalAnswerAssemblerNode builds the finalization input: the agent's
// full working trace under the final-answer system instruction, so the
// writer can cite tool results without re-running anything.
func NewFinalAnswerAssemblerNode() *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, _ *schema.Message) ([]*schema.Message, error) {
		var trace []*schema.Message
		if err := compose.ProcessState(ctx, func(_ context.Context, s *model.TurnState) error {
			trace = s.AgentContext
			return nil
		}); err != nil {
			return nil, fmt.Errorf("failed to access state: %w", err)
		}

		systemPrompt, err := prompts.RenderFinalSystem(ctx)
		if err != nil {
			return nil, fmt.Errorf("render final system prompt: %w", err)
		}

		messages := []*schema.Message{schema.SystemMessage(systemPrompt)}
		for _, msg := range trace {
			if msg == nil || msg.Role == schema.System {
				continue
			}
			messages = append(messages, msg)
		}
		return messages, nil
	})
}

// NewGeneralChatAssemblerNode builds the deflection input: recent
// user/assistant history under the general-chat instruction, carrying
// the classifier's reasoning so the answer can explain itself.
func NewGeneralChatAssemblerNode(mm *conversations.MessagesManager) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, _ model.Verdict) ([]*schema.Message, error) {
		var (
			transcript []*schema.Message
			reasoning  string
		)
		if err := compose.ProcessState(ctx, func(_ context.Context, s *model.TurnState) error {
			transcript = s.Transcript
			reasoning = s.DeflectionReason()
			return nil
		}); err != nil {
			return nil, fmt.Errorf("failed to access state: %w", err)
		}

		systemPrompt, err := prompts.RenderGeneralSystem(ctx, reasoning)
		if err != nil {
			return nil, fmt.Errorf("render general chat system prompt: %w", err)
		}

		messages := mm.AgentMessages(transcript, systemPrompt, "")
		return messages, nil
	})
}

// NewWriterModelPostHandler computes and logs usage cost for a
// finalization model node.
func NewWriterModelPostHandler(node string, modelName string) func(context.Context, *schema.Message, *model.TurnState) (*schema.Message, error) {
	return func(ctx context.Context, out *schema.Message, state *model.TurnState) (*schema.Message, error) {
		applyUsageCost(out, state, node, modelName)
		return out, nil
	}
}

// NewOutputGuardrailNode masks PII in the final answer. Masking applies
// to every answer on the way out, not only when the input guardrail
// requested it.
func NewOutputGuardrailNode() *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, in *schema.Message) (*schema.Message, error) {
		if in == nil {
			return nil, fmt.Errorf("output guardrail received nil message")
		}

		masked, changed := MaskPII(in.Content)
		if !changed {
			return in, nil
		}

		logx.Debug().Msg("Output guardrail masked PII in final answer")
		out := *in
		out.Content = masked
		return &out, nil
	})
}

// NewOutputGuardrailPostHandler persists the masked final answer as the
// assistant turn. Persistence failure is logged, not fatal; the user
// still gets their answer.
func NewOutputGuardrailPostHandler(mm *conversations.MessagesManager) func(context.Context, *schema.Message, *model.TurnState) (*schema.Message, error) {
	return func(ctx context.Context, out *schema.Message, state *model.TurnState) (*schema.Message, error) {
		if out != nil && out.Role == schema.Assistant && strings.TrimSpace(out.Content) != "" {
			if err := mm.SaveResponse(ctx, state.ThreadID, out.Content); err != nil {
				logx.Error().
					Str("thread_id", state.ThreadID).
					Err(err).
					Msg("Error saving assistant response")
			} else {
				logx.Debug().
					Str("thread_id", state.ThreadID).
					Msg("Saved assistant response to thread")
			}
		}
		return out, nil
	}
}
