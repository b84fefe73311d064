package prompts

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
)

//go:embed template/guardrail_prompt.txt
var guardrailSystemPrompt string

//go:embed template/scope_prompt.txt
var scopeSystemPrompt string

//go:embed template/transform_prompt.txt
var transformSystemPrompt string

// RenderGuardrailSystem renders the input guardrail system prompt via the
// Eino prompt component so prompt callbacks fire.
func RenderGuardrailSystem(ctx context.Context) (string, error) {
	// Static template; wrap through a messages placeholder to emit callbacks
	tpl := prompt.FromMessages(
		schema.FString,
		schema.MessagesPlaceholder("system_messages", false),
	)
	msgs, err := tpl.Format(ctx, map[string]any{
		"system_messages": []*schema.Message{schema.SystemMessage(guardrailSystemPrompt)},
	})
	if err != nil {
		return "", fmt.Errorf("guardrail prompt render: %w", err)
	}
	if len(msgs) == 0 || msgs[0] == nil {
		return "", fmt.Errorf("guardrail prompt render: empty result")
	}
	return msgs[0].Content, nil
}

// RenderScopeSystem renders the scope router system prompt with the
// current date baked in, so relative periods classify deterministically.
func RenderScopeSystem(ctx context.Context, today string) (string, error) {
	tpl := prompt.FromMessages(
		schema.GoTemplate,
		schema.SystemMessage(scopeSystemPrompt),
	)
	msgs, err := tpl.Format(ctx, map[string]any{"Today": today})
	if err != nil {
		return "", fmt.Errorf("scope prompt render: %w", err)
	}
	if len(msgs) == 0 || msgs[0] == nil {
		return "", fmt.Errorf("scope prompt render: empty result")
	}
	return msgs[0].Content, nil
}

// RenderTransformSystem renders the query transform system prompt.
func RenderTransformSystem(ctx context.Context, today string) (string, error) {
	tpl := prompt.FromMessages(
		schema.GoTemplate,
		schema.SystemMessage(transformSystemPrompt),
	)
	msgs, err := tpl.Format(ctx, map[string]any{"Today": today})
	if err != nil {
		return "", fmt.Errorf("transform prompt render: %w", err)
	}
	if len(msgs) == 0 || msgs[0] == nil {
		return "", fmt.Errorf("transform prompt render: empty result")
	}
	return msgs[0].Content, nil
}
