package prompts

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"github.com/insight-agent/server/internal/agent/graph/tools"
)

//go:embed template/agent_prompt.txt
var agentSystemPrompt string

//go:embed template/final_prompt.txt
var finalSystemPrompt string

//go:embed template/general_prompt.txt
var generalSystemPrompt string

// RenderAgentSystem renders the agent-stage system instruction: tool
// descriptions, the live database schema, and the self-correction
// protocol with the retry budget.
func RenderAgentSystem(ctx context.Context, schemaInfo string, maxRetries int) (string, error) {
	tpl := prompt.FromMessages(
		schema.GoTemplate,
		schema.SystemMessage(agentSystemPrompt),
	)
	msgs, err := tpl.Format(ctx, map[string]any{
		"SchemaInfo": schemaInfo,
		"MaxRetries": maxRetries,
		"QueryTool":  tools.ToolQuerySalesDB,
		"SearchTool": tools.ToolSearchPolicyDocs,
		"ChartTool":  tools.ToolRenderChart,
	})
	if err != nil {
		return "", fmt.Errorf("agent prompt render: %w", err)
	}
	if len(msgs) == 0 || msgs[0] == nil {
		return "", fmt.Errorf("agent prompt render: empty result")
	}
	return msgs[0].Content, nil
}

// RenderFinalSystem renders the final-answer rewriting instruction.
func RenderFinalSystem(ctx context.Context) (string, error) {
	tpl := prompt.FromMessages(
		schema.FString,
		schema.MessagesPlaceholder("system_messages", false),
	)
	msgs, err := tpl.Format(ctx, map[string]any{
		"system_messages": []*schema.Message{schema.SystemMessage(finalSystemPrompt)},
	})
	if err != nil {
		return "", fmt.Errorf("final prompt render: %w", err)
	}
	if len(msgs) == 0 || msgs[0] == nil {
		return "", fmt.Errorf("final prompt render: empty result")
	}
	return msgs[0].Content, nil
}

// RenderGeneralSystem renders the deflection instruction, carrying the
// classifier's reasoning so the reply can explain itself.
func RenderGeneralSystem(ctx context.Context, reasoning string) (string, error) {
	if reasoning == "" {
		reasoning = "no reasoning recorded"
	}
	tpl := prompt.FromMessages(
		schema.GoTemplate,
		schema.SystemMessage(generalSystemPrompt),
	)
	msgs, err := tpl.Format(ctx, map[string]any{
		"Reasoning":  reasoning,
		"QueryTool":  tools.ToolQuerySalesDB,
		"SearchTool": tools.ToolSearchPolicyDocs,
		"ChartTool":  tools.ToolRenderChart,
	})
	if err != nil {
		return "", fmt.Errorf("general prompt render: %w", err)
	}
	if len(msgs) == 0 || msgs[0] == nil {
		return "", fmt.Errorf("general prompt render: empty result")
	}
	return msgs[0].Content, nil
}
