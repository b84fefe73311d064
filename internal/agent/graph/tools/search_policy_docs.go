package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"

	"github.com/insight-agent/server/internal/agent/model"
	"github.com/insight-agent/server/internal/agent/rag"
	logx "github.com/insight-agent/server/pkg/logger"
)

// ===================================
// Policy Document Search Tool
// ===================================

// policyNotFound is the sentinel returned when no passage matches.
const policyNotFound = "No matching passages found in the policy documents."

type SearchPolicyDocsInput struct {
	Query string `json:"query"`
}

type SearchPolicyDocsOutput struct {
	Status   string `json:"status"`
	Passages string `json:"passages,omitempty"`
	Error    string `json:"error,omitempty"`
}

func newSearchPolicyDocsTool(store rag.PolicyStore, cfg model.PolicySearchConfig) tool.BaseTool {
	topK := cfg.TopK
	if topK <= 0 {
		topK = 4
	}

	return utils.NewTool(
		&schema.ToolInfo{
			Name: ToolSearchPolicyDocs,
			Desc: "Searches the company policy documents. Use it for questions about salary, bonuses, leave, regulations, or benefits. Input: search keywords or a question. Output: the most relevant passages, each tagged with its [source: page N] locator.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"query": {
					Type:     "string",
					Desc:     "Keywords or a question to search the policy documents for.",
					Required: true,
				},
			}),
		},
		func(ctx context.Context, in *SearchPolicyDocsInput) (*SearchPolicyDocsOutput, error) {
			query := strings.TrimSpace(in.Query)
			if query == "" {
				return &SearchPolicyDocsOutput{
					Status: StatusError,
					Error:  "search error: query is required",
				}, nil
			}

			logx.Debug().Str("query", query).Int("top_k", topK).Msg("Searching policy docs")

			passages, err := store.Search(ctx, query, topK)
			if err != nil {
				return &SearchPolicyDocsOutput{
					Status: StatusError,
					Error:  "search error: " + err.Error(),
				}, nil
			}
			if len(passages) == 0 {
				return &SearchPolicyDocsOutput{Status: StatusEmpty, Passages: policyNotFound}, nil
			}

			return &SearchPolicyDocsOutput{
				Status:   StatusOK,
				Passages: FormatPassages(passages),
			}, nil
		},
	)
}

// FormatPassages renders passages with their source locators. The
// [source: page N] tags must survive verbatim into the final answer's
// citations.
func FormatPassages(passages []rag.Passage) string {
	parts := make([]string, 0, len(passages))
	for _, p := range passages {
		parts = append(parts, fmt.Sprintf("[source: page %d] %s", p.Page, p.Content))
	}
	return strings.Join(parts, "\n\n")
}
