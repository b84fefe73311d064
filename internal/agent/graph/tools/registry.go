package tools

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"github.com/insight-agent/server/internal/agent/model"
	"github.com/insight-agent/server/internal/agent/rag"
	"github.com/insight-agent/server/internal/agent/sandbox"
)

// Tool names as exposed to the agent model.
const (
	ToolQuerySalesDB     = "query_sales_db"
	ToolSearchPolicyDocs = "search_policy_docs"
	ToolRenderChart      = "render_chart"
)

// Result statuses carried in every tool output next to the text payload.
// The agent prompt still keys on the legacy in-band error markers; the
// typed status is what code branches on.
const (
	StatusOK    = "ok"
	StatusEmpty = "empty"
	StatusError = "error"
)

// Deps wires the external capabilities behind the tool set.
type Deps struct {
	SalesDB     *sql.DB
	SalesConfig model.SalesDBConfig

	PolicyStore  rag.PolicyStore
	SearchConfig model.PolicySearchConfig

	ChartRunner sandbox.CodeRunner
	ChartConfig model.ChartConfig
}

// NewQueryTools builds the tool set the agent stage can call.
func NewQueryTools(deps Deps) []tool.BaseTool {
	return []tool.BaseTool{
		newQuerySalesDBTool(deps.SalesDB, deps.SalesConfig),
		newSearchPolicyDocsTool(deps.PolicyStore, deps.SearchConfig),
		newRenderChartTool(deps.ChartRunner, deps.ChartConfig),
	}
}

// GetToolInfos collects the schema descriptors for binding to the model.
func GetToolInfos(ctx context.Context, businessTools []tool.BaseTool) ([]*schema.ToolInfo, error) {
	infos := make([]*schema.ToolInfo, 0, len(businessTools))
	for _, t := range businessTools {
		info, err := t.Info(ctx)
		if err != nil {
			return nil, fmt.Errorf("get tool info: %w", err)
		}
		infos = append(infos, info)
	}
	return infos, nil
}
