package tools

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"github.com/insight-agent/server/internal/agent/model"
	"github.com/insight-agent/server/internal/agent/sandbox"
	logx "github.com/insight-agent/server/pkg/logger"
)

// ===================================
// Chart Rendering Tool
// ===================================

// Sentinels printed by the wrapper script and scanned from the process
// output to classify the run.
const (
	chartSavedMarker   = "CHART_SAVED:"
	chartMissingMarker = "NO_CHART_CREATED"
)

type RenderChartInput struct {
	Code string `json:"code"`
}

type RenderChartOutput struct {
	Status       string `json:"status"`
	Message      string `json:"message,omitempty"`
	ArtifactPath string `json:"artifact_path,omitempty"`
	Error        string `json:"error,omitempty"`
}

func newRenderChartTool(runner sandbox.CodeRunner, cfg model.ChartConfig) tool.BaseTool {
	outputDir := cfg.OutputDir
	if outputDir == "" {
		outputDir = "charts"
	}

	return utils.NewTool(
		&schema.ToolInfo{
			Name: ToolRenderChart,
			Desc: "Runs Python code (matplotlib, pandas available) to analyse data or draw a chart. Input: a valid Python snippet that builds a figure. Do not call plt.show() and do not call plt.savefig(); the system saves the figure itself and reports where it was stored.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"code": {
					Type:     "string",
					Desc:     "Python code that prepares data and draws a matplotlib figure.",
					Required: true,
				},
			}),
		},
		func(ctx context.Context, in *RenderChartInput) (*RenderChartOutput, error) {
			code := strings.TrimSpace(in.Code)
			if code == "" {
				return &RenderChartOutput{
					Status: StatusError,
					Error:  "chart error: code is required",
				}, nil
			}

			// Per-request artifact path: concurrent chart requests in one
			// batch must never share an output file.
			artifactPath := ChartArtifactPath(outputDir, uuid.NewString())

			logx.Debug().Str("artifact", artifactPath).Msg("Executing chart code")

			started := time.Now()
			output, runErr := runner.Run(ctx, WrapChartCode(code, artifactPath))
			elapsed := time.Since(started)

			out := ClassifyChartOutput(output, artifactPath)
			if out.Status == StatusError && runErr != nil && out.Error == "" {
				out.Error = "chart error: " + runErr.Error()
			}

			logx.Debug().
				Str("status", out.Status).
				Dur("elapsed", elapsed).
				Msg("Chart execution finished")
			return out, nil
		},
	)
}

// ChartArtifactPath derives the output file for one chart request.
func ChartArtifactPath(dir, requestID string) string {
	return filepath.Join(dir, fmt.Sprintf("chart_%s.png", requestID))
}

// WrapChartCode embeds the model's snippet in a harness that imports the
// plotting libraries, saves any created figure to the artifact path, and
// prints the sentinels the classifier scans for.
func WrapChartCode(code, artifactPath string) string {
	var b strings.Builder
	b.WriteString("import os\n")
	b.WriteString("import matplotlib\n")
	b.WriteString("matplotlib.use('Agg')\n")
	b.WriteString("import matplotlib.pyplot as plt\n")
	b.WriteString("import pandas as pd\n\n")
	b.WriteString(code)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "save_path = %q\n", artifactPath)
	b.WriteString("os.makedirs(os.path.dirname(save_path), exist_ok=True)\n")
	b.WriteString("if plt.get_fignums():\n")
	b.WriteString("    plt.savefig(save_path, bbox_inches='tight')\n")
	b.WriteString("    plt.close('all')\n")
	fmt.Fprintf(&b, "    print(%q + save_path)\n", chartSavedMarker)
	b.WriteString("else:\n")
	fmt.Fprintf(&b, "    print(%q)\n", chartMissingMarker)
	return b.String()
}

// ClassifyChartOutput turns the process output into a typed result by
// scanning for the sentinel markers.
func ClassifyChartOutput(output, artifactPath string) *RenderChartOutput {
	switch {
	case strings.Contains(output, chartSavedMarker):
		return &RenderChartOutput{
			Status:       StatusOK,
			Message:      fmt.Sprintf("Chart rendered and saved to '%s'. Tell the user where to find it.", artifactPath),
			ArtifactPath: artifactPath,
		}
	case strings.Contains(output, chartMissingMarker):
		return &RenderChartOutput{
			Status:  StatusEmpty,
			Message: "The code ran but created no chart. Output: " + strings.TrimSpace(output),
		}
	default:
		return &RenderChartOutput{
			Status: StatusError,
			Error:  "chart error: " + strings.TrimSpace(output),
		}
	}
}
