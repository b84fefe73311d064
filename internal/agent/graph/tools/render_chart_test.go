package tools

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/insight-agent/server/internal/agent/model"
)

// scriptedRunner returns canned process output instead of running Python.
type scriptedRunner struct {
	output  string
	err     error
	lastRun string
}

func (r *scriptedRunner) Run(_ context.Context, code string) (string, error) {
	r.lastRun = code
	// The harness prints the saved marker with the real path; substitute
	// it the way the wrapper script would.
	return r.output, r.err
}

func TestWrapChartCode(t *testing.T) {
	wrapped := WrapChartCode("plt.bar(['a'], [1])", "charts/chart_x.png")

	for _, want := range []string{
		"matplotlib.use('Agg')",
		"plt.bar(['a'], [1])",
		`save_path = "charts/chart_x.png"`,
		"os.makedirs",
		chartSavedMarker,
		chartMissingMarker,
	} {
		if !strings.Contains(wrapped, want) {
			t.Errorf("wrapped code missing %q", want)
		}
	}
	if strings.Index(wrapped, "import matplotlib") > strings.Index(wrapped, "plt.bar") {
		t.Errorf("imports must precede the user code")
	}
}

func TestClassifyChartOutput(t *testing.T) {
	saved := ClassifyChartOutput(chartSavedMarker+"charts/chart_1.png\n", "charts/chart_1.png")
	if saved.Status != StatusOK {
		t.Errorf("expected ok, got %q", saved.Status)
	}
	if saved.ArtifactPath != "charts/chart_1.png" {
		t.Errorf("artifact path missing: %+v", saved)
	}

	missing := ClassifyChartOutput("did some math\n"+chartMissingMarker+"\n", "charts/chart_2.png")
	if missing.Status != StatusEmpty {
		t.Errorf("expected empty, got %q", missing.Status)
	}

	failed := ClassifyChartOutput("Traceback (most recent call last): NameError: name 'dfx' is not defined", "charts/chart_3.png")
	if failed.Status != StatusError {
		t.Errorf("expected error, got %q", failed.Status)
	}
	if !strings.Contains(failed.Error, "chart error:") {
		t.Errorf("expected in-band marker, got %q", failed.Error)
	}
}

func TestChartArtifactPathsAreDistinct(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		p := ChartArtifactPath("charts", fmt.Sprintf("req-%d", i))
		if seen[p] {
			t.Fatalf("duplicate artifact path %q", p)
		}
		seen[p] = true
	}
	if p := ChartArtifactPath("charts", "abc"); p != "charts/chart_abc.png" {
		t.Errorf("unexpected artifact path %q", p)
	}
}

func TestRenderChartToolRunsWrappedCode(t *testing.T) {
	runner := &scriptedRunner{output: chartSavedMarker + "somewhere.png"}
	bt := newRenderChartTool(runner, model.ChartConfig{OutputDir: "charts"})

	out := invokeTool(t, bt, RenderChartInput{Code: "plt.plot([1, 2, 3])"})

	if ResultStatus(out) != StatusOK {
		t.Fatalf("expected ok status, got %q in %q", ResultStatus(out), out)
	}
	if !strings.Contains(runner.lastRun, "plt.plot([1, 2, 3])") {
		t.Errorf("user code not passed to runner")
	}
	if !strings.Contains(runner.lastRun, "matplotlib.use('Agg')") {
		t.Errorf("code not wrapped in harness")
	}
}

func TestRenderChartToolRejectsEmptyCode(t *testing.T) {
	runner := &scriptedRunner{}
	bt := newRenderChartTool(runner, model.ChartConfig{OutputDir: "charts"})

	out := invokeTool(t, bt, RenderChartInput{Code: "   "})
	if ResultStatus(out) != StatusError {
		t.Errorf("expected error status, got %q", out)
	}
	if runner.lastRun != "" {
		t.Errorf("runner should not execute empty code")
	}
}

func TestRenderChartToolRunErrorIsInBand(t *testing.T) {
	runner := &scriptedRunner{output: "Traceback: SyntaxError", err: fmt.Errorf("exit status 1")}
	bt := newRenderChartTool(runner, model.ChartConfig{OutputDir: "charts"})

	out := invokeTool(t, bt, RenderChartInput{Code: "plt.plot(]"})
	if ResultStatus(out) != StatusError {
		t.Fatalf("expected error status, got %q", out)
	}
	if !strings.Contains(out, "chart error:") {
		t.Errorf("expected in-band marker, got %q", out)
	}
}
