// Package sandbox runs caller-supplied code in a separate OS process so
// a crash or hang never takes the pipeline down with it.
package sandbox

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	logx "github.com/insight-agent/server/pkg/logger"
)

// CodeRunner executes a script and returns its combined output. Errors
// carry the output too, so callers can scan it for sentinel markers.
type CodeRunner interface {
	Run(ctx context.Context, code string) (string, error)
}

// PythonRunner executes Python snippets via the configured interpreter.
type PythonRunner struct {
	Python  string
	Timeout time.Duration
}

func NewPythonRunner(python string, timeout time.Duration) *PythonRunner {
	if python == "" {
		python = "python3"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &PythonRunner{Python: python, Timeout: timeout}
}

// Run executes the snippet in a fresh interpreter process. The combined
// stdout/stderr is returned even when the process exits non-zero.
func (r *PythonRunner) Run(ctx context.Context, code string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.Python, "-c", code)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if err != nil {
		logx.Debug().Err(err).Msg("python process exited with error")
	}
	return out.String(), err
}

var _ CodeRunner = (*PythonRunner)(nil)
