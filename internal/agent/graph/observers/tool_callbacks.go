package observers

import (
	"context"

	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components/tool"
	callbackHelper "github.com/cloudwego/eino/utils/callbacks"

	"github.com/insight-agent/server/internal/agent/graph/events"
	"github.com/insight-agent/server/internal/agent/graph/tools"
	logx "github.com/insight-agent/server/pkg/logger"
)

// newToolHandler brackets each capability invocation with tool events
// and logs the classified result status.
func newToolHandler(sink events.Sink) *callbackHelper.ToolCallbackHandler {
	return &callbackHelper.ToolCallbackHandler{
		OnStart: func(ctx context.Context, info *einocb.RunInfo, input *tool.CallbackInput) context.Context {
			name := runName(info)
			args := ""
			if input != nil {
				args = input.ArgumentsInJSON
			}
			logx.Debug().
				Str("tool", name).
				Str("arguments", truncate(args, 300)).
				Msg("Tool started")
			sink.Emit(events.Event{Type: events.ToolStarted, Stage: name, Output: args})
			return ctx
		},
		OnEnd: func(ctx context.Context, info *einocb.RunInfo, output *tool.CallbackOutput) context.Context {
			name := runName(info)
			response := ""
			if output != nil {
				response = output.Response
			}
			logx.Debug().
				Str("tool", name).
				Str("status", tools.ResultStatus(response)).
				Msg("Tool completed")
			sink.Emit(events.Event{Type: events.ToolCompleted, Stage: name, Output: response})
			return ctx
		},
		OnError: func(ctx context.Context, info *einocb.RunInfo, err error) context.Context {
			logx.Error().Str("tool", runName(info)).Err(err).Msg("Tool failed")
			return ctx
		},
	}
}
