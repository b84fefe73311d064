package observers

import (
	"context"

	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/schema"

	"github.com/insight-agent/server/internal/agent/graph/events"
	"github.com/insight-agent/server/internal/agent/graph/nodes"
	logx "github.com/insight-agent/server/pkg/logger"
)

// newStageHandler emits the ordered stage lifecycle stream. The run info
// fires for every component in the graph, including inner ones (prompt
// templates, individual tools); only node keys become stage events.
func newStageHandler(sink events.Sink) einocb.Handler {
	return einocb.NewHandlerBuilder().
		OnStartFn(func(ctx context.Context, info *einocb.RunInfo, input einocb.CallbackInput) context.Context {
			if info == nil || !nodes.IsStage(info.Name) {
				return ctx
			}
			logx.Debug().Str("stage", info.Name).Msg("Stage started")
			sink.Emit(events.Event{Type: events.StageStarted, Stage: info.Name})
			return ctx
		}).
		OnStartWithStreamInputFn(func(ctx context.Context, info *einocb.RunInfo, input *schema.StreamReader[einocb.CallbackInput]) context.Context {
			input.Close()
			if info == nil || !nodes.IsStage(info.Name) {
				return ctx
			}
			logx.Debug().Str("stage", info.Name).Msg("Stage started")
			sink.Emit(events.Event{Type: events.StageStarted, Stage: info.Name})
			return ctx
		}).
		OnEndFn(func(ctx context.Context, info *einocb.RunInfo, output einocb.CallbackOutput) context.Context {
			if info == nil || !nodes.IsStage(info.Name) {
				return ctx
			}
			logx.Debug().Str("stage", info.Name).Msg("Stage completed")
			sink.Emit(events.Event{
				Type:   events.StageCompleted,
				Stage:  info.Name,
				Output: stageOutput(output),
			})
			return ctx
		}).
		OnEndWithStreamOutputFn(func(ctx context.Context, info *einocb.RunInfo, output *schema.StreamReader[einocb.CallbackOutput]) context.Context {
			if info == nil || !nodes.IsStage(info.Name) {
				output.Close()
				return ctx
			}
			// Stream-mode completion: the typed model handler consumes the
			// deltas; here only the lifecycle marker matters.
			output.Close()
			logx.Debug().Str("stage", info.Name).Msg("Stage completed")
			sink.Emit(events.Event{Type: events.StageCompleted, Stage: info.Name})
			return ctx
		}).
		OnErrorFn(func(ctx context.Context, info *einocb.RunInfo, err error) context.Context {
			if info == nil || !nodes.IsStage(info.Name) {
				return ctx
			}
			logx.Error().Str("stage", info.Name).Err(err).Msg("Stage failed")
			return ctx
		}).
		Build()
}

// stageOutput keeps emitted stage payloads small: messages collapse to
// their text content, everything else passes through as-is.
func stageOutput(output einocb.CallbackOutput) any {
	switch v := output.(type) {
	case *schema.Message:
		if v == nil {
			return nil
		}
		return v.Content
	default:
		return v
	}
}
