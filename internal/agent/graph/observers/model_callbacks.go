package observers

import (
	"context"
	"io"
	"strings"

	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	callbackHelper "github.com/cloudwego/eino/utils/callbacks"

	"github.com/insight-agent/server/internal/agent/graph/events"
	logx "github.com/insight-agent/server/pkg/logger"
)

// newModelHandler builds a typed ModelCallbackHandler that logs model
// traffic and forwards streamed text fragments as token-delta events.
func newModelHandler(sink events.Sink) *callbackHelper.ModelCallbackHandler {
	return &callbackHelper.ModelCallbackHandler{
		OnStart: func(ctx context.Context, info *einocb.RunInfo, input *model.CallbackInput) context.Context {
			if input != nil && len(input.Messages) > 0 {
				if um := lastUserContent(input.Messages); um != "" {
					logx.Debug().
						Str("node", runName(info)).
						Str("user", truncate(um, 200)).
						Msg("Model call start")
				}
			}
			return ctx
		},
		OnEnd: func(ctx context.Context, info *einocb.RunInfo, output *model.CallbackOutput) context.Context {
			if output != nil && output.Message != nil {
				content := strings.TrimSpace(output.Message.Content)
				logx.Debug().
					Str("node", runName(info)).
					Int("tool_calls", len(output.Message.ToolCalls)).
					Str("assistant", truncate(content, 200)).
					Msg("Model call end")
			}
			return ctx
		},
		OnEndWithStreamOutput: func(ctx context.Context, info *einocb.RunInfo, output *schema.StreamReader[*model.CallbackOutput]) context.Context {
			stage := runName(info)
			go func() {
				defer output.Close()
				for {
					chunk, err := output.Recv()
					if err == io.EOF {
						return
					}
					if err != nil {
						logx.Error().Str("node", stage).Err(err).Msg("Model stream error")
						return
					}
					if chunk == nil || chunk.Message == nil || chunk.Message.Content == "" {
						continue
					}
					sink.Emit(events.Event{
						Type:  events.TokenDelta,
						Stage: stage,
						Delta: chunk.Message.Content,
					})
				}
			}()
			return ctx
		},
		OnError: func(ctx context.Context, info *einocb.RunInfo, err error) context.Context {
			logx.Error().Str("node", runName(info)).Err(err).Msg("Model call failed")
			return ctx
		},
	}
}

func runName(info *einocb.RunInfo) string {
	if info == nil {
		return ""
	}
	return info.Name
}

func lastUserContent(msgs []*schema.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m == nil {
			continue
		}
		if m.Role == schema.User {
			return strings.TrimSpace(m.Content)
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
