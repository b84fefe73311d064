package observers

import (
	einocb "github.com/cloudwego/eino/callbacks"
	callbackHelper "github.com/cloudwego/eino/utils/callbacks"

	"github.com/insight-agent/server/internal/agent/graph/events"
)

// NewPipelineCallbacks aggregates all observer handlers into the set
// passed to the graph run. The generic stage handler emits the ordered
// stage-started/stage-completed stream; the typed handlers add token
// deltas and tool brackets. Pass events.NopSink when no consumer is
// rendering progress.
func NewPipelineCallbacks(sink events.Sink) []einocb.Handler {
	if sink == nil {
		sink = events.NopSink
	}

	typed := callbackHelper.NewHandlerHelper().
		ChatModel(newModelHandler(sink)).
		Tool(newToolHandler(sink)).
		Handler()

	return []einocb.Handler{
		newStageHandler(sink),
		typed,
	}
}
