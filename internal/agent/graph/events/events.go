package events

// Type identifies what happened inside the pipeline.
type Type string

const (
	// StageStarted fires when a stage begins executing.
	StageStarted Type = "stage_started"
	// StageCompleted fires when a stage finishes, carrying its structured
	// output when one exists.
	StageCompleted Type = "stage_completed"
	// TokenDelta carries one streamed text fragment from a model stage.
	// Fragments are raw writer output emitted before the output guardrail
	// runs, so they may contain personal data the finished answer masks.
	// Renderers must replace streamed text with the returned answer once
	// the turn completes.
	TokenDelta Type = "token_delta"
	// ToolStarted / ToolCompleted bracket one capability invocation
	// inside the tool-dispatch stage.
	ToolStarted   Type = "tool_started"
	ToolCompleted Type = "tool_completed"
)

// Event is one entry of the ordered progress stream a consumer renders
// incrementally while a turn executes.
type Event struct {
	Type   Type
	Stage  string // graph node name, or capability name for tool events
	Output any    // structured stage output, when available
	Delta  string // text fragment for TokenDelta
}

// Sink receives pipeline events in order. Emit must not block for long;
// slow consumers should buffer.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// NopSink discards all events.
var NopSink Sink = SinkFunc(func(Event) {})

// ChannelSink buffers events on a channel for consumers that render
// progress from their own goroutine.
type ChannelSink struct {
	ch chan Event
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelSink{ch: make(chan Event, buffer)}
}

// Emit delivers the event, dropping it if the consumer fell behind.
// Progress events are advisory; the final answer never travels here.
func (s *ChannelSink) Emit(e Event) {
	select {
	case s.ch <- e:
	default:
	}
}

// Events exposes the receive side of the sink.
func (s *ChannelSink) Events() <-chan Event {
	return s.ch
}

// Close ends the stream. Call only after the turn has returned.
func (s *ChannelSink) Close() {
	close(s.ch)
}
