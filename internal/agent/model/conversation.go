package model

import (
	"context"

	"github.com/cloudwego/eino/schema"
)

// ThreadRepository persists conversation state keyed by thread id. The
// thread id is the sole partition key; one in-flight turn mutates a
// thread at a time (the runner serializes turns per thread).
type ThreadRepository interface {
	// AppendMessage appends a message to the thread history.
	AppendMessage(ctx context.Context, threadID string, message *schema.Message) error

	// LoadHistory retrieves the full ordered history for a thread.
	LoadHistory(ctx context.Context, threadID string) (*ThreadHistory, error)

	// ClearHistory removes all history for a thread.
	ClearHistory(ctx context.Context, threadID string) error

	// MessageCount returns the number of messages stored for a thread.
	MessageCount(ctx context.Context, threadID string) (int, error)
}

// ThreadHistory represents loaded conversation data for one thread.
type ThreadHistory struct {
	ThreadID string
	Messages []*schema.Message
}
