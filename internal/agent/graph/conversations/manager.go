package conversations

import (
	"context"
	"strings"

	"github.com/insight-agent/server/internal/agent/model"

	"github.com/cloudwego/eino/schema"
)

type MessagesManager struct {
	threadRepo model.ThreadRepository
	maxTurns   int
}

func NewMessagesManager(threadRepo model.ThreadRepository, config model.ConversationConfig) *MessagesManager {
	return &MessagesManager{
		threadRepo: threadRepo,
		maxTurns:   config.Context.MaxTurns,
	}
}

// BeginTurn appends the new user message to the thread and returns the
// resulting history, newest message last.
func (mm *MessagesManager) BeginTurn(ctx context.Context, threadID string, query string) ([]*schema.Message, error) {
	userMsg := schema.UserMessage(query)
	if err := mm.threadRepo.AppendMessage(ctx, threadID, userMsg); err != nil {
		return nil, err
	}

	history, err := mm.threadRepo.LoadHistory(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return history.Messages, nil
}

// ClassifierContext flattens recent history into a tagged text block for
// the classification stages, with the latest user message called out.
func (mm *MessagesManager) ClassifierContext(history []*schema.Message) string {
	recent := trimTail(history, mm.maxTurns)

	var b strings.Builder
	b.WriteString("<conversation_context>\n")
	for _, msg := range recent {
		if msg == nil || msg.Content == "" {
			continue
		}
		switch msg.Role {
		case schema.User:
			b.WriteString("UserMessage(" + msg.Content + ")\n")
		case schema.Assistant:
			b.WriteString("AssistantMessage(" + msg.Content + ")\n")
		}
	}
	b.WriteString("</conversation_context>")

	if last := LatestUserContent(history); last != "" {
		b.WriteString("\n<latest_user_message>\n")
		b.WriteString(last)
		b.WriteString("\n</latest_user_message>")
	}
	return b.String()
}

// AgentMessages builds the working window for the agent loop: the system
// instruction followed by recent history, with the latest user message
// content swapped for the transformed query. The input slice and every
// message in it are left untouched; only the replaced message is a copy.
func (mm *MessagesManager) AgentMessages(history []*schema.Message, systemPrompt string, transformedQuery string) []*schema.Message {
	recent := trimTail(history, mm.maxTurns)

	out := make([]*schema.Message, 0, len(recent)+1)
	out = append(out, schema.SystemMessage(systemPrompt))
	out = append(out, recent...)

	if transformedQuery == "" {
		return out
	}
	for i := len(out) - 1; i >= 1; i-- {
		if out[i] != nil && out[i].Role == schema.User {
			replaced := *out[i]
			replaced.Content = transformedQuery
			out[i] = &replaced
			break
		}
	}
	return out
}

// LatestUserContent returns the content of the most recent user message.
func LatestUserContent(history []*schema.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i] != nil && history[i].Role == schema.User {
			return history[i].Content
		}
	}
	return ""
}

// SaveResponse persists the final assistant answer for the turn.
func (mm *MessagesManager) SaveResponse(ctx context.Context, threadID string, content string) error {
	assistantMsg := schema.AssistantMessage(content, nil)
	return mm.threadRepo.AppendMessage(ctx, threadID, assistantMsg)
}

// ====================== Helper function ======================
func trimTail(messages []*schema.Message, maxTurns int) []*schema.Message {
	if maxTurns <= 0 || len(messages) <= maxTurns {
		result := make([]*schema.Message, len(messages))
		copy(result, messages)
		return result
	}
	source := messages[len(messages)-maxTurns:]
	result := make([]*schema.Message, len(source))
	copy(result, source)
	return result
}
