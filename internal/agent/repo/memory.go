package repo

import (
	"context"
	"sync"

	"github.com/insight-agent/server/internal/agent/model"

	"github.com/cloudwego/eino/schema"
)

// MemoryThreadRepository keeps thread histories in a process-wide map.
// State lives for the process lifetime; it does not survive restarts.
// Swap in the Redis repository behind the same interface when durability
// is needed.
type MemoryThreadRepository struct {
	mu      sync.RWMutex
	threads map[string][]*schema.Message
}

func NewMemoryThreadRepository() *MemoryThreadRepository {
	return &MemoryThreadRepository{
		threads: make(map[string][]*schema.Message),
	}
}

func (r *MemoryThreadRepository) AppendMessage(_ context.Context, threadID string, message *schema.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.threads[threadID] = append(r.threads[threadID], message)
	return nil
}

func (r *MemoryThreadRepository) LoadHistory(_ context.Context, threadID string) (*model.ThreadHistory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored := r.threads[threadID]
	msgs := make([]*schema.Message, len(stored))
	copy(msgs, stored)
	return &model.ThreadHistory{ThreadID: threadID, Messages: msgs}, nil
}

func (r *MemoryThreadRepository) ClearHistory(_ context.Context, threadID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.threads, threadID)
	return nil
}

func (r *MemoryThreadRepository) MessageCount(_ context.Context, threadID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.threads[threadID]), nil
}

var _ model.ThreadRepository = (*MemoryThreadRepository)(nil)
