package cache

import (
	"sync"

	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"

	"whatsapp-gateway/internal/model"
	"whatsapp-gateway/internal/util"
)

const shardCount = 16

// MessageCache is the process-local store of messages observed on the live
// connection, organized per conversation. Insertion is idempotent per
// message id; a duplicate id carrying different content is rejected rather
// than overwriting what was cached first.
//
// Conversations are spread over lock-striped shards so ingestion and reads
// on unrelated conversations never contend.
type MessageCache struct {
	shards             [shardCount]*shard
	maxPerConversation int
	logger             *zap.Logger
}

type shard struct {
	mu            sync.RWMutex
	conversations map[string]*conversation
}

type conversation struct {
	name  string
	order []*model.Message // arrival order
	index map[string]int   // message id -> position in order
}

func NewMessageCache(maxPerConversation int, logger *zap.Logger) *MessageCache {
	c := &MessageCache{
		maxPerConversation: maxPerConversation,
		logger:             logger,
	}
	for i := range c.shards {
		c.shards[i] = &shard{conversations: make(map[string]*conversation)}
	}
	return c
}

func (c *MessageCache) shardFor(conversationID string) *shard {
	return c.shards[murmur3.Sum32([]byte(conversationID))%shardCount]
}

// Remember inserts the message unless its id is already present. Returns
// true when the message was newly inserted. Re-delivered events are
// silently ignored; an id collision with differing content is logged and
// the write rejected.
func (c *MessageCache) Remember(conversationID string, msg model.Message) bool {
	s := c.shardFor(conversationID)
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		conv = &conversation{index: make(map[string]int)}
		s.conversations[conversationID] = conv
	}

	if pos, exists := conv.index[msg.ID]; exists {
		cached := conv.order[pos]
		if cached.Content != msg.Content || cached.Sender != msg.Sender {
			c.logger.Warn("Rejected conflicting write for cached message id",
				util.String("conversation_id", conversationID),
				util.String("message_id", msg.ID),
			)
		}
		return false
	}

	stored := msg
	conv.order = append(conv.order, &stored)
	conv.index[msg.ID] = len(conv.order) - 1

	if c.maxPerConversation > 0 && len(conv.order) > c.maxPerConversation {
		conv.evictOldest(len(conv.order) - c.maxPerConversation)
	}
	return true
}

func (conv *conversation) evictOldest(n int) {
	for _, m := range conv.order[:n] {
		delete(conv.index, m.ID)
	}
	conv.order = append([]*model.Message(nil), conv.order[n:]...)
	for i, m := range conv.order {
		conv.index[m.ID] = i
	}
}

// Get returns up to limit of the most recent messages in arrival order.
// An unknown conversation yields an empty slice, never an error.
func (c *MessageCache) Get(conversationID string, limit int) []model.Message {
	s := c.shardFor(conversationID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[conversationID]
	if !ok || limit <= 0 {
		return []model.Message{}
	}

	start := 0
	if len(conv.order) > limit {
		start = len(conv.order) - limit
	}

	out := make([]model.Message, 0, len(conv.order)-start)
	for _, m := range conv.order[start:] {
		out = append(out, *m)
	}
	return out
}

// MarkDeleted flips the deletion flag on a cached message. The message is
// kept so "message deleted" events remain auditable. No-op if the id is
// unknown.
func (c *MessageCache) MarkDeleted(conversationID, messageID string) bool {
	s := c.shardFor(conversationID)
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return false
	}
	pos, ok := conv.index[messageID]
	if !ok {
		return false
	}
	conv.order[pos].Deleted = true
	return true
}

// OldestID returns the id of the oldest cached message for the
// conversation, the history fetch anchor.
func (c *MessageCache) OldestID(conversationID string) (string, bool) {
	s := c.shardFor(conversationID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[conversationID]
	if !ok || len(conv.order) == 0 {
		return "", false
	}
	return conv.order[0].ID, true
}

// Len reports how many messages are cached for the conversation.
func (c *MessageCache) Len(conversationID string) int {
	s := c.shardFor(conversationID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return 0
	}
	return len(conv.order)
}

// SetName records the display name learned for a conversation.
func (c *MessageCache) SetName(conversationID, name string) {
	if name == "" {
		return
	}
	s := c.shardFor(conversationID)
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		conv = &conversation{index: make(map[string]int)}
		s.conversations[conversationID] = conv
	}
	conv.name = name
}

// Name returns the recorded display name, empty if unknown.
func (c *MessageCache) Name(conversationID string) string {
	s := c.shardFor(conversationID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	if conv, ok := s.conversations[conversationID]; ok {
		return conv.name
	}
	return ""
}
