package store

import (
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store implementation. It backs tests and
// the one-shot debugging path; the worker daemon always uses SQLite.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string]*Message
}

// NewMemoryStore creates an empty in-memory message store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{messages: make(map[string]*Message)}
}

// InsertMessage persists a new message.
func (s *MemoryStore) InsertMessage(m *Message) error {
	if err := m.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.messages[m.ID] = &cp
	return nil
}

// GetMessage returns the message with the given id, or ErrNotFound.
func (s *MemoryStore) GetMessage(id string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

// UpdateStatus transitions a message's status.
func (s *MemoryStore) UpdateStatus(id string, status Status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	m.Status = status
	m.ErrorMessage = errMsg
	return nil
}

// AttachToolCalls records the tool calls requested during a turn.
func (s *MemoryStore) AttachToolCalls(id string, calls []ToolCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	m.ToolCalls = append([]ToolCall(nil), calls...)
	return nil
}

// NextPending returns the oldest pending incoming message, or nil.
func (s *MemoryStore) NextPending() (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var oldest *Message
	for _, m := range s.messages {
		if m.Status != StatusPending || m.Direction != DirectionIncoming {
			continue
		}
		if oldest == nil || m.CreatedAt.Before(oldest.CreatedAt) ||
			(m.CreatedAt.Equal(oldest.CreatedAt) && m.ID < oldest.ID) {
			oldest = m
		}
	}
	if oldest == nil {
		return nil, nil
	}
	cp := *oldest
	return &cp, nil
}

// ChildrenOf returns all messages whose parent is the given id.
func (s *MemoryStore) ChildrenOf(parentID string) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Message
	for _, m := range s.messages {
		if m.ParentMessageID == parentID {
			cp := *m
			out = append(out, &cp)
		}
	}
	sortMessages(out)
	return out, nil
}

// CountPendingToolResults counts pending tool-outcome children.
func (s *MemoryStore) CountPendingToolResults(parentID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, m := range s.messages {
		if m.ParentMessageID == parentID && m.ToolResultFor != "" && m.Status == StatusPending {
			n++
		}
	}
	return n, nil
}

// Conversation returns all messages in a conversation.
func (s *MemoryStore) Conversation(conversationID string) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			cp := *m
			out = append(out, &cp)
		}
	}
	sortMessages(out)
	return out, nil
}

// sortMessages orders by created_at ascending, id tiebreak, matching the
// SQLite queries.
func sortMessages(msgs []*Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}
