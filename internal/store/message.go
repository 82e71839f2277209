// Package store persists conversation messages. Messages form a forest:
// each row may reference a parent message, and tool-outcome rows hang off
// the assistant turn that requested the tool. The parent link is used
// only for traversal; rows are never deleted through it.
package store

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a message id does not exist.
var ErrNotFound = errors.New("message not found")

// Direction indicates which way a message travelled.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Status is the processing state of a message. Transitions move forward
// only: pending → processing → completed. failed is terminal and can be
// entered from any non-terminal state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ToolCall is a single tool invocation requested by the model, recorded
// on the outgoing message that carried it.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// Message is a node in the persisted conversation forest.
type Message struct {
	ID              string
	ConversationID  string
	Direction       Direction
	Content         string
	FromNumber      string
	ToNumber        string
	ParentMessageID string // empty = root
	ToolCalls       []ToolCall
	ToolResultFor   string // tool-call id this message answers; empty = none
	Status          Status
	ErrorMessage    string
	CreatedAt       time.Time
}

// Validate checks structural invariants before insert. A message is
// either a tool request or a tool answer, never both.
func (m *Message) Validate() error {
	if m.ID == "" {
		return errors.New("message id is required")
	}
	if m.Direction != DirectionIncoming && m.Direction != DirectionOutgoing {
		return fmt.Errorf("invalid direction %q", m.Direction)
	}
	if len(m.ToolCalls) > 0 && m.ToolResultFor != "" {
		return fmt.Errorf("message %s carries both tool calls and a tool result", m.ID)
	}
	return nil
}

// Terminal reports whether the message status admits no further transitions.
func (m *Message) Terminal() bool {
	return m.Status == StatusCompleted || m.Status == StatusFailed
}

// Store is the message persistence interface. The SQLite implementation
// is authoritative; tests substitute the in-memory implementation.
type Store interface {
	// InsertMessage persists a new message after validating it.
	InsertMessage(m *Message) error

	// GetMessage returns the message with the given id, or ErrNotFound.
	GetMessage(id string) (*Message, error)

	// UpdateStatus transitions a message's status and records an error
	// message (which may be empty).
	UpdateStatus(id string, status Status, errMsg string) error

	// AttachToolCalls records the tool calls requested during a turn on
	// the originating message.
	AttachToolCalls(id string, calls []ToolCall) error

	// NextPending returns the oldest pending incoming message, or nil
	// when the queue is empty.
	NextPending() (*Message, error)

	// ChildrenOf returns all messages whose parent is the given id,
	// ordered by creation time.
	ChildrenOf(parentID string) ([]*Message, error)

	// CountPendingToolResults counts tool-outcome children of the given
	// message that are still pending. The turn processor uses this to
	// decide whether a turn may complete.
	CountPendingToolResults(parentID string) (int, error)

	// Conversation returns all messages in a conversation, ordered by
	// creation time.
	Conversation(conversationID string) ([]*Message, error)
}
