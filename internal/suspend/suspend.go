// Package suspend tracks conversations parked awaiting user input.
// Records live in an in-memory index for the common path and a durable
// store for process-restart recovery. Expiry is lazy: deadlines are
// checked on resume attempts and on explicit sweep passes, not by a
// dedicated timer.
package suspend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adventureharmony/sms-agent/internal/sms"
)

// DefaultTimeout is how long a suspended conversation waits for user
// input before timing out.
const DefaultTimeout = 60 * time.Minute

// ErrNotFound reports that no suspended record exists for the
// conversation.
var ErrNotFound = errors.New("suspended conversation not found")

// ErrTimedOut reports that the record's deadline passed before the
// resume arrived. The record has been transitioned to timed_out.
var ErrTimedOut = errors.New("suspended conversation timed out")

// Status is the lifecycle state of a suspended record. suspended is the
// only live state; resumed and timed_out are terminal.
type Status string

const (
	StatusSuspended Status = "suspended"
	StatusResumed   Status = "resumed"
	StatusTimedOut  Status = "timed_out"
)

// Record is one parked conversation.
type Record struct {
	ConversationID string
	WorkflowName   string
	Context        map[string]any
	Reason         string
	UserAddress    string
	OwnerID        string
	SuspendedAt    time.Time
	TimeoutAt      time.Time
	Status         Status
}

// Store is the durable side of the manager.
type Store interface {
	Upsert(rec *Record) error
	Get(conversationID string) (*Record, error)
	ListByStatus(status Status) ([]*Record, error)
}

// Resumption is handed back to the turn processor on a successful
// resume: the original record plus a merged context carrying the new
// input and the resume timestamp.
type Resumption struct {
	Record  *Record
	Context map[string]any
}

// Manager owns the suspended-conversation index.
type Manager struct {
	store   Store
	sender  sms.Sender // timeout notifications; may be nil
	logger  *slog.Logger
	timeout time.Duration
	nowFunc func() time.Time

	mu    sync.Mutex
	index map[string]*Record
}

// NewManager creates a manager. A zero timeout means DefaultTimeout.
func NewManager(store Store, sender sms.Sender, timeout time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Manager{
		store:   store,
		sender:  sender,
		logger:  logger,
		timeout: timeout,
		nowFunc: time.Now,
		index:   make(map[string]*Record),
	}
}

// Suspend parks a conversation. SuspendedAt and TimeoutAt are filled
// when zero; the record is persisted and indexed.
func (m *Manager) Suspend(rec *Record) error {
	if rec.ConversationID == "" {
		return errors.New("suspend: missing conversation id")
	}

	now := m.nowFunc()
	if rec.SuspendedAt.IsZero() {
		rec.SuspendedAt = now
	}
	if rec.TimeoutAt.IsZero() {
		rec.TimeoutAt = rec.SuspendedAt.Add(m.timeout)
	}
	rec.Status = StatusSuspended

	if err := m.store.Upsert(rec); err != nil {
		return fmt.Errorf("persist suspended record: %w", err)
	}

	m.mu.Lock()
	m.index[rec.ConversationID] = rec
	m.mu.Unlock()

	m.logger.Info("conversation suspended",
		"conversation_id", rec.ConversationID,
		"workflow", rec.WorkflowName,
		"reason", rec.Reason,
		"timeout_at", rec.TimeoutAt,
	)
	return nil
}

// Suspended reports whether the conversation is currently parked. The
// durable store is consulted when the in-memory index misses, covering
// process restarts.
func (m *Manager) Suspended(conversationID string) bool {
	rec, err := m.load(conversationID)
	return err == nil && rec.Status == StatusSuspended
}

// Resume attempts to wake a parked conversation with freshly arrived
// input. A record past its deadline transitions to timed_out, the user
// is notified, and ErrTimedOut is returned; the resume never succeeds
// late.
func (m *Manager) Resume(ctx context.Context, conversationID, newInput string) (*Resumption, error) {
	rec, err := m.load(conversationID)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusSuspended {
		return nil, ErrNotFound
	}

	now := m.nowFunc()
	if now.After(rec.TimeoutAt) {
		m.expire(ctx, rec)
		return nil, ErrTimedOut
	}

	rec.Status = StatusResumed
	if err := m.store.Upsert(rec); err != nil {
		return nil, fmt.Errorf("persist resumed record: %w", err)
	}

	m.mu.Lock()
	delete(m.index, conversationID)
	m.mu.Unlock()

	merged := make(map[string]any, len(rec.Context)+2)
	for k, v := range rec.Context {
		merged[k] = v
	}
	merged["resume_input"] = newInput
	merged["resumed_at"] = now.Format(time.RFC3339)

	m.logger.Info("conversation resumed",
		"conversation_id", conversationID,
		"workflow", rec.WorkflowName,
	)
	return &Resumption{Record: rec, Context: merged}, nil
}

// Sweep force-expires every suspended record past its deadline, in the
// index and the durable store, and returns how many were expired.
func (m *Manager) Sweep(ctx context.Context) int {
	now := m.nowFunc()
	expired := 0

	seen := make(map[string]bool)
	m.mu.Lock()
	candidates := make([]*Record, 0, len(m.index))
	for _, rec := range m.index {
		candidates = append(candidates, rec)
		seen[rec.ConversationID] = true
	}
	m.mu.Unlock()

	// Durable records not in memory (earlier process runs).
	if stored, err := m.store.ListByStatus(StatusSuspended); err != nil {
		m.logger.Error("sweep: list suspended records", "error", err)
	} else {
		for _, rec := range stored {
			if !seen[rec.ConversationID] {
				candidates = append(candidates, rec)
			}
		}
	}

	for _, rec := range candidates {
		if rec.Status == StatusSuspended && now.After(rec.TimeoutAt) {
			m.expire(ctx, rec)
			expired++
		}
	}

	if expired > 0 {
		m.logger.Info("sweep expired suspended conversations", "count", expired)
	}
	return expired
}

// load finds the record in the index, falling back to the durable store.
func (m *Manager) load(conversationID string) (*Record, error) {
	m.mu.Lock()
	rec, ok := m.index[conversationID]
	m.mu.Unlock()
	if ok {
		return rec, nil
	}

	rec, err := m.store.Get(conversationID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load suspended record: %w", err)
	}

	if rec.Status == StatusSuspended {
		m.mu.Lock()
		m.index[conversationID] = rec
		m.mu.Unlock()
	}
	return rec, nil
}

// expire transitions a record to timed_out, persists it, drops it from
// the index, and notifies the user.
func (m *Manager) expire(ctx context.Context, rec *Record) {
	rec.Status = StatusTimedOut
	if err := m.store.Upsert(rec); err != nil {
		m.logger.Error("persist timed-out record",
			"conversation_id", rec.ConversationID,
			"error", err,
		)
	}

	m.mu.Lock()
	delete(m.index, rec.ConversationID)
	m.mu.Unlock()

	m.logger.Warn("suspended conversation timed out",
		"conversation_id", rec.ConversationID,
		"workflow", rec.WorkflowName,
		"deadline", rec.TimeoutAt,
	)

	if m.sender != nil && rec.UserAddress != "" {
		body := "Your request timed out waiting for a reply. Text again to start over."
		if err := m.sender.Send(ctx, rec.UserAddress, body); err != nil {
			m.logger.Warn("timeout notification failed",
				"to", rec.UserAddress,
				"error", err,
			)
		}
	}
}
