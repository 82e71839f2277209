// Package memwindow keeps a bounded per-conversation window of recent
// turns plus a free-form context bag. The in-memory index serves the
// worker; a durable copy is written through on every mutation. Windows
// idle past the eviction age are dropped from memory by a periodic
// sweep — the durable copy remains but is no longer actively served.
package memwindow

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// MaxTurns caps how many exchanged turns a window retains.
	MaxTurns = 50

	// IdleEviction is how long a window may sit untouched before the
	// sweep drops it from the in-memory index.
	IdleEviction = 24 * time.Hour
)

// Turn is one exchanged message in a conversation.
type Turn struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Window is the tracked state of one conversation.
type Window struct {
	ConversationID string         `json:"conversation_id"`
	Turns          []Turn         `json:"turns"`
	Context        map[string]any `json:"context,omitempty"`
	LastActivity   time.Time      `json:"last_activity"`
}

// Store is the durable side of the tracker.
type Store interface {
	Upsert(w *Window) error
	Get(conversationID string) (*Window, error)
}

// Tracker owns the in-memory window index.
type Tracker struct {
	store   Store // may be nil; memory-only then
	logger  *slog.Logger
	nowFunc func() time.Time

	mu      sync.Mutex
	windows map[string]*Window
}

// NewTracker creates a tracker. store may be nil.
func NewTracker(store Store, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:   store,
		logger:  logger,
		nowFunc: time.Now,
		windows: make(map[string]*Window),
	}
}

// Append records one turn, creating the window on first touch. The
// oldest turns fall off past MaxTurns.
func (t *Tracker) Append(conversationID, role, content string) error {
	now := t.nowFunc()

	t.mu.Lock()
	w := t.touch(conversationID, now)
	w.Turns = append(w.Turns, Turn{Role: role, Content: content, At: now})
	if len(w.Turns) > MaxTurns {
		w.Turns = w.Turns[len(w.Turns)-MaxTurns:]
	}
	snapshot := cloneWindow(w)
	t.mu.Unlock()

	return t.persist(snapshot)
}

// SetContext stores one key in the conversation's context bag.
func (t *Tracker) SetContext(conversationID, key string, value any) error {
	now := t.nowFunc()

	t.mu.Lock()
	w := t.touch(conversationID, now)
	if w.Context == nil {
		w.Context = make(map[string]any)
	}
	w.Context[key] = value
	snapshot := cloneWindow(w)
	t.mu.Unlock()

	return t.persist(snapshot)
}

// MergeContext copies every key of ctx into the conversation's context
// bag. Used when a suspended conversation resumes with merged state.
func (t *Tracker) MergeContext(conversationID string, ctx map[string]any) error {
	if len(ctx) == 0 {
		return nil
	}
	now := t.nowFunc()

	t.mu.Lock()
	w := t.touch(conversationID, now)
	if w.Context == nil {
		w.Context = make(map[string]any, len(ctx))
	}
	for k, v := range ctx {
		w.Context[k] = v
	}
	snapshot := cloneWindow(w)
	t.mu.Unlock()

	return t.persist(snapshot)
}

// Window returns a copy of the conversation's window, or false when it
// is not in the in-memory index.
func (t *Tracker) Window(conversationID string) (*Window, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.windows[conversationID]
	if !ok {
		return nil, false
	}
	c := cloneWindow(w)
	return &c, true
}

// Evict drops every window idle longer than IdleEviction from the
// in-memory index and returns how many were dropped.
func (t *Tracker) Evict() int {
	cutoff := t.nowFunc().Add(-IdleEviction)

	t.mu.Lock()
	defer t.mu.Unlock()

	dropped := 0
	for id, w := range t.windows {
		if w.LastActivity.Before(cutoff) {
			delete(t.windows, id)
			dropped++
		}
	}
	if dropped > 0 {
		t.logger.Info("evicted idle conversation windows", "count", dropped)
	}
	return dropped
}

// touch returns the live window for the conversation, creating it when
// absent, and bumps LastActivity. Caller must hold t.mu.
func (t *Tracker) touch(conversationID string, now time.Time) *Window {
	w, ok := t.windows[conversationID]
	if !ok {
		w = &Window{ConversationID: conversationID}
		t.windows[conversationID] = w
	}
	w.LastActivity = now
	return w
}

// persist writes the snapshot through to the durable store.
func (t *Tracker) persist(w Window) error {
	if t.store == nil {
		return nil
	}
	if err := t.store.Upsert(&w); err != nil {
		return fmt.Errorf("persist window %s: %w", w.ConversationID, err)
	}
	return nil
}

// cloneWindow deep-copies a window so callers never share live state.
func cloneWindow(w *Window) Window {
	out := *w
	out.Turns = append([]Turn(nil), w.Turns...)
	if w.Context != nil {
		out.Context = make(map[string]any, len(w.Context))
		for k, v := range w.Context {
			out.Context[k] = v
		}
	}
	return out
}
