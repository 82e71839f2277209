// Package toolexec executes the tools the model asks for. It recovers
// from identifier drift between the model's requested tool name and the
// remote registry, caches results per (tool, canonical arguments) with
// at most one execution in flight per key, and persists each outcome as
// a pending message so the worker can observe and link it.
package toolexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adventureharmony/sms-agent/internal/mcp"
	"github.com/adventureharmony/sms-agent/internal/sms"
	"github.com/adventureharmony/sms-agent/internal/store"
)

// cacheTTL bounds how long a completed result answers later identical
// calls. Expired entries re-execute.
const cacheTTL = 5 * time.Minute

// partialReplyLimit caps the immediate partial SMS carrying a tool
// result, roughly two concatenated SMS segments.
const partialReplyLimit = 320

// Registry is the remote tool surface the coordinator needs.
type Registry interface {
	ListTools(ctx context.Context) ([]mcp.ToolDefinition, error)
	RefreshTools(ctx context.Context) ([]mcp.ToolDefinition, error)
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
}

// cacheEntry is one in-flight or completed execution. done is closed
// when value/err are set.
type cacheEntry struct {
	done chan struct{}

	value       string
	err         error
	completedAt time.Time
}

// Coordinator runs tool calls for the turn processor.
type Coordinator struct {
	registry Registry
	store    store.Store
	sender   sms.Sender // optional; nil disables partial replies
	logger   *slog.Logger
	nowFunc  func() time.Time

	mu    sync.Mutex
	cache map[string]*cacheEntry
}

// New creates a coordinator. sender may be nil.
func New(registry Registry, st store.Store, sender sms.Sender, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		registry: registry,
		store:    st,
		sender:   sender,
		logger:   logger,
		nowFunc:  time.Now,
		cache:    make(map[string]*cacheEntry),
	}
}

// Execute runs one tool call requested by the carrier message. On
// success the result is persisted as a pending outcome message (child
// of the carrier, tool_result_for set) and, when a sender is wired, a
// partial reply goes out immediately. Errors other than identifier
// mismatch propagate un-retried; the caller folds them into the
// user-visible reply.
func (c *Coordinator) Execute(ctx context.Context, carrier *store.Message, call store.ToolCall) (string, error) {
	value, err := c.cached(ctx, call.Name, call.Input)
	if err != nil {
		return "", err
	}

	if err := c.persistOutcome(carrier, call, value); err != nil {
		return "", fmt.Errorf("persist outcome for %s: %w", call.ID, err)
	}

	c.sendPartial(ctx, carrier, call.Name, value)
	return value, nil
}

// cached runs the tool through the per-key cache. A second caller for
// the same key while one execution is in flight waits for that result
// instead of re-invoking. Failures are not cached.
func (c *Coordinator) cached(ctx context.Context, name string, args map[string]any) (string, error) {
	key := cacheKey(name, args)

	c.mu.Lock()
	if e, ok := c.cache[key]; ok && !c.expired(e) {
		c.mu.Unlock()
		select {
		case <-e.done:
			return e.value, e.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	e := &cacheEntry{done: make(chan struct{})}
	c.cache[key] = e
	c.mu.Unlock()

	e.value, e.err = c.invoke(ctx, name, args)
	e.completedAt = c.nowFunc()
	close(e.done)

	if e.err != nil {
		// Leave the key free for a later attempt.
		c.mu.Lock()
		if c.cache[key] == e {
			delete(c.cache, key)
		}
		c.mu.Unlock()
	}

	return e.value, e.err
}

// expired reports whether a completed entry is past its TTL. In-flight
// entries never expire.
func (c *Coordinator) expired(e *cacheEntry) bool {
	select {
	case <-e.done:
		return c.nowFunc().Sub(e.completedAt) > cacheTTL
	default:
		return false
	}
}

// invoke calls the remote tool, recovering from the unknown-tool error
// class: re-query the live registry and match the requested name
// ignoring case and whitespace; with no match, try once more with a
// fallback identifier derived from the name and the current time.
func (c *Coordinator) invoke(ctx context.Context, name string, args map[string]any) (string, error) {
	value, err := c.registry.CallTool(ctx, name, args)
	if err == nil || !errors.Is(err, mcp.ErrToolNotFound) {
		return value, err
	}

	c.logger.Warn("tool not found, attempting registry match", "tool", name)

	tools, listErr := c.registry.RefreshTools(ctx)
	if listErr != nil {
		return "", fmt.Errorf("refresh registry after miss on %s: %w", name, listErr)
	}

	if td, ok := mcp.MatchTool(tools, name); ok {
		c.logger.Info("recovered tool identifier", "requested", name, "registry", td.Name)
		return c.registry.CallTool(ctx, td.Name, args)
	}

	fallback := fmt.Sprintf("%s-%d", mcp.CanonicalName(name), c.nowFunc().Unix())
	c.logger.Warn("no registry match, trying fallback identifier",
		"requested", name,
		"fallback", fallback,
	)
	return c.registry.CallTool(ctx, fallback, args)
}

// persistOutcome writes the result as a pending child message of the
// carrier so the worker loop can pick it up for further processing.
func (c *Coordinator) persistOutcome(carrier *store.Message, call store.ToolCall, value string) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate id: %w", err)
	}

	return c.store.InsertMessage(&store.Message{
		ID:              id.String(),
		ConversationID:  carrier.ConversationID,
		Direction:       store.DirectionOutgoing,
		Content:         value,
		FromNumber:      carrier.FromNumber,
		ToNumber:        carrier.ToNumber,
		ParentMessageID: carrier.ID,
		ToolResultFor:   call.ID,
		Status:          store.StatusPending,
		CreatedAt:       c.nowFunc(),
	})
}

// sendPartial delivers the formatted tool result immediately, before
// the overall turn completes. Failures are logged only.
func (c *Coordinator) sendPartial(ctx context.Context, carrier *store.Message, tool, value string) {
	if c.sender == nil || carrier.FromNumber == "" || value == "" {
		return
	}

	body := fmt.Sprintf("%s: %s", tool, value)
	if len(body) > partialReplyLimit {
		body = body[:partialReplyLimit-3] + "..."
	}

	if err := c.sender.Send(ctx, carrier.FromNumber, body); err != nil {
		c.logger.Warn("partial reply send failed",
			"to", carrier.FromNumber,
			"tool", tool,
			"error", err,
		)
	}
}

// cacheKey builds the (name, canonical arguments) key. JSON encoding
// sorts map keys, so structurally equal argument maps produce the same
// key regardless of construction order.
func cacheKey(name string, args map[string]any) string {
	data, err := json.Marshal(args)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", args))
	}
	return name + "\x00" + string(data)
}
