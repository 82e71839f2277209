// Package chain rebuilds the causal history of a message from the
// persisted parent-link forest. The walk always goes back to the
// per-row source of truth; no denormalized history field is consulted,
// so reconstruction is idempotent and side-effect free.
package chain

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/adventureharmony/sms-agent/internal/store"
)

// Walk bounds. Malformed data (cycles, runaway parent chains) stops the
// walk instead of erroring; the result carries a Truncated flag.
const (
	DefaultMaxDepth = 30
	DefaultMaxNodes = 200
)

// Source is the narrow read surface the reconstructor needs.
type Source interface {
	GetMessage(id string) (*store.Message, error)
	ChildrenOf(parentID string) ([]*store.Message, error)
}

// Result is a reconstructed causal chain: the message itself, its
// ancestors, and tool-involved relatives, deduplicated and sorted by
// creation time (id tiebreak).
type Result struct {
	Messages []*store.Message

	// Truncated is set when the walk hit the depth or node ceiling, or
	// detected a parent cycle. The collected partial set is still valid.
	Truncated bool
}

// Reconstructor walks the message forest.
type Reconstructor struct {
	src      Source
	logger   *slog.Logger
	maxDepth int
	maxNodes int
}

// NewReconstructor creates a chain reconstructor over the given source.
func NewReconstructor(src Source, logger *slog.Logger) *Reconstructor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconstructor{
		src:      src,
		logger:   logger,
		maxDepth: DefaultMaxDepth,
		maxNodes: DefaultMaxNodes,
	}
}

// Reconstruct returns every message causally relevant to the given id:
// the message itself, its ancestor chain via parent links, tool-call
// messages hanging off any node on that path, and the outcome rows
// answering those calls. A store read failure at any level aborts with
// an error; bounded truncation does not.
func (r *Reconstructor) Reconstruct(id string) (*Result, error) {
	collected := make(map[string]*store.Message)
	visited := make(map[string]bool)
	truncated := false

	cur := id
	for depth := 0; cur != ""; depth++ {
		if depth >= r.maxDepth {
			r.logger.Warn("chain walk hit depth ceiling", "message_id", id, "depth", depth)
			truncated = true
			break
		}
		if visited[cur] {
			// Parent cycle. Fail closed with what we have.
			r.logger.Warn("chain walk detected parent cycle", "message_id", id, "at", cur)
			truncated = true
			break
		}
		visited[cur] = true

		m, err := r.src.GetMessage(cur)
		if err != nil {
			return nil, fmt.Errorf("fetch message %s: %w", cur, err)
		}
		if !r.collect(collected, m) {
			truncated = true
			break
		}

		// Tool activity hangs off each node on the path: invocation
		// messages and their outcome rows are stored as children.
		ok, err := r.collectToolRelatives(collected, m.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			truncated = true
			break
		}

		cur = m.ParentMessageID
	}

	msgs := make([]*store.Message, 0, len(collected))
	for _, m := range collected {
		msgs = append(msgs, m)
	}
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})

	return &Result{Messages: msgs, Truncated: truncated}, nil
}

// collectToolRelatives gathers tool-involved children of the given node
// and, for each invocation child, its candidate outcome rows. Returns
// false when the node ceiling was reached.
func (r *Reconstructor) collectToolRelatives(collected map[string]*store.Message, nodeID string) (bool, error) {
	children, err := r.src.ChildrenOf(nodeID)
	if err != nil {
		return false, fmt.Errorf("fetch children of %s: %w", nodeID, err)
	}

	for _, c := range children {
		if len(c.ToolCalls) == 0 && c.ToolResultFor == "" {
			continue
		}
		if !r.collect(collected, c) {
			return false, nil
		}

		if len(c.ToolCalls) == 0 {
			continue
		}
		// Outcome rows answering this invocation live as its children.
		grandchildren, err := r.src.ChildrenOf(c.ID)
		if err != nil {
			return false, fmt.Errorf("fetch children of %s: %w", c.ID, err)
		}
		for _, gc := range grandchildren {
			if gc.ToolResultFor == "" && (gc.Direction != store.DirectionOutgoing || len(gc.ToolCalls) > 0) {
				continue
			}
			if !r.collect(collected, gc) {
				return false, nil
			}
		}
	}

	return true, nil
}

// collect adds m unless already present, enforcing the node ceiling.
// Entries are immutable once fetched, so first write wins.
func (r *Reconstructor) collect(collected map[string]*store.Message, m *store.Message) bool {
	if _, ok := collected[m.ID]; ok {
		return true
	}
	if len(collected) >= r.maxNodes {
		r.logger.Warn("chain walk hit node ceiling", "nodes", len(collected))
		return false
	}
	collected[m.ID] = m
	return true
}
