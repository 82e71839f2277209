package transcript

import (
	"log/slog"

	"github.com/adventureharmony/sms-agent/internal/store"
)

// PlaceholderText accompanies invocation blocks when the invoking
// message had no text of its own. The model service rejects empty text
// blocks, so a non-empty stand-in is mandatory.
const PlaceholderText = "Using a tool to help with your request."

// SynthesizedOutcome is the stable placeholder value emitted when a
// tool call has no discoverable outcome row. It reads as a success so
// that replayed history never re-triggers the tool.
const SynthesizedOutcome = `{"status":"success","result":"Tool completed successfully"}`

// Normalizer builds protocol-valid transcripts from chronologically
// sorted message chains.
type Normalizer struct {
	logger *slog.Logger
}

// NewNormalizer creates a normalizer.
func NewNormalizer(logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{logger: logger}
}

// Normalize runs both phases: Build then Heal. The result always
// satisfies Validate, even on inputs with missing or duplicated rows.
func (n *Normalizer) Normalize(msgs []*store.Message) []Entry {
	entries := n.Build(msgs)
	healed := Heal(entries)

	if err := Validate(healed); err != nil {
		// Heal guarantees the invariant; reaching this means a bug, not
		// bad data. Log loudly and return the best we have.
		n.logger.Error("transcript still invalid after heal", "error", err)
	}
	return healed
}

// Build constructs transcript entries from sorted messages. Messages
// partition three ways: plain conversation turns, tool-call carriers,
// and outcome rows. Outcome rows are consumed by the pairing pass and
// never emitted standalone.
func (n *Normalizer) Build(msgs []*store.Message) []Entry {
	// Index outcome rows by the invocation id they answer.
	outcomeByCall := make(map[string]*store.Message)
	// Index direct children for the legacy fallback: outcome rows
	// written before tool_result_for existed are bare outgoing children
	// of the invoking message.
	childrenOf := make(map[string][]*store.Message)
	for _, m := range msgs {
		if m.ToolResultFor != "" {
			if _, ok := outcomeByCall[m.ToolResultFor]; !ok {
				outcomeByCall[m.ToolResultFor] = m
			}
		}
		if m.ParentMessageID != "" {
			childrenOf[m.ParentMessageID] = append(childrenOf[m.ParentMessageID], m)
		}
	}

	// consumed marks messages whose content is emitted inside an
	// invocation/outcome pair, so the plain pass skips them.
	consumed := make(map[string]bool)
	for _, m := range msgs {
		if len(m.ToolCalls) == 0 {
			continue
		}
		for _, call := range m.ToolCalls {
			if o := n.resolveOutcome(call.ID, m, outcomeByCall, childrenOf); o != nil {
				consumed[o.ID] = true
			}
		}
	}

	var entries []Entry
	for _, m := range msgs {
		switch {
		case len(m.ToolCalls) > 0:
			entries = append(entries, n.buildPair(m, outcomeByCall, childrenOf)...)
		case m.ToolResultFor != "" || consumed[m.ID]:
			// Emitted as an outcome block inside a pair.
		default:
			if m.Content == "" {
				continue
			}
			entries = append(entries, Entry{
				Role:   roleFor(m.Direction),
				Blocks: []Block{TextBlock(m.Content)},
			})
		}
	}

	return entries
}

// buildPair emits the assistant invocation entry for a carrier message
// followed by the user outcome entry answering all of its calls.
func (n *Normalizer) buildPair(m *store.Message, outcomeByCall map[string]*store.Message, childrenOf map[string][]*store.Message) []Entry {
	text := m.Content
	if text == "" {
		text = PlaceholderText
	}

	assistant := Entry{Role: RoleAssistant, Blocks: []Block{TextBlock(text)}}
	outcome := Entry{Role: RoleUser}

	for _, call := range m.ToolCalls {
		assistant.Blocks = append(assistant.Blocks, InvocationBlock(call.ID, call.Name, call.Input))

		value := SynthesizedOutcome
		if o := n.resolveOutcome(call.ID, m, outcomeByCall, childrenOf); o != nil {
			value = o.Content
		} else {
			n.logger.Warn("no outcome row for tool call, synthesizing",
				"message_id", m.ID,
				"call_id", call.ID,
				"tool", call.Name,
			)
		}
		outcome.Blocks = append(outcome.Blocks, OutcomeBlock(call.ID, value))
	}

	return []Entry{assistant, outcome}
}

// resolveOutcome finds the message answering a tool call, in preference
// order: an explicit tool_result_for row, then a bare outgoing direct
// child of the carrier (legacy rows), then nothing.
func (n *Normalizer) resolveOutcome(callID string, carrier *store.Message, outcomeByCall map[string]*store.Message, childrenOf map[string][]*store.Message) *store.Message {
	if o, ok := outcomeByCall[callID]; ok {
		return o
	}
	for _, c := range childrenOf[carrier.ID] {
		if c.Direction == store.DirectionOutgoing && len(c.ToolCalls) == 0 && c.ToolResultFor == "" {
			return c
		}
	}
	return nil
}

// Heal is a pure function from entries to entries. It removes exact
// structural duplicates, guarantees invocation entries carry text, and
// repairs any invocation entry not followed by a fully matching outcome
// entry. Build already tries to produce valid output; Heal exists
// because legacy rows and concurrent writers produce inputs Build
// cannot anticipate.
func Heal(entries []Entry) []Entry {
	deduped := dedupe(entries)

	var out []Entry
	for i := 0; i < len(deduped); i++ {
		e := deduped[i]
		inv := e.Invocations()
		if len(inv) == 0 {
			out = append(out, e)
			continue
		}

		if e.Text() == "" {
			e = withLeadingText(e, PlaceholderText)
		}
		out = append(out, e)

		// Reconcile the following outcome entry: keep real outcomes
		// that answer these invocations, synthesize the rest, drop
		// anything extraneous.
		var existing []Block
		if i+1 < len(deduped) && deduped[i+1].Role == RoleUser && deduped[i+1].outcomesOnly() {
			existing = deduped[i+1].Blocks
			i++
		}
		out = append(out, Entry{Role: RoleUser, Blocks: reconcileOutcomes(inv, existing)})
	}

	return out
}

// reconcileOutcomes produces exactly one outcome block per invocation,
// preferring a real outcome with a matching id.
func reconcileOutcomes(invocations, existing []Block) []Block {
	byID := make(map[string]Block, len(existing))
	for _, b := range existing {
		if _, ok := byID[b.InvocationID]; !ok {
			byID[b.InvocationID] = b
		}
	}

	out := make([]Block, 0, len(invocations))
	for _, inv := range invocations {
		if b, ok := byID[inv.ID]; ok {
			out = append(out, b)
		} else {
			out = append(out, OutcomeBlock(inv.ID, SynthesizedOutcome))
		}
	}
	return out
}

// dedupe drops entries structurally equal to an earlier entry.
func dedupe(entries []Entry) []Entry {
	var out []Entry
	for _, e := range entries {
		dup := false
		for _, seen := range out {
			if equalEntries(seen, e) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, e)
		}
	}
	return out
}

// withLeadingText prepends a text block to the entry.
func withLeadingText(e Entry, text string) Entry {
	blocks := make([]Block, 0, len(e.Blocks)+1)
	blocks = append(blocks, TextBlock(text))
	blocks = append(blocks, e.Blocks...)
	return Entry{Role: e.Role, Blocks: blocks}
}

// roleFor maps message direction to transcript role.
func roleFor(d store.Direction) Role {
	if d == store.DirectionIncoming {
		return RoleUser
	}
	return RoleAssistant
}
