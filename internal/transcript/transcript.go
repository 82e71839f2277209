// Package transcript converts persisted message chains into the
// strictly alternating, protocol-valid turn sequence the language model
// accepts. The one contract that matters: every assistant entry that
// carries invocation blocks is immediately followed by a user entry
// carrying exactly the matching outcome blocks. The upstream service
// rejects transcripts that break this, so normalization is built as two
// phases — construct, then heal — and the heal phase synthesizes
// whatever the stored data is missing.
package transcript

import (
	"fmt"
)

// Role tags a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockKind discriminates the Block variant.
type BlockKind string

const (
	// KindText is a plain text block.
	KindText BlockKind = "text"

	// KindInvocation is a tool call requested by the assistant.
	KindInvocation BlockKind = "invocation"

	// KindOutcome answers exactly one invocation by id.
	KindOutcome BlockKind = "outcome"
)

// Block is a tagged union. Kind selects which fields are meaningful:
// Text for KindText; ID, Name, Input for KindInvocation; InvocationID,
// Value for KindOutcome.
type Block struct {
	Kind BlockKind

	Text string

	ID    string
	Name  string
	Input map[string]any

	InvocationID string
	Value        string
}

// TextBlock builds a text block.
func TextBlock(s string) Block {
	return Block{Kind: KindText, Text: s}
}

// InvocationBlock builds an invocation block.
func InvocationBlock(id, name string, input map[string]any) Block {
	return Block{Kind: KindInvocation, ID: id, Name: name, Input: input}
}

// OutcomeBlock builds an outcome block answering the given invocation.
func OutcomeBlock(invocationID, value string) Block {
	return Block{Kind: KindOutcome, InvocationID: invocationID, Value: value}
}

// Entry is a single protocol-shaped turn. Built fresh per model call
// and never persisted; the source messages are the durable record.
type Entry struct {
	Role   Role
	Blocks []Block
}

// Text returns the concatenated text blocks of the entry.
func (e Entry) Text() string {
	var out string
	for _, b := range e.Blocks {
		if b.Kind == KindText {
			out += b.Text
		}
	}
	return out
}

// Invocations returns the invocation blocks of the entry, in order.
func (e Entry) Invocations() []Block {
	var out []Block
	for _, b := range e.Blocks {
		if b.Kind == KindInvocation {
			out = append(out, b)
		}
	}
	return out
}

// outcomesOnly reports whether every block is an outcome block.
func (e Entry) outcomesOnly() bool {
	if len(e.Blocks) == 0 {
		return false
	}
	for _, b := range e.Blocks {
		if b.Kind != KindOutcome {
			return false
		}
	}
	return true
}

// Validate checks the pairing invariant over the whole transcript:
// every assistant entry with invocation blocks must be immediately
// followed by a user entry whose blocks are exactly the matching
// outcomes — same count, same ids. Returns nil when the transcript is
// protocol-valid.
func Validate(entries []Entry) error {
	for i, e := range entries {
		inv := e.Invocations()
		if len(inv) == 0 {
			continue
		}
		if e.Role != RoleAssistant {
			return fmt.Errorf("entry %d: invocation blocks on non-assistant entry", i)
		}
		if e.Text() == "" {
			return fmt.Errorf("entry %d: invocation entry has no text block", i)
		}
		if i+1 >= len(entries) {
			return fmt.Errorf("entry %d: invocation entry has no following outcome entry", i)
		}
		next := entries[i+1]
		if next.Role != RoleUser || !next.outcomesOnly() {
			return fmt.Errorf("entry %d: next entry is not a pure outcome entry", i)
		}
		if !outcomesMatch(inv, next.Blocks) {
			return fmt.Errorf("entry %d: outcome entry does not match invocation ids", i)
		}
	}
	return nil
}

// outcomesMatch reports whether the outcome blocks answer exactly the
// given invocations: same count, same set of ids.
func outcomesMatch(invocations, outcomes []Block) bool {
	if len(invocations) != len(outcomes) {
		return false
	}
	want := make(map[string]int, len(invocations))
	for _, b := range invocations {
		want[b.ID]++
	}
	for _, b := range outcomes {
		if want[b.InvocationID] == 0 {
			return false
		}
		want[b.InvocationID]--
	}
	return true
}

// equalBlocks compares two blocks structurally. Invocation inputs are
// compared by serialized identity of their keys/values.
func equalBlocks(a, b Block) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindText:
		return a.Text == b.Text
	case KindInvocation:
		return a.ID == b.ID && a.Name == b.Name && equalInputs(a.Input, b.Input)
	case KindOutcome:
		return a.InvocationID == b.InvocationID && a.Value == b.Value
	}
	return false
}

func equalInputs(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || fmt.Sprint(av) != fmt.Sprint(bv) {
			return false
		}
	}
	return true
}

// equalEntries compares role and blocks structurally.
func equalEntries(a, b Entry) bool {
	if a.Role != b.Role || len(a.Blocks) != len(b.Blocks) {
		return false
	}
	for i := range a.Blocks {
		if !equalBlocks(a.Blocks[i], b.Blocks[i]) {
			return false
		}
	}
	return true
}
