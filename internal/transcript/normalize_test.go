package transcript

import (
	"testing"
	"time"

	"github.com/adventureharmony/sms-agent/internal/store"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func plain(id string, dir store.Direction, content string, offset time.Duration) *store.Message {
	return &store.Message{
		ID:             id,
		ConversationID: "conv1",
		Direction:      dir,
		Content:        content,
		Status:         store.StatusCompleted,
		CreatedAt:      base.Add(offset),
	}
}

func TestNormalize_PairedToolCall(t *testing.T) {
	// Scenario: m1 is a user message, m2 invoked tool t1, m3 answered it.
	m1 := plain("m1", store.DirectionIncoming, "what is the answer", 0)

	m2 := plain("m2", store.DirectionOutgoing, "Let me look that up.", time.Minute)
	m2.ParentMessageID = "m1"
	m2.ToolCalls = []store.ToolCall{{ID: "t1", Name: "lookup", Input: map[string]any{"q": "answer"}}}

	m3 := plain("m3", store.DirectionOutgoing, "42", 2*time.Minute)
	m3.ParentMessageID = "m2"
	m3.ToolResultFor = "t1"

	n := NewNormalizer(nil)
	entries := n.Normalize([]*store.Message{m1, m2, m3})

	if err := Validate(entries); err != nil {
		t.Fatalf("invalid transcript: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d: %+v", len(entries), entries)
	}

	if entries[0].Role != RoleUser || entries[0].Text() != "what is the answer" {
		t.Errorf("unexpected plain entry: %+v", entries[0])
	}

	inv := entries[1].Invocations()
	if entries[1].Role != RoleAssistant || len(inv) != 1 || inv[0].ID != "t1" || inv[0].Name != "lookup" {
		t.Errorf("unexpected invocation entry: %+v", entries[1])
	}
	if entries[1].Text() != "Let me look that up." {
		t.Errorf("invoking message text not carried: %q", entries[1].Text())
	}

	o := entries[2]
	if o.Role != RoleUser || len(o.Blocks) != 1 || o.Blocks[0].Kind != KindOutcome {
		t.Fatalf("unexpected outcome entry: %+v", o)
	}
	if o.Blocks[0].InvocationID != "t1" || o.Blocks[0].Value != "42" {
		t.Errorf("outcome not resolved from tool_result_for row: %+v", o.Blocks[0])
	}
}

func TestNormalize_MissingOutcomeSynthesized(t *testing.T) {
	// Same as above but the outcome row is absent entirely.
	m1 := plain("m1", store.DirectionIncoming, "what is the answer", 0)
	m2 := plain("m2", store.DirectionOutgoing, "", time.Minute)
	m2.ParentMessageID = "m1"
	m2.ToolCalls = []store.ToolCall{{ID: "t1", Name: "lookup"}}

	n := NewNormalizer(nil)
	entries := n.Normalize([]*store.Message{m1, m2})

	if err := Validate(entries); err != nil {
		t.Fatalf("invalid transcript: %v", err)
	}

	last := entries[len(entries)-1]
	if last.Role != RoleUser || len(last.Blocks) != 1 {
		t.Fatalf("expected synthesized outcome entry, got %+v", last)
	}
	if last.Blocks[0].InvocationID != "t1" || last.Blocks[0].Value != SynthesizedOutcome {
		t.Errorf("unexpected synthesized outcome: %+v", last.Blocks[0])
	}

	// Empty invoking text gets the placeholder, never an empty block.
	invEntry := entries[len(entries)-2]
	if invEntry.Text() != PlaceholderText {
		t.Errorf("expected placeholder text, got %q", invEntry.Text())
	}
}

func TestNormalize_LegacyChildFallback(t *testing.T) {
	// Outcome row predates tool_result_for: it is a bare outgoing child
	// of the invoking message.
	m2 := plain("m2", store.DirectionOutgoing, "Checking.", 0)
	m2.ToolCalls = []store.ToolCall{{ID: "t1", Name: "lookup"}}

	legacy := plain("m3", store.DirectionOutgoing, "legacy result", time.Minute)
	legacy.ParentMessageID = "m2"

	n := NewNormalizer(nil)
	entries := n.Normalize([]*store.Message{m2, legacy})

	if err := Validate(entries); err != nil {
		t.Fatalf("invalid transcript: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected exactly one pair (legacy row consumed, not re-emitted), got %d entries", len(entries))
	}
	if entries[1].Blocks[0].Value != "legacy result" {
		t.Errorf("legacy child not used as outcome: %+v", entries[1].Blocks[0])
	}
}

func TestNormalize_MultipleCallsOneMessage(t *testing.T) {
	m := plain("m1", store.DirectionOutgoing, "Booking both.", 0)
	m.ToolCalls = []store.ToolCall{
		{ID: "t1", Name: "book_flight"},
		{ID: "t2", Name: "book_hotel"},
	}
	r1 := plain("r1", store.DirectionOutgoing, "flight ok", time.Minute)
	r1.ParentMessageID = "m1"
	r1.ToolResultFor = "t1"
	// t2 has no outcome row.

	n := NewNormalizer(nil)
	entries := n.Normalize([]*store.Message{m, r1})

	if err := Validate(entries); err != nil {
		t.Fatalf("invalid transcript: %v", err)
	}

	outcome := entries[1]
	if len(outcome.Blocks) != 2 {
		t.Fatalf("expected 2 outcome blocks, got %d", len(outcome.Blocks))
	}
	if outcome.Blocks[0].Value != "flight ok" {
		t.Errorf("real outcome not preserved: %+v", outcome.Blocks[0])
	}
	if outcome.Blocks[1].InvocationID != "t2" || outcome.Blocks[1].Value != SynthesizedOutcome {
		t.Errorf("missing outcome not synthesized: %+v", outcome.Blocks[1])
	}
}

func TestNormalize_DropsEmptyPlainMessages(t *testing.T) {
	n := NewNormalizer(nil)
	entries := n.Normalize([]*store.Message{
		plain("m1", store.DirectionIncoming, "", 0),
		plain("m2", store.DirectionIncoming, "hello", time.Minute),
	})

	if len(entries) != 1 || entries[0].Text() != "hello" {
		t.Errorf("expected only the non-empty message, got %+v", entries)
	}
}

func TestHeal_Pure(t *testing.T) {
	in := []Entry{
		{Role: RoleAssistant, Blocks: []Block{
			TextBlock("calling"),
			InvocationBlock("t1", "lookup", nil),
		}},
	}
	before := len(in[0].Blocks)

	first := Heal(in)
	second := Heal(in)

	if len(in[0].Blocks) != before {
		t.Error("Heal mutated its input")
	}
	if len(first) != len(second) {
		t.Errorf("Heal not deterministic: %d vs %d entries", len(first), len(second))
	}
	for i := range first {
		if !equalEntries(first[i], second[i]) {
			t.Errorf("Heal not deterministic at entry %d", i)
		}
	}
}

func TestHeal_InsertsMissingOutcomeEntry(t *testing.T) {
	in := []Entry{
		{Role: RoleUser, Blocks: []Block{TextBlock("hi")}},
		{Role: RoleAssistant, Blocks: []Block{
			TextBlock("calling"),
			InvocationBlock("t1", "lookup", nil),
		}},
		{Role: RoleUser, Blocks: []Block{TextBlock("unrelated follow-up")}},
	}

	out := Heal(in)
	if err := Validate(out); err != nil {
		t.Fatalf("heal left transcript invalid: %v", err)
	}

	// The synthesized outcome entry sits directly after the invocation.
	if out[2].Role != RoleUser || !out[2].outcomesOnly() {
		t.Fatalf("expected synthesized outcome entry at index 2, got %+v", out[2])
	}
	if out[2].Blocks[0].InvocationID != "t1" {
		t.Errorf("synthesized outcome answers wrong invocation: %+v", out[2].Blocks[0])
	}
	// The original follow-up survives after the pair.
	if out[3].Text() != "unrelated follow-up" {
		t.Errorf("original entry lost: %+v", out[3])
	}
}

func TestHeal_ReconcilesPartialOutcomeEntry(t *testing.T) {
	in := []Entry{
		{Role: RoleAssistant, Blocks: []Block{
			TextBlock("calling"),
			InvocationBlock("t1", "lookup", nil),
			InvocationBlock("t2", "search", nil),
		}},
		{Role: RoleUser, Blocks: []Block{
			OutcomeBlock("t1", "found it"),
			OutcomeBlock("t9", "stale answer for a different call"),
		}},
	}

	out := Heal(in)
	if err := Validate(out); err != nil {
		t.Fatalf("heal left transcript invalid: %v", err)
	}

	blocks := out[1].Blocks
	if len(blocks) != 2 {
		t.Fatalf("expected 2 reconciled outcomes, got %d", len(blocks))
	}
	if blocks[0].InvocationID != "t1" || blocks[0].Value != "found it" {
		t.Errorf("matching outcome not kept: %+v", blocks[0])
	}
	if blocks[1].InvocationID != "t2" || blocks[1].Value != SynthesizedOutcome {
		t.Errorf("missing outcome not synthesized: %+v", blocks[1])
	}
}

func TestHeal_DropsExactDuplicates(t *testing.T) {
	e := Entry{Role: RoleUser, Blocks: []Block{TextBlock("hello")}}
	out := Heal([]Entry{e, e, e})

	if len(out) != 1 {
		t.Errorf("expected duplicates removed, got %d entries", len(out))
	}
}

func TestValidate_RejectsBrokenPairing(t *testing.T) {
	tests := []struct {
		name    string
		entries []Entry
	}{
		{
			"trailing invocation",
			[]Entry{{Role: RoleAssistant, Blocks: []Block{
				TextBlock("x"), InvocationBlock("t1", "lookup", nil),
			}}},
		},
		{
			"wrong outcome id",
			[]Entry{
				{Role: RoleAssistant, Blocks: []Block{
					TextBlock("x"), InvocationBlock("t1", "lookup", nil),
				}},
				{Role: RoleUser, Blocks: []Block{OutcomeBlock("t2", "v")}},
			},
		},
		{
			"empty text on invocation entry",
			[]Entry{
				{Role: RoleAssistant, Blocks: []Block{InvocationBlock("t1", "lookup", nil)}},
				{Role: RoleUser, Blocks: []Block{OutcomeBlock("t1", "v")}},
			},
		},
		{
			"outcome count mismatch",
			[]Entry{
				{Role: RoleAssistant, Blocks: []Block{
					TextBlock("x"),
					InvocationBlock("t1", "lookup", nil),
					InvocationBlock("t2", "search", nil),
				}},
				{Role: RoleUser, Blocks: []Block{OutcomeBlock("t1", "v")}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Validate(tt.entries); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestValidate_AcceptsHealedGarbage(t *testing.T) {
	// Whatever mess goes in, Heal output must validate.
	in := []Entry{
		{Role: RoleAssistant, Blocks: []Block{InvocationBlock("t1", "a", nil)}},
		{Role: RoleAssistant, Blocks: []Block{InvocationBlock("t2", "b", nil)}},
		{Role: RoleUser, Blocks: []Block{OutcomeBlock("t1", "late answer")}},
		{Role: RoleUser, Blocks: []Block{TextBlock("hello")}},
	}

	if err := Validate(Heal(in)); err != nil {
		t.Errorf("healed transcript failed validation: %v", err)
	}
}
