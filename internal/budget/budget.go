// Package budget trims what goes out on a single model call: large
// historical tool outcomes are redacted, replayed invocation inputs are
// stripped, and the tool catalog is narrowed to what the triggering
// message plausibly needs. The token estimate is a logging heuristic,
// never a hard rejection.
package budget

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/adventureharmony/sms-agent/internal/mcp"
	"github.com/adventureharmony/sms-agent/internal/transcript"
)

const (
	// RedactionThreshold is the outcome length above which the content
	// is replaced with a short reference to its invocation id.
	RedactionThreshold = 100

	// WarnTokens is the estimated-size threshold that triggers a log
	// warning. Requests above it still go out.
	WarnTokens = 30000

	// targetPercent and minPercent bound tool selection: a keyword match
	// smaller than minPercent of the catalog is padded back up to
	// targetPercent, and the no-match fallback samples targetPercent.
	targetPercent = 20
	minPercent    = 10
)

// categories maps a tool category to the trigger-text keywords that
// activate it. Category names themselves also count as keywords when
// matching tool names and descriptions.
var categories = map[string][]string{
	"calendar":  {"calendar", "schedule", "appointment", "meeting", "remind", "event"},
	"travel":    {"travel", "flight", "hotel", "trip", "airport", "train", "uber", "taxi"},
	"weather":   {"weather", "forecast", "rain", "temperature", "sunny", "snow", "storm"},
	"search":    {"search", "find", "look up", "lookup", "what is", "who is", "where is"},
	"messaging": {"message", "text", "sms", "email", "send", "reply", "contact"},
	"shopping":  {"buy", "order", "shop", "purchase", "cart", "price", "deliver"},
	"food":      {"food", "restaurant", "eat", "dinner", "lunch", "reservation", "menu"},
	"health":    {"health", "doctor", "pharmacy", "medication", "symptom", "clinic"},
	"media":     {"movie", "music", "show", "video", "watch", "listen", "podcast"},
	"financial": {"bank", "balance", "payment", "pay", "transfer", "invoice", "money"},
}

// Budgeter prepares transcripts and tool subsets for one model call.
type Budgeter struct {
	logger *slog.Logger
}

// New creates a budgeter.
func New(logger *slog.Logger) *Budgeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Budgeter{logger: logger}
}

// Prepare compacts the transcript, selects a tool subset for the
// triggering text, and logs a warning when the estimated request size
// crosses WarnTokens.
func (b *Budgeter) Prepare(entries []transcript.Entry, catalog []mcp.ToolDefinition, trigger string) ([]transcript.Entry, []mcp.ToolDefinition) {
	compacted := Compact(entries)
	tools := SelectTools(trigger, catalog)

	est := EstimateTokens(compacted, tools)
	if est > WarnTokens {
		b.logger.Warn("model request estimate above threshold",
			"estimated_tokens", est,
			"threshold", WarnTokens,
			"entries", len(compacted),
			"tools", len(tools),
		)
	} else {
		b.logger.Debug("model request prepared",
			"estimated_tokens", est,
			"tools", len(tools),
			"catalog", len(catalog),
		)
	}

	return compacted, tools
}

// Compact returns a copy of the transcript with oversized outcome
// values redacted and invocation inputs stripped from historical
// entries. Inputs on the most recent invocation entry are kept; the
// model may still be reasoning about them. Pure: the input is not
// mutated.
func Compact(entries []transcript.Entry) []transcript.Entry {
	lastInvocation := -1
	for i, e := range entries {
		if len(e.Invocations()) > 0 {
			lastInvocation = i
		}
	}

	out := make([]transcript.Entry, len(entries))
	for i, e := range entries {
		blocks := make([]transcript.Block, len(e.Blocks))
		for j, blk := range e.Blocks {
			switch blk.Kind {
			case transcript.KindOutcome:
				if len(blk.Value) > RedactionThreshold {
					blk.Value = fmt.Sprintf("[result for %s omitted, %d chars]", blk.InvocationID, len(blk.Value))
				}
			case transcript.KindInvocation:
				if i < lastInvocation {
					blk.Input = nil
				}
			}
			blocks[j] = blk
		}
		out[i] = transcript.Entry{Role: e.Role, Blocks: blocks}
	}
	return out
}

// EstimateTokens approximates the token cost of a request as
// ceil(serialized_length / 4). Heuristic only.
func EstimateTokens(entries []transcript.Entry, tools []mcp.ToolDefinition) int {
	var total int
	if data, err := json.Marshal(entries); err == nil {
		total += len(data)
	}
	if data, err := json.Marshal(tools); err == nil {
		total += len(data)
	}
	return (total + 3) / 4
}

// SelectTools picks the catalog subset relevant to the trigger text.
// Keyword categories drive the match; with no category hit the result
// is a deterministic stride sample of the catalog, never an empty set.
// An undersized match is padded back up so one narrow keyword cannot
// over-prune the catalog.
func SelectTools(trigger string, catalog []mcp.ToolDefinition) []mcp.ToolDefinition {
	if len(catalog) == 0 {
		return nil
	}

	target := scaled(len(catalog), targetPercent)
	hits := matchCategories(trigger)
	if len(hits) == 0 {
		return strideSample(catalog, target, nil)
	}

	var matched []mcp.ToolDefinition
	selected := make(map[string]bool)
	for _, td := range catalog {
		if toolMatches(td, hits) {
			matched = append(matched, td)
			selected[td.Name] = true
		}
	}

	if len(matched) == 0 {
		return strideSample(catalog, target, nil)
	}
	if len(matched) < scaled(len(catalog), minPercent) {
		matched = append(matched, strideSample(catalog, target-len(matched), selected)...)
	}
	return matched
}

// Narrow reduces the catalog to just the named tool, used for the
// follow-up call immediately after that tool's results are appended.
// Returns false when the tool is not in the catalog.
func Narrow(invoked string, catalog []mcp.ToolDefinition) ([]mcp.ToolDefinition, bool) {
	td, ok := mcp.MatchTool(catalog, invoked)
	if !ok {
		return nil, false
	}
	return []mcp.ToolDefinition{td}, true
}

// matchCategories returns the categories whose keywords appear in the
// trigger text.
func matchCategories(trigger string) map[string][]string {
	text := strings.ToLower(trigger)
	hits := make(map[string][]string)
	for name, keywords := range categories {
		if strings.Contains(text, name) {
			hits[name] = keywords
			continue
		}
		for _, kw := range keywords {
			if strings.Contains(text, kw) {
				hits[name] = keywords
				break
			}
		}
	}
	return hits
}

// toolMatches reports whether a tool's name or description mentions a
// hit category or any of its keywords.
func toolMatches(td mcp.ToolDefinition, hits map[string][]string) bool {
	haystack := strings.ToLower(td.Name + " " + td.Description)
	for name, keywords := range hits {
		if strings.Contains(haystack, name) {
			return true
		}
		for _, kw := range keywords {
			if strings.Contains(haystack, kw) {
				return true
			}
		}
	}
	return false
}

// strideSample picks up to n tools at a fixed stride across the
// catalog, skipping names already selected. Deterministic for a given
// catalog order.
func strideSample(catalog []mcp.ToolDefinition, n int, skip map[string]bool) []mcp.ToolDefinition {
	if n <= 0 {
		return nil
	}

	step := len(catalog) / n
	if step < 1 {
		step = 1
	}

	var out []mcp.ToolDefinition
	for i := 0; i < len(catalog) && len(out) < n; i += step {
		if skip[catalog[i].Name] {
			continue
		}
		out = append(out, catalog[i])
	}
	return out
}

// scaled returns pct percent of n, rounded down but never below 1.
func scaled(n, pct int) int {
	v := n * pct / 100
	if v < 1 {
		v = 1
	}
	return v
}
