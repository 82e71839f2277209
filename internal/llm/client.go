// Package llm talks to the language-model service. The client consumes
// a protocol-valid transcript plus a tool catalog and returns the
// model's ordered text and invocation blocks.
package llm

import (
	"context"
	"strings"

	"github.com/adventureharmony/sms-agent/internal/mcp"
	"github.com/adventureharmony/sms-agent/internal/transcript"
)

// Request is one model call.
type Request struct {
	Model  string
	System string

	// Entries must satisfy the transcript pairing invariant; the
	// service rejects malformed transcripts.
	Entries []transcript.Entry

	Tools []mcp.ToolDefinition

	// MaxTokens caps the response length. Zero means the client default.
	MaxTokens int
}

// Response carries the model's reply as transcript blocks: text blocks
// and, when the model wants tools run, invocation blocks in call order.
type Response struct {
	Blocks     []transcript.Block
	StopReason string

	Model        string
	InputTokens  int
	OutputTokens int
}

// Invocations returns the invocation blocks of the response, in order.
func (r *Response) Invocations() []transcript.Block {
	var out []transcript.Block
	for _, b := range r.Blocks {
		if b.Kind == transcript.KindInvocation {
			out = append(out, b)
		}
	}
	return out
}

// Text returns the newline-joined text blocks of the response.
func (r *Response) Text() string {
	var parts []string
	for _, b := range r.Blocks {
		if b.Kind == transcript.KindText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Client is the language-model service collaborator.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}
