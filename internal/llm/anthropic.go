package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/adventureharmony/sms-agent/internal/config"
	"github.com/adventureharmony/sms-agent/internal/httpkit"
	"github.com/adventureharmony/sms-agent/internal/mcp"
	"github.com/adventureharmony/sms-agent/internal/retry"
	"github.com/adventureharmony/sms-agent/internal/transcript"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"

	defaultMaxTokens = 4096
)

// AnthropicClient implements Client against the Anthropic Messages API.
type AnthropicClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicClient creates an Anthropic client.
func NewAnthropicClient(apiKey string, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	// Model responses can take significant time before headers arrive
	// (long prompts, tool-heavy turns). Use a generous response header
	// timeout and rely on ctx deadlines for overall control.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &AnthropicClient{
		apiKey:  apiKey,
		baseURL: anthropicAPIURL,
		logger:  logger.With("provider", "anthropic"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

// Anthropic wire types.

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []anthropicContent
}

type anthropicContent struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Input     any    `json:"input,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"` // for tool_result
}

type anthropicTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Role       string             `json:"role"`
	Content    []anthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Complete sends one Messages API request and converts the response
// content blocks back into transcript blocks. Rate limiting and
// server-side failures are marked retryable for the invoker.
func (c *AnthropicClient) Complete(ctx context.Context, req Request) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	wireReq := anthropicRequest{
		Model:     req.Model,
		Messages:  convertEntries(req.Entries),
		System:    req.System,
		MaxTokens: maxTokens,
		Tools:     convertTools(req.Tools),
	}

	c.logger.Debug("preparing request",
		"model", req.Model,
		"messages", len(wireReq.Messages),
		"tools", len(wireReq.Tools),
	)

	jsonData, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, config.LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		apiErr := fmt.Errorf("anthropic API error %d: %s", resp.StatusCode, errBody)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, retry.Transient(apiErr)
		}
		return nil, apiErr
	}

	var wireResp anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&wireResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	result := convertResponse(&wireResp)

	c.logger.Debug("response received",
		"model", result.Model,
		"stop_reason", result.StopReason,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"invocations", len(result.Invocations()),
	)
	c.logger.Log(ctx, config.LevelTrace, "response content", "content", result.Text())

	return result, nil
}

// Ping verifies the API key with a minimal one-token request. The
// Messages API has no dedicated health endpoint.
func (c *AnthropicClient) Ping(ctx context.Context, model string) error {
	req := anthropicRequest{
		Model:     model,
		Messages:  []anthropicMessage{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(httpResp.Body, 4096)

	if httpResp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("invalid API key")
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status from Anthropic API: %d", httpResp.StatusCode)
	}
	return nil
}

// convertEntries maps transcript entries to wire messages. Entries that
// are a single text block collapse to plain-string content.
func convertEntries(entries []transcript.Entry) []anthropicMessage {
	out := make([]anthropicMessage, 0, len(entries))
	for _, e := range entries {
		if len(e.Blocks) == 1 && e.Blocks[0].Kind == transcript.KindText {
			out = append(out, anthropicMessage{Role: string(e.Role), Content: e.Blocks[0].Text})
			continue
		}

		blocks := make([]anthropicContent, 0, len(e.Blocks))
		for _, b := range e.Blocks {
			switch b.Kind {
			case transcript.KindText:
				blocks = append(blocks, anthropicContent{Type: "text", Text: b.Text})
			case transcript.KindInvocation:
				input := b.Input
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropicContent{
					Type:  "tool_use",
					ID:    b.ID,
					Name:  b.Name,
					Input: input,
				})
			case transcript.KindOutcome:
				blocks = append(blocks, anthropicContent{
					Type:      "tool_result",
					ToolUseID: b.InvocationID,
					Content:   b.Value,
				})
			}
		}
		out = append(out, anthropicMessage{Role: string(e.Role), Content: blocks})
	}
	return out
}

// convertTools maps registry tool definitions to the wire schema shape.
func convertTools(tools []mcp.ToolDefinition) []anthropicTool {
	if len(tools) == 0 {
		return nil
	}

	out := make([]anthropicTool, 0, len(tools))
	for _, td := range tools {
		schema := any(td.InputSchema)
		if td.InputSchema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, anthropicTool{
			Name:        td.Name,
			Description: td.Description,
			InputSchema: schema,
		})
	}
	return out
}

// convertResponse maps wire content blocks back to transcript blocks.
func convertResponse(resp *anthropicResponse) *Response {
	var blocks []transcript.Block
	for _, b := range resp.Content {
		switch b.Type {
		case "text":
			blocks = append(blocks, transcript.TextBlock(b.Text))
		case "tool_use":
			args, ok := b.Input.(map[string]any)
			if !ok {
				args = map[string]any{}
			}
			blocks = append(blocks, transcript.InvocationBlock(b.ID, b.Name, args))
		}
	}

	return &Response{
		Blocks:       blocks,
		StopReason:   resp.StopReason,
		Model:        resp.Model,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
}
