// Package worker drives the conversation pipeline: it pulls one pending
// inbound message at a time, rebuilds its causal chain, normalizes the
// transcript, budgets the model request, dispatches any requested
// tools, and replies over SMS. Message statuses move strictly forward:
// pending → processing → completed or failed.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/adventureharmony/sms-agent/internal/budget"
	"github.com/adventureharmony/sms-agent/internal/chain"
	"github.com/adventureharmony/sms-agent/internal/llm"
	"github.com/adventureharmony/sms-agent/internal/mcp"
	"github.com/adventureharmony/sms-agent/internal/memwindow"
	"github.com/adventureharmony/sms-agent/internal/retry"
	"github.com/adventureharmony/sms-agent/internal/sms"
	"github.com/adventureharmony/sms-agent/internal/store"
	"github.com/adventureharmony/sms-agent/internal/suspend"
	"github.com/adventureharmony/sms-agent/internal/toolexec"
	"github.com/adventureharmony/sms-agent/internal/transcript"
)

// maxToolRounds bounds auto-chained follow-up calls after tool
// execution, so a model that keeps asking for tools cannot spin the
// turn forever.
const maxToolRounds = 4

// defaultSystem is the system prompt when config provides none.
const defaultSystem = "You are a helpful assistant replying over SMS. Keep replies short and plain-text."

// Intent is the result of analyzing an inbound message for missing
// required information.
type Intent struct {
	// NeedsInput is set when the conversation must park awaiting a
	// user answer.
	NeedsInput bool

	Workflow string
	Question string
	Context  map[string]any
}

// Analyzer is the external intent-analysis collaborator. A nil
// analyzer disables suspension triggering.
type Analyzer interface {
	Analyze(ctx context.Context, m *store.Message) (*Intent, error)
}

// Deps bundles the processor's collaborators. Store, LLM, Registry,
// Coordinator, and Sender are required; the rest are optional.
type Deps struct {
	Store       store.Store
	LLM         llm.Client
	Registry    toolexec.Registry
	Coordinator *toolexec.Coordinator
	Sender      sms.Sender

	Suspend  *suspend.Manager
	Windows  *memwindow.Tracker
	Analyzer Analyzer
	Invoker  *retry.Invoker

	Model  string
	System string
	Logger *slog.Logger
}

// Processor runs one conversation turn at a time.
type Processor struct {
	deps     Deps
	chains   *chain.Reconstructor
	norm     *transcript.Normalizer
	budgeter *budget.Budgeter
	logger   *slog.Logger
	nowFunc  func() time.Time
}

// NewProcessor creates a turn processor.
func NewProcessor(deps Deps) *Processor {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Invoker == nil {
		deps.Invoker = retry.New(retry.DefaultPolicy, logger)
	}
	if deps.System == "" {
		deps.System = defaultSystem
	}
	return &Processor{
		deps:     deps,
		chains:   chain.NewReconstructor(deps.Store, logger),
		norm:     transcript.NewNormalizer(logger),
		budgeter: budget.New(logger),
		logger:   logger,
		nowFunc:  time.Now,
	}
}

// ProcessPendingMessage runs one full turn for the given message.
// Re-invoking it on a completed or failed message is a safe no-op.
// Unrecovered errors transition the message to failed with the error
// text recorded, and are returned to the caller.
func (p *Processor) ProcessPendingMessage(ctx context.Context, id string) error {
	m, err := p.deps.Store.GetMessage(id)
	if err != nil {
		return fmt.Errorf("load message %s: %w", id, err)
	}
	if m.Terminal() {
		p.logger.Debug("message already terminal, skipping", "message_id", id, "status", m.Status)
		return nil
	}

	logger := p.logger.With("message_id", id, "conversation_id", m.ConversationID)

	// A message for a suspended conversation resumes (or times out)
	// before normal processing.
	resumeCtx, err := p.handleSuspension(ctx, m, logger)
	if err != nil {
		return p.fail(m, err, logger)
	}
	if resumeCtx != nil && resumeCtx.handled {
		return nil
	}

	if err := p.deps.Store.UpdateStatus(id, store.StatusProcessing, ""); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	p.recordTurn(m.ConversationID, "user", m.Content)
	if resumeCtx != nil {
		p.mergeWindowContext(m.ConversationID, resumeCtx.merged)
	}

	// Intent analysis may park the turn awaiting more input.
	parked, err := p.maybeSuspend(ctx, m, logger)
	if err != nil {
		return p.fail(m, err, logger)
	}
	if parked {
		return nil
	}

	if err := p.runTurn(ctx, m, logger); err != nil {
		return p.fail(m, err, logger)
	}
	return nil
}

// resumeResult carries the outcome of a suspension check.
type resumeResult struct {
	// handled means the turn is finished (timed out); stop processing.
	handled bool

	// merged is the resumed context to fold into the memory window.
	merged map[string]any
}

// handleSuspension resumes a parked conversation with this message's
// text. A late resume marks the message failed after the manager has
// already notified the user and recorded timed_out.
func (p *Processor) handleSuspension(ctx context.Context, m *store.Message, logger *slog.Logger) (*resumeResult, error) {
	if p.deps.Suspend == nil || m.Direction != store.DirectionIncoming {
		return nil, nil
	}
	if !p.deps.Suspend.Suspended(m.ConversationID) {
		return nil, nil
	}

	res, err := p.deps.Suspend.Resume(ctx, m.ConversationID, m.Content)
	if err != nil {
		if errors.Is(err, suspend.ErrTimedOut) {
			logger.Warn("resume arrived after deadline")
			if uerr := p.deps.Store.UpdateStatus(m.ID, store.StatusFailed, "conversation timed out awaiting input"); uerr != nil {
				return nil, fmt.Errorf("mark timed-out message failed: %w", uerr)
			}
			return &resumeResult{handled: true}, nil
		}
		return nil, fmt.Errorf("resume conversation: %w", err)
	}

	logger.Info("conversation resumed", "workflow", res.Record.WorkflowName)
	return &resumeResult{merged: res.Context}, nil
}

// maybeSuspend asks the intent analyzer whether required information is
// missing. If so, the conversation parks, the pending question goes to
// the user, and the message completes.
func (p *Processor) maybeSuspend(ctx context.Context, m *store.Message, logger *slog.Logger) (bool, error) {
	if p.deps.Analyzer == nil || p.deps.Suspend == nil || m.Direction != store.DirectionIncoming {
		return false, nil
	}

	intent, err := p.deps.Analyzer.Analyze(ctx, m)
	if err != nil {
		// Analysis is advisory; a failure must not kill the turn.
		logger.Warn("intent analysis failed", "error", err)
		return false, nil
	}
	if intent == nil || !intent.NeedsInput {
		return false, nil
	}

	err = p.deps.Suspend.Suspend(&suspend.Record{
		ConversationID: m.ConversationID,
		WorkflowName:   intent.Workflow,
		Context:        intent.Context,
		Reason:         "awaiting user input",
		UserAddress:    m.FromNumber,
	})
	if err != nil {
		return false, fmt.Errorf("suspend conversation: %w", err)
	}

	question := intent.Question
	if question == "" {
		question = "I need a bit more information to continue. Could you clarify?"
	}
	p.sendReply(ctx, m, question, logger)
	p.recordTurn(m.ConversationID, "assistant", question)

	if err := p.deps.Store.UpdateStatus(m.ID, store.StatusCompleted, ""); err != nil {
		return false, fmt.Errorf("complete suspended turn: %w", err)
	}
	logger.Info("turn parked awaiting user input", "workflow", intent.Workflow)
	return true, nil
}

// runTurn is the main path: context assembly, model call, tool
// dispatch, reply.
func (p *Processor) runTurn(ctx context.Context, m *store.Message, logger *slog.Logger) error {
	chainRes, err := p.chains.Reconstruct(m.ID)
	if err != nil {
		return fmt.Errorf("reconstruct chain: %w", err)
	}
	if chainRes.Truncated {
		logger.Warn("causal chain truncated", "messages", len(chainRes.Messages))
	}

	entries := p.norm.Normalize(chainRes.Messages)

	catalog, err := p.deps.Registry.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}

	entries, tools := p.budgeter.Prepare(entries, catalog, m.Content)

	resp, err := p.complete(ctx, entries, tools)
	if err != nil {
		return fmt.Errorf("model call: %w", err)
	}

	var (
		finalText   = resp.Text()
		apologies   []string
		carriers    []string
		rounds      int
		invocations = resp.Invocations()
	)

	for len(invocations) > 0 && rounds < maxToolRounds {
		rounds++

		carrier, pairEntries, notes, err := p.dispatchTools(ctx, m, resp, invocations, logger)
		if err != nil {
			return err
		}
		carriers = append(carriers, carrier.ID)
		apologies = append(apologies, notes...)
		entries = append(entries, pairEntries...)

		// The follow-up call narrows the tool set to what was just
		// invoked; the full selection returns on the next fresh turn.
		followTools := tools
		if narrowed, ok := budget.Narrow(invocations[len(invocations)-1].Name, catalog); ok {
			followTools = narrowed
		}

		resp, err = p.complete(ctx, entries, followTools)
		if err != nil {
			return fmt.Errorf("follow-up model call: %w", err)
		}
		finalText = resp.Text()
		invocations = resp.Invocations()

		// The outcomes were consumed by the follow-up call; their rows
		// no longer block completion.
		if err := p.settleOutcomes(carrier.ID); err != nil {
			return err
		}
		if err := p.deps.Store.UpdateStatus(carrier.ID, store.StatusCompleted, ""); err != nil {
			return fmt.Errorf("complete tool carrier: %w", err)
		}
	}

	if len(invocations) > 0 {
		logger.Warn("tool round budget exhausted", "rounds", rounds, "pending_invocations", len(invocations))
	}

	reply := strings.TrimSpace(finalText)
	if len(apologies) > 0 {
		notes := strings.Join(apologies, "\n")
		if reply == "" {
			reply = notes
		} else {
			reply = reply + "\n" + notes
		}
	}
	if reply == "" {
		reply = "Sorry, I could not come up with a reply. Please try again."
	}

	if err := p.persistReply(m, reply, carriers); err != nil {
		return err
	}
	p.sendReply(ctx, m, reply, logger)
	p.recordTurn(m.ConversationID, "assistant", reply)

	return p.finishTurn(m, carriers, logger)
}

// dispatchTools persists the tool-call carrier message and executes
// each invocation sequentially, building the invocation/outcome
// transcript entries so later calls in the same response see earlier
// outcomes. Tool failures become apology notes, not turn failures.
func (p *Processor) dispatchTools(ctx context.Context, m *store.Message, resp *llm.Response, invocations []transcript.Block, logger *slog.Logger) (*store.Message, []transcript.Entry, []string, error) {
	carrier, err := p.persistCarrier(m, resp, invocations)
	if err != nil {
		return nil, nil, nil, err
	}

	assistantText := resp.Text()
	if assistantText == "" {
		assistantText = transcript.PlaceholderText
	}

	assistant := transcript.Entry{
		Role:   transcript.RoleAssistant,
		Blocks: []transcript.Block{transcript.TextBlock(assistantText)},
	}
	outcome := transcript.Entry{Role: transcript.RoleUser}

	var notes []string
	for _, inv := range invocations {
		assistant.Blocks = append(assistant.Blocks, inv)

		call := store.ToolCall{ID: inv.ID, Name: inv.Name, Input: inv.Input}
		value, err := p.deps.Coordinator.Execute(ctx, carrier, call)
		if err != nil {
			logger.Warn("tool execution failed", "tool", inv.Name, "call_id", inv.ID, "error", err)
			notes = append(notes, fmt.Sprintf("Sorry, %s failed: %v", inv.Name, err))
			value = fmt.Sprintf(`{"status":"error","result":%q}`, err.Error())
		}
		outcome.Blocks = append(outcome.Blocks, transcript.OutcomeBlock(inv.ID, value))
	}

	return carrier, []transcript.Entry{assistant, outcome}, notes, nil
}

// persistCarrier writes the outgoing assistant message that requested
// the tools, left at processing with the calls attached.
func (p *Processor) persistCarrier(m *store.Message, resp *llm.Response, invocations []transcript.Block) (*store.Message, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate carrier id: %w", err)
	}

	carrier := &store.Message{
		ID:              id.String(),
		ConversationID:  m.ConversationID,
		Direction:       store.DirectionOutgoing,
		Content:         resp.Text(),
		FromNumber:      m.FromNumber,
		ToNumber:        m.ToNumber,
		ParentMessageID: m.ID,
		Status:          store.StatusProcessing,
		CreatedAt:       p.nowFunc(),
	}
	if err := p.deps.Store.InsertMessage(carrier); err != nil {
		return nil, fmt.Errorf("persist tool carrier: %w", err)
	}

	calls := make([]store.ToolCall, 0, len(invocations))
	for _, inv := range invocations {
		calls = append(calls, store.ToolCall{ID: inv.ID, Name: inv.Name, Input: inv.Input})
	}
	if err := p.deps.Store.AttachToolCalls(carrier.ID, calls); err != nil {
		return nil, fmt.Errorf("attach tool calls: %w", err)
	}
	carrier.ToolCalls = calls

	return carrier, nil
}

// settleOutcomes completes the pending outcome rows under a carrier.
func (p *Processor) settleOutcomes(carrierID string) error {
	children, err := p.deps.Store.ChildrenOf(carrierID)
	if err != nil {
		return fmt.Errorf("list outcomes of %s: %w", carrierID, err)
	}
	for _, c := range children {
		if c.ToolResultFor != "" && c.Status == store.StatusPending {
			if err := p.deps.Store.UpdateStatus(c.ID, store.StatusCompleted, ""); err != nil {
				return fmt.Errorf("complete outcome %s: %w", c.ID, err)
			}
		}
	}
	return nil
}

// persistReply writes the final outgoing reply, linked to the last tool
// carrier when one exists, otherwise to the triggering message.
func (p *Processor) persistReply(m *store.Message, reply string, carriers []string) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate reply id: %w", err)
	}

	parent := m.ID
	if len(carriers) > 0 {
		parent = carriers[len(carriers)-1]
	}

	err = p.deps.Store.InsertMessage(&store.Message{
		ID:              id.String(),
		ConversationID:  m.ConversationID,
		Direction:       store.DirectionOutgoing,
		Content:         reply,
		FromNumber:      m.FromNumber,
		ToNumber:        m.ToNumber,
		ParentMessageID: parent,
		Status:          store.StatusCompleted,
		CreatedAt:       p.nowFunc(),
	})
	if err != nil {
		return fmt.Errorf("persist reply: %w", err)
	}
	return nil
}

// finishTurn completes the triggering message unless tool-outcome rows
// are still pending beneath its carriers; in that case it stays at
// processing and a later pass finishes it.
func (p *Processor) finishTurn(m *store.Message, carriers []string, logger *slog.Logger) error {
	for _, carrierID := range carriers {
		n, err := p.deps.Store.CountPendingToolResults(carrierID)
		if err != nil {
			return fmt.Errorf("count pending outcomes: %w", err)
		}
		if n > 0 {
			logger.Info("leaving turn open, outcome rows still pending",
				"carrier_id", carrierID,
				"pending", n,
			)
			return nil
		}
	}

	if err := p.deps.Store.UpdateStatus(m.ID, store.StatusCompleted, ""); err != nil {
		return fmt.Errorf("complete turn: %w", err)
	}
	logger.Info("turn completed")
	return nil
}

// complete calls the model through the retrying invoker.
func (p *Processor) complete(ctx context.Context, entries []transcript.Entry, tools []mcp.ToolDefinition) (*llm.Response, error) {
	return retry.Do(ctx, p.deps.Invoker, "model call", func(ctx context.Context) (*llm.Response, error) {
		return p.deps.LLM.Complete(ctx, llm.Request{
			Model:   p.deps.Model,
			System:  p.deps.System,
			Entries: entries,
			Tools:   tools,
		})
	})
}

// fail records the error on the message. failed is terminal; the next
// poll will not re-pick it.
func (p *Processor) fail(m *store.Message, cause error, logger *slog.Logger) error {
	logger.Error("turn failed", "error", cause)
	if err := p.deps.Store.UpdateStatus(m.ID, store.StatusFailed, cause.Error()); err != nil {
		logger.Error("record failure status", "error", err)
	}
	return cause
}

// sendReply delivers the reply; delivery failures are logged, never
// fatal to the turn.
func (p *Processor) sendReply(ctx context.Context, m *store.Message, text string, logger *slog.Logger) {
	if p.deps.Sender == nil || m.FromNumber == "" {
		return
	}
	if err := p.deps.Sender.Send(ctx, m.FromNumber, text); err != nil {
		logger.Warn("reply delivery failed", "to", m.FromNumber, "error", err)
	}
}

// recordTurn appends to the conversation memory window when tracking is
// wired.
func (p *Processor) recordTurn(conversationID, role, content string) {
	if p.deps.Windows == nil || content == "" {
		return
	}
	if err := p.deps.Windows.Append(conversationID, role, content); err != nil {
		p.logger.Warn("memory window append failed", "conversation_id", conversationID, "error", err)
	}
}

// mergeWindowContext folds resumed context into the memory window.
func (p *Processor) mergeWindowContext(conversationID string, ctx map[string]any) {
	if p.deps.Windows == nil || len(ctx) == 0 {
		return
	}
	if err := p.deps.Windows.MergeContext(conversationID, ctx); err != nil {
		p.logger.Warn("memory window merge failed", "conversation_id", conversationID, "error", err)
	}
}
