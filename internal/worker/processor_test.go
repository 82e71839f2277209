package worker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/adventureharmony/sms-agent/internal/llm"
	"github.com/adventureharmony/sms-agent/internal/mcp"
	"github.com/adventureharmony/sms-agent/internal/memwindow"
	"github.com/adventureharmony/sms-agent/internal/retry"
	"github.com/adventureharmony/sms-agent/internal/store"
	"github.com/adventureharmony/sms-agent/internal/suspend"
	"github.com/adventureharmony/sms-agent/internal/toolexec"
	"github.com/adventureharmony/sms-agent/internal/transcript"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// scriptedLLM replays canned responses in order and records requests.
type scriptedLLM struct {
	responses []*llm.Response
	err       error
	requests  []llm.Request
}

func (s *scriptedLLM) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.responses) == 0 {
		return &llm.Response{Blocks: []transcript.Block{transcript.TextBlock("ok")}}, nil
	}
	r := s.responses[0]
	s.responses = s.responses[1:]
	return r, nil
}

type fakeRegistry struct {
	tools   []mcp.ToolDefinition
	handler func(name string, args map[string]any) (string, error)
	calls   []string
}

func (r *fakeRegistry) ListTools(context.Context) ([]mcp.ToolDefinition, error)    { return r.tools, nil }
func (r *fakeRegistry) RefreshTools(context.Context) ([]mcp.ToolDefinition, error) { return r.tools, nil }

func (r *fakeRegistry) CallTool(_ context.Context, name string, args map[string]any) (string, error) {
	r.calls = append(r.calls, name)
	if r.handler != nil {
		return r.handler(name, args)
	}
	return `{"status":"success","result":"done"}`, nil
}

type recordingSender struct {
	to   []string
	body []string
}

func (s *recordingSender) Send(_ context.Context, to, body string) error {
	s.to = append(s.to, to)
	s.body = append(s.body, body)
	return nil
}

// staticAnalyzer returns the same intent for every message.
type staticAnalyzer struct {
	intent *Intent
}

func (a *staticAnalyzer) Analyze(context.Context, *store.Message) (*Intent, error) {
	return a.intent, nil
}

type fixture struct {
	store     *store.MemoryStore
	llm       *scriptedLLM
	registry  *fakeRegistry
	sender    *recordingSender
	suspend   *suspend.Manager
	windows   *memwindow.Tracker
	processor *Processor
}

func newFixture(t *testing.T, model *scriptedLLM, reg *fakeRegistry, analyzer Analyzer) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	sender := &recordingSender{}
	suspendMgr := suspend.NewManager(suspend.NewMemoryStore(), sender, suspend.DefaultTimeout, nil)
	windows := memwindow.NewTracker(nil, nil)

	inv := retry.New(retry.Policy{MaxRetries: 0, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: time.Millisecond}, nil)

	p := NewProcessor(Deps{
		Store:       st,
		LLM:         model,
		Registry:    reg,
		Coordinator: toolexec.New(reg, st, nil, nil),
		Sender:      sender,
		Suspend:     suspendMgr,
		Windows:     windows,
		Analyzer:    analyzer,
		Invoker:     inv,
		Model:       "test-model",
	})
	return &fixture{store: st, llm: model, registry: reg, sender: sender, suspend: suspendMgr, windows: windows, processor: p}
}

func seedIncoming(t *testing.T, st *store.MemoryStore, id, content string) *store.Message {
	t.Helper()
	m := &store.Message{
		ID:             id,
		ConversationID: "conv1",
		Direction:      store.DirectionIncoming,
		Content:        content,
		FromNumber:     "+15550001111",
		ToNumber:       "+15559990000",
		Status:         store.StatusPending,
		CreatedAt:      base,
	}
	if err := st.InsertMessage(m); err != nil {
		t.Fatal(err)
	}
	return m
}

func textResponse(texts ...string) *llm.Response {
	r := &llm.Response{StopReason: "end_turn"}
	for _, s := range texts {
		r.Blocks = append(r.Blocks, transcript.TextBlock(s))
	}
	return r
}

func TestProcess_PlainReply(t *testing.T) {
	model := &scriptedLLM{responses: []*llm.Response{textResponse("Hi!", "How can I help?")}}
	f := newFixture(t, model, &fakeRegistry{}, nil)
	m := seedIncoming(t, f.store, "m1", "hello")

	if err := f.processor.ProcessPendingMessage(context.Background(), m.ID); err != nil {
		t.Fatalf("ProcessPendingMessage: %v", err)
	}

	got, err := f.store.GetMessage(m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}

	// Multi-block text joins with newlines, persisted and delivered.
	want := "Hi!\nHow can I help?"
	children, err := f.store.ChildrenOf(m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 1 {
		t.Fatalf("reply children = %d, want 1", len(children))
	}
	reply := children[0]
	if reply.Direction != store.DirectionOutgoing || reply.Status != store.StatusCompleted {
		t.Errorf("reply = %+v", reply)
	}
	if reply.Content != want {
		t.Errorf("reply content = %q, want %q", reply.Content, want)
	}
	if len(f.sender.to) != 1 || f.sender.to[0] != "+15550001111" || f.sender.body[0] != want {
		t.Errorf("sent = %v / %v", f.sender.to, f.sender.body)
	}
}

func TestProcess_TerminalMessageIsNoOp(t *testing.T) {
	model := &scriptedLLM{}
	f := newFixture(t, model, &fakeRegistry{}, nil)
	m := seedIncoming(t, f.store, "m1", "hello")
	if err := f.store.UpdateStatus(m.ID, store.StatusCompleted, ""); err != nil {
		t.Fatal(err)
	}

	if err := f.processor.ProcessPendingMessage(context.Background(), m.ID); err != nil {
		t.Fatalf("ProcessPendingMessage: %v", err)
	}
	if len(model.requests) != 0 {
		t.Errorf("model called %d times on terminal message", len(model.requests))
	}
	if len(f.sender.to) != 0 {
		t.Errorf("sent %v on terminal message", f.sender.to)
	}
}

func TestProcess_ToolRound(t *testing.T) {
	reg := &fakeRegistry{
		tools: []mcp.ToolDefinition{
			{Name: "check_weather", Description: "Current weather for a city"},
			{Name: "bookflight", Description: "Book a flight"},
		},
		handler: func(string, map[string]any) (string, error) {
			return `{"status":"success","result":"72F and sunny"}`, nil
		},
	}
	model := &scriptedLLM{responses: []*llm.Response{
		{Blocks: []transcript.Block{
			transcript.TextBlock("Let me check."),
			transcript.InvocationBlock("t1", "check_weather", map[string]any{"city": "Austin"}),
		}},
		textResponse("It is 72F and sunny in Austin."),
	}}
	f := newFixture(t, model, reg, nil)
	m := seedIncoming(t, f.store, "m1", "what's the weather in Austin?")

	if err := f.processor.ProcessPendingMessage(context.Background(), m.ID); err != nil {
		t.Fatalf("ProcessPendingMessage: %v", err)
	}

	if len(reg.calls) != 1 || reg.calls[0] != "check_weather" {
		t.Fatalf("tool calls = %v", reg.calls)
	}
	if len(model.requests) != 2 {
		t.Fatalf("model calls = %d, want 2", len(model.requests))
	}

	// Follow-up narrows the catalog to the invoked tool.
	follow := model.requests[1]
	if len(follow.Tools) != 1 || follow.Tools[0].Name != "check_weather" {
		t.Errorf("follow-up tools = %+v", follow.Tools)
	}
	// The follow-up transcript ends with the invocation/outcome pair.
	n := len(follow.Entries)
	if n < 2 {
		t.Fatalf("follow-up entries = %d", n)
	}
	pair := follow.Entries[n-2:]
	if inv := pair[0].Invocations(); len(inv) != 1 || inv[0].ID != "t1" {
		t.Errorf("penultimate entry invocations = %+v", inv)
	}
	if pair[1].Role != transcript.RoleUser || len(pair[1].Blocks) != 1 ||
		pair[1].Blocks[0].Kind != transcript.KindOutcome ||
		!strings.Contains(pair[1].Blocks[0].Value, "72F") {
		t.Errorf("final entry = %+v", pair[1])
	}

	// Carrier message: outgoing, tool calls attached, completed; its
	// outcome child settled.
	carriers, err := f.store.ChildrenOf(m.ID)
	if err != nil {
		t.Fatal(err)
	}
	var carrier *store.Message
	for _, c := range carriers {
		if len(c.ToolCalls) > 0 {
			carrier = c
		}
	}
	if carrier == nil {
		t.Fatal("no carrier message with tool calls")
	}
	if carrier.Status != store.StatusCompleted {
		t.Errorf("carrier status = %q", carrier.Status)
	}
	outcomes, err := f.store.ChildrenOf(carrier.ID)
	if err != nil {
		t.Fatal(err)
	}
	var sawOutcome bool
	for _, o := range outcomes {
		if o.ToolResultFor == "t1" {
			sawOutcome = true
			if o.Status != store.StatusCompleted {
				t.Errorf("outcome status = %q, want completed", o.Status)
			}
		}
	}
	if !sawOutcome {
		t.Error("outcome row missing")
	}

	// The turn itself completes with no pending outcome rows left.
	got, _ := f.store.GetMessage(m.ID)
	if got.Status != store.StatusCompleted {
		t.Errorf("turn status = %q, want completed", got.Status)
	}
	if len(f.sender.body) != 1 || !strings.Contains(f.sender.body[0], "72F") {
		t.Errorf("reply = %v", f.sender.body)
	}
}

func TestProcess_ToolFailureAppendsApology(t *testing.T) {
	reg := &fakeRegistry{
		tools: []mcp.ToolDefinition{{Name: "bookflight", Description: "Book a flight"}},
		handler: func(string, map[string]any) (string, error) {
			return "", errors.New("carrier API unavailable")
		},
	}
	model := &scriptedLLM{responses: []*llm.Response{
		{Blocks: []transcript.Block{
			transcript.InvocationBlock("t1", "bookflight", map[string]any{"to": "AUS"}),
		}},
		textResponse("I tried to book that flight."),
	}}
	f := newFixture(t, model, reg, nil)
	m := seedIncoming(t, f.store, "m1", "book me a flight to Austin")

	if err := f.processor.ProcessPendingMessage(context.Background(), m.ID); err != nil {
		t.Fatalf("tool failure must not fail the turn: %v", err)
	}

	got, _ := f.store.GetMessage(m.ID)
	if got.Status != store.StatusCompleted {
		t.Errorf("turn status = %q, want completed", got.Status)
	}
	if len(f.sender.body) != 1 {
		t.Fatalf("sent = %v", f.sender.body)
	}
	reply := f.sender.body[0]
	if !strings.Contains(reply, "I tried to book that flight.") || !strings.Contains(reply, "bookflight failed") {
		t.Errorf("reply = %q", reply)
	}

	// The follow-up call still saw a paired outcome for the failed
	// invocation.
	follow := model.requests[1]
	last := follow.Entries[len(follow.Entries)-1]
	if len(last.Blocks) != 1 || last.Blocks[0].InvocationID != "t1" ||
		!strings.Contains(last.Blocks[0].Value, "error") {
		t.Errorf("failure outcome entry = %+v", last)
	}
}

func TestProcess_ModelErrorFailsTurn(t *testing.T) {
	model := &scriptedLLM{err: errors.New("invalid_request_error")}
	f := newFixture(t, model, &fakeRegistry{}, nil)
	m := seedIncoming(t, f.store, "m1", "hello")

	err := f.processor.ProcessPendingMessage(context.Background(), m.ID)
	if err == nil {
		t.Fatal("expected error")
	}

	got, _ := f.store.GetMessage(m.ID)
	if got.Status != store.StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "invalid_request_error") {
		t.Errorf("error message = %q", got.ErrorMessage)
	}
	if len(f.sender.to) != 0 {
		t.Errorf("reply sent despite failure: %v", f.sender.to)
	}
}

func TestProcess_SuspendsWhenInputMissing(t *testing.T) {
	model := &scriptedLLM{}
	analyzer := &staticAnalyzer{intent: &Intent{
		NeedsInput: true,
		Workflow:   "book_flight",
		Question:   "What date would you like to fly?",
		Context:    map[string]any{"destination": "Austin"},
	}}
	f := newFixture(t, model, &fakeRegistry{}, analyzer)
	m := seedIncoming(t, f.store, "m1", "book me a flight to Austin")

	if err := f.processor.ProcessPendingMessage(context.Background(), m.ID); err != nil {
		t.Fatalf("ProcessPendingMessage: %v", err)
	}

	if len(model.requests) != 0 {
		t.Error("model called on a parked turn")
	}
	if !f.suspend.Suspended("conv1") {
		t.Error("conversation not suspended")
	}
	if len(f.sender.body) != 1 || f.sender.body[0] != "What date would you like to fly?" {
		t.Errorf("question = %v", f.sender.body)
	}
	got, _ := f.store.GetMessage(m.ID)
	if got.Status != store.StatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
}

func TestProcess_ResumesSuspendedConversation(t *testing.T) {
	model := &scriptedLLM{responses: []*llm.Response{textResponse("Booked for March 14th.")}}
	f := newFixture(t, model, &fakeRegistry{}, nil)

	if err := f.suspend.Suspend(&suspend.Record{
		ConversationID: "conv1",
		WorkflowName:   "book_flight",
		Context:        map[string]any{"destination": "Austin"},
		UserAddress:    "+15550001111",
	}); err != nil {
		t.Fatal(err)
	}

	m := seedIncoming(t, f.store, "m2", "March 14th")
	if err := f.processor.ProcessPendingMessage(context.Background(), m.ID); err != nil {
		t.Fatalf("ProcessPendingMessage: %v", err)
	}

	if f.suspend.Suspended("conv1") {
		t.Error("conversation still suspended after resume")
	}
	got, _ := f.store.GetMessage(m.ID)
	if got.Status != store.StatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}

	// The merged workflow state lands in the conversation window.
	w, ok := f.windows.Window("conv1")
	if !ok {
		t.Fatal("window missing")
	}
	if w.Context["destination"] != "Austin" || w.Context["resume_input"] != "March 14th" {
		t.Errorf("window context = %v", w.Context)
	}
}

func TestProcess_LateResumeTimesOut(t *testing.T) {
	model := &scriptedLLM{}
	st := store.NewMemoryStore()
	sender := &recordingSender{}
	reg := &fakeRegistry{}

	mgr := suspend.NewManager(suspend.NewMemoryStore(), sender, suspend.DefaultTimeout, nil)
	p := NewProcessor(Deps{
		Store:       st,
		LLM:         model,
		Registry:    reg,
		Coordinator: toolexec.New(reg, st, nil, nil),
		Sender:      sender,
		Suspend:     mgr,
	})

	// A pre-set deadline in the past means the resume always arrives
	// late.
	if err := mgr.Suspend(&suspend.Record{
		ConversationID: "conv1",
		UserAddress:    "+15550001111",
		SuspendedAt:    time.Now().Add(-2 * time.Hour),
		TimeoutAt:      time.Now().Add(-time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	m := seedIncoming(t, st, "m2", "still there?")
	if err := p.ProcessPendingMessage(context.Background(), m.ID); err != nil {
		t.Fatalf("ProcessPendingMessage: %v", err)
	}

	got, _ := st.GetMessage(m.ID)
	if got.Status != store.StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if len(model.requests) != 0 {
		t.Error("model called on a timed-out turn")
	}
	// The manager notified the user about the timeout.
	var notified bool
	for _, b := range sender.body {
		if strings.Contains(b, "timed out") {
			notified = true
		}
	}
	if !notified {
		t.Errorf("no timeout notification in %v", sender.body)
	}
}
