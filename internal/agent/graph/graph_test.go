package graph

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"

	"github.com/insight-agent/server/internal/agent/graph/conversations"
	"github.com/insight-agent/server/internal/agent/graph/events"
	"github.com/insight-agent/server/internal/agent/graph/nodes"
	"github.com/insight-agent/server/internal/agent/graph/tools"
	"github.com/insight-agent/server/internal/agent/model"
	"github.com/insight-agent/server/internal/agent/repo"
)

// ===== scripted chat models =====

// fakeChatModel replays canned replies in order; the last reply repeats.
type fakeChatModel struct {
	mu      sync.Mutex
	replies []*schema.Message
	calls   int
	inputs  [][]*schema.Message
}

func (m *fakeChatModel) Generate(_ context.Context, msgs []*schema.Message, _ ...einomodel.Option) (*schema.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.inputs = append(m.inputs, msgs)
	idx := m.calls
	m.calls++
	if len(m.replies) == 0 {
		return schema.AssistantMessage("", nil), nil
	}
	if idx >= len(m.replies) {
		idx = len(m.replies) - 1
	}

	// Copy so post-handlers mutating the message never corrupt the script.
	reply := *m.replies[idx]
	if len(reply.ToolCalls) > 0 {
		reply.ToolCalls = append([]schema.ToolCall(nil), reply.ToolCalls...)
	}
	return &reply, nil
}

func (m *fakeChatModel) Stream(ctx context.Context, msgs []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	out, err := m.Generate(ctx, msgs, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{out}), nil
}

func (m *fakeChatModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// fakeAgentModel adds tool binding on top of the scripted model.
type fakeAgentModel struct {
	fakeChatModel
	boundTools []*schema.ToolInfo
}

func (m *fakeAgentModel) WithTools(toolInfos []*schema.ToolInfo) (einomodel.ToolCallingChatModel, error) {
	m.boundTools = toolInfos
	return m, nil
}

func assistantReply(content string) *schema.Message {
	return schema.AssistantMessage(content, nil)
}

func toolCallReply(id, name, args string) *schema.Message {
	return &schema.Message{
		Role: schema.Assistant,
		ToolCalls: []schema.ToolCall{
			{ID: id, Function: schema.FunctionCall{Name: name, Arguments: args}},
		},
	}
}

// ===== scripted verdicts =====

const (
	safeVerdict     = `{"is_safe": true, "reasoning": "benign business question", "action": "proceed"}`
	unsafeVerdict   = `{"is_safe": false, "reasoning": "asks for raw customer contact details", "action": "refuse"}`
	inScopeVerdict  = `{"reasoning": "asks about sales data", "is_out_of_scope": false}`
	offTopicVerdict = `{"reasoning": "not a business data question", "is_out_of_scope": true}`
)

// ===== scripted tools =====

func scriptedSQLTool(rows string, count *int) tool.BaseTool {
	return utils.NewTool(
		&schema.ToolInfo{
			Name: tools.ToolQuerySalesDB,
			Desc: "scripted sales query",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"query": {Type: "string", Required: true},
			}),
		},
		func(_ context.Context, _ *tools.QuerySalesDBInput) (*tools.QuerySalesDBOutput, error) {
			if count != nil {
				*count++
			}
			return &tools.QuerySalesDBOutput{Status: tools.StatusOK, Rows: rows}, nil
		},
	)
}

// erroringSQLTool always fails in-band and records the queries it saw.
func erroringSQLTool(queries *[]string) tool.BaseTool {
	return utils.NewTool(
		&schema.ToolInfo{
			Name: tools.ToolQuerySalesDB,
			Desc: "scripted erroring sales query",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"query": {Type: "string", Required: true},
			}),
		},
		func(_ context.Context, in *tools.QuerySalesDBInput) (*tools.QuerySalesDBOutput, error) {
			*queries = append(*queries, in.Query)
			return &tools.QuerySalesDBOutput{
				Status: tools.StatusError,
				Error:  `SQL error: column "revenu" does not exist. Check the statement and try again.`,
			}, nil
		},
	)
}

func scriptedSearchTool(passages string) tool.BaseTool {
	return utils.NewTool(
		&schema.ToolInfo{
			Name: tools.ToolSearchPolicyDocs,
			Desc: "scripted policy search",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"query": {Type: "string", Required: true},
			}),
		},
		func(_ context.Context, _ *tools.SearchPolicyDocsInput) (*tools.SearchPolicyDocsOutput, error) {
			return &tools.SearchPolicyDocsOutput{Status: tools.StatusOK, Passages: passages}, nil
		},
	)
}

// ===== harness =====

type testModels struct {
	guardrail *fakeChatModel
	router    *fakeChatModel
	transform *fakeChatModel
	agent     *fakeAgentModel
	writer    *fakeChatModel
}

func newTestRunner(t *testing.T, m *testModels, threadRepo model.ThreadRepository, businessTools []tool.BaseTool) *graphRunner {
	t.Helper()

	cms := &nodes.ChatModels{
		Guardrail:           m.guardrail,
		Router:              m.router,
		Transform:           m.transform,
		Agent:               m.agent,
		Writer:              m.writer,
		ClassifierModelName: "classifier-test",
		TransformModelName:  "transform-test",
		AgentModelName:      "agent-test",
		WriterModelName:     "writer-test",
	}

	var convCfg model.ConversationConfig
	convCfg.TTL = "15m"
	convCfg.Context.MaxTurns = 20

	if businessTools == nil {
		businessTools = []tool.BaseTool{scriptedSQLTool("category | total\nCoffee | 812", nil)}
	}

	runnable, err := BuildGraph(context.Background(), &GraphConfig{
		ChatModels:      cms,
		MessagesManager: conversations.NewMessagesManager(threadRepo, convCfg),
		MaxRetries:      3,
		BusinessTools:   businessTools,
		SchemaInfo:      "orders(order_id integer, order_date date)",
		Now:             func() time.Time { return time.Date(2025, 8, 31, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}

	return &graphRunner{runnable: runnable, turnTimeout: time.Minute}
}

// ===== scenarios =====

func TestDataQuestionRunsFullPipeline(t *testing.T) {
	threadRepo := repo.NewMemoryThreadRepository()
	var sqlCalls int
	m := &testModels{
		guardrail: &fakeChatModel{replies: []*schema.Message{assistantReply(safeVerdict)}},
		router:    &fakeChatModel{replies: []*schema.Message{assistantReply(inScopeVerdict)}},
		transform: &fakeChatModel{replies: []*schema.Message{assistantReply("total revenue by category for 2025-07")}},
		agent: &fakeAgentModel{fakeChatModel: fakeChatModel{replies: []*schema.Message{
			toolCallReply("call_1", tools.ToolQuerySalesDB, `{"query":"SELECT category, SUM(quantity) FROM order_items GROUP BY 1"}`),
			assistantReply("- Coffee: 812 units"),
		}}},
		writer: &fakeChatModel{replies: []*schema.Message{assistantReply("Coffee led with 812 units sold in July 2025.")}},
	}

	runner := newTestRunner(t, m, threadRepo, []tool.BaseTool{scriptedSQLTool("category | total\nCoffee | 812", &sqlCalls)})

	answer, err := runner.Invoke(context.Background(), model.QueryInput{ThreadID: "t1", Query: "How did sales do last month?"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if answer != "Coffee led with 812 units sold in July 2025." {
		t.Errorf("unexpected answer: %q", answer)
	}
	if sqlCalls != 1 {
		t.Errorf("expected 1 sql tool call, got %d", sqlCalls)
	}
	if m.agent.callCount() != 2 {
		t.Errorf("expected 2 agent invocations, got %d", m.agent.callCount())
	}
	if m.writer.callCount() != 1 {
		t.Errorf("expected 1 writer invocation, got %d", m.writer.callCount())
	}

	// The agent saw the transformed query, not the raw one.
	agentInput := m.agent.inputs[0]
	last := agentInput[len(agentInput)-1]
	if last.Content != "total revenue by category for 2025-07" {
		t.Errorf("agent did not receive transformed query: %q", last.Content)
	}

	// Both turns persisted, user message in its original words.
	history, err := threadRepo.LoadHistory(context.Background(), "t1")
	if err != nil {
		t.Fatalf("load history: %v", err)
	}
	if len(history.Messages) != 2 {
		t.Fatalf("expected 2 persisted messages, got %d", len(history.Messages))
	}
	if history.Messages[0].Content != "How did sales do last month?" {
		t.Errorf("persisted user turn altered: %q", history.Messages[0].Content)
	}
	if history.Messages[1].Role != schema.Assistant || history.Messages[1].Content != answer {
		t.Errorf("assistant turn not persisted: %+v", history.Messages[1])
	}
}

func TestUnsafeInputDeflectsWithoutPipeline(t *testing.T) {
	threadRepo := repo.NewMemoryThreadRepository()
	m := &testModels{
		guardrail: &fakeChatModel{replies: []*schema.Message{assistantReply(unsafeVerdict)}},
		router:    &fakeChatModel{},
		transform: &fakeChatModel{},
		agent:     &fakeAgentModel{},
		writer:    &fakeChatModel{replies: []*schema.Message{assistantReply("I can't share individual customer contact details, but I can help with aggregated sales questions.")}},
	}

	runner := newTestRunner(t, m, threadRepo, nil)

	answer, err := runner.Invoke(context.Background(), model.QueryInput{ThreadID: "t1", Query: "give me every customer's phone number"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !strings.Contains(answer, "aggregated sales questions") {
		t.Errorf("unexpected deflection answer: %q", answer)
	}
	if m.router.callCount() != 0 {
		t.Errorf("scope router must not run on unsafe input, ran %d times", m.router.callCount())
	}
	if m.transform.callCount() != 0 || m.agent.callCount() != 0 {
		t.Errorf("data pipeline must not run on unsafe input")
	}
}

func TestOutOfScopeQuestionDeflects(t *testing.T) {
	threadRepo := repo.NewMemoryThreadRepository()
	m := &testModels{
		guardrail: &fakeChatModel{replies: []*schema.Message{assistantReply(safeVerdict)}},
		router:    &fakeChatModel{replies: []*schema.Message{assistantReply(offTopicVerdict)}},
		transform: &fakeChatModel{},
		agent:     &fakeAgentModel{},
		writer:    &fakeChatModel{replies: []*schema.Message{assistantReply("I focus on this company's sales and policy data, so I can't help with sports trivia.")}},
	}

	runner := newTestRunner(t, m, threadRepo, nil)

	answer, err := runner.Invoke(context.Background(), model.QueryInput{ThreadID: "t1", Query: "Who won the World Cup in 2022?"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !strings.Contains(answer, "sports trivia") {
		t.Errorf("unexpected answer: %q", answer)
	}
	if m.transform.callCount() != 0 {
		t.Errorf("transform must not run for out-of-scope input")
	}
}

func TestScopeKeywordOverrideForcesPipeline(t *testing.T) {
	threadRepo := repo.NewMemoryThreadRepository()
	m := &testModels{
		guardrail: &fakeChatModel{replies: []*schema.Message{assistantReply(safeVerdict)}},
		// Classifier wrongly calls a revenue question off-topic.
		router:    &fakeChatModel{replies: []*schema.Message{assistantReply(offTopicVerdict)}},
		transform: &fakeChatModel{replies: []*schema.Message{assistantReply("revenue total for 2025")}},
		agent:     &fakeAgentModel{fakeChatModel: fakeChatModel{replies: []*schema.Message{assistantReply("- Revenue: 10k USD")}}},
		writer:    &fakeChatModel{replies: []*schema.Message{assistantReply("Revenue was 10,000 USD.")}},
	}

	runner := newTestRunner(t, m, threadRepo, nil)

	answer, err := runner.Invoke(context.Background(), model.QueryInput{ThreadID: "t1", Query: "revenue please"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if answer != "Revenue was 10,000 USD." {
		t.Errorf("unexpected answer: %q", answer)
	}
	if m.transform.callCount() != 1 {
		t.Errorf("keyword override should force the pipeline, transform ran %d times", m.transform.callCount())
	}
}

func TestRetryBudgetCapsAgentInvocations(t *testing.T) {
	threadRepo := repo.NewMemoryThreadRepository()
	var sqlCalls int
	m := &testModels{
		guardrail: &fakeChatModel{replies: []*schema.Message{assistantReply(safeVerdict)}},
		router:    &fakeChatModel{replies: []*schema.Message{assistantReply(inScopeVerdict)}},
		transform: &fakeChatModel{replies: []*schema.Message{assistantReply("rewritten query")}},
		// The agent never stops asking for tools on its own.
		agent: &fakeAgentModel{fakeChatModel: fakeChatModel{replies: []*schema.Message{
			toolCallReply("call_1", tools.ToolQuerySalesDB, `{"query":"SELECT 1"}`),
		}}},
		writer: &fakeChatModel{replies: []*schema.Message{assistantReply("Partial answer from what was gathered.")}},
	}

	runner := newTestRunner(t, m, threadRepo, []tool.BaseTool{scriptedSQLTool("x | 1", &sqlCalls)})

	answer, err := runner.Invoke(context.Background(), model.QueryInput{ThreadID: "t1", Query: "sales forever"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if answer != "Partial answer from what was gathered." {
		t.Errorf("unexpected answer: %q", answer)
	}
	if got := m.agent.callCount(); got != 3 {
		t.Errorf("expected exactly 3 agent invocations, got %d", got)
	}
	if sqlCalls != 2 {
		t.Errorf("expected 2 tool rounds before the cap, got %d", sqlCalls)
	}

	// The wrap-up notice reached the capped invocation.
	lastInput := m.agent.inputs[len(m.agent.inputs)-1]
	var noticed bool
	for _, msg := range lastInput {
		if msg.Role == schema.System && strings.Contains(msg.Content, "SYSTEM NOTICE") {
			noticed = true
		}
	}
	if !noticed {
		t.Errorf("capped invocation did not carry the wrap-up notice")
	}
}

func TestToolErrorRetriesThenFinalizes(t *testing.T) {
	threadRepo := repo.NewMemoryThreadRepository()
	var queries []string
	m := &testModels{
		guardrail: &fakeChatModel{replies: []*schema.Message{assistantReply(safeVerdict)}},
		router:    &fakeChatModel{replies: []*schema.Message{assistantReply(inScopeVerdict)}},
		transform: &fakeChatModel{replies: []*schema.Message{assistantReply("monthly revenue for 2025")}},
		// The agent corrects its column name after the first failure, but
		// the tool keeps failing; the last reply repeats until the cap.
		agent: &fakeAgentModel{fakeChatModel: fakeChatModel{replies: []*schema.Message{
			toolCallReply("call_1", tools.ToolQuerySalesDB, `{"query":"SELECT revenu FROM orders"}`),
			toolCallReply("call_2", tools.ToolQuerySalesDB, `{"query":"SELECT revenue FROM orders"}`),
		}}},
		writer: &fakeChatModel{replies: []*schema.Message{assistantReply("The revenue query kept failing, so no figures are available.")}},
	}

	runner := newTestRunner(t, m, threadRepo, []tool.BaseTool{erroringSQLTool(&queries)})

	answer, err := runner.Invoke(context.Background(), model.QueryInput{ThreadID: "t1", Query: "monthly revenue this year"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if answer != "The revenue query kept failing, so no figures are available." {
		t.Errorf("unexpected answer: %q", answer)
	}
	if got := m.agent.callCount(); got != 3 {
		t.Errorf("expected exactly 3 agent invocations, got %d", got)
	}

	// Two failing tool rounds, the second with the corrected column.
	if len(queries) != 2 {
		t.Fatalf("expected 2 tool rounds, got %d: %v", len(queries), queries)
	}
	if queries[0] != "SELECT revenu FROM orders" {
		t.Errorf("unexpected first query: %q", queries[0])
	}
	if queries[1] != "SELECT revenue FROM orders" {
		t.Errorf("retry did not carry the corrected query: %q", queries[1])
	}

	// The error result reached the agent before its retry.
	var agentSawError bool
	for _, msg := range m.agent.inputs[1] {
		if msg.Role == schema.Tool && strings.Contains(msg.Content, "SQL error") {
			agentSawError = true
		}
	}
	if !agentSawError {
		t.Errorf("second agent invocation did not carry the tool error")
	}

	// Finalization proceeds with the erroneous tool output in its input.
	if len(m.writer.inputs) == 0 {
		t.Fatalf("writer was never invoked")
	}
	var writerSawError bool
	for _, msg := range m.writer.inputs[0] {
		if msg.Role == schema.Tool && strings.Contains(msg.Content, "SQL error") {
			writerSawError = true
		}
	}
	if !writerSawError {
		t.Errorf("finalization input lost the erroring tool message")
	}
}

func TestOutputGuardrailMasksPII(t *testing.T) {
	threadRepo := repo.NewMemoryThreadRepository()
	m := &testModels{
		guardrail: &fakeChatModel{replies: []*schema.Message{assistantReply(safeVerdict)}},
		router:    &fakeChatModel{replies: []*schema.Message{assistantReply(inScopeVerdict)}},
		transform: &fakeChatModel{replies: []*schema.Message{assistantReply("top customer")}},
		agent:     &fakeAgentModel{fakeChatModel: fakeChatModel{replies: []*schema.Message{assistantReply("- Jane, jane@corp.example, 812 orders")}}},
		writer:    &fakeChatModel{replies: []*schema.Message{assistantReply("Top customer is Jane (jane@corp.example) with 812 orders.")}},
	}

	runner := newTestRunner(t, m, threadRepo, nil)

	answer, err := runner.Invoke(context.Background(), model.QueryInput{ThreadID: "t1", Query: "who is our top customer by orders?"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if strings.Contains(answer, "jane@corp.example") {
		t.Errorf("email leaked: %q", answer)
	}
	if !strings.Contains(answer, "812 orders") {
		t.Errorf("business content damaged: %q", answer)
	}

	// The persisted assistant turn is the masked one.
	history, _ := threadRepo.LoadHistory(context.Background(), "t1")
	lastMsg := history.Messages[len(history.Messages)-1]
	if strings.Contains(lastMsg.Content, "jane@corp.example") {
		t.Errorf("unmasked answer persisted: %q", lastMsg.Content)
	}
}

func TestEventStreamOrdering(t *testing.T) {
	threadRepo := repo.NewMemoryThreadRepository()
	m := &testModels{
		guardrail: &fakeChatModel{replies: []*schema.Message{assistantReply(safeVerdict)}},
		router:    &fakeChatModel{replies: []*schema.Message{assistantReply(inScopeVerdict)}},
		transform: &fakeChatModel{replies: []*schema.Message{assistantReply("rewritten")}},
		agent: &fakeAgentModel{fakeChatModel: fakeChatModel{replies: []*schema.Message{
			toolCallReply("call_1", tools.ToolQuerySalesDB, `{"query":"SELECT 1"}`),
			assistantReply("- data gathered"),
		}}},
		writer: &fakeChatModel{replies: []*schema.Message{assistantReply("The answer.")}},
	}

	runner := newTestRunner(t, m, threadRepo, nil)

	var mu sync.Mutex
	var got []events.Event
	sink := events.SinkFunc(func(e events.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
	})

	if _, err := runner.Invoke(context.Background(), model.QueryInput{ThreadID: "t1", Query: "sales?"}, WithEventSink(sink)); err != nil {
		t.Fatalf("invoke: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()

	started := map[string]int{}
	completed := map[string]int{}
	for i, ev := range got {
		switch ev.Type {
		case events.StageStarted:
			if _, seen := started[ev.Stage]; !seen {
				started[ev.Stage] = i
			}
		case events.StageCompleted:
			completed[ev.Stage] = i
		}
	}

	// Every stage that completed also started, and started first.
	for stage, ci := range completed {
		si, ok := started[stage]
		if !ok {
			t.Errorf("stage %s completed without starting", stage)
			continue
		}
		if si > ci {
			t.Errorf("stage %s completed (%d) before it started (%d)", stage, ci, si)
		}
	}

	// Pipeline order holds across the main stages.
	order := []string{
		nodes.NodeContextLoader,
		nodes.NodeInputGuardrailModel,
		nodes.NodeScopeModel,
		nodes.NodeTransformModel,
		nodes.NodeAgentModel,
		nodes.NodeFinalAnswerModel,
		nodes.NodeOutputGuardrail,
	}
	for i := 1; i < len(order); i++ {
		prev, ok1 := started[order[i-1]]
		next, ok2 := started[order[i]]
		if !ok1 || !ok2 {
			t.Errorf("stage %s or %s missing from event stream", order[i-1], order[i])
			continue
		}
		if prev > next {
			t.Errorf("stage %s started before %s", order[i], order[i-1])
		}
	}

	// Tool events bracket the executor stage.
	var toolStarted, toolCompleted bool
	for _, ev := range got {
		if ev.Type == events.ToolStarted && ev.Stage == tools.ToolQuerySalesDB {
			toolStarted = true
		}
		if ev.Type == events.ToolCompleted && ev.Stage == tools.ToolQuerySalesDB {
			toolCompleted = true
		}
	}
	if !toolStarted || !toolCompleted {
		t.Errorf("tool events missing: started=%v completed=%v", toolStarted, toolCompleted)
	}
}

func TestConcurrentTurnsOnSameThreadQueue(t *testing.T) {
	threadRepo := repo.NewMemoryThreadRepository()
	m := &testModels{
		guardrail: &fakeChatModel{replies: []*schema.Message{assistantReply(safeVerdict)}},
		router:    &fakeChatModel{replies: []*schema.Message{assistantReply(inScopeVerdict)}},
		transform: &fakeChatModel{replies: []*schema.Message{assistantReply("rewritten")}},
		agent:     &fakeAgentModel{fakeChatModel: fakeChatModel{replies: []*schema.Message{assistantReply("- ok")}}},
		writer:    &fakeChatModel{replies: []*schema.Message{assistantReply("Done.")}},
	}

	runner := newTestRunner(t, m, threadRepo, nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := runner.Invoke(context.Background(), model.QueryInput{ThreadID: "t1", Query: "sales?"}); err != nil {
				t.Errorf("invoke: %v", err)
			}
		}()
	}
	wg.Wait()

	// Four queued turns leave four user/assistant pairs, never interleaved.
	history, _ := threadRepo.LoadHistory(context.Background(), "t1")
	if len(history.Messages) != 8 {
		t.Fatalf("expected 8 persisted messages, got %d", len(history.Messages))
	}
	for i, msg := range history.Messages {
		wantRole := schema.User
		if i%2 == 1 {
			wantRole = schema.Assistant
		}
		if msg.Role != wantRole {
			t.Errorf("message %d has role %s, want %s", i, msg.Role, wantRole)
		}
	}
}
