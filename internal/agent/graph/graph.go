package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/insight-agent/server/internal/agent/graph/conversations"
	"github.com/insight-agent/server/internal/agent/graph/events"
	"github.com/insight-agent/server/internal/agent/graph/nodes"
	"github.com/insight-agent/server/internal/agent/graph/observers"
	"github.com/insight-agent/server/internal/agent/graph/prompts"
	"github.com/insight-agent/server/internal/agent/graph/tools"
	"github.com/insight-agent/server/internal/agent/model"
	logx "github.com/insight-agent/server/pkg/logger"
)

// Runner executes one conversation turn through the compiled graph.
type Runner interface {
	Invoke(ctx context.Context, in model.QueryInput, opts ...Option) (string, error)
}

// Option configures a single Invoke call.
type Option func(*invokeOptions)

type invokeOptions struct {
	sink events.Sink
}

// WithEventSink streams stage lifecycle, tool, and token-delta events
// to sink while the turn executes. The turn runs in streaming mode so
// model output arrives as token deltas.
func WithEventSink(sink events.Sink) Option {
	return func(o *invokeOptions) {
		o.sink = sink
	}
}

// Config holds everything needed to compose the full insight pipeline
// end-to-end. This is a convenience layer over GraphConfig that also
// constructs ChatModels and MessagesManager.
type Config struct {
	APIKey  string
	BaseURL string

	Classifier model.ClassifierModelConfig
	Transform  model.TransformModelConfig
	Agent      model.AgentModelConfig
	Writer     model.WriterModelConfig

	Conversation model.ConversationConfig
	Pipeline     model.PipelineConfig
	ThreadRepo   model.ThreadRepository

	ToolDeps tools.Deps
}

// GraphConfig holds all configuration needed to build the graph.
type GraphConfig struct {
	ChatModels      *nodes.ChatModels
	MessagesManager *conversations.MessagesManager
	MaxRetries      int
	ToolDeps        tools.Deps

	// BusinessTools overrides the production tool set; tests use this to
	// substitute scripted capabilities.
	BusinessTools []tool.BaseTool

	// SchemaInfo overrides the introspected sales schema description in
	// the agent system prompt.
	SchemaInfo string

	// Now supplies the clock for date-sensitive prompts. Defaults to
	// time.Now.
	Now func() time.Time
}

// GraphBuilder handles the construction of the insight pipeline graph.
type GraphBuilder struct {
	config            *GraphConfig
	graph             *compose.Graph[model.QueryInput, *schema.Message]
	agentSystemPrompt string
}

type graphRunner struct {
	runnable    compose.Runnable[model.QueryInput, *schema.Message]
	turnTimeout time.Duration

	// one mutex per thread so concurrent turns on the same thread queue
	// instead of interleaving their transcripts
	threadLocks sync.Map
}

func (r *graphRunner) Invoke(ctx context.Context, in model.QueryInput, opts ...Option) (string, error) {
	var o invokeOptions
	for _, opt := range opts {
		opt(&o)
	}

	lockAny, _ := r.threadLocks.LoadOrStore(in.ThreadID, &sync.Mutex{})
	lock := lockAny.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	if r.turnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.turnTimeout)
		defer cancel()
	}

	callbacks := observers.NewPipelineCallbacks(o.sink)

	if o.sink == nil {
		out, err := r.runnable.Invoke(ctx, in, compose.WithCallbacks(callbacks...))
		if err != nil {
			return "", err
		}
		return finalContent(out), nil
	}

	// Streaming mode: model stages stream, so token deltas reach the
	// sink while the graph runs. The concatenated output is still the
	// single final answer.
	reader, err := r.runnable.Stream(ctx, in, compose.WithCallbacks(callbacks...))
	if err != nil {
		return "", err
	}
	defer reader.Close()

	var chunks []*schema.Message
	for {
		chunk, err := reader.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		if chunk != nil {
			chunks = append(chunks, chunk)
		}
	}
	if len(chunks) == 0 {
		return "", nil
	}
	out, err := schema.ConcatMessages(chunks)
	if err != nil {
		return "", fmt.Errorf("concat final answer stream: %w", err)
	}
	return finalContent(out), nil
}

func finalContent(out *schema.Message) string {
	if out == nil {
		return ""
	}
	return out.Content
}

// BuildInsightGraph composes ChatModels, MessagesManager, builds the
// graph, and returns a Runner.
func BuildInsightGraph(ctx context.Context, cfg Config) (Runner, error) {
	if cfg.ThreadRepo == nil {
		return nil, fmt.Errorf("thread repo is nil")
	}

	cms, err := nodes.NewChatModels(ctx, nodes.ChatModelConfig{
		APIKey:     cfg.APIKey,
		BaseURL:    cfg.BaseURL,
		Classifier: &cfg.Classifier,
		Transform:  &cfg.Transform,
		Agent:      &cfg.Agent,
		Writer:     &cfg.Writer,
	})
	if err != nil {
		return nil, err
	}

	mm := conversations.NewMessagesManager(cfg.ThreadRepo, cfg.Conversation)

	runnable, err := BuildGraph(ctx, &GraphConfig{
		ChatModels:      cms,
		MessagesManager: mm,
		MaxRetries:      cfg.Pipeline.MaxRetries,
		ToolDeps:        cfg.ToolDeps,
	})
	if err != nil {
		return nil, err
	}

	timeout, err := time.ParseDuration(cfg.Pipeline.TurnTimeout)
	if err != nil {
		logx.Warn().Str("turn_timeout", cfg.Pipeline.TurnTimeout).Msg("Invalid turn timeout - using 2m")
		timeout = 2 * time.Minute
	}

	logx.Debug().Msg("Insight graph built successfully")
	return &graphRunner{runnable: runnable, turnTimeout: timeout}, nil
}

// BuildGraph constructs and returns the compiled pipeline graph.
func BuildGraph(ctx context.Context, config *GraphConfig) (compose.Runnable[model.QueryInput, *schema.Message], error) {
	if config == nil {
		return nil, fmt.Errorf("graph config is nil")
	}
	cms := config.ChatModels
	if cms == nil || cms.Guardrail == nil || cms.Router == nil || cms.Transform == nil || cms.Agent == nil || cms.Writer == nil {
		return nil, fmt.Errorf("chat models are not properly initialized")
	}
	if config.MessagesManager == nil {
		return nil, fmt.Errorf("messages manager is nil")
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	agentPrompt, err := renderAgentPrompt(ctx, config)
	if err != nil {
		return nil, err
	}

	builder := &GraphBuilder{
		config: config,
		graph: compose.NewGraph[model.QueryInput, *schema.Message](
			compose.WithGenLocalState(func(ctx context.Context) *model.TurnState {
				return &model.TurnState{}
			}),
		),
		agentSystemPrompt: agentPrompt,
	}

	if err := builder.setupTools(ctx); err != nil {
		return nil, err
	}

	builder.addNodes()
	builder.addEdges()

	if err := builder.addBranches(); err != nil {
		return nil, err
	}

	return builder.compile(ctx)
}

// renderAgentPrompt introspects the sales schema (unless overridden)
// and renders the agent system instruction once, at build time.
func renderAgentPrompt(ctx context.Context, config *GraphConfig) (string, error) {
	schemaInfo := config.SchemaInfo
	if schemaInfo == "" && config.ToolDeps.SalesDB != nil {
		described, err := tools.DescribeSalesSchema(ctx, config.ToolDeps.SalesDB)
		if err != nil {
			logx.Warn().Err(err).Msg("Failed to introspect sales schema")
		} else {
			schemaInfo = described
		}
	}
	if schemaInfo == "" {
		schemaInfo = "(schema description unavailable - discover tables with information_schema queries)"
	}

	prompt, err := prompts.RenderAgentSystem(ctx, schemaInfo, normalizedRetries(config.MaxRetries))
	if err != nil {
		return "", fmt.Errorf("render agent system prompt: %w", err)
	}
	return prompt, nil
}

func normalizedRetries(n int) int {
	if n <= 0 {
		return nodes.DefaultMaxRetries
	}
	return n
}

// setupTools configures business tools and binds them to the agent model.
func (b *GraphBuilder) setupTools(ctx context.Context) error {
	businessTools := b.config.BusinessTools
	if businessTools == nil {
		businessTools = tools.NewQueryTools(b.config.ToolDeps)
	}

	toolInfos, err := tools.GetToolInfos(ctx, businessTools)
	if err != nil {
		logx.Error().Err(err).Msg("Failed to get tool infos")
		return fmt.Errorf("failed to get tool infos: %w", err)
	}

	if err := b.config.ChatModels.BindAgentTools(ctx, toolInfos); err != nil {
		return fmt.Errorf("failed to bind tools to agent model: %w", err)
	}

	toolsNode, err := compose.NewToolNode(ctx, &compose.ToolsNodeConfig{
		Tools: businessTools,
		// Sequential execution keeps SQL-then-chart batches ordered and
		// avoids two chart renders racing in the sandbox.
		ExecuteSequentially: true,
		UnknownToolsHandler: func(ctx context.Context, name, input string) (string, error) {
			// Gracefully handle hallucinated or malformed tool calls
			logx.Warn().
				Str("tool_name", name).
				Str("arguments", input).
				Msg("Unknown or invalid tool call; returning fallback result")
			return fmt.Sprintf("{\"status\":\"error\",\"error\":\"unknown tool %s\"}", name), nil
		},
		ToolArgumentsHandler: func(ctx context.Context, name, arguments string) (string, error) {
			// Best-effort sanitize; never fail hard here
			var m map[string]any
			if err := json.Unmarshal([]byte(arguments), &m); err != nil {
				return arguments, nil
			}

			for _, key := range []string{"query", "code"} {
				v, ok := m[key]
				if !ok {
					continue
				}
				switch vv := v.(type) {
				case string:
					m[key] = strings.TrimSpace(vv)
				default:
					m[key] = strings.TrimSpace(fmt.Sprint(v))
				}
			}

			out, err := json.Marshal(m)
			if err != nil {
				return arguments, nil
			}
			return string(out), nil
		},
	})
	if err != nil {
		logx.Error().Err(err).Msg("Failed to create tools node")
		return fmt.Errorf("failed to create tools node: %w", err)
	}

	b.graph.AddToolsNode(nodes.NodeToolExecutor, toolsNode,
		compose.WithNodeName(nodes.NodeToolExecutor),
		compose.WithStatePreHandler(nodes.NewToolExecutorPreHandler()),
	)

	return nil
}

// addNodes adds all processing nodes to the graph.
func (b *GraphBuilder) addNodes() {
	cms := b.config.ChatModels
	mm := b.config.MessagesManager
	now := b.config.Now

	b.graph.AddLambdaNode(nodes.NodeContextLoader,
		nodes.NewContextLoaderNode(mm),
		compose.WithNodeName(nodes.NodeContextLoader),
		compose.WithStatePreHandler(nodes.NewContextLoaderPreHandler()),
	)

	b.graph.AddChatModelNode(nodes.NodeInputGuardrailModel, cms.Guardrail,
		compose.WithNodeName(nodes.NodeInputGuardrailModel),
		compose.WithStatePostHandler(nodes.NewGuardrailModelPostHandler(cms.ClassifierModelName)),
	)

	b.graph.AddLambdaNode(nodes.NodeInputGuardrailParser,
		nodes.NewGuardrailParserNode(),
		compose.WithNodeName(nodes.NodeInputGuardrailParser),
		compose.WithStatePostHandler(nodes.NewGuardrailParserPostHandler()),
	)

	b.graph.AddLambdaNode(nodes.NodeScopeAssembler,
		nodes.NewScopeAssemblerNode(mm, now),
		compose.WithNodeName(nodes.NodeScopeAssembler),
	)

	b.graph.AddChatModelNode(nodes.NodeScopeModel, cms.Router,
		compose.WithNodeName(nodes.NodeScopeModel),
		compose.WithStatePostHandler(nodes.NewScopeModelPostHandler(cms.ClassifierModelName)),
	)

	b.graph.AddLambdaNode(nodes.NodeScopeParser,
		nodes.NewScopeParserNode(),
		compose.WithNodeName(nodes.NodeScopeParser),
		compose.WithStatePostHandler(nodes.NewScopeParserPostHandler()),
	)

	b.graph.AddLambdaNode(nodes.NodeTransformAssembler,
		nodes.NewTransformAssemblerNode(mm, now),
		compose.WithNodeName(nodes.NodeTransformAssembler),
	)

	b.graph.AddChatModelNode(nodes.NodeTransformModel, cms.Transform,
		compose.WithNodeName(nodes.NodeTransformModel),
		compose.WithStatePostHandler(nodes.NewTransformModelPostHandler(cms.TransformModelName)),
	)

	b.graph.AddLambdaNode(nodes.NodeAgentAssembler,
		nodes.NewAgentAssemblerNode(mm, b.agentSystemPrompt),
		compose.WithNodeName(nodes.NodeAgentAssembler),
	)

	b.graph.AddChatModelNode(nodes.NodeAgentModel, cms.Agent,
		compose.WithNodeName(nodes.NodeAgentModel),
		compose.WithStatePreHandler(nodes.NewAgentModelPreHandler(b.config.MaxRetries, b.agentSystemPrompt)),
		compose.WithStatePostHandler(nodes.NewAgentModelPostHandler(cms.AgentModelName)),
	)

	b.graph.AddLambdaNode(nodes.NodeFinalAnswerAssembler,
		nodes.NewFinalAnswerAssemblerNode(),
		compose.WithNodeName(nodes.NodeFinalAnswerAssembler),
	)

	b.graph.AddChatModelNode(nodes.NodeFinalAnswerModel, cms.Writer,
		compose.WithNodeName(nodes.NodeFinalAnswerModel),
		compose.WithStatePostHandler(nodes.NewWriterModelPostHandler(nodes.NodeFinalAnswerModel, cms.WriterModelName)),
	)

	b.graph.AddLambdaNode(nodes.NodeGeneralChatAssembler,
		nodes.NewGeneralChatAssemblerNode(mm),
		compose.WithNodeName(nodes.NodeGeneralChatAssembler),
	)

	b.graph.AddChatModelNode(nodes.NodeGeneralChatModel, cms.Writer,
		compose.WithNodeName(nodes.NodeGeneralChatModel),
		compose.WithStatePostHandler(nodes.NewWriterModelPostHandler(nodes.NodeGeneralChatModel, cms.WriterModelName)),
	)

	b.graph.AddLambdaNode(nodes.NodeOutputGuardrail,
		nodes.NewOutputGuardrailNode(),
		compose.WithNodeName(nodes.NodeOutputGuardrail),
		compose.WithStatePostHandler(nodes.NewOutputGuardrailPostHandler(mm)),
	)
}

// addEdges creates the main flow connections between nodes.
func (b *GraphBuilder) addEdges() {
	edges := [][2]string{
		{compose.START, nodes.NodeContextLoader},
		{nodes.NodeContextLoader, nodes.NodeInputGuardrailModel},
		{nodes.NodeInputGuardrailModel, nodes.NodeInputGuardrailParser},
		{nodes.NodeScopeAssembler, nodes.NodeScopeModel},
		{nodes.NodeScopeModel, nodes.NodeScopeParser},
		{nodes.NodeTransformAssembler, nodes.NodeTransformModel},
		{nodes.NodeTransformModel, nodes.NodeAgentAssembler},
		{nodes.NodeAgentAssembler, nodes.NodeAgentModel},
		{nodes.NodeToolExecutor, nodes.NodeAgentModel},
		{nodes.NodeFinalAnswerAssembler, nodes.NodeFinalAnswerModel},
		{nodes.NodeFinalAnswerModel, nodes.NodeOutputGuardrail},
		{nodes.NodeGeneralChatAssembler, nodes.NodeGeneralChatModel},
		{nodes.NodeGeneralChatModel, nodes.NodeOutputGuardrail},
		{nodes.NodeOutputGuardrail, compose.END},
	}

	for _, edge := range edges {
		b.graph.AddEdge(edge[0], edge[1])
	}
}

// addBranches creates conditional routing branches.
func (b *GraphBuilder) addBranches() error {
	guardrailBranch := compose.NewGraphBranch(
		nodes.NewGuardrailCondition(),
		map[string]bool{
			nodes.NodeGeneralChatAssembler: true,
			nodes.NodeScopeAssembler:       true,
		},
	)
	if err := b.graph.AddBranch(nodes.NodeInputGuardrailParser, guardrailBranch); err != nil {
		logx.Error().Err(err).Msg("Error adding guardrail branch")
		return fmt.Errorf("error adding guardrail branch: %w", err)
	}

	scopeBranch := compose.NewGraphBranch(
		nodes.NewScopeCondition(),
		map[string]bool{
			nodes.NodeGeneralChatAssembler: true,
			nodes.NodeTransformAssembler:   true,
		},
	)
	if err := b.graph.AddBranch(nodes.NodeScopeParser, scopeBranch); err != nil {
		logx.Error().Err(err).Msg("Error adding scope branch")
		return fmt.Errorf("error adding scope branch: %w", err)
	}

	agentBranch := compose.NewGraphBranch(
		nodes.NewAgentCondition(),
		map[string]bool{
			nodes.NodeToolExecutor:         true,
			nodes.NodeFinalAnswerAssembler: true,
		},
	)
	if err := b.graph.AddBranch(nodes.NodeAgentModel, agentBranch); err != nil {
		logx.Error().Err(err).Msg("Error adding agent branch")
		return fmt.Errorf("error adding agent branch: %w", err)
	}

	return nil
}

// compile finalizes and compiles the graph.
func (b *GraphBuilder) compile(ctx context.Context) (compose.Runnable[model.QueryInput, *schema.Message], error) {
	// Limit total run steps so a misrouted loop cannot spin forever.
	// Each agent round is two steps (model + executor); the fixed stages
	// take the rest.
	maxSteps := 12 + normalizedRetries(b.config.MaxRetries)*2
	if maxSteps < 20 {
		maxSteps = 20
	}

	runnable, err := b.graph.Compile(ctx, compose.WithMaxRunSteps(maxSteps))
	if err != nil {
		logx.Error().Err(err).Msg("Error compiling graph")
		return nil, fmt.Errorf("error compiling graph: %w", err)
	}

	logx.Debug().Msg("Graph compiled successfully")
	return runnable, nil
}
