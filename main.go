package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"google.golang.org/genai"

	"github.com/insight-agent/server/internal/agent/graph"
	"github.com/insight-agent/server/internal/agent/graph/events"
	"github.com/insight-agent/server/internal/agent/graph/tools"
	"github.com/insight-agent/server/internal/agent/model"
	"github.com/insight-agent/server/internal/agent/rag"
	"github.com/insight-agent/server/internal/agent/repo"
	"github.com/insight-agent/server/internal/agent/sandbox"
	"github.com/insight-agent/server/internal/core"
	logx "github.com/insight-agent/server/pkg/logger"
	pkgpostgres "github.com/insight-agent/server/pkg/postgres"
	pkgredis "github.com/insight-agent/server/pkg/redis"
)

// AppConfig defines all configurable parameters for the insight agent,
// sourced from environment variables (loaded from .env for local runs).
type AppConfig struct {
	// Infrastructure
	Redis    pkgredis.Config
	Postgres pkgpostgres.Config

	// LLM provider
	APIKey  string `envconfig:"GEMINI_API_KEY" required:"true"`
	BaseURL string `envconfig:"GEMINI_BASE_URL"`

	// Pipeline configs
	Classifier   model.ClassifierModelConfig
	Transform    model.TransformModelConfig
	Agent        model.AgentModelConfig
	Writer       model.WriterModelConfig
	Conversation model.ConversationConfig
	Pipeline     model.PipelineConfig

	// Tool configs
	SalesDB model.SalesDBConfig
	Search  model.PolicySearchConfig
	Chart   model.ChartConfig
}

func main() {
	fmt.Println("Starting business insight agent demo...")
	ctx := context.Background()

	// Load .env file
	if err := godotenv.Load(".env"); err != nil {
		log.Printf("Warning: Could not load .env file: %v", err)
	}

	logx.Init(logx.LoggerOpts{Environment: core.FromEnv()})

	// Load structured config from env
	var envCfg AppConfig
	if err := envconfig.Process("", &envCfg); err != nil {
		log.Fatalf("Failed to process environment config: %v", err)
	}

	rdb, err := envCfg.Redis.New()
	if err != nil {
		log.Fatalf("Failed to initialise Redis client: %v", err)
	}
	defer rdb.Close()

	db, err := envCfg.Postgres.New()
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer db.Close()

	fmt.Println("Connected to Redis and Postgres successfully")

	ttl, err := time.ParseDuration(envCfg.Conversation.TTL)
	if err != nil {
		log.Fatalf("Invalid CONVERSATION_TTL '%s': %v", envCfg.Conversation.TTL, err)
	}
	chartTimeout, err := time.ParseDuration(envCfg.Chart.Timeout)
	if err != nil {
		log.Fatalf("Invalid CHART_EXEC_TIMEOUT '%s': %v", envCfg.Chart.Timeout, err)
	}

	// Embedder shares the same Gemini credentials as the chat models.
	clientCfg := &genai.ClientConfig{APIKey: envCfg.APIKey, Backend: genai.BackendGeminiAPI}
	if envCfg.BaseURL != "" {
		clientCfg.HTTPOptions.BaseURL = envCfg.BaseURL
	}
	gclient, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		log.Fatalf("Failed to create Gemini client: %v", err)
	}
	embedder := rag.NewGeminiEmbedder(gclient, envCfg.Search.EmbeddingModel, envCfg.Search.Dimension)

	cfg := graph.Config{
		APIKey:       envCfg.APIKey,
		BaseURL:      envCfg.BaseURL,
		Classifier:   envCfg.Classifier,
		Transform:    envCfg.Transform,
		Agent:        envCfg.Agent,
		Writer:       envCfg.Writer,
		Conversation: envCfg.Conversation,
		Pipeline:     envCfg.Pipeline,
		ThreadRepo:   repo.NewRedisThreadRepository(rdb, ttl),
		ToolDeps: tools.Deps{
			SalesDB:      db,
			SalesConfig:  envCfg.SalesDB,
			PolicyStore:  rag.NewPGVectorStore(db, embedder, envCfg.Search.Dimension),
			SearchConfig: envCfg.Search,
			ChartRunner:  sandbox.NewPythonRunner(envCfg.Chart.Python, chartTimeout),
			ChartConfig:  envCfg.Chart,
		},
	}

	runner, err := graph.BuildInsightGraph(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to build graph: %v", err)
	}

	testQueries := []struct {
		description string
		query       string
	}{
		{
			description: "Revenue aggregation",
			query:       "What was our total revenue last month, broken down by product category?",
		},
		{
			description: "Policy lookup",
			query:       "What does our return policy say about refunds for damaged items?",
		},
		{
			description: "Chart request",
			query:       "Plot monthly sales quantity for this year as a bar chart.",
		},
		{
			description: "Out-of-scope question",
			query:       "Who won the World Cup in 2022?",
		},
	}

	threadID := "demo-thread-001"

	for i, test := range testQueries {
		fmt.Printf("\nTest %d: %s\n", i+1, test.description)
		fmt.Printf("Query: %q\n", test.query)
		fmt.Println("Processing...")

		sink := events.NewChannelSink(256)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for ev := range sink.Events() {
				switch ev.Type {
				case events.StageStarted:
					fmt.Printf("  -> %s\n", ev.Stage)
				case events.ToolCompleted:
					fmt.Printf("  [tool %s done]\n", ev.Stage)
				case events.TokenDelta:
					fmt.Print(ev.Delta)
				}
			}
		}()

		response, err := runner.Invoke(ctx, model.QueryInput{
			ThreadID: threadID,
			Query:    test.query,
		}, graph.WithEventSink(sink))

		sink.Close()
		<-done

		if err != nil {
			log.Fatalf("Failed to invoke graph for test %d: %v", i+1, err)
		}

		fmt.Printf("\nResponse %d: %s\n", i+1, response)
		fmt.Println("------------------------------------------------")

		time.Sleep(500 * time.Millisecond)
	}

	fmt.Println("All pipeline tests completed successfully.")
}
