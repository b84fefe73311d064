package nodes

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/gemini"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"github.com/insight-agent/server/internal/agent/graph/parsers"
	"github.com/insight-agent/server/internal/agent/model"
	errx "github.com/insight-agent/server/internal/core/error"
	logx "github.com/insight-agent/server/pkg/logger"
)

// ChatModelConfig holds the configuration for chat model creation.
type ChatModelConfig struct {
	APIKey  string
	BaseURL string

	Classifier *model.ClassifierModelConfig
	Transform  *model.TransformModelConfig
	Agent      *model.AgentModelConfig
	Writer     *model.WriterModelConfig
}

// ChatModels holds one model per pipeline role. Fields are interfaces so
// tests can substitute scripted doubles; production wiring fills them
// with Gemini models. Guardrail and Router carry a required response
// schema, so their output is always schema-conformant JSON.
type ChatModels struct {
	Guardrail einomodel.BaseChatModel
	Router    einomodel.BaseChatModel
	Transform einomodel.BaseChatModel
	Agent     einomodel.ToolCallingChatModel
	Writer    einomodel.BaseChatModel

	ClassifierModelName string
	TransformModelName  string
	AgentModelName      string
	WriterModelName     string
}

// NewChatModels creates the pipeline's chat models on a shared Gemini client.
func NewChatModels(ctx context.Context, config ChatModelConfig) (*ChatModels, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if config.BaseURL != "" {
		clientCfg.HTTPOptions.BaseURL = config.BaseURL
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		logx.Error().Err(err).Msg("Error creating Gemini client")
		return nil, errx.WrapModel(fmt.Errorf("create gemini client: %w", err))
	}

	guardrail, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:         client,
		Model:          config.Classifier.Model,
		Temperature:    &config.Classifier.Temperature,
		MaxTokens:      &config.Classifier.MaxTokens,
		ResponseSchema: parsers.SafetySchema(),
	})
	if err != nil {
		return nil, errx.WrapModel(fmt.Errorf("create guardrail model: %w", err))
	}

	router, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:         client,
		Model:          config.Classifier.Model,
		Temperature:    &config.Classifier.Temperature,
		MaxTokens:      &config.Classifier.MaxTokens,
		ResponseSchema: parsers.ScopeSchema(),
	})
	if err != nil {
		return nil, errx.WrapModel(fmt.Errorf("create scope router model: %w", err))
	}

	transform, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:      client,
		Model:       config.Transform.Model,
		Temperature: &config.Transform.Temperature,
		MaxTokens:   &config.Transform.MaxTokens,
	})
	if err != nil {
		return nil, errx.WrapModel(fmt.Errorf("create transform model: %w", err))
	}

	agent, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:      client,
		Model:       config.Agent.Model,
		Temperature: &config.Agent.Temperature,
		MaxTokens:   &config.Agent.MaxTokens,
		ThinkingConfig: &genai.ThinkingConfig{
			IncludeThoughts: true,
			ThinkingBudget:  genai.Ptr(int32(2000)),
		},
	})
	if err != nil {
		return nil, errx.WrapModel(fmt.Errorf("create agent model: %w", err))
	}

	writer, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:      client,
		Model:       config.Writer.Model,
		Temperature: &config.Writer.Temperature,
		MaxTokens:   &config.Writer.MaxTokens,
	})
	if err != nil {
		return nil, errx.WrapModel(fmt.Errorf("create writer model: %w", err))
	}

	return &ChatModels{
		Guardrail:           guardrail,
		Router:              router,
		Transform:           transform,
		Agent:               agent,
		Writer:              writer,
		ClassifierModelName: config.Classifier.Model,
		TransformModelName:  config.Transform.Model,
		AgentModelName:      config.Agent.Model,
		WriterModelName:     config.Writer.Model,
	}, nil
}

// BindAgentTools attaches the tool descriptors to the agent model.
func (cm *ChatModels) BindAgentTools(_ context.Context, toolInfos []*schema.ToolInfo) error {
	bound, err := cm.Agent.WithTools(toolInfos)
	if err != nil {
		logx.Error().Err(err).Msg("Failed to bind tools to agent model")
		return fmt.Errorf("bind agent tools: %w", err)
	}
	cm.Agent = bound

	logx.Debug().Int("tools", len(toolInfos)).Msg("Bound tools to agent model")
	return nil
}
