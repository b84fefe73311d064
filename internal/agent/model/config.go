package model

// ================ Config ================
type ConversationConfig struct {
	TTL     string `envconfig:"CONVERSATION_TTL" default:"15m"`
	Context struct {
		MaxTurns int `envconfig:"CONVERSATION_CONTEXT_MAX_TURNS" default:"20"`
	}
}

// PipelineConfig bounds a single turn through the stage graph.
type PipelineConfig struct {
	MaxRetries  int    `envconfig:"PIPELINE_MAX_RETRIES" default:"3"`
	TurnTimeout string `envconfig:"PIPELINE_TURN_TIMEOUT" default:"2m"`
}

// ClassifierModelConfig is shared by the input guardrail and the scope
// router. Temperature stays at zero so verdicts are reproducible.
type ClassifierModelConfig struct {
	Model       string  `envconfig:"CLASSIFIER_MODEL" default:"gemini-2.5-flash-lite"`
	MaxTokens   int     `envconfig:"CLASSIFIER_MAX_TOKENS" default:"1000"`
	Temperature float32 `envconfig:"CLASSIFIER_TEMPERATURE" default:"0"`
}

type TransformModelConfig struct {
	Model       string  `envconfig:"TRANSFORM_MODEL" default:"gemini-2.5-flash-lite"`
	MaxTokens   int     `envconfig:"TRANSFORM_MAX_TOKENS" default:"1000"`
	Temperature float32 `envconfig:"TRANSFORM_TEMPERATURE" default:"0"`
}

type AgentModelConfig struct {
	Model       string  `envconfig:"AGENT_MODEL" default:"gemini-2.5-flash"`
	MaxTokens   int     `envconfig:"AGENT_MAX_TOKENS" default:"4000"`
	Temperature float32 `envconfig:"AGENT_TEMPERATURE" default:"0"`
}

// WriterModelConfig drives the finalization stages (final answer and
// general chat). A little temperature keeps the prose natural.
type WriterModelConfig struct {
	Model       string  `envconfig:"WRITER_MODEL" default:"gemini-2.5-flash"`
	MaxTokens   int     `envconfig:"WRITER_MAX_TOKENS" default:"2000"`
	Temperature float32 `envconfig:"WRITER_TEMPERATURE" default:"0.5"`
}

type SalesDBConfig struct {
	RowLimit int `envconfig:"SALES_DB_ROW_LIMIT" default:"20"`
}

type PolicySearchConfig struct {
	TopK           int    `envconfig:"POLICY_SEARCH_TOP_K" default:"4"`
	EmbeddingModel string `envconfig:"POLICY_EMBEDDING_MODEL" default:"gemini-embedding-001"`
	Dimension      int    `envconfig:"POLICY_EMBEDDING_DIMENSION" default:"768"`
}

type ChartConfig struct {
	OutputDir string `envconfig:"CHART_OUTPUT_DIR" default:"charts"`
	Python    string `envconfig:"CHART_PYTHON_BIN" default:"python3"`
	Timeout   string `envconfig:"CHART_EXEC_TIMEOUT" default:"30s"`
}
