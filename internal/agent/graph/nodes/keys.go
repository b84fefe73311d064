package nodes

// Node keys double as stage names in emitted pipeline events, so they
// are part of the streaming contract, not just graph wiring.
const (
	NodeContextLoader        = "context_loader"
	NodeInputGuardrailModel  = "input_guardrail_model"
	NodeInputGuardrailParser = "input_guardrail_parser"
	NodeScopeAssembler       = "scope_router_assembler"
	NodeScopeModel           = "scope_router_model"
	NodeScopeParser          = "scope_router_parser"
	NodeTransformAssembler   = "query_transform_assembler"
	NodeTransformModel       = "query_transform_model"
	NodeAgentAssembler       = "agent_assembler"
	NodeAgentModel           = "agent_model"
	NodeToolExecutor         = "tool_executor"
	NodeFinalAnswerAssembler = "final_answer_assembler"
	NodeFinalAnswerModel     = "final_answer_model"
	NodeGeneralChatAssembler = "general_chat_assembler"
	NodeGeneralChatModel     = "general_chat_model"
	NodeOutputGuardrail      = "output_guardrail"
)

var stageNames = map[string]bool{
	NodeContextLoader:        true,
	NodeInputGuardrailModel:  true,
	NodeInputGuardrailParser: true,
	NodeScopeAssembler:       true,
	NodeScopeModel:           true,
	NodeScopeParser:          true,
	NodeTransformAssembler:   true,
	NodeTransformModel:       true,
	NodeAgentAssembler:       true,
	NodeAgentModel:           true,
	NodeToolExecutor:         true,
	NodeFinalAnswerAssembler: true,
	NodeFinalAnswerModel:     true,
	NodeGeneralChatAssembler: true,
	NodeGeneralChatModel:     true,
	NodeOutputGuardrail:      true,
}

// IsStage reports whether name is a pipeline stage key. Callback run
// infos also fire for inner components (tools, prompt templates); this
// filters those out of stage events.
func IsStage(name string) bool {
	return stageNames[name]
}
