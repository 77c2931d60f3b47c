package engine

import "time"

// Strategy defines how orchestration steps are dispatched.
type Strategy string

const (
	StrategySequential Strategy = "sequential"
	StrategyParallel   Strategy = "parallel"
	StrategyConsensus  Strategy = "consensus"
)

// ExecutionStatus tracks the lifecycle of one orchestration run.
type ExecutionStatus string

const (
	ExecutionPending     ExecutionStatus = "pending"
	ExecutionRunning     ExecutionStatus = "running"
	ExecutionCompleted   ExecutionStatus = "completed"
	ExecutionFailed      ExecutionStatus = "failed"
	ExecutionCancelled   ExecutionStatus = "cancelled"
	ExecutionRateLimited ExecutionStatus = "rate_limited"
)

// Terminal reports whether a status ends the execution lifecycle.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionRateLimited:
		return true
	}
	return false
}

// Agent is a language-model agent definition. Definitions are authored
// outside the engine; the engine only reads them.
type Agent struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Role         string    `json:"role"`
	SystemPrompt string    `json:"system_prompt"`
	Model        string    `json:"model"`
	ProviderID   string    `json:"provider_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AgentStep is one agent's participation in a pipeline.
type AgentStep struct {
	AgentID     string `json:"agent_id"`
	Role        string `json:"role"`
	Instruction string `json:"instruction,omitempty"`
}

// SinkConfig declares an output destination for completed executions.
type SinkConfig struct {
	Type        string `json:"type"` // webhook|email|chat
	Destination string `json:"destination"`
	Enabled     bool   `json:"enabled"`
}

// ConsensusConfig tunes how a consensus run arbitrates between answers.
// With no arbiter configured, ties resolve to the first answer in
// declared step order.
type ConsensusConfig struct {
	ArbiterAgentID string `json:"arbiter_agent_id,omitempty"`
}

// OrchestrationConfig is the free-form pipeline configuration.
type OrchestrationConfig struct {
	Sinks           []SinkConfig    `json:"sinks,omitempty"`
	Consensus       ConsensusConfig `json:"consensus,omitempty"`
	CoordinatorRole string          `json:"coordinator_role,omitempty"`
}

// Orchestration is a reusable pipeline definition. The engine never
// mutates it.
type Orchestration struct {
	ID        string              `json:"id"`
	Name      string              `json:"name"`
	Strategy  Strategy            `json:"strategy"`
	Steps     []AgentStep         `json:"steps"`
	Config    OrchestrationConfig `json:"config"`
	Status    string              `json:"status"` // active|inactive
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// ExecutionInput is the payload an execution runs against.
type ExecutionInput struct {
	Text string `json:"text"`
}

// AgentStepResult is the immutable outcome of one step attempt.
type AgentStepResult struct {
	AgentID    string `json:"agent_id"`
	AgentName  string `json:"agent_name"`
	Role       string `json:"role"`
	Output     string `json:"output"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	TokensUsed int    `json:"tokens_used"`
	StepIndex  int    `json:"step_index"`
}

// ConsensusOutput records a consensus run's raw answers and the chosen one.
type ConsensusOutput struct {
	Answers []string `json:"answers"`
	Chosen  string   `json:"chosen"`
}

// TaskDetail is a bounded preview of one isolated sub-task run.
type TaskDetail struct {
	TaskID  string `json:"task_id"`
	Title   string `json:"title"`
	Preview string `json:"preview"`
	Failed  bool   `json:"failed"`
}

// TaskRunSummary consolidates the results of a task-splitting run.
type TaskRunSummary struct {
	Total      int          `json:"total"`
	Completed  int          `json:"completed"`
	Failed     int          `json:"failed"`
	DurationMs int64        `json:"duration_ms"`
	Details    []TaskDetail `json:"details"`
}

// DispatchRecord is one sink delivery attempt.
type DispatchRecord struct {
	SinkType    string    `json:"sink_type"`
	Destination string    `json:"destination"`
	OK          bool      `json:"ok"`
	Error       string    `json:"error,omitempty"`
	At          time.Time `json:"at"`
}

// ExecutionOutput is the final aggregate of an execution, shaped by the
// strategy that produced it.
type ExecutionOutput struct {
	Text      string           `json:"text"`
	Consensus *ConsensusOutput `json:"consensus,omitempty"`
	Tasks     *TaskRunSummary  `json:"tasks,omitempty"`
}

// Execution is one concrete run of an orchestration.
type Execution struct {
	ID              string           `json:"id"`
	OrchestrationID string           `json:"orchestration_id"`
	Status          ExecutionStatus  `json:"status"`
	Input           ExecutionInput   `json:"input"`
	AgentResults    []AgentStepResult `json:"agent_results"`
	Output          *ExecutionOutput `json:"output,omitempty"`
	Error           string           `json:"error,omitempty"`
	StartedAt       time.Time        `json:"started_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	DurationMs      int64            `json:"duration_ms"`
	TokensUsed      int              `json:"tokens_used"`
	ShareToken      string           `json:"share_token,omitempty"`
	Dispatches      []DispatchRecord `json:"dispatches,omitempty"`
}

// InvokeResult is what the language-model backend returns for one call.
type InvokeResult struct {
	Text       string
	TokensUsed int
	Model      string
	Duration   time.Duration
}
