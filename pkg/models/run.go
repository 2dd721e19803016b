// Package models defines the domain models for the SOP transformation pipeline
package models

import (
	"encoding/json"
	"time"
)

// Stage identifies one of the five ordered pipeline stages
type Stage int

const (
	StageGenerateSOP Stage = iota + 1
	StageAuditWaste
	StageArchitectAgents
	StageGenerateAgentSpecs
	StageJudgeQuality
)

const (
	FirstStage = StageGenerateSOP
	LastStage  = StageJudgeQuality
)

// AllStages lists the stages in execution order
var AllStages = []Stage{
	StageGenerateSOP,
	StageAuditWaste,
	StageArchitectAgents,
	StageGenerateAgentSpecs,
	StageJudgeQuality,
}

var stageNames = map[Stage]string{
	StageGenerateSOP:        "Generate-SOP",
	StageAuditWaste:         "Audit-Waste",
	StageArchitectAgents:    "Architect-Agents",
	StageGenerateAgentSpecs: "Generate-Agent-Specs",
	StageJudgeQuality:       "Judge-Quality",
}

var stageSlugs = map[Stage]string{
	StageGenerateSOP:        "generate-sop",
	StageAuditWaste:         "audit-waste",
	StageArchitectAgents:    "architect-agents",
	StageGenerateAgentSpecs: "generate-agent-specs",
	StageJudgeQuality:       "judge-quality",
}

// Valid reports whether s is one of the five known stages.
func (s Stage) Valid() bool {
	return s >= FirstStage && s <= LastStage
}

// Name returns the display name of the stage.
func (s Stage) Name() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "Unknown"
}

// Slug returns the stable prompt slug for the stage.
func (s Stage) Slug() string {
	return stageSlugs[s]
}

// Next returns the stage that follows s. The last stage has no successor
// and returns itself.
func (s Stage) Next() Stage {
	if s >= LastStage {
		return LastStage
	}
	return s + 1
}

// StageFromSlug maps a prompt slug back to its stage.
func StageFromSlug(slug string) (Stage, bool) {
	for stage, candidate := range stageSlugs {
		if candidate == slug {
			return stage, true
		}
	}
	return 0, false
}

// RunStatus represents the lifecycle state of a pipeline run
type RunStatus string

const (
	RunStatusRunning         RunStatus = "RUNNING"
	RunStatusAwaitingCouncil RunStatus = "AWAITING_COUNCIL"
	RunStatusBlocked         RunStatus = "BLOCKED"
	RunStatusCompleted       RunStatus = "COMPLETED"
	RunStatusFailed          RunStatus = "FAILED"
)

// IsTerminal returns true for statuses that never change again.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// IsActive returns true for statuses that count toward the one-active-run-per-SOP rule.
func (s RunStatus) IsActive() bool {
	return s == RunStatusRunning || s == RunStatusAwaitingCouncil || s == RunStatusBlocked
}

// Failure reasons recorded on runs
const (
	ReasonCancelled        = "cancelled"
	ReasonCouncilRejected  = "council rejected"
	ReasonRetriesExhausted = "retries exhausted"
)

// PipelineRun is one transformation attempt for one source SOP
type PipelineRun struct {
	ID               string    `json:"id" db:"id"`
	OrganizationID   string    `json:"organization_id" db:"organization_id"`
	SOPID            string    `json:"sop_id" db:"sop_id"`
	CreatedByID      string    `json:"created_by_id" db:"created_by_id"`
	CurrentStage     Stage     `json:"current_stage" db:"current_stage"`
	Status           RunStatus `json:"status" db:"status"`
	Version          int       `json:"version" db:"version"`
	CouncilRequestID *string   `json:"council_request_id,omitempty" db:"council_request_id"`
	FailureReason    *string   `json:"failure_reason,omitempty" db:"failure_reason"`
	BlockedReason    *string   `json:"blocked_reason,omitempty" db:"blocked_reason"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}

// Outcome is the result classification of one stage attempt
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeRetry   Outcome = "RETRY"
	OutcomeFailed  Outcome = "FAILED"
)

// TokenUsage reports model token consumption for one invocation
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StepRecord is one executed stage attempt within a run. Records are
// append-only and ordered by Sequence.
type StepRecord struct {
	RunID         string          `json:"run_id" db:"run_id"`
	Sequence      int             `json:"sequence" db:"sequence"`
	StageIndex    Stage           `json:"stage_index" db:"stage_index"`
	StageName     string          `json:"stage_name" db:"stage_name"`
	Input         json.RawMessage `json:"input,omitempty" db:"input"`   // JSONB
	Output        json.RawMessage `json:"output,omitempty" db:"output"` // JSONB
	Outcome       Outcome         `json:"outcome" db:"outcome"`
	Attempt       int             `json:"attempt" db:"attempt"`
	Error         string          `json:"error,omitempty" db:"error"`
	Degraded      bool            `json:"degraded" db:"degraded"`
	PromptVersion int             `json:"prompt_version" db:"prompt_version"`
	Usage         TokenUsage      `json:"usage"`
	StartedAt     time.Time       `json:"started_at" db:"started_at"`
	FinishedAt    time.Time       `json:"finished_at" db:"finished_at"`
}

// RunTransition describes a conditional state change of a run together
// with the step record it produces. Stores apply both atomically and only
// when the run still matches the expected stage, status and version.
type RunTransition struct {
	OrganizationID string
	RunID          string

	ExpectedStage   Stage
	ExpectedStatus  RunStatus
	ExpectedVersion int

	Stage            Stage
	Status           RunStatus
	CouncilRequestID *string
	FailureReason    *string
	BlockedReason    *string

	// Step is appended when non-nil.
	Step *StepRecord
}
