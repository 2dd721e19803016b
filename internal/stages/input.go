// Package stages runs the five pipeline stages: it builds a bounded input
// per stage, invokes the model, validates the output shape and returns a
// result. It never persists anything.
package stages

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"sopforge/backend/internal/errors"
	"sopforge/backend/pkg/models"
)

// Input is the tagged union of stage inputs.
type Input interface {
	Stage() models.Stage
}

// GenerateSOPInput is the context of stage 1.
type GenerateSOPInput struct {
	Title             string           `json:"title"`
	Description       string           `json:"description"`
	Steps             []models.SOPStep `json:"steps,omitempty"`
	LinkedAutomations int              `json:"linked_automations"`
}

// AuditWasteInput is the context of stage 2.
type AuditWasteInput struct {
	Steps      []models.ProcedureStep `json:"steps"`
	Signals    Signals                `json:"signals"`
	SOPAgeDays int                    `json:"sop_age_days"`
}

// ArchitectInput is the context of stage 3.
type ArchitectInput struct {
	Steps       []models.ProcedureStep       `json:"steps"`
	WasteScores map[models.WasteCategory]int `json:"waste_scores"`
}

// AgentSpecInput is the context of stage 4.
type AgentSpecInput struct {
	SOPTitle string                  `json:"sop_title"`
	Agents   []models.AgentBlueprint `json:"agents"`
}

// JudgeInput is the context of stage 5.
type JudgeInput struct {
	SOPTitle  string             `json:"sop_title"`
	StepCount int                `json:"step_count"`
	Specs     []models.AgentSpec `json:"specs"`
}

func (GenerateSOPInput) Stage() models.Stage { return models.StageGenerateSOP }
func (AuditWasteInput) Stage() models.Stage  { return models.StageAuditWaste }
func (ArchitectInput) Stage() models.Stage   { return models.StageArchitectAgents }
func (AgentSpecInput) Stage() models.Stage   { return models.StageGenerateAgentSpecs }
func (JudgeInput) Stage() models.Stage       { return models.StageJudgeQuality }

// PriorOutputs holds the latest successful output of each earlier stage.
type PriorOutputs map[models.Stage]json.RawMessage

// BuildInput assembles the bounded context of stage from the source SOP and
// earlier outputs. A missing or empty SOP yields a non-recoverable
// *errors.ValidationError; a missing or malformed prior output yields a
// recoverable one.
func BuildInput(stage models.Stage, sop *models.SOP, prior PriorOutputs, now time.Time) (Input, error) {
	if !stage.Valid() {
		return nil, errors.NewBlockingValidationError(stage.Name(), "stage", fmt.Sprintf("unknown stage %d", stage))
	}
	if err := ValidateSource(stage, sop); err != nil {
		return nil, err
	}

	switch stage {
	case models.StageGenerateSOP:
		return GenerateSOPInput{
			Title:             sop.Title,
			Description:       sop.Description,
			Steps:             sop.Steps,
			LinkedAutomations: sop.LinkedAutomations,
		}, nil

	case models.StageAuditWaste:
		generated, err := priorSOP(stage, prior)
		if err != nil {
			return nil, err
		}
		age := 0
		if !sop.UpdatedAt.IsZero() && now.After(sop.UpdatedAt) {
			age = int(now.Sub(sop.UpdatedAt) / (24 * time.Hour))
		}
		return AuditWasteInput{
			Steps:      generated.Steps,
			Signals:    ComputeSignals(generated.Steps, sop.LinkedAutomations, sop.UpdatedAt, now),
			SOPAgeDays: age,
		}, nil

	case models.StageArchitectAgents:
		generated, err := priorSOP(stage, prior)
		if err != nil {
			return nil, err
		}
		var audit models.WasteAudit
		if err := decodePrior(stage, prior, models.StageAuditWaste, &audit); err != nil {
			return nil, err
		}
		if len(audit.Scores) == 0 {
			return nil, errors.NewValidationError(stage.Name(), "scores", "waste audit has no category scores")
		}
		return ArchitectInput{Steps: generated.Steps, WasteScores: audit.Scores}, nil

	case models.StageGenerateAgentSpecs:
		var arch models.AgentArchitecture
		if err := decodePrior(stage, prior, models.StageArchitectAgents, &arch); err != nil {
			return nil, err
		}
		if len(arch.Agents) == 0 {
			return nil, errors.NewValidationError(stage.Name(), "agents", "agent architecture has no agents")
		}
		return AgentSpecInput{SOPTitle: sop.Title, Agents: arch.Agents}, nil

	default:
		generated, err := priorSOP(stage, prior)
		if err != nil {
			return nil, err
		}
		var bundle models.AgentSpecBundle
		if err := decodePrior(stage, prior, models.StageGenerateAgentSpecs, &bundle); err != nil {
			return nil, err
		}
		if len(bundle.Specs) == 0 {
			return nil, errors.NewValidationError(stage.Name(), "specs", "agent spec bundle is empty")
		}
		return JudgeInput{SOPTitle: sop.Title, StepCount: len(generated.Steps), Specs: bundle.Specs}, nil
	}
}

// ValidateSource reports, as a non-recoverable *errors.ValidationError,
// whether sop cannot feed stage at all.
func ValidateSource(stage models.Stage, sop *models.SOP) error {
	if sop == nil {
		return errors.NewBlockingValidationError(stage.Name(), "sop", "source SOP not found")
	}
	if strings.TrimSpace(sop.Title) == "" && strings.TrimSpace(sop.Description) == "" && len(sop.Steps) == 0 {
		return errors.NewBlockingValidationError(stage.Name(), "sop", "source SOP has no title, description or steps")
	}
	return nil
}

func priorSOP(stage models.Stage, prior PriorOutputs) (*models.GeneratedSOP, error) {
	var generated models.GeneratedSOP
	if err := decodePrior(stage, prior, models.StageGenerateSOP, &generated); err != nil {
		return nil, err
	}
	if len(generated.Steps) == 0 {
		return nil, errors.NewValidationError(stage.Name(), "steps", "generated SOP has no steps")
	}
	return &generated, nil
}

func decodePrior(stage models.Stage, prior PriorOutputs, from models.Stage, dst any) error {
	raw, ok := prior[from]
	if !ok || len(raw) == 0 {
		return errors.NewValidationError(stage.Name(), from.Slug(), "missing output of "+from.Name())
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errors.NewValidationError(stage.Name(), from.Slug(),
			fmt.Sprintf("output of %s is malformed: %v", from.Name(), err))
	}
	return nil
}
