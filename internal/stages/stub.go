package stages

import (
	"fmt"
	"strings"

	"sopforge/backend/pkg/models"
)

const degradedNote = "Generated without a language model; review before deployment."

// stubOutput returns the canned payload served when no model is available.
func stubOutput(in Input) any {
	switch in := in.(type) {
	case GenerateSOPInput:
		return models.GeneratedSOP{Title: in.Title, Summary: degradedNote, Steps: stubSteps(in)}

	case AuditWasteInput:
		scores := ScoreWaste(in.Signals)
		return models.WasteAudit{Scores: scores, TotalScore: TotalScore(scores), Findings: []models.WasteFinding{}}

	case ArchitectInput:
		return models.AgentArchitecture{Agents: stubAgents(in.Steps), Rationale: degradedNote}

	case AgentSpecInput:
		specs := make([]models.AgentSpec, 0, len(in.Agents))
		for _, agent := range in.Agents {
			specs = append(specs, models.AgentSpec{
				Name: agent.Name,
				SystemPrompt: fmt.Sprintf("You are %s, the %s for the %q procedure. You are responsible for: %s.",
					agent.Name, agent.Role, in.SOPTitle, strings.Join(agent.Responsibilities, "; ")),
				Guardrails: []string{"Escalate to a human when inputs are incomplete."},
			})
		}
		return models.AgentSpecBundle{Specs: specs}

	case JudgeInput:
		return models.QualityJudgement{
			Score: 0,
			Feedback: models.QualityFeedback{
				Strengths:       []string{},
				Weaknesses:      []string{"Specifications were not reviewed by a model."},
				Recommendations: []string{degradedNote},
			},
		}
	}
	return nil
}

// stubSteps uses the structured SOP steps, else one step per description
// line, else a single step named after the SOP.
func stubSteps(in GenerateSOPInput) []models.ProcedureStep {
	var steps []models.ProcedureStep
	for _, s := range in.Steps {
		steps = append(steps, models.ProcedureStep{Title: s.Title, Actor: s.Actor, Automated: s.Automated})
	}
	if len(steps) == 0 {
		for _, line := range strings.Split(in.Description, "\n") {
			line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*0123456789.)"))
			if line != "" {
				steps = append(steps, models.ProcedureStep{Title: line})
			}
		}
	}
	if len(steps) == 0 {
		steps = append(steps, models.ProcedureStep{Title: in.Title})
	}
	for i := range steps {
		steps[i].Order = i + 1
	}
	return steps
}

// stubAgents proposes one agent per actor, in order of first appearance.
func stubAgents(steps []models.ProcedureStep) []models.AgentBlueprint {
	var agents []models.AgentBlueprint
	index := map[string]int{}
	for _, step := range steps {
		actor := strings.TrimSpace(step.Actor)
		if actor == "" {
			actor = "Operator"
		}
		i, ok := index[actor]
		if !ok {
			i = len(agents)
			index[actor] = i
			agents = append(agents, models.AgentBlueprint{
				Name: actor + " Agent",
				Role: "Performs the steps owned by " + actor,
			})
		}
		agents[i].Responsibilities = append(agents[i].Responsibilities, step.Title)
		agents[i].Steps = append(agents[i].Steps, step.Order)
	}
	return agents
}
