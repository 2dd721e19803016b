package models

// ProcedureStep is one ordered step of a generated SOP (stage 1 output)
type ProcedureStep struct {
	Order     int    `json:"order"`
	Title     string `json:"title"`
	Actor     string `json:"actor,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Automated bool   `json:"automated,omitempty"`
}

// GeneratedSOP is the stage 1 payload
type GeneratedSOP struct {
	Title      string          `json:"title"`
	Summary    string          `json:"summary,omitempty"`
	Steps      []ProcedureStep `json:"steps"`
	Confidence *float64        `json:"confidence,omitempty"`
}

// WasteCategory is one of the seven Lean waste types
type WasteCategory string

const (
	WasteTransport      WasteCategory = "Transport"
	WasteInventory      WasteCategory = "Inventory"
	WasteMotion         WasteCategory = "Motion"
	WasteWaiting        WasteCategory = "Waiting"
	WasteOverproduction WasteCategory = "Overproduction"
	WasteOverprocessing WasteCategory = "Overprocessing"
	WasteDefects        WasteCategory = "Defects"
)

// AllWasteCategories lists the categories in reporting order
var AllWasteCategories = []WasteCategory{
	WasteTransport,
	WasteInventory,
	WasteMotion,
	WasteWaiting,
	WasteOverproduction,
	WasteOverprocessing,
	WasteDefects,
}

// Valid reports whether c is one of the seven categories.
func (c WasteCategory) Valid() bool {
	for _, known := range AllWasteCategories {
		if c == known {
			return true
		}
	}
	return false
}

// WasteFinding is a single model-reported waste observation
type WasteFinding struct {
	Category    WasteCategory `json:"category"`
	Description string        `json:"description"`
	Steps       []int         `json:"steps,omitempty"`
}

// WasteAudit is the stage 2 payload. Scores are computed locally from
// structural signals; findings come from the model.
type WasteAudit struct {
	Scores     map[WasteCategory]int `json:"scores"`
	TotalScore int                   `json:"total_score"`
	Findings   []WasteFinding        `json:"findings"`
	Confidence *float64              `json:"confidence,omitempty"`
}

// AgentBlueprint is one proposed agent (stage 3)
type AgentBlueprint struct {
	Name             string   `json:"name"`
	Role             string   `json:"role"`
	Responsibilities []string `json:"responsibilities"`
	Steps            []int    `json:"steps,omitempty"`
}

// AgentArchitecture is the stage 3 payload
type AgentArchitecture struct {
	Agents     []AgentBlueprint `json:"agents"`
	Rationale  string           `json:"rationale,omitempty"`
	Confidence *float64         `json:"confidence,omitempty"`
}

// AgentSpec is a deployable agent specification (stage 4)
type AgentSpec struct {
	Name         string   `json:"name"`
	SystemPrompt string   `json:"system_prompt"`
	Tools        []string `json:"tools,omitempty"`
	Inputs       []string `json:"inputs,omitempty"`
	Outputs      []string `json:"outputs,omitempty"`
	Guardrails   []string `json:"guardrails,omitempty"`
}

// AgentSpecBundle is the stage 4 payload
type AgentSpecBundle struct {
	Specs      []AgentSpec `json:"specs"`
	Confidence *float64    `json:"confidence,omitempty"`
}

// QualityFeedback is the structured part of the stage 5 judgement
type QualityFeedback struct {
	Strengths       []string `json:"strengths"`
	Weaknesses      []string `json:"weaknesses"`
	Recommendations []string `json:"recommendations"`
}

// QualityJudgement is the stage 5 payload
type QualityJudgement struct {
	Score      float64         `json:"score"`
	Feedback   QualityFeedback `json:"feedback"`
	Confidence *float64        `json:"confidence,omitempty"`
}
