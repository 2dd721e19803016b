package stages

import (
	"context"
	"encoding/json"
	"time"

	"sopforge/backend/internal/prompts"
	"sopforge/backend/pkg/models"
)

type staticPrompts struct{}

func (staticPrompts) Resolve(_ context.Context, slug string) (prompts.Prompt, error) {
	return prompts.Prompt{Slug: slug, Text: "prompt for " + slug, Version: 2}, nil
}

func invoiceSOP() *models.SOP {
	return &models.SOP{
		ID:          "sop-1",
		Title:       "Invoice approval",
		Description: "Approve supplier invoices",
		Steps: []models.SOPStep{
			{Order: 1, Title: "Receive invoice", Actor: "Clerk"},
			{Order: 2, Title: "Approve invoice", Actor: "Manager"},
		},
		LinkedAutomations: 1,
		UpdatedAt:         testNow.Add(-10 * 24 * time.Hour),
	}
}

const (
	generatedJSON = `{"title":"Invoice approval","steps":[{"order":1,"title":"Receive invoice","actor":"Clerk"},{"order":2,"title":"Approve invoice","actor":"Manager"},{"order":3,"title":"Pay invoice","actor":"Finance","automated":true}],"confidence":0.9}`
	auditJSON     = `{"scores":{"Defects":0,"Inventory":1,"Motion":5,"Overprocessing":0,"Overproduction":0,"Transport":2,"Waiting":4},"total_score":12,"findings":[]}`
	agentsJSON    = `{"agents":[{"name":"Intake Agent","role":"Receives invoices","responsibilities":["Receive invoice"],"steps":[1]}],"rationale":"one"}`
	specsJSON     = `{"specs":[{"name":"Intake Agent","system_prompt":"You receive invoices.","tools":["email"]}]}`
)

func allPrior() PriorOutputs {
	return PriorOutputs{
		models.StageGenerateSOP:        json.RawMessage(generatedJSON),
		models.StageAuditWaste:         json.RawMessage(auditJSON),
		models.StageArchitectAgents:    json.RawMessage(agentsJSON),
		models.StageGenerateAgentSpecs: json.RawMessage(specsJSON),
	}
}
