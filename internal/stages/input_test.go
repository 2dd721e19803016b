package stages

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sopforge/backend/internal/errors"
	"sopforge/backend/pkg/models"
)

func TestBuildInput_SourceSOP(t *testing.T) {
	tests := []struct {
		name string
		sop  *models.SOP
	}{
		{"missing", nil},
		{"empty", &models.SOP{ID: "sop-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildInput(models.StageGenerateSOP, tt.sop, nil, testNow)

			var vErr *errors.ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.False(t, vErr.Recoverable)
			assert.False(t, errors.IsRetryable(err))
		})
	}
}

func TestBuildInput_PriorOutputs(t *testing.T) {
	tests := []struct {
		name  string
		stage models.Stage
		prior PriorOutputs
		field string
	}{
		{"audit without stage 1", models.StageAuditWaste, PriorOutputs{}, "generate-sop"},
		{"audit with malformed stage 1", models.StageAuditWaste,
			PriorOutputs{models.StageGenerateSOP: json.RawMessage(`{"steps":"nope"}`)}, "generate-sop"},
		{"audit with empty stage 1", models.StageAuditWaste,
			PriorOutputs{models.StageGenerateSOP: json.RawMessage(`{"title":"x","steps":[]}`)}, "steps"},
		{"architect without scores", models.StageArchitectAgents, PriorOutputs{
			models.StageGenerateSOP: json.RawMessage(generatedJSON),
			models.StageAuditWaste:  json.RawMessage(`{"findings":[]}`),
		}, "scores"},
		{"specs without agents", models.StageGenerateAgentSpecs,
			PriorOutputs{models.StageArchitectAgents: json.RawMessage(`{"agents":[]}`)}, "agents"},
		{"judge without specs", models.StageJudgeQuality, PriorOutputs{
			models.StageGenerateSOP:        json.RawMessage(generatedJSON),
			models.StageGenerateAgentSpecs: json.RawMessage(`{"specs":[]}`),
		}, "specs"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildInput(tt.stage, invoiceSOP(), tt.prior, testNow)

			var vErr *errors.ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.True(t, vErr.Recoverable)
			assert.Equal(t, tt.field, vErr.Field)
		})
	}
}

func TestBuildInput_UnknownStage(t *testing.T) {
	_, err := BuildInput(models.Stage(9), invoiceSOP(), nil, testNow)
	assert.False(t, errors.IsRetryable(err))
	assert.Error(t, err)
}

func TestBuildInput_DescriptionOnly(t *testing.T) {
	in, err := BuildInput(models.StageGenerateSOP, &models.SOP{Description: "Do the thing"}, nil, testNow)
	require.NoError(t, err)
	assert.Equal(t, "Do the thing", in.(GenerateSOPInput).Description)
}
