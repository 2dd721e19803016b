package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"recoverable validation", NewValidationError("Audit-Waste", "findings", "missing"), true},
		{"blocking validation", NewBlockingValidationError("Generate-SOP", "sop", "empty"), false},
		{"adapter timeout", NewAdapterError(AdapterTimeout, fmt.Errorf("deadline")), true},
		{"wrapped adapter", fmt.Errorf("stage: %w", NewAdapterError(AdapterQuota, nil)), true},
		{"invalid transition", ErrInvalidTransition, false},
		{"plain", New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestIsCallerFacing(t *testing.T) {
	assert.True(t, IsCallerFacing(InvalidTransitionf("run %s is %s", "r1", "COMPLETED")))
	assert.True(t, IsCallerFacing(PermissionDeniedf("role %s", "VIEWER")))
	assert.True(t, IsCallerFacing(ErrVotingClosed))
	assert.True(t, IsCallerFacing(fmt.Errorf("get run: %w", ErrNotFound)))
	assert.False(t, IsCallerFacing(NewAdapterError(AdapterUpstream, nil)))
	assert.False(t, IsCallerFacing(NewValidationError("Judge-Quality", "score", "out of range")))
}

func TestAdapterErrorMessage(t *testing.T) {
	err := NewAdapterError(AdapterAuth, fmt.Errorf("401"))
	assert.Equal(t, "ai adapter auth: 401", err.Error())
	assert.Equal(t, "ai adapter quota", NewAdapterError(AdapterQuota, nil).Error())
}

func TestValidationErrorMessage(t *testing.T) {
	err := NewValidationError("Judge-Quality", "score", "must be between 0 and 100")
	assert.Equal(t, "validation failed for Judge-Quality (score): must be between 0 and 100", err.Error())
	assert.True(t, err.Recoverable)
}
