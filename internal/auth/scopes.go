package auth

import "sopforge/backend/pkg/models"

const (
	ScopeOpenID  = "openid"
	ScopeProfile = "profile"
	ScopeEmail   = "email"
	ScopeRead    = "sopforge:read"
	ScopeWrite   = "sopforge:write"
)

// AllScopes defines the full set of scopes used by the Swagger UI / Frontend
var AllScopes = []string{
	ScopeOpenID,
	ScopeProfile,
	ScopeEmail,
	ScopeRead,
	ScopeWrite,
}

// Capability names an action a role may perform.
type Capability string

const (
	CapRunPipeline   Capability = "run_pipeline"
	CapCancelRun     Capability = "cancel_run"
	CapPropose       Capability = "propose"
	CapVote          Capability = "vote"
	CapManagePrompts Capability = "manage_prompts"
)

var roleCapabilities = map[models.Role][]Capability{
	models.RoleOwner:  {CapRunPipeline, CapCancelRun, CapPropose, CapVote, CapManagePrompts},
	models.RoleAdmin:  {CapRunPipeline, CapCancelRun, CapPropose, CapVote, CapManagePrompts},
	models.RoleMember: {CapRunPipeline, CapCancelRun, CapPropose, CapVote},
	models.RoleViewer: nil,
}

// RoleCan reports whether role grants capability.
func RoleCan(role models.Role, capability Capability) bool {
	for _, c := range roleCapabilities[role] {
		if c == capability {
			return true
		}
	}
	return false
}
