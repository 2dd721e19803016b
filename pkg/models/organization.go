package models

import (
	"time"
)

type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Domain    string    `json:"domain"`
	CreatedAt time.Time `json:"created_at"`
}

// Role is a member's role within an organization
type Role string

const (
	RoleOwner  Role = "OWNER"
	RoleAdmin  Role = "ADMIN"
	RoleMember Role = "MEMBER"
	RoleViewer Role = "VIEWER"
)

type Member struct {
	UserID         string    `json:"user_id"`
	OrganizationID string    `json:"organization_id"`
	Email          string    `json:"email"`
	DisplayName    string    `json:"display_name"`
	Role           Role      `json:"role"`
	CreatedAt      time.Time `json:"created_at"`
}

// SOPStep is an optional structured step attached to a source SOP
type SOPStep struct {
	Order     int    `json:"order"`
	Title     string `json:"title"`
	Actor     string `json:"actor,omitempty"`
	Automated bool   `json:"automated,omitempty"`
}

// SOP is the source procedure a pipeline run transforms
type SOP struct {
	ID                string    `json:"id"`
	OrganizationID    string    `json:"organization_id"`
	Title             string    `json:"title"`
	Description       string    `json:"description"`
	Steps             []SOPStep `json:"steps,omitempty"`
	LinkedAutomations int       `json:"linked_automations"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// PromptVersion is one stored revision of a stage prompt
type PromptVersion struct {
	Slug      string    `json:"slug"`
	Version   int       `json:"version"`
	Body      string    `json:"body"`
	Active    bool      `json:"active"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}
