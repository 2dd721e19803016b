package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"sopforge/backend/pkg/models"
)

// CreateOrganization inserts an organization, assigning an id when empty.
func (s *Store) CreateOrganization(ctx context.Context, org *models.Organization) error {
	if org.ID == "" {
		org.ID = uuid.NewString()
	}
	if org.CreatedAt.IsZero() {
		org.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.exec(ctx, `INSERT INTO organizations (id, name, domain, created_at) VALUES (?, ?, ?, ?)`,
		org.ID, org.Name, strings.ToLower(org.Domain), org.CreatedAt.UTC())
	return err
}

// GetOrganizationByDomain looks an organization up by its email domain.
func (s *Store) GetOrganizationByDomain(ctx context.Context, domain string) (*models.Organization, error) {
	var org models.Organization
	err := s.db.queryRow(ctx, `SELECT id, name, domain, created_at FROM organizations WHERE domain = ?`,
		strings.ToLower(domain)).Scan(&org.ID, &org.Name, &org.Domain, &org.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("organization %s: %w", domain, notFound(err))
	}
	return &org, nil
}

// UpsertMember inserts a member or updates its role and profile.
func (s *Store) UpsertMember(ctx context.Context, member *models.Member) error {
	if member.UserID == "" {
		member.UserID = uuid.NewString()
	}
	if member.CreatedAt.IsZero() {
		member.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.exec(ctx, `INSERT INTO members (user_id, organization_id, email, display_name, role, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET email = excluded.email, display_name = excluded.display_name,
			role = excluded.role`,
		member.UserID, member.OrganizationID, strings.ToLower(member.Email), member.DisplayName,
		string(member.Role), member.CreatedAt.UTC())
	return err
}

// GetMemberByEmail resolves a session email to a member.
func (s *Store) GetMemberByEmail(ctx context.Context, email string) (*models.Member, error) {
	var m models.Member
	err := s.db.queryRow(ctx, `SELECT user_id, organization_id, email, display_name, role, created_at
		FROM members WHERE email = ?`, strings.ToLower(email)).
		Scan(&m.UserID, &m.OrganizationID, &m.Email, &m.DisplayName, &m.Role, &m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("member %s: %w", email, notFound(err))
	}
	return &m, nil
}

// ListMembers lists an organization's members.
func (s *Store) ListMembers(ctx context.Context, orgID string) ([]*models.Member, error) {
	rs, err := s.db.query(ctx, `SELECT user_id, organization_id, email, display_name, role, created_at
		FROM members WHERE organization_id = ? ORDER BY email`, orgID)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	var members []*models.Member
	for rs.Next() {
		var m models.Member
		if err := rs.Scan(&m.UserID, &m.OrganizationID, &m.Email, &m.DisplayName, &m.Role, &m.CreatedAt); err != nil {
			return nil, err
		}
		members = append(members, &m)
	}
	return members, rs.Err()
}

// CreateSOP inserts a source procedure.
func (s *Store) CreateSOP(ctx context.Context, sop *models.SOP) error {
	if sop.ID == "" {
		sop.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if sop.CreatedAt.IsZero() {
		sop.CreatedAt = now
	}
	if sop.UpdatedAt.IsZero() {
		sop.UpdatedAt = now
	}
	steps := sop.Steps
	if steps == nil {
		steps = []models.SOPStep{}
	}
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("failed to encode sop steps: %w", err)
	}
	_, err = s.db.exec(ctx, `INSERT INTO sops (id, organization_id, title, description, steps, linked_automations,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sop.ID, sop.OrganizationID, sop.Title, sop.Description, string(stepsJSON), sop.LinkedAutomations,
		sop.CreatedAt.UTC(), sop.UpdatedAt.UTC())
	return err
}

// GetSOP retrieves a source procedure scoped to its organization.
func (s *Store) GetSOP(ctx context.Context, orgID, sopID string) (*models.SOP, error) {
	var (
		sop   models.SOP
		steps []byte
	)
	err := s.db.queryRow(ctx, `SELECT id, organization_id, title, description, steps, linked_automations,
			created_at, updated_at
		FROM sops WHERE id = ? AND organization_id = ?`, sopID, orgID).
		Scan(&sop.ID, &sop.OrganizationID, &sop.Title, &sop.Description, &steps, &sop.LinkedAutomations,
			&sop.CreatedAt, &sop.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("sop %s: %w", sopID, notFound(err))
	}
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &sop.Steps); err != nil {
			return nil, fmt.Errorf("sop %s: failed to decode steps: %w", sopID, err)
		}
	}
	return &sop, nil
}
