package repository

import (
	"context"
	"fmt"
	"time"

	"sopforge/backend/pkg/models"
)

// GetActivePrompt returns the active override for slug.
func (s *Store) GetActivePrompt(ctx context.Context, slug string) (*models.PromptVersion, error) {
	var p models.PromptVersion
	err := s.db.queryRow(ctx, `SELECT slug, version, body, active, created_by, created_at
		FROM prompt_versions WHERE slug = ? AND active = ?
		ORDER BY version DESC LIMIT 1`, slug, true).
		Scan(&p.Slug, &p.Version, &p.Body, &p.Active, &p.CreatedBy, &p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("prompt %s: %w", slug, notFound(err))
	}
	return &p, nil
}

// SavePromptVersion stores p as the newest active version of its slug.
func (s *Store) SavePromptVersion(ctx context.Context, p *models.PromptVersion) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	return s.db.inTx(ctx, func(tx executor) error {
		var last int
		if err := tx.queryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM prompt_versions WHERE slug = ?`,
			p.Slug).Scan(&last); err != nil {
			return err
		}
		if _, err := tx.exec(ctx, `UPDATE prompt_versions SET active = ? WHERE slug = ?`, false, p.Slug); err != nil {
			return err
		}
		p.Version = last + 1
		p.Active = true
		_, err := tx.exec(ctx, `INSERT INTO prompt_versions (slug, version, body, active, created_by, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`, p.Slug, p.Version, p.Body, true, p.CreatedBy, p.CreatedAt.UTC())
		return err
	})
}
