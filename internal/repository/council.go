package repository

import (
	"context"
	"fmt"
	"time"

	"sopforge/backend/internal/errors"
	"sopforge/backend/pkg/models"
)

const requestColumns = `id, organization_id, title, description, type, status, created_by_id, run_id,
	stage_index, quorum, voting_deadline, resolved_at, created_at`

func scanRequest(r row) (*models.CouncilRequest, error) {
	var (
		req   models.CouncilRequest
		stage *int
	)
	err := r.Scan(&req.ID, &req.OrganizationID, &req.Title, &req.Description, &req.Type, &req.Status,
		&req.CreatedByID, &req.RunID, &stage, &req.Quorum, &req.VotingDeadline, &req.ResolvedAt, &req.CreatedAt)
	if err != nil {
		return nil, err
	}
	if stage != nil {
		s := models.Stage(*stage)
		req.StageIndex = &s
	}
	return &req, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// CreateRequest inserts a council request.
func (s *Store) CreateRequest(ctx context.Context, req *models.CouncilRequest) error {
	var stage *int
	if req.StageIndex != nil {
		v := int(*req.StageIndex)
		stage = &v
	}
	_, err := s.db.exec(ctx, `INSERT INTO council_requests (`+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.OrganizationID, req.Title, req.Description, string(req.Type), string(req.Status),
		req.CreatedByID, req.RunID, stage, req.Quorum, utcPtr(req.VotingDeadline), utcPtr(req.ResolvedAt),
		req.CreatedAt.UTC())
	return err
}

// GetRequest retrieves a council request scoped to its organization.
func (s *Store) GetRequest(ctx context.Context, orgID, requestID string) (*models.CouncilRequest, error) {
	req, err := scanRequest(s.db.queryRow(ctx,
		`SELECT `+requestColumns+` FROM council_requests WHERE id = ? AND organization_id = ?`, requestID, orgID))
	if err != nil {
		return nil, fmt.Errorf("council request %s: %w", requestID, notFound(err))
	}
	return req, nil
}

// ListRequests lists the organization's requests, newest first.
func (s *Store) ListRequests(ctx context.Context, orgID string, status models.RequestStatus) ([]*models.CouncilRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM council_requests WHERE organization_id = ?`
	args := []any{orgID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id`
	return s.listRequests(ctx, query, args...)
}

// ListExpiredRequests returns undecided requests whose deadline has passed.
func (s *Store) ListExpiredRequests(ctx context.Context, now time.Time) ([]*models.CouncilRequest, error) {
	return s.listRequests(ctx, `SELECT `+requestColumns+` FROM council_requests
		WHERE status IN (?, ?) AND voting_deadline IS NOT NULL AND voting_deadline <= ?
		ORDER BY voting_deadline`,
		string(models.RequestStatusPending), string(models.RequestStatusVoting), now.UTC())
}

func (s *Store) listRequests(ctx context.Context, query string, args ...any) ([]*models.CouncilRequest, error) {
	rs, err := s.db.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	var reqs []*models.CouncilRequest
	for rs.Next() {
		req, err := scanRequest(rs)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, rs.Err()
}

// UpsertVote records the member's decision keyed by (request, user). The
// write only happens while the request is open and before its deadline;
// otherwise it returns ErrVotingClosed.
func (s *Store) UpsertVote(ctx context.Context, orgID string, vote models.CouncilVote) error {
	castAtExpr := `?`
	if s.db.dialect() == dialectPostgres {
		castAtExpr = `?::timestamptz`
	}
	castAt := vote.CastAt.UTC()
	affected, err := s.db.exec(ctx, `INSERT INTO council_votes (request_id, user_id, decision, cast_at)
		SELECT id, ?, ?, `+castAtExpr+` FROM council_requests
		WHERE id = ? AND organization_id = ? AND status IN (?, ?)
			AND (voting_deadline IS NULL OR voting_deadline > ?)
		ON CONFLICT (request_id, user_id) DO UPDATE SET decision = excluded.decision, cast_at = excluded.cast_at`,
		vote.UserID, string(vote.Decision), castAt, vote.RequestID, orgID,
		string(models.RequestStatusPending), string(models.RequestStatusVoting), castAt)
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("council request %s: %w", vote.RequestID, errors.ErrVotingClosed)
	}
	return nil
}

// ListVotes returns the votes on one of the organization's requests in cast order.
func (s *Store) ListVotes(ctx context.Context, orgID, requestID string) ([]models.CouncilVote, error) {
	rs, err := s.db.query(ctx, `SELECT v.request_id, v.user_id, v.decision, v.cast_at
		FROM council_votes v JOIN council_requests r ON r.id = v.request_id
		WHERE v.request_id = ? AND r.organization_id = ?
		ORDER BY v.cast_at, v.user_id`, requestID, orgID)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	var votes []models.CouncilVote
	for rs.Next() {
		var v models.CouncilVote
		if err := rs.Scan(&v.RequestID, &v.UserID, &v.Decision, &v.CastAt); err != nil {
			return nil, err
		}
		votes = append(votes, v)
	}
	return votes, rs.Err()
}

// UpdateRequestStatus conditionally moves a request to a new status.
func (s *Store) UpdateRequestStatus(ctx context.Context, orgID, requestID string, from []models.RequestStatus, to models.RequestStatus, resolvedAt *time.Time) error {
	if len(from) == 0 {
		return fmt.Errorf("update request %s: no source status", requestID)
	}
	args := []any{string(to), utcPtr(resolvedAt), requestID, orgID}
	for _, st := range from {
		args = append(args, string(st))
	}
	affected, err := s.db.exec(ctx, `UPDATE council_requests SET status = ?, resolved_at = ?
		WHERE id = ? AND organization_id = ? AND status IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("council request %s: %w", requestID, errors.ErrConflict)
	}
	return nil
}
