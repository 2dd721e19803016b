package repository

import (
	"context"
	"time"

	"sopforge/backend/pkg/models"
)

// RunStore persists pipeline runs and their step history.
type RunStore interface {
	// CreateRun inserts a new run. It returns ErrActiveRunExists when the
	// SOP already has a RUNNING, AWAITING_COUNCIL or BLOCKED run.
	CreateRun(ctx context.Context, run *models.PipelineRun) error
	// GetRun retrieves a run scoped to its organization.
	GetRun(ctx context.Context, orgID, runID string) (*models.PipelineRun, error)
	// ListRuns lists the organization's runs, newest first. An empty sopID lists all.
	ListRuns(ctx context.Context, orgID, sopID string) ([]*models.PipelineRun, error)
	// ApplyTransition conditionally updates the run and appends the step
	// record in one transaction. It returns ErrConflict when the run no
	// longer matches the expected stage, status and version.
	ApplyTransition(ctx context.Context, tr models.RunTransition) (*models.PipelineRun, error)
	// ListSteps returns the run's step records ordered by sequence.
	ListSteps(ctx context.Context, orgID, runID string) ([]*models.StepRecord, error)
}

// CouncilStore persists council requests and votes.
type CouncilStore interface {
	CreateRequest(ctx context.Context, req *models.CouncilRequest) error
	GetRequest(ctx context.Context, orgID, requestID string) (*models.CouncilRequest, error)
	// ListRequests lists the organization's requests, newest first. An empty status lists all.
	ListRequests(ctx context.Context, orgID string, status models.RequestStatus) ([]*models.CouncilRequest, error)
	// UpsertVote records the member's decision, replacing any earlier vote.
	// It returns ErrVotingClosed when the request is decided or past its deadline.
	UpsertVote(ctx context.Context, orgID string, vote models.CouncilVote) error
	ListVotes(ctx context.Context, orgID, requestID string) ([]models.CouncilVote, error)
	// UpdateRequestStatus moves the request to status only if its current
	// status is one of from. It returns ErrConflict otherwise.
	UpdateRequestStatus(ctx context.Context, orgID, requestID string, from []models.RequestStatus, to models.RequestStatus, resolvedAt *time.Time) error
	// ListExpiredRequests returns undecided requests of every organization
	// whose voting deadline is at or before now.
	ListExpiredRequests(ctx context.Context, now time.Time) ([]*models.CouncilRequest, error)
}

// NotificationStore persists delivered notifications.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *models.Notification) error
	// CreateOrganizationNotifications delivers a copy of n to every member of
	// n.OrganizationID except excludeUserID with a single insert. It returns
	// the number of notifications created.
	CreateOrganizationNotifications(ctx context.Context, n models.Notification, excludeUserID string) (int, error)
	ListNotifications(ctx context.Context, orgID, userID string, unreadOnly bool) ([]*models.Notification, error)
	MarkNotificationRead(ctx context.Context, orgID, userID, notificationID string) error
}

// OrganizationStore resolves organizations and their members.
type OrganizationStore interface {
	CreateOrganization(ctx context.Context, org *models.Organization) error
	GetOrganizationByDomain(ctx context.Context, domain string) (*models.Organization, error)
	UpsertMember(ctx context.Context, member *models.Member) error
	GetMemberByEmail(ctx context.Context, email string) (*models.Member, error)
	ListMembers(ctx context.Context, orgID string) ([]*models.Member, error)
}

// SOPStore resolves source procedures.
type SOPStore interface {
	CreateSOP(ctx context.Context, sop *models.SOP) error
	GetSOP(ctx context.Context, orgID, sopID string) (*models.SOP, error)
}

// PromptStore persists prompt overrides. Prompts are platform-wide.
type PromptStore interface {
	// GetActivePrompt returns the active version for slug or ErrNotFound.
	GetActivePrompt(ctx context.Context, slug string) (*models.PromptVersion, error)
	// SavePromptVersion stores p as the new active version and sets p.Version.
	SavePromptVersion(ctx context.Context, p *models.PromptVersion) error
}

// Repository aggregates every store used by the service.
type Repository interface {
	RunStore
	CouncilStore
	NotificationStore
	OrganizationStore
	SOPStore
	PromptStore

	Ping(ctx context.Context) error
	Close()
}
