// Package events carries pipeline and council state changes to interested
// components without direct dependencies between them.
package events

import (
	"time"

	"sopforge/backend/pkg/models"
)

// Event types. They double as notification types.
const (
	RunStarted             = string(models.NotificationRunStarted)
	RunStageCompleted      = string(models.NotificationStageCompleted)
	RunAwaitingCouncil     = string(models.NotificationAwaitingCouncil)
	RunBlocked             = string(models.NotificationRunBlocked)
	RunCompleted           = string(models.NotificationRunCompleted)
	RunFailed              = string(models.NotificationRunFailed)
	CouncilRequestCreated  = string(models.NotificationCouncilRequest)
	CouncilRequestResolved = string(models.NotificationCouncilResolved)
)

// Event is implemented by everything published on the Bus.
type Event interface {
	// EventType returns the "category.action" identifier.
	EventType() string
	Timestamp() time.Time
	// Organization returns the tenant the event belongs to.
	Organization() string
}

type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{eventType: eventType, timestamp: time.Now().UTC()}
}

// RunEvent reports a committed pipeline run transition.
type RunEvent struct {
	baseEvent
	OrganizationID   string
	RunID            string
	SOPID            string
	CreatedByID      string
	ActorID          string // user that triggered the transition; empty for system work
	Stage            models.Stage
	Status           models.RunStatus
	Reason           string
	CouncilRequestID string
	Degraded         bool
}

func (e RunEvent) Organization() string { return e.OrganizationID }

// NewRunEvent creates a RunEvent from the run as committed.
func NewRunEvent(eventType string, run *models.PipelineRun, actorID string) RunEvent {
	e := RunEvent{
		baseEvent:      newBaseEvent(eventType),
		OrganizationID: run.OrganizationID,
		RunID:          run.ID,
		SOPID:          run.SOPID,
		CreatedByID:    run.CreatedByID,
		ActorID:        actorID,
		Stage:          run.CurrentStage,
		Status:         run.Status,
	}
	switch {
	case run.FailureReason != nil:
		e.Reason = *run.FailureReason
	case run.BlockedReason != nil:
		e.Reason = *run.BlockedReason
	}
	if run.CouncilRequestID != nil {
		e.CouncilRequestID = *run.CouncilRequestID
	}
	return e
}

// CouncilEvent reports a council request being opened or decided.
type CouncilEvent struct {
	baseEvent
	OrganizationID string
	RequestID      string
	RunID          string
	Title          string
	Type           models.RequestType
	Status         models.RequestStatus
	ActorID        string
	Tally          models.VoteTally
	Reason         string
}

func (e CouncilEvent) Organization() string { return e.OrganizationID }

// NewCouncilEvent creates a CouncilEvent for req.
func NewCouncilEvent(eventType string, req *models.CouncilRequest, actorID string, verdict *models.Verdict) CouncilEvent {
	e := CouncilEvent{
		baseEvent:      newBaseEvent(eventType),
		OrganizationID: req.OrganizationID,
		RequestID:      req.ID,
		Title:          req.Title,
		Type:           req.Type,
		Status:         req.Status,
		ActorID:        actorID,
	}
	if req.RunID != nil {
		e.RunID = *req.RunID
	}
	if verdict != nil {
		e.Status = verdict.Status
		e.Tally = verdict.Tally
		e.Reason = verdict.Reason
	}
	return e
}
