package models

import (
	"time"
)

// NotificationType mirrors the event that produced the notification
type NotificationType string

const (
	NotificationRunStarted      NotificationType = "run.started"
	NotificationStageCompleted  NotificationType = "run.stage_completed"
	NotificationAwaitingCouncil NotificationType = "run.awaiting_council"
	NotificationRunBlocked      NotificationType = "run.blocked"
	NotificationRunCompleted    NotificationType = "run.completed"
	NotificationRunFailed       NotificationType = "run.failed"
	NotificationCouncilRequest  NotificationType = "council.request_created"
	NotificationCouncilResolved NotificationType = "council.resolved"
)

// Notification is a delivered event. Only the recipient changes it, by
// marking it read.
type Notification struct {
	ID             string           `json:"id" db:"id"`
	OrganizationID string           `json:"organization_id" db:"organization_id"`
	UserID         string           `json:"user_id" db:"user_id"`
	Type           NotificationType `json:"type" db:"type"`
	Title          string           `json:"title" db:"title"`
	Description    string           `json:"description" db:"description"`
	Link           string           `json:"link" db:"link"`
	Read           bool             `json:"read" db:"read_flag"`
	CreatedAt      time.Time        `json:"created_at" db:"created_at"`
}

// HealthStatus represents service health
type HealthStatus struct {
	Status    string            `json:"status"`
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// ProblemDetails represents RFC 7807 Problem Details
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}
