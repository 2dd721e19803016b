package models

import "time"

// RequestStatus is the governance state of a council request
type RequestStatus string

const (
	RequestStatusPending  RequestStatus = "PENDING"
	RequestStatusVoting   RequestStatus = "VOTING"
	RequestStatusApproved RequestStatus = "APPROVED"
	RequestStatusRejected RequestStatus = "REJECTED"
)

// IsDecided returns true once a verdict has been recorded.
func (s RequestStatus) IsDecided() bool {
	return s == RequestStatusApproved || s == RequestStatusRejected
}

// RequestType classifies what a council request asks the council to decide
type RequestType string

const (
	RequestTypePipelineGate  RequestType = "PIPELINE_GATE"
	RequestTypeQualityReview RequestType = "QUALITY_REVIEW"
	RequestTypePolicyChange  RequestType = "POLICY_CHANGE"
	RequestTypeGeneral       RequestType = "GENERAL"
)

// Decision is one member's vote
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
	DecisionAbstain Decision = "ABSTAIN"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject || d == DecisionAbstain
}

// CouncilRequest is a governance item, optionally linked to a pipeline run
type CouncilRequest struct {
	ID             string        `json:"id" db:"id"`
	OrganizationID string        `json:"organization_id" db:"organization_id"`
	Title          string        `json:"title" db:"title"`
	Description    string        `json:"description,omitempty" db:"description"`
	Type           RequestType   `json:"type" db:"type"`
	Status         RequestStatus `json:"status" db:"status"`
	CreatedByID    string        `json:"created_by_id" db:"created_by_id"`
	RunID          *string       `json:"run_id,omitempty" db:"run_id"`
	StageIndex     *Stage        `json:"stage_index,omitempty" db:"stage_index"`
	Quorum         int           `json:"quorum" db:"quorum"`
	VotingDeadline *time.Time    `json:"voting_deadline,omitempty" db:"voting_deadline"`
	ResolvedAt     *time.Time    `json:"resolved_at,omitempty" db:"resolved_at"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
}

// CouncilVote is one member's decision on a request. There is at most one
// vote per (RequestID, UserID).
type CouncilVote struct {
	RequestID string    `json:"request_id" db:"request_id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Decision  Decision  `json:"decision" db:"decision"`
	CastAt    time.Time `json:"cast_at" db:"cast_at"`
}

// VoteTally aggregates the votes on a request
type VoteTally struct {
	Up      int `json:"up"`
	Down    int `json:"down"`
	Abstain int `json:"abstain"`
}

// Voters returns the number of distinct members that voted.
func (t VoteTally) Voters() int {
	return t.Up + t.Down + t.Abstain
}

// TallyVotes counts decisions in votes.
func TallyVotes(votes []CouncilVote) VoteTally {
	var tally VoteTally
	for _, v := range votes {
		switch v.Decision {
		case DecisionApprove:
			tally.Up++
		case DecisionReject:
			tally.Down++
		case DecisionAbstain:
			tally.Abstain++
		}
	}
	return tally
}

// Verdict is the outcome of evaluating a request against the council policy
type Verdict struct {
	RequestID string        `json:"request_id"`
	Status    RequestStatus `json:"status"`
	Tally     VoteTally     `json:"tally"`
	Reason    string        `json:"reason,omitempty"`
}

// Decided reports whether the verdict finalised the request.
func (v Verdict) Decided() bool {
	return v.Status.IsDecided()
}
