package notify

import (
	"fmt"

	"sopforge/backend/internal/events"
	"sopforge/backend/pkg/models"
)

// RunLink is the UI path of a pipeline run.
func RunLink(runID string) string { return "/pipeline/runs/" + runID }

// RequestLink is the UI path of a council request.
func RequestLink(requestID string) string { return "/council/requests/" + requestID }

func (d *Dispatcher) runNotification(e events.RunEvent) models.Notification {
	n := models.Notification{
		OrganizationID: e.OrganizationID,
		Type:           models.NotificationType(e.EventType()),
		Link:           RunLink(e.RunID),
	}
	switch e.EventType() {
	case events.RunCompleted:
		n.Title = "Pipeline run completed"
		n.Description = "The agent specification is ready for deployment."
	case events.RunFailed:
		n.Title = "Pipeline run failed"
		n.Description = fmt.Sprintf("Stopped at %s: %s", e.Stage.Name(), e.Reason)
	case events.RunBlocked:
		n.Title = "Pipeline run blocked"
		n.Description = fmt.Sprintf("%s cannot run until the source SOP is fixed: %s", e.Stage.Name(), e.Reason)
	case events.RunAwaitingCouncil:
		n.Title = "Pipeline run awaiting council"
		n.Description = fmt.Sprintf("%s output needs council approval.", e.Stage.Name())
		if e.CouncilRequestID != "" {
			n.Link = RequestLink(e.CouncilRequestID)
		}
	}
	return n
}

func (d *Dispatcher) councilNotification(e events.CouncilEvent) models.Notification {
	n := models.Notification{
		OrganizationID: e.OrganizationID,
		Type:           models.NotificationType(e.EventType()),
		Link:           RequestLink(e.RequestID),
	}
	switch e.EventType() {
	case events.CouncilRequestCreated:
		n.Title = "New council request"
		n.Description = fmt.Sprintf("%q is open for votes.", e.Title)
	case events.CouncilRequestResolved:
		n.Title = "Council request " + string(e.Status)
		n.Description = fmt.Sprintf("%q was %s (%d approve, %d reject, %d abstain).",
			e.Title, string(e.Status), e.Tally.Up, e.Tally.Down, e.Tally.Abstain)
	}
	return n
}
