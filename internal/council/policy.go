package council

import (
	"fmt"

	"sopforge/backend/pkg/models"
)

// Evaluate applies the consensus policy to a tally. A side wins once it
// leads and holds at least quorum votes. After the deadline the leading
// side wins outright and ties approve. Abstentions never decide.
func Evaluate(requestID string, tally models.VoteTally, quorum int, deadlinePassed bool) models.Verdict {
	v := models.Verdict{RequestID: requestID, Tally: tally, Status: models.RequestStatusVoting}
	switch {
	case tally.Up > tally.Down && tally.Up >= quorum:
		v.Status = models.RequestStatusApproved
		v.Reason = fmt.Sprintf("approved with %d of %d required votes", tally.Up, quorum)
	case tally.Down > tally.Up && tally.Down >= quorum:
		v.Status = models.RequestStatusRejected
		v.Reason = fmt.Sprintf("rejected with %d of %d required votes", tally.Down, quorum)
	case deadlinePassed && tally.Up >= tally.Down:
		v.Status = models.RequestStatusApproved
		v.Reason = fmt.Sprintf("deadline elapsed with %d approve, %d reject", tally.Up, tally.Down)
	case deadlinePassed:
		v.Status = models.RequestStatusRejected
		v.Reason = fmt.Sprintf("deadline elapsed with %d approve, %d reject", tally.Up, tally.Down)
	}
	return v
}
