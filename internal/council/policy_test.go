package council

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"sopforge/backend/pkg/models"
)

func TestEvaluate(t *testing.T) {
	const quorum = 3
	tests := []struct {
		name     string
		tally    models.VoteTally
		deadline bool
		want     models.RequestStatus
	}{
		{"quorum minus one", models.VoteTally{Up: 2}, false, models.RequestStatusVoting},
		{"quorum reached", models.VoteTally{Up: 3}, false, models.RequestStatusApproved},
		{"quorum plus one", models.VoteTally{Up: 4, Down: 1}, false, models.RequestStatusApproved},
		{"reject at quorum", models.VoteTally{Up: 1, Down: 3}, false, models.RequestStatusRejected},
		{"reject below quorum", models.VoteTally{Down: 2}, false, models.RequestStatusVoting},
		{"tie at quorum", models.VoteTally{Up: 3, Down: 3}, false, models.RequestStatusVoting},
		{"abstentions never decide", models.VoteTally{Abstain: 5}, false, models.RequestStatusVoting},
		{"scenario B before deadline", models.VoteTally{Up: 2, Down: 1}, false, models.RequestStatusVoting},
		{"scenario B at deadline", models.VoteTally{Up: 2, Down: 1}, true, models.RequestStatusApproved},
		{"deadline tie approves", models.VoteTally{Up: 1, Down: 1}, true, models.RequestStatusApproved},
		{"deadline without votes approves", models.VoteTally{}, true, models.RequestStatusApproved},
		{"deadline reject lead", models.VoteTally{Up: 1, Down: 2}, true, models.RequestStatusRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Evaluate("req-1", tt.tally, quorum, tt.deadline)
			assert.Equal(t, tt.want, v.Status)
			assert.Equal(t, tt.tally, v.Tally)
			assert.Equal(t, "req-1", v.RequestID)
		})
	}
}
