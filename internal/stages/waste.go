package stages

import (
	"math"
	"strings"
	"time"

	"sopforge/backend/pkg/models"
)

const (
	// overprocessingBaseline is the step count above which steps count as overprocessing.
	overprocessingBaseline = 8
	// staleAfter marks a procedure as a defect risk when it was last updated longer ago.
	staleAfter = 180 * 24 * time.Hour
	maxCategoryScore = 10
)

// Signals are the structural facts the waste scores derive from.
type Signals struct {
	StepCount           int `json:"step_count"`
	HandOffs            int `json:"hand_offs"`
	Automations         int `json:"automations"`
	ManualSteps         int `json:"manual_steps"`
	DistinctActors      int `json:"distinct_actors"`
	DuplicateTitles     int `json:"duplicate_titles"`
	StepsBeyondBaseline int `json:"steps_beyond_baseline"`
	StaleIndicators     int `json:"stale_indicators"`
}

// wasteRule maps one signal to a category score.
type wasteRule struct {
	category models.WasteCategory
	signal   func(Signals) int
	weight   float64
}

var wasteRules = []wasteRule{
	{models.WasteTransport, func(s Signals) int { return s.HandOffs }, 0.8},
	{models.WasteInventory, func(s Signals) int { return s.ManualSteps }, 0.4},
	{models.WasteMotion, func(s Signals) int { return s.DistinctActors }, 1.5},
	{models.WasteWaiting, func(s Signals) int { return s.StepCount }, 1.2},
	{models.WasteOverproduction, func(s Signals) int { return s.DuplicateTitles }, 2.0},
	{models.WasteOverprocessing, func(s Signals) int { return s.StepsBeyondBaseline }, 0.75},
	{models.WasteDefects, func(s Signals) int { return s.StaleIndicators }, 0.8},
}

// ComputeSignals derives structural signals from ordered steps. automations
// is the number of automations linked to the source SOP; steps flagged as
// automated count too when they outnumber the linked automations.
func ComputeSignals(steps []models.ProcedureStep, automations int, lastUpdated, now time.Time) Signals {
	s := Signals{StepCount: len(steps)}

	automated := 0
	actors := make(map[string]struct{})
	titles := make(map[string]int)
	prevActor := ""
	for i, step := range steps {
		if step.Automated {
			automated++
		}
		actor := strings.ToLower(strings.TrimSpace(step.Actor))
		if actor != "" {
			actors[actor] = struct{}{}
			if i > 0 && prevActor != "" && actor != prevActor {
				s.HandOffs++
			}
			prevActor = actor
		}
		title := strings.ToLower(strings.Join(strings.Fields(step.Title), " "))
		if title != "" {
			titles[title]++
		}
	}

	s.Automations = max(automations, automated)
	s.ManualSteps = max(s.StepCount-s.Automations, 0)
	s.DistinctActors = len(actors)
	for _, n := range titles {
		if n > 1 {
			s.DuplicateTitles += n - 1
		}
	}
	s.StepsBeyondBaseline = max(s.StepCount-overprocessingBaseline, 0)
	if !lastUpdated.IsZero() && now.Sub(lastUpdated) > staleAfter {
		s.StaleIndicators = 1
	}
	return s
}

// ScoreWaste scores every category 0–10 as signal × weight, rounded half
// away from zero and clamped.
func ScoreWaste(s Signals) map[models.WasteCategory]int {
	scores := make(map[models.WasteCategory]int, len(wasteRules))
	for _, rule := range wasteRules {
		v := int(math.Round(float64(rule.signal(s)) * rule.weight))
		scores[rule.category] = min(max(v, 0), maxCategoryScore)
	}
	return scores
}

// TotalScore sums the category scores.
func TotalScore(scores map[models.WasteCategory]int) int {
	total := 0
	for _, v := range scores {
		total += v
	}
	return total
}
