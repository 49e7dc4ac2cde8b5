package queue

import "github.com/xelth-com/ecosyncgo/internal/models"

// unitWeightsKg are average item weights per detector category
var unitWeightsKg = map[string]float64{
	"plastic_bottle": 0.025,
	"plastic_bag":    0.008,
	"can":            0.015,
	"glass_bottle":   0.35,
	"cardboard":      0.12,
	"cigarette_butt": 0.0002,
	"food_wrapper":   0.005,
	"tire":           9.0,
	"other":          0.05,
}

const (
	pointsPerItem     = 10
	pointsPerSeverity = 5
	pointsForPhoto    = 20
)

// EstimateWeightKg sums count times unit weight; unknown categories weigh as "other"
func EstimateWeightKg(counts map[string]int) float64 {
	total := 0.0
	for category, n := range counts {
		w, ok := unitWeightsKg[category]
		if !ok {
			w = unitWeightsKg["other"]
		}
		total += float64(n) * w
	}
	return total
}

// RewardPoints scores a submission. Flagged submissions earn nothing until reviewed.
func RewardPoints(sub *models.PendingSubmission) int {
	if sub.IsFlagged {
		return 0
	}
	points := sub.TotalItems()*pointsPerItem + sub.Severity*pointsPerSeverity
	if sub.MediaPath != "" {
		points += pointsForPhoto
	}
	return points
}

// applyDerived fills computed fields the capture flow left empty
func applyDerived(sub *models.PendingSubmission) {
	if sub.TotalWeightKg == 0 {
		sub.TotalWeightKg = EstimateWeightKg(sub.ItemCounts)
	}
	if sub.Points == 0 {
		sub.Points = RewardPoints(sub)
	}
}
