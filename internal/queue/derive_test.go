package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/xelth-com/ecosyncgo/internal/models"
)

func TestEstimateWeightKg(t *testing.T) {
	assert.Equal(t, 0.0, EstimateWeightKg(nil))
	assert.InDelta(t, 0.05+0.35, EstimateWeightKg(map[string]int{"plastic_bottle": 2, "glass_bottle": 1}), 1e-9)
	// unknown categories weigh as "other"
	assert.InDelta(t, 0.15, EstimateWeightKg(map[string]int{"mystery": 3}), 1e-9)
}

func TestRewardPoints(t *testing.T) {
	sub := &models.PendingSubmission{
		Severity:   2,
		MediaPath:  "photo.jpg",
		ItemCounts: map[string]int{"can": 3, "other": 1},
	}
	assert.Equal(t, 4*pointsPerItem+2*pointsPerSeverity+pointsForPhoto, RewardPoints(sub))

	sub.MediaPath = ""
	assert.Equal(t, 4*pointsPerItem+2*pointsPerSeverity, RewardPoints(sub))

	sub.IsFlagged = true
	assert.Equal(t, 0, RewardPoints(sub))
}

func TestApplyDerivedKeepsProvidedValues(t *testing.T) {
	sub := &models.PendingSubmission{Severity: 1, ItemCounts: map[string]int{"tire": 1}, Points: 99}
	applyDerived(sub)
	assert.InDelta(t, 9.0, sub.TotalWeightKg, 1e-9)
	assert.Equal(t, 99, sub.Points)
}
