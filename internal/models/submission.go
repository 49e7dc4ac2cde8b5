package models

import "time"

// SyncState is the position of a queued submission in the sync state machine
type SyncState string

const (
	SyncStatePending SyncState = "pending"
	SyncStateSyncing SyncState = "syncing"
	SyncStateSynced  SyncState = "synced"
	SyncStateFailed  SyncState = "failed"
)

// Location holds the reverse-geocoded locality of a report
type Location struct {
	Address string `json:"address,omitempty"`
	City    string `json:"city,omitempty"`
	Region  string `json:"region,omitempty"`
	Country string `json:"country,omitempty"`
}

// PendingSubmission is a locally durable report that the backend has not confirmed yet
type PendingSubmission struct {
	ID        string `json:"id"`
	Seq       int64  `json:"seq"`
	MediaPath string `json:"media_path,omitempty"`

	PollutionType string   `json:"pollution_type"`
	Severity      int      `json:"severity"`
	Notes         string   `json:"notes,omitempty"`
	Latitude      float64  `json:"latitude"`
	Longitude     float64  `json:"longitude"`
	Location      Location `json:"location"`

	// ItemCounts are the user-adjusted per-category counts,
	// AIBaselineCounts what the detector originally reported.
	ItemCounts       map[string]int `json:"item_counts,omitempty"`
	AIBaselineCounts map[string]int `json:"ai_baseline_counts,omitempty"`
	TotalWeightKg    float64        `json:"total_weight_kg"`
	Points           int            `json:"points"`

	IsFlagged     bool     `json:"is_flagged"`
	FraudScore    float64  `json:"fraud_score"`
	FraudWarnings []string `json:"fraud_warnings,omitempty"`
	SceneLabels   []string `json:"scene_labels,omitempty"`
	PeopleCount   int      `json:"people_count"`

	CreatedAt time.Time `json:"created_at"`

	State      SyncState `json:"state"`
	RetryCount int       `json:"retry_count"`
	LastError  *string   `json:"last_error,omitempty"`
}

// SubmissionPayload is what the capture flow hands to the queue
type SubmissionPayload struct {
	MediaPath        string         `json:"media_path,omitempty"`
	PollutionType    string         `json:"pollution_type"`
	Severity         int            `json:"severity"`
	Notes            string         `json:"notes,omitempty"`
	Latitude         float64        `json:"latitude"`
	Longitude        float64        `json:"longitude"`
	Location         Location       `json:"location"`
	ItemCounts       map[string]int `json:"item_counts,omitempty"`
	AIBaselineCounts map[string]int `json:"ai_baseline_counts,omitempty"`
	TotalWeightKg    float64        `json:"total_weight_kg,omitempty"`
	Points           int            `json:"points,omitempty"`
	IsFlagged        bool           `json:"is_flagged"`
	FraudScore       float64        `json:"fraud_score"`
	FraudWarnings    []string       `json:"fraud_warnings,omitempty"`
	SceneLabels      []string       `json:"scene_labels,omitempty"`
	PeopleCount      int            `json:"people_count"`
}

// TotalItems sums the user-adjusted counts
func (s *PendingSubmission) TotalItems() int {
	total := 0
	for _, n := range s.ItemCounts {
		total += n
	}
	return total
}

// SetError records the last failure message; nil clears it
func (s *PendingSubmission) SetError(err error) {
	if err == nil {
		s.LastError = nil
		return
	}
	msg := err.Error()
	s.LastError = &msg
}
