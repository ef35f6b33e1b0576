package domain

import "time"

// ChannelProgressEvent is emitted after every state machine transition so
// the UI collaborator can track per-channel progress incrementally.
type ChannelProgressEvent struct {
	BatchID    string        `json:"batch_id"`
	InstanceID string        `json:"instance_id"`
	Tag        string        `json:"tag"`
	Status     OverallStatus `json:"status"`
	Completed  int           `json:"completed"`
	Total      int           `json:"total"`
	Timestamp  time.Time     `json:"timestamp"`
}

// NewProgressEvent builds a progress event from an instance's current state.
func NewProgressEvent(inst *ChannelInstance) ChannelProgressEvent {
	done, total := inst.CompletedItems()
	return ChannelProgressEvent{
		BatchID:    inst.BatchID,
		InstanceID: inst.ID,
		Tag:        inst.Definition.Tag,
		Status:     inst.Overall,
		Completed:  done,
		Total:      total,
		Timestamp:  time.Now(),
	}
}

// BatchSummaryEvent is emitted once when a batch reaches a terminal state.
type BatchSummaryEvent struct {
	BatchID   string       `json:"batch_id"`
	Name      string       `json:"name"`
	Summary   BatchSummary `json:"summary"`
	Timestamp time.Time    `json:"timestamp"`
}
