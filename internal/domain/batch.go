package domain

import (
	"time"

	"github.com/google/uuid"
)

// TestBatch is a named group of channel instances created by one
// allocation run. Only one batch runs at a time; slots are reusable
// across batches.
type TestBatch struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	Sequence  int                `json:"sequence"`
	CreatedAt time.Time          `json:"created_at"`
	Instances []*ChannelInstance `json:"instances"`
}

// NewTestBatch creates an empty batch with the given display name and
// 1-based sequence number within the allocation run.
func NewTestBatch(name string, sequence int) *TestBatch {
	return &TestBatch{
		ID:        uuid.NewString(),
		Name:      name,
		Sequence:  sequence,
		CreatedAt: time.Now(),
	}
}

// BatchSummary holds aggregate counts derived from a batch's instances.
// It is computed on demand, never stored as ground truth.
type BatchSummary struct {
	Total   int `json:"total"`
	Tested  int `json:"tested"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Summary derives the aggregate counts from the batch's instances.
func (b *TestBatch) Summary() BatchSummary {
	s := BatchSummary{Total: len(b.Instances)}
	for _, inst := range b.Instances {
		switch inst.Overall {
		case StatusTestCompletedPassed:
			s.Passed++
			s.Tested++
		case StatusTestCompletedFailed:
			s.Failed++
			s.Tested++
		case StatusSkipped:
			s.Skipped++
		case StatusNotTested, StatusWiringConfirmationRequired, StatusWiringConfirmed:
			// not started
		default:
			s.Tested++
		}
	}
	return s
}

// Terminal reports whether every instance reached a terminal status.
func (b *TestBatch) Terminal() bool {
	for _, inst := range b.Instances {
		if !inst.Overall.IsTerminal() {
			return false
		}
	}
	return len(b.Instances) > 0
}

// Instance returns the instance with the given id, or nil.
func (b *TestBatch) Instance(id string) *ChannelInstance {
	for _, inst := range b.Instances {
		if inst.ID == id {
			return inst
		}
	}
	return nil
}

// AllocationError records one definition that could not be allocated.
type AllocationError struct {
	Tag    string `json:"tag"`
	Reason string `json:"reason"`
}

// AllocationSummary reports the outcome of one allocation run.
type AllocationSummary struct {
	Total     int                `json:"total"`
	Allocated int                `json:"allocated"`
	Batches   int                `json:"batches"`
	PerType   map[ModuleType]int `json:"per_type"`
	Errors    []AllocationError  `json:"errors,omitempty"`
}
