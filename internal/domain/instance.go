package domain

import (
	"time"

	"github.com/google/uuid"
)

// SubTestResult is the recorded outcome of one sub-test item.
type SubTestResult struct {
	Status    SubTestStatus `json:"status"`
	Expected  *float64      `json:"expected,omitempty"`
	Actual    *float64      `json:"actual,omitempty"`
	Detail    string        `json:"detail,omitempty"`
	UpdatedAt time.Time     `json:"updated_at,omitempty"`
}

// PercentReadings holds the analog read-back values at the five hard-point
// steps. A nil entry means the step never produced a reading.
type PercentReadings struct {
	At0   *float64 `json:"at_0,omitempty"`
	At25  *float64 `json:"at_25,omitempty"`
	At50  *float64 `json:"at_50,omitempty"`
	At75  *float64 `json:"at_75,omitempty"`
	At100 *float64 `json:"at_100,omitempty"`
}

// Set stores a reading for the given percentage step (0, 25, 50, 75, 100).
func (r *PercentReadings) Set(percent int, value float64) {
	v := value
	switch percent {
	case 0:
		r.At0 = &v
	case 25:
		r.At25 = &v
	case 50:
		r.At50 = &v
	case 75:
		r.At75 = &v
	case 100:
		r.At100 = &v
	}
}

// Count returns how many of the five steps produced a reading.
func (r *PercentReadings) Count() int {
	n := 0
	for _, p := range []*float64{r.At0, r.At25, r.At50, r.At75, r.At100} {
		if p != nil {
			n++
		}
	}
	return n
}

// DigitalStep is one entry of the digital hard-point step log.
type DigitalStep struct {
	Name     string    `json:"name"`
	Expected bool      `json:"expected"`
	Actual   bool      `json:"actual"`
	Success  bool      `json:"success"`
	At       time.Time `json:"at"`
}

// ChannelInstance is the mutable unit the core operates on: a definition
// plus its allocation result plus live test state. All mutation goes
// through the state machine.
type ChannelInstance struct {
	ID         string            `json:"id"`
	BatchID    string            `json:"batch_id"`
	Definition ChannelDefinition `json:"definition"`

	// Slot is the bound test-rig channel; preserved across retest
	Slot *TestPlcSlot `json:"slot,omitempty"`

	Overall    OverallStatus                  `json:"overall"`
	SubResults map[SubTestItem]*SubTestResult `json:"sub_results"`

	Readings     PercentReadings `json:"readings"`
	DigitalSteps []DigitalStep   `json:"digital_steps,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	OperatorNotes string `json:"operator_notes,omitempty"`
	ErrorDetail   string `json:"error_detail,omitempty"`
}

// NewChannelInstance creates an instance for a definition inside a batch.
// Sub-test results are initialized by the state machine, not here.
func NewChannelInstance(def ChannelDefinition, batchID string) *ChannelInstance {
	return &ChannelInstance{
		ID:         uuid.NewString(),
		BatchID:    batchID,
		Definition: def,
		Overall:    StatusNotTested,
		SubResults: make(map[SubTestItem]*SubTestResult),
	}
}

// CompletedItems counts sub-test items that reached a terminal status.
func (c *ChannelInstance) CompletedItems() (done, total int) {
	for _, r := range c.SubResults {
		total++
		if r.Status.IsTerminal() {
			done++
		}
	}
	return done, total
}

// RawOutcome is the unevaluated result a test task produces for one
// sub-test of one channel.
type RawOutcome struct {
	InstanceID string      `json:"instance_id"`
	Item       SubTestItem `json:"item"`
	Success    bool        `json:"success"`

	// Cancelled marks an operator cancellation; the channel status is left
	// untouched so the test can be resumed later.
	Cancelled bool `json:"cancelled,omitempty"`

	Detail       string          `json:"detail,omitempty"`
	Expected     *float64        `json:"expected,omitempty"`
	Actual       *float64        `json:"actual,omitempty"`
	Readings     PercentReadings `json:"readings"`
	DigitalSteps []DigitalStep   `json:"digital_steps,omitempty"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}
