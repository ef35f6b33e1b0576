// Package state implements the channel test-state machine: pure
// transition logic over a channel instance's status and sub-test results.
// It performs no I/O; callers own concurrency and persistence.
package state

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dj1530954213/FactoryTesting-sub006/internal/domain"
)

// reservedTagMarker flags spare points on the I/O list. Reserved points
// only get the hard-point check and the value display confirmation; every
// other item is pre-skipped.
const reservedTagMarker = "YLDW"

// ManualItems returns the operator-confirmed sub-test items applicable to
// a module type. HardPoint is always present and is not included here.
func ManualItems(t domain.ModuleType) []domain.SubTestItem {
	switch t {
	case domain.ModuleAI:
		return []domain.SubTestItem{
			domain.ItemLowLowAlarm,
			domain.ItemLowAlarm,
			domain.ItemHighAlarm,
			domain.ItemHighHighAlarm,
			domain.ItemMaintenance,
			domain.ItemValueDisplay,
		}
	case domain.ModuleAO:
		return []domain.SubTestItem{
			domain.ItemMaintenance,
			domain.ItemValueDisplay,
		}
	case domain.ModuleDI, domain.ModuleDO:
		return []domain.SubTestItem{domain.ItemValueDisplay}
	}
	return nil
}

// InitializeInstance creates a channel instance for a definition and seeds
// its sub-test results. Alarm items whose set values are absent are
// pre-skipped with a reason; reserved points keep only the hard-point and
// value display checks.
func InitializeInstance(def domain.ChannelDefinition, batchID string) *domain.ChannelInstance {
	inst := domain.NewChannelInstance(def, batchID)
	initializeSubResults(inst)
	return inst
}

func initializeSubResults(inst *domain.ChannelInstance) {
	def := &inst.Definition
	inst.SubResults = make(map[domain.SubTestItem]*domain.SubTestResult)
	inst.SubResults[domain.ItemHardPoint] = &domain.SubTestResult{Status: domain.SubNotTested}
	for _, item := range ManualItems(def.Type) {
		inst.SubResults[item] = &domain.SubTestResult{Status: domain.SubNotTested}
	}

	if strings.Contains(strings.ToUpper(def.Tag), reservedTagMarker) {
		for item, r := range inst.SubResults {
			if item == domain.ItemHardPoint || item == domain.ItemValueDisplay {
				continue
			}
			r.Status = domain.SubSkipped
			r.Detail = "reserved point"
		}
		return
	}

	skipIfUnset := func(item domain.SubTestItem, set *float64, name string) {
		if r, ok := inst.SubResults[item]; ok && set == nil {
			r.Status = domain.SubSkipped
			r.Detail = name + " set value empty"
		}
	}
	skipIfUnset(domain.ItemLowLowAlarm, def.SLLSetValue, "SLL")
	skipIfUnset(domain.ItemLowAlarm, def.SLSetValue, "SL")
	skipIfUnset(domain.ItemHighAlarm, def.SHSetValue, "SH")
	skipIfUnset(domain.ItemHighHighAlarm, def.SHHSetValue, "SHH")
}

func transitionError(inst *domain.ChannelInstance, event string) error {
	return fmt.Errorf("%w: %s from %s (channel %s)",
		domain.ErrInvalidTransition, event, inst.Overall, inst.Definition.Tag)
}

// PrepareForWiringConfirmation moves a fresh or retested channel into the
// wiring confirmation stage.
func PrepareForWiringConfirmation(inst *domain.ChannelInstance) error {
	switch inst.Overall {
	case domain.StatusNotTested, domain.StatusWiringConfirmationRequired:
		inst.Overall = domain.StatusWiringConfirmationRequired
		return nil
	}
	return transitionError(inst, "PrepareForWiringConfirmation")
}

// ConfirmWiring acknowledges the physical wiring check. Only valid from
// WiringConfirmationRequired.
func ConfirmWiring(inst *domain.ChannelInstance) error {
	if inst.Overall != domain.StatusWiringConfirmationRequired {
		return transitionError(inst, "ConfirmWiring")
	}
	inst.Overall = domain.StatusWiringConfirmed
	return nil
}

// BeginHardPointTest marks the automated hard-point test as running.
// NotTested is accepted so a single-channel retest does not force the
// batch-level wiring confirmation to repeat.
func BeginHardPointTest(inst *domain.ChannelInstance) error {
	switch inst.Overall {
	case domain.StatusWiringConfirmed, domain.StatusNotTested:
		now := time.Now()
		if inst.StartedAt == nil {
			inst.StartedAt = &now
		}
		inst.Overall = domain.StatusHardPointTesting
		if r, ok := inst.SubResults[domain.ItemHardPoint]; ok {
			r.Status = domain.SubTesting
		}
		return nil
	}
	return transitionError(inst, "BeginHardPointTest")
}

// ApplyHardPointOutcome evaluates a raw hard-point result. Success moves
// the channel to HardPointTestCompleted; failure short-circuits straight
// to TestCompletedFailed. A cancelled outcome leaves the channel as-is so
// it can be resumed or retried.
func ApplyHardPointOutcome(inst *domain.ChannelInstance, outcome domain.RawOutcome) error {
	if inst.Overall != domain.StatusHardPointTesting {
		return transitionError(inst, "ApplyHardPointOutcome")
	}
	if outcome.Cancelled {
		inst.Overall = domain.StatusWiringConfirmed
		if r, ok := inst.SubResults[domain.ItemHardPoint]; ok {
			r.Status = domain.SubNotTested
		}
		return nil
	}

	inst.Readings = outcome.Readings
	if len(outcome.DigitalSteps) > 0 {
		inst.DigitalSteps = outcome.DigitalSteps
	}

	r, ok := inst.SubResults[domain.ItemHardPoint]
	if !ok {
		r = &domain.SubTestResult{}
		inst.SubResults[domain.ItemHardPoint] = r
	}
	r.Expected = outcome.Expected
	r.Actual = outcome.Actual
	r.Detail = outcome.Detail
	r.UpdatedAt = outcome.EndedAt
	if outcome.Success {
		r.Status = domain.SubPassed
	} else {
		r.Status = domain.SubFailed
		inst.ErrorDetail = outcome.Detail
	}

	EvaluateOverall(inst)
	return nil
}

// BeginManualTest enters the manual testing stage. Manual items that were
// not pre-skipped are reset to NotTested so an operator re-run starts clean.
func BeginManualTest(inst *domain.ChannelInstance) error {
	switch inst.Overall {
	case domain.StatusHardPointTestCompleted, domain.StatusManualTesting, domain.StatusAlarmTesting:
		for _, item := range ManualItems(inst.Definition.Type) {
			if r, ok := inst.SubResults[item]; ok && r.Status != domain.SubSkipped {
				r.Status = domain.SubNotTested
				r.Detail = ""
			}
		}
		inst.Overall = domain.StatusManualTesting
		return nil
	}
	return transitionError(inst, "BeginManualTest")
}

// BeginAlarmTest enters the alarm-threshold confirmation stage.
func BeginAlarmTest(inst *domain.ChannelInstance) error {
	if inst.Overall != domain.StatusManualTesting {
		return transitionError(inst, "BeginAlarmTest")
	}
	inst.Overall = domain.StatusAlarmTesting
	return nil
}

// SetManualOutcome records one operator-confirmed sub-test result and
// recomputes the aggregate status.
func SetManualOutcome(inst *domain.ChannelInstance, item domain.SubTestItem, success bool, detail string) error {
	switch inst.Overall {
	case domain.StatusManualTesting, domain.StatusAlarmTesting, domain.StatusHardPointTestCompleted:
	default:
		return transitionError(inst, "SetManualOutcome")
	}
	if !item.IsManual() {
		return fmt.Errorf("%w: %s is not operator-confirmed", domain.ErrUnknownSubTest, item)
	}
	r, ok := inst.SubResults[item]
	if !ok {
		return fmt.Errorf("%w: %s for %s channel %s",
			domain.ErrUnknownSubTest, item, inst.Definition.Type, inst.Definition.Tag)
	}
	if success {
		r.Status = domain.SubPassed
	} else {
		r.Status = domain.SubFailed
	}
	r.Detail = detail
	r.UpdatedAt = time.Now()

	EvaluateOverall(inst)
	return nil
}

// SkipManualItem marks one sub-test item skipped with a reason and
// recomputes the aggregate status.
func SkipManualItem(inst *domain.ChannelInstance, item domain.SubTestItem, reason string) error {
	r, ok := inst.SubResults[item]
	if !ok {
		return fmt.Errorf("%w: %s for channel %s", domain.ErrUnknownSubTest, item, inst.Definition.Tag)
	}
	r.Status = domain.SubSkipped
	r.Detail = reason
	r.UpdatedAt = time.Now()
	EvaluateOverall(inst)
	return nil
}

// MarkSkipped skips the whole channel, valid from any pre-completion state.
func MarkSkipped(inst *domain.ChannelInstance, reason string) error {
	if inst.Overall.IsTerminal() {
		return transitionError(inst, "MarkSkipped")
	}
	inst.Overall = domain.StatusSkipped
	inst.OperatorNotes = reason
	now := time.Now()
	inst.CompletedAt = &now
	return nil
}

// ResetForRetest rewinds one channel to NotTested: sub-results and
// measured readings are cleared, the slot binding is preserved, and
// sibling channels are untouched.
func ResetForRetest(inst *domain.ChannelInstance) error {
	if inst.Overall == domain.StatusNotTested {
		return transitionError(inst, "ResetForRetest")
	}
	inst.Overall = domain.StatusRetesting
	initializeSubResults(inst)
	inst.Readings = domain.PercentReadings{}
	inst.DigitalSteps = nil
	inst.StartedAt = nil
	inst.CompletedAt = nil
	inst.ErrorDetail = ""
	inst.Overall = domain.StatusNotTested
	return nil
}

// EvaluateOverall recomputes the aggregate status from the sub-test
// results. The channel passes only when the hard-point test passed and
// every applicable manual item holds a terminal non-failing status; any
// failed item fails the channel outright.
func EvaluateOverall(inst *domain.ChannelInstance) {
	var (
		anyFailed       bool
		hardPointPassed bool
		manualPending   bool
	)
	for item, r := range inst.SubResults {
		switch r.Status {
		case domain.SubFailed:
			anyFailed = true
		case domain.SubPassed:
			if item == domain.ItemHardPoint {
				hardPointPassed = true
			}
		case domain.SubNotTested, domain.SubTesting:
			if item.IsManual() {
				manualPending = true
			}
		}
	}

	switch {
	case anyFailed:
		inst.Overall = domain.StatusTestCompletedFailed
		var failed []string
		for item, r := range inst.SubResults {
			if r.Status == domain.SubFailed {
				failed = append(failed, string(item))
			}
		}
		// Map iteration order is random; keep the detail reproducible.
		sort.Strings(failed)
		inst.ErrorDetail = "failed items: " + strings.Join(failed, ", ")
	case hardPointPassed && !manualPending:
		inst.Overall = domain.StatusTestCompletedPassed
		inst.ErrorDetail = ""
	case hardPointPassed:
		// Hard point done, manual items outstanding. Keep an explicit
		// manual/alarm stage if one is underway.
		switch inst.Overall {
		case domain.StatusManualTesting, domain.StatusAlarmTesting:
		default:
			inst.Overall = domain.StatusHardPointTestCompleted
		}
	}

	if inst.Overall.IsTerminal() {
		now := time.Now()
		inst.CompletedAt = &now
	}
}
