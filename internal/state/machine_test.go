package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj1530954213/FactoryTesting-sub006/internal/domain"
)

func f64(v float64) *float64 { return &v }

func aiDefinition(tag string) domain.ChannelDefinition {
	return domain.ChannelDefinition{
		ID:          "def-" + tag,
		Tag:         tag,
		Type:        domain.ModuleAI,
		Power:       domain.PowerActive,
		DataType:    domain.DataTypeFloat,
		RangeLow:    f64(0),
		RangeHigh:   f64(100),
		SLLSetValue: f64(5),
		SLSetValue:  f64(10),
		SHSetValue:  f64(90),
		SHHSetValue: f64(95),
		CommAddress: "40001",
	}
}

func passedHardPoint(t *testing.T, inst *domain.ChannelInstance) {
	t.Helper()
	require.NoError(t, PrepareForWiringConfirmation(inst))
	require.NoError(t, ConfirmWiring(inst))
	require.NoError(t, BeginHardPointTest(inst))
	require.NoError(t, ApplyHardPointOutcome(inst, domain.RawOutcome{
		InstanceID: inst.ID,
		Item:       domain.ItemHardPoint,
		Success:    true,
		EndedAt:    time.Now(),
	}))
}

func TestInitializeInstance_AIItems(t *testing.T) {
	inst := InitializeInstance(aiDefinition("TT-1101"), "batch-1")

	require.Len(t, inst.SubResults, 7)
	assert.Equal(t, domain.StatusNotTested, inst.Overall)
	for item, r := range inst.SubResults {
		assert.Equal(t, domain.SubNotTested, r.Status, "item %s", item)
	}
}

func TestInitializeInstance_MissingSetValuesPreSkipped(t *testing.T) {
	def := aiDefinition("TT-1102")
	def.SLLSetValue = nil
	def.SHHSetValue = nil

	inst := InitializeInstance(def, "batch-1")

	assert.Equal(t, domain.SubSkipped, inst.SubResults[domain.ItemLowLowAlarm].Status)
	assert.Equal(t, "SLL set value empty", inst.SubResults[domain.ItemLowLowAlarm].Detail)
	assert.Equal(t, domain.SubSkipped, inst.SubResults[domain.ItemHighHighAlarm].Status)
	assert.Equal(t, domain.SubNotTested, inst.SubResults[domain.ItemLowAlarm].Status)
	assert.Equal(t, domain.SubNotTested, inst.SubResults[domain.ItemHighAlarm].Status)
}

func TestInitializeInstance_ReservedPoint(t *testing.T) {
	def := aiDefinition("YLDW_0301")
	inst := InitializeInstance(def, "batch-1")

	assert.Equal(t, domain.SubNotTested, inst.SubResults[domain.ItemHardPoint].Status)
	assert.Equal(t, domain.SubNotTested, inst.SubResults[domain.ItemValueDisplay].Status)
	assert.Equal(t, domain.SubSkipped, inst.SubResults[domain.ItemMaintenance].Status)
	assert.Equal(t, domain.SubSkipped, inst.SubResults[domain.ItemLowAlarm].Status)
}

func TestConfirmWiring_OnlyFromConfirmationRequired(t *testing.T) {
	inst := InitializeInstance(aiDefinition("TT-1103"), "batch-1")

	err := ConfirmWiring(inst)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	require.NoError(t, PrepareForWiringConfirmation(inst))
	require.NoError(t, ConfirmWiring(inst))
	assert.Equal(t, domain.StatusWiringConfirmed, inst.Overall)
}

func TestApplyHardPointOutcome_FailureShortCircuits(t *testing.T) {
	inst := InitializeInstance(aiDefinition("TT-1104"), "batch-1")
	require.NoError(t, PrepareForWiringConfirmation(inst))
	require.NoError(t, ConfirmWiring(inst))
	require.NoError(t, BeginHardPointTest(inst))

	readings := domain.PercentReadings{}
	readings.Set(0, 0.1)
	readings.Set(25, 25.2)
	readings.Set(50, 49.8)
	readings.Set(75, 91.4)
	readings.Set(100, 99.9)

	require.NoError(t, ApplyHardPointOutcome(inst, domain.RawOutcome{
		Item:     domain.ItemHardPoint,
		Success:  false,
		Detail:   "75% read-back outside tolerance",
		Readings: readings,
		EndedAt:  time.Now(),
	}))

	assert.Equal(t, domain.StatusTestCompletedFailed, inst.Overall)
	assert.Equal(t, 5, inst.Readings.Count())
	assert.NotNil(t, inst.CompletedAt)
}

func TestApplyHardPointOutcome_CancelledLeavesStatus(t *testing.T) {
	inst := InitializeInstance(aiDefinition("TT-1105"), "batch-1")
	require.NoError(t, PrepareForWiringConfirmation(inst))
	require.NoError(t, ConfirmWiring(inst))
	require.NoError(t, BeginHardPointTest(inst))

	require.NoError(t, ApplyHardPointOutcome(inst, domain.RawOutcome{
		Item:      domain.ItemHardPoint,
		Cancelled: true,
	}))

	assert.Equal(t, domain.StatusWiringConfirmed, inst.Overall)
	assert.Equal(t, domain.SubNotTested, inst.SubResults[domain.ItemHardPoint].Status)
}

func TestAggregation_AllManualItemsRequired(t *testing.T) {
	inst := InitializeInstance(aiDefinition("TT-1106"), "batch-1")
	passedHardPoint(t, inst)
	assert.Equal(t, domain.StatusHardPointTestCompleted, inst.Overall)

	require.NoError(t, BeginManualTest(inst))
	items := []domain.SubTestItem{
		domain.ItemLowLowAlarm,
		domain.ItemLowAlarm,
		domain.ItemHighAlarm,
		domain.ItemHighHighAlarm,
		domain.ItemMaintenance,
	}
	for _, item := range items {
		require.NoError(t, SetManualOutcome(inst, item, true, ""))
		assert.NotEqual(t, domain.StatusTestCompletedPassed, inst.Overall,
			"must not pass before every applicable item is terminal")
	}

	require.NoError(t, SetManualOutcome(inst, domain.ItemValueDisplay, true, ""))
	assert.Equal(t, domain.StatusTestCompletedPassed, inst.Overall)
}

func TestAggregation_SkippedWithReasonCountsAsTerminal(t *testing.T) {
	inst := InitializeInstance(aiDefinition("TT-1107"), "batch-1")
	passedHardPoint(t, inst)
	require.NoError(t, BeginManualTest(inst))

	for _, item := range []domain.SubTestItem{
		domain.ItemLowLowAlarm, domain.ItemLowAlarm,
		domain.ItemHighAlarm, domain.ItemHighHighAlarm,
	} {
		require.NoError(t, SetManualOutcome(inst, item, true, ""))
	}
	require.NoError(t, SkipManualItem(inst, domain.ItemMaintenance, "maintenance bypass not wired on skid"))
	require.NoError(t, SetManualOutcome(inst, domain.ItemValueDisplay, true, ""))

	assert.Equal(t, domain.StatusTestCompletedPassed, inst.Overall)
}

func TestAggregation_FlippingOneItemFailsOverall(t *testing.T) {
	inst := InitializeInstance(aiDefinition("TT-1108"), "batch-1")
	passedHardPoint(t, inst)
	require.NoError(t, BeginManualTest(inst))
	for _, item := range ManualItems(domain.ModuleAI) {
		require.NoError(t, SetManualOutcome(inst, item, true, ""))
	}
	require.Equal(t, domain.StatusTestCompletedPassed, inst.Overall)

	inst.SubResults[domain.ItemHighAlarm].Status = domain.SubFailed
	EvaluateOverall(inst)
	assert.Equal(t, domain.StatusTestCompletedFailed, inst.Overall)
	assert.Contains(t, inst.ErrorDetail, "HighAlarm")
}

func TestAggregation_DigitalOnlyNeedsValueDisplay(t *testing.T) {
	def := domain.ChannelDefinition{
		ID:          "def-di",
		Tag:         "XS-2001",
		Type:        domain.ModuleDI,
		Power:       domain.PowerActive,
		DataType:    domain.DataTypeBool,
		CommAddress: "00017",
	}
	inst := InitializeInstance(def, "batch-1")
	require.Len(t, inst.SubResults, 2)

	passedHardPoint(t, inst)
	require.NoError(t, BeginManualTest(inst))
	require.NoError(t, SetManualOutcome(inst, domain.ItemValueDisplay, true, ""))
	assert.Equal(t, domain.StatusTestCompletedPassed, inst.Overall)
}

func TestResetForRetest_PreservesSlotBinding(t *testing.T) {
	inst := InitializeInstance(aiDefinition("TT-1109"), "batch-1")
	inst.Slot = &domain.TestPlcSlot{ID: "slot-7", ChannelAddress: "AO1_7"}
	passedHardPoint(t, inst)
	require.NoError(t, BeginManualTest(inst))
	for _, item := range ManualItems(domain.ModuleAI) {
		require.NoError(t, SetManualOutcome(inst, item, true, ""))
	}

	require.NoError(t, ResetForRetest(inst))

	assert.Equal(t, domain.StatusNotTested, inst.Overall)
	assert.Equal(t, "slot-7", inst.Slot.ID)
	assert.Equal(t, 0, inst.Readings.Count())
	assert.Nil(t, inst.CompletedAt)
	for item, r := range inst.SubResults {
		if item == domain.ItemHardPoint || item.IsManual() {
			assert.NotEqual(t, domain.SubPassed, r.Status)
		}
	}
}

func TestResetForRetest_RejectedWhenNotTested(t *testing.T) {
	inst := InitializeInstance(aiDefinition("TT-1110"), "batch-1")
	assert.ErrorIs(t, ResetForRetest(inst), domain.ErrInvalidTransition)
}

func TestMarkSkipped(t *testing.T) {
	inst := InitializeInstance(aiDefinition("TT-1111"), "batch-1")
	require.NoError(t, MarkSkipped(inst, "instrument not installed"))
	assert.Equal(t, domain.StatusSkipped, inst.Overall)
	assert.Equal(t, "instrument not installed", inst.OperatorNotes)

	assert.ErrorIs(t, MarkSkipped(inst, "again"), domain.ErrInvalidTransition)
}

func TestSetManualOutcome_UnknownItemRejected(t *testing.T) {
	def := aiDefinition("TT-1112")
	def.Type = domain.ModuleDO
	def.RangeLow, def.RangeHigh = nil, nil
	inst := InitializeInstance(def, "batch-1")
	passedHardPoint(t, inst)
	require.NoError(t, BeginManualTest(inst))

	err := SetManualOutcome(inst, domain.ItemLowAlarm, true, "")
	assert.ErrorIs(t, err, domain.ErrUnknownSubTest)
}

func TestErrorDetailListsFailedItemsInStableOrder(t *testing.T) {
	inst := InitializeInstance(aiDefinition("TT-1108"), "batch-1")
	passedHardPoint(t, inst)
	require.NoError(t, BeginManualTest(inst))
	inst.SubResults[domain.ItemLowAlarm].Status = domain.SubFailed
	inst.SubResults[domain.ItemHighAlarm].Status = domain.SubFailed
	EvaluateOverall(inst)

	assert.Equal(t, domain.StatusTestCompletedFailed, inst.Overall)
	assert.Equal(t, "failed items: HighAlarm, LowAlarm", inst.ErrorDetail)

	// Re-evaluating must reproduce the same string.
	for i := 0; i < 5; i++ {
		EvaluateOverall(inst)
		assert.Equal(t, "failed items: HighAlarm, LowAlarm", inst.ErrorDetail)
	}
}
