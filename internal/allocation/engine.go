package allocation

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dj1530954213/FactoryTesting-sub006/internal/domain"
	"github.com/dj1530954213/FactoryTesting-sub006/internal/metrics"
	"github.com/dj1530954213/FactoryTesting-sub006/internal/state"
)

// Engine allocates channel definitions to test-rig slots. Given identical
// inputs the bindings it produces are identical: definitions keep their
// input order and slots keep configuration order.
type Engine struct {
	pool    *Pool
	logger  zerolog.Logger
	metrics *metrics.Registry
}

// Result is the outcome of one allocation run.
type Result struct {
	Batches []*domain.TestBatch
	Summary domain.AllocationSummary
}

// NewEngine creates an allocation engine over the given pool registry.
// reg may be nil when allocation metrics are not collected.
func NewEngine(pool *Pool, logger zerolog.Logger, reg *metrics.Registry) *Engine {
	return &Engine{
		pool:    pool,
		logger:  logger.With().Str("component", "allocation-engine").Logger(),
		metrics: reg,
	}
}

// partitionKey groups definitions that compete for the same slot class.
type partitionKey struct {
	Type  domain.ModuleType
	Power domain.PowerSupplyType
}

// Allocate assigns definitions to slots and groups the resulting instances
// into one or more batches. Definitions that cannot be satisfied are
// reported in the summary, never silently dropped.
func (e *Engine) Allocate(defs []domain.ChannelDefinition, batchName string) (*Result, error) {
	if batchName == "" {
		return nil, fmt.Errorf("batch name is required")
	}

	summary := domain.AllocationSummary{
		Total:   len(defs),
		PerType: make(map[domain.ModuleType]int),
	}

	// Partition by (type, polarity), preserving input order within each
	// partition. Invalid definitions become validation errors up front.
	order := make([]partitionKey, 0, 8)
	partitions := make(map[partitionKey][]domain.ChannelDefinition)
	for i := range defs {
		def := defs[i]
		if err := def.Validate(); err != nil {
			summary.Errors = append(summary.Errors, domain.AllocationError{
				Tag:    def.Tag,
				Reason: err.Error(),
			})
			if e.metrics != nil {
				e.metrics.IncAllocationErrors()
			}
			continue
		}
		key := partitionKey{Type: def.Type, Power: def.Power}
		if _, seen := partitions[key]; !seen {
			order = append(order, key)
		}
		partitions[key] = append(partitions[key], def)
	}

	// Per-partition slot lists and capacities. The rig slot class for a
	// partition is the complementary type with opposite polarity.
	capacities := make(map[partitionKey][]*domain.TestPlcSlot)
	batchCount := 0
	for _, key := range order {
		slots := e.pool.ListSlots(key.Type.Complement(), key.Power.Opposite())
		if len(slots) == 0 {
			for _, def := range partitions[key] {
				summary.Errors = append(summary.Errors, domain.AllocationError{
					Tag: def.Tag,
					Reason: fmt.Sprintf("%v: no %s %s rig channels for %s %s point",
						domain.ErrNoCompatibleSlots,
						key.Type.Complement(), key.Power.Opposite(), key.Type, key.Power),
				})
				if e.metrics != nil {
					e.metrics.IncAllocationErrors()
				}
			}
			delete(partitions, key)
			continue
		}
		capacities[key] = slots
		need := (len(partitions[key]) + len(slots) - 1) / len(slots)
		if need > batchCount {
			batchCount = need
		}
	}

	result := &Result{Summary: summary}
	if batchCount == 0 {
		result.Summary.Batches = 0
		return result, nil
	}

	// Build batches: batch k takes the k-th capacity window of every
	// partition, reusing the same slot list since the pool resets between
	// batches (only one batch runs at a time).
	for k := 0; k < batchCount; k++ {
		name := batchName
		if batchCount > 1 {
			name = fmt.Sprintf("%s-%d", batchName, k+1)
		}
		batch := domain.NewTestBatch(name, k+1)
		for _, key := range order {
			defs, ok := partitions[key]
			if !ok {
				continue
			}
			slots := capacities[key]
			lo := k * len(slots)
			if lo >= len(defs) {
				continue
			}
			hi := lo + len(slots)
			if hi > len(defs) {
				hi = len(defs)
			}
			for i, def := range defs[lo:hi] {
				inst := state.InitializeInstance(def, batch.ID)
				slot := *slots[i]
				inst.Slot = &slot
				batch.Instances = append(batch.Instances, inst)
				result.Summary.Allocated++
				result.Summary.PerType[def.Type]++
				if e.metrics != nil {
					e.metrics.IncChannelsAllocated(string(def.Type))
				}
			}
		}
		result.Batches = append(result.Batches, batch)
	}
	result.Summary.Batches = len(result.Batches)

	// The first batch is the runnable one; its bindings become the pool's
	// live state. Later batches are bound when activated.
	if err := e.pool.BindBatch(result.Batches[0]); err != nil {
		return nil, fmt.Errorf("binding first batch: %w", err)
	}

	e.logger.Info().
		Int("definitions", summary.Total).
		Int("allocated", result.Summary.Allocated).
		Int("batches", result.Summary.Batches).
		Int("errors", len(result.Summary.Errors)).
		Msg("Allocation completed")

	return result, nil
}

// ClearAllocations releases every bound slot and rewinds every affected
// instance through the state machine's reset transition.
func (e *Engine) ClearAllocations(batches []*domain.TestBatch) {
	e.pool.ReleaseAll()
	for _, batch := range batches {
		for _, inst := range batch.Instances {
			if inst.Overall != domain.StatusNotTested {
				if err := state.ResetForRetest(inst); err != nil {
					e.logger.Warn().Err(err).Str("tag", inst.Definition.Tag).Msg("Reset during clear failed")
				}
			}
			inst.Slot = nil
		}
	}
	e.logger.Info().Int("batches", len(batches)).Msg("Allocations cleared")
}
