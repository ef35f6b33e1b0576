package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj1530954213/FactoryTesting-sub006/internal/allocation"
	"github.com/dj1530954213/FactoryTesting-sub006/internal/domain"
	"github.com/dj1530954213/FactoryTesting-sub006/internal/plc"
	"github.com/dj1530954213/FactoryTesting-sub006/internal/task"
)

type capturePublisher struct {
	mu        sync.Mutex
	progress  []domain.ChannelProgressEvent
	summaries []domain.BatchSummaryEvent
}

func (p *capturePublisher) PublishProgress(_ context.Context, ev domain.ChannelProgressEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.progress = append(p.progress, ev)
	return nil
}

func (p *capturePublisher) PublishBatchSummary(_ context.Context, ev domain.BatchSummaryEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.summaries = append(p.summaries, ev)
	return nil
}

func (p *capturePublisher) summaryCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.summaries)
}

type captureStore struct {
	mu    sync.Mutex
	saves int
}

func (s *captureStore) SaveInstance(context.Context, *domain.ChannelInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	return nil
}

func f64(v float64) *float64 { return &v }

// buildBatch allocates n AI channels against n rig slots and wires a
// loopback for every binding on a single simulated PLC.
func buildBatch(t *testing.T, n int) (*domain.TestBatch, *plc.Sim) {
	t.Helper()

	slots := make([]domain.TestPlcSlot, n)
	for i := range slots {
		slots[i] = domain.TestPlcSlot{
			ID:             fmt.Sprintf("AO-passive-%02d", i+1),
			ChannelAddress: fmt.Sprintf("1_1_AO_%d", i),
			CommAddress:    fmt.Sprintf("AO.%d", i),
			Type:           domain.ModuleAO,
			Power:          domain.PowerPassive,
			Enabled:        true,
		}
	}
	defs := make([]domain.ChannelDefinition, n)
	for i := range defs {
		defs[i] = domain.ChannelDefinition{
			ID:          fmt.Sprintf("def-%d", i),
			Tag:         fmt.Sprintf("TT-%04d", i+1),
			Type:        domain.ModuleAI,
			Power:       domain.PowerActive,
			DataType:    domain.DataTypeFloat,
			RangeLow:    f64(0),
			RangeHigh:   f64(100),
			CommAddress: fmt.Sprintf("DB1.DBD%d", i*4),
		}
	}

	pool := allocation.NewPool(slots)
	engine := allocation.NewEngine(pool, zerolog.Nop(), nil)
	res, err := engine.Allocate(defs, "fat")
	require.NoError(t, err)
	require.Len(t, res.Batches, 1)

	sim := plc.NewSim("loop")
	for _, inst := range res.Batches[0].Instances {
		require.NotNil(t, inst.Slot)
		sim.Link(inst.Slot.CommAddress, inst.Definition.CommAddress, 1, 0)
	}
	return res.Batches[0], sim
}

func newTestManager(sim *plc.Sim, pub Publisher, store Store, serial bool) *Manager {
	cfg := ManagerConfig{
		MaxConcurrent: 4,
		Serial:        serial,
		Task:          task.Config{Tolerance: 0.02, StabilizationDelay: 0},
	}
	return NewManager(sim, sim, cfg, zerolog.Nop(), nil, pub, store)
}

func runBatchToHardPointDone(t *testing.T, m *Manager, ctx context.Context) {
	t.Helper()
	_, err := m.ConfirmAllWiring(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.WaitIdle(ctx))
}

func TestStartRequiresWiringConfirmation(t *testing.T) {
	batch, sim := buildBatch(t, 3)
	m := newTestManager(sim, nil, nil, false)
	ctx := context.Background()

	require.NoError(t, m.LoadBatch(batch))
	for _, inst := range batch.Instances {
		assert.Equal(t, domain.StatusWiringConfirmationRequired, inst.Overall)
	}

	err := m.Start(ctx)
	assert.ErrorIs(t, err, domain.ErrWiringNotConfirmed)

	n, err := m.ConfirmAllWiring(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.WaitIdle(ctx))

	for _, inst := range batch.Instances {
		assert.Equal(t, domain.StatusHardPointTestCompleted, inst.Overall)
		assert.Equal(t, 5, inst.Readings.Count())
	}
}

func TestBatchSummaryEmittedOnceWhenAllTerminal(t *testing.T) {
	batch, sim := buildBatch(t, 2)
	pub := &capturePublisher{}
	store := &captureStore{}
	m := newTestManager(sim, pub, store, false)
	ctx := context.Background()

	require.NoError(t, m.LoadBatch(batch))
	runBatchToHardPointDone(t, m, ctx)
	assert.Equal(t, 0, pub.summaryCount())

	for _, inst := range batch.Instances {
		require.NoError(t, m.BeginManualTest(ctx, inst.ID))
		require.NoError(t, m.ApplyManualOutcome(ctx, inst.ID, domain.ItemMaintenance, true, ""))
		require.NoError(t, m.ApplyManualOutcome(ctx, inst.ID, domain.ItemValueDisplay, true, ""))
	}

	for _, inst := range batch.Instances {
		assert.Equal(t, domain.StatusTestCompletedPassed, inst.Overall)
	}
	require.Equal(t, 1, pub.summaryCount())
	assert.Equal(t, 2, pub.summaries[0].Summary.Passed)
	assert.True(t, batch.Terminal())

	store.mu.Lock()
	assert.Greater(t, store.saves, 0)
	store.mu.Unlock()
}

func TestFaultOnOneChannelDoesNotAffectSiblings(t *testing.T) {
	batch, sim := buildBatch(t, 3)
	m := newTestManager(sim, nil, nil, false)
	ctx := context.Background()

	victim := batch.Instances[1]
	sim.FailOn(victim.Slot.CommAddress, errors.New("wire break"))

	require.NoError(t, m.LoadBatch(batch))
	runBatchToHardPointDone(t, m, ctx)

	assert.Equal(t, domain.StatusTestCompletedFailed, victim.Overall)
	assert.Contains(t, victim.ErrorDetail, "wire break")
	assert.Equal(t, domain.StatusHardPointTestCompleted, batch.Instances[0].Overall)
	assert.Equal(t, domain.StatusHardPointTestCompleted, batch.Instances[2].Overall)
}

func TestRetestChannelIsIsolated(t *testing.T) {
	batch, sim := buildBatch(t, 2)
	m := newTestManager(sim, nil, nil, false)
	ctx := context.Background()

	broken := batch.Instances[0]
	healthy := batch.Instances[1]
	// Mis-scale the loop so the broken channel deviates at every
	// nonzero step.
	sim.Link(broken.Slot.CommAddress, broken.Definition.CommAddress, 0.5, 0)

	require.NoError(t, m.LoadBatch(batch))
	runBatchToHardPointDone(t, m, ctx)

	require.Equal(t, domain.StatusTestCompletedFailed, broken.Overall)
	require.Equal(t, domain.StatusHardPointTestCompleted, healthy.Overall)
	slotBefore := broken.Slot
	healthyBefore := healthy.Overall

	// Fix the wiring and retest just the broken channel.
	sim.Link(broken.Slot.CommAddress, broken.Definition.CommAddress, 1, 0)
	require.NoError(t, m.RetestChannel(ctx, broken.ID))

	assert.Equal(t, domain.StatusHardPointTestCompleted, broken.Overall)
	assert.Same(t, slotBefore, broken.Slot)
	assert.Equal(t, healthyBefore, healthy.Overall)
}

func TestRetestRejectedWhileBatchRunning(t *testing.T) {
	batch, sim := buildBatch(t, 2)
	m := newTestManager(sim, nil, nil, false)
	ctx := context.Background()

	gate := make(chan struct{})
	var once sync.Once
	sim.WriteHook = func(string, domain.PlcValue) {
		once.Do(func() {
			m.PauseAll()
			close(gate)
		})
	}

	require.NoError(t, m.LoadBatch(batch))
	_, err := m.ConfirmAllWiring(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx))

	<-gate
	err = m.RetestChannel(ctx, batch.Instances[0].ID)
	assert.ErrorIs(t, err, domain.ErrChannelUnderTest)

	m.ResumeAll()
	require.NoError(t, m.WaitIdle(ctx))
}

func TestStopAllIsIdempotentAndCancelsRun(t *testing.T) {
	batch, sim := buildBatch(t, 2)
	m := newTestManager(sim, nil, nil, false)
	ctx := context.Background()

	// Safe with nothing running.
	m.StopAll()
	m.StopAll()

	var once sync.Once
	sim.WriteHook = func(string, domain.PlcValue) {
		once.Do(func() {
			m.StopAll()
			m.StopAll()
		})
	}

	require.NoError(t, m.LoadBatch(batch))
	_, err := m.ConfirmAllWiring(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx))

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, m.WaitIdle(waitCtx))
	assert.False(t, m.Running())

	// Cancelled channels roll back to WiringConfirmed so the run can be
	// repeated without re-confirming the wiring.
	for _, inst := range batch.Instances {
		assert.Contains(t,
			[]domain.OverallStatus{domain.StatusWiringConfirmed, domain.StatusHardPointTestCompleted},
			inst.Overall)
	}
}

func TestSerialModeRunsOneChannelAtATime(t *testing.T) {
	batch, sim := buildBatch(t, 3)
	m := newTestManager(sim, nil, nil, true)
	ctx := context.Background()

	var mu sync.Mutex
	var slotWrites []string
	sim.WriteHook = func(address string, _ domain.PlcValue) {
		if !strings.HasPrefix(address, "AO.") {
			return
		}
		mu.Lock()
		slotWrites = append(slotWrites, address)
		mu.Unlock()
	}

	require.NoError(t, m.LoadBatch(batch))
	runBatchToHardPointDone(t, m, ctx)

	// In serial mode the five sweep writes of each channel must be
	// contiguous, never interleaved with another channel's.
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, slotWrites, 15)
	for i := 0; i < len(slotWrites); i += 5 {
		for j := 1; j < 5; j++ {
			assert.Equal(t, slotWrites[i], slotWrites[i+j],
				"writes %d and %d belong to different channels", i, i+j)
		}
	}
}

func TestStartWithoutBatch(t *testing.T) {
	sim := plc.NewSim("loop")
	m := newTestManager(sim, nil, nil, false)
	err := m.Start(context.Background())
	assert.ErrorIs(t, err, domain.ErrNoBatchLoaded)
}

func TestOperatorSkipChannel(t *testing.T) {
	batch, sim := buildBatch(t, 1)
	pub := &capturePublisher{}
	m := newTestManager(sim, pub, nil, false)
	ctx := context.Background()

	require.NoError(t, m.LoadBatch(batch))
	inst := batch.Instances[0]
	require.NoError(t, m.SkipChannel(ctx, inst.ID, "device not installed"))

	assert.Equal(t, domain.StatusSkipped, inst.Overall)
	assert.Equal(t, "device not installed", inst.OperatorNotes)
	// A single skipped channel makes the whole batch terminal.
	assert.Equal(t, 1, pub.summaryCount())
	assert.Equal(t, 1, pub.summaries[0].Summary.Skipped)
}
