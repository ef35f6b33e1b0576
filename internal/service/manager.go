// Package service orchestrates batch test runs: it owns the current
// batch, schedules per-channel tasks over the two PLC connections, and
// serializes every state machine transition.
package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dj1530954213/FactoryTesting-sub006/internal/domain"
	"github.com/dj1530954213/FactoryTesting-sub006/internal/metrics"
	"github.com/dj1530954213/FactoryTesting-sub006/internal/plc"
	"github.com/dj1530954213/FactoryTesting-sub006/internal/state"
	"github.com/dj1530954213/FactoryTesting-sub006/internal/task"
)

// Publisher pushes progress and summary events to the outside world.
type Publisher interface {
	PublishProgress(ctx context.Context, ev domain.ChannelProgressEvent) error
	PublishBatchSummary(ctx context.Context, ev domain.BatchSummaryEvent) error
}

// Store persists channel instances after each applied transition.
type Store interface {
	SaveInstance(ctx context.Context, inst *domain.ChannelInstance) error
}

// NopPublisher discards all events.
type NopPublisher struct{}

func (NopPublisher) PublishProgress(context.Context, domain.ChannelProgressEvent) error { return nil }
func (NopPublisher) PublishBatchSummary(context.Context, domain.BatchSummaryEvent) error {
	return nil
}

// NopStore discards all writes.
type NopStore struct{}

func (NopStore) SaveInstance(context.Context, *domain.ChannelInstance) error { return nil }

// ManagerConfig tunes batch execution.
type ManagerConfig struct {
	// MaxConcurrent bounds how many channel tasks run at once.
	MaxConcurrent int

	// Serial forces one task at a time regardless of MaxConcurrent.
	Serial bool

	// Task carries the per-task protocol settings.
	Task task.Config
}

// DefaultManagerConfig returns the execution defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxConcurrent: 8,
		Task:          task.DefaultConfig(),
	}
}

func (c ManagerConfig) workers() int {
	if c.Serial || c.MaxConcurrent < 1 {
		return 1
	}
	return c.MaxConcurrent
}

// Manager drives one batch at a time through the test lifecycle. All
// instance mutation funnels through the manager's mutex; tasks touch
// only the PLC and report raw outcomes back.
type Manager struct {
	cfg     ManagerConfig
	rig     plc.Port
	uut     plc.Port
	logger  zerolog.Logger
	metrics *metrics.Registry
	pub     Publisher
	store   Store

	mu             sync.Mutex
	batch          *domain.TestBatch
	tasks          map[string]task.Runner
	runDone        chan struct{}
	summaryEmitted bool

	running     atomic.Bool
	activeTasks atomic.Int32
}

// NewManager creates a manager over the rig and UUT ports. Publisher
// and store may be nil; events and persistence are then dropped.
func NewManager(rig, uut plc.Port, cfg ManagerConfig, logger zerolog.Logger, reg *metrics.Registry, pub Publisher, store Store) *Manager {
	if pub == nil {
		pub = NopPublisher{}
	}
	if store == nil {
		store = NopStore{}
	}
	if cfg.Task.Tolerance <= 0 {
		cfg.Task = task.DefaultConfig()
	}
	return &Manager{
		cfg:     cfg,
		rig:     rig,
		uut:     uut,
		logger:  logger.With().Str("component", "test-manager").Logger(),
		metrics: reg,
		pub:     pub,
		store:   store,
		tasks:   make(map[string]task.Runner),
	}
}

// Running reports whether a batch run or a retest is in flight.
func (m *Manager) Running() bool { return m.running.Load() }

// Batch returns the currently loaded batch, or nil.
func (m *Manager) Batch() *domain.TestBatch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batch
}

// LoadBatch makes the batch current and moves every instance to
// WiringConfirmationRequired. Rejected while a run is in flight.
func (m *Manager) LoadBatch(batch *domain.TestBatch) error {
	if m.running.Load() {
		return domain.ErrRunInProgress
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, inst := range batch.Instances {
		if inst.Overall != domain.StatusNotTested {
			continue
		}
		if err := state.PrepareForWiringConfirmation(inst); err != nil {
			return fmt.Errorf("load batch %s: %w", batch.Name, err)
		}
	}
	m.batch = batch
	m.tasks = make(map[string]task.Runner)
	m.summaryEmitted = false
	m.logger.Info().Str("batch", batch.Name).Int("channels", len(batch.Instances)).Msg("batch loaded")
	return nil
}

// ConfirmWiring acknowledges the wiring check for one channel.
func (m *Manager) ConfirmWiring(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, err := m.instance(instanceID)
	if err != nil {
		return err
	}
	if err := state.ConfirmWiring(inst); err != nil {
		return err
	}
	m.notifyLocked(ctx, inst)
	return nil
}

// ConfirmAllWiring confirms every instance still awaiting the wiring
// check and returns how many were confirmed.
func (m *Manager) ConfirmAllWiring(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.batch == nil {
		return 0, domain.ErrNoBatchLoaded
	}
	n := 0
	for _, inst := range m.batch.Instances {
		if inst.Overall != domain.StatusWiringConfirmationRequired {
			continue
		}
		if err := state.ConfirmWiring(inst); err != nil {
			return n, err
		}
		m.notifyLocked(ctx, inst)
		n++
	}
	return n, nil
}

// Start launches the hard-point run for every wiring-confirmed channel
// of the current batch. It returns once the run is scheduled; progress
// arrives through the publisher. Rejected when no channel has passed
// the wiring confirmation gate.
func (m *Manager) Start(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return domain.ErrRunInProgress
	}

	m.mu.Lock()
	if m.batch == nil {
		m.mu.Unlock()
		m.running.Store(false)
		return domain.ErrNoBatchLoaded
	}

	var runners []task.Runner
	for _, inst := range m.batch.Instances {
		if inst.Overall != domain.StatusWiringConfirmed {
			continue
		}
		r, err := task.New(inst, m.rig, m.uut, m.cfg.Task, m.logger)
		if err != nil {
			m.mu.Unlock()
			m.running.Store(false)
			return fmt.Errorf("start batch: %w", err)
		}
		runners = append(runners, r)
		m.tasks[inst.ID] = r
	}
	if len(runners) == 0 {
		m.mu.Unlock()
		m.running.Store(false)
		return domain.ErrWiringNotConfirmed
	}
	done := make(chan struct{})
	m.runDone = done
	batch := m.batch
	m.mu.Unlock()

	m.logger.Info().Str("batch", batch.Name).Int("channels", len(runners)).
		Int("workers", m.cfg.workers()).Msg("batch run started")
	go m.runBatch(ctx, runners, done)
	return nil
}

func (m *Manager) runBatch(ctx context.Context, runners []task.Runner, done chan struct{}) {
	outcomes := make(chan domain.RawOutcome, len(runners))
	applied := make(chan struct{})
	go func() {
		defer close(applied)
		for out := range outcomes {
			m.applyOutcome(ctx, out)
		}
	}()

	sem := make(chan struct{}, m.cfg.workers())
	var wg sync.WaitGroup
	for _, r := range runners {
		wg.Add(1)
		go func(r task.Runner) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()

			if err := m.beginHardPoint(ctx, r.Instance()); err != nil {
				// Channel left the runnable state since scheduling
				// (skipped by the operator, for example).
				m.logger.Debug().Err(err).Str("tag", r.Instance().Definition.Tag).Msg("channel not runnable")
				return
			}
			m.observeActive(1)
			out, err := r.Run(ctx)
			m.observeActive(-1)
			if err != nil {
				m.logger.Error().Err(err).Str("tag", r.Instance().Definition.Tag).Msg("task refused to run")
				return
			}
			outcomes <- out
		}(r)
	}
	wg.Wait()
	close(outcomes)
	<-applied

	m.mu.Lock()
	m.tasks = make(map[string]task.Runner)
	m.mu.Unlock()
	m.running.Store(false)
	m.maybeEmitSummary(ctx)
	close(done)
	m.logger.Info().Msg("batch run finished")
}

func (m *Manager) beginHardPoint(ctx context.Context, inst *domain.ChannelInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := state.BeginHardPointTest(inst); err != nil {
		return err
	}
	m.notifyLocked(ctx, inst)
	return nil
}

func (m *Manager) applyOutcome(ctx context.Context, out domain.RawOutcome) {
	m.mu.Lock()
	inst := m.batch.Instance(out.InstanceID)
	if inst == nil {
		m.mu.Unlock()
		m.logger.Warn().Str("instance", out.InstanceID).Msg("outcome for unknown instance dropped")
		return
	}
	prev := inst.Overall
	if err := state.ApplyHardPointOutcome(inst, out); err != nil {
		m.mu.Unlock()
		m.logger.Error().Err(err).Str("tag", inst.Definition.Tag).Msg("outcome rejected")
		return
	}
	m.notifyLocked(ctx, inst)
	m.mu.Unlock()

	if !out.Cancelled && m.metrics != nil {
		m.metrics.IncChannelsTested()
	}
	m.observeTerminal(prev, inst.Overall)
}

// PauseAll pauses every live task at its next checkpoint.
func (m *Manager) PauseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.tasks {
		r.Pause()
	}
	m.logger.Info().Int("tasks", len(m.tasks)).Msg("pause requested")
}

// ResumeAll releases every paused task.
func (m *Manager) ResumeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.tasks {
		r.Resume()
	}
	m.logger.Info().Int("tasks", len(m.tasks)).Msg("resume requested")
}

// StopAll cancels every live task. Safe to call repeatedly and while no
// run is in flight.
func (m *Manager) StopAll() {
	m.mu.Lock()
	runners := make([]task.Runner, 0, len(m.tasks))
	for _, r := range m.tasks {
		runners = append(runners, r)
	}
	m.mu.Unlock()
	for _, r := range runners {
		r.Stop()
	}
	if len(runners) > 0 {
		m.logger.Info().Int("tasks", len(runners)).Msg("stop requested")
	}
}

// WaitIdle blocks until the current run drains or the context is done.
// Returns immediately when no run is in flight.
func (m *Manager) WaitIdle(ctx context.Context) error {
	m.mu.Lock()
	done := m.runDone
	m.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RetestChannel reruns the hard-point test for a single channel,
// serially and in isolation from the batch. The slot binding is
// preserved and the batch-level wiring confirmation is not repeated.
func (m *Manager) RetestChannel(ctx context.Context, instanceID string) error {
	if !m.running.CompareAndSwap(false, true) {
		return domain.ErrChannelUnderTest
	}
	defer m.running.Store(false)

	m.mu.Lock()
	inst, err := m.instance(instanceID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if err := state.ResetForRetest(inst); err != nil {
		m.mu.Unlock()
		return err
	}
	r, err := task.New(inst, m.rig, m.uut, m.cfg.Task, m.logger)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.tasks[inst.ID] = r
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.tasks, inst.ID)
		m.mu.Unlock()
	}()

	if err := m.beginHardPoint(ctx, inst); err != nil {
		return err
	}
	m.logger.Info().Str("tag", inst.Definition.Tag).Msg("retest started")

	m.observeActive(1)
	out, runErr := r.Run(ctx)
	m.observeActive(-1)
	if runErr != nil {
		return runErr
	}
	m.applyOutcome(ctx, out)
	m.maybeEmitSummary(ctx)
	return nil
}

// BeginManualTest moves a channel into the operator-confirmed stage.
func (m *Manager) BeginManualTest(ctx context.Context, instanceID string) error {
	return m.operatorTransition(ctx, instanceID, state.BeginManualTest)
}

// BeginAlarmTest moves a channel into the alarm confirmation stage.
func (m *Manager) BeginAlarmTest(ctx context.Context, instanceID string) error {
	return m.operatorTransition(ctx, instanceID, state.BeginAlarmTest)
}

// ApplyManualOutcome records one operator-confirmed sub-test result.
func (m *Manager) ApplyManualOutcome(ctx context.Context, instanceID string, item domain.SubTestItem, success bool, detail string) error {
	return m.operatorTransition(ctx, instanceID, func(inst *domain.ChannelInstance) error {
		return state.SetManualOutcome(inst, item, success, detail)
	})
}

// SkipManualItem skips one sub-test item with a reason.
func (m *Manager) SkipManualItem(ctx context.Context, instanceID string, item domain.SubTestItem, reason string) error {
	return m.operatorTransition(ctx, instanceID, func(inst *domain.ChannelInstance) error {
		return state.SkipManualItem(inst, item, reason)
	})
}

// SkipChannel skips the whole channel.
func (m *Manager) SkipChannel(ctx context.Context, instanceID string, reason string) error {
	return m.operatorTransition(ctx, instanceID, func(inst *domain.ChannelInstance) error {
		return state.MarkSkipped(inst, reason)
	})
}

func (m *Manager) operatorTransition(ctx context.Context, instanceID string, fn func(*domain.ChannelInstance) error) error {
	m.mu.Lock()
	inst, err := m.instance(instanceID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	prev := inst.Overall
	if err := fn(inst); err != nil {
		m.mu.Unlock()
		return err
	}
	m.notifyLocked(ctx, inst)
	m.mu.Unlock()

	m.observeTerminal(prev, inst.Overall)
	m.maybeEmitSummary(ctx)
	return nil
}

// instance looks up an instance in the current batch. Caller holds mu.
func (m *Manager) instance(id string) (*domain.ChannelInstance, error) {
	if m.batch == nil {
		return nil, domain.ErrNoBatchLoaded
	}
	inst := m.batch.Instance(id)
	if inst == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrInstanceNotFound, id)
	}
	return inst, nil
}

// notifyLocked publishes progress and persists the instance. Caller
// holds mu; publish and store failures are logged, never fatal.
func (m *Manager) notifyLocked(ctx context.Context, inst *domain.ChannelInstance) {
	if err := m.pub.PublishProgress(ctx, domain.NewProgressEvent(inst)); err != nil {
		m.logger.Warn().Err(err).Str("tag", inst.Definition.Tag).Msg("progress publish failed")
	}
	if err := m.store.SaveInstance(ctx, inst); err != nil {
		m.logger.Warn().Err(err).Str("tag", inst.Definition.Tag).Msg("instance persist failed")
	}
}

// maybeEmitSummary publishes the batch summary exactly once, when every
// instance has reached a terminal status.
func (m *Manager) maybeEmitSummary(ctx context.Context) {
	m.mu.Lock()
	if m.batch == nil || m.summaryEmitted || !m.batch.Terminal() {
		m.mu.Unlock()
		return
	}
	m.summaryEmitted = true
	ev := domain.BatchSummaryEvent{
		BatchID:   m.batch.ID,
		Name:      m.batch.Name,
		Summary:   m.batch.Summary(),
		Timestamp: time.Now(),
	}
	m.mu.Unlock()

	if err := m.pub.PublishBatchSummary(ctx, ev); err != nil {
		m.logger.Warn().Err(err).Str("batch", ev.Name).Msg("summary publish failed")
	}
	m.logger.Info().Str("batch", ev.Name).
		Int("passed", ev.Summary.Passed).Int("failed", ev.Summary.Failed).
		Int("skipped", ev.Summary.Skipped).Msg("batch completed")
}

func (m *Manager) observeActive(delta int32) {
	n := m.activeTasks.Add(delta)
	if m.metrics != nil {
		m.metrics.SetActiveTasks(int(n))
	}
}

func (m *Manager) observeTerminal(prev, now domain.OverallStatus) {
	if m.metrics == nil || prev.IsTerminal() || !now.IsTerminal() {
		return
	}
	switch now {
	case domain.StatusTestCompletedPassed:
		m.metrics.IncChannelsPassed()
	case domain.StatusTestCompletedFailed:
		m.metrics.IncChannelsFailed()
	}
}
