package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dj1530954213/FactoryTesting-sub006/internal/domain"
	"github.com/dj1530954213/FactoryTesting-sub006/internal/plc"
)

// Status is the lifecycle state of a single test task.
type Status int32

const (
	StatusCreated Status = iota
	StatusRunning
	StatusPaused
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusRunning:
		return "running"
	case StatusPaused:
		return "paused"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the task has finished in any way.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Config carries the protocol tuning knobs shared by all task kinds.
type Config struct {
	// Tolerance is the allowed deviation for analog comparisons,
	// expressed as a fraction of the channel's range span.
	Tolerance float64

	// StabilizationDelay is the settle time between writing a value
	// and reading it back.
	StabilizationDelay time.Duration
}

// DefaultConfig returns the protocol defaults used when the
// configuration file leaves the tuning section empty.
func DefaultConfig() Config {
	return Config{
		Tolerance:          0.02,
		StabilizationDelay: 200 * time.Millisecond,
	}
}

// Runner is a single-use hard-point test for one channel instance.
type Runner interface {
	// Instance returns the channel instance under test.
	Instance() *domain.ChannelInstance

	// Run executes the protocol to completion. It returns an error
	// only when the task cannot start (already running or already
	// finished); protocol failures and cancellation are reported
	// through the outcome.
	Run(ctx context.Context) (domain.RawOutcome, error)

	// Pause closes the pause gate. The task stops at the next
	// checkpoint; an in-flight PLC call is never interrupted.
	Pause()

	// Resume reopens the pause gate.
	Resume()

	// Stop cancels the task. A paused task is released first so that
	// cancellation is observed promptly.
	Stop()

	Status() Status
}

// New builds the task matching the instance's module type. Analog
// channels run the five-point percent sweep, digital channels the
// high/low toggle sequence.
func New(inst *domain.ChannelInstance, rig, uut plc.Port, cfg Config, logger zerolog.Logger) (Runner, error) {
	if inst.Slot == nil {
		return nil, fmt.Errorf("%w: channel %s has no rig slot", domain.ErrSlotNotBound, inst.Definition.Tag)
	}
	b := newBase(inst, cfg, logger)
	switch inst.Definition.Type {
	case domain.ModuleAI:
		// The rig drives the signal through the slot, the UUT input is read back.
		return &analogTask{base: b, drive: rig, driveAddr: inst.Slot.CommAddress, sense: uut, senseAddr: inst.Definition.CommAddress}, nil
	case domain.ModuleAO:
		return &analogTask{base: b, drive: uut, driveAddr: inst.Definition.CommAddress, sense: rig, senseAddr: inst.Slot.CommAddress}, nil
	case domain.ModuleDI:
		return &digitalTask{base: b, drive: rig, driveAddr: inst.Slot.CommAddress, sense: uut, senseAddr: inst.Definition.CommAddress}, nil
	case domain.ModuleDO:
		return &digitalTask{base: b, drive: uut, driveAddr: inst.Definition.CommAddress, sense: rig, senseAddr: inst.Slot.CommAddress}, nil
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidModuleType, inst.Definition.Type)
	}
}

// base carries the lifecycle shared by analog and digital tasks.
type base struct {
	inst   *domain.ChannelInstance
	cfg    Config
	gate   *Gate
	logger zerolog.Logger

	mu     sync.Mutex
	status Status
	cancel context.CancelFunc
}

func newBase(inst *domain.ChannelInstance, cfg Config, logger zerolog.Logger) *base {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultConfig().Tolerance
	}
	if cfg.StabilizationDelay < 0 {
		cfg.StabilizationDelay = 0
	}
	return &base{
		inst:   inst,
		cfg:    cfg,
		gate:   NewGate(),
		logger: logger.With().Str("channel", inst.Definition.Tag).Logger(),
		status: StatusCreated,
	}
}

func (b *base) Instance() *domain.ChannelInstance { return b.inst }

func (b *base) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *base) Pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status == StatusRunning {
		b.status = StatusPaused
		b.gate.Close()
		b.logger.Debug().Msg("task paused")
	}
}

func (b *base) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status == StatusPaused {
		b.status = StatusRunning
		b.gate.Open()
		b.logger.Debug().Msg("task resumed")
	}
}

// Stop opens the gate before cancelling so a paused task is not left
// blocked on the gate with a dead context.
func (b *base) Stop() {
	b.mu.Lock()
	cancel := b.cancel
	b.mu.Unlock()

	b.gate.Open()
	if cancel != nil {
		cancel()
	}
}

func (b *base) start(ctx context.Context) (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.status == StatusRunning || b.status == StatusPaused:
		return nil, domain.ErrTaskAlreadyRunning
	case b.status.Terminal():
		return nil, domain.ErrTaskFinished
	}
	runCtx, cancel := context.WithCancel(ctx)
	b.status = StatusRunning
	b.cancel = cancel
	return runCtx, nil
}

func (b *base) finish(out domain.RawOutcome) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case out.Cancelled:
		b.status = StatusCancelled
	case out.Success:
		b.status = StatusCompleted
	default:
		b.status = StatusFailed
	}
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
}

// checkpoint is called between protocol steps. It honors a pause
// request and then reports cancellation.
func (b *base) checkpoint(ctx context.Context) error {
	if err := b.gate.Wait(ctx); err != nil {
		return err
	}
	return ctx.Err()
}

// settle waits the stabilization delay, cancellable.
func (b *base) settle(ctx context.Context) error {
	if b.cfg.StabilizationDelay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(b.cfg.StabilizationDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run wraps a protocol body with lifecycle bookkeeping and panic
// containment. A panicking protocol yields a failed outcome instead of
// tearing down the worker that invoked it.
func (b *base) run(ctx context.Context, protocol func(context.Context) domain.RawOutcome) (out domain.RawOutcome, err error) {
	runCtx, startErr := b.start(ctx)
	if startErr != nil {
		return domain.RawOutcome{}, startErr
	}
	started := time.Now()

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Msg("task panicked")
			out = domain.RawOutcome{
				Item:    domain.ItemHardPoint,
				Success: false,
				Detail:  fmt.Sprintf("task panic: %v", r),
			}
		}
		out.InstanceID = b.inst.ID
		out.StartedAt = started
		out.EndedAt = time.Now()
		b.finish(out)
	}()

	out = protocol(runCtx)
	return out, nil
}
