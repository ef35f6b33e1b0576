package task

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj1530954213/FactoryTesting-sub006/internal/domain"
	"github.com/dj1530954213/FactoryTesting-sub006/internal/plc"
	"github.com/dj1530954213/FactoryTesting-sub006/internal/state"
)

func f64(v float64) *float64 { return &v }

const (
	uutAddr  = "DB1.DBD0"
	slotAddr = "AO01.CH1"
)

func aiInstance(t *testing.T) *domain.ChannelInstance {
	t.Helper()
	def := domain.ChannelDefinition{
		ID:          "def-1",
		Tag:         "TT-1101",
		Type:        domain.ModuleAI,
		Power:       domain.PowerActive,
		DataType:    domain.DataTypeFloat,
		RangeLow:    f64(0),
		RangeHigh:   f64(100),
		CommAddress: uutAddr,
	}
	require.NoError(t, def.Validate())
	inst := domain.NewChannelInstance(def, "batch-1")
	inst.Slot = &domain.TestPlcSlot{
		ID:             "AO-passive-01",
		ChannelAddress: "1_1_AO_0",
		CommAddress:    slotAddr,
		Type:           domain.ModuleAO,
		Power:          domain.PowerPassive,
		Enabled:        true,
	}
	return inst
}

func diInstance(t *testing.T) *domain.ChannelInstance {
	t.Helper()
	def := domain.ChannelDefinition{
		ID:          "def-2",
		Tag:         "XS-2201",
		Type:        domain.ModuleDI,
		Power:       domain.PowerActive,
		DataType:    domain.DataTypeBool,
		CommAddress: uutAddr,
	}
	require.NoError(t, def.Validate())
	inst := domain.NewChannelInstance(def, "batch-1")
	inst.Slot = &domain.TestPlcSlot{
		ID:             "DO-passive-01",
		ChannelAddress: "1_1_DO_0",
		CommAddress:    slotAddr,
		Type:           domain.ModuleDO,
		Power:          domain.PowerPassive,
		Enabled:        true,
	}
	return inst
}

// wiredSim builds one simulated PLC serving as both rig and UUT, with
// the rig slot output looped back into the UUT channel.
func wiredSim(scale, bias float64) *plc.Sim {
	sim := plc.NewSim("loop")
	sim.Link(slotAddr, uutAddr, scale, bias)
	return sim
}

func fastConfig() Config {
	return Config{Tolerance: 0.02, StabilizationDelay: 0}
}

func newTask(t *testing.T, inst *domain.ChannelInstance, sim *plc.Sim) Runner {
	t.Helper()
	r, err := New(inst, sim, sim, fastConfig(), zerolog.Nop())
	require.NoError(t, err)
	return r
}

func TestAnalogSweepPasses(t *testing.T) {
	inst := aiInstance(t)
	r := newTask(t, inst, wiredSim(1, 0))

	out, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, out.Success)
	assert.False(t, out.Cancelled)
	assert.Equal(t, 5, out.Readings.Count())
	require.NotNil(t, out.Readings.At75)
	assert.InDelta(t, 75.0, *out.Readings.At75, 1e-9)
	assert.Equal(t, StatusCompleted, r.Status())
}

func TestAnalogDeviationStillRecordsAllReadings(t *testing.T) {
	// A constant +5 offset exceeds the 2-unit limit at every step, but
	// the sweep must still visit and record all five points.
	inst := aiInstance(t)
	r := newTask(t, inst, wiredSim(1, 5))

	out, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, out.Success)
	assert.False(t, out.Cancelled)
	assert.Equal(t, 5, out.Readings.Count())
	assert.Contains(t, out.Detail, "0%")
	require.NotNil(t, out.Expected)
	require.NotNil(t, out.Actual)
	assert.InDelta(t, 0.0, *out.Expected, 1e-9)
	assert.InDelta(t, 5.0, *out.Actual, 1e-9)
	assert.Equal(t, StatusFailed, r.Status())
}

func TestAnalogWriteFaultBecomesFailedOutcome(t *testing.T) {
	inst := aiInstance(t)
	sim := wiredSim(1, 0)
	sim.FailOn(slotAddr, errors.New("device unreachable"))
	r := newTask(t, inst, sim)

	out, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, out.Success)
	assert.False(t, out.Cancelled)
	assert.Equal(t, 0, out.Readings.Count())
	assert.Contains(t, out.Detail, "device unreachable")
	assert.Equal(t, StatusFailed, r.Status())
}

func TestDigitalTogglePasses(t *testing.T) {
	inst := diInstance(t)
	r := newTask(t, inst, wiredSim(1, 0))

	out, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, out.Success)
	require.Len(t, out.DigitalSteps, 2)
	assert.Equal(t, "high", out.DigitalSteps[0].Name)
	assert.True(t, out.DigitalSteps[0].Success)
	assert.Equal(t, "low", out.DigitalSteps[1].Name)
	assert.True(t, out.DigitalSteps[1].Success)
}

func TestDigitalMismatchFails(t *testing.T) {
	// No loopback wired: the UUT side always reads false, so the high
	// step fails while the low step happens to match.
	inst := diInstance(t)
	sim := plc.NewSim("loop")
	r := newTask(t, inst, sim)

	out, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, out.Success)
	require.Len(t, out.DigitalSteps, 2)
	assert.False(t, out.DigitalSteps[0].Success)
	assert.True(t, out.DigitalSteps[1].Success)
	assert.Contains(t, out.Detail, "high")
}

func TestDigitalSafetyResetRunsOnCancel(t *testing.T) {
	inst := diInstance(t)
	sim := wiredSim(1, 0)
	r := newTask(t, inst, sim)

	var writes []bool
	sim.WriteHook = func(address string, v domain.PlcValue) {
		if address != slotAddr {
			return
		}
		writes = append(writes, v.Bool)
		// Cancel as soon as the rig output is asserted.
		if v.Bool {
			r.Stop()
		}
	}

	out, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, out.Cancelled)
	assert.False(t, out.Success)
	assert.Equal(t, StatusCancelled, r.Status())

	// The deferred reset must drive the output back low even though the
	// task context is already dead.
	require.Len(t, writes, 2)
	assert.True(t, writes[0])
	assert.False(t, writes[1])
	v, ok := sim.Value(slotAddr)
	require.True(t, ok)
	assert.False(t, v.Bool)
}

func TestPauseBlocksAtCheckpointAndResumeContinues(t *testing.T) {
	inst := aiInstance(t)
	sim := wiredSim(1, 0)
	r := newTask(t, inst, sim)

	var paused atomic.Bool
	sim.WriteHook = func(address string, v domain.PlcValue) {
		if paused.CompareAndSwap(false, true) {
			r.Pause()
		}
	}

	done := make(chan domain.RawOutcome, 1)
	go func() {
		out, err := r.Run(context.Background())
		assert.NoError(t, err)
		done <- out
	}()

	require.Eventually(t, func() bool {
		return r.Status() == StatusPaused
	}, time.Second, 5*time.Millisecond)

	select {
	case <-done:
		t.Fatal("task finished while paused")
	case <-time.After(50 * time.Millisecond):
	}

	r.Resume()
	select {
	case out := <-done:
		assert.True(t, out.Success)
		assert.Equal(t, 5, out.Readings.Count())
	case <-time.After(time.Second):
		t.Fatal("task did not finish after resume")
	}
}

func TestStopReleasesPausedTask(t *testing.T) {
	inst := aiInstance(t)
	sim := wiredSim(1, 0)
	r := newTask(t, inst, sim)

	sim.WriteHook = func(string, domain.PlcValue) { r.Pause() }

	done := make(chan domain.RawOutcome, 1)
	go func() {
		out, err := r.Run(context.Background())
		assert.NoError(t, err)
		done <- out
	}()

	require.Eventually(t, func() bool {
		return r.Status() == StatusPaused
	}, time.Second, 5*time.Millisecond)

	r.Stop()
	select {
	case out := <-done:
		assert.True(t, out.Cancelled)
		assert.Equal(t, StatusCancelled, r.Status())
	case <-time.After(time.Second):
		t.Fatal("stop did not release the paused task")
	}
}

func TestRunIsSingleUse(t *testing.T) {
	inst := aiInstance(t)
	sim := wiredSim(1, 0)
	r := newTask(t, inst, sim)

	blocked := make(chan struct{})
	var once atomic.Bool
	sim.WriteHook = func(string, domain.PlcValue) {
		if once.CompareAndSwap(false, true) {
			r.Pause()
			close(blocked)
		}
	}

	done := make(chan struct{})
	go func() {
		_, err := r.Run(context.Background())
		assert.NoError(t, err)
		close(done)
	}()

	<-blocked
	_, err := r.Run(context.Background())
	assert.ErrorIs(t, err, domain.ErrTaskAlreadyRunning)

	r.Resume()
	<-done

	_, err = r.Run(context.Background())
	assert.ErrorIs(t, err, domain.ErrTaskFinished)
}

func TestNewRequiresBoundSlot(t *testing.T) {
	inst := aiInstance(t)
	inst.Slot = nil
	_, err := New(inst, plc.NewSim("rig"), plc.NewSim("uut"), fastConfig(), zerolog.Nop())
	assert.ErrorIs(t, err, domain.ErrSlotNotBound)
}

// stallReadConn parks reads until the caller's context is done,
// emulating a PLC call that is in flight when Stop arrives.
type stallReadConn struct {
	*plc.Sim
	stall atomic.Bool
}

func (c *stallReadConn) Read(ctx context.Context, address string, dt domain.PointDataType) (domain.PlcValue, error) {
	if c.stall.Load() {
		<-ctx.Done()
		return domain.PlcValue{}, ctx.Err()
	}
	return c.Sim.Read(ctx, address, dt)
}

func TestStopDuringPlcCallReportsCancelledNotFailed(t *testing.T) {
	inst := aiInstance(t)
	require.NoError(t, state.PrepareForWiringConfirmation(inst))
	require.NoError(t, state.ConfirmWiring(inst))
	require.NoError(t, state.BeginHardPointTest(inst))

	sim := wiredSim(1, 0)
	sense := &stallReadConn{Sim: sim}
	mgr := plc.NewManager(sim, sense, plc.ManagerConfig{CallTimeout: 5 * time.Second}, zerolog.Nop(), nil)

	r, err := New(inst, mgr.Rig(), mgr.UUT(), fastConfig(), zerolog.Nop())
	require.NoError(t, err)

	// Stall the read-back of the 100% step, then stop the task while
	// that call is still in flight.
	sim.WriteHook = func(address string, v domain.PlcValue) {
		if address == slotAddr && v.Float == 100 {
			sense.stall.Store(true)
			go func() {
				time.Sleep(30 * time.Millisecond)
				r.Stop()
			}()
		}
	}

	out, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, out.Cancelled)
	assert.False(t, out.Success)
	assert.Equal(t, StatusCancelled, r.Status())

	// A cancelled outcome rewinds the channel instead of failing it.
	require.NoError(t, state.ApplyHardPointOutcome(inst, out))
	assert.Equal(t, domain.StatusWiringConfirmed, inst.Overall)
}
