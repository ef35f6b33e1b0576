package task

import (
	"context"
	"fmt"
	"time"

	"github.com/dj1530954213/FactoryTesting-sub006/internal/domain"
	"github.com/dj1530954213/FactoryTesting-sub006/internal/plc"
)

// digitalTask toggles the channel high then low and verifies the sense
// side follows. The drive side is always returned to the low state
// afterwards, including when the task is cancelled mid-sequence, so no
// rig output is left asserted.
type digitalTask struct {
	*base

	drive     plc.Port
	driveAddr string
	sense     plc.Port
	senseAddr string
}

func (t *digitalTask) Run(ctx context.Context) (domain.RawOutcome, error) {
	return t.run(ctx, t.protocol)
}

func (t *digitalTask) protocol(ctx context.Context) domain.RawOutcome {
	out := domain.RawOutcome{
		Item:    domain.ItemHardPoint,
		Success: true,
	}

	// Safety reset runs on every exit path with its own context; the
	// task context may already be cancelled by the time we get here.
	defer func() {
		resetCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := t.drive.Write(resetCtx, t.driveAddr, domain.DataTypeBool, domain.BoolValue(false)); err != nil {
			t.logger.Error().Err(err).Str("address", t.driveAddr).Msg("safety reset write failed")
		}
	}()

	for _, step := range []struct {
		name  string
		level bool
	}{
		{"high", true},
		{"low", false},
	} {
		if err := t.checkpoint(ctx); err != nil {
			out.Success = false
			out.Cancelled = true
			out.Detail = fmt.Sprintf("cancelled before %s step", step.name)
			return out
		}

		ok, actual, err := t.toggle(ctx, step.level)
		record := domain.DigitalStep{
			Name:     step.name,
			Expected: step.level,
			Actual:   actual,
			Success:  ok,
			At:       time.Now(),
		}
		out.DigitalSteps = append(out.DigitalSteps, record)

		if err != nil {
			if canceled(ctx, err) {
				out.Success = false
				out.Cancelled = true
				out.Detail = fmt.Sprintf("cancelled during %s step", step.name)
				return out
			}
			out.Success = false
			if out.Detail == "" {
				out.Detail = fmt.Sprintf("%s step: %v", step.name, err)
			}
			t.logger.Warn().Str("step", step.name).Err(err).Msg("digital step failed")
			continue
		}
		if !ok {
			out.Success = false
			if out.Detail == "" {
				out.Detail = fmt.Sprintf("%s step: expected %v, got %v", step.name, step.level, actual)
			}
			t.logger.Warn().Str("step", step.name).Bool("expected", step.level).Bool("actual", actual).Msg("digital step mismatch")
		}
	}

	if out.Success {
		t.logger.Debug().Msg("digital toggle passed")
	}
	return out
}

// toggle drives one level and reads it back after the settle delay.
func (t *digitalTask) toggle(ctx context.Context, level bool) (ok, actual bool, err error) {
	if err := t.drive.Write(ctx, t.driveAddr, domain.DataTypeBool, domain.BoolValue(level)); err != nil {
		return false, false, err
	}
	if err := t.settle(ctx); err != nil {
		return false, false, err
	}
	v, err := t.sense.Read(ctx, t.senseAddr, domain.DataTypeBool)
	if err != nil {
		return false, false, err
	}
	actual, err = v.AsBool()
	if err != nil {
		return false, false, err
	}
	return actual == level, actual, nil
}
