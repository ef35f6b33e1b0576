package task

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/dj1530954213/FactoryTesting-sub006/internal/domain"
	"github.com/dj1530954213/FactoryTesting-sub006/internal/plc"
)

// percentStep is one point of the analog sweep.
type percentStep struct {
	percent  int
	fraction float64
}

var analogSweep = []percentStep{
	{0, 0.0},
	{25, 0.25},
	{50, 0.50},
	{75, 0.75},
	{100, 1.0},
}

// analogTask sweeps the channel through 0/25/50/75/100 percent of its
// engineering range, writing through the drive side and reading back
// through the sense side. All five readings are recorded even when an
// earlier step already deviated.
type analogTask struct {
	*base

	drive     plc.Port
	driveAddr string
	sense     plc.Port
	senseAddr string
}

func (t *analogTask) Run(ctx context.Context) (domain.RawOutcome, error) {
	return t.run(ctx, t.protocol)
}

func (t *analogTask) protocol(ctx context.Context) domain.RawOutcome {
	def := t.inst.Definition
	span := def.RangeSpan()
	limit := t.cfg.Tolerance * span

	out := domain.RawOutcome{
		Item:    domain.ItemHardPoint,
		Success: true,
	}

	for _, step := range analogSweep {
		if err := t.checkpoint(ctx); err != nil {
			return t.cancelled(out, step.percent)
		}

		expected := def.EngineeringValueAt(step.fraction)
		err := t.drive.Write(ctx, t.driveAddr, domain.DataTypeFloat, domain.FloatValue(expected))
		if err != nil {
			if canceled(ctx, err) {
				return t.cancelled(out, step.percent)
			}
			out.Success = false
			t.noteFailure(&out, step.percent, expected, math.NaN(),
				fmt.Sprintf("write at %d%%: %v", step.percent, err))
			continue
		}

		if err := t.settle(ctx); err != nil {
			return t.cancelled(out, step.percent)
		}

		v, err := t.sense.Read(ctx, t.senseAddr, domain.DataTypeFloat)
		if err != nil {
			if canceled(ctx, err) {
				return t.cancelled(out, step.percent)
			}
			out.Success = false
			t.noteFailure(&out, step.percent, expected, math.NaN(),
				fmt.Sprintf("read at %d%%: %v", step.percent, err))
			continue
		}

		actual, err := v.AsFloat()
		if err != nil {
			out.Success = false
			t.noteFailure(&out, step.percent, expected, math.NaN(),
				fmt.Sprintf("read at %d%%: %v", step.percent, err))
			continue
		}

		out.Readings.Set(step.percent, actual)
		if math.Abs(actual-expected) > limit {
			out.Success = false
			t.noteFailure(&out, step.percent, expected, actual,
				fmt.Sprintf("deviation at %d%%: expected %.4f, got %.4f (limit %.4f)",
					step.percent, expected, actual, limit))
		}
	}

	if out.Success {
		t.logger.Debug().Msg("analog sweep passed")
	}
	return out
}

// noteFailure keeps the first failure as the outcome's headline and
// logs every one.
func (t *analogTask) noteFailure(out *domain.RawOutcome, percent int, expected, actual float64, detail string) {
	t.logger.Warn().Int("percent", percent).Str("detail", detail).Msg("analog step failed")
	if out.Detail != "" {
		return
	}
	out.Detail = detail
	e := expected
	out.Expected = &e
	if !math.IsNaN(actual) {
		a := actual
		out.Actual = &a
	}
}

func (t *analogTask) cancelled(out domain.RawOutcome, percent int) domain.RawOutcome {
	out.Success = false
	out.Cancelled = true
	out.Detail = fmt.Sprintf("cancelled at %d%% step", percent)
	return out
}

// canceled tells operator cancellation apart from a real PLC fault. A
// per-call timeout also surfaces as context.DeadlineExceeded, so the
// task's own context must be done before the error counts as cancelled.
func canceled(ctx context.Context, err error) bool {
	if ctx.Err() == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
