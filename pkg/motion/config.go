package motion

import (
	"fmt"
	"math"

	"github.com/thhdragon/krusty-rs/pkg/errors"
	"github.com/thhdragon/krusty-rs/pkg/inputshaper"
	"github.com/thhdragon/krusty-rs/pkg/kinematics"
)

// Config is the fully validated snapshot the motion core is built from:
// the merge of §6's enumerated configuration options, loaded once at
// startup by pkg/config and held immutable for the lifetime of a run.
type Config struct {
	Kinematics kinematics.Config
	Limits     Limits
	PerAxis    [NumAxes]*AxisLimits
	Shapers    []inputshaper.AxisConfig

	// StepsPerMM maps a physical motor name (kinematics.MotorNames for
	// the configured kind, plus "e") to the steps needed to move that
	// motor by one millimeter. For a Cartesian machine these coincide
	// with axis names; for CoreXY/CoreXZ/Delta they name the physical
	// motors instead (e.g. "a","b","z" for CoreXY).
	StepsPerMM map[string]float64

	// StepHorizon bounds how far ahead of print-time the step generator
	// may emit step events (§4.5/§5's backpressure horizon), in seconds.
	StepHorizon float64

	// LookaheadDepth bounds the number of segments the planner holds
	// before it must seal and flush the oldest one.
	LookaheadDepth int
}

// Validate checks every field of the configuration snapshot, returning a
// ConfigInvalid error describing the first problem found.
func (c Config) Validate() error {
	if err := c.Limits.Validate(); err != nil {
		return errors.ConfigInvalidError(err.Error())
	}
	for i, ov := range c.PerAxis {
		if ov == nil {
			continue
		}
		sub := Limits{VMax: ov.VMax, AMax: ov.AMax, JMax: ov.JMax, SMax: ov.SMax, CMax: ov.CMax}
		if err := sub.Validate(); err != nil {
			return errors.ConfigInvalidError(fmt.Sprintf("per-axis limits for %s: %v", Axis(i), err))
		}
	}
	for axis, steps := range c.StepsPerMM {
		if math.IsNaN(steps) || math.IsInf(steps, 0) || steps <= 0 {
			return errors.ConfigInvalidError(fmt.Sprintf("steps_per_mm for axis %q must be positive, got %v", axis, steps))
		}
	}
	if math.IsNaN(c.StepHorizon) || c.StepHorizon <= 0 {
		return errors.ConfigInvalidError(fmt.Sprintf("step_horizon must be positive, got %v", c.StepHorizon))
	}
	if c.LookaheadDepth <= 0 {
		return errors.ConfigInvalidError(fmt.Sprintf("lookahead_depth must be positive, got %v", c.LookaheadDepth))
	}
	if _, err := kinematics.New(c.Kinematics); err != nil {
		return errors.ConfigInvalidError(fmt.Sprintf("kinematics: %v", err))
	}
	return nil
}
