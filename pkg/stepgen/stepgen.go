// Package stepgen implements the Input Shaper & Step Generator (§4.5):
// it walks sealed motion segments at a fixed internal tick, evaluates
// each logical axis's profile, applies per-axis input shaping, maps the
// shaped logical position through inverse kinematics, and emits timed
// (motor, direction, t_abs) step events whenever a motor's fractional
// position crosses the next integer step boundary.
//
// The tick-walk/integer-step-counter shape has no direct teacher
// counterpart (the teacher compresses steps from a cgo trapezoid queue
// via pkg/chelper, whose C sources are absent from this pack); it
// follows the general "walk a time grid, track per-motor state, emit on
// crossing" idiom used by the teacher's own pkg/hosth4 stepcompress
// wiring, adapted to pure Go and the spec's explicit per-axis shaping
// step (Open Question 2: shaping happens in logical-axis space, per
// axis, before the kinematic map).
package stepgen

import (
	"fmt"
	"math"

	"github.com/thhdragon/krusty-rs/pkg/errors"
	"github.com/thhdragon/krusty-rs/pkg/inputshaper"
	"github.com/thhdragon/krusty-rs/pkg/kinematics"
	"github.com/thhdragon/krusty-rs/pkg/motion"
)

// Tick is the fixed internal sampling resolution, matching the spec's
// suggested 50 microsecond grid (§4.5, step 1).
const Tick = 50e-6

// Event is one emitted step: a motor's direction pin flips (or holds)
// and it takes one step at TAbs seconds of virtual print time.
type Event struct {
	Motor     string
	Direction int // +1 or -1; 0 is never emitted
	TAbs      float64
}

// committed is one segment accepted into the generator's trajectory,
// together with the absolute print-time at which it begins.
type committed struct {
	seg   *motion.Segment
	start float64
}

// Generator walks the committed trajectory and emits step events per
// §4.5. It is owned exclusively by the controller's run loop; nothing in
// this package is safe for concurrent use (§5: "single-owner").
type Generator struct {
	kin         kinematics.Kinematics
	motorNames  []string
	shaper      *inputshaper.InputShaper
	stepsPerMM  map[string]float64
	stepHorizon float64

	segs  []committed
	total float64 // end time of the last committed segment

	motorStep map[string]int64 // last emitted integer step count

	emittedUpTo float64
}

// New builds a step generator for the given kinematics, input shaper and
// steps-per-mm table (§6's configuration snapshot). stepsPerMM must have
// an entry for every motor name kinematics.MotorNames(kin.Kind()) returns,
// plus "e" for the extruder motor.
func New(kin kinematics.Kinematics, shaper *inputshaper.InputShaper, stepsPerMM map[string]float64, stepHorizon float64) (*Generator, error) {
	names := kinematics.MotorNames(kin.Kind())
	if names == nil {
		return nil, errors.ConfigInvalidError(fmt.Sprintf("no motor names known for kinematics kind %q", kin.Kind()))
	}
	allMotors := append(append([]string{}, names...), "e")
	for _, m := range allMotors {
		if v, ok := stepsPerMM[m]; !ok || math.IsNaN(v) || v <= 0 {
			return nil, errors.ConfigInvalidError(fmt.Sprintf("steps_per_mm missing or non-positive for motor %q", m))
		}
	}
	if stepHorizon <= 0 || math.IsNaN(stepHorizon) {
		return nil, errors.ConfigInvalidError(fmt.Sprintf("step_horizon must be positive, got %v", stepHorizon))
	}
	return &Generator{
		kin:         kin,
		motorNames:  names,
		shaper:      shaper,
		stepsPerMM:  stepsPerMM,
		stepHorizon: stepHorizon,
		motorStep:   make(map[string]int64, len(allMotors)),
	}, nil
}

// Feed commits newly sealed segments to the generator's trajectory, in
// order. Segments must already be sealed (motion.QueueSealed) with a
// non-nil Profile; Feed panics on a caller bug, matching the planner's
// own invariant that only sealed segments are handed to the generator.
func (g *Generator) Feed(segs []*motion.Segment) {
	for _, seg := range segs {
		if seg.State != motion.QueueSealed || seg.Profile == nil {
			panic("stepgen: Feed given an unsealed segment")
		}
		g.segs = append(g.segs, committed{seg: seg, start: g.total})
		g.total += seg.Profile.TotalDuration()
	}
}

// Pending reports how much committed trajectory remains unemitted.
func (g *Generator) Pending() float64 { return g.total - g.emittedUpTo }

// axisPosition returns the unshaped logical position of axis along the
// committed trajectory at time t, extended before the first segment and
// after the last committed segment by holding the boundary position
// constant — the "stationary prefix" of §4.2/§9 and the natural
// extension needed once the shaper looks behind the oldest still-needed
// sample.
func (g *Generator) axisPosition(axis motion.Axis) inputshaper.Position {
	return func(t float64) float64 {
		if len(g.segs) == 0 {
			return 0
		}
		if t <= 0 {
			return g.segs[0].seg.Start[axis]
		}
		if t >= g.total {
			last := g.segs[len(g.segs)-1]
			d := last.seg.Profile.TotalDuration()
			pos, _, _, _, _, _ := last.seg.Profile.Evaluate(d)
			return last.seg.Start[axis] + last.seg.UnitDir[axis]*pos
		}
		// Linear scan: the committed trajectory is short relative to the
		// shaper's lookback window in any one call, so this stays cheap.
		for i, c := range g.segs {
			d := c.seg.Profile.TotalDuration()
			if t < c.start+d || i == len(g.segs)-1 {
				local := t - c.start
				if local < 0 {
					local = 0
				}
				pos, _, _, _, _, _ := c.seg.Profile.Evaluate(local)
				return c.seg.Start[axis] + c.seg.UnitDir[axis]*pos
			}
		}
		return 0 // unreachable
	}
}

// shapedAxis returns the shaped position function for a logical axis,
// falling back to the unshaped trajectory when no shaper is configured
// for it (Open Question 2: shaping is applied per logical axis, in
// logical-axis space, before the kinematic map).
func (g *Generator) shapedAxis(axis motion.Axis) inputshaper.Position {
	raw := g.axisPosition(axis)
	if g.shaper == nil {
		return raw
	}
	s := g.shaper.ForAxis(axis.String())
	if s == nil {
		return raw
	}
	return func(t float64) float64 { return s.Shape(raw, t) }
}

// Generate emits every step event due between the generator's current
// high-water mark and min(trajectory end, nowPrintTime + step horizon),
// per §4.5's timing contract (non-decreasing TAbs, property P5) and
// backpressure note (never emit more than the step horizon allows).
func (g *Generator) Generate(nowPrintTime float64) ([]Event, error) {
	horizonEnd := math.Min(g.total, nowPrintTime+g.stepHorizon)
	if horizonEnd <= g.emittedUpTo {
		return nil, nil
	}

	shapedXYZ := [3]inputshaper.Position{
		g.shapedAxis(motion.AxisX),
		g.shapedAxis(motion.AxisY),
		g.shapedAxis(motion.AxisZ),
	}
	shapedE := g.shapedAxis(motion.AxisE)

	var events []Event
	start := g.emittedUpTo
	n := int(math.Ceil((horizonEnd - start) / Tick))
	for i := 1; i <= n; i++ {
		t := start + float64(i)*Tick
		if t > horizonEnd {
			t = horizonEnd
		}
		logical := [3]float64{shapedXYZ[0](t), shapedXYZ[1](t), shapedXYZ[2](t)}
		motorPositions, err := g.kin.Inverse(logical)
		if err != nil {
			return events, errors.KinematicsUnreachableError(fmt.Sprintf("step generation at t=%.9f: %v", t, err))
		}
		for idx, name := range g.motorNames {
			events = appendStepEvents(events, g, name, motorPositions[idx], t)
		}
		events = appendStepEvents(events, g, "e", shapedE(t), t)
	}
	g.emittedUpTo = horizonEnd
	return events, nil
}

// appendStepEvents converts a motor's latest fractional position (in mm)
// into zero or more integer step crossings since the last sample,
// emitting one Event per integer boundary crossed (§4.5 step 3).
func appendStepEvents(events []Event, g *Generator, motor string, posMM float64, t float64) []Event {
	stepsPerMM := g.stepsPerMM[motor]
	target := posMM * stepsPerMM
	prevStep, seen := g.motorStep[motor]
	if !seen {
		g.motorStep[motor] = int64(math.Round(target))
		return events
	}
	next := int64(math.Round(target))
	if next == prevStep {
		return events
	}
	dir := 1
	step := prevStep + 1
	if next < prevStep {
		dir = -1
		step = prevStep - 1
	}
	for {
		events = append(events, Event{Motor: motor, Direction: dir, TAbs: t})
		if step == next {
			break
		}
		if dir > 0 {
			step++
		} else {
			step--
		}
	}
	g.motorStep[motor] = next
	return events
}
