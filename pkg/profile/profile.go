// Package profile implements the G^4 bounded-jerk-snap-crackle velocity
// profile solver: given an entry velocity, an exit velocity, a segment
// length and a set of derivative limits, it produces a time-parameterized
// motion law that respects the velocity, acceleration, jerk, snap and
// crackle bounds independently and covers exactly the requested length.
//
// The solver has no counterpart in the teacher (which delegates step
// compression to a cgo trapezoid-queue library, pkg/chelper, whose C
// sources are not present in this pack); it is new code, grounded on the
// teacher's error taxonomy and the general "solve, then validate bounds"
// shape used throughout pkg/kinematics.
package profile

import (
	"fmt"
	"math"

	"github.com/thhdragon/krusty-rs/pkg/errors"
)

// Limits bounds velocity and its first four time derivatives for one
// profile solve. Unlike motion.Limits, this type carries no junction
// deviation and no per-axis notion — the caller (the planner) has already
// projected everything onto the segment's direction of travel.
type Limits struct {
	VMax, AMax, JMax, SMax, CMax float64
}

// Validate rejects non-finite or non-positive limits. SMax and CMax may
// be +Inf, the sentinel for "unbounded", collapsing the solver to a
// snap-limited (G^3) or jerk-limited (G^2) profile respectively — see
// Open Question 1 in DESIGN.md.
func (l Limits) Validate() error {
	if math.IsNaN(l.VMax) || math.IsInf(l.VMax, 0) || l.VMax <= 0 {
		return errors.InvalidArgumentError(fmt.Sprintf("v_max must be finite and positive, got %v", l.VMax))
	}
	if math.IsNaN(l.AMax) || math.IsInf(l.AMax, 0) || l.AMax <= 0 {
		return errors.InvalidArgumentError(fmt.Sprintf("a_max must be finite and positive, got %v", l.AMax))
	}
	if math.IsNaN(l.JMax) || math.IsInf(l.JMax, 0) || l.JMax <= 0 {
		return errors.InvalidArgumentError(fmt.Sprintf("j_max must be finite and positive, got %v", l.JMax))
	}
	if math.IsNaN(l.SMax) || l.SMax <= 0 {
		return errors.InvalidArgumentError(fmt.Sprintf("s_max must be positive (or +Inf), got %v", l.SMax))
	}
	if math.IsNaN(l.CMax) || l.CMax <= 0 {
		return errors.InvalidArgumentError(fmt.Sprintf("c_max must be positive (or +Inf), got %v", l.CMax))
	}
	return nil
}

// PhaseCount is the number of phases in a fully expanded G^4 profile: 15
// for the acceleration build, 1 cruise, 15 for the symmetric deceleration
// build (see DESIGN.md's nested bang-coast-bang derivation).
const PhaseCount = 31

const halfPhaseCount = 15

// phaseState is the state of the profile (relative to the segment start)
// at the instant a phase begins.
type phaseState struct {
	duration float64
	crackle  float64
	pos      float64
	vel      float64
	accel    float64
	jerk     float64
	snap     float64
}

// Solution is a fully solved G^4 profile: 31 phases, each with a constant
// crackle value, plus the cumulative state at the start of every phase so
// Evaluate can locate and evaluate the active phase in O(PhaseCount).
type Solution struct {
	phases   [PhaseCount]phaseState
	total    float64
	length   float64
	vEntry   float64
	vExit    float64
	vPeak    float64
}

// TotalDuration returns the profile's total duration in seconds.
func (s *Solution) TotalDuration() float64 { return s.total }

// Length returns the segment length in millimeters this profile covers.
func (s *Solution) Length() float64 { return s.length }

// VPeak returns the peak velocity reached by the profile.
func (s *Solution) VPeak() float64 { return s.vPeak }

// Evaluate returns position, velocity, acceleration, jerk, snap and
// crackle at time t, clamped to [0, TotalDuration()].
func (s *Solution) Evaluate(t float64) (pos, vel, accel, jerk, snap, crackle float64) {
	if t < 0 {
		t = 0
	}
	if t > s.total {
		t = s.total
	}
	var elapsed float64
	for i := range s.phases {
		ph := &s.phases[i]
		end := elapsed + ph.duration
		if t <= end || i == len(s.phases)-1 {
			tau := t - elapsed
			if tau < 0 {
				tau = 0
			}
			c := ph.crackle
			sn := ph.snap + c*tau
			j := ph.jerk + ph.snap*tau + 0.5*c*tau*tau
			a := ph.accel + ph.jerk*tau + 0.5*ph.snap*tau*tau + (1.0/6.0)*c*tau*tau*tau
			v := ph.vel + ph.accel*tau + 0.5*ph.jerk*tau*tau + (1.0/6.0)*ph.snap*tau*tau*tau + (1.0/24.0)*c*tau*tau*tau*tau
			p := ph.pos + ph.vel*tau + 0.5*ph.accel*tau*tau + (1.0/6.0)*ph.jerk*tau*tau*tau + (1.0/24.0)*ph.snap*tau*tau*tau*tau + (1.0/120.0)*c*tau*tau*tau*tau*tau
			return p, v, a, j, sn, c
		}
		elapsed = end
	}
	// Unreachable: the loop above always returns on the final phase.
	return 0, 0, 0, 0, 0, 0
}

// triOrTrap solves the classic "change a bounded quantity by delta,
// ramping in and out at a bounded rate" problem: it returns the ramp
// duration, the (possibly zero) duration spent holding at the peak, and
// the peak value actually reached. When delta is small relative to what
// a full ramp-up/ramp-down would consume, the shape degenerates from a
// trapezoid to a triangle and the peak falls below ownCap.
//
// rateCap == +Inf means the ramp is instantaneous (the bound one level up
// is absent); ownCap == +Inf together with a finite rateCap means this
// level never saturates, so the shape is always a pure triangle.
func triOrTrap(delta, ownCap, rateCap float64) (rampDur, holdDur, peak float64) {
	if delta <= 0 {
		return 0, 0, 0
	}
	if math.IsInf(rateCap, 1) {
		if math.IsInf(ownCap, 1) {
			return 0, 0, 0
		}
		return 0, delta / ownCap, ownCap
	}
	if math.IsInf(ownCap, 1) {
		peak = math.Sqrt(delta * rateCap)
		return peak / rateCap, 0, peak
	}
	tRampFull := ownCap / rateCap
	deltaDuringRamps := ownCap * tRampFull
	if delta >= deltaDuringRamps {
		return tRampFull, (delta - deltaDuringRamps) / ownCap, ownCap
	}
	peak = math.Sqrt(delta * rateCap)
	return peak / rateCap, 0, peak
}

// halfSpec is the unsigned shape of one "build" (accel-side or
// decel-side) half profile: 15 phase durations plus the crackle sign
// pattern (in units of the crackle peak actually used).
type halfSpec struct {
	durations [halfPhaseCount]float64
	signs     [halfPhaseCount]float64
	crackle   float64
}

// buildHalf constructs the 15-phase shape needed to change velocity by
// deltaV (>= 0), starting and ending at accel = jerk = snap = crackle = 0.
// See DESIGN.md for the derivation: jerk always ramps to j_max (the
// bound one level down from crackle is always assumed finite), the
// jerk-to-crackle smoothing transition is solved once via triOrTrap, and
// the outer accel-hold phase absorbs whatever velocity change remains.
func buildHalf(deltaV float64, limits Limits) halfSpec {
	var spec halfSpec
	if deltaV <= 0 {
		return spec
	}

	jPeak := limits.JMax
	tRampJ, tHoldJ, _ := triOrTrap(jPeak, limits.SMax, limits.CMax)
	tj := 2*tRampJ + tHoldJ
	cPeak := limits.CMax
	if math.IsInf(cPeak, 1) {
		cPeak = 0 // never used: the corresponding ramp phases have zero duration
	}

	var aPeak, hr float64
	aPeakIfHr0 := jPeak * tj
	if aPeakIfHr0 >= limits.AMax {
		// Degenerate configuration where a_max is reached by smoothing
		// alone; clamp rather than re-derive the smoothing shape.
		aPeak = limits.AMax
		hr = 0
	} else {
		aPeakCandidate := limits.AMax
		hrCandidate := aPeakCandidate/jPeak - tj
		trCandidate := 2*tj + hrCandidate
		deltaIfNoOuterHold := aPeakCandidate * trCandidate
		if deltaV >= deltaIfNoOuterHold {
			aPeak = aPeakCandidate
			hr = hrCandidate
		} else {
			// Solve aPeak*(tj + aPeak/jPeak) == deltaV for aPeak >= 0.
			disc := tj*tj + 4*deltaV/jPeak
			aPeak = jPeak * (-tj + math.Sqrt(disc)) / 2
			hr = aPeak/jPeak - tj
			if hr < 0 {
				hr = 0
				aPeak = math.Sqrt(deltaV * jPeak)
			}
		}
	}
	tr := 2*tj + hr

	var tHoldA float64
	if aPeak > 0 {
		tHoldA = deltaV/aPeak - tr
		if tHoldA < 0 {
			tHoldA = 0
		}
	}

	durs := [halfPhaseCount]float64{
		tRampJ, tHoldJ, tRampJ, hr, tRampJ, tHoldJ, tRampJ, tHoldA,
		tRampJ, tHoldJ, tRampJ, hr, tRampJ, tHoldJ, tRampJ,
	}
	signs := [halfPhaseCount]float64{
		+1, 0, -1, 0, -1, 0, +1, 0,
		-1, 0, +1, 0, +1, 0, -1,
	}
	for i := range durs {
		if durs[i] <= 0 {
			durs[i] = 0
			signs[i] = 0
		}
	}
	spec.durations = durs
	spec.signs = signs
	spec.crackle = cPeak
	return spec
}

// integrateHalf walks a half-profile's 15 phases starting from the given
// state, returning the resulting per-phase states (for assembly into a
// Solution) and the total distance/duration/velocity change covered.
func integrateHalf(spec halfSpec, sign float64, start phaseState) ([halfPhaseCount]phaseState, phaseState) {
	var out [halfPhaseCount]phaseState
	st := start
	for i := 0; i < halfPhaseCount; i++ {
		d := spec.durations[i]
		c := sign * spec.signs[i] * spec.crackle
		out[i] = phaseState{duration: d, crackle: c, pos: st.pos, vel: st.vel, accel: st.accel, jerk: st.jerk, snap: st.snap}
		snap := st.snap + c*d
		jerk := st.jerk + st.snap*d + 0.5*c*d*d
		accel := st.accel + st.jerk*d + 0.5*st.snap*d*d + (1.0/6.0)*c*d*d*d
		vel := st.vel + st.accel*d + 0.5*st.jerk*d*d + (1.0/6.0)*st.snap*d*d*d + (1.0/24.0)*c*d*d*d*d
		pos := st.pos + st.vel*d + 0.5*st.accel*d*d + (1.0/6.0)*st.jerk*d*d*d + (1.0/24.0)*st.snap*d*d*d*d + (1.0/120.0)*c*d*d*d*d*d
		st = phaseState{pos: pos, vel: vel, accel: accel, jerk: jerk, snap: snap}
	}
	return out, st
}

// halfLength returns the distance and duration covered by ramping from
// baseVel by deltaV (sign gives the direction: +1 accelerating, -1
// decelerating), starting at rest in every higher derivative.
func halfLength(deltaV, sign float64, baseVel float64, limits Limits) (length, duration, endVel float64) {
	spec := buildHalf(math.Abs(deltaV), limits)
	_, end := integrateHalf(spec, sign, phaseState{vel: baseVel})
	var dur float64
	for _, d := range spec.durations {
		dur += d
	}
	return end.pos, dur, end.vel
}

const lengthTolerance = 1e-9 // mm

// Solve computes a G^4 profile from vIn to vOut across a segment of
// length L, subject to limits. It returns ProfileInfeasible if even the
// minimum-velocity (v_peak = max(vIn, vOut)) profile cannot fit within L.
func Solve(vIn, vOut, l float64, limits Limits) (*Solution, error) {
	if math.IsNaN(vIn) || vIn < 0 || math.IsInf(vIn, 0) {
		return nil, errors.InvalidArgumentError(fmt.Sprintf("v_in must be finite and non-negative, got %v", vIn))
	}
	if math.IsNaN(vOut) || vOut < 0 || math.IsInf(vOut, 0) {
		return nil, errors.InvalidArgumentError(fmt.Sprintf("v_out must be finite and non-negative, got %v", vOut))
	}
	if math.IsNaN(l) || l < 0 || math.IsInf(l, 0) {
		return nil, errors.InvalidArgumentError(fmt.Sprintf("length must be finite and non-negative, got %v", l))
	}
	if err := limits.Validate(); err != nil {
		return nil, err
	}

	if l < 1e-6 {
		// Zero-length (or sub-micron) move: accepted with a trivial
		// profile, matching the "zero-length move, no steps" boundary case.
		return &Solution{length: l, vEntry: vIn, vExit: vOut, vPeak: math.Max(vIn, vOut)}, nil
	}

	vLow := math.Max(vIn, vOut)
	vHigh := math.Max(vLow, limits.VMax)

	feasibleLength := func(vPeak float64) (float64, float64, float64, float64) {
		lAccel, tAccel, _ := halfLength(vPeak-vIn, +1, vIn, limits)
		lDecel, tDecel, _ := halfLength(vPeak-vOut, -1, vPeak, limits)
		return lAccel, tAccel, lDecel, tDecel
	}

	lAccelLow, _, lDecelLow, _ := feasibleLength(vLow)
	if lAccelLow+lDecelLow > l+lengthTolerance {
		return nil, errors.ProfileInfeasibleError(fmt.Sprintf(
			"segment length %.9g mm cannot accommodate v_in=%.6g v_out=%.6g under the given limits (minimum %.9g mm)",
			l, vIn, vOut, lAccelLow+lDecelLow))
	}

	vPeak := vHigh
	lAccel, _, lDecel, _ := feasibleLength(vHigh)
	if lAccel+lDecel > l+lengthTolerance {
		lo, hi := vLow, vHigh
		for i := 0; i < 64; i++ {
			mid := (lo + hi) / 2
			la, _, ld, _ := feasibleLength(mid)
			if la+ld > l {
				hi = mid
			} else {
				lo = mid
			}
		}
		vPeak = lo
		lAccel, _, lDecel, _ = feasibleLength(vPeak)
	}

	accelSpec := buildHalf(vPeak-vIn, limits)
	decelSpec := buildHalf(vPeak-vOut, limits)
	accelPhases, afterAccel := integrateHalf(accelSpec, +1, phaseState{vel: vIn})

	cruiseLength := l - lAccel - lDecel
	if cruiseLength < 0 {
		cruiseLength = 0
	}
	var cruiseDuration float64
	if vPeak > 0 {
		cruiseDuration = cruiseLength / vPeak
	}
	cruiseState := phaseState{duration: cruiseDuration, pos: afterAccel.pos, vel: vPeak}
	cruiseEnd := phaseState{pos: afterAccel.pos + vPeak*cruiseDuration, vel: vPeak}

	decelPhases, _ := integrateHalf(decelSpec, -1, cruiseEnd)

	sol := &Solution{length: l, vEntry: vIn, vExit: vOut, vPeak: vPeak}
	copy(sol.phases[0:halfPhaseCount], accelPhases[:])
	sol.phases[halfPhaseCount] = cruiseState
	copy(sol.phases[halfPhaseCount+1:], decelPhases[:])

	var total float64
	for _, p := range sol.phases {
		total += p.duration
	}
	sol.total = total
	return sol, nil
}
