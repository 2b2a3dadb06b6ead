// Package motion holds the data model shared by the planner, profile
// solver, step generator and controller: axes and positions, move
// requests, kinematic limits, the motion segment and its queue state,
// and the configuration snapshot the whole core is built from.
package motion

import (
	"fmt"
	"math"

	"github.com/thhdragon/krusty-rs/pkg/errors"
)

// Axis identifies one of the four logical axes.
type Axis int

const (
	AxisX Axis = iota
	AxisY
	AxisZ
	AxisE
	NumAxes
)

func (a Axis) String() string {
	switch a {
	case AxisX:
		return "x"
	case AxisY:
		return "y"
	case AxisZ:
		return "z"
	case AxisE:
		return "e"
	default:
		return "?"
	}
}

// Position is a fixed-length logical position, in millimeters (the E
// component in filament-mm).
type Position [NumAxes]float64

func (p Position) Sub(q Position) Position {
	var r Position
	for i := range r {
		r[i] = p[i] - q[i]
	}
	return r
}

func (p Position) Finite() bool {
	for _, v := range p {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// XYZLength returns the Euclidean distance over X, Y, Z only.
func (p Position) XYZLength() float64 {
	return math.Sqrt(p[AxisX]*p[AxisX] + p[AxisY]*p[AxisY] + p[AxisZ]*p[AxisZ])
}

// MoveRequest is an accepted, immutable motion command.
type MoveRequest struct {
	Target        Position
	Feedrate      float64 // mm/s, > 0
	IsExtrudeOnly bool
}

// Validate rejects malformed move requests at the API boundary (§7
// InvalidArgument).
func (m MoveRequest) Validate() error {
	if !m.Target.Finite() {
		return errors.InvalidArgumentError("move target position must be finite")
	}
	if !(m.Feedrate > 0) || math.IsInf(m.Feedrate, 0) {
		return errors.InvalidArgumentError(fmt.Sprintf("feedrate must be positive and finite, got %v", m.Feedrate))
	}
	return nil
}

// Limits bounds the magnitude of a segment's velocity and its first four
// time derivatives, plus the junction-deviation parameter used for
// cornering speed. All fields must be strictly positive (junction
// deviation may be zero, forcing a full stop at every corner).
type Limits struct {
	VMax, AMax, JMax, SMax, CMax float64
	JunctionDeviation           float64
}

// Validate rejects NaN or non-positive limits; +Inf is accepted as an
// unbounded limit (§7 ConfigInvalid / InvalidArgument, depending on the
// caller).
func (l Limits) Validate() error {
	for name, v := range map[string]float64{"v_max": l.VMax, "a_max": l.AMax, "j_max": l.JMax, "s_max": l.SMax, "c_max": l.CMax} {
		if math.IsNaN(v) || v <= 0 {
			return errors.InvalidArgumentError(fmt.Sprintf("%s must be positive, got %v", name, v))
		}
	}
	if l.JunctionDeviation < 0 || math.IsNaN(l.JunctionDeviation) {
		return errors.InvalidArgumentError(fmt.Sprintf("junction_deviation must be non-negative, got %v", l.JunctionDeviation))
	}
	return nil
}

// AxisLimits overrides the velocity/derivative bounds for a single axis;
// JunctionDeviation is not overridable per axis.
type AxisLimits struct {
	VMax, AMax, JMax, SMax, CMax float64
}

const directionEpsilon = 1e-9

// Effective projects the global limits and any per-axis overrides onto a
// unit direction vector, per spec.md §3: "effective limit for a segment
// is the axis-direction-projected minimum." A move with unit component
// u_i along an axis with override limit L_i can sustain at most L_i/|u_i|
// of the corresponding derivative magnitude along the direction.
func Effective(global Limits, perAxis [NumAxes]*AxisLimits, unitDir Position) Limits {
	eff := global
	for i := 0; i < int(NumAxes); i++ {
		ov := perAxis[i]
		if ov == nil {
			continue
		}
		d := math.Abs(unitDir[i])
		if d < directionEpsilon {
			continue
		}
		eff.VMax = math.Min(eff.VMax, ov.VMax/d)
		eff.AMax = math.Min(eff.AMax, ov.AMax/d)
		eff.JMax = math.Min(eff.JMax, ov.JMax/d)
		eff.SMax = math.Min(eff.SMax, ov.SMax/d)
		eff.CMax = math.Min(eff.CMax, ov.CMax/d)
	}
	return eff
}
