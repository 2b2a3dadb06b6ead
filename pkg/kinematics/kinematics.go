// Package kinematics provides the pure, stateless forward/inverse
// coordinate maps between the logical axis frame (X, Y, Z in mm) and the
// physical motor frame used by a printer's motion system.
//
// Every implementation must round-trip Inverse(Forward(m)) == m (and vice
// versa) within RoundTripTolerance for points inside the reachable
// envelope; outside it, implementations return a structured
// *errors.HostError rather than silently clamping.
package kinematics

import (
	"fmt"
	"math"

	"github.com/thhdragon/krusty-rs/pkg/errors"
)

// Kind identifies a kinematics implementation.
type Kind string

const (
	KindCartesian Kind = "cartesian"
	KindCoreXY    Kind = "corexy"
	KindCoreXZ    Kind = "corexz"
	KindDelta     Kind = "delta"
)

// Kinematics maps between logical axis positions (X, Y, Z mm) and the
// motor-space positions driving the physical rails (one motor value per
// MotorCount()). Implementations are stateless and safe for concurrent use.
type Kinematics interface {
	Kind() Kind
	MotorCount() int

	// Forward converts a motor-space position into a logical position.
	Forward(motor []float64) ([3]float64, error)

	// Inverse converts a logical position into a motor-space position.
	// Returns a KinematicsUnreachable error if the point lies outside the
	// reachable envelope.
	Inverse(logical [3]float64) ([]float64, error)
}

// RoundTripTolerance is the maximum acceptable deviation, in mm, between a
// logical position and Forward(Inverse(logical)) (property P7).
const RoundTripTolerance = 1e-6

func unreachable(kind Kind, logical [3]float64, reason string) error {
	return errors.KinematicsUnreachableError(
		fmt.Sprintf("%s: point (%.6f, %.6f, %.6f) unreachable: %s",
			kind, logical[0], logical[1], logical[2], reason))
}

func invalidArgument(kind Kind, reason string) error {
	return errors.InvalidArgumentError(fmt.Sprintf("%s: %s", kind, reason))
}

func finite(v ...float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
