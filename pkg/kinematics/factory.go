// Factory functions for building a Kinematics from a configuration
// snapshot.
package kinematics

import (
	"strings"
)

// Config is the kinematics portion of a printer's configuration
// snapshot (motion.Config §6): which geometry to build and the
// parameters it needs.
type Config struct {
	Kind     Kind
	Envelope Envelope    // used by cartesian, corexy, corexz
	Delta    DeltaConfig // used by delta
}

// New builds a Kinematics instance from cfg, or an InvalidArgument error if
// cfg names an unsupported kind or fails geometry validation.
func New(cfg Config) (Kinematics, error) {
	switch cfg.Kind {
	case KindCartesian:
		return NewCartesian(cfg.Envelope), nil
	case KindCoreXY:
		return NewCoreXY(cfg.Envelope), nil
	case KindCoreXZ:
		return NewCoreXZ(cfg.Envelope), nil
	case KindDelta:
		return NewDelta(cfg.Delta)
	default:
		return nil, invalidArgument(cfg.Kind, "unsupported kinematics kind")
	}
}

// ParseKind normalizes a configuration string (e.g. from an INI
// "kinematics" option) into a Kind, or false if it names none of the
// supported geometries.
func ParseKind(s string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cartesian":
		return KindCartesian, true
	case "corexy":
		return KindCoreXY, true
	case "corexz":
		return KindCoreXZ, true
	case "delta":
		return KindDelta, true
	default:
		return "", false
	}
}

// SupportedKinds lists every Kind New can build.
func SupportedKinds() []Kind {
	return []Kind{KindCartesian, KindCoreXY, KindCoreXZ, KindDelta}
}

// MotorNames returns the human-readable motor identifiers Inverse's
// return slice is ordered by, for the given kind. The step generator
// uses these as the motor_id half of its emitted step events.
func MotorNames(kind Kind) []string {
	switch kind {
	case KindCartesian:
		return []string{"x", "y", "z"}
	case KindCoreXY:
		return []string{"a", "b", "z"}
	case KindCoreXZ:
		return []string{"a", "y", "b"}
	case KindDelta:
		return []string{"a", "b", "c"}
	default:
		return nil
	}
}
