// CoreXY/CoreXZ kinematics implementations.
package kinematics

// CoreXY implements CoreXY kinematics, where the X and Y motors (A and B)
// work together on diagonal belts:
//   - A = X + Y
//   - B = X - Y
//   - X = 0.5 * (A + B)
//   - Y = 0.5 * (A - B)
//
// Z is a direct third motor.
type CoreXY struct {
	envelope Envelope
}

// NewCoreXY builds a CoreXY kinematics bounded by the given per-axis
// [min, max] envelope (in logical X/Y/Z space, not motor A/B/Z space).
func NewCoreXY(envelope Envelope) *CoreXY {
	return &CoreXY{envelope: envelope}
}

func (c *CoreXY) Kind() Kind      { return KindCoreXY }
func (c *CoreXY) MotorCount() int { return 3 }

func (c *CoreXY) Forward(motor []float64) ([3]float64, error) {
	if len(motor) != 3 {
		return [3]float64{}, invalidArgument(KindCoreXY, "motor vector must have length 3")
	}
	if !finite(motor...) {
		return [3]float64{}, invalidArgument(KindCoreXY, "motor position must be finite")
	}
	a, b, z := motor[0], motor[1], motor[2]
	return [3]float64{0.5 * (a + b), 0.5 * (a - b), z}, nil
}

func (c *CoreXY) Inverse(logical [3]float64) ([]float64, error) {
	if !finite(logical[:]...) {
		return nil, invalidArgument(KindCoreXY, "logical position must be finite")
	}
	if !c.envelope.contains(logical) {
		return nil, unreachable(KindCoreXY, logical, "outside configured axis envelope")
	}
	x, y, z := logical[0], logical[1], logical[2]
	return []float64{x + y, x - y, z}, nil
}

// CoreXZ implements CoreXZ kinematics, coupling X and Z on diagonal belts
// while Y is a direct motor:
//   - A = X + Z
//   - B = X - Z
//   - X = 0.5 * (A + B)
//   - Z = 0.5 * (A - B)
type CoreXZ struct {
	envelope Envelope
}

// NewCoreXZ builds a CoreXZ kinematics bounded by the given per-axis
// [min, max] envelope (in logical X/Y/Z space, not motor A/Y/B space).
func NewCoreXZ(envelope Envelope) *CoreXZ {
	return &CoreXZ{envelope: envelope}
}

func (c *CoreXZ) Kind() Kind      { return KindCoreXZ }
func (c *CoreXZ) MotorCount() int { return 3 }

func (c *CoreXZ) Forward(motor []float64) ([3]float64, error) {
	if len(motor) != 3 {
		return [3]float64{}, invalidArgument(KindCoreXZ, "motor vector must have length 3")
	}
	if !finite(motor...) {
		return [3]float64{}, invalidArgument(KindCoreXZ, "motor position must be finite")
	}
	a, y, b := motor[0], motor[1], motor[2]
	return [3]float64{0.5 * (a + b), y, 0.5 * (a - b)}, nil
}

func (c *CoreXZ) Inverse(logical [3]float64) ([]float64, error) {
	if !finite(logical[:]...) {
		return nil, invalidArgument(KindCoreXZ, "logical position must be finite")
	}
	if !c.envelope.contains(logical) {
		return nil, unreachable(KindCoreXZ, logical, "outside configured axis envelope")
	}
	x, y, z := logical[0], logical[1], logical[2]
	return []float64{x + z, y, x - z}, nil
}
