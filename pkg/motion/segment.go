package motion

import "github.com/thhdragon/krusty-rs/pkg/profile"

// QueueState is the lifecycle state of the planner's lookahead queue, as
// distinct from the controller's own state machine (§4.6): a segment
// moves through these states as the reverse and forward lookahead passes
// settle its entry/exit velocities and it is finally handed to the step
// generator.
type QueueState int

const (
	// QueuePending has not yet been touched by either lookahead pass.
	QueuePending QueueState = iota
	// QueueProvisional has an entry/exit velocity assigned by at least
	// one pass but may still be revised by a later move joining the
	// queue (it is not yet sealed).
	QueueProvisional
	// QueueSealed has final entry/exit velocities and a solved profile;
	// it will not be revised further and is eligible for step generation.
	QueueSealed
	// QueueEmitted has been fully converted to step events and can be
	// released from the queue.
	QueueEmitted
)

func (s QueueState) String() string {
	switch s {
	case QueuePending:
		return "pending"
	case QueueProvisional:
		return "provisional"
	case QueueSealed:
		return "sealed"
	case QueueEmitted:
		return "emitted"
	default:
		return "unknown"
	}
}

// Segment is one lookahead-queue entry: a straight-line move in logical
// axis space, from Start to End, with the junction-deviation-derived
// entry/exit velocities and the solved G^4 profile once sealed.
type Segment struct {
	SeqID    uint64
	Start    Position
	End      Position
	UnitDir  Position
	LengthMM float64
	VNominal float64

	VEntry float64
	VExit  float64

	State QueueState

	// IsFinalPass marks the last segment before a flush or cancel: its
	// VExit is forced to zero and it is sealed immediately (§4.4's "a
	// flush forces v_exit=0 for the final queued segment").
	IsFinalPass bool

	Profile *profile.Solution
}

// NewSegment computes the direction, length and nominal velocity for a
// straight-line move from start to end at the given feedrate, clamped to
// effLimits.VMax. It returns ok=false for a zero-length move (the caller
// should drop it from the queue rather than enqueue a degenerate segment).
func NewSegment(seqID uint64, start, end Position, feedrate float64, effLimits Limits) (Segment, bool) {
	delta := end.Sub(start)
	length := delta.XYZLength()
	if length == 0 {
		// Pure-extrusion or zero-motion move: direction is along E only.
		length = absFloat(delta[AxisE])
		if length == 0 {
			return Segment{}, false
		}
		var dir Position
		dir[AxisE] = sign(delta[AxisE])
		vNominal := feedrate
		if vNominal > effLimits.VMax {
			vNominal = effLimits.VMax
		}
		return Segment{SeqID: seqID, Start: start, End: end, UnitDir: dir, LengthMM: length, VNominal: vNominal, State: QueuePending}, true
	}
	var dir Position
	for i := 0; i < int(NumAxes); i++ {
		dir[i] = delta[i] / length
	}
	vNominal := feedrate
	if vNominal > effLimits.VMax {
		vNominal = effLimits.VMax
	}
	return Segment{SeqID: seqID, Start: start, End: end, UnitDir: dir, LengthMM: length, VNominal: vNominal, State: QueuePending}, true
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	if v > 0 {
		return 1
	}
	return 0
}
