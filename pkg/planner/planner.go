// Package planner implements the lookahead queue: an ordered sequence of
// open (unsealed) motion.Segment values that a reverse pass and a forward
// pass reconcile into consistent entry/exit velocities, before sealing
// the oldest of them against the profile solver.
//
// The reverse/forward-pass shape (over plain velocities, not squared
// ones) is grounded on the teacher's pkg/hosth4 toolhead lookAheadQueue.flush: this
// package keeps the "walk tail-to-head propagating a reachable velocity
// ceiling, then head-to-tail locking in the consistent value" structure,
// but replaces Klipper's own cruise-ratio/smoothing bookkeeping with the
// spec's direct junction-deviation formula and hands sealing off to the
// G^4 profile solver instead of a cgo trapezoid queue.
package planner

import (
	"fmt"
	"math"

	"github.com/thhdragon/krusty-rs/pkg/errors"
	"github.com/thhdragon/krusty-rs/pkg/motion"
	"github.com/thhdragon/krusty-rs/pkg/profile"
)

// maxSealRetries bounds how many times the reverse/forward passes may be
// re-run with a pinned velocity before a sealing failure is promoted from
// a per-segment recoverable condition to a fatal PlannerDivergence.
const maxSealRetries = 8

// Queue is the ordered lookahead queue: open segments awaiting stable
// entry/exit velocities, plus the sealed segments already handed to the
// step generator but not yet released.
type Queue struct {
	cfg motion.Config

	open   []*motion.Segment
	sealed []*motion.Segment

	nextSeqID uint64
	lastEnd   motion.Position
	lastV     float64

	// held suspends sealStable (but not the lookahead passes themselves)
	// so the controller can keep accepting and planning moves into a
	// paused queue without committing them to the step generator (§4.6
	// pause: "stops sealing new ones; planner may continue planning into
	// a held queue").
	held bool
}

// New creates an empty lookahead queue for the given configuration
// snapshot. The queue's current position starts at the origin with the
// machine velocity pinned to 0 (Idle), matching I5.
func New(cfg motion.Config) *Queue {
	return &Queue{cfg: cfg}
}

// CurrentPosition returns the last position enqueued (sealed or open),
// or the zero position if nothing has been enqueued yet.
func (q *Queue) CurrentPosition() motion.Position { return q.lastEnd }

// Depth returns the number of open (unsealed) segments.
func (q *Queue) Depth() int { return len(q.open) }

// SealedReady returns the sealed segments accumulated since the last
// call to Drain, in emission order.
func (q *Queue) SealedReady() []*motion.Segment { return q.sealed }

// Drain removes and returns the accumulated sealed segments, handing
// ownership to the caller (the step generator).
func (q *Queue) Drain() []*motion.Segment {
	out := q.sealed
	q.sealed = nil
	return out
}

// TailVelocity reports the velocity the queue will hand to the next
// enqueued segment's entry: the open tail's current exit velocity, or
// the last sealed velocity if the queue is empty (query_state's
// planner_tail_velocity, §4.6).
func (q *Queue) TailVelocity() float64 {
	if len(q.open) > 0 {
		return q.open[len(q.open)-1].VExit
	}
	return q.lastV
}

// SetHeld suspends (held=true) or resumes (held=false) automatic sealing
// of stable open segments. Held queues still run the lookahead passes on
// every Enqueue, so entry/exit velocities stay consistent; they simply
// are not committed to the step generator until released (§4.6 pause).
func (q *Queue) SetHeld(held bool) { q.held = held }

// Enqueue appends a new move to the tail of the open queue, computes its
// junction velocity against the previous segment, runs the lookahead
// passes, and seals whatever has become stable. It returns false without
// mutating the queue for a degenerate zero-length move (§4.4, I1).
func (q *Queue) Enqueue(req motion.MoveRequest) (bool, error) {
	if err := req.Validate(); err != nil {
		return false, err
	}
	start := q.lastEnd
	eff := motion.Effective(q.cfg.Limits, q.cfg.PerAxis, unitDirHint(start, req.Target))
	seg, ok := motion.NewSegment(q.nextSeqID, start, req.Target, req.Feedrate, eff)
	if !ok {
		return false, nil
	}
	q.nextSeqID++
	q.lastEnd = req.Target

	seg.VEntry = q.lastV
	q.open = append(q.open, &seg)

	if err := q.runPasses(); err != nil {
		return false, err
	}
	if err := q.sealStable(); err != nil {
		return false, err
	}
	return true, nil
}

// Flush forces v_exit = 0 on the tail segment and seals every open
// segment (§4.4's "emergency flush"). After Flush, the queue's current
// velocity is 0, matching a subsequent enqueue starting from rest.
func (q *Queue) Flush() error {
	if len(q.open) == 0 {
		return nil
	}
	q.open[len(q.open)-1].IsFinalPass = true
	if err := q.runPasses(); err != nil {
		return err
	}
	if err := q.sealAll(); err != nil {
		return err
	}
	q.lastV = 0
	return nil
}

// unitDirHint computes the raw (unnormalized) direction for per-axis
// limit projection before the segment's own length is known; Effective
// only cares about the direction's sign and relative proportion, so a
// raw delta is sufficient.
func unitDirHint(start, end motion.Position) motion.Position {
	d := end.Sub(start)
	length := d.XYZLength()
	if length > 0 {
		for i := 0; i < int(motion.NumAxes); i++ {
			d[i] /= length
		}
		return d
	}
	e := absFloat(d[motion.AxisE])
	if e == 0 {
		return d
	}
	var dir motion.Position
	dir[motion.AxisE] = signOf(d[motion.AxisE])
	return dir
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func signOf(v float64) float64 {
	if v < 0 {
		return -1
	}
	if v > 0 {
		return 1
	}
	return 0
}

// junctionCosTheta computes the cosine of the angle between two segments'
// travel directions as the dot product of their full 4-axis (X,Y,Z,E)
// unit vectors (Open Question 3), resolved against the reference
// implementation's JunctionDeviation::calculate_junction_speed: it does
// not special-case extrude-only moves at all, it normalizes each
// segment's direction over all four logical axes and takes their dot
// product directly. A transition between an XYZ move and a pure-E move
// therefore lands near a 90° corner (cosTheta ~ 0) rather than being
// forced to a full stop, and a transition between two pure-E moves in
// the same direction is collinear (cosTheta = 1) as expected.
//
// UnitDir is not stored as a true 4-axis unit vector (its XYZ part is
// normalized by XYZ length, its E part by E length for extrude-only
// segments), so this renormalizes over all four components before
// taking the dot product.
func junctionCosTheta(prev, cur *motion.Segment) float64 {
	pn := fourAxisUnit(prev.UnitDir)
	cn := fourAxisUnit(cur.UnitDir)
	dot := pn[motion.AxisX]*cn[motion.AxisX] +
		pn[motion.AxisY]*cn[motion.AxisY] +
		pn[motion.AxisZ]*cn[motion.AxisZ] +
		pn[motion.AxisE]*cn[motion.AxisE]
	if dot > 1 {
		dot = 1
	}
	if dot < -1 {
		dot = -1
	}
	return dot
}

// fourAxisUnit renormalizes a direction vector to unit length over all
// four logical axes (X,Y,Z,E) rather than over XYZ or E alone.
func fourAxisUnit(dir motion.Position) motion.Position {
	mag := math.Sqrt(dir[motion.AxisX]*dir[motion.AxisX] +
		dir[motion.AxisY]*dir[motion.AxisY] +
		dir[motion.AxisZ]*dir[motion.AxisZ] +
		dir[motion.AxisE]*dir[motion.AxisE])
	if mag == 0 {
		return dir
	}
	var out motion.Position
	out[motion.AxisX] = dir[motion.AxisX] / mag
	out[motion.AxisY] = dir[motion.AxisY] / mag
	out[motion.AxisZ] = dir[motion.AxisZ] / mag
	out[motion.AxisE] = dir[motion.AxisE] / mag
	return out
}

// collinearEpsilon bounds how close sin(theta/2) may get to 1 before the
// junction-deviation formula's (1 - sin(theta/2)) denominator is treated
// as zero, i.e. the corner is collinear and v_junction is unbounded
// (clamped to the nominal velocity by the caller).
const collinearEpsilon = 1e-9

// junctionVelocity computes the permissible cornering velocity at the
// junction between prev and cur, per §4.4:
//
//	v_junction = sqrt( a_max * delta * sin(theta/2) / (1 - sin(theta/2)) )
//
// using sin(theta/2) = sqrt((1 + cosTheta) / 2), where cosTheta is the
// raw dot product of the two segments' travel directions (so cosTheta=1,
// i.e. collinear travel, drives sin(theta/2) to 1 and the ratio to
// infinity; cosTheta=-1, a full reversal, drives it to 0).
func junctionVelocity(prev, cur *motion.Segment, aMax, delta float64) float64 {
	cosTheta := junctionCosTheta(prev, cur)
	sinHalf := math.Sqrt(math.Max(0, (1+cosTheta)/2))
	if sinHalf >= 1-collinearEpsilon {
		return math.Inf(1)
	}
	return math.Sqrt(aMax * delta * sinHalf / (1 - sinHalf))
}

// reachableVelocity returns the maximum velocity reachable from baseV
// across a distance of length mm under the given acceleration limit,
// i.e. the inverse of the standard v^2 = u^2 + 2*a*d kinematic identity,
// which bounds the lookahead passes' "reachable from entry/exit"
// propagation independently of the full jerk/snap/crackle-aware profile
// solver (that refinement happens once the segment is actually sealed).
func reachableVelocity(baseV, length, aMax float64) float64 {
	return math.Sqrt(baseV*baseV + 2*aMax*length)
}

// runPasses performs one reverse pass (tail to head) and one forward
// pass (head to tail) over the open segments, per §4.4. A single
// iteration suffices because each pass only shrinks velocities
// (monotone), matching the spec's stated convergence guarantee.
func (q *Queue) runPasses() error {
	n := len(q.open)
	if n == 0 {
		return nil
	}

	// Reverse pass: v_exit[i] is bounded by the junction velocity at the
	// i/i+1 boundary and by how much the next segment can still
	// decelerate into, and v_entry[i] by the corresponding value at the
	// i-1/i boundary.
	for i := n - 1; i >= 0; i-- {
		seg := q.open[i]
		vExit := seg.VNominal
		if i == n-1 && seg.IsFinalPass {
			vExit = 0
		} else if i < n-1 {
			next := q.open[i+1]
			aMax := math.Min(segLimits(q.cfg, seg).AMax, segLimits(q.cfg, next).AMax)
			vj := junctionVelocity(seg, next, aMax, q.cfg.Limits.JunctionDeviation)
			vExit = math.Min(vExit, math.Min(vj, next.VNominal))
			vExit = math.Min(vExit, reachableVelocity(next.VExit, next.LengthMM, aMax))
		}
		seg.VExit = vExit
	}

	// Forward pass: clamp each v_entry to what the previous segment can
	// actually accelerate into over its own length, and pin
	// seg[i].VExit == seg[i+1].VEntry (P4).
	q.open[0].VEntry = math.Min(q.open[0].VEntry, q.open[0].VNominal)
	for i := 0; i < n; i++ {
		seg := q.open[i]
		aMax := segLimits(q.cfg, seg).AMax
		if seg.VExit > reachableVelocity(seg.VEntry, seg.LengthMM, aMax) {
			seg.VExit = reachableVelocity(seg.VEntry, seg.LengthMM, aMax)
		}
		if i+1 < n {
			q.open[i+1].VEntry = seg.VExit
		}
		seg.State = motion.QueueProvisional
	}
	return nil
}

// segLimits returns the direction-projected effective limits for a
// segment, combining the queue's global/per-axis configuration with the
// segment's own unit direction (§3).
func segLimits(cfg motion.Config, seg *motion.Segment) motion.Limits {
	return motion.Effective(cfg.Limits, cfg.PerAxis, seg.UnitDir)
}

// sealStable seals every open segment at the head of the queue except
// for however many must remain open to satisfy LookaheadDepth, per
// §4.4's "the tail gap is larger than a configured lookahead depth."
func (q *Queue) sealStable() error {
	if q.held {
		return nil
	}
	for len(q.open) > q.cfg.LookaheadDepth {
		if err := q.sealOne(q.open[0]); err != nil {
			return err
		}
		q.sealed = append(q.sealed, q.open[0])
		q.open = q.open[1:]
	}
	return nil
}

// sealAll seals every remaining open segment, used by Flush.
func (q *Queue) sealAll() error {
	for len(q.open) > 0 {
		if err := q.sealOne(q.open[0]); err != nil {
			return err
		}
		q.sealed = append(q.sealed, q.open[0])
		q.open = q.open[1:]
	}
	return nil
}

// sealOne invokes the profile solver for a single segment. When the
// solver reports ProfileInfeasible, the segment's VEntry and VExit are
// both scaled by 0.75 and the solve is retried; the lookahead passes are
// not rerun. A segment still infeasible after maxSealRetries attempts is
// reported as a fatal PlannerDivergence.
func (q *Queue) sealOne(seg *motion.Segment) error {
	lim := segLimits(q.cfg, seg)
	for attempt := 0; attempt < maxSealRetries; attempt++ {
		sol, err := profile.Solve(seg.VEntry, seg.VExit, seg.LengthMM, profile.Limits{
			VMax: lim.VMax, AMax: lim.AMax, JMax: lim.JMax, SMax: lim.SMax, CMax: lim.CMax,
		})
		if err == nil {
			seg.Profile = sol
			seg.State = motion.QueueSealed
			return nil
		}
		if !errors.Is(err, errors.ErrProfileInfeasible) {
			return err
		}
		// The solver's own minimum-velocity feasibility check (v_peak =
		// max(v_in, v_out)) failed, so the segment cannot support either
		// endpoint at its current value; pin both down geometrically.
		// Each retry shrinks both endpoints by the same fixed factor; the
		// loop ends after maxSealRetries whether or not a feasible pair
		// has been reached.
		seg.VEntry *= 0.75
		seg.VExit *= 0.75
	}
	return errors.PlannerDivergenceError(fmt.Sprintf(
		"segment %d failed to seal within %d retries (v_entry=%.6g v_exit=%.6g length=%.6g)",
		seg.SeqID, maxSealRetries, seg.VEntry, seg.VExit, seg.LengthMM))
}
