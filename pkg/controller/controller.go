// Package controller implements the state machine and orchestration
// loop of §4.6: it owns the lookahead planner and step generator
// exclusively, serializes every control operation against enqueue, and
// bridges fatal planner errors and watchdog timeouts into the emergency
// stop path via the teacher's pkg/safety manager.
package controller

import (
	"fmt"
	"sync"

	"github.com/thhdragon/krusty-rs/pkg/errors"
	"github.com/thhdragon/krusty-rs/pkg/inputshaper"
	"github.com/thhdragon/krusty-rs/pkg/kinematics"
	"github.com/thhdragon/krusty-rs/pkg/log"
	"github.com/thhdragon/krusty-rs/pkg/motion"
	"github.com/thhdragon/krusty-rs/pkg/planner"
	"github.com/thhdragon/krusty-rs/pkg/safety"
	"github.com/thhdragon/krusty-rs/pkg/stepgen"
)

// State is one of the five states of §4.6's state machine.
type State int

const (
	StateIdle State = iota
	StateRunning
	StatePaused
	StateCancelled
	StateEmergencyStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateCancelled:
		return "cancelled"
	case StateEmergencyStopped:
		return "emergency_stopped"
	default:
		return "unknown"
	}
}

// Snapshot is the read-only tuple returned by QueryState.
type Snapshot struct {
	State               State
	QueuedMoves         int
	CurrentPosition     motion.Position
	PlannerTailVelocity float64
}

// Controller owns the planner queue and step generator exclusively
// (§5: "The planner queue and controller state are exclusively owned by
// the Planner+Generator task"). Every exported method is safe to call
// from any goroutine — the controller's own mutex stands in for that
// task's single-owner execution, serializing control operations against
// enqueue exactly as §5 requires without mandating a dedicated
// goroutine: the state machine is the thing being protected, not a
// particular scheduling mechanism.
type Controller struct {
	mu sync.Mutex

	cfg    motion.Config
	queue  *planner.Queue
	gen    *stepgen.Generator
	kin    kinematics.Kinematics
	shaper *inputshaper.InputShaper

	safety *safety.Manager
	log    *log.Logger

	state State
}

// New builds a controller from a validated configuration snapshot. The
// returned controller starts in StateIdle with an empty queue.
func New(cfg motion.Config, shaper *inputshaper.InputShaper) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kin, err := kinematics.New(cfg.Kinematics)
	if err != nil {
		return nil, errors.ConfigInvalidError(fmt.Sprintf("kinematics: %v", err))
	}
	gen, err := stepgen.New(kin, shaper, cfg.StepsPerMM, cfg.StepHorizon)
	if err != nil {
		return nil, err
	}
	c := &Controller{
		cfg:    cfg,
		queue:  planner.New(cfg),
		gen:    gen,
		kin:    kin,
		shaper: shaper,
		safety: safety.New(),
		log:    log.New("controller"),
		state:  StateIdle,
	}
	c.safety.OnShutdown(func(reason safety.ShutdownReason, msg string) {
		c.mu.Lock()
		c.enterEmergencyStoppedLocked()
		c.mu.Unlock()
		c.log.WithFields(log.Fields{"reason": string(reason)}).Warn(msg)
	})
	return c, nil
}

// Heartbeat posts a liveness signal to the watchdog (the supplemented
// "Planner+Generator task" heartbeat: a stalled run loop, e.g. stuck in
// a seal-retry storm, is caught here rather than only at the point of a
// PlannerDivergence return).
func (c *Controller) Heartbeat() { c.safety.Heartbeat() }

// StartWatchdog arms the watchdog-driven emergency stop.
func (c *Controller) StartWatchdog() { c.safety.StartWatchdog() }

// StopWatchdog disarms it (e.g. during an orderly shutdown).
func (c *Controller) StopWatchdog() { c.safety.StopWatchdog() }

// RegisterMotorDisabler hands the safety manager a way to cut step
// pulses at the transport edge once an emergency stop latches.
func (c *Controller) RegisterMotorDisabler(m safety.MotorDisabler) { c.safety.RegisterMotor(m) }

// RegisterMCU hands the safety manager a way to tell the downstream MCU
// link to emergency-stop and to report whether it is still connected.
func (c *Controller) RegisterMCU(m safety.MCUCommander) { c.safety.RegisterMCU(m) }

// EnqueueMove appends a move to the planner (§4.6 enqueue_move). Valid
// from Idle, Running and Paused; the first accepted move of an Idle
// controller transitions it to Running.
func (c *Controller) EnqueueMove(req motion.MoveRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateIdle, StateRunning, StatePaused:
	default:
		return errors.StateInvalidError(fmt.Sprintf("enqueue_move invalid from state %s", c.state))
	}

	accepted, err := c.queue.Enqueue(req)
	if err != nil {
		return c.handlePlannerErrorLocked(err)
	}
	if accepted && c.state == StateIdle {
		c.state = StateRunning
	}
	c.gen.Feed(c.queue.Drain())
	return nil
}

// Pause stops the planner from sealing new segments while letting
// already-sealed work keep emitting, and decelerates the current open
// tail to rest at its next segment boundary (§4.6 pause). Splitting an
// already-sealed, already-emitting segment mid-flight to stop sooner is
// not attempted: that needs the step generator to re-solve a partial
// profile for a segment it has already started stepping, which this
// core's synchronous control-plane does not support — pausing always
// settles at the next segment boundary, the contract's primary case.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateRunning {
		return errors.StateInvalidError(fmt.Sprintf("pause invalid from state %s", c.state))
	}
	if err := c.queue.Flush(); err != nil {
		return c.handlePlannerErrorLocked(err)
	}
	c.gen.Feed(c.queue.Drain())
	c.queue.SetHeld(true)
	c.state = StatePaused
	return nil
}

// Resume re-seals the held queue starting from rest (§4.6 resume).
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StatePaused {
		return errors.StateInvalidError(fmt.Sprintf("resume invalid from state %s", c.state))
	}
	c.queue.SetHeld(false)
	if err := c.queue.Flush(); err != nil {
		return c.handlePlannerErrorLocked(err)
	}
	c.gen.Feed(c.queue.Drain())
	c.state = StateRunning
	return nil
}

// Cancel stops accepting moves, re-plans every remaining open segment to
// reach rest, and settles in Idle (§4.6 cancel).
func (c *Controller) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateRunning, StatePaused:
	default:
		return errors.StateInvalidError(fmt.Sprintf("cancel invalid from state %s", c.state))
	}
	c.state = StateCancelled
	c.queue.SetHeld(false)
	if err := c.queue.Flush(); err != nil {
		return c.handlePlannerErrorLocked(err)
	}
	c.gen.Feed(c.queue.Drain())
	c.state = StateIdle
	return nil
}

// EmergencyStop discards the queue, halts the transport/MCU link and
// disables motors through the safety manager, and latches the
// controller in StateEmergencyStopped until Reset is called (§4.6
// emergency_stop, §7 PlannerDivergence: "refuses further moves until
// reset"). Valid from any state.
func (c *Controller) EmergencyStop(msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.emergencyStopLocked(msg)
}

// emergencyStopLocked requires c.mu held on entry and returns with it
// held again, but drops it around the call into the safety manager:
// EmergencyStop synchronously runs the OnShutdown callback registered in
// New, which itself needs c.mu to update controller state for triggers
// that do not originate from a locked Controller method (a watchdog
// timeout fires from its own goroutine). Holding c.mu across that call
// would deadlock against that same callback.
func (c *Controller) emergencyStopLocked(msg string) error {
	c.enterEmergencyStoppedLocked()
	c.mu.Unlock()
	err := c.safety.EmergencyStop(msg)
	c.mu.Lock()
	return err
}

func (c *Controller) enterEmergencyStoppedLocked() {
	c.queue = planner.New(c.cfg)
	c.gen, _ = stepgen.New(c.kin, c.shaper, c.cfg.StepsPerMM, c.cfg.StepHorizon)
	c.state = StateEmergencyStopped
}

// Reset clears the emergency-stop latch, re-arming the controller for
// new moves once the operator has re-homed the machine (§4.6's
// EmergencyStopped -> Idle edge; "current physical position becomes
// indeterminate until homed" is the caller's responsibility, not the
// controller's — it has no notion of home position).
func (c *Controller) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateEmergencyStopped {
		return errors.StateInvalidError(fmt.Sprintf("reset invalid from state %s", c.state))
	}
	if err := c.safety.Reset(); err != nil {
		return errors.StateInvalidError(err.Error())
	}
	c.state = StateIdle
	return nil
}

// QueryState returns a read-only snapshot (§4.6 query_state).
func (c *Controller) QueryState() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		State:               c.state,
		QueuedMoves:         c.queue.Depth(),
		CurrentPosition:     c.queue.CurrentPosition(),
		PlannerTailVelocity: c.queue.TailVelocity(),
	}
}

// GenerateSteps drains step events from the generator up to the step
// horizon ahead of nowPrintTime (§4.5), for the ingress/transport loop
// to frame and write downstream.
func (c *Controller) GenerateSteps(nowPrintTime float64) ([]stepgen.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	events, err := c.gen.Generate(nowPrintTime)
	if err != nil && errors.Is(err, errors.ErrKinematicsUnreachable) {
		_ = c.emergencyStopLocked(err.Error())
	}
	return events, err
}

// DisableShaping and EnableShaping toggle input shaping on a single
// logical axis without touching the planner or step timing (teacher
// AxisInputShaper.DisableShaping/EnableShaping, a supplemented
// operational feature: reconfiguring shaping does not affect any
// planning invariant, since shaping is applied after sealing).
func (c *Controller) DisableShaping(axis string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shaper == nil {
		return
	}
	if s := c.shaper.ForAxis(axis); s != nil {
		s.DisableShaping()
	}
}

func (c *Controller) EnableShaping(axis string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shaper == nil {
		return
	}
	if s := c.shaper.ForAxis(axis); s != nil {
		s.EnableShaping()
	}
}

// handlePlannerErrorLocked promotes a fatal planner error (currently
// only PlannerDivergence) into the emergency-stop path per §7; all other
// errors are returned to the caller without any state transition.
func (c *Controller) handlePlannerErrorLocked(err error) error {
	if errors.Is(err, errors.ErrPlannerDivergence) {
		c.enterEmergencyStoppedLocked()
		c.mu.Unlock()
		_ = c.safety.PlannerDivergence(0, err.Error())
		c.mu.Lock()
		return err
	}
	return err
}
