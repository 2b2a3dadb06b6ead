package controller

import (
	"math"
	"testing"

	"github.com/thhdragon/krusty-rs/pkg/errors"
	"github.com/thhdragon/krusty-rs/pkg/kinematics"
	"github.com/thhdragon/krusty-rs/pkg/motion"
)

func testConfig() motion.Config {
	return motion.Config{
		Kinematics: kinematics.Config{Kind: kinematics.KindCartesian, Envelope: kinematics.Envelope{{-1000, 1000}, {-1000, 1000}, {-1000, 1000}}},
		Limits: motion.Limits{
			VMax: 300, AMax: 3000, JMax: 50000, SMax: math.Inf(1), CMax: math.Inf(1),
			JunctionDeviation: 0.05,
		},
		StepsPerMM:     map[string]float64{"x": 80, "y": 80, "z": 400, "e": 100},
		StepHorizon:    0.25,
		LookaheadDepth: 32,
	}
}

func feedrateMMPerSec(mmPerMin float64) float64 { return mmPerMin / 60 }

func newTestController(t *testing.T) *Controller {
	c, err := New(testConfig(), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

func TestEnqueueMoveFromIdleTransitionsToRunning(t *testing.T) {
	c := newTestController(t)
	if c.QueryState().State != StateIdle {
		t.Fatalf("expected initial state Idle")
	}
	if err := c.EnqueueMove(motion.MoveRequest{Target: motion.Position{10, 0, 0, 0}, Feedrate: feedrateMMPerSec(6000)}); err != nil {
		t.Fatalf("EnqueueMove failed: %v", err)
	}
	if got := c.QueryState().State; got != StateRunning {
		t.Fatalf("expected Running after first accepted move, got %s", got)
	}
}

func TestEnqueueMoveFromPausedIsAccepted(t *testing.T) {
	c := newTestController(t)
	if err := c.EnqueueMove(motion.MoveRequest{Target: motion.Position{10, 0, 0, 0}, Feedrate: feedrateMMPerSec(6000)}); err != nil {
		t.Fatalf("enqueue 1: %v", err)
	}
	if err := c.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := c.EnqueueMove(motion.MoveRequest{Target: motion.Position{20, 0, 0, 0}, Feedrate: feedrateMMPerSec(6000)}); err != nil {
		t.Fatalf("enqueue while paused: %v", err)
	}
	if got := c.QueryState().State; got != StatePaused {
		t.Fatalf("enqueue while paused should not change state, got %s", got)
	}
}

func TestEnqueueMoveRejectedWhenEmergencyStopped(t *testing.T) {
	c := newTestController(t)
	if err := c.EmergencyStop("test"); err != nil {
		t.Fatalf("EmergencyStop: %v", err)
	}
	err := c.EnqueueMove(motion.MoveRequest{Target: motion.Position{10, 0, 0, 0}, Feedrate: feedrateMMPerSec(6000)})
	if err == nil {
		t.Fatalf("expected enqueue to be rejected while emergency stopped")
	}
	if !errors.Is(err, errors.ErrStateInvalid) {
		t.Fatalf("expected a StateInvalid error, got %v", err)
	}

	if err := c.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if err := c.EnqueueMove(motion.MoveRequest{Target: motion.Position{10, 0, 0, 0}, Feedrate: feedrateMMPerSec(6000)}); err != nil {
		t.Fatalf("enqueue after reset should succeed: %v", err)
	}
}

func TestPauseRejectedFromIdleAndPaused(t *testing.T) {
	c := newTestController(t)
	if err := c.Pause(); err == nil {
		t.Fatalf("expected Pause to be rejected from Idle")
	}
	if err := c.EnqueueMove(motion.MoveRequest{Target: motion.Position{10, 0, 0, 0}, Feedrate: feedrateMMPerSec(6000)}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := c.Pause(); err != nil {
		t.Fatalf("Pause from Running: %v", err)
	}
	if err := c.Pause(); err == nil {
		t.Fatalf("expected Pause to be rejected from Paused")
	}
}

func TestPauseResumeRoundTrip(t *testing.T) {
	c := newTestController(t)
	if err := c.EnqueueMove(motion.MoveRequest{Target: motion.Position{10, 0, 0, 0}, Feedrate: feedrateMMPerSec(6000)}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := c.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if got := c.QueryState().State; got != StatePaused {
		t.Fatalf("expected Paused, got %s", got)
	}
	if v := c.QueryState().PlannerTailVelocity; v != 0 {
		t.Fatalf("expected tail velocity 0 after pause settles at rest, got %v", v)
	}
	if err := c.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if got := c.QueryState().State; got != StateRunning {
		t.Fatalf("expected Running after Resume, got %s", got)
	}
}

func TestResumeRejectedWhenNotPaused(t *testing.T) {
	c := newTestController(t)
	if err := c.Resume(); err == nil {
		t.Fatalf("expected Resume to be rejected from Idle")
	}
}

func TestCancelFromRunningSettlesIdle(t *testing.T) {
	c := newTestController(t)
	if err := c.EnqueueMove(motion.MoveRequest{Target: motion.Position{10, 0, 0, 0}, Feedrate: feedrateMMPerSec(6000)}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := c.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got := c.QueryState().State; got != StateIdle {
		t.Fatalf("expected Idle after Cancel, got %s", got)
	}
}

func TestCancelFromPausedSettlesIdle(t *testing.T) {
	c := newTestController(t)
	if err := c.EnqueueMove(motion.MoveRequest{Target: motion.Position{10, 0, 0, 0}, Feedrate: feedrateMMPerSec(6000)}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := c.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := c.Cancel(); err != nil {
		t.Fatalf("Cancel from Paused: %v", err)
	}
	if got := c.QueryState().State; got != StateIdle {
		t.Fatalf("expected Idle after Cancel from Paused, got %s", got)
	}
}

func TestCancelRejectedFromIdle(t *testing.T) {
	c := newTestController(t)
	if err := c.Cancel(); err == nil {
		t.Fatalf("expected Cancel to be rejected from Idle")
	}
}

func TestEmergencyStopFromEveryState(t *testing.T) {
	setups := map[string]func(*Controller){
		"idle": func(c *Controller) {},
		"running": func(c *Controller) {
			_ = c.EnqueueMove(motion.MoveRequest{Target: motion.Position{10, 0, 0, 0}, Feedrate: feedrateMMPerSec(6000)})
		},
		"paused": func(c *Controller) {
			_ = c.EnqueueMove(motion.MoveRequest{Target: motion.Position{10, 0, 0, 0}, Feedrate: feedrateMMPerSec(6000)})
			_ = c.Pause()
		},
	}
	for name, setup := range setups {
		t.Run(name, func(t *testing.T) {
			c := newTestController(t)
			setup(c)
			if err := c.EmergencyStop("test " + name); err != nil {
				t.Fatalf("EmergencyStop from %s: %v", name, err)
			}
			if got := c.QueryState().State; got != StateEmergencyStopped {
				t.Fatalf("expected EmergencyStopped, got %s", got)
			}
			if err := c.EnqueueMove(motion.MoveRequest{Target: motion.Position{20, 0, 0, 0}, Feedrate: feedrateMMPerSec(6000)}); err == nil {
				t.Fatalf("expected enqueue to stay rejected until Reset")
			}
		})
	}
}

func TestResetRejectedUnlessEmergencyStopped(t *testing.T) {
	c := newTestController(t)
	if err := c.Reset(); err == nil {
		t.Fatalf("expected Reset to be rejected from Idle")
	}
}

func TestQueryStateReflectsQueueDepthAndPosition(t *testing.T) {
	c := newTestController(t)
	if err := c.EnqueueMove(motion.MoveRequest{Target: motion.Position{10, 0, 0, 0}, Feedrate: feedrateMMPerSec(6000)}); err != nil {
		t.Fatalf("enqueue 1: %v", err)
	}
	if err := c.EnqueueMove(motion.MoveRequest{Target: motion.Position{20, 10, 0, 0}, Feedrate: feedrateMMPerSec(6000)}); err != nil {
		t.Fatalf("enqueue 2: %v", err)
	}
	snap := c.QueryState()
	if snap.QueuedMoves == 0 {
		t.Fatalf("expected a nonzero queued-moves count with two open segments")
	}
	if snap.CurrentPosition != (motion.Position{20, 10, 0, 0}) {
		t.Fatalf("expected current position to be the last enqueued target, got %v", snap.CurrentPosition)
	}
}

func TestEnqueueMoveRejectsInvalidArgumentWithoutDisturbingQueue(t *testing.T) {
	c := newTestController(t)
	if err := c.EnqueueMove(motion.MoveRequest{Target: motion.Position{10, 0, 0, 0}, Feedrate: feedrateMMPerSec(6000)}); err != nil {
		t.Fatalf("enqueue 1: %v", err)
	}
	before := c.QueryState()

	err := c.EnqueueMove(motion.MoveRequest{Target: motion.Position{20, 0, 0, 0}, Feedrate: -1})
	if err == nil {
		t.Fatalf("expected a negative feedrate to be rejected")
	}
	if !errors.Is(err, errors.ErrInvalidArgument) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}

	after := c.QueryState()
	if after.State != before.State || after.QueuedMoves != before.QueuedMoves {
		t.Fatalf("a rejected move must not disturb the existing queue: before=%+v after=%+v", before, after)
	}
}

type stubMotorDisabler struct{ called bool }

func (s *stubMotorDisabler) DisableMotors() error { s.called = true; return nil }

type stubMCU struct{ stopped, connected bool }

func (s *stubMCU) SendEmergencyStop() error { s.stopped = true; return nil }
func (s *stubMCU) IsConnected() bool        { return s.connected }

func TestRegisteredMotorDisablerAndMCUAreInvokedOnEmergencyStop(t *testing.T) {
	c := newTestController(t)
	motors := &stubMotorDisabler{}
	mcu := &stubMCU{connected: true}
	c.RegisterMotorDisabler(motors)
	c.RegisterMCU(mcu)

	if err := c.EmergencyStop("test"); err != nil {
		t.Fatalf("EmergencyStop: %v", err)
	}
	if !motors.called {
		t.Fatalf("expected the registered motor disabler to be invoked")
	}
	if !mcu.stopped {
		t.Fatalf("expected the registered MCU commander to be sent an emergency stop")
	}
}
