package config

import (
	"strings"
	"testing"

	"github.com/thhdragon/krusty-rs/pkg/kinematics"
)

const cartesianConfig = `
[printer]
kinematics: cartesian
v_max: 300
a_max: 3000
j_max: 100000
s_max: 1000000
c_max: 10000000
junction_deviation: 0.05
step_horizon_ms: 50
lookahead_depth: 32
min_x: 0
max_x: 250
min_y: 0
max_y: 250
min_z: 0
max_z: 250

[stepper_x]
steps_per_mm: 80

[stepper_y]
steps_per_mm: 80

[stepper_z]
steps_per_mm: 400
a_max: 500

[extruder]
steps_per_mm: 837
`

func TestLoadMotionConfigStringCartesian(t *testing.T) {
	cfg, err := LoadMotionConfigString(cartesianConfig)
	if err != nil {
		t.Fatalf("LoadMotionConfigString: %v", err)
	}
	if cfg.Kinematics.Kind != kinematics.KindCartesian {
		t.Fatalf("Kind = %v", cfg.Kinematics.Kind)
	}
	if cfg.Limits.VMax != 300 {
		t.Fatalf("VMax = %v", cfg.Limits.VMax)
	}
	if cfg.StepHorizon != 0.05 {
		t.Fatalf("StepHorizon = %v, want 0.05s", cfg.StepHorizon)
	}
	if cfg.LookaheadDepth != 32 {
		t.Fatalf("LookaheadDepth = %v", cfg.LookaheadDepth)
	}
	if got := cfg.StepsPerMM["x"]; got != 80 {
		t.Fatalf("StepsPerMM[x] = %v", got)
	}
	if got := cfg.StepsPerMM["e"]; got != 837 {
		t.Fatalf("StepsPerMM[e] = %v", got)
	}
	if ov := cfg.PerAxis[2]; ov == nil || ov.AMax != 500 {
		t.Fatalf("PerAxis[z] override = %+v", ov)
	}
	if cfg.PerAxis[0] != nil {
		t.Fatalf("PerAxis[x] should have no override, got %+v", cfg.PerAxis[0])
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadMotionConfigStringRejectsUnknownKinematics(t *testing.T) {
	bad := strings.Replace(cartesianConfig, "kinematics: cartesian", "kinematics: teleporter", 1)
	if _, err := LoadMotionConfigString(bad); err == nil {
		t.Fatalf("expected error for unknown kinematics kind")
	}
}

func TestLoadMotionConfigStringRejectsMissingStepperSection(t *testing.T) {
	bad := strings.Replace(cartesianConfig, "[stepper_z]\nsteps_per_mm: 400\na_max: 500\n", "", 1)
	if _, err := LoadMotionConfigString(bad); err == nil {
		t.Fatalf("expected error for missing stepper_z section")
	}
}

func TestLoadMotionConfigStringDelta(t *testing.T) {
	const deltaConfig = `
[printer]
kinematics: delta
v_max: 300
a_max: 3000
j_max: 100000
s_max: 1000000
c_max: 10000000
junction_deviation: 0.05
step_horizon_ms: 50
lookahead_depth: 32

[stepper_a]
steps_per_mm: 80
[stepper_b]
steps_per_mm: 80
[stepper_c]
steps_per_mm: 80

[extruder]
steps_per_mm: 837

[delta]
radius: 140
arm_length_a: 220
arm_length_b: 220
arm_length_c: 220
min_z: -5
max_z: 250
`
	cfg, err := LoadMotionConfigString(deltaConfig)
	if err != nil {
		t.Fatalf("LoadMotionConfigString: %v", err)
	}
	if cfg.Kinematics.Kind != kinematics.KindDelta {
		t.Fatalf("Kind = %v", cfg.Kinematics.Kind)
	}
	if cfg.Kinematics.Delta.Radius != 140 {
		t.Fatalf("Delta.Radius = %v", cfg.Kinematics.Delta.Radius)
	}
	if cfg.Kinematics.Delta.PrintRadius != 140 {
		t.Fatalf("Delta.PrintRadius default = %v, want radius", cfg.Kinematics.Delta.PrintRadius)
	}
	if cfg.Kinematics.Delta.Angles != [3]float64{210, 330, 90} {
		t.Fatalf("Delta.Angles default = %v", cfg.Kinematics.Delta.Angles)
	}
	if got := cfg.StepsPerMM["a"]; got != 80 {
		t.Fatalf("StepsPerMM[a] = %v", got)
	}
}

func TestLoadMotionConfigStringInputShaper(t *testing.T) {
	withShaper := cartesianConfig + `
[input_shaper]
shaper_type_x: mzv
shaper_freq_x: 45
damping_ratio_x: 0.15
shaper_freq_y: 40
`
	cfg, err := LoadMotionConfigString(withShaper)
	if err != nil {
		t.Fatalf("LoadMotionConfigString: %v", err)
	}
	if len(cfg.Shapers) != 2 {
		t.Fatalf("Shapers = %+v, want 2 entries", cfg.Shapers)
	}
	var x, y *struct {
		freq, damping float64
	}
	for _, s := range cfg.Shapers {
		switch s.Axis {
		case "x":
			if s.ShaperFreq != 45 || s.DampingRatio != 0.15 {
				t.Fatalf("x shaper = %+v", s)
			}
			x = &struct{ freq, damping float64 }{s.ShaperFreq, s.DampingRatio}
		case "y":
			if s.ShaperFreq != 40 || s.DampingRatio != 0.1 {
				t.Fatalf("y shaper (default damping) = %+v", s)
			}
			y = &struct{ freq, damping float64 }{s.ShaperFreq, s.DampingRatio}
		}
	}
	if x == nil || y == nil {
		t.Fatalf("expected both x and y shapers, got %+v", cfg.Shapers)
	}
}

func TestLoadMotionConfigStringWithoutInputShaperSectionHasNoShapers(t *testing.T) {
	cfg, err := LoadMotionConfigString(cartesianConfig)
	if err != nil {
		t.Fatalf("LoadMotionConfigString: %v", err)
	}
	if len(cfg.Shapers) != 0 {
		t.Fatalf("Shapers = %+v, want none", cfg.Shapers)
	}
}
