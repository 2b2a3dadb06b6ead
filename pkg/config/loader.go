package config

import (
	"fmt"
	"math"

	"github.com/thhdragon/krusty-rs/pkg/inputshaper"
	"github.com/thhdragon/krusty-rs/pkg/kinematics"
	"github.com/thhdragon/krusty-rs/pkg/motion"
)

// axisSections maps a motion.Axis to the config section name Klipper's
// own printer.cfg convention uses for it.
var axisSections = [motion.NumAxes]string{
	motion.AxisX: "stepper_x",
	motion.AxisY: "stepper_y",
	motion.AxisZ: "stepper_z",
	motion.AxisE: "extruder",
}

// LoadMotionConfig reads path and builds the validated motion.Config
// snapshot the core is built from. It is the sole entry point callers
// outside this package need.
func LoadMotionConfig(path string) (motion.Config, error) {
	c, err := Load(path)
	if err != nil {
		return motion.Config{}, err
	}
	return buildMotionConfig(c)
}

// LoadMotionConfigString is LoadMotionConfig for an in-memory config,
// used by tests and by callers that embed a printer profile in source.
func LoadMotionConfigString(data string) (motion.Config, error) {
	c, err := LoadString(data)
	if err != nil {
		return motion.Config{}, err
	}
	return buildMotionConfig(c)
}

func buildMotionConfig(c *Config) (motion.Config, error) {
	printer, err := c.GetSection("printer")
	if err != nil {
		return motion.Config{}, err
	}

	kindStr, err := printer.Get("kinematics")
	if err != nil {
		return motion.Config{}, err
	}
	kind, ok := kinematics.ParseKind(kindStr)
	if !ok {
		return motion.Config{}, ErrInvalidValue("printer", "kinematics", kindStr, fmt.Sprintf("one of %v", kinematics.SupportedKinds()))
	}

	limits, err := readLimits(printer)
	if err != nil {
		return motion.Config{}, err
	}

	stepHorizonMs, err := printer.GetFloatWithBounds("step_horizon_ms", FloatBounds{Above: floatPtr(0)})
	if err != nil {
		return motion.Config{}, err
	}
	lookaheadDepth, err := printer.GetInt("lookahead_depth")
	if err != nil {
		return motion.Config{}, err
	}

	kinCfg := kinematics.Config{Kind: kind}
	stepsPerMM := make(map[string]float64)
	var perAxis [motion.NumAxes]*motion.AxisLimits

	switch kind {
	case kinematics.KindDelta:
		deltaCfg, err := readDelta(c)
		if err != nil {
			return motion.Config{}, err
		}
		kinCfg.Delta = deltaCfg
		for _, name := range kinematics.MotorNames(kind) {
			steps, err := readMotorStepsPerMM(c, name)
			if err != nil {
				return motion.Config{}, err
			}
			stepsPerMM[name] = steps
		}
	default:
		envelope, err := readEnvelope(printer)
		if err != nil {
			return motion.Config{}, err
		}
		kinCfg.Envelope = envelope
		for _, name := range kinematics.MotorNames(kind) {
			steps, err := readMotorStepsPerMM(c, name)
			if err != nil {
				return motion.Config{}, err
			}
			stepsPerMM[name] = steps
		}
	}

	for axis, sectionName := range axisSections {
		sec := c.GetSectionOptional(sectionName)
		if sec == nil {
			continue
		}
		ov, err := readAxisOverride(sec)
		if err != nil {
			return motion.Config{}, err
		}
		perAxis[axis] = ov
	}

	extruder, err := c.GetSection("extruder")
	if err != nil {
		return motion.Config{}, err
	}
	eSteps, err := extruder.GetFloatWithBounds("steps_per_mm", FloatBounds{Above: floatPtr(0)})
	if err != nil {
		return motion.Config{}, err
	}
	stepsPerMM["e"] = eSteps

	shapers, err := readShapers(c)
	if err != nil {
		return motion.Config{}, err
	}

	cfg := motion.Config{
		Kinematics:     kinCfg,
		Limits:         limits,
		PerAxis:        perAxis,
		Shapers:        shapers,
		StepsPerMM:     stepsPerMM,
		StepHorizon:    stepHorizonMs / 1000,
		LookaheadDepth: lookaheadDepth,
	}
	if err := cfg.Validate(); err != nil {
		return motion.Config{}, err
	}
	return cfg, nil
}

func readLimits(sec *Section) (motion.Limits, error) {
	vMax, err := sec.GetFloatWithBounds("v_max", FloatBounds{Above: floatPtr(0)})
	if err != nil {
		return motion.Limits{}, err
	}
	aMax, err := sec.GetFloatWithBounds("a_max", FloatBounds{Above: floatPtr(0)})
	if err != nil {
		return motion.Limits{}, err
	}
	jMax, err := sec.GetFloatWithBounds("j_max", FloatBounds{Above: floatPtr(0)})
	if err != nil {
		return motion.Limits{}, err
	}
	sMax, err := sec.GetFloatWithBounds("s_max", FloatBounds{Above: floatPtr(0)})
	if err != nil {
		return motion.Limits{}, err
	}
	cMax, err := sec.GetFloatWithBounds("c_max", FloatBounds{Above: floatPtr(0)})
	if err != nil {
		return motion.Limits{}, err
	}
	jd, err := sec.GetFloatWithBounds("junction_deviation", FloatBounds{MinVal: floatPtr(0)})
	if err != nil {
		return motion.Limits{}, err
	}
	return motion.Limits{VMax: vMax, AMax: aMax, JMax: jMax, SMax: sMax, CMax: cMax, JunctionDeviation: jd}, nil
}

// readAxisOverride reads an optional per-axis limit override from a
// stepper_<axis> section; an axis with none of the override options set
// keeps the global limits (returns a nil *AxisLimits). In a partial
// override, each option left out reads as +Inf and so does not tighten
// the global limit.
func readAxisOverride(sec *Section) (*motion.AxisLimits, error) {
	names := []string{"v_max", "a_max", "j_max", "s_max", "c_max"}
	present := false
	for _, n := range names {
		if sec.HasOption(n) {
			present = true
			break
		}
	}
	if !present {
		return nil, nil
	}

	l, err := readLimitValues(sec)
	if err != nil {
		return nil, err
	}
	return &motion.AxisLimits{VMax: l[0], AMax: l[1], JMax: l[2], SMax: l[3], CMax: l[4]}, nil
}

func readLimitValues(sec *Section) ([5]float64, error) {
	var out [5]float64
	names := []string{"v_max", "a_max", "j_max", "s_max", "c_max"}
	for i, n := range names {
		v, err := sec.GetFloatWithBounds(n, FloatBounds{Above: floatPtr(0)}, math.Inf(1))
		if err != nil {
			return out, err
		}
		out[i] = v
	}
	return out, nil
}

func readMotorStepsPerMM(c *Config, motorName string) (float64, error) {
	sectionName := "stepper_" + motorName
	sec, err := c.GetSection(sectionName)
	if err != nil {
		return 0, err
	}
	return sec.GetFloatWithBounds("steps_per_mm", FloatBounds{Above: floatPtr(0)})
}

func readEnvelope(printer *Section) (kinematics.Envelope, error) {
	var env kinematics.Envelope
	bounds := []struct {
		option string
		axis   int
		lo     bool
	}{
		{"min_x", 0, true}, {"max_x", 0, false},
		{"min_y", 1, true}, {"max_y", 1, false},
		{"min_z", 2, true}, {"max_z", 2, false},
	}
	for _, b := range bounds {
		v, err := printer.GetFloat(b.option)
		if err != nil {
			return env, err
		}
		if b.lo {
			env[b.axis][0] = v
		} else {
			env[b.axis][1] = v
		}
	}
	return env, nil
}

func readDelta(c *Config) (kinematics.DeltaConfig, error) {
	sec, err := c.GetSection("delta")
	if err != nil {
		return kinematics.DeltaConfig{}, err
	}

	radius, err := sec.GetFloatWithBounds("radius", FloatBounds{Above: floatPtr(0)})
	if err != nil {
		return kinematics.DeltaConfig{}, err
	}
	armA, err := sec.GetFloatWithBounds("arm_length_a", FloatBounds{Above: floatPtr(0)})
	if err != nil {
		return kinematics.DeltaConfig{}, err
	}
	armB, err := sec.GetFloatWithBounds("arm_length_b", FloatBounds{Above: floatPtr(0)})
	if err != nil {
		return kinematics.DeltaConfig{}, err
	}
	armC, err := sec.GetFloatWithBounds("arm_length_c", FloatBounds{Above: floatPtr(0)})
	if err != nil {
		return kinematics.DeltaConfig{}, err
	}
	angleA, err := sec.GetFloat("angle_a", 210)
	if err != nil {
		return kinematics.DeltaConfig{}, err
	}
	angleB, err := sec.GetFloat("angle_b", 330)
	if err != nil {
		return kinematics.DeltaConfig{}, err
	}
	angleC, err := sec.GetFloat("angle_c", 90)
	if err != nil {
		return kinematics.DeltaConfig{}, err
	}
	minZ, err := sec.GetFloat("min_z")
	if err != nil {
		return kinematics.DeltaConfig{}, err
	}
	maxZ, err := sec.GetFloatWithBounds("max_z", FloatBounds{Above: &minZ})
	if err != nil {
		return kinematics.DeltaConfig{}, err
	}
	printRadius, err := sec.GetFloat("print_radius", radius)
	if err != nil {
		return kinematics.DeltaConfig{}, err
	}

	return kinematics.DeltaConfig{
		Radius:      radius,
		ArmLengths:  [3]float64{armA, armB, armC},
		Angles:      [3]float64{angleA, angleB, angleC},
		MinZ:        minZ,
		MaxZ:        maxZ,
		PrintRadius: printRadius,
	}, nil
}

// readShapers parses an optional [input_shaper] section, following
// Klipper's per-axis shaper_type_<axis>/shaper_freq_<axis>/
// damping_ratio_<axis> naming convention. Only the x and y options are
// read; shaping for Z or the extruder cannot be configured from this
// file.
func readShapers(c *Config) ([]inputshaper.AxisConfig, error) {
	sec := c.GetSectionOptional("input_shaper")
	if sec == nil {
		return nil, nil
	}

	var shapers []inputshaper.AxisConfig
	for _, axis := range []string{"x", "y"} {
		if !sec.HasOption("shaper_freq_" + axis) {
			continue
		}
		freq, err := sec.GetFloatWithBounds("shaper_freq_"+axis, FloatBounds{Above: floatPtr(0)})
		if err != nil {
			return nil, err
		}
		typeStr, err := sec.Get("shaper_type_"+axis, "mzv")
		if err != nil {
			return nil, err
		}
		damping, err := sec.GetFloat("damping_ratio_"+axis, inputshaper.DefaultDampingRatio)
		if err != nil {
			return nil, err
		}
		shapers = append(shapers, inputshaper.AxisConfig{
			Axis:         axis,
			ShaperType:   inputshaper.ShaperType(typeStr),
			ShaperFreq:   freq,
			DampingRatio: damping,
		})
	}
	return shapers, nil
}

func floatPtr(v float64) *float64 { return &v }
