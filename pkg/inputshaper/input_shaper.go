// Input shaper for minimizing motion vibrations — coefficient tables and
// axis parameter handling ported from klippy/extras/input_shaper.py; the
// convolution engine below is new (the Python original applies shaping
// inside the C step compression code, which this repo doesn't carry).
//
// Copyright (C) 2019-2020  Kevin O'Connor <kevin@koconnor.net>
// Copyright (C) 2020-2025  Dmitry Butyugin <dmbutyugin@google.com>
// Copyright (C) 2025  Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package inputshaper

import (
	"fmt"
	"strings"
)

// InputShaperParams holds the configuration parameters for one axis shaper.
type InputShaperParams struct {
	Axis         string
	ShaperType   ShaperType
	DampingRatio float64
	ShaperFreq   float64
}

// NewInputShaperParams creates shaper parameters from config values.
func NewInputShaperParams(axis string, shaperType ShaperType, dampingRatio, shaperFreq float64) (*InputShaperParams, error) {
	if shaperType == "" {
		shaperType = ShaperMZV // default
	}

	cfg := GetShaperByName(shaperType)
	if cfg == nil && shaperType != ShaperNone {
		return nil, fmt.Errorf("unsupported shaper type: %s", shaperType)
	}

	if dampingRatio <= 0 {
		dampingRatio = DefaultDampingRatio
	}
	if cfg != nil && dampingRatio > cfg.MaxDampingRatio {
		return nil, fmt.Errorf("damping ratio %.3f exceeds maximum %.3f for shaper %s",
			dampingRatio, cfg.MaxDampingRatio, shaperType)
	}

	return &InputShaperParams{
		Axis:         axis,
		ShaperType:   shaperType,
		DampingRatio: dampingRatio,
		ShaperFreq:   shaperFreq,
	}, nil
}

// GetShaper returns the shaper coefficients (n, A, T).
func (p *InputShaperParams) GetShaper() (n int, A, T []float64) {
	if p.ShaperFreq == 0 {
		A, T = GetNoneShaper()
		return len(A), A, T
	}

	cfg := GetShaperByName(p.ShaperType)
	if cfg == nil {
		A, T = GetNoneShaper()
		return len(A), A, T
	}

	A, T = cfg.InitFunc(p.ShaperFreq, p.DampingRatio)
	return len(A), A, T
}

// Update updates the shaper parameters from G-code command values.
func (p *InputShaperParams) Update(shaperType *ShaperType, dampingRatio, shaperFreq *float64) error {
	if shaperType != nil && *shaperType != "" {
		cfg := GetShaperByName(*shaperType)
		if cfg == nil {
			return fmt.Errorf("unsupported shaper type: %s", *shaperType)
		}
		p.ShaperType = *shaperType
	}

	if dampingRatio != nil {
		cfg := GetShaperByName(p.ShaperType)
		if cfg != nil && *dampingRatio > cfg.MaxDampingRatio {
			return fmt.Errorf("damping ratio %.3f too high for shaper %s on axis %s",
				*dampingRatio, p.ShaperType, strings.ToUpper(p.Axis))
		}
		p.DampingRatio = *dampingRatio
	}

	if shaperFreq != nil {
		p.ShaperFreq = *shaperFreq
	}

	return nil
}

// GetStatus returns status information about this shaper.
func (p *InputShaperParams) GetStatus() map[string]interface{} {
	return map[string]interface{}{
		"shaper_type":   string(p.ShaperType),
		"shaper_freq":   fmt.Sprintf("%.3f", p.ShaperFreq),
		"damping_ratio": fmt.Sprintf("%.6f", p.DampingRatio),
	}
}

// AxisInputShaper manages input shaping for a single axis. A shaper with
// N=0 (or an empty A/T pair) passes the input through unchanged.
type AxisInputShaper struct {
	Axis   string
	Params *InputShaperParams
	N      int
	A      []float64
	T      []float64
	saved  *struct {
		N int
		A []float64
		T []float64
	}
}

// NewAxisInputShaper creates an axis input shaper.
func NewAxisInputShaper(axis string, shaperType ShaperType, dampingRatio, shaperFreq float64) (*AxisInputShaper, error) {
	params, err := NewInputShaperParams(axis, shaperType, dampingRatio, shaperFreq)
	if err != nil {
		return nil, err
	}

	shaper := &AxisInputShaper{
		Axis:   axis,
		Params: params,
	}
	shaper.N, shaper.A, shaper.T = params.GetShaper()
	return shaper, nil
}

// GetName returns the shaper name.
func (s *AxisInputShaper) GetName() string {
	return "shaper_" + s.Axis
}

// GetShaper returns the current shaper coefficients.
func (s *AxisInputShaper) GetShaper() (n int, A, T []float64) {
	return s.N, s.A, s.T
}

// Update updates the shaper from command parameters.
func (s *AxisInputShaper) Update(shaperType *ShaperType, dampingRatio, shaperFreq *float64) error {
	if err := s.Params.Update(shaperType, dampingRatio, shaperFreq); err != nil {
		return err
	}
	s.N, s.A, s.T = s.Params.GetShaper()
	return nil
}

// IsEnabled returns true if shaping is active.
func (s *AxisInputShaper) IsEnabled() bool {
	return s.N > 0
}

// Delay returns how far the shaper's convolution window looks back in
// time, i.e. the startup latency it imposes on the axis's trajectory.
func (s *AxisInputShaper) Delay() float64 {
	if s.N == 0 {
		return 0
	}
	return s.T[s.N-1]
}

// DisableShaping temporarily disables shaping, remembering the previous
// coefficients so EnableShaping can restore them.
func (s *AxisInputShaper) DisableShaping() {
	if s.saved == nil && s.N > 0 {
		s.saved = &struct {
			N int
			A []float64
			T []float64
		}{s.N, s.A, s.T}
	}
	A, T := GetNoneShaper()
	s.N, s.A, s.T = len(A), A, T
}

// EnableShaping re-enables previously saved shaping.
func (s *AxisInputShaper) EnableShaping() {
	if s.saved == nil {
		return
	}
	s.N, s.A, s.T = s.saved.N, s.saved.A, s.saved.T
	s.saved = nil
}

// GetStatus returns status information.
func (s *AxisInputShaper) GetStatus() map[string]interface{} {
	return s.Params.GetStatus()
}

// Position is an unshaped trajectory sample function: Position(t) returns
// the commanded position (mm) along one logical axis at time t (seconds).
// Trajectories are only defined for t >= 0; the convolution engine treats
// t < 0 as held at Position(0) (spec.md §4.2/§9's "stationary prefix").
type Position func(t float64) float64

// Shape evaluates the shaped position at time t for one axis:
//
//	shaped(t) = sum_i A[i] * p(t - T[i])
//
// where p is extended to negative time by holding p(0) constant. The
// coefficients A always sum to 1 (see shaper_defs.go), so a stationary
// input (p constant) shapes to itself, and a shaper with N == 0 is the
// identity.
func (s *AxisInputShaper) Shape(p Position, t float64) float64 {
	if s.N == 0 {
		return p(t)
	}
	var sum float64
	for i := 0; i < s.N; i++ {
		lag := t - s.T[i]
		if lag < 0 {
			lag = 0
		}
		sum += s.A[i] * p(lag)
	}
	return sum
}

// InputShaper manages input shaping for all logical axes (X, Y, Z, E).
type InputShaper struct {
	Shapers []*AxisInputShaper
}

// AxisConfig is one axis's shaper configuration.
type AxisConfig struct {
	Axis         string
	ShaperType   ShaperType
	ShaperFreq   float64
	DampingRatio float64
}

// NewInputShaper builds an InputShaper from one configuration entry per
// axis. Axes with ShaperFreq == 0 pass through unshaped, matching the
// teacher's convention that a zero frequency disables shaping.
func NewInputShaper(axes []AxisConfig) (*InputShaper, error) {
	shapers := make([]*AxisInputShaper, 0, len(axes))
	for _, cfg := range axes {
		shaper, err := NewAxisInputShaper(cfg.Axis, cfg.ShaperType, cfg.DampingRatio, cfg.ShaperFreq)
		if err != nil {
			return nil, fmt.Errorf("%s axis: %w", cfg.Axis, err)
		}
		shapers = append(shapers, shaper)
	}
	return &InputShaper{Shapers: shapers}, nil
}

// ForAxis returns the shaper for the given axis name, or nil if none is
// configured for it.
func (is *InputShaper) ForAxis(axis string) *AxisInputShaper {
	for _, s := range is.Shapers {
		if s.Axis == axis {
			return s
		}
	}
	return nil
}

// GetShapers returns all axis shapers.
func (is *InputShaper) GetShapers() []*AxisInputShaper {
	return is.Shapers
}

// DisableShaping disables all shaping.
func (is *InputShaper) DisableShaping() {
	for _, shaper := range is.Shapers {
		shaper.DisableShaping()
	}
}

// EnableShaping re-enables all shaping.
func (is *InputShaper) EnableShaping() {
	for _, shaper := range is.Shapers {
		shaper.EnableShaping()
	}
}

// MaxDelay returns the largest startup latency imposed by any configured
// axis shaper, i.e. how far ahead the step generator must buffer before
// the first shaped sample is available.
func (is *InputShaper) MaxDelay() float64 {
	var max float64
	for _, s := range is.Shapers {
		if d := s.Delay(); d > max {
			max = d
		}
	}
	return max
}

// GetStatus returns status for all shapers.
func (is *InputShaper) GetStatus() map[string]interface{} {
	result := make(map[string]interface{})
	for _, shaper := range is.Shapers {
		for k, v := range shaper.GetStatus() {
			result[k+"_"+shaper.Axis] = v
		}
	}
	return result
}
