package kinematics

import (
	"math"
	"testing"

	hosterrors "github.com/thhdragon/krusty-rs/pkg/errors"
)

func roundTrip(t *testing.T, k Kinematics, points [][3]float64) {
	for _, p := range points {
		motor, err := k.Inverse(p)
		if err != nil {
			t.Fatalf("%s: Inverse(%v) failed: %v", k.Kind(), p, err)
		}
		back, err := k.Forward(motor)
		if err != nil {
			t.Fatalf("%s: Forward(%v) failed: %v", k.Kind(), motor, err)
		}
		for i := 0; i < 3; i++ {
			if math.Abs(back[i]-p[i]) > RoundTripTolerance {
				t.Fatalf("%s: round trip for %v diverged: got %v", k.Kind(), p, back)
			}
		}
	}
}

func TestCartesianRoundTrip(t *testing.T) {
	k := NewCartesian(Envelope{{0, 200}, {0, 200}, {0, 200}})
	roundTrip(t, k, [][3]float64{
		{0, 0, 0}, {100, 100, 50}, {199.999, 0.5, 150}, {10, 190, 0},
	})
}

func TestCartesianUnreachable(t *testing.T) {
	k := NewCartesian(Envelope{{0, 200}, {0, 200}, {0, 200}})
	if _, err := k.Inverse([3]float64{201, 0, 0}); !hosterrors.Is(err, hosterrors.ErrKinematicsUnreachable) {
		t.Fatalf("expected KinematicsUnreachable, got %v", err)
	}
}

func TestCoreXYRoundTrip(t *testing.T) {
	k := NewCoreXY(Envelope{{-150, 150}, {-150, 150}, {0, 250}})
	roundTrip(t, k, [][3]float64{
		{0, 0, 0}, {100, -50, 10}, {-120, 120, 249.99}, {0.1, -0.1, 125},
	})
}

func TestCoreXZRoundTrip(t *testing.T) {
	k := NewCoreXZ(Envelope{{-150, 150}, {0, 200}, {0, 250}})
	roundTrip(t, k, [][3]float64{
		{0, 0, 0}, {80, 150, 60}, {-100, 10, 200}, {0, 199, 0},
	})
}

func TestCoreKinematicsInvalidArgument(t *testing.T) {
	k := NewCoreXY(Envelope{{-150, 150}, {-150, 150}, {0, 250}})
	if _, err := k.Forward([]float64{1, math.NaN(), 0}); !hosterrors.Is(err, hosterrors.ErrInvalidArgument) {
		t.Fatalf("expected InvalidArgument for NaN motor position, got %v", err)
	}
}

func newTestDelta(t *testing.T) *Delta {
	t.Helper()
	d, err := NewDelta(DeltaConfig{
		Radius:      100,
		ArmLengths:  [3]float64{215, 215, 215},
		MinZ:        0,
		MaxZ:        300,
		PrintRadius: 85,
	})
	if err != nil {
		t.Fatalf("NewDelta failed: %v", err)
	}
	return d
}

func TestDeltaRoundTrip(t *testing.T) {
	d := newTestDelta(t)
	roundTrip(t, d, [][3]float64{
		{0, 0, 0}, {0, 0, 150}, {40, -30, 100}, {-50, 10, 250}, {0, 84.9, 10},
	})
}

func TestDeltaUnreachableBeyondPrintRadius(t *testing.T) {
	d := newTestDelta(t)
	if _, err := d.Inverse([3]float64{95, 0, 100}); !hosterrors.Is(err, hosterrors.ErrKinematicsUnreachable) {
		t.Fatalf("expected KinematicsUnreachable beyond print radius, got %v", err)
	}
}

func TestDeltaUnreachableBeyondZ(t *testing.T) {
	d := newTestDelta(t)
	if _, err := d.Inverse([3]float64{0, 0, 301}); !hosterrors.Is(err, hosterrors.ErrKinematicsUnreachable) {
		t.Fatalf("expected KinematicsUnreachable above max_z, got %v", err)
	}
}

func TestDeltaUnreachableBeyondArmLength(t *testing.T) {
	d, err := NewDelta(DeltaConfig{
		Radius:     100,
		ArmLengths: [3]float64{105, 105, 105}, // barely longer than radius: tiny reach
		MinZ:       -400,
		MaxZ:       400,
	})
	if err != nil {
		t.Fatalf("NewDelta failed: %v", err)
	}
	// (86, 50) sits inside the default print radius (100) but is almost
	// diametrically opposite tower 0 (at angle 210deg), so reaching it
	// requires more horizontal travel than the 105mm arm allows.
	if _, err := d.Inverse([3]float64{86, 50, 0}); !hosterrors.Is(err, hosterrors.ErrKinematicsUnreachable) {
		t.Fatalf("expected KinematicsUnreachable beyond arm reach, got %v", err)
	}
}

func TestNewDeltaRejectsShortArms(t *testing.T) {
	_, err := NewDelta(DeltaConfig{
		Radius:     100,
		ArmLengths: [3]float64{90, 215, 215},
		MinZ:       0,
		MaxZ:       300,
	})
	if !hosterrors.Is(err, hosterrors.ErrInvalidArgument) {
		t.Fatalf("expected InvalidArgument for arm shorter than radius, got %v", err)
	}
}

func TestFactoryBuildsEachSupportedKind(t *testing.T) {
	for _, kind := range SupportedKinds() {
		cfg := Config{
			Kind:     kind,
			Envelope: Envelope{{-100, 100}, {-100, 100}, {0, 200}},
			Delta: DeltaConfig{
				Radius:     100,
				ArmLengths: [3]float64{215, 215, 215},
				MinZ:       0,
				MaxZ:       300,
			},
		}
		k, err := New(cfg)
		if err != nil {
			t.Fatalf("New(%s) failed: %v", kind, err)
		}
		if k.Kind() != kind {
			t.Fatalf("expected Kind() %s, got %s", kind, k.Kind())
		}
	}
}

func TestParseKind(t *testing.T) {
	cases := map[string]Kind{
		"Cartesian": KindCartesian,
		" corexy ":  KindCoreXY,
		"COREXZ":    KindCoreXZ,
		"delta":     KindDelta,
	}
	for in, want := range cases {
		got, ok := ParseKind(in)
		if !ok || got != want {
			t.Fatalf("ParseKind(%q) = (%q, %v), want (%q, true)", in, got, ok, want)
		}
	}
	if _, ok := ParseKind("polar"); ok {
		t.Fatalf("expected ParseKind to reject unsupported kind")
	}
}

func TestMotorNamesCoverEverySupportedKind(t *testing.T) {
	for _, kind := range SupportedKinds() {
		names := MotorNames(kind)
		if len(names) != 3 {
			t.Fatalf("MotorNames(%s) = %v, want 3 entries", kind, names)
		}
	}
	if names := MotorNames(Kind("unknown")); names != nil {
		t.Fatalf("expected nil MotorNames for an unsupported kind, got %v", names)
	}
}
