package andes

import (
	"encoding/binary"
	"math"
	"testing"
)

// microReg pulls the register number back out of a MicroWrite frame.
func microReg(t *testing.T, frame []byte) uint32 {
	t.Helper()
	if len(frame) != 24 {
		t.Fatalf("micro write frames are 24 bytes, got %d", len(frame))
	}
	return binary.LittleEndian.Uint32(frame[16:])
}

func microVal(t *testing.T, frame []byte) uint32 {
	t.Helper()
	if len(frame) != 24 {
		t.Fatalf("micro write frames are 24 bytes, got %d", len(frame))
	}
	return binary.LittleEndian.Uint32(frame[20:])
}

func TestKTerms(t *testing.T) {
	k1, k2, k3 := kTerms(1, 0.5, 0.25)
	if k1 != 114688 {
		t.Errorf("k1 mismatch, expected 114688 got %d", k1)
	}
	if k2 != -98304 {
		t.Errorf("k2 mismatch, expected -98304 got %d", k2)
	}
	if k3 != 16384 {
		t.Errorf("k3 mismatch, expected 16384 got %d", k3)
	}
}

func TestSetpointCode(t *testing.T) {
	cases := []struct {
		celsius float64
		code    uint32
	}{
		{0, 2731},
		{25, 2981},
		{-25, 2481},
		{100, 2981},  // clamps high
		{-100, 2481}, // clamps low
	}
	for _, tc := range cases {
		if got := setpointCode(tc.celsius); got != tc.code {
			t.Errorf("%g C: expected code %d got %d", tc.celsius, tc.code, got)
		}
	}
}

func TestSetpointRoundTrip(t *testing.T) {
	// the register quantizes to 0.1 K
	for _, c := range []float64{-25, -10, 0, 12.3, 25} {
		got := celsiusFromCode(int32(setpointCode(c)))
		if math.Abs(got-c) > 0.1 {
			t.Errorf("%g C round trips to %g C", c, got)
		}
	}
}

func TestCelsiusFromCode(t *testing.T) {
	if got := celsiusFromCode(2981); math.Abs(got-24.95) > 1e-9 {
		t.Errorf("code 2981: expected 24.95 C got %g", got)
	}
	if got := celsiusFromCode(2331); math.Abs(got-(-40.05)) > 1e-9 {
		t.Errorf("code 2331: expected -40.05 C got %g", got)
	}
}

func TestOutputCode(t *testing.T) {
	if got := outputCode(0); got != 4059 {
		t.Errorf("0 V: expected code 4059 got %d", got)
	}
	if got := outputCode(2.7); got != 4258 {
		t.Errorf("2.7 V: expected code 4258 got %d", got)
	}
	if outputCode(5.0) != outputCode(2.7) {
		t.Error("drive above the rail should clamp to 2.7 V")
	}
	if outputCode(-1) != outputCode(0) {
		t.Error("negative drive should clamp to 0 V")
	}
}

func TestThermalScriptManual(t *testing.T) {
	script := thermalScript(ThermalSettings{Manual: true, Output: 1.0})
	expected := []uint32{regSetOutput, regPIDDisable, regManualEnable}
	if len(script) != len(expected) {
		t.Fatalf("expected %d writes got %d", len(expected), len(script))
	}
	for i, reg := range expected {
		if got := microReg(t, script[i]); got != reg {
			t.Errorf("write %d: expected register %02X got %02X", i, reg, got)
		}
	}
	if got := microVal(t, script[0]); got != outputCode(1.0) {
		t.Errorf("output value mismatch, expected %d got %d", outputCode(1.0), got)
	}
}

func TestThermalScriptPID(t *testing.T) {
	ts := ThermalSettings{Setpoint: -40, Kp: 1, Ki: 0.5, Kd: 0.25}
	script := thermalScript(ts)
	// coefficients and setpoint land before the mode switch, the enable is last
	expected := []uint32{regSetK1, regSetK2, regSetK3, regSetSetpoint, regManualDisable, regPIDEnable}
	if len(script) != len(expected) {
		t.Fatalf("expected %d writes got %d", len(expected), len(script))
	}
	for i, reg := range expected {
		if got := microReg(t, script[i]); got != reg {
			t.Errorf("write %d: expected register %02X got %02X", i, reg, got)
		}
	}
	if got := microVal(t, script[0]); got != 114688 {
		t.Errorf("k1 mismatch, expected 114688 got %d", got)
	}
	if got := microVal(t, script[1]); got != uint32(0xFFFE8000) {
		t.Errorf("k2 mismatch, expected FFFE8000 got %08X", got)
	}
	if got := microVal(t, script[2]); got != 16384 {
		t.Errorf("k3 mismatch, expected 16384 got %d", got)
	}
	if got := microVal(t, script[3]); got != 2481 {
		t.Errorf("setpoint should clamp to -25 C, expected 2481 got %d", got)
	}
}
