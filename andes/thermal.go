package andes

import "github.com/andes-obs/andesctl/util"

// The TEC servo runs on a supervisor microcontroller reached through the
// controller's PVM module.  Registers are written one 32-bit value at a
// time; reads come back in the first word of the status block.
const (
	regPIDEnable      = 0x00
	regPIDDisable     = 0x01
	regSetSetpoint    = 0x02
	regSetK1          = 0x03
	regSetK2          = 0x04
	regSetK3          = 0x05
	regGetSetpoint    = 0x06
	regGetK1          = 0x07
	regGetK2          = 0x08
	regGetK3          = 0x09
	regGetTemperature = 0x0A
	regManualEnable   = 0x0B
	regManualDisable  = 0x0C
	regSetOutput      = 0x0D
)

// Setpoint limits of the servo, Celsius.
const (
	SetpointMin = -25.0
	SetpointMax = 25.0
)

// Manual drive limits, volts.
const (
	outputMin = 0.0
	outputMax = 2.7
)

// kScale converts the PID terms to the micro's Q16.16 fixed point.
const kScale = 65536

// ThermalSettings is one complete parameter set for the TEC servo.
type ThermalSettings struct {
	// Manual switches the servo to open loop; Output is then the constant
	// drive voltage.  When false the PID terms and Setpoint apply.
	Manual bool

	// Setpoint is the target temperature in Celsius, clamped to
	// SetpointMin..SetpointMax.
	Setpoint float64

	// Output is the open loop drive in volts.
	Output float64

	// PID terms of the closed loop.
	Kp, Ki, Kd float64
}

// DefaultThermalSettings holds the servo off at zero drive.
func DefaultThermalSettings() ThermalSettings {
	return ThermalSettings{Manual: true, Output: 0}
}

// kTerms converts textbook PID gains to the micro's difference equation
// coefficients.
func kTerms(kp, ki, kd float64) (k1, k2, k3 int32) {
	k1 = int32((kp + ki + kd) * kScale)
	k2 = int32(-(kp + 2*kd) * kScale)
	k3 = int32(kd * kScale)
	return k1, k2, k3
}

// setpointCode converts Celsius to the register encoding, deciKelvin.
func setpointCode(celsius float64) uint32 {
	celsius = util.Clamp(celsius, SetpointMin, SetpointMax)
	return uint32((celsius + 273.15) * 10)
}

// celsiusFromCode inverts the deciKelvin register encoding.
func celsiusFromCode(code int32) float64 {
	return float64(code)/10 - 273.15
}

// outputCode converts a drive voltage to the register encoding of the micro's
// DAC path.
func outputCode(volts float64) uint32 {
	volts = util.Clamp(volts, outputMin, outputMax)
	return uint32((((volts-0.49548)/2.7098/5.0)/4.096 + 1) * 4096)
}

// thermalScript assembles the register writes that put the servo into the
// given configuration.  The enable write always comes last so the servo
// never runs on stale coefficients.
func thermalScript(ts ThermalSettings) [][]byte {
	if ts.Manual {
		return [][]byte{
			MicroWrite(regSetOutput, outputCode(ts.Output)),
			MicroWrite(regPIDDisable, 0),
			MicroWrite(regManualEnable, 0),
		}
	}
	k1, k2, k3 := kTerms(ts.Kp, ts.Ki, ts.Kd)
	return [][]byte{
		MicroWrite(regSetK1, uint32(k1)),
		MicroWrite(regSetK2, uint32(k2)),
		MicroWrite(regSetK3, uint32(k3)),
		MicroWrite(regSetSetpoint, setpointCode(ts.Setpoint)),
		MicroWrite(regManualDisable, 0),
		MicroWrite(regPIDEnable, 0),
	}
}
