package andes

import (
	"fmt"
	"strings"
	"time"

	"github.com/andes-obs/andesctl/generichttp/camera"
)

// Sequencer pin assignments of the camera head board, one bit per pin.
const (
	pinTG   = uint64(1) << 0  // transfer gate
	pinPC1  = uint64(1) << 1  // parallel clock, phase 1
	pinPC2  = uint64(1) << 2  // parallel clock, phase 2
	pinPC3  = uint64(1) << 3  // parallel clock, phase 3
	pinSC1  = uint64(1) << 4  // serial clock, phase 1
	pinSC2  = uint64(1) << 5  // serial clock, phase 2
	pinSC3  = uint64(1) << 6  // serial clock, phase 3
	pinRG   = uint64(1) << 7  // reset gate
	pinSW   = uint64(1) << 8  // summing well
	pinDG   = uint64(1) << 9  // dump gate
	pinCDSC = uint64(1) << 10 // CDS clamp
	pinPIXT = uint64(1) << 11 // video sampling trigger
)

// SPI routing on the controller.  The bias and clock DACs share one bus, the
// video chain has its own.
const (
	spiDevBiasDAC  = 0
	spiDevClockDAC = 1
	spiDevVideoADC = 0
	spiDevVideoAmp = 1

	spiPolDAC   = 0
	spiPolVideo = 1

	spiBitsDAC = 24
	spiBitsADC = 16
)

// Regulator groups of the power enable register.
const (
	pwrDACs   = 1 << 0
	pwrClocks = 1 << 1
	pwrBias   = 1 << 2
	pwrVideo  = 1 << 3

	pwrAll = pwrDACs | pwrClocks | pwrBias | pwrVideo
)

// dacCode converts millivolts to a 12-bit DAC word.  The bias DACs span
// 0..30V after amplification.
func dacCode(mv int) uint32 {
	if mv < 0 {
		mv = 0
	}
	c := uint32(mv) * 4095 / 30000
	if c > 4095 {
		c = 4095
	}
	return c
}

// BiasSetting is one DAC channel and the voltage to program on it.
type BiasSetting struct {
	Channel    uint8
	Millivolts int
}

// word packs the setting for the SPI bus, channel in the high half.
func (b BiasSetting) word() uint32 {
	return uint32(b.Channel)<<16 | dacCode(b.Millivolts)
}

// VideoGain is one tap of the video amplifier.
type VideoGain struct {
	// DB is the nominal gain in decibels.
	DB float64
	// code programs the amplifier over SPI.
	code uint32
}

// Sensor describes one CCD model the controller can drive.  The dimensions
// are the active area; prescan and overscan pixels of the serial register are
// flushed by the readout program and never reach the host.
type Sensor struct {
	// Name is the e2v model designation.
	Name string

	// Cols and Rows are the active area dimensions in unbinned pixels.
	Cols, Rows int

	// Prescan and Overscan are the extra serial register pixels on either
	// side of the active columns.
	Prescan, Overscan int

	// BitDepth is how many bits of each 16-bit sample carry signal.
	BitDepth int

	// Binnings are the hardware binning factors the readout program supports,
	// the same set on both axes.
	Binnings []int

	// Gains are the video amplifier taps, selected by index.
	Gains []VideoGain

	// MinExposure and MaxExposure bound the exposure timer.  The upper bound
	// comes from the 24-bit millisecond field of the timer.
	MinExposure, MaxExposure time.Duration

	// Hold times of the clock waveforms, in HoldTick units.
	ParallelHold uint32
	SerialHold   uint32
	SampleHold   uint32
	FlushHold    uint32

	// Biases and Clocks are the DAC programs for the bias rails and the
	// clock rails.
	Biases []BiasSetting
	Clocks []BiasSetting

	// VideoSetup are the raw ADC configuration words, written in order.
	VideoSetup []uint32
}

// Supported sensors.  The controller is qualified against these two heads.
var (
	// CCD230_42 is the 2048x2064 deep depletion chip of the spectrograph
	// science channel.
	CCD230_42 = Sensor{
		Name:         "CCD230-42",
		Cols:         2048,
		Rows:         2064,
		Prescan:      8,
		Overscan:     16,
		BitDepth:     16,
		Binnings:     []int{1, 2, 4, 8},
		Gains:        []VideoGain{{DB: 0, code: 0x00}, {DB: 6, code: 0x01}, {DB: 12, code: 0x02}},
		MinExposure:  time.Millisecond,
		MaxExposure:  0xFFFFFF * time.Millisecond,
		ParallelHold: 500,
		SerialHold:   50,
		SampleHold:   100,
		FlushHold:    10,
		Biases: []BiasSetting{
			{Channel: 0, Millivolts: 29000}, // output drain
			{Channel: 1, Millivolts: 17000}, // reset drain
			{Channel: 2, Millivolts: 2500},  // output gate
			{Channel: 3, Millivolts: 8000},  // substrate
			{Channel: 4, Millivolts: 21000}, // dump drain
		},
		Clocks: []BiasSetting{
			{Channel: 0, Millivolts: 10000}, // parallel high rail
			{Channel: 1, Millivolts: 12000}, // serial high rail
			{Channel: 2, Millivolts: 11000}, // reset gate rail
			{Channel: 3, Millivolts: 9000},  // transfer gate rail
		},
		VideoSetup: []uint32{0x8010, 0x00E3, 0x0421},
	}

	// CCD47_10 is the 1024x1024 frame transfer chip of the guider channel.
	CCD47_10 = Sensor{
		Name:         "CCD47-10",
		Cols:         1024,
		Rows:         1024,
		Prescan:      8,
		Overscan:     8,
		BitDepth:     16,
		Binnings:     []int{1, 2, 4},
		Gains:        []VideoGain{{DB: 0, code: 0x00}, {DB: 6, code: 0x01}},
		MinExposure:  time.Millisecond,
		MaxExposure:  0xFFFFFF * time.Millisecond,
		ParallelHold: 300,
		SerialHold:   30,
		SampleHold:   60,
		FlushHold:    10,
		Biases: []BiasSetting{
			{Channel: 0, Millivolts: 28000},
			{Channel: 1, Millivolts: 16500},
			{Channel: 2, Millivolts: 3000},
			{Channel: 3, Millivolts: 7500},
		},
		Clocks: []BiasSetting{
			{Channel: 0, Millivolts: 10500},
			{Channel: 1, Millivolts: 11500},
			{Channel: 2, Millivolts: 10000},
		},
		VideoSetup: []uint32{0x8010, 0x00E1},
	}
)

// SensorByName resolves a sensor model from its config file spelling,
// case insensitive.
func SensorByName(name string) (Sensor, error) {
	switch strings.ToLower(name) {
	case "ccd230-42", "ccd230":
		return CCD230_42, nil
	case "ccd47-10", "ccd47":
		return CCD47_10, nil
	}
	return Sensor{}, fmt.Errorf("unknown sensor %q, must be ccd230-42 or ccd47-10", name)
}

// Settings is one complete parameter set for a capture.
type Settings struct {
	// AOI is the region read out, in unbinned 1-based pixels.
	AOI camera.AOI

	// Bin is the hardware binning applied inside the AOI.
	Bin camera.Binning

	// ExposureTime is rounded down to whole milliseconds on upload.
	ExposureTime time.Duration

	// Gain indexes the sensor's video gain table.
	Gain int

	// OpenShutter controls whether the mechanical shutter opens during the
	// exposure.  Dark frames leave it closed.
	OpenShutter bool
}

// FrameSize is the binned dimensions a capture with these settings produces.
func (s Settings) FrameSize() (w, h int) {
	return s.AOI.Width / s.Bin.H, s.AOI.Height / s.Bin.V
}

// DefaultSettings is the parameter set a freshly opened camera stages: full
// frame, no binning, a short exposure with the shutter enabled.
func DefaultSettings(sen Sensor) Settings {
	return Settings{
		AOI:          sen.FullFrame(),
		Bin:          camera.Binning{H: 1, V: 1},
		ExposureTime: 100 * time.Millisecond,
		Gain:         0,
		OpenShutter:  true,
	}
}

// FullFrame is the AOI covering the whole active area.
func (s Sensor) FullFrame() camera.AOI {
	return camera.AOI{Left: 1, Top: 1, Width: s.Cols, Height: s.Rows}
}

// ValidateBinning checks both axes against the sensor's supported factors.
func (s Sensor) ValidateBinning(b camera.Binning) error {
	ok := func(f int) bool {
		for _, v := range s.Binnings {
			if v == f {
				return true
			}
		}
		return false
	}
	constraint := fmt.Sprintf("supported factors are %v", s.Binnings)
	if !ok(b.H) {
		return InvalidParameterError{Field: "binning.h", Value: b.H, Constraint: constraint}
	}
	if !ok(b.V) {
		return InvalidParameterError{Field: "binning.v", Value: b.V, Constraint: constraint}
	}
	return nil
}

// ValidateAOI checks the region against the active area and requires each
// axis to divide evenly by the binning factor.
func (s Sensor) ValidateAOI(a camera.AOI, b camera.Binning) error {
	if a.Width < 1 || a.Left < 1 || a.Left+a.Width-1 > s.Cols {
		constraint := fmt.Sprintf("left >= 1 and left+width-1 <= %d", s.Cols)
		return InvalidParameterError{Field: "aoi", Value: a, Constraint: constraint}
	}
	if a.Height < 1 || a.Top < 1 || a.Top+a.Height-1 > s.Rows {
		constraint := fmt.Sprintf("top >= 1 and top+height-1 <= %d", s.Rows)
		return InvalidParameterError{Field: "aoi", Value: a, Constraint: constraint}
	}
	if a.Width%b.H != 0 {
		constraint := fmt.Sprintf("width must divide evenly by the horizontal binning %d", b.H)
		return InvalidParameterError{Field: "aoi.width", Value: a.Width, Constraint: constraint}
	}
	if a.Height%b.V != 0 {
		constraint := fmt.Sprintf("height must divide evenly by the vertical binning %d", b.V)
		return InvalidParameterError{Field: "aoi.height", Value: a.Height, Constraint: constraint}
	}
	return nil
}

// ValidateExposure checks the exposure time against the timer bounds.
func (s Sensor) ValidateExposure(d time.Duration) error {
	if d < s.MinExposure || d > s.MaxExposure {
		constraint := fmt.Sprintf("%s <= t <= %s", s.MinExposure, s.MaxExposure)
		return InvalidParameterError{Field: "exposure-time", Value: d, Constraint: constraint}
	}
	return nil
}

// ValidateGain checks the index against the gain table.
func (s Sensor) ValidateGain(g int) error {
	if g < 0 || g >= len(s.Gains) {
		constraint := fmt.Sprintf("0 <= gain <= %d", len(s.Gains)-1)
		return InvalidParameterError{Field: "gain", Value: g, Constraint: constraint}
	}
	return nil
}

// Validate checks a whole parameter set.
func (s Sensor) Validate(set Settings) error {
	if err := s.ValidateBinning(set.Bin); err != nil {
		return err
	}
	if err := s.ValidateAOI(set.AOI, set.Bin); err != nil {
		return err
	}
	if err := s.ValidateExposure(set.ExposureTime); err != nil {
		return err
	}
	return s.ValidateGain(set.Gain)
}

// parallelShift is one three phase row shift toward the serial register.
// extra pins are held high through the whole shift.
func parallelShift(hold uint32, extra uint64) []SeqState {
	return []SeqState{
		{Data: extra | pinPC1 | pinPC2, Hold: hold},
		{Data: extra | pinPC2, Hold: hold},
		{Data: extra | pinPC2 | pinPC3, Hold: hold},
		{Data: extra | pinPC3, Hold: hold},
		{Data: extra | pinPC3 | pinPC1, Hold: hold},
		{Data: extra | pinPC1, Hold: hold},
	}
}

// serialShift is one three phase pixel shift into the summing well.
func serialShift(hold uint32) []SeqState {
	return []SeqState{
		{Data: pinRG | pinSC1, Hold: hold},
		{Data: pinSC1 | pinSC2, Hold: hold},
		{Data: pinSC2 | pinSC3, Hold: hold},
		{Data: pinSC3 | pinSW, Hold: hold},
	}
}

// BuildProgram generates the sequencer program for one parameter set.  The
// mode graph is fixed; the settings only change loop counts and skip lengths:
//
//	cleaning -> cleaning                     until a capture is triggered
//	stop_cleaning -> stop_cleaning           parked through the exposure
//	init_sweep_out -> sweep_out -> [row_skip ->] parallel <-> binning, end_binning -> cleaning
//
// The capture trigger jumps the engine to stop_cleaning, then to
// init_sweep_out when the exposure timer expires.
func (s Sensor) BuildProgram(set Settings) []Mode {
	outW, outH := set.FrameSize()
	skipTop := set.AOI.Top - 1
	skipLeft := set.AOI.Left - 1

	afterSweep := "parallel"
	if skipTop > 0 {
		afterSweep = "row_skip"
	}

	modes := []Mode{
		{
			Name:  "cleaning",
			Loops: 1,
			Next:  "cleaning",
			States: append(parallelShift(s.ParallelHold, pinDG),
				SeqState{Data: pinDG | pinRG, Hold: s.FlushHold * uint32(s.Cols+s.Prescan+s.Overscan)}),
		},
		{
			Name:   "stop_cleaning",
			Loops:  1,
			Next:   "stop_cleaning",
			States: []SeqState{{Data: 0, Hold: s.ParallelHold}},
		},
		{
			Name:   "init_sweep_out",
			Loops:  1,
			Next:   "sweep_out",
			States: []SeqState{{Data: pinTG, Hold: s.ParallelHold}},
		},
		{
			// clear residual charge from the serial register before the
			// first row comes down
			Name:  "sweep_out",
			Loops: s.Cols + s.Prescan + s.Overscan,
			Next:  afterSweep,
			States: []SeqState{
				{Data: pinRG | pinSC1 | pinDG, Hold: s.FlushHold},
				{Data: pinSC3 | pinDG, Hold: s.FlushHold},
			},
		},
	}
	if skipTop > 0 {
		modes = append(modes, Mode{
			Name:   "row_skip",
			Loops:  skipTop,
			Next:   "parallel",
			States: parallelShift(s.ParallelHold, pinDG),
		})
	}

	rowStates := make([]SeqState, 0, 6*set.Bin.V+1)
	for i := 0; i < set.Bin.V; i++ {
		rowStates = append(rowStates, parallelShift(s.ParallelHold, 0)...)
	}
	if skipLeft > 0 {
		// fast dump of the prescan and the pixels left of the region
		rowStates = append(rowStates, SeqState{
			Data: pinDG | pinRG,
			Hold: s.FlushHold * uint32(s.Prescan+skipLeft),
		})
	}

	pixStates := make([]SeqState, 0, 4*set.Bin.H+3)
	for i := 0; i < set.Bin.H; i++ {
		pixStates = append(pixStates, serialShift(s.SerialHold)...)
	}
	pixStates = append(pixStates,
		SeqState{Data: pinCDSC, Hold: s.SampleHold},
		SeqState{Data: pinPIXT, Hold: s.SampleHold},
		SeqState{Data: pinRG, Hold: s.SerialHold},
	)

	modes = append(modes,
		Mode{
			Name:   "parallel",
			Loops:  1,
			Next:   "binning",
			States: rowStates,
		},
		Mode{
			Name:        "binning",
			Loops:       outW,
			Next:        "end_binning",
			Parent:      "parallel",
			NestedLoops: outH,
			States:      pixStates,
		},
		Mode{
			Name:        "end_binning",
			Loops:       1,
			Next:        "cleaning",
			Parent:      "parallel",
			NestedLoops: outH,
			States:      []SeqState{{Data: pinDG | pinRG, Hold: s.FlushHold * uint32(s.Overscan + 1)}},
		},
	)
	return modes
}

// readoutBound is a worst case estimate of how long the controller spends
// clocking out a frame with these settings, used to size capture deadlines.
func (s Sensor) readoutBound(set Settings) time.Duration {
	outW, outH := set.FrameSize()
	rowShift := 6 * int64(s.ParallelHold) * int64(set.Bin.V)
	pixel := (4*int64(s.SerialHold)*int64(set.Bin.H) + 2*int64(s.SampleHold) + int64(s.SerialHold))
	sweep := int64(s.Cols+s.Prescan+s.Overscan) * 2 * int64(s.FlushHold)
	skips := int64(s.Rows) * 6 * int64(s.ParallelHold)
	ticks := sweep + skips + int64(outH)*(rowShift+int64(outW)*pixel)
	return time.Duration(ticks*HoldTick) * time.Nanosecond
}
