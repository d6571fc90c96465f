// Package andes provides control of Andes Controller CCD cameras over USB.
//
// The controller is a word-oriented device: the host writes little endian
// command frames to the bulk OUT endpoint and reads 512 byte status blocks
// and big endian pixel data from the bulk IN endpoint.  A capture is a
// scripted conversation: refresh the exposure timer, trigger, poll status
// until the exposure completes, then drain the pixel stream in 1024 byte
// chunks.
//
// Transport abstracts the USB pipe so the rest of the package can run
// against the simulator in this package as well as real hardware.
package andes

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andes-obs/andesctl/generichttp/camera"
	"github.com/astrogo/fitsio"
	"golang.org/x/time/rate"
)

// USB identity of the controller.
const (
	VID = 0x04B4
	PID = 0x00F1
)

// Transport is a bidirectional pipe to the controller.
type Transport interface {
	// Send writes one command frame.
	Send(ctx context.Context, p []byte) error

	// Recv reads up to len(p) bytes of reply or pixel data, returning how
	// many arrived.  ErrTimeout means nothing arrived before ctx expired.
	Recv(ctx context.Context, p []byte) (int, error)

	// Close releases the pipe.
	Close() error
}

// State is the capture lifecycle of a camera handle.
type State int

// States of a camera handle.
const (
	StateDisconnected State = iota
	StateIdle
	StateExposing
	StateReadingOut
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateIdle:
		return "idle"
	case StateExposing:
		return "exposing"
	case StateReadingOut:
		return "reading-out"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

const (
	// pollInterval bounds how fast the status poll spins; the sleep starts
	// at 1ms and doubles up to this cap.
	pollInterval = 250 * time.Millisecond

	// pollTimeout is how long one status read waits before concluding no
	// block is queued yet.
	pollTimeout = 100 * time.Millisecond

	// chunkTimeout is how long to wait for the next pixel chunk before
	// declaring the frame incomplete.
	chunkTimeout = 500 * time.Millisecond

	// captureSlack pads the capture deadline beyond the exposure and the
	// readout bound.
	captureSlack = 500 * time.Millisecond
)

// Camera is a handle to one controller.  Parameter changes stage on the host
// and reach the hardware when Configure uploads them; the exposure timer
// alone is refreshed on every capture, so it applies without a reupload.
type Camera struct {
	// Sensor is the CCD model this controller drives.
	Sensor Sensor

	t Transport

	state int32 // atomic State
	busy  int32 // atomic latch, one operation in flight at a time

	mu      sync.Mutex
	staged  Settings
	applied *Settings
	program *Program
	thermal ThermalSettings
	lastErr error
}

// New wraps a transport in a camera handle.  The handle starts idle with
// default settings staged; nothing touches the hardware until Configure.
func New(t Transport, sen Sensor) *Camera {
	c := &Camera{Sensor: sen, t: t, staged: DefaultSettings(sen), thermal: DefaultThermalSettings()}
	atomic.StoreInt32(&c.state, int32(StateIdle))
	return c
}

// State reports the capture lifecycle state.
func (c *Camera) State() State {
	return State(atomic.LoadInt32(&c.state))
}

func (c *Camera) setState(s State) {
	atomic.StoreInt32(&c.state, int32(s))
}

// LastFault is the error that put the camera into StateError, nil otherwise.
func (c *Camera) LastFault() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// begin claims the single operation slot.  Callers must end() when done.
func (c *Camera) begin() error {
	if !atomic.CompareAndSwapInt32(&c.busy, 0, 1) {
		return ErrDeviceBusy
	}
	if c.State() == StateDisconnected {
		atomic.StoreInt32(&c.busy, 0)
		return ErrDisconnected
	}
	return nil
}

func (c *Camera) end() {
	atomic.StoreInt32(&c.busy, 0)
}

// fault parks the camera in StateError with the reason; Configure clears it.
func (c *Camera) fault(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	c.setState(StateError)
}

// failCapture routes a capture error to the right terminal state.
func (c *Camera) failCapture(err error) {
	if errors.Is(err, ErrDisconnected) {
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		c.setState(StateDisconnected)
		return
	}
	c.fault(err)
}

// exec writes one command and returns the raw status block it elicits.
func (c *Camera) exec(ctx context.Context, cmd []byte) ([]byte, error) {
	if err := c.t.Send(ctx, cmd); err != nil {
		return nil, err
	}
	buf := make([]byte, StatusLen)
	rctx, cancel := context.WithTimeout(ctx, pollTimeout)
	n, err := c.t.Recv(rctx, buf)
	cancel()
	if err != nil {
		return nil, err
	}
	if n < 4 {
		return nil, fmt.Errorf("short status block, %d bytes", n)
	}
	return buf[:n], nil
}

// execAck is exec for commands that must answer with the OK word.
func (c *Camera) execAck(ctx context.Context, cmd []byte) error {
	status, err := c.exec(ctx, cmd)
	if err != nil {
		return err
	}
	code, err := DecodeStatus(status)
	if err != nil {
		return err
	}
	if code != RespOK {
		return StatusError{Code: code}
	}
	return nil
}

// SetExposureTime stages a new exposure time.  The timer is rewritten at the
// start of every capture, so no reconfigure is needed for it to apply.
func (c *Camera) SetExposureTime(d time.Duration) error {
	if err := c.Sensor.ValidateExposure(d); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.staged.ExposureTime = d
	if c.applied != nil {
		c.applied.ExposureTime = d
	}
	return nil
}

// GetExposureTime reports the staged exposure time.
func (c *Camera) GetExposureTime() (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.staged.ExposureTime, nil
}

// SetAOI stages a new region of interest, in unbinned 1-based pixels.
func (c *Camera) SetAOI(a camera.AOI) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.Sensor.ValidateAOI(a, c.staged.Bin); err != nil {
		return err
	}
	c.staged.AOI = a
	return nil
}

// GetAOI reports the staged region of interest.
func (c *Camera) GetAOI() (camera.AOI, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.staged.AOI, nil
}

// SetBinning stages new binning factors.  A staged AOI that no longer
// divides evenly resets to the full frame.
func (c *Camera) SetBinning(b camera.Binning) error {
	if err := c.Sensor.ValidateBinning(b); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.staged.Bin = b
	if err := c.Sensor.ValidateAOI(c.staged.AOI, b); err != nil {
		c.staged.AOI = c.Sensor.FullFrame()
	}
	return nil
}

// GetBinning reports the staged binning factors.
func (c *Camera) GetBinning() (camera.Binning, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.staged.Bin, nil
}

// SetGain stages a new video gain by table index.
func (c *Camera) SetGain(g int) error {
	if err := c.Sensor.ValidateGain(g); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.staged.Gain = g
	return nil
}

// GetGain reports the staged gain index.
func (c *Camera) GetGain() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.staged.Gain, nil
}

// SetShutterOpen stages whether the shutter opens during exposures.
func (c *Camera) SetShutterOpen(b bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.staged.OpenShutter = b
	return nil
}

// GetShutterOpen reports the staged shutter behavior.
func (c *Camera) GetShutterOpen() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.staged.OpenShutter, nil
}

// Staged returns the staged parameter set.
func (c *Camera) Staged() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.staged
}

// Applied returns the parameter set running on the hardware, false before
// the first successful Configure.
func (c *Camera) Applied() (Settings, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.applied == nil {
		return Settings{}, false
	}
	return *c.applied, true
}

// Program returns the compiled readout program most recently uploaded,
// false before the first successful Configure.
func (c *Camera) Program() (*Program, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.program == nil {
		return nil, false
	}
	return c.program, true
}

// PendingChanges lists the fields where the staged settings differ from the
// applied ones.  Everything is pending before the first Configure.
func (c *Camera) PendingChanges() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.applied == nil {
		return []string{"aoi", "binning", "exposure-time", "gain", "shutter"}
	}
	var out []string
	if c.staged.AOI != c.applied.AOI {
		out = append(out, "aoi")
	}
	if c.staged.Bin != c.applied.Bin {
		out = append(out, "binning")
	}
	if c.staged.ExposureTime != c.applied.ExposureTime {
		out = append(out, "exposure-time")
	}
	if c.staged.Gain != c.applied.Gain {
		out = append(out, "gain")
	}
	if c.staged.OpenShutter != c.applied.OpenShutter {
		out = append(out, "shutter")
	}
	return out
}

// configScript assembles the command sequence that brings the controller
// from any state to running the staged settings.  Order matters: regulators
// come up before their DACs are touched, the sequencer memory is written
// before the engine starts, and the video chain powers on last.
func (c *Camera) configScript(set Settings, prog *Program) [][]byte {
	sen := c.Sensor
	cmds := [][]byte{
		PowerEnable(0),
		PowerEnable(pwrDACs),
		ResetDACs(),
	}
	for _, cl := range sen.Clocks {
		cmds = append(cmds, SPIBiasClocks(spiDevClockDAC, spiPolDAC, spiBitsDAC, cl.word()))
	}
	for _, b := range sen.Biases {
		cmds = append(cmds, SPIBiasClocks(spiDevBiasDAC, spiPolDAC, spiBitsDAC, b.word()))
	}
	for i, r := range prog.Records() {
		cmds = append(cmds, WriteSeqMem(uint32(i), r))
	}
	cmds = append(cmds, EnableSeq(), PowerEnable(pwrDACs|pwrVideo))
	for _, w := range sen.VideoSetup {
		cmds = append(cmds, SPIVideo(spiDevVideoADC, spiPolVideo, spiBitsADC, w))
	}
	cmds = append(cmds,
		SPIVideo(spiDevVideoAmp, spiPolVideo, spiBitsADC, sen.Gains[set.Gain].code),
		PowerEnable(pwrAll),
		WriteExpoTime(uint32(set.ExposureTime.Milliseconds())))
	return cmds
}

// Configure validates the staged settings, compiles their readout program
// and uploads everything to the controller.  Each command must be
// acknowledged before the next is sent; the first refusal faults the camera
// and aborts the upload.  Configure is also how StateError is cleared.
func (c *Camera) Configure(ctx context.Context) error {
	if err := c.begin(); err != nil {
		return err
	}
	defer c.end()
	if st := c.State(); st != StateIdle && st != StateError {
		return ErrDeviceBusy
	}
	c.mu.Lock()
	set := c.staged
	c.mu.Unlock()
	if err := c.Sensor.Validate(set); err != nil {
		return err
	}
	prog, err := CompileProgram(c.Sensor.BuildProgram(set))
	if err != nil {
		return err
	}
	for _, cmd := range c.configScript(set, prog) {
		if err := ctx.Err(); err != nil {
			c.fault(err)
			return err
		}
		if err := c.execAck(ctx, cmd); err != nil {
			c.failCapture(err)
			return err
		}
	}
	c.mu.Lock()
	ap := set
	c.applied = &ap
	c.program = prog
	c.lastErr = nil
	c.mu.Unlock()
	c.setState(StateIdle)
	return nil
}

// ApplyConfiguration uploads the staged settings, see Configure
func (c *Camera) ApplyConfiguration() error {
	return c.Configure(context.Background())
}

// CameraState returns the lifecycle state as a string
func (c *Camera) CameraState() (string, error) {
	return c.State().String(), nil
}

// Snap performs one full capture and returns the assembled frame.  The
// camera must be idle with a configuration applied.  Cancelling ctx takes
// effect between pipeline steps, never mid transfer.
func (c *Camera) Snap(ctx context.Context) (*Frame, error) {
	if err := c.begin(); err != nil {
		return nil, err
	}
	defer c.end()
	c.mu.Lock()
	applied := c.applied
	prog := c.program
	c.mu.Unlock()
	if applied == nil {
		return nil, ErrNotConfigured
	}
	switch st := c.State(); st {
	case StateIdle:
	case StateError:
		c.mu.Lock()
		reason := c.lastErr
		c.mu.Unlock()
		return nil, fmt.Errorf("camera faulted, reconfigure to clear: %w", reason)
	default:
		return nil, ErrDeviceBusy
	}
	set := *applied

	stop, err := prog.Address("stop_cleaning")
	if err != nil {
		return nil, err
	}
	entry, err := prog.Address("init_sweep_out")
	if err != nil {
		return nil, err
	}

	c.setState(StateExposing)
	start := time.Now()
	// the timer is refreshed on every shot so exposure changes apply
	// without a reupload
	if err := c.execAck(ctx, WriteExpoTime(uint32(set.ExposureTime.Milliseconds()))); err != nil {
		c.failCapture(err)
		return nil, err
	}
	if err := c.t.Send(ctx, GetImage(uint32(stop), uint32(entry), set.OpenShutter)); err != nil {
		c.failCapture(err)
		return nil, err
	}

	if err := c.waitExposure(ctx, set); err != nil {
		c.failCapture(err)
		return nil, err
	}

	c.setState(StateReadingOut)
	frame, err := c.readout(ctx, set)
	if err != nil {
		c.failCapture(err)
		return nil, err
	}
	frame.Timestamp = start
	frame.Settings = set
	c.setState(StateIdle)
	return frame, nil
}

// waitExposure polls status blocks until the controller reports the exposure
// done.  The controller pushes busy words while its timer runs; gaps between
// blocks are normal and only the overall deadline fails the capture.
func (c *Camera) waitExposure(ctx context.Context, set Settings) error {
	deadline := time.Now().Add(set.ExposureTime + c.Sensor.readoutBound(set) + captureSlack)
	tSleep := time.Millisecond
	buf := make([]byte, StatusLen)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rctx, cancel := context.WithTimeout(ctx, pollTimeout)
		n, err := c.t.Recv(rctx, buf)
		cancel()
		switch {
		case err == nil:
			code, derr := DecodeStatus(buf[:n])
			if derr != nil {
				return derr
			}
			if code == RespExposeDone {
				return nil
			}
			// busy, or the ack of the trigger; keep waiting
		case errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded):
			// no block queued yet
		default:
			return err
		}
		if time.Now().After(deadline) {
			return ErrCaptureTimeout
		}
		time.Sleep(tSleep)
		tSleep *= 2
		if tSleep > pollInterval {
			tSleep = pollInterval
		}
	}
}

// readout drains the pixel stream and assembles the frame.
func (c *Camera) readout(ctx context.Context, set Settings) (*Frame, error) {
	w, h := set.FrameSize()
	expected, err := frameBytes(w, h, c.Sensor.BitDepth)
	if err != nil {
		return nil, err
	}
	chunks := make([][]byte, 0, expected/ChunkLen+1)
	received := 0
	for received < expected {
		buf := make([]byte, ChunkLen)
		rctx, cancel := context.WithTimeout(ctx, chunkTimeout)
		n, err := c.t.Recv(rctx, buf)
		cancel()
		if err != nil {
			if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				return nil, IncompleteFrameError{Expected: expected, Received: received}
			}
			return nil, err
		}
		chunks = append(chunks, buf[:n])
		received += n
	}
	return Assemble(chunks, w, h, c.Sensor.BitDepth)
}

// GetFrame performs one capture and returns the strided pixel data.
func (c *Camera) GetFrame() ([]uint16, error) {
	f, err := c.Snap(context.Background())
	if err != nil {
		return nil, err
	}
	return f.Pix, nil
}

// BurstFrames captures frames at the given rate, passing each to fn as it
// completes.  fn returning an error stops the burst.
func (c *Camera) BurstFrames(ctx context.Context, frames int, fps float64, fn func(*Frame) error) error {
	if frames < 1 {
		return InvalidParameterError{Field: "frames", Value: frames, Constraint: "at least 1"}
	}
	if fps <= 0 {
		return InvalidParameterError{Field: "fps", Value: fps, Constraint: "greater than 0"}
	}
	limiter := rate.NewLimiter(rate.Limit(fps), 1)
	for i := 0; i < frames; i++ {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		f, err := c.Snap(ctx)
		if err != nil {
			return err
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// Burst captures N frames at M fps and returns the contiguous buffer of the
// 3D cube.
func (c *Camera) Burst(frames int, fps float64) ([]uint16, error) {
	var out []uint16
	err := c.BurstFrames(context.Background(), frames, fps, func(f *Frame) error {
		if out == nil {
			out = make([]uint16, 0, len(f.Pix)*frames)
		}
		out = append(out, f.Pix...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Stream captures continuously at the given rate and delivers frames on out
// until ctx is cancelled.  The channel is closed on return.
func (c *Camera) Stream(ctx context.Context, fps float64, out chan<- *Frame) error {
	defer close(out)
	limiter := rate.NewLimiter(rate.Limit(fps), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		f, err := c.Snap(ctx)
		if err != nil {
			return err
		}
		select {
		case out <- f:
		case <-ctx.Done():
			return nil
		}
	}
}

// ConfigureThermal uploads a TEC servo configuration.  The enable register
// is written last, after the coefficients it depends on.
func (c *Camera) ConfigureThermal(ctx context.Context, ts ThermalSettings) error {
	if err := c.begin(); err != nil {
		return err
	}
	defer c.end()
	for _, cmd := range thermalScript(ts) {
		if err := c.execAck(ctx, cmd); err != nil {
			c.failCapture(err)
			return err
		}
	}
	c.mu.Lock()
	c.thermal = ts
	c.mu.Unlock()
	return nil
}

// Temperature reads the detector temperature in Celsius.
func (c *Camera) Temperature(ctx context.Context) (float64, error) {
	if err := c.begin(); err != nil {
		return 0, err
	}
	defer c.end()
	return c.temperature(ctx)
}

// temperature is Temperature without the operation latch, for callers that
// already hold it.
func (c *Camera) temperature(ctx context.Context) (float64, error) {
	status, err := c.exec(ctx, MicroRead(regGetTemperature))
	if err != nil {
		return 0, err
	}
	// register reads answer with the value in the first word
	code := int32(binary.LittleEndian.Uint32(status[:4]))
	return celsiusFromCode(code), nil
}

// GetTemperature reads the detector temperature in Celsius.
func (c *Camera) GetTemperature() (float64, error) {
	return c.Temperature(context.Background())
}

// SetCooling switches the TEC servo between closed loop and parked at zero
// drive, keeping the stored coefficients and setpoint.
func (c *Camera) SetCooling(on bool) error {
	c.mu.Lock()
	ts := c.thermal
	c.mu.Unlock()
	if on {
		ts.Manual = false
	} else {
		ts.Manual = true
		ts.Output = 0
	}
	return c.ConfigureThermal(context.Background(), ts)
}

// GetCooling reports whether the TEC servo is in closed loop.
func (c *Camera) GetCooling() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.thermal.Manual, nil
}

// SetTemperatureSetpoint writes the servo setpoint register directly; the
// loop keeps running through the change.
func (c *Camera) SetTemperatureSetpoint(celsius float64) error {
	if err := c.begin(); err != nil {
		return err
	}
	defer c.end()
	err := c.execAck(context.Background(), MicroWrite(regSetSetpoint, setpointCode(celsius)))
	if err != nil {
		c.failCapture(err)
		return err
	}
	c.mu.Lock()
	c.thermal.Setpoint = celsius
	c.mu.Unlock()
	return nil
}

// GetTemperatureSetpoint reads the setpoint back from the servo.
func (c *Camera) GetTemperatureSetpoint() (float64, error) {
	if err := c.begin(); err != nil {
		return 0, err
	}
	defer c.end()
	status, err := c.exec(context.Background(), MicroRead(regGetSetpoint))
	if err != nil {
		return 0, err
	}
	code := int32(binary.LittleEndian.Uint32(status[:4]))
	return celsiusFromCode(code), nil
}

// CollectHeaderMetadata produces the FITS cards describing the applied
// configuration.  The temperature card is best effort; a failed read only
// omits it.
func (c *Camera) CollectHeaderMetadata() []fitsio.Card {
	cards := []fitsio.Card{
		{Name: "HDRVER", Value: "andes-1", Comment: "header version"},
		{Name: "SENSOR", Value: c.Sensor.Name, Comment: "detector model"},
		{Name: "BITDEPTH", Value: c.Sensor.BitDepth, Comment: "significant bits per sample"},
	}
	set, ok := c.Applied()
	if ok {
		cards = append(cards,
			fitsio.Card{Name: "EXPTIME", Value: set.ExposureTime.Seconds(), Comment: "exposure time, seconds"},
			fitsio.Card{Name: "HBIN", Value: set.Bin.H, Comment: "horizontal binning"},
			fitsio.Card{Name: "VBIN", Value: set.Bin.V, Comment: "vertical binning"},
			fitsio.Card{Name: "AOILEFT", Value: set.AOI.Left, Comment: "AOI left, 1-based unbinned"},
			fitsio.Card{Name: "AOITOP", Value: set.AOI.Top, Comment: "AOI top, 1-based unbinned"},
			fitsio.Card{Name: "AOIWIDTH", Value: set.AOI.Width, Comment: "AOI width, unbinned"},
			fitsio.Card{Name: "AOIHGHT", Value: set.AOI.Height, Comment: "AOI height, unbinned"},
			fitsio.Card{Name: "GAIN", Value: c.Sensor.Gains[set.Gain].DB, Comment: "video gain, dB"},
			fitsio.Card{Name: "SHUTTER", Value: set.OpenShutter, Comment: "shutter opened during exposure"})
	}
	c.mu.Lock()
	prog := c.program
	c.mu.Unlock()
	if prog != nil {
		cards = append(cards, fitsio.Card{Name: "SEQCRC", Value: int(prog.Fingerprint()), Comment: "sequencer program fingerprint"})
	}
	if t, err := c.Temperature(context.Background()); err == nil {
		cards = append(cards, fitsio.Card{Name: "CCDTEMP", Value: t, Comment: "detector temperature, Celsius"})
	}
	return cards
}

// Close parks the controller and releases the transport.  The sequencer is
// halted and the regulators shut off best effort before the pipe closes.
func (c *Camera) Close() error {
	if err := c.begin(); err != nil && !errors.Is(err, ErrDisconnected) {
		return err
	} else if err == nil {
		defer c.end()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		c.execAck(ctx, DisableSeq())
		c.execAck(ctx, PowerEnable(0))
		cancel()
	}
	c.setState(StateDisconnected)
	return c.t.Close()
}
