package andes

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Mock emulates a controller in memory.  It decodes the same command frames
// the hardware does, keeps the register and sequencer memory state, and
// synthesizes pixel data for captures.  The exported knobs inject faults for
// testing; zero values leave the link healthy.
type Mock struct {
	mu  sync.Mutex
	sen Sensor

	// FailOp refuses the nth accepted command (1-based) with FailCode, or
	// RespError when FailCode is zero.
	FailOp   int
	FailCode uint32

	// TruncateFrame starves the pixel stream after this many bytes.
	TruncateFrame int

	// DropAfterBytes kills the link once this many pixel bytes have been
	// served, as if the cable were pulled mid readout.
	DropAfterBytes int

	// DropLink kills the link immediately.
	DropLink bool

	// Temp is the detector temperature the supervisor micro reports.
	Temp float64

	// Ops counts accepted commands, for asserting that a rejected operation
	// never reached the device.
	Ops int

	power    uint32
	expoMs   uint32
	seqOn    bool
	recs     map[uint32]Record
	regs     map[uint32]uint32
	setpoint uint32

	statusQ  [][]byte
	stream   []byte
	streamed int
	exposing bool
	started  time.Time
	shutter  bool
}

// NewMock returns a healthy simulated controller for the given sensor.
func NewMock(sen Sensor) *Mock {
	return &Mock{
		sen:  sen,
		Temp: -40,
		recs: map[uint32]Record{},
		regs: map[uint32]uint32{},
	}
}

func statusBlock(word0 uint32) []byte {
	b := make([]byte, StatusLen)
	binary.LittleEndian.PutUint32(b[:4], word0)
	return b
}

// Send decodes one command frame and updates the simulated state.
func (m *Mock) Send(ctx context.Context, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DropLink {
		return fmt.Errorf("mock send: %w", ErrDisconnected)
	}
	if len(p) < 16 || len(p)%4 != 0 {
		return fmt.Errorf("mock send: malformed frame, %d bytes", len(p))
	}
	words := make([]uint32, len(p)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(p[4*i:])
	}
	if words[0] != initWord {
		return fmt.Errorf("mock send: bad init word 0x%08X", words[0])
	}
	module := words[1]
	count := words[2]
	if int(count) != len(words)-3 {
		return fmt.Errorf("mock send: count %d does not match %d trailing words", count, len(words)-3)
	}
	header := words[3]
	sub := uint16(header >> 16)
	inst := uint16(header)
	args := words[4:]

	m.Ops++
	if m.FailOp != 0 && m.Ops == m.FailOp {
		code := m.FailCode
		if code == 0 {
			code = RespError
		}
		m.statusQ = append(m.statusQ, statusBlock(code))
		return nil
	}

	ok := func() { m.statusQ = append(m.statusQ, statusBlock(RespOK)) }
	value := func(v uint32) { m.statusQ = append(m.statusQ, statusBlock(v)) }

	switch {
	case module == modConfigurator && sub == subPowerManag:
		switch inst {
		case instPowerReadEnableReg:
			value(m.power)
		case instPowerEnable:
			m.power = args[0]
			ok()
		case instPowerResetDACs:
			ok()
		default:
			value(RespError)
		}
	case module == modConfigurator && (sub == subSPIVideo || sub == subSPIBiasClocks):
		ok()
	case module == modAcquisition && sub == subSequencer:
		switch inst {
		case instSeqWriteMem:
			m.recs[args[0]] = Record{args[1], args[2], args[3]}
			ok()
		case instSeqEnable:
			m.seqOn = true
			ok()
		case instSeqDisable:
			m.seqOn = false
			ok()
		case instSeqWriteExpoTime:
			m.expoMs = args[0]
			ok()
		case instSeqGetImage:
			m.shutter = args[2] != 0
			m.exposing = true
			m.started = time.Now()
		case instSeqGetPixelsCh1, instSeqGetPixelsCh3:
			value(uint32(m.streamed / 2))
		case instSeqGetDataCh1, instSeqGetDataCh3, instSeqTestOn, instSeqTestOff:
			ok()
		default:
			value(RespError)
		}
	case module == modPVM && sub == subUARTMicro:
		switch inst {
		case instUARTSendData:
			m.regs[args[0]] = args[1]
			if args[0] == regSetSetpoint {
				m.setpoint = args[1]
			}
			ok()
		case instUARTReadMemory:
			switch args[0] {
			case regGetTemperature:
				value(uint32(int32((m.Temp + 273.15) * 10)))
			case regGetSetpoint:
				value(m.setpoint)
			default:
				value(m.regs[args[0]])
			}
		default:
			value(RespError)
		}
	default:
		value(RespError)
	}
	return nil
}

// Recv serves queued status blocks and pixel data the way the hardware
// does: pixels first once a readout is in progress, then one status block
// per call, and a timeout when nothing is pending.
func (m *Mock) Recv(ctx context.Context, p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DropLink {
		return 0, fmt.Errorf("mock recv: %w", ErrDisconnected)
	}
	if len(m.stream) > 0 {
		if m.DropAfterBytes > 0 && m.streamed >= m.DropAfterBytes {
			m.DropLink = true
			return 0, fmt.Errorf("mock recv: %w", ErrDisconnected)
		}
		n := len(p)
		if n > ChunkLen {
			n = ChunkLen
		}
		if n > len(m.stream) {
			n = len(m.stream)
		}
		copy(p, m.stream[:n])
		m.stream = m.stream[n:]
		m.streamed += n
		return n, nil
	}
	if m.exposing {
		if time.Since(m.started) < time.Duration(m.expoMs)*time.Millisecond {
			return copy(p, statusBlock(RespExposeBusy)), nil
		}
		m.exposing = false
		m.fillStream()
		return copy(p, statusBlock(RespExposeDone)), nil
	}
	if len(m.statusQ) > 0 {
		b := m.statusQ[0]
		m.statusQ = m.statusQ[1:]
		return copy(p, b), nil
	}
	// nothing pending; emulate a bulk read timing out
	m.mu.Unlock()
	<-ctx.Done()
	m.mu.Lock()
	return 0, fmt.Errorf("mock recv: %w", ErrTimeout)
}

// Close marks the link dead.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DropLink = true
	return nil
}

// frameDims recovers the readout geometry from the uploaded program: the
// first nested mode is the serial read loop, whose loop count is the binned
// width and whose nested count the binned height.
func (m *Mock) frameDims() (int, int) {
	addrs := make([]int, 0, len(m.recs))
	for a := range m.recs {
		addrs = append(addrs, int(a))
	}
	sort.Ints(addrs)
	for _, a := range addrs {
		r := m.recs[uint32(a)]
		if r[0]>>24 != modeMarker {
			continue
		}
		if r[1]&0xFF != 1 {
			continue
		}
		nLoops := int(r[0]&0xFF)<<8 | int(r[1]>>24)
		nested := int(r[1]>>8) & 0xFFFF
		return nLoops + 1, nested
	}
	return m.sen.Cols, m.sen.Rows
}

// fillStream synthesizes the pixel bytes of one readout.  Light frames are
// a diagonal ramp, dark frames sit at the bias level.
func (m *Mock) fillStream() {
	w, h := m.frameDims()
	mask := uint16(1)<<uint(m.sen.BitDepth) - 1
	pix := make([]uint16, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if m.shutter {
				pix[y*w+x] = uint16((x+y)*257) & mask
			} else {
				pix[y*w+x] = 100
			}
		}
	}
	switch m.sen.BitDepth {
	case 12:
		m.stream = Pack12(pix)
	case 8:
		b := make([]byte, len(pix))
		for i, v := range pix {
			b[i] = byte(v)
		}
		m.stream = b
	default:
		b := make([]byte, len(pix)*2)
		for i, v := range pix {
			binary.BigEndian.PutUint16(b[2*i:], v)
		}
		m.stream = b
	}
	m.streamed = 0
	if m.TruncateFrame > 0 && m.TruncateFrame < len(m.stream) {
		m.stream = m.stream[:m.TruncateFrame]
	}
}
