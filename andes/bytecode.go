package andes

import "encoding/binary"

// The controller speaks a word-oriented protocol over USB bulk transfers.
// Commands are sequences of 32-bit little endian words:
//
//	[init] [module] [count] [submodule<<16|instruction] [args...]
//
// count is the number of words after the count word itself.  Replies are
// fixed 512 byte status blocks whose first word encodes the outcome; pixel
// data alone is big endian.
const (
	initWord = 0x029A

	// firmware modules
	modConfigurator = 0
	modAcquisition  = 1
	modPVM          = 2

	// configurator submodules
	subPowerManag    = 0
	subSPIVideo      = 1
	subSPIBiasClocks = 2

	// acquisition submodules
	subSequencer = 0

	// pvm submodules
	subUARTMicro = 0

	// powermanag instructions
	instPowerReadEnableReg = 0
	instPowerEnable        = 1
	instPowerResetDACs     = 2

	// spi instructions, shared by the video and bias/clocks submodules
	instSPICommunicate = 0

	// sequencer instructions
	instSeqGetImage      = 0
	instSeqWriteMem      = 1
	instSeqEnable        = 2
	instSeqDisable       = 3
	instSeqWriteExpoTime = 4
	instSeqGetPixelsCh1  = 5
	instSeqGetPixelsCh3  = 6
	instSeqGetDataCh1    = 7
	instSeqGetDataCh3    = 8
	instSeqTestOn        = 9
	instSeqTestOff       = 10

	// uartmicro instructions
	instUARTSendData   = 0
	instUARTReadMemory = 1
)

// Reply words the controller answers status polls with.
const (
	RespOK         = 0x55555555
	RespError      = 0xFFFFFFFF
	RespTimeout    = 0xFEDCBA98
	RespExposeBusy = 0xEEEEBBBB
	RespExposeDone = 0xEEEEDDDD
)

// StatusLen is the size of a controller status block in bytes.
const StatusLen = 512

// ChunkLen is the bulk transfer granule for pixel data in bytes.
const ChunkLen = 1024

func appendWord(b []byte, w uint32) []byte {
	var scratch [4]byte
	binary.LittleEndian.PutUint32(scratch[:], w)
	return append(b, scratch[:]...)
}

// command frames a single instruction for the controller.
func command(module uint32, submodule, instruction uint16, args ...uint32) []byte {
	b := make([]byte, 0, (4+len(args))*4)
	b = appendWord(b, initWord)
	b = appendWord(b, module)
	b = appendWord(b, uint32(1+len(args)))
	b = appendWord(b, uint32(submodule)<<16|uint32(instruction))
	for _, a := range args {
		b = appendWord(b, a)
	}
	return b
}

// ReadPowerEnableReg frames a query of the power enable register.
func ReadPowerEnableReg() []byte {
	return command(modConfigurator, subPowerManag, instPowerReadEnableReg)
}

// PowerEnable frames a write of the power enable register.  Each bit of state
// gates one regulator group.
func PowerEnable(state uint32) []byte {
	return command(modConfigurator, subPowerManag, instPowerEnable, state)
}

// ResetDACs frames a reset of the bias and clock DACs.
func ResetDACs() []byte {
	return command(modConfigurator, subPowerManag, instPowerResetDACs)
}

// spiWord packs the SPI transfer descriptor: the target device, the clock
// polarity and the payload width in bits.
func spiWord(device, polarity, nbits uint8) uint32 {
	return uint32(device)<<16 | uint32(polarity)<<8 | uint32(nbits)
}

// SPIVideo frames a transfer on the video chain SPI bus.
func SPIVideo(device, polarity, nbits uint8, data uint32) []byte {
	return command(modConfigurator, subSPIVideo, instSPICommunicate, spiWord(device, polarity, nbits), data)
}

// SPIBiasClocks frames a transfer on the bias and clocks SPI bus.
func SPIBiasClocks(device, polarity, nbits uint8, data uint32) []byte {
	return command(modConfigurator, subSPIBiasClocks, instSPICommunicate, spiWord(device, polarity, nbits), data)
}

// WriteSeqMem frames a write of one 96-bit record to sequencer memory.  The
// record travels most significant word first.
func WriteSeqMem(address uint32, r Record) []byte {
	return command(modAcquisition, subSequencer, instSeqWriteMem, address, r[0], r[1], r[2])
}

// EnableSeq frames the command that starts the sequencer state machine.
func EnableSeq() []byte {
	return command(modAcquisition, subSequencer, instSeqEnable)
}

// DisableSeq frames the command that halts the sequencer state machine.
func DisableSeq() []byte {
	return command(modAcquisition, subSequencer, instSeqDisable)
}

// WriteExpoTime frames a write of the exposure timer, in milliseconds.
func WriteExpoTime(ms uint32) []byte {
	return command(modAcquisition, subSequencer, instSeqWriteExpoTime, ms)
}

// GetImage frames the capture trigger.  stopAddr is the sequencer address
// that halts cleaning, imageAddr the entry of the readout sequence to jump to
// once the exposure timer expires.
func GetImage(stopAddr, imageAddr uint32, openShutter bool) []byte {
	var shutter uint32
	if openShutter {
		shutter = 1
	}
	return command(modAcquisition, subSequencer, instSeqGetImage, stopAddr, imageAddr, shutter)
}

// GetPixels frames a query of the pixel counter on one video channel.
func GetPixels(channel1 bool) []byte {
	inst := uint16(instSeqGetPixelsCh3)
	if channel1 {
		inst = instSeqGetPixelsCh1
	}
	return command(modAcquisition, subSequencer, inst)
}

// GetData frames a raw sample fetch on one video channel.
func GetData(channel1 bool, samples uint32) []byte {
	inst := uint16(instSeqGetDataCh3)
	if channel1 {
		inst = instSeqGetDataCh1
	}
	return command(modAcquisition, subSequencer, inst, samples)
}

// TestClocksOn frames the clock exerciser used during bring-up.  hold is in
// sequencer ticks, hi and lo the pin levels of each half period.
func TestClocksOn(hold, hi, lo uint32) []byte {
	return command(modAcquisition, subSequencer, instSeqTestOn, hold, hi, lo)
}

// TestClocksOff frames the command that stops the clock exerciser.
func TestClocksOff() []byte {
	return command(modAcquisition, subSequencer, instSeqTestOff)
}

// MicroWrite frames a register write on the supervisor microcontroller.
func MicroWrite(register uint32, value uint32) []byte {
	return command(modPVM, subUARTMicro, instUARTSendData, register, value)
}

// MicroRead frames a register read on the supervisor microcontroller.  The
// value comes back in the first word of the status block.
func MicroRead(register uint32) []byte {
	return command(modPVM, subUARTMicro, instUARTReadMemory, register)
}

// DecodeStatus interprets a status block.  The reply word is returned in all
// cases; err is non-nil when the word signals a fault.
func DecodeStatus(b []byte) (uint32, error) {
	if len(b) < 4 {
		return 0, IncompleteFrameError{Expected: 4, Received: len(b)}
	}
	code := binary.LittleEndian.Uint32(b[:4])
	switch code {
	case RespOK, RespExposeBusy, RespExposeDone:
		return code, nil
	}
	return code, StatusError{Code: code}
}
