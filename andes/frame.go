package andes

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Frame is one assembled image and the settings that produced it.
type Frame struct {
	// Pix is the image in row-major order, one sample per pixel regardless
	// of bit depth.
	Pix []uint16

	// Width and Height are the binned dimensions.
	Width, Height int

	// BitDepth is how many bits of each sample carry signal.
	BitDepth int

	// Timestamp is when the exposure began.
	Timestamp time.Time

	// Settings echoes the applied configuration of the capture.
	Settings Settings
}

// frameBytes is how many bytes the controller streams for the given
// geometry.  Pixels travel big endian at 16 bits, packed two-per-three-bytes
// at 12, one byte at 8.
func frameBytes(width, height, bitDepth int) (int, error) {
	n := width * height
	switch bitDepth {
	case 16:
		return n * 2, nil
	case 12:
		if n%2 != 0 {
			return 0, fmt.Errorf("12-bit frames need an even pixel count, got %d", n)
		}
		return n * 3 / 2, nil
	case 8:
		return n, nil
	}
	return 0, fmt.Errorf("unsupported bit depth %d", bitDepth)
}

// Assemble concatenates the chunks of one readout and decodes them into a
// frame.  The chunking is arbitrary; only the total byte count matters.
func Assemble(chunks [][]byte, width, height, bitDepth int) (*Frame, error) {
	expected, err := frameBytes(width, height, bitDepth)
	if err != nil {
		return nil, err
	}
	received := 0
	for _, c := range chunks {
		received += len(c)
	}
	if received != expected {
		return nil, IncompleteFrameError{Expected: expected, Received: received}
	}
	buf := make([]byte, 0, expected)
	for _, c := range chunks {
		buf = append(buf, c...)
	}

	pix := make([]uint16, width*height)
	switch bitDepth {
	case 16:
		for i := range pix {
			pix[i] = binary.BigEndian.Uint16(buf[2*i:])
		}
	case 12:
		unpack12(buf, pix)
	case 8:
		for i := range pix {
			pix[i] = uint16(buf[i])
		}
	}
	return &Frame{Pix: pix, Width: width, Height: height, BitDepth: bitDepth}, nil
}

// unpack12 expands the two-samples-in-three-bytes packing, first sample in
// the high nibbles.
func unpack12(b []byte, pix []uint16) {
	for i, j := 0, 0; j < len(pix); i, j = i+3, j+2 {
		pix[j] = uint16(b[i])<<4 | uint16(b[i+1])>>4
		pix[j+1] = uint16(b[i+1]&0x0F)<<8 | uint16(b[i+2])
	}
}

// Pack12 is the inverse of the 12-bit unpacking, used when synthesizing
// readouts.  The pixel count must be even; samples are masked to 12 bits.
func Pack12(pix []uint16) []byte {
	b := make([]byte, len(pix)*3/2)
	for i, j := 0, 0; j < len(pix); i, j = i+3, j+2 {
		s0 := pix[j] & 0x0FFF
		s1 := pix[j+1] & 0x0FFF
		b[i] = byte(s0 >> 4)
		b[i+1] = byte(s0&0x0F)<<4 | byte(s1>>8)
		b[i+2] = byte(s1)
	}
	return b
}
