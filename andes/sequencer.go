package andes

import (
	"encoding/binary"
	"fmt"

	"github.com/snksoft/crc"
)

// The sequencer is a loop engine inside the controller FPGA.  Its memory
// holds up to 1023 records of 96 bits.  A mode record opens a loop block and
// is followed contiguously by the state records it loops over; state records
// drive the clock pins of the CCD for a programmable hold time.
const (
	// SeqMemDepth is the number of records sequencer memory can hold.  The
	// last cell is reserved by the firmware.
	SeqMemDepth = 1023

	// modeMarker occupies the top byte of a mode record.  State records carry
	// zero there.
	modeMarker = 0x80

	// noParent fills the parent field of a mode that is not nested.
	noParent = 0xFFFF

	// HoldTick is the duration of one sequencer hold unit, 10ns.
	HoldTick = 10 // nanoseconds
)

var crcTable = crc.NewTable(crc.XMODEM)

// Record is one 96-bit sequencer memory cell as three 32-bit words, most
// significant word first.
type Record [3]uint32

// Bytes serializes the record most significant word first, each word big
// endian.  This is the canonical form fingerprints are computed over.
func (r Record) Bytes() []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b[0:4], r[0])
	binary.BigEndian.PutUint32(b[4:8], r[1])
	binary.BigEndian.PutUint32(b[8:12], r[2])
	return b
}

// modeRecord packs a loop block header.
//
// bit layout, from the most significant end:
//
//	95..88  marker, 0x80
//	87..72  number of state records in the block
//	71..56  loop count less one
//	55..40  nested loop count for the parent block
//	39..32  1 when nested under a parent block
//	31..16  address of the next mode
//	15..0   address of the parent mode, 0xFFFF when not nested
func modeRecord(nStates, nLoops, nestedLoops int, nested bool, next, parent uint16) Record {
	var isNested uint32
	if nested {
		isNested = 1
	}
	return Record{
		modeMarker<<24 | uint32(nStates&0xFFFF)<<8 | uint32(nLoops>>8)&0xFF,
		uint32(nLoops&0xFF)<<24 | uint32(nestedLoops&0xFFFF)<<8 | isNested,
		uint32(next)<<16 | uint32(parent),
	}
}

// stateRecord packs one pin state.  The 64 data bits sit at 87..24 and the
// hold time, in HoldTick units, at 23..0.
func stateRecord(data uint64, hold uint32) Record {
	return Record{
		uint32(data>>40) & 0x00FFFFFF,
		uint32(data >> 8),
		uint32(data&0xFF)<<24 | hold&0xFFFFFF,
	}
}

// SeqState is one clocking step of a mode.
type SeqState struct {
	// Data holds the level of every sequencer pin, one bit each.
	Data uint64
	// Hold is how long the pins stay at Data, in HoldTick units.
	Hold uint32
}

// Mode is a loop block of the sequencer program.
type Mode struct {
	// Name identifies the mode to other modes and to capture triggers.
	Name string

	// Loops is how many times the state list runs, at least 1.
	Loops int

	// Next names the mode the sequencer jumps to when the block completes.
	Next string

	// Parent, when non-empty, names the enclosing mode this one is nested
	// under.  NestedLoops is then the iteration count of the pair.
	Parent      string
	NestedLoops int

	// States is the clocking pattern, in execution order.
	States []SeqState
}

// Program is a compiled sequencer image ready for upload.
type Program struct {
	records []Record
	addrs   map[string]uint16
}

// CompileProgram lays out modes into sequencer memory in the order given.
// Each mode occupies one record plus one per state, so addresses are the
// running sum of those lengths.
func CompileProgram(modes []Mode) (*Program, error) {
	if len(modes) == 0 {
		return nil, fmt.Errorf("empty sequencer program")
	}
	addrs := make(map[string]uint16, len(modes))
	addr := 0
	for _, m := range modes {
		if m.Name == "" {
			return nil, fmt.Errorf("sequencer mode at address %d has no name", addr)
		}
		if _, ok := addrs[m.Name]; ok {
			return nil, fmt.Errorf("sequencer mode %q defined twice", m.Name)
		}
		if len(m.States) == 0 {
			return nil, fmt.Errorf("sequencer mode %q has no states", m.Name)
		}
		if m.Loops < 1 {
			return nil, fmt.Errorf("sequencer mode %q loops %d times, at least 1 required", m.Name, m.Loops)
		}
		addrs[m.Name] = uint16(addr)
		addr += 1 + len(m.States)
	}
	if addr > SeqMemDepth {
		return nil, fmt.Errorf("sequencer program needs %d records, memory holds %d", addr, SeqMemDepth)
	}

	records := make([]Record, 0, addr)
	for _, m := range modes {
		next, ok := addrs[m.Next]
		if !ok {
			return nil, fmt.Errorf("sequencer mode %q jumps to undefined mode %q", m.Name, m.Next)
		}
		parent := uint16(noParent)
		nested := false
		if m.Parent != "" {
			p, ok := addrs[m.Parent]
			if !ok {
				return nil, fmt.Errorf("sequencer mode %q nests under undefined mode %q", m.Name, m.Parent)
			}
			// the loop engine supports one level of nesting
			for _, cand := range modes {
				if cand.Name == m.Parent && cand.Parent != "" {
					return nil, fmt.Errorf("sequencer mode %q nests under %q, which is itself nested", m.Name, m.Parent)
				}
			}
			parent = p
			nested = true
		}
		records = append(records, modeRecord(len(m.States), m.Loops-1, m.NestedLoops, nested, next, parent))
		for _, s := range m.States {
			records = append(records, stateRecord(s.Data, s.Hold))
		}
	}
	return &Program{records: records, addrs: addrs}, nil
}

// Len is the number of records in the program.
func (p *Program) Len() int {
	return len(p.records)
}

// Records returns the memory image in upload order.
func (p *Program) Records() []Record {
	return p.records
}

// Address looks up where a mode begins in sequencer memory.
func (p *Program) Address(mode string) (uint16, error) {
	a, ok := p.addrs[mode]
	if !ok {
		return 0, fmt.Errorf("sequencer program has no mode %q", mode)
	}
	return a, nil
}

// Fingerprint computes the CRC-CCITT XMODEM checksum of the memory image.
// It identifies the uploaded program in logs and frame metadata.
func (p *Program) Fingerprint() uint16 {
	c := crcTable.InitCrc()
	for _, r := range p.records {
		c = crcTable.UpdateCrc(c, r.Bytes())
	}
	return crcTable.CRC16(c)
}
