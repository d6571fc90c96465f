package andes

import (
	"strings"
	"testing"
)

func TestModeRecordPacking(t *testing.T) {
	r := modeRecord(3, 0x1234, 0x0066, true, 0x0010, 0x0002)
	expected := Record{0x80000312, 0x34006601, 0x00100002}
	for i := range expected {
		if r[i] != expected[i] {
			t.Errorf("word %d mismatch, expected %08X got %08X", i, expected[i], r[i])
		}
	}
}

func TestModeRecordNotNested(t *testing.T) {
	r := modeRecord(1, 0, 0, false, 0, noParent)
	expected := Record{0x80000100, 0x00000000, 0x0000FFFF}
	for i := range expected {
		if r[i] != expected[i] {
			t.Errorf("word %d mismatch, expected %08X got %08X", i, expected[i], r[i])
		}
	}
}

func TestStateRecordPacking(t *testing.T) {
	r := stateRecord(0x0123456789ABCDEF, 0x00654321)
	expected := Record{0x00012345, 0x6789ABCD, 0xEF654321}
	for i := range expected {
		if r[i] != expected[i] {
			t.Errorf("word %d mismatch, expected %08X got %08X", i, expected[i], r[i])
		}
	}
}

func TestStateRecordHoldMasked(t *testing.T) {
	// hold is 24 bits wide, overflow must not bleed into the data byte
	r := stateRecord(0, 0xFF123456)
	if r[2] != 0x00123456 {
		t.Errorf("hold mask mismatch, expected 00123456 got %08X", r[2])
	}
}

func TestRecordBytes(t *testing.T) {
	b := Record{0x01020304, 0x05060708, 0x090A0B0C}.Bytes()
	expected := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	if len(b) != len(expected) {
		t.Fatalf("length mismatch, expected %d got %d", len(expected), len(b))
	}
	for i := 0; i < len(expected); i++ {
		if b[i] != expected[i] {
			t.Errorf("byte %d mismatch, expected %02X got %02X", i, expected[i], b[i])
		}
	}
}

func TestCompileProgramAddresses(t *testing.T) {
	p, err := CompileProgram([]Mode{
		{Name: "a", Loops: 1, Next: "b", States: make([]SeqState, 2)},
		{Name: "b", Loops: 1, Next: "c", States: make([]SeqState, 1)},
		{Name: "c", Loops: 1, Next: "a", States: make([]SeqState, 3)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if p.Len() != 9 {
		t.Errorf("program length mismatch, expected 9 got %d", p.Len())
	}
	for name, addr := range map[string]uint16{"a": 0, "b": 3, "c": 5} {
		got, err := p.Address(name)
		if err != nil {
			t.Errorf("mode %s: %v", name, err)
			continue
		}
		if got != addr {
			t.Errorf("mode %s address mismatch, expected %d got %d", name, addr, got)
		}
	}
	if _, err := p.Address("nonesuch"); err == nil {
		t.Error("lookup of an undefined mode should fail")
	}
}

func TestCompileProgramRecords(t *testing.T) {
	p, err := CompileProgram([]Mode{
		{Name: "only", Loops: 256, Next: "only", States: []SeqState{{Data: 0, Hold: 5}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	expected := []Record{
		// loop count is stored less one, 255 straddles the word boundary
		{0x80000100, 0xFF000000, 0x0000FFFF},
		{0x00000000, 0x00000000, 0x00000005},
	}
	recs := p.Records()
	if len(recs) != len(expected) {
		t.Fatalf("record count mismatch, expected %d got %d", len(expected), len(recs))
	}
	for i := range expected {
		for j := range expected[i] {
			if recs[i][j] != expected[i][j] {
				t.Errorf("record %d word %d mismatch, expected %08X got %08X", i, j, expected[i][j], recs[i][j])
			}
		}
	}
}

func TestCompileProgramNesting(t *testing.T) {
	p, err := CompileProgram([]Mode{
		{Name: "outer", Loops: 1, Next: "inner", States: make([]SeqState, 1)},
		{Name: "inner", Loops: 4, Next: "outer", Parent: "outer", NestedLoops: 9, States: make([]SeqState, 1)},
	})
	if err != nil {
		t.Fatal(err)
	}
	// inner's mode record sits at address 2: parent 0, next 0, nested flag set
	r := p.Records()[2]
	expected := modeRecord(1, 3, 9, true, 0, 0)
	for i := range expected {
		if r[i] != expected[i] {
			t.Errorf("word %d mismatch, expected %08X got %08X", i, expected[i], r[i])
		}
	}
}

func TestCompileProgramErrors(t *testing.T) {
	cases := []struct {
		descr string
		modes []Mode
		want  string
	}{
		{"empty", nil, "empty"},
		{"unnamed", []Mode{{Loops: 1, Next: "x", States: make([]SeqState, 1)}}, "no name"},
		{"duplicate", []Mode{
			{Name: "a", Loops: 1, Next: "a", States: make([]SeqState, 1)},
			{Name: "a", Loops: 1, Next: "a", States: make([]SeqState, 1)},
		}, "defined twice"},
		{"stateless", []Mode{{Name: "a", Loops: 1, Next: "a"}}, "no states"},
		{"zero loops", []Mode{{Name: "a", Loops: 0, Next: "a", States: make([]SeqState, 1)}}, "at least 1"},
		{"undefined next", []Mode{{Name: "a", Loops: 1, Next: "b", States: make([]SeqState, 1)}}, "undefined mode"},
		{"undefined parent", []Mode{
			{Name: "a", Loops: 1, Next: "a", Parent: "b", States: make([]SeqState, 1)},
		}, "undefined mode"},
		{"double nesting", []Mode{
			{Name: "outer", Loops: 1, Next: "outer", States: make([]SeqState, 1)},
			{Name: "mid", Loops: 1, Next: "outer", Parent: "outer", States: make([]SeqState, 1)},
			{Name: "inner", Loops: 1, Next: "outer", Parent: "mid", States: make([]SeqState, 1)},
		}, "itself nested"},
		{"memory overflow", []Mode{
			{Name: "a", Loops: 1, Next: "a", States: make([]SeqState, SeqMemDepth)},
		}, "memory holds"},
	}
	for _, tc := range cases {
		_, err := CompileProgram(tc.modes)
		if err == nil {
			t.Errorf("%s: expected an error, got nil", tc.descr)
			continue
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: error %q does not mention %q", tc.descr, err, tc.want)
		}
	}
}

// the fingerprint table must implement CRC-CCITT XMODEM; "123456789" is the
// standard check input
func TestFingerprintTable(t *testing.T) {
	c := crcTable.InitCrc()
	c = crcTable.UpdateCrc(c, []byte("123456789"))
	if got := crcTable.CRC16(c); got != 0x31C3 {
		t.Errorf("check value mismatch, expected 31C3 got %04X", got)
	}
}

func TestFingerprintSensitivity(t *testing.T) {
	compile := func(hold uint32) *Program {
		p, err := CompileProgram([]Mode{
			{Name: "a", Loops: 1, Next: "a", States: []SeqState{{Data: 1, Hold: hold}}},
		})
		if err != nil {
			t.Fatal(err)
		}
		return p
	}
	a, b := compile(10), compile(11)
	if a.Fingerprint() == b.Fingerprint() {
		t.Error("programs differing in one hold should not share a fingerprint")
	}
	if a.Fingerprint() != compile(10).Fingerprint() {
		t.Error("fingerprint of identical programs should match")
	}
}
