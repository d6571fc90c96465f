package andes

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// The bench bring-up tools exchange sequencer programs as text, one record
// per line: a three digit address, a colon and tab, then the three words of
// the record in hex, most significant first.
//
//	000:	80060000 00000001 00020000
//	001:	00000006 00000000 000001F4

// FormatProgram renders a memory image in the legacy text format.
func FormatProgram(w io.Writer, recs []Record) error {
	for i, r := range recs {
		_, err := fmt.Fprintf(w, "%03d:\t%08X %08X %08X\n", i, r[0], r[1], r[2])
		if err != nil {
			return err
		}
	}
	return nil
}

// ParseProgram reads a legacy format program.  Addresses must count up from
// zero with no gaps; blank lines are skipped.
func ParseProgram(r io.Reader) ([]Record, error) {
	var recs []Record
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		colon := strings.IndexByte(text, ':')
		if colon < 0 {
			return nil, fmt.Errorf("line %d: no address prefix", line)
		}
		addr, err := strconv.Atoi(strings.TrimSpace(text[:colon]))
		if err != nil {
			return nil, fmt.Errorf("line %d: bad address %q", line, text[:colon])
		}
		if addr != len(recs) {
			return nil, fmt.Errorf("line %d: address %d out of order, expected %d", line, addr, len(recs))
		}
		fields := strings.Fields(text[colon+1:])
		if len(fields) != 3 {
			return nil, fmt.Errorf("line %d: %d words, records have 3", line, len(fields))
		}
		var rec Record
		for i, f := range fields {
			v, err := strconv.ParseUint(f, 16, 32)
			if err != nil {
				return nil, fmt.Errorf("line %d: bad word %q", line, f)
			}
			rec[i] = uint32(v)
		}
		recs = append(recs, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}
