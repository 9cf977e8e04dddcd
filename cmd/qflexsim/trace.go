package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sarchlab/qflex/driver"
)

// RecordKind is the kind of a trace line.
type RecordKind byte

// Trace record kinds. Each is the first field of a trace line.
const (
	RecordInst            RecordKind = 'I' // I <pc>: instruction retired
	RecordLoad            RecordKind = 'D' // D <addr>: data load
	RecordStore           RecordKind = 'S' // S <addr>: data store
	RecordMagic           RecordKind = 'M' // M <op>: magic instruction
	RecordExceptionReturn RecordKind = 'E' // E: exception return
)

// Record is one event of an execution trace.
type Record struct {
	Kind  RecordKind
	Value uint64
}

// ParseTrace reads a text trace. Blank lines and lines starting with # are
// skipped. Values accept 0x-prefixed hex or decimal.
//
// The D, S, M and E records of an instruction come before its I line, the
// order in which a CPU reports them: an instruction retires after its
// memory accesses. Records after the last I line belong to no instruction
// and are replayed only when the whole trace is.
func ParseTrace(r io.Reader) ([]Record, error) {
	var records []Record

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		rec, err := parseRecord(line)
		if err != nil {
			return nil, fmt.Errorf("trace line %d: %w", lineNo, err)
		}
		records = append(records, rec)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read trace: %w", err)
	}

	return records, nil
}

func parseRecord(line string) (Record, error) {
	fields := strings.Fields(line)
	if len(fields[0]) != 1 {
		return Record{}, fmt.Errorf("unknown record %q", fields[0])
	}

	kind := RecordKind(fields[0][0])
	switch kind {
	case RecordExceptionReturn:
		if len(fields) != 1 {
			return Record{}, fmt.Errorf("record %c takes no value", kind)
		}
		return Record{Kind: kind}, nil
	case RecordInst, RecordLoad, RecordStore, RecordMagic:
	default:
		return Record{}, fmt.Errorf("unknown record %q", fields[0])
	}

	if len(fields) != 2 {
		return Record{}, fmt.Errorf("record %c takes exactly one value", kind)
	}

	value, err := strconv.ParseUint(fields[1], 0, 64)
	if err != nil {
		return Record{}, fmt.Errorf("bad value %q: %w", fields[1], err)
	}

	return Record{Kind: kind, Value: value}, nil
}

// traceCPU plays a trace back as if it were a CPU. A single Step replays the
// whole remaining trace; the driver suspends it at every retired
// instruction.
type traceCPU struct {
	records []Record
	next    int
	pc      uint64
	d       *driver.Driver
}

func newTraceCPU(records []Record) *traceCPU {
	cpu := &traceCPU{records: records}

	for _, r := range records {
		if r.Kind == RecordInst {
			cpu.pc = r.Value
			break
		}
	}

	return cpu
}

func (c *traceCPU) attach(d *driver.Driver) {
	c.d = d
}

func (c *traceCPU) PC() uint64 {
	return c.pc
}

// Step returns io.EOF once the trace is exhausted.
func (c *traceCPU) Step(mode driver.Mode) error {
	for c.next < len(c.records) {
		r := c.records[c.next]
		c.next++

		switch r.Kind {
		case RecordInst:
			c.pc = r.Value
			c.d.InstructionCommitted(r.Value)
		case RecordLoad:
			c.d.MemoryAccess(r.Value, false)
		case RecordStore:
			c.d.MemoryAccess(r.Value, true)
		case RecordMagic:
			c.d.MagicInstruction(int(r.Value))
		case RecordExceptionReturn:
			c.d.ExceptionReturn()
		}
	}

	return io.EOF
}
