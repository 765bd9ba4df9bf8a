package session

import (
	"fmt"
	"strings"
)

// Flags is the classic output selector bitmask.
type Flags uint

const (
	FlagAddress Flags = 1 << iota
	FlagPcode
	FlagAssembly
)

// Options selects which artifacts a decode pass populates and how it
// reacts to failures. The output flags never change where instruction
// boundaries fall.
type Options struct {
	Address  bool `json:"address"`
	Pcode    bool `json:"pcode"`
	Assembly bool `json:"assembly"`

	// StopOnError ends the pass at the first undecodable offset. When
	// false the offset is recorded and decoding resumes one byte later.
	StopOnError bool `json:"stop_on_error"`

	MaxInstructions int  `json:"max_instructions,omitempty"` // 0 means unlimited
	MaxBytes        int  `json:"max_bytes,omitempty"`        // 0 means unlimited
	PersistContext  bool `json:"persist_context,omitempty"`  // keep context between Decode calls
}

// DefaultOptions prints addresses and assembly and stops on the first error.
func DefaultOptions() Options {
	return Options{Address: true, Assembly: true, StopOnError: true}
}

// Flags returns the output selection as a bitmask.
func (o Options) Flags() Flags {
	var f Flags
	if o.Address {
		f |= FlagAddress
	}
	if o.Pcode {
		f |= FlagPcode
	}
	if o.Assembly {
		f |= FlagAssembly
	}
	return f
}

// WithFlags replaces the output selection.
func (o Options) WithFlags(f Flags) Options {
	o.Address = f&FlagAddress != 0
	o.Pcode = f&FlagPcode != 0
	o.Assembly = f&FlagAssembly != 0
	return o
}

func (f Flags) String() string {
	var parts []string
	if f&FlagAddress != 0 {
		parts = append(parts, "addr")
	}
	if f&FlagPcode != 0 {
		parts = append(parts, "pcode")
	}
	if f&FlagAssembly != 0 {
		parts = append(parts, "asm")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ParseFlags accepts "addr|pcode|asm" style lists, separated by | or ,.
func ParseFlags(s string) (Flags, error) {
	var f Flags
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' }) {
		switch strings.TrimSpace(strings.ToLower(part)) {
		case "addr", "address":
			f |= FlagAddress
		case "pcode", "ir":
			f |= FlagPcode
		case "asm", "assembly":
			f |= FlagAssembly
		case "none", "":
		default:
			return 0, fmt.Errorf("unknown output flag %q", part)
		}
	}
	return f, nil
}
