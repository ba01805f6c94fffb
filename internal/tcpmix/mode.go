package tcpmix

import (
	"fmt"
	"strings"
)

// Mode selects what an output port does when its client disconnects.
type Mode int

const (
	// ModeDefault ends the port's stream on disconnect.
	ModeDefault Mode = iota
	// ModeLoop keeps the port and waits for the next client.
	ModeLoop
)

func (m Mode) String() string {
	if m == ModeLoop {
		return "loop"
	}
	return "default"
}

// ParseMode parses "default" or "loop".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return ModeDefault, nil
	case "loop":
		return ModeLoop, nil
	default:
		return ModeDefault, fmt.Errorf("tcpmix: unknown mode %q (want default or loop)", s)
	}
}

// Fill selects what a looping port emits while it has no client.
type Fill int

const (
	// FillNone blocks until a client is bound.
	FillNone Fill = iota
	// FillZero emits zero-filled buffers.
	FillZero
	// FillRandom emits random-filled buffers.
	FillRandom
)

func (f Fill) String() string {
	switch f {
	case FillZero:
		return "zero"
	case FillRandom:
		return "rand"
	default:
		return "none"
	}
}

// ParseFill parses "none", "zero" or "rand".
func ParseFill(s string) (Fill, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return FillNone, nil
	case "zero":
		return FillZero, nil
	case "rand", "random":
		return FillRandom, nil
	default:
		return FillNone, fmt.Errorf("tcpmix: unknown fill %q (want none, zero or rand)", s)
	}
}
