package cases

import (
	"fmt"

	"github.com/google/uuid"
)

// ID identifies a case in the server arena.
type ID string

// NewID returns a fresh random case id.
func NewID() ID {
	return ID(uuid.NewString())
}

// ServeKind is the media kind a case carries.
type ServeKind int

const (
	ServeVideo ServeKind = iota
	ServeAudio
)

func (k ServeKind) String() string {
	switch k {
	case ServeVideo:
		return "video"
	case ServeAudio:
		return "audio"
	default:
		return fmt.Sprintf("serve(%d)", int(k))
	}
}

// Type is the role of a case in the switching graph.
type Type int

const (
	TypeUnknown Type = iota
	InputAudio
	InputVideo
	CompositeChannelA
	CompositeChannelB
	CompositeAudio
	Preview
	BranchChannelA
	BranchChannelB
	BranchAudio
	BranchPreview
)

var typeNames = map[Type]string{
	TypeUnknown:       "unknown",
	InputAudio:        "input_audio",
	InputVideo:        "input_video",
	CompositeChannelA: "composite_a",
	CompositeChannelB: "composite_b",
	CompositeAudio:    "composite_audio",
	Preview:           "preview",
	BranchChannelA:    "branch_a",
	BranchChannelB:    "branch_b",
	BranchAudio:       "branch_audio",
	BranchPreview:     "branch_preview",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// IsInput reports whether the case feeds a client stream into the bus.
func (t Type) IsInput() bool {
	return t == InputAudio || t == InputVideo
}

// IsBranch reports whether the case publishes a channel to network clients.
func (t Type) IsBranch() bool {
	switch t {
	case BranchChannelA, BranchChannelB, BranchAudio, BranchPreview:
		return true
	}
	return false
}

// IsWork reports whether the case is the work case of a triplet.
func (t Type) IsWork() bool {
	switch t {
	case CompositeChannelA, CompositeChannelB, CompositeAudio, Preview:
		return true
	}
	return false
}

// BranchOf returns the branch type paired with a work case type.
func BranchOf(t Type) Type {
	switch t {
	case CompositeChannelA:
		return BranchChannelA
	case CompositeChannelB:
		return BranchChannelB
	case CompositeAudio:
		return BranchAudio
	case Preview:
		return BranchPreview
	}
	return TypeUnknown
}

// InputOf returns the input type for a serve kind.
func InputOf(k ServeKind) Type {
	if k == ServeAudio {
		return InputAudio
	}
	return InputVideo
}

// compatible reports whether type and serve kind form a valid case.
func compatible(t Type, k ServeKind) bool {
	switch t {
	case InputVideo, CompositeChannelA, CompositeChannelB, BranchChannelA, BranchChannelB:
		return k == ServeVideo
	case InputAudio, CompositeAudio, BranchAudio:
		return k == ServeAudio
	case Preview, BranchPreview:
		return k == ServeVideo || k == ServeAudio
	}
	return false
}
